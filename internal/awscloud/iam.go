package awscloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/qubitcloud/cost-guard/internal/enforcement"
)

// IAMAPI is the subset of the IAM API the policy binder uses.
type IAMAPI interface {
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, opts ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, opts ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	AttachGroupPolicy(ctx context.Context, in *iam.AttachGroupPolicyInput, opts ...func(*iam.Options)) (*iam.AttachGroupPolicyOutput, error)
	DetachGroupPolicy(ctx context.Context, in *iam.DetachGroupPolicyInput, opts ...func(*iam.Options)) (*iam.DetachGroupPolicyOutput, error)
	AttachUserPolicy(ctx context.Context, in *iam.AttachUserPolicyInput, opts ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, opts ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
}

// PolicyBinder applies the deny policy through IAM. Attaching an attached
// managed policy succeeds as-is; detaching a detached one raises
// NoSuchEntity, which is mapped to a no-op to keep the controller
// level-triggered.
type PolicyBinder struct {
	client IAMAPI
}

// NewPolicyBinder builds a binder.
func NewPolicyBinder(client IAMAPI) *PolicyBinder {
	return &PolicyBinder{client: client}
}

// Attach attaches the managed policy to the principal.
func (b *PolicyBinder) Attach(ctx context.Context, p enforcement.Principal, policyARN string) error {
	var err error
	switch p.Kind {
	case enforcement.KindRole:
		_, err = b.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName: aws.String(p.Name), PolicyArn: aws.String(policyARN),
		})
	case enforcement.KindGroup:
		_, err = b.client.AttachGroupPolicy(ctx, &iam.AttachGroupPolicyInput{
			GroupName: aws.String(p.Name), PolicyArn: aws.String(policyARN),
		})
	case enforcement.KindUser:
		_, err = b.client.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
			UserName: aws.String(p.Name), PolicyArn: aws.String(policyARN),
		})
	default:
		return fmt.Errorf("awscloud: unknown principal kind %q", p.Kind)
	}
	if err != nil {
		return fmt.Errorf("awscloud: attach policy to %s %s: %w", p.Kind, p.Name, err)
	}
	return nil
}

// Detach detaches the managed policy from the principal.
func (b *PolicyBinder) Detach(ctx context.Context, p enforcement.Principal, policyARN string) error {
	var err error
	switch p.Kind {
	case enforcement.KindRole:
		_, err = b.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName: aws.String(p.Name), PolicyArn: aws.String(policyARN),
		})
	case enforcement.KindGroup:
		_, err = b.client.DetachGroupPolicy(ctx, &iam.DetachGroupPolicyInput{
			GroupName: aws.String(p.Name), PolicyArn: aws.String(policyARN),
		})
	case enforcement.KindUser:
		_, err = b.client.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName: aws.String(p.Name), PolicyArn: aws.String(policyARN),
		})
	default:
		return fmt.Errorf("awscloud: unknown principal kind %q", p.Kind)
	}
	if err != nil {
		var nse *iamtypes.NoSuchEntityException
		if errors.As(err, &nse) {
			// Already detached; the controller is level-triggered.
			return nil
		}
		return fmt.Errorf("awscloud: detach policy from %s %s: %w", p.Kind, p.Name, err)
	}
	return nil
}
