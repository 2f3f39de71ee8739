// Package awscloud adapts the pipeline's collaborator interfaces onto AWS:
// CloudWatch for metrics, IAM for policy enforcement, SNS for operator
// notification, S3 for task result metadata and Cost Explorer for the
// spend report.
package awscloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Clients bundles the service clients the daemon wires up.
type Clients struct {
	DynamoDB     *dynamodb.Client
	CloudWatch   *cloudwatch.Client
	IAM          *iam.Client
	SNS          *sns.Client
	S3           *s3.Client
	CostExplorer *costexplorer.Client
}

// LoadClients builds all clients from the ambient AWS configuration.
func LoadClients(ctx context.Context) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("awscloud: load configuration: %w", err)
	}
	return &Clients{
		DynamoDB:     dynamodb.NewFromConfig(cfg),
		CloudWatch:   cloudwatch.NewFromConfig(cfg),
		IAM:          iam.NewFromConfig(cfg),
		SNS:          sns.NewFromConfig(cfg),
		S3:           s3.NewFromConfig(cfg),
		CostExplorer: costexplorer.NewFromConfig(cfg),
	}, nil
}
