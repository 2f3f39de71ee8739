package awscloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSAPI is the subset of the SNS API the notifier uses.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
	Subscribe(ctx context.Context, in *sns.SubscribeInput, opts ...func(*sns.Options)) (*sns.SubscribeOutput, error)
}

// Notifier publishes operator notifications to an SNS topic. Delivery to
// the subscriber list is fire-and-forget from the pipeline's perspective.
type Notifier struct {
	client   SNSAPI
	topicARN string
}

// NewNotifier builds a notifier publishing to topicARN.
func NewNotifier(client SNSAPI, topicARN string) *Notifier {
	return &Notifier{client: client, topicARN: topicARN}
}

// EnsureEmailSubscription subscribes address to the topic. Subscribing an
// already-subscribed address returns the existing subscription; a new one
// stays pending until the recipient confirms.
func (n *Notifier) EnsureEmailSubscription(ctx context.Context, address string) error {
	_, err := n.client.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(n.topicARN),
		Protocol: aws.String("email"),
		Endpoint: aws.String(address),
	})
	if err != nil {
		return fmt.Errorf("awscloud: subscribe %s to notifications: %w", address, err)
	}
	return nil
}

// Publish sends one message.
func (n *Notifier) Publish(ctx context.Context, subject, message string) error {
	_, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("awscloud: publish notification: %w", err)
	}
	return nil
}
