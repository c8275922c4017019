package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is the part of the SNS client the sink needs.
type SNSPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes events to an SNS topic for downstream consumers
// (email, push, analytics). The event type and user id are sent as message
// attributes so subscriptions can filter.
type SNSSink struct {
	client   SNSPublisher
	topicARN string
}

// NewSNSSink creates a sink over an existing client.
func NewSNSSink(client SNSPublisher, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

// NewSNSSinkFromEnv builds the client from the default AWS credential chain.
func NewSNSSinkFromEnv(ctx context.Context, topicARN string) (*SNSSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("events: load aws config: %w", err)
	}
	return NewSNSSink(sns.NewFromConfig(cfg), topicARN), nil
}

// Name implements Sink.
func (s *SNSSink) Name() string { return "sns" }

// Publish implements Sink.
func (s *SNSSink) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String(truncate(e.Title, 100)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(e.Type))},
			"user_id":    {DataType: aws.String("String"), StringValue: aws.String(e.UserID)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: sns publish: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if s == "" {
		return "milepay notification"
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
