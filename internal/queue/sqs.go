package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// SQSAPI is the subset of the SQS client used by SQSPublisher
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends terminal job states to an SQS queue. Intermediate
// progress is skipped so the queue carries one message per job.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

// NewSQSPublisher creates a publisher using the default AWS credential chain
func NewSQSPublisher(ctx context.Context, queueURL string) (*SQSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSQSPublisherWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

// NewSQSPublisherWithClient creates a publisher around an existing client
func NewSQSPublisherWithClient(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

// Publish implements jobs.Publisher
func (p *SQSPublisher) Publish(ctx context.Context, state types.JobState) error {
	if !state.Status.IsTerminal() {
		return nil
	}

	body, err := encodeState(state)
	if err != nil {
		return err
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"job_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(state.ID),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(state.Status)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send job state to SQS: %w", err)
	}
	return nil
}
