package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

const testQueueURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/progress"

func TestSQSPublisher_SkipsNonTerminal(t *testing.T) {
	client := &fakeSQS{}
	publisher := NewSQSPublisherWithClient(client, testQueueURL)

	for _, status := range []types.JobStatus{types.JobStatusPending, types.JobStatusInProgress} {
		require.NoError(t, publisher.Publish(context.Background(), types.JobState{ID: "job-1", Status: status}))
	}
	assert.Empty(t, client.inputs)
}

func TestSQSPublisher_SendsCompleted(t *testing.T) {
	client := &fakeSQS{}
	publisher := NewSQSPublisherWithClient(client, testQueueURL)

	state := types.JobState{
		ID:          "job-1",
		Status:      types.JobStatusCompleted,
		Progress:    100,
		StartedAt:   time.Unix(1700000000, 0),
		CompletedAt: time.Unix(1700000010, 0),
	}
	require.NoError(t, publisher.Publish(context.Background(), state))
	require.Len(t, client.inputs, 1)

	input := client.inputs[0]
	assert.Equal(t, testQueueURL, aws.ToString(input.QueueUrl))
	assert.Equal(t, "job-1", aws.ToString(input.MessageAttributes["job_id"].StringValue))
	assert.Equal(t, "completed", aws.ToString(input.MessageAttributes["status"].StringValue))

	var body types.JobState
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(input.MessageBody)), &body))
	assert.Equal(t, types.JobStatusCompleted, body.Status)
	assert.Equal(t, 100, body.Progress)
}

func TestSQSPublisher_WrapsErrors(t *testing.T) {
	cause := errors.New("throttled")
	publisher := NewSQSPublisherWithClient(&fakeSQS{err: cause}, testQueueURL)

	err := publisher.Publish(context.Background(), types.JobState{ID: "job-1", Status: types.JobStatusCompleted})
	assert.ErrorIs(t, err, cause)
}
