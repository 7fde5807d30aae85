package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// RoutingKeyPrefix prefixes the job status in state routing keys (job.in_progress, job.completed)
const RoutingKeyPrefix = "job."

// QueueMessage represents a message received from a queue
type QueueMessage interface {
	Body() []byte
	DeliveryTag() uint64
}

// Receiver reads messages from a named queue
type Receiver interface {
	Receive(ctx context.Context, queueName string) (QueueMessage, error)
	Ack(ctx context.Context, msg QueueMessage) error
	Nack(ctx context.Context, msg QueueMessage, requeue bool) error
}

// RoutingKey returns the routing key a state is published under
func RoutingKey(status types.JobStatus) string {
	return RoutingKeyPrefix + string(status)
}

func encodeState(state types.JobState) ([]byte, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job state: %w", err)
	}
	return body, nil
}
