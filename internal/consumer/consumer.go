package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/deliveryhero/asya/asya-progress/internal/jobs"
	"github.com/deliveryhero/asya/asya-progress/internal/queue"
)

// Submitter starts jobs. *jobs.Runner satisfies it.
type Submitter interface {
	Submit(ctx context.Context) (string, error)
	SubmitQueued(ctx context.Context) (string, error)
}

// SubmitRequest is the message body accepted on the submit queue.
// An empty body is a snapshot-mode request.
type SubmitRequest struct {
	Mode string `json:"mode,omitempty"`
}

// SubmitConsumer starts a job for every message on the submit queue
type SubmitConsumer struct {
	receiver  queue.Receiver
	submitter Submitter
	queueName string
	backoff   time.Duration
}

// NewSubmitConsumer creates a consumer for queueName
func NewSubmitConsumer(receiver queue.Receiver, submitter Submitter, queueName string) *SubmitConsumer {
	return &SubmitConsumer{
		receiver:  receiver,
		submitter: submitter,
		queueName: queueName,
		backoff:   time.Second,
	}
}

// Run consumes until ctx is done
func (c *SubmitConsumer) Run(ctx context.Context) error {
	slog.Info("Starting submit consumer", "queue", c.queueName)

	for {
		msg, err := c.receiver.Receive(ctx, c.queueName)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Stopping submit consumer", "queue", c.queueName)
				return nil
			}
			slog.Error("Error receiving from queue", "queue", c.queueName, "error", err)
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("Failed to submit job from queue", "queue", c.queueName, "error", err)
			if nackErr := c.receiver.Nack(ctx, msg, true); nackErr != nil {
				slog.Error("Failed to nack message", "error", nackErr)
			}
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		if err := c.receiver.Ack(ctx, msg); err != nil {
			slog.Error("Failed to ack message", "error", err)
		}
	}
}

// processMessage submits a job for msg. Malformed bodies are logged and
// dropped; only submission failures are returned for redelivery.
func (c *SubmitConsumer) processMessage(ctx context.Context, msg queue.QueueMessage) error {
	body := msg.Body()
	slog.Debug("Received submit request", "queue", c.queueName, "body", string(body[:min(len(body), 200)]))

	var req SubmitRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			slog.Error("Failed to parse submit request, dropping", "error", err)
			return nil
		}
	}

	var (
		id  string
		err error
	)
	switch req.Mode {
	case "", jobs.ModeSnapshot:
		id, err = c.submitter.Submit(ctx)
	case jobs.ModeQueue:
		id, err = c.submitter.SubmitQueued(ctx)
	default:
		slog.Error("Unknown submit mode, dropping", "mode", req.Mode)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to submit %s job: %w", req.Mode, err)
	}

	mode := req.Mode
	if mode == "" {
		mode = jobs.ModeSnapshot
	}
	slog.Info("Job submitted from queue", "job", id, "mode", mode)
	return nil
}

func (c *SubmitConsumer) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
