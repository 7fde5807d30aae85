package jobs

import (
	"context"
	"errors"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

var (
	// ErrJobCompleted is returned when a write targets a job that already completed
	ErrJobCompleted = errors.New("job already completed")

	// ErrQueueExists is returned when a queue is opened twice for the same job run
	ErrQueueExists = errors.New("queue already exists")

	// ErrRunnerClosed is returned by Submit after Shutdown
	ErrRunnerClosed = errors.New("runner is shut down")
)

// JobStore is the registry every observer reads from.
//
// Put replaces the whole state of a job; partial updates are not part of
// the contract. Get returns types.NotFound for unknown ids, the error is
// reserved for backend failures.
type JobStore interface {
	Put(ctx context.Context, state types.JobState) error
	Get(ctx context.Context, id string) (types.JobState, error)
}

// Publisher receives the states a runner publishes, after the registry
// write, from a goroutine of its own. Implementations mirror job progress
// to external systems and should honour ctx.
type Publisher interface {
	Publish(ctx context.Context, state types.JobState) error
}
