// Package observe implements the ways a client can follow a job: a single
// read, a blocking wait, a sampled snapshot stream and an exact queue stream.
package observe

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/deliveryhero/asya/asya-progress/internal/jobs"
	"github.com/deliveryhero/asya/asya-progress/internal/metrics"
	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// Config holds the sampling cadences
type Config struct {
	// WaitInterval is how often Wait re-checks the registry
	WaitInterval time.Duration
	// SnapshotInterval is how often Snapshots samples the registry
	SnapshotInterval time.Duration
}

// Observer reads job progress from a registry and a queue set
type Observer struct {
	store  jobs.JobStore
	queues *jobs.Queues
	cfg    Config
}

// New creates an observer. queues may be nil if queue mode is not used.
func New(store jobs.JobStore, queues *jobs.Queues, cfg Config) *Observer {
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 100 * time.Millisecond
	}
	return &Observer{
		store:  store,
		queues: queues,
		cfg:    cfg,
	}
}

// Read returns the current state of a job without waiting
func (o *Observer) Read(ctx context.Context, id string) (types.JobState, error) {
	state, err := o.store.Get(ctx, id)
	if err != nil {
		return types.JobState{}, err
	}

	metrics.ObserverEvents.WithLabelValues(metrics.PatternPoll).Inc()
	metrics.ObserverResults.WithLabelValues(metrics.PatternPoll, string(state.Status)).Inc()
	return state, nil
}

// Wait blocks until the job completes or timeout elapses. An unknown id is
// treated like a job that never completes and ends in types.Timeout.
// If ctx is cancelled first, Wait returns types.Timeout and ctx.Err().
func (o *Observer) Wait(ctx context.Context, id string, timeout time.Duration) (types.JobState, error) {
	defer metrics.TrackObserver(metrics.PatternWait)()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(o.cfg.WaitInterval)
	defer ticker.Stop()

	for {
		state, err := o.store.Get(ctx, id)
		if err != nil {
			return types.JobState{}, err
		}
		if state.Status == types.JobStatusCompleted {
			metrics.ObserverResults.WithLabelValues(metrics.PatternWait, string(state.Status)).Inc()
			return state, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			metrics.ObserverResults.WithLabelValues(metrics.PatternWait, string(types.JobStatusTimeout)).Inc()
			return types.Timeout(id), nil
		case <-ctx.Done():
			return types.Timeout(id), ctx.Err()
		}
	}
}

// Snapshots samples the job every SnapshotInterval and yields what it sees.
//
// The sequence ends after a completed state, when timeout elapses (without a
// final element) or when ctx is done. An unknown id yields a single
// types.NotFound. Consecutive samples may repeat a state, and states that
// live shorter than one interval may never be seen.
func (o *Observer) Snapshots(ctx context.Context, id string, timeout time.Duration) iter.Seq[types.JobState] {
	return func(yield func(types.JobState) bool) {
		defer metrics.TrackObserver(metrics.PatternSnapshot)()

		state, err := o.store.Get(ctx, id)
		if err != nil {
			logReadError(ctx, id, err)
			return
		}
		if state.Status == types.JobStatusNotFound {
			o.emit(metrics.PatternSnapshot, state, yield)
			return
		}

		deadline := time.NewTimer(timeout)
		defer deadline.Stop()

		ticker := time.NewTicker(o.cfg.SnapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-deadline.C:
				metrics.ObserverResults.WithLabelValues(metrics.PatternSnapshot, string(types.JobStatusTimeout)).Inc()
				return
			case <-ctx.Done():
				return
			}

			state, err := o.store.Get(ctx, id)
			if err != nil {
				logReadError(ctx, id, err)
				return
			}
			if !o.emit(metrics.PatternSnapshot, state, yield) || state.Status.IsTerminal() {
				return
			}
		}
	}
}

// logReadError reports a failed registry read. A read cut short by the
// caller's own cancellation is not a backend failure.
func logReadError(ctx context.Context, id string, err error) {
	if ctx.Err() != nil {
		slog.Debug("Snapshot stream cancelled during read", "job", id, "error", err)
		return
	}
	slog.Error("Failed to read job for snapshot stream", "job", id, "error", err)
}

// Queued yields every state the runner published for the job, in order and
// exactly once, until the completed state. See QueuedWithin.
func (o *Observer) Queued(ctx context.Context, id string) iter.Seq[types.JobState] {
	return o.QueuedWithin(ctx, id, 0)
}

// QueuedWithin is Queued with an optional timeout; zero means none.
//
// Only one consumer can read a job's queue. A second consumer, or any
// consumer after the queue was drained, gets a single types.NotFound. If the
// sequence stops early the queue is handed back and a later consumer resumes
// after the last state yielded here.
func (o *Observer) QueuedWithin(ctx context.Context, id string, timeout time.Duration) iter.Seq[types.JobState] {
	return func(yield func(types.JobState) bool) {
		defer metrics.TrackObserver(metrics.PatternQueue)()

		if o.queues == nil {
			o.emit(metrics.PatternQueue, types.NotFound(id), yield)
			return
		}

		claim, ok := o.queues.Claim(id)
		if !ok {
			o.emit(metrics.PatternQueue, types.NotFound(id), yield)
			return
		}

		drained := false
		defer func() {
			if drained {
				claim.Finish()
			} else {
				claim.Release()
			}
		}()

		var expired <-chan time.Time
		if timeout > 0 {
			deadline := time.NewTimer(timeout)
			defer deadline.Stop()
			expired = deadline.C
		}

		for {
			select {
			case state := <-claim.Events():
				if state.Status == types.JobStatusCompleted {
					drained = true
					o.emit(metrics.PatternQueue, state, yield)
					return
				}
				if !o.emit(metrics.PatternQueue, state, yield) {
					return
				}
			case <-expired:
				metrics.ObserverResults.WithLabelValues(metrics.PatternQueue, string(types.JobStatusTimeout)).Inc()
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (o *Observer) emit(pattern string, state types.JobState, yield func(types.JobState) bool) bool {
	metrics.ObserverEvents.WithLabelValues(pattern).Inc()
	if state.Status.IsTerminal() {
		metrics.ObserverResults.WithLabelValues(pattern, string(state.Status)).Inc()
	}
	return yield(state)
}
