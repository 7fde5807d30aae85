package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deliveryhero/asya/asya-progress/internal/metrics"
	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// Delivery modes, used for logging and metrics
const (
	ModeSnapshot = "snapshot"
	ModeQueue    = "queue"
)

// RunnerConfig controls the synthetic work of every job
type RunnerConfig struct {
	// TickInterval is the time between two progress increments
	TickInterval time.Duration
	// MaxProgress is the progress value at which a job completes
	MaxProgress int
	// MaxConcurrentJobs bounds the number of jobs driven at once.
	// Jobs beyond the limit stay pending until a slot frees. Zero means unlimited.
	MaxConcurrentJobs int
	// MirrorBuffer is the number of states queued per publisher before
	// further states are dropped
	MirrorBuffer int
	// MirrorTimeout bounds a single Publish call
	MirrorTimeout time.Duration
}

// Runner drives jobs from submission to completion. It is the only writer
// of the state of the jobs it starts.
type Runner struct {
	cfg        RunnerConfig
	store      JobStore
	queues     *Queues
	mirrors    *mirrors
	sem        chan struct{}
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a runner writing to store. queues may be nil, in which
// case SubmitQueued is unavailable.
func NewRunner(cfg RunnerConfig, store JobStore, queues *Queues, publishers ...Publisher) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.MaxProgress <= 0 {
		cfg.MaxProgress = 100
	}
	if cfg.MirrorBuffer <= 0 {
		cfg.MirrorBuffer = 1024
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:        cfg,
		store:      store,
		queues:     queues,
		mirrors:    startMirrors(publishers, cfg.MirrorBuffer, cfg.MirrorTimeout),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.MaxConcurrentJobs > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrentJobs)
	}
	return r
}

// Config returns the effective configuration
func (r *Runner) Config() RunnerConfig {
	return r.cfg
}

// Submit starts a job whose progress is observed through the registry
func (r *Runner) Submit(ctx context.Context) (string, error) {
	return r.start(ctx, false)
}

// SubmitQueued starts a job that also feeds a dedicated per-job queue
func (r *Runner) SubmitQueued(ctx context.Context) (string, error) {
	if r.queues == nil {
		return "", fmt.Errorf("queue mode is not configured")
	}
	return r.start(ctx, true)
}

func (r *Runner) start(ctx context.Context, queued bool) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	id, initial, err := r.create(ctx, queued)
	if err != nil {
		r.wg.Done()
		return "", err
	}

	go r.run(initial, queued)
	return id, nil
}

// create writes the first state before Submit returns, so the id is
// readable as soon as the caller has it.
func (r *Runner) create(ctx context.Context, queued bool) (string, types.JobState, error) {
	id := uuid.New().String()
	mode := ModeSnapshot
	if queued {
		mode = ModeQueue
		if err := r.queues.Open(id); err != nil {
			return "", types.JobState{}, err
		}
	}

	initial := types.JobState{ID: id, Status: types.JobStatusInProgress, StartedAt: r.now()}
	if r.sem != nil {
		initial = types.JobState{ID: id, Status: types.JobStatusPending}
	}

	if err := r.store.Put(ctx, initial); err != nil {
		r.discardQueue(id, queued)
		return "", types.JobState{}, fmt.Errorf("failed to create job: %w", err)
	}
	if initial.Status == types.JobStatusInProgress {
		r.fanOut(initial, queued)
	}

	metrics.JobsSubmitted.WithLabelValues(mode).Inc()
	slog.Debug("Job submitted", "job", id, "mode", mode)

	return id, initial, nil
}

func (r *Runner) run(state types.JobState, queued bool) {
	defer r.wg.Done()

	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
		case <-r.ctx.Done():
			return
		}
		defer func() { <-r.sem }()

		state = types.JobState{ID: state.ID, Status: types.JobStatusInProgress, StartedAt: r.now()}
		r.publish(state, queued)
	}

	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for state.Progress < r.cfg.MaxProgress {
		select {
		case <-r.ctx.Done():
			slog.Warn("Job abandoned on shutdown", "job", state.ID, "progress", state.Progress)
			return
		case <-ticker.C:
		}

		state.Progress++
		r.publish(state, queued)
	}

	state.Status = types.JobStatusCompleted
	state.CompletedAt = r.now()
	r.publish(state, queued)

	metrics.JobsCompleted.Inc()
	slog.Debug("Job completed", "job", state.ID, "duration", state.CompletedAt.Sub(state.StartedAt))
}

// publish writes the state to the registry, then to the queue and mirrors
func (r *Runner) publish(state types.JobState, queued bool) {
	if err := r.store.Put(r.ctx, state); err != nil {
		metrics.PublishErrors.WithLabelValues("store").Inc()
		slog.Error("Failed to store job state", "job", state.ID, "status", state.Status, "error", err)
	}
	r.fanOut(state, queued)
}

func (r *Runner) fanOut(state types.JobState, queued bool) {
	metrics.Publishes.Inc()

	if queued && !r.queues.Publish(state) {
		metrics.PublishErrors.WithLabelValues("queue").Inc()
		slog.Warn("Failed to enqueue job state", "job", state.ID, "progress", state.Progress)
	}

	r.mirrors.offer(state)
}

func (r *Runner) discardQueue(id string, queued bool) {
	if !queued {
		return
	}
	if c, ok := r.queues.Claim(id); ok {
		c.Finish()
	}
}

// Shutdown stops accepting jobs, abandons running ones and waits for their
// goroutines to exit or ctx to expire. Mirrors then get the rest of ctx to
// drain the states already handed to them.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.mirrors.close(ctx)
		return fmt.Errorf("waiting for runners: %w", ctx.Err())
	}

	return r.mirrors.close(ctx)
}
