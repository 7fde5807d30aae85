package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-progress/internal/metrics"
	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// stuckPublisher never finishes a publish on its own
type stuckPublisher struct {
	calls chan types.JobState
}

func (p *stuckPublisher) Publish(ctx context.Context, state types.JobState) error {
	select {
	case p.calls <- state:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

// gatedPublisher records states once release is closed
type gatedPublisher struct {
	recordingPublisher
	release chan struct{}
}

func (p *gatedPublisher) Publish(ctx context.Context, state types.JobState) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.recordingPublisher.Publish(ctx, state)
}

func TestRunner_StuckMirrorDoesNotBlockJobs(t *testing.T) {
	stuck := &stuckPublisher{calls: make(chan types.JobState, 1)}
	runner, store, _ := newTestRunner(t, RunnerConfig{MaxProgress: 5, MirrorTimeout: 10 * time.Millisecond}, stuck)

	submitted := make(chan string, 1)
	go func() {
		id, err := runner.Submit(context.Background())
		assert.NoError(t, err)
		submitted <- id
	}()

	var id string
	select {
	case id = <-submitted:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a stuck mirror")
	}

	final := waitForStatus(t, store, id, types.JobStatusCompleted)
	assert.Equal(t, 5, final.Progress)

	select {
	case state := <-stuck.calls:
		assert.Equal(t, id, state.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("mirror never received a state")
	}
}

func TestRunner_FullMirrorBufferDropsStates(t *testing.T) {
	before := testutil.ToFloat64(metrics.PublishErrors.WithLabelValues("mirror"))

	gated := &gatedPublisher{release: make(chan struct{})}
	store := NewStore()
	runner := NewRunner(RunnerConfig{TickInterval: time.Millisecond, MaxProgress: testMaxProgress, MirrorBuffer: 2}, store, nil, gated)

	id, err := runner.Submit(context.Background())
	require.NoError(t, err)
	waitForStatus(t, store, id, types.JobStatusCompleted)

	close(gated.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))

	states := gated.snapshot()
	assert.NotEmpty(t, states)
	assert.LessOrEqual(t, len(states), 3, "at most the in-flight state and a full buffer survive")
	assert.Greater(t, testutil.ToFloat64(metrics.PublishErrors.WithLabelValues("mirror")), before)
}

func TestRunner_ShutdownDrainsMirrors(t *testing.T) {
	recorder := &recordingPublisher{}
	store := NewStore()
	runner := NewRunner(RunnerConfig{TickInterval: time.Millisecond, MaxProgress: testMaxProgress}, store, nil, recorder)

	id, err := runner.Submit(context.Background())
	require.NoError(t, err)
	waitForStatus(t, store, id, types.JobStatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))

	states := recorder.snapshot()
	require.Len(t, states, EventsPerRun(testMaxProgress))
	assert.Equal(t, types.JobStatusCompleted, states[len(states)-1].Status)
}

func TestRunner_ShutdownCancelsStuckMirror(t *testing.T) {
	stuck := &stuckPublisher{calls: make(chan types.JobState, 1)}
	runner := NewRunner(RunnerConfig{TickInterval: time.Hour, MirrorTimeout: time.Hour}, NewStore(), nil, stuck)

	_, err := runner.Submit(context.Background())
	require.NoError(t, err)

	select {
	case <-stuck.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("mirror never received a state")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, runner.Shutdown(ctx), context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return runner.mirrors.ctx.Err() != nil
	}, time.Second, time.Millisecond)
}
