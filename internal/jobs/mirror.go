package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deliveryhero/asya/asya-progress/internal/metrics"
	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// mirror feeds one Publisher from its own goroutine. Offer never blocks:
// when the buffer is full the state is dropped and counted.
type mirror struct {
	publisher Publisher
	states    chan types.JobState
	timeout   time.Duration
}

func newMirror(p Publisher, buffer int, timeout time.Duration) *mirror {
	return &mirror{
		publisher: p,
		states:    make(chan types.JobState, buffer),
		timeout:   timeout,
	}
}

func (m *mirror) offer(state types.JobState) {
	select {
	case m.states <- state:
	default:
		metrics.PublishErrors.WithLabelValues("mirror").Inc()
		slog.Warn("Mirror buffer full, dropping job state", "job", state.ID, "status", state.Status, "progress", state.Progress)
	}
}

// run publishes until stop is closed, then drains what is left in the buffer
func (m *mirror) run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case state := <-m.states:
			m.publish(ctx, state)
		case <-stop:
			for {
				select {
				case state := <-m.states:
					m.publish(ctx, state)
				default:
					return
				}
			}
		}
	}
}

func (m *mirror) publish(ctx context.Context, state types.JobState) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.publisher.Publish(ctx, state); err != nil {
		metrics.PublishErrors.WithLabelValues("mirror").Inc()
		slog.Error("Failed to mirror job state", "job", state.ID, "status", state.Status, "error", err)
	}
}

// mirrors owns the goroutines of every configured publisher
type mirrors struct {
	list     []*mirror
	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func startMirrors(publishers []Publisher, buffer int, timeout time.Duration) *mirrors {
	ctx, cancel := context.WithCancel(context.Background())
	ms := &mirrors{ctx: ctx, cancel: cancel, stop: make(chan struct{})}

	for _, p := range publishers {
		m := newMirror(p, buffer, timeout)
		ms.list = append(ms.list, m)
		ms.wg.Add(1)
		go func() {
			defer ms.wg.Done()
			m.run(ms.ctx, ms.stop)
		}()
	}
	return ms
}

func (ms *mirrors) offer(state types.JobState) {
	for _, m := range ms.list {
		m.offer(state)
	}
}

// close lets every mirror drain its buffer. In-flight publishes are
// cancelled once ctx expires.
func (ms *mirrors) close(ctx context.Context) error {
	ms.stopOnce.Do(func() { close(ms.stop) })
	defer ms.cancel()

	done := make(chan struct{})
	go func() {
		ms.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for mirrors: %w", ctx.Err())
	}
}
