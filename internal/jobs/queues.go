package jobs

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// EventsPerRun is the number of states one run publishes: progress 0 through
// maxProgress, then the completed state.
func EventsPerRun(maxProgress int) int {
	return maxProgress + 2
}

// Queues is the registry-owned set of per-job event queues.
//
// Each queue belongs to one job run and has at most one consumer at a time.
// A queue disappears once its consumer has taken the completed state, or
// after the retention period if the run completed and nobody claimed it.
type Queues struct {
	mu        sync.Mutex
	queues    map[string]*jobQueue
	capacity  int
	retention time.Duration
}

type jobQueue struct {
	events  chan types.JobState
	claimed bool
	done    bool
	timer   *time.Timer
}

// NewQueues creates a queue set. capacity must cover a whole run (see
// EventsPerRun) so that publishing never waits for a consumer. A zero
// retention keeps unclaimed queues until they are drained.
func NewQueues(capacity int, retention time.Duration) *Queues {
	if capacity <= 0 {
		capacity = EventsPerRun(100)
	}
	return &Queues{
		queues:    make(map[string]*jobQueue),
		capacity:  capacity,
		retention: retention,
	}
}

// Open creates the queue for a job run
func (q *Queues) Open(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.queues[id]; exists {
		return fmt.Errorf("job %s: %w", id, ErrQueueExists)
	}

	q.queues[id] = &jobQueue{
		events: make(chan types.JobState, q.capacity),
	}
	return nil
}

// Publish appends a state to the job's queue. It never blocks and reports
// whether the state was enqueued.
func (q *Queues) Publish(state types.JobState) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	jq, exists := q.queues[state.ID]
	if !exists || jq.done {
		return false
	}

	select {
	case jq.events <- state:
	default:
		slog.Warn("Job queue full, dropping state", "job", state.ID, "capacity", q.capacity)
		return false
	}

	if state.Status == types.JobStatusCompleted {
		jq.done = true
		if !jq.claimed {
			q.armTimer(state.ID, jq)
		}
	}
	return true
}

// Claim hands the job's queue to a single consumer. It returns false if
// there is no queue or another consumer holds it.
func (q *Queues) Claim(id string) (*Claim, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jq, exists := q.queues[id]
	if !exists || jq.claimed {
		return nil, false
	}

	jq.claimed = true
	q.cancelTimer(jq)

	return &Claim{id: id, queue: jq, owner: q}, true
}

// Len returns the number of live queues
func (q *Queues) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.queues)
}

// Close stops all retention timers and drops every queue
func (q *Queues) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, jq := range q.queues {
		q.cancelTimer(jq)
		delete(q.queues, id)
	}
}

// armTimer schedules removal of an unclaimed, completed queue (must hold lock)
func (q *Queues) armTimer(id string, jq *jobQueue) {
	if q.retention <= 0 {
		return
	}
	q.cancelTimer(jq)
	jq.timer = time.AfterFunc(q.retention, func() {
		q.expire(id, jq)
	})
}

// cancelTimer stops a pending retention timer (must hold lock)
func (q *Queues) cancelTimer(jq *jobQueue) {
	if jq.timer != nil {
		jq.timer.Stop()
		jq.timer = nil
	}
}

// expire handles queue retention (called by timer)
func (q *Queues) expire(id string, jq *jobQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queues[id] != jq || jq.claimed {
		return
	}

	delete(q.queues, id)
	slog.Debug("Dropped unclaimed job queue", "job", id)
}

// remove deletes the queue if it is still the given one
func (q *Queues) remove(id string, jq *jobQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queues[id] == jq {
		q.cancelTimer(jq)
		delete(q.queues, id)
	}
}

// release gives the queue back so another consumer can resume it
func (q *Queues) release(id string, jq *jobQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queues[id] != jq {
		return
	}

	jq.claimed = false
	if jq.done {
		q.armTimer(id, jq)
	}
}

// Claim is exclusive read access to one job queue
type Claim struct {
	id    string
	queue *jobQueue
	owner *Queues
	once  sync.Once
}

// Events yields the queued states in publish order
func (c *Claim) Events() <-chan types.JobState {
	return c.queue.events
}

// Finish removes the drained queue. Later claims for the job fail.
func (c *Claim) Finish() {
	c.once.Do(func() {
		c.owner.remove(c.id, c.queue)
	})
}

// Release returns an undrained queue. States already taken are not redelivered.
func (c *Claim) Release() {
	c.once.Do(func() {
		c.owner.release(c.id, c.queue)
	})
}
