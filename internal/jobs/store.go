package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// Store manages job state in memory
type Store struct {
	mu   sync.RWMutex
	jobs map[string]types.JobState
}

// NewStore creates a new job store
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]types.JobState),
	}
}

// Put stores the state as a whole value
func (s *Store) Put(_ context.Context, state types.JobState) error {
	if state.ID == "" {
		return fmt.Errorf("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, exists := s.jobs[state.ID]; exists && current.Status == types.JobStatusCompleted {
		return fmt.Errorf("job %s: %w", state.ID, ErrJobCompleted)
	}

	s.jobs[state.ID] = state
	return nil
}

// Get retrieves a copy of the job state, or types.NotFound
func (s *Store) Get(_ context.Context, id string) (types.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.jobs[id]
	if !exists {
		return types.NotFound(id), nil
	}

	return state, nil
}

// Len returns the number of known jobs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.jobs)
}
