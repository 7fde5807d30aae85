package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"

	// Synthetic statuses handed to observers. Never stored against a job.
	JobStatusNotFound JobStatus = "not_found"
	JobStatusTimeout  JobStatus = "timeout"
)

// IsTerminal reports whether no further transitions follow this status
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusNotFound, JobStatusTimeout:
		return true
	}
	return false
}

// JobState is a point-in-time snapshot of one job.
//
// JobState is a value: registries store and hand out copies, so a reader
// never observes a snapshot while it is being modified.
type JobState struct {
	ID          string
	Status      JobStatus
	Progress    int
	StartedAt   time.Time
	CompletedAt time.Time
}

// NotFound returns the synthetic state for an unknown job or a drained queue
func NotFound(id string) JobState {
	return JobState{ID: id, Status: JobStatusNotFound}
}

// Timeout returns the synthetic state for a deadline that elapsed before completion
func Timeout(id string) JobState {
	return JobState{ID: id, Status: JobStatusTimeout}
}

// HasProgress reports whether the progress counter is meaningful for the status
func (s JobState) HasProgress() bool {
	return s.Status == JobStatusInProgress || s.Status == JobStatusCompleted
}

func (s JobState) String() string {
	if s.HasProgress() {
		return fmt.Sprintf("%s(%s %d)", s.ID, s.Status, s.Progress)
	}
	return fmt.Sprintf("%s(%s)", s.ID, s.Status)
}

// jobStateJSON is the wire form: progress only while in_progress/completed,
// timestamps as fractional Unix seconds.
type jobStateJSON struct {
	ID          string    `json:"id,omitempty"`
	Status      JobStatus `json:"status"`
	Progress    *int      `json:"progress,omitempty"`
	StartedAt   *float64  `json:"started_at,omitempty"`
	CompletedAt *float64  `json:"completed_at,omitempty"`
}

func (s JobState) MarshalJSON() ([]byte, error) {
	out := jobStateJSON{
		ID:          s.ID,
		Status:      s.Status,
		StartedAt:   unixSeconds(s.StartedAt),
		CompletedAt: unixSeconds(s.CompletedAt),
	}
	if s.HasProgress() {
		progress := s.Progress
		out.Progress = &progress
	}
	return json.Marshal(out)
}

func (s *JobState) UnmarshalJSON(data []byte) error {
	var in jobStateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = JobState{
		ID:          in.ID,
		Status:      in.Status,
		StartedAt:   fromUnixSeconds(in.StartedAt),
		CompletedAt: fromUnixSeconds(in.CompletedAt),
	}
	if in.Progress != nil {
		s.Progress = *in.Progress
	}
	return nil
}

func unixSeconds(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
	return &v
}

func fromUnixSeconds(v *float64) time.Time {
	if v == nil {
		return time.Time{}
	}
	sec, frac := math.Modf(*v)
	return time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second))))
}
