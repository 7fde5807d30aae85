package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// The table is UNLOGGED and every row is tagged with the instance that
// wrote it: a restarted process gets a new instance id and never reads the
// rows of its predecessor.
const createJobStatesTable = `
	CREATE UNLOGGED TABLE IF NOT EXISTS job_states (
		instance_id  UUID        NOT NULL,
		id           TEXT        NOT NULL,
		status       TEXT        NOT NULL,
		progress     INTEGER     NOT NULL DEFAULT 0,
		started_at   TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (instance_id, id)
	)
`

// PgStore manages job state in PostgreSQL
type PgStore struct {
	pool       *pgxpool.Pool
	instanceID uuid.UUID
}

// NewPgStore creates a new PostgreSQL-backed job store
func NewPgStore(ctx context.Context, connString string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure connection pool
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createJobStatesTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create job_states table: %w", err)
	}

	return &PgStore{
		pool:       pool,
		instanceID: uuid.New(),
	}, nil
}

// InstanceID identifies the rows owned by this process
func (s *PgStore) InstanceID() uuid.UUID {
	return s.instanceID
}

// Close removes this instance's rows and closes the connection pool
func (s *PgStore) Close() error {
	defer s.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM job_states WHERE instance_id = $1`, s.instanceID); err != nil {
		return fmt.Errorf("failed to delete job states: %w", err)
	}
	return nil
}

// Put upserts the whole state. Completed rows are never overwritten.
func (s *PgStore) Put(ctx context.Context, state types.JobState) error {
	if state.ID == "" {
		return fmt.Errorf("job id is required")
	}

	query := `
		INSERT INTO job_states (instance_id, id, status, progress, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (instance_id, id) DO UPDATE
		SET status       = EXCLUDED.status,
		    progress     = EXCLUDED.progress,
		    started_at   = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at,
		    updated_at   = EXCLUDED.updated_at
		WHERE job_states.status <> $7
	`

	tag, err := s.pool.Exec(ctx, query,
		s.instanceID,
		state.ID,
		string(state.Status),
		state.Progress,
		nullableTime(state.StartedAt),
		nullableTime(state.CompletedAt),
		string(types.JobStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("failed to put job %s: %w", state.ID, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", state.ID, ErrJobCompleted)
	}

	return nil
}

// Get retrieves a job by ID, or types.NotFound
func (s *PgStore) Get(ctx context.Context, id string) (types.JobState, error) {
	query := `
		SELECT id, status, progress, started_at, completed_at
		FROM job_states
		WHERE instance_id = $1 AND id = $2
	`

	var (
		state     types.JobState
		status    string
		started   *time.Time
		completed *time.Time
	)

	err := s.pool.QueryRow(ctx, query, s.instanceID, id).Scan(
		&state.ID,
		&status,
		&state.Progress,
		&started,
		&completed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NotFound(id), nil
	}
	if err != nil {
		return types.JobState{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	state.Status = types.JobStatus(status)
	if started != nil {
		state.StartedAt = *started
	}
	if completed != nil {
		state.CompletedAt = *completed
	}

	return state, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
