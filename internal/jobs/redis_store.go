package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// putState writes the hash unless the stored status is already completed.
// KEYS[1] job key; ARGV: completed status, new status, encoded state.
var putState = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'state', ARGV[3])
return 1
`)

// RedisStore keeps job state in Redis hashes under a per-process prefix,
// so several gateways can share one Redis without seeing each other's jobs
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db)
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{
		rdb:    rdb,
		prefix: fmt.Sprintf("asya-progress:%s:job:", uuid.New()),
	}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Put stores the whole state. Completed jobs are never overwritten.
func (s *RedisStore) Put(ctx context.Context, state types.JobState) error {
	if state.ID == "" {
		return fmt.Errorf("job id is required")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", state.ID, err)
	}

	written, err := putState.Run(ctx, s.rdb, []string{s.key(state.ID)},
		string(types.JobStatusCompleted), string(state.Status), data).Int()
	if err != nil {
		return fmt.Errorf("failed to put job %s: %w", state.ID, err)
	}
	if written == 0 {
		return fmt.Errorf("job %s: %w", state.ID, ErrJobCompleted)
	}
	return nil
}

// Get retrieves a job by ID, or types.NotFound
func (s *RedisStore) Get(ctx context.Context, id string) (types.JobState, error) {
	data, err := s.rdb.HGet(ctx, s.key(id), "state").Bytes()
	if errors.Is(err, redis.Nil) {
		return types.NotFound(id), nil
	}
	if err != nil {
		return types.JobState{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var state types.JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return types.JobState{}, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return state, nil
}

// Close deletes this process's keys and closes the client
func (s *RedisStore) Close() error {
	defer s.rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 500 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete job keys: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan job keys: %w", err)
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete job keys: %w", err)
		}
	}
	return nil
}
