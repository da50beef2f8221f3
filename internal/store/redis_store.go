package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/faceblur/orchestrator/internal/model"
)

// ErrNotFound is returned for an unknown execution ID
var ErrNotFound = errors.New("execution not found")

// ExecutionStore keeps live executions in Redis
type ExecutionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewExecutionStore creates a store whose entries expire ttl after their last save
func NewExecutionStore(redisClient *redis.Client, ttl time.Duration) *ExecutionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ExecutionStore{redis: redisClient, ttl: ttl}
}

func executionKey(id string) string {
	return fmt.Sprintf("execution:%s", id)
}

func handleKey(jobID string) string {
	return fmt.Sprintf("execution:job:%s", jobID)
}

// Save writes the execution
func (s *ExecutionStore) Save(ctx context.Context, exec *model.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution %s: %w", exec.ID, err)
	}
	return s.redis.Set(ctx, executionKey(exec.ID), data, s.ttl).Err()
}

// Get loads an execution
func (s *ExecutionStore) Get(ctx context.Context, id string) (*model.Execution, error) {
	data, err := s.redis.Get(ctx, executionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	var exec model.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &exec, nil
}

// ClaimHandle binds a detection job to an execution. It returns the ID of
// the execution that owns the job, which is executionID unless another
// execution claimed it first.
func (s *ExecutionStore) ClaimHandle(ctx context.Context, jobID, executionID string) (string, error) {
	ok, err := s.redis.SetNX(ctx, handleKey(jobID), executionID, s.ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return executionID, nil
	}

	owner, err := s.redis.Get(ctx, handleKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// expired between the two calls
			return s.ClaimHandle(ctx, jobID, executionID)
		}
		return "", err
	}
	return owner, nil
}

var releaseHandleScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseHandle drops the binding of jobID if executionID still owns it
func (s *ExecutionStore) ReleaseHandle(ctx context.Context, jobID, executionID string) error {
	return releaseHandleScript.Run(ctx, s.redis, []string{handleKey(jobID)}, executionID).Err()
}
