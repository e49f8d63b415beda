package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/kalenda/internal/models"
)

const (
	// DefaultSubmitTimeout bounds a single enqueue attempt.
	DefaultSubmitTimeout = 2 * time.Second

	claimTTL = 24 * time.Hour
)

// queueKey returns the list key backing a named queue.
func queueKey(name string) string {
	return fmt.Sprintf("queue:%s", name)
}

// claimKey returns the dedup marker for a job.
func claimKey(jobID string) string {
	return fmt.Sprintf("job:claim:%s", jobID)
}

// RedisQueue pushes jobs onto a Redis list.
type RedisQueue struct {
	client  *redis.Client
	name    string
	timeout time.Duration
}

// NewRedisQueue creates a queue named name. A non-positive timeout uses
// DefaultSubmitTimeout.
func NewRedisQueue(client *redis.Client, name string, timeout time.Duration) *RedisQueue {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &RedisQueue{client: client, name: name, timeout: timeout}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// Submit enqueues job. It fails within the submit timeout when Redis is
// unreachable.
func (q *RedisQueue) Submit(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	return q.client.LPush(ctx, queueKey(q.name), data).Err()
}

// Len returns the number of jobs waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey(q.name)).Result()
}

// pop blocks up to wait for the next job. It returns nil, nil on timeout.
func (q *RedisQueue) pop(ctx context.Context, wait time.Duration) (*models.Job, error) {
	res, err := q.client.BRPop(ctx, wait, queueKey(q.name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// res is [key, value]
	var job models.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Claims records which jobs have started so a job that reached the queue and
// was also run locally executes only once.
type Claims struct {
	client *redis.Client
}

// NewClaims creates a claim store on client.
func NewClaims(client *redis.Client) *Claims {
	return &Claims{client: client}
}

// Claim marks jobID as taken. It returns false when another executor claimed
// it first.
func (c *Claims) Claim(ctx context.Context, jobID string) (bool, error) {
	return c.client.SetNX(ctx, claimKey(jobID), time.Now().UnixMilli(), claimTTL).Result()
}
