package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wiggletrack/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	KeySyncQueue           = "wiggletrack:queue:bookmark_sync"
	KeySyncProcessingQueue = "wiggletrack:queue:bookmark_sync:processing"
	KeySyncPendingSet      = "wiggletrack:queue:bookmark_sync:pending" // dedup by job id
	KeySyncStartedHash     = "wiggletrack:queue:bookmark_sync:started" // job id -> unix start time
)

var (
	ErrNoJob     = errors.New("no job available")
	ErrJobExists = errors.New("job already in queue")
)

// SyncJob asks for a bookmark's notification flag to be reconciled with the
// product document. The consumer reads the current subscription state instead
// of carrying a desired value, so an old job can never undo a newer subscribe.
type SyncJob struct {
	UserID    uint   `json:"userId"`
	ProductID string `json:"productId"`
	CreatedAt int64  `json:"createdAt"`

	raw string
}

// ID is stable per (user, product) so duplicates collapse in the pending set.
func (j *SyncJob) ID() string {
	return strconv.FormatUint(uint64(j.UserID), 10) + ":" + j.ProductID
}

// Client wraps Redis List operations for the bookmark sync outbox.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a client with address/password.
func NewClient(addr, password string) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
	}
}

// NewClientWithRedis creates a client from an existing redis.Client.
func NewClientWithRedis(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// pushJobScript runs SADD + LPUSH atomically.
// KEYS[1] = pending set, KEYS[2] = queue
// ARGV[1] = job id, ARGV[2] = job JSON
// Returns 1 when pushed, 0 when the job is already pending.
var pushJobScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// PushJob enqueues a sync job. Returns ErrJobExists when an equal job is pending.
func (c *Client) PushJob(ctx context.Context, job *SyncJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if job.ProductID == "" {
		return errors.New("job product id is empty")
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	result, err := pushJobScript.Run(ctx, c.rdb,
		[]string{KeySyncPendingSet, KeySyncQueue},
		job.ID(), string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("push job script: %w", err)
	}
	if result == 0 {
		return ErrJobExists
	}
	metrics.BookmarkSyncTotal.WithLabelValues("deferred").Inc()
	return nil
}

// PopJob blocks until a job is available or timeout is reached. The job moves
// to the processing list until it is acked or requeued.
func (c *Client) PopJob(ctx context.Context, timeout time.Duration) (*SyncJob, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPopLPush(ctx, KeySyncQueue, KeySyncProcessingQueue, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush job: %w", err)
	}

	var job SyncJob
	if err := json.Unmarshal([]byte(result), &job); err != nil {
		// Poison entry: drop it so it cannot block the queue.
		c.rdb.LRem(ctx, KeySyncProcessingQueue, 1, result)
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	job.raw = result
	c.rdb.HSet(ctx, KeySyncStartedHash, job.ID(), time.Now().Unix())
	return &job, nil
}

// ackJobScript removes a finished job from the processing list, pending set and started hash.
// KEYS[1] = processing queue, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = job JSON, ARGV[2] = job id
var ackJobScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	redis.call('SREM', KEYS[2], ARGV[2])
	redis.call('HDEL', KEYS[3], ARGV[2])
	return removed
`)

// AckJob marks a popped job as done.
func (c *Client) AckJob(ctx context.Context, job *SyncJob) error {
	if job == nil || job.raw == "" {
		return errors.New("job was not popped from the queue")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if err := ackJobScript.Run(ctx, c.rdb,
		[]string{KeySyncProcessingQueue, KeySyncPendingSet, KeySyncStartedHash},
		job.raw, job.ID(),
	).Err(); err != nil {
		return fmt.Errorf("ack job script: %w", err)
	}
	return nil
}

// requeueScript moves a job from processing back to the queue, only if it is
// still in processing so concurrent janitors cannot duplicate it.
// KEYS[1] = processing queue, KEYS[2] = queue, KEYS[3] = started hash
// ARGV[1] = job JSON, ARGV[2] = job id
var requeueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RequeueJob puts a popped job back for a later attempt.
func (c *Client) RequeueJob(ctx context.Context, job *SyncJob) error {
	if job == nil || job.raw == "" {
		return errors.New("job was not popped from the queue")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if err := requeueScript.Run(ctx, c.rdb,
		[]string{KeySyncProcessingQueue, KeySyncQueue, KeySyncStartedHash},
		job.raw, job.ID(),
	).Err(); err != nil {
		return fmt.Errorf("requeue job script: %w", err)
	}
	return nil
}

// RescueStuckJobs requeues jobs that sat in processing longer than timeout,
// e.g. after the janitor process died mid-job.
func (c *Client) RescueStuckJobs(ctx context.Context, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, KeySyncStartedHash).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}
	jobsRaw, err := c.rdb.LRange(ctx, KeySyncProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(jobsRaw) == 0 {
		for id := range startedTimes {
			c.rdb.HDel(ctx, KeySyncStartedHash, id)
		}
		return 0, nil
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0
	for _, raw := range jobsRaw {
		var job SyncJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		started := job.CreatedAt
		if v, ok := startedTimes[job.ID()]; ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				started = parsed
			}
		}
		if now-started <= threshold {
			continue
		}
		result, err := requeueScript.Run(ctx, c.rdb,
			[]string{KeySyncProcessingQueue, KeySyncQueue, KeySyncStartedHash},
			raw, job.ID(),
		).Int()
		if err != nil {
			continue
		}
		if result == 1 {
			rescued++
		}
	}
	return rescued, nil
}

// QueueDepth returns the number of waiting and in-flight jobs.
func (c *Client) QueueDepth(ctx context.Context) (int64, int64, error) {
	if c == nil || c.rdb == nil {
		return 0, 0, errors.New("redis client is not initialized")
	}
	waiting, err := c.rdb.LLen(ctx, KeySyncQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen queue: %w", err)
	}
	processing, err := c.rdb.LLen(ctx, KeySyncProcessingQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	return waiting, processing, nil
}

// Redis exposes the underlying client so other components can share the pool.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
