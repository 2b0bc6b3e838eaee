package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Counter counts requests per key in fixed windows.
type Counter interface {
	// Incr adds one request for key in the window containing now and returns
	// the count of that window.
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)
}

func windowStart(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

type windowCount struct {
	start int64
	end   time.Time
	count int64
}

const counterSweepInterval = time.Minute

// MemoryCounter keeps counters in process memory. Counters of finished
// windows are dropped at most once per minute.
type MemoryCounter struct {
	mu        sync.Mutex
	counts    map[string]*windowCount
	nextSweep time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]*windowCount)}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(now)

	start := windowStart(now, window)

	wc, ok := c.counts[key]
	if !ok || wc.start != start {
		wc = &windowCount{start: start, end: time.Unix(0, (start+1)*int64(window))}
		c.counts[key] = wc
	}

	wc.count++

	return wc.count, nil
}

func (c *MemoryCounter) sweep(now time.Time) {
	if now.Before(c.nextSweep) {
		return
	}

	c.nextSweep = now.Add(counterSweepInterval)

	for key, wc := range c.counts {
		if !now.Before(wc.end) {
			delete(c.counts, key)
		}
	}
}

// Len returns how many counters are held.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.counts)
}

// RedisCounter shares counters between processes through Redis.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, prefix: "agentflow:ratelimit:"}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	redisKey := fmt.Sprintf("%s%s:%d", c.prefix, key, windowStart(now, window))

	var incr *redis.IntCmd

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	return incr.Val(), nil
}
