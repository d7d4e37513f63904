package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisMirrorInterval is how often the summary snapshot is published.
const redisMirrorInterval = 10 * time.Second

// RedisUsageMirror periodically publishes the Usage Accountant's summary
// to a Redis hash for external dashboards. It is explicitly not the
// system of record: losing the Redis connection never affects
// correctness, only external visibility.
type RedisUsageMirror struct {
	client     redis.UniversalClient
	accountant *Accountant
	pool       *Pool
	logger     Logger
	key        string
}

// NewRedisUsageMirror constructs a mirror publishing to addr.
func NewRedisUsageMirror(addr string, accountant *Accountant, pool *Pool, logger Logger) *RedisUsageMirror {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &RedisUsageMirror{
		client:     redis.NewClient(&redis.Options{Addr: addr}),
		accountant: accountant,
		pool:       pool,
		logger:     logger,
		key:        "gateway:usage:summary",
	}
}

// Run blocks, publishing the summary every redisMirrorInterval until ctx
// is cancelled. Errors are logged and swallowed; this path never blocks
// or fails a caller request.
func (m *RedisUsageMirror) Run(ctx context.Context) {
	ticker := time.NewTicker(redisMirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publish(ctx)
		}
	}
}

func (m *RedisUsageMirror) publish(ctx context.Context) {
	summary := m.accountant.Summary()
	body, err := json.Marshal(summary)
	if err != nil {
		m.logger.Warn(ctx, "usage mirror: marshal failed", F("error", err.Error()))
		return
	}

	fields := map[string]any{"summary": string(body)}
	for _, c := range m.pool.Stats() {
		credBody, err := json.Marshal(c)
		if err != nil {
			continue
		}
		fields[c.ID] = string(credBody)
	}

	if err := m.client.HSet(ctx, m.key, fields).Err(); err != nil {
		m.logger.Warn(ctx, "usage mirror: redis HSET failed", F("error", err.Error()))
	}
}

// Close releases the underlying Redis client.
func (m *RedisUsageMirror) Close() error {
	return m.client.Close()
}
