package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLog keeps entries in a Redis list, one JSON envelope per element.
// MaxEntries is enforced on every append with LTRIM; MaxAge on Compact.
type RedisLog[T any] struct {
	client    redis.Cmdable
	key       string
	retention Retention
	clock     func() time.Time
}

// NewRedisClient builds the client shared by every RedisLog of a process.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisLog returns a log stored under key.
func NewRedisLog[T any](client redis.Cmdable, key string, retention Retention) *RedisLog[T] {
	return &RedisLog[T]{client: client, key: key, retention: retention, clock: time.Now}
}

func (l *RedisLog[T]) Append(ctx context.Context, v T) error {
	payload, err := json.Marshal(envelope[T]{ID: uuid.NewString(), Timestamp: l.clock().UTC(), Value: v})
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	_, err = l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, l.key, payload)
		if l.retention.MaxEntries > 0 {
			p.LTrim(ctx, l.key, int64(-l.retention.MaxEntries), -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: append %s: %w", l.key, err)
	}
	return nil
}

func (l *RedisLog[T]) Tail(ctx context.Context, n int) ([]T, error) {
	entries, err := l.rangeEntries(ctx, n)
	if err != nil {
		return nil, err
	}
	return values(entries), nil
}

func (l *RedisLog[T]) Len(ctx context.Context) (int, error) {
	n, err := l.client.LLen(ctx, l.key).Result()
	if err != nil {
		return 0, fmt.Errorf("history: len %s: %w", l.key, err)
	}
	return int(n), nil
}

// Compact trims entries older than MaxAge from the head of the list.
func (l *RedisLog[T]) Compact(ctx context.Context) (int, error) {
	cutoff := l.retention.cutoff(l.clock())
	if cutoff.IsZero() {
		return 0, nil
	}
	entries, err := l.rangeEntries(ctx, 0)
	if err != nil {
		return 0, err
	}
	drop := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Timestamp.Before(cutoff)
	})
	if drop == 0 {
		return 0, nil
	}
	if err := l.client.LTrim(ctx, l.key, int64(drop), -1).Err(); err != nil {
		return 0, fmt.Errorf("history: compact %s: %w", l.key, err)
	}
	return drop, nil
}

func (l *RedisLog[T]) rangeEntries(ctx context.Context, n int) ([]envelope[T], error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := l.client.LRange(ctx, l.key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: range %s: %w", l.key, err)
	}
	entries := make([]envelope[T], 0, len(raw))
	for _, s := range raw {
		var e envelope[T]
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("history: decode %s: %w", l.key, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
