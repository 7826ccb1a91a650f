package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const scanBatch = 500

// RedisClient wraps Redis operations with tracing. It backs the download
// suppressor, the memoization cache and the task broker.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// WrapRedis adapts an existing client.
func WrapRedis(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// SetNX atomically creates key with ttl. It reports whether the key was created.
func (rc *RedisClient) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, span := startSpan(ctx, "redis.setnx", attribute.String("key", key))
	defer span.End()

	created, err := rc.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to setnx: %w", err)
	}
	span.SetAttributes(attribute.Bool("created", created))
	return created, nil
}

// Del removes key.
func (rc *RedisClient) Del(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "redis.del", attribute.String("key", key))
	defer span.End()

	if err := rc.client.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Get returns the value at key and whether it was present.
func (rc *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := startSpan(ctx, "redis.get", attribute.String("key", key))
	defer span.End()

	data, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, false, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}

	span.SetAttributes(attribute.String("cache_status", "hit"))
	return data, true, nil
}

// Set stores value at key with ttl. A zero ttl means no expiry.
func (rc *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := startSpan(ctx, "redis.set",
		attribute.String("key", key),
		attribute.Int64("ttl_seconds", int64(ttl.Seconds())),
	)
	defer span.End()

	if err := rc.client.Set(ctx, key, value, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// DeletePattern removes every key matching the glob pattern and returns how many were removed.
func (rc *RedisClient) DeletePattern(ctx context.Context, pattern string) (int, error) {
	ctx, span := startSpan(ctx, "redis.delete_pattern", attribute.String("pattern", pattern))
	defer span.End()

	deleted := 0
	iter := rc.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := rc.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				span.RecordError(err)
				return deleted, fmt.Errorf("failed to delete keys: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return deleted, fmt.Errorf("failed to scan keys: %w", err)
	}
	if err := flush(); err != nil {
		span.RecordError(err)
		return deleted, fmt.Errorf("failed to delete keys: %w", err)
	}

	span.SetAttributes(attribute.Int("deleted", deleted))
	return deleted, nil
}

// Push appends payload to the head of list.
func (rc *RedisClient) Push(ctx context.Context, list string, payload []byte) error {
	ctx, span := startSpan(ctx, "redis.lpush", attribute.String("list", list))
	defer span.End()

	if err := rc.client.LPush(ctx, list, payload).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to push to %s: %w", list, err)
	}
	return nil
}

// Claim blocks up to timeout for an item at the tail of src and atomically moves it to
// the head of dst. It returns nil, nil on timeout.
func (rc *RedisClient) Claim(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	data, err := rc.client.BLMove(ctx, src, dst, "RIGHT", "LEFT", timeout).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to claim from %s: %w", src, err)
	}
	return data, nil
}

// Ack removes one occurrence of payload from list.
func (rc *RedisClient) Ack(ctx context.Context, list string, payload []byte) error {
	if err := rc.client.LRem(ctx, list, 1, payload).Err(); err != nil {
		return fmt.Errorf("failed to ack on %s: %w", list, err)
	}
	return nil
}

// Drain moves every item of src back onto dst and returns how many moved.
func (rc *RedisClient) Drain(ctx context.Context, src, dst string) (int, error) {
	moved := 0
	for {
		err := rc.client.LMove(ctx, src, dst, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		} else if err != nil {
			return moved, fmt.Errorf("failed to drain %s: %w", src, err)
		}
		moved++
	}
}

// Len returns the length of list.
func (rc *RedisClient) Len(ctx context.Context, list string) (int64, error) {
	n, err := rc.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", list, err)
	}
	return n, nil
}

// Requeue atomically removes payload from src and pushes next onto dst.
func (rc *RedisClient) Requeue(ctx context.Context, src string, payload []byte, dst string, next []byte) error {
	ctx, span := startSpan(ctx, "redis.requeue", attribute.String("src", src), attribute.String("dst", dst))
	defer span.End()

	_, err := rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, src, 1, payload)
		pipe.LPush(ctx, dst, next)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to requeue from %s to %s: %w", src, dst, err)
	}
	return nil
}
