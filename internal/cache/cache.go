// Package cache memoizes catalog reads under bust conditions and fans invalidation
// out to every configured backend.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/storage"
)

// Condition names an event that invalidates every entry registered under it.
type Condition string

const (
	AnyPackageUpdated Condition = "any_package_updated"
	ManualUpdateOnly  Condition = "manual_update_only"
)

// Conditions lists every known condition.
var Conditions = []Condition{AnyPackageUpdated, ManualUpdateOnly}

// Invalidator deletes keys by glob pattern.
type Invalidator interface {
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// Store is a byte cache with expiring entries.
type Store interface {
	Invalidator
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

var _ Store = (*storage.RedisClient)(nil)

// Key builds cache.<condition>.func.<fn>.<md5 of args>.
func Key(cond Condition, fn string, args ...any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(fmt.Sprint(args...))
	}
	sum := md5.Sum(data)
	return "cache." + string(cond) + ".func." + fn + "." + hex.EncodeToString(sum[:])
}

// Pattern matches every key registered under cond.
func Pattern(cond Condition) string {
	return "cache." + string(cond) + ".*"
}

// Memo reads through store and invalidates every backend in invalidators.
type Memo struct {
	log          *zap.Logger
	store        Store
	invalidators []Invalidator
}

// NewMemo creates a Memo. The store is always invalidated; extra invalidators
// cover other processes' caches.
func NewMemo(log *zap.Logger, store Store, extra ...Invalidator) *Memo {
	return &Memo{
		log:          log.Named("cache"),
		store:        store,
		invalidators: append([]Invalidator{store}, extra...),
	}
}

// Invalidate drops every entry registered under cond.
func (m *Memo) Invalidate(ctx context.Context, cond Condition) error {
	var firstErr error
	total := 0
	for _, inv := range m.invalidators {
		n, err := inv.DeletePattern(ctx, Pattern(cond))
		if err != nil {
			m.log.Warn("failed to invalidate cache", zap.String("condition", string(cond)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	m.log.Debug("cache invalidated", zap.String("condition", string(cond)), zap.Int("keys", total))
	return firstErr
}

// Memoize returns the cached result of compute or computes and stores it. Cache
// failures degrade to calling compute.
func Memoize[T any](ctx context.Context, m *Memo, cond Condition, fn string, ttl time.Duration, compute func(context.Context) (T, error), args ...any) (T, error) {
	key := Key(cond, fn, args...)

	data, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		if err := m.store.Set(ctx, key, data, ttl); err != nil {
			m.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return v, nil
}
