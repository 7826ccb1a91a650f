// Package blobstore stores immutable content-addressed blobs in the primary object
// store and copies every write to the configured mirrors.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenk/backoff"
	"github.com/opencontainers/go-digest"
	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/models"
	"github.com/maneesh/pkgrepo/internal/storage"
)

const keyPrefix = "blob-storage/sha256/"

// Repository persists blob rows.
type Repository interface {
	Get(ctx context.Context, sha256 string) (*models.Blob, error)
	Insert(ctx context.Context, b *models.Blob) (bool, error)
	Restore(ctx context.Context, sha256 string) (bool, error)
	SoftDelete(ctx context.Context, sha256 string, now time.Time) error
	MarkUnreferenced(ctx context.Context, createdBefore, now time.Time) (int64, error)
	ListCollectable(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.Blob, error)
	DeleteIfCollectable(ctx context.Context, sha256 string) (bool, error)
}

// Mirror is a write-only secondary store.
type Mirror interface {
	Name() string
	Put(ctx context.Context, key string, data []byte, opts storage.PutOptions) error
	Delete(ctx context.Context, key string) error
}

// Options describe how a blob is served.
type Options struct {
	ContentType string
	// ContentEncoding "gzip" makes the store compress the bytes before writing.
	ContentEncoding string
}

// Config tunes URL generation.
type Config struct {
	// PublicRead serves unsigned URLs; otherwise URLs are presigned for URLExpiry.
	PublicRead bool
	URLExpiry  time.Duration
}

type mirrorTarget struct {
	mirror  Mirror
	breaker *circuit.Breaker
}

// Store is the content-addressed blob façade.
type Store struct {
	log     *zap.Logger
	clock   clock.Clock
	repo    Repository
	primary storage.ObjectStore
	mirrors []mirrorTarget
	conf    Config
}

// New creates a Store. Mirrors are written in the given order after the primary.
func New(log *zap.Logger, clk clock.Clock, repo Repository, primary storage.ObjectStore, mirrors []Mirror, conf Config) *Store {
	if conf.URLExpiry == 0 {
		conf.URLExpiry = time.Hour
	}
	s := &Store{
		log:     log.Named("blobstore"),
		clock:   clk,
		repo:    repo,
		primary: primary,
		conf:    conf,
	}
	for _, m := range mirrors {
		s.mirrors = append(s.mirrors, mirrorTarget{mirror: m, breaker: newBreaker()})
	}
	return s
}

// newBreaker trips after 5 consecutive failures and backs off exponentially.
func newBreaker() *circuit.Breaker {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	return circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
}

// Key returns the object key for a content hash.
func Key(sha256 string) string {
	return keyPrefix + sha256 + ".sha256.blob"
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	return digest.FromBytes(data).Encoded()
}

// Get returns the live blob row for sha256.
func (s *Store) Get(ctx context.Context, sha256 string) (*models.Blob, error) {
	b, err := s.repo.Get(ctx, sha256)
	if err != nil {
		return nil, err
	}
	if b.DeletedAt != nil {
		return nil, fmt.Errorf("blob %s: %w", sha256, apperr.ErrNotFound)
	}
	return b, nil
}

// GetOrCreate returns the blob for data, writing it only when no row exists.
// A soft-deleted row is revived instead of rewritten.
func (s *Store) GetOrCreate(ctx context.Context, data []byte, opts Options) (*models.Blob, error) {
	hash := Hash(data)

	existing, err := s.repo.Get(ctx, hash)
	switch {
	case err == nil && existing.DeletedAt == nil:
		return existing, nil
	case err == nil:
		restored, err := s.repo.Restore(ctx, hash)
		if err != nil {
			return nil, err
		}
		if restored {
			existing.DeletedAt = nil
			return existing, nil
		}
		// Collected between the read and the restore; write it again.
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}
	return s.put(ctx, hash, data, opts)
}

// Put writes data unconditionally and records the row.
func (s *Store) Put(ctx context.Context, data []byte, opts Options) (*models.Blob, error) {
	return s.put(ctx, Hash(data), data, opts)
}

func (s *Store) put(ctx context.Context, hash string, data []byte, opts Options) (*models.Blob, error) {
	body := data
	if opts.ContentEncoding == EncodingGzip {
		compressed, err := Gzip(data)
		if err != nil {
			return nil, err
		}
		body = compressed
	}

	key := Key(hash)
	putOpts := storage.PutOptions{ContentType: opts.ContentType, ContentEncoding: opts.ContentEncoding}
	if err := s.primary.Put(ctx, key, bytes.NewReader(body), int64(len(body)), putOpts); err != nil {
		return nil, apperr.ObjectStore.Wrap(err)
	}
	// mirrors only see blobs whose enclosing transaction, if any, committed
	storage.AfterCommit(ctx, func(ctx context.Context) {
		s.fanOut(ctx, key, body, putOpts)
	})

	blob := &models.Blob{
		SHA256:          hash,
		StorageKey:      key,
		Size:            int64(len(data)),
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		CreatedAt:       s.clock.Now(),
	}
	inserted, err := s.repo.Insert(ctx, blob)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost the race to another writer; the bytes are identical by construction.
		if _, err := s.repo.Restore(ctx, hash); err != nil {
			return nil, err
		}
		return s.repo.Get(ctx, hash)
	}
	return blob, nil
}

// fanOut writes to every mirror in order. Failures are logged and never returned.
func (s *Store) fanOut(ctx context.Context, key string, body []byte, opts storage.PutOptions) {
	for _, target := range s.mirrors {
		name := target.mirror.Name()
		if !target.breaker.Ready() {
			s.log.Warn("mirror circuit open, skipping write", zap.String("mirror", name), zap.String("key", key))
			continue
		}
		err := target.breaker.Call(func() error {
			return target.mirror.Put(ctx, key, body, opts)
		}, 0)
		if err != nil {
			s.log.Warn("mirror write failed", zap.String("mirror", name), zap.String("key", key), zap.Error(err))
		}
	}
}

// URL returns a CDN-eligible URL for the blob: public when objects are world-readable,
// presigned otherwise.
func (s *Store) URL(ctx context.Context, b *models.Blob) (string, error) {
	if s.conf.PublicRead {
		return s.primary.PublicURL(b.StorageKey), nil
	}
	u, err := s.primary.PresignGet(ctx, b.StorageKey, s.conf.URLExpiry)
	if err != nil {
		return "", apperr.ObjectStore.Wrap(err)
	}
	return u, nil
}

// Delete soft-deletes the blob. The bytes stay until Collect proves nothing refers to them.
func (s *Store) Delete(ctx context.Context, sha256 string) error {
	return s.repo.SoftDelete(ctx, sha256, s.clock.Now())
}

// CollectStats summarizes one Collect pass.
type CollectStats struct {
	Marked  int64
	Deleted int
}

// Collect soft-deletes blobs older than grace that nothing live refers to, then
// hard-deletes up to batch blobs that have been soft-deleted for longer than grace.
func (s *Store) Collect(ctx context.Context, grace time.Duration, batch int) (CollectStats, error) {
	var stats CollectStats
	now := s.clock.Now()

	marked, err := s.repo.MarkUnreferenced(ctx, now.Add(-grace), now)
	if err != nil {
		return stats, err
	}
	stats.Marked = marked

	candidates, err := s.repo.ListCollectable(ctx, now.Add(-grace), batch)
	if err != nil {
		return stats, err
	}
	for _, b := range candidates {
		deleted, err := s.repo.DeleteIfCollectable(ctx, b.SHA256)
		if err != nil {
			return stats, err
		}
		if !deleted {
			continue
		}
		if err := s.primary.Delete(ctx, b.StorageKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			s.log.Warn("failed to delete blob object", zap.String("key", b.StorageKey), zap.Error(err))
		}
		s.deleteFromMirrors(ctx, b.StorageKey)
		stats.Deleted++
	}
	return stats, nil
}

func (s *Store) deleteFromMirrors(ctx context.Context, key string) {
	for _, target := range s.mirrors {
		if err := target.mirror.Delete(ctx, key); err != nil {
			s.log.Warn("mirror delete failed", zap.String("mirror", target.mirror.Name()), zap.String("key", key), zap.Error(err))
		}
	}
}
