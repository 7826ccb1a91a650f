package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/models"
)

// BlobRepository is an in-memory blob table. Whether a blob is referenced is
// controlled by the test through SetReferenced.
type BlobRepository struct {
	mu         sync.Mutex
	blobs      map[string]models.Blob
	referenced map[string]bool
}

func NewBlobRepository() *BlobRepository {
	return &BlobRepository{blobs: map[string]models.Blob{}, referenced: map[string]bool{}}
}

// SetReferenced marks sha256 as referenced, or not, by live rows.
func (r *BlobRepository) SetReferenced(sha256 string, referenced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.referenced[sha256] = referenced
}

// Len returns the number of rows, live or soft-deleted.
func (r *BlobRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}

func (r *BlobRepository) Get(_ context.Context, sha256 string) (*models.Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[sha256]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", sha256, apperr.ErrNotFound)
	}
	return &b, nil
}

func (r *BlobRepository) Insert(_ context.Context, b *models.Blob) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blobs[b.SHA256]; ok {
		return false, nil
	}
	r.blobs[b.SHA256] = *b
	return true, nil
}

func (r *BlobRepository) Restore(_ context.Context, sha256 string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[sha256]
	if !ok {
		return false, nil
	}
	b.DeletedAt = nil
	r.blobs[sha256] = b
	return true, nil
}

func (r *BlobRepository) SoftDelete(_ context.Context, sha256 string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.blobs[sha256]; ok && b.DeletedAt == nil {
		b.DeletedAt = &now
		r.blobs[sha256] = b
	}
	return nil
}

func (r *BlobRepository) MarkUnreferenced(_ context.Context, createdBefore, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for sha, b := range r.blobs {
		if b.DeletedAt == nil && b.CreatedAt.Before(createdBefore) && !r.referenced[sha] {
			t := now
			b.DeletedAt = &t
			r.blobs[sha] = b
			n++
		}
	}
	return n, nil
}

func (r *BlobRepository) ListCollectable(_ context.Context, deletedBefore time.Time, limit int) ([]*models.Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Blob
	for sha, b := range r.blobs {
		if b.DeletedAt != nil && b.DeletedAt.Before(deletedBefore) && !r.referenced[sha] {
			b := b
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SHA256 < out[j].SHA256 })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *BlobRepository) DeleteIfCollectable(_ context.Context, sha256 string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[sha256]
	if !ok || b.DeletedAt == nil || r.referenced[sha256] {
		return false, nil
	}
	delete(r.blobs, sha256)
	return true, nil
}
