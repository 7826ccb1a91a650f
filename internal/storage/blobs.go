package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/models"
)

// blobUnreferenced matches blob rows b that no live revision, chunk list or version points at.
const blobUnreferenced = `NOT EXISTS (SELECT 1 FROM index_revisions r WHERE r.index_blob = b.sha256 AND r.deleted_at IS NULL)
	AND NOT EXISTS (SELECT 1 FROM index_revision_chunks c JOIN index_revisions r ON r.id = c.revision_id
		WHERE c.blob_sha256 = b.sha256 AND r.deleted_at IS NULL)
	AND NOT EXISTS (SELECT 1 FROM package_versions v WHERE v.file_blob = b.sha256 OR v.icon_blob = b.sha256)`

// blobUnreferencedAtAll additionally ignores soft-deleted revisions, which still hold foreign keys.
const blobUnreferencedAtAll = `NOT EXISTS (SELECT 1 FROM index_revisions r WHERE r.index_blob = b.sha256)
	AND NOT EXISTS (SELECT 1 FROM index_revision_chunks c WHERE c.blob_sha256 = b.sha256)
	AND NOT EXISTS (SELECT 1 FROM package_versions v WHERE v.file_blob = b.sha256 OR v.icon_blob = b.sha256)`

// BlobRepository persists Blob rows keyed by content hash.
type BlobRepository struct {
	db *DB
}

func NewBlobRepository(db *DB) *BlobRepository {
	return &BlobRepository{db: db}
}

// Get returns the blob row, including soft-deleted ones, or apperr.ErrNotFound.
func (r *BlobRepository) Get(ctx context.Context, sha256 string) (*models.Blob, error) {
	ctx, span := startSpan(ctx, "mysql.get_blob", attribute.String("sha256", sha256))
	defer span.End()

	var (
		b       models.Blob
		deleted sql.NullTime
	)
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT sha256, storage_key, size, content_type, content_encoding, created_at, deleted_at
		 FROM blobs WHERE sha256 = ?`, sha256).
		Scan(&b.SHA256, &b.StorageKey, &b.Size, &b.ContentType, &b.ContentEncoding, &b.CreatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", sha256, apperr.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		b.DeletedAt = &t
	}
	return &b, nil
}

// Insert creates the row. It reports false when another writer created it first.
func (r *BlobRepository) Insert(ctx context.Context, b *models.Blob) (bool, error) {
	ctx, span := startSpan(ctx, "mysql.insert_blob", attribute.String("sha256", b.SHA256))
	defer span.End()

	_, err := r.db.conn(ctx).ExecContext(ctx,
		`INSERT INTO blobs (sha256, storage_key, size, content_type, content_encoding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.SHA256, b.StorageKey, b.Size, b.ContentType, b.ContentEncoding, b.CreatedAt)
	if IsDuplicateEntry(err) {
		return false, nil
	} else if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to insert blob: %w", err)
	}
	return true, nil
}

// Restore clears a soft delete. It reports false when the row no longer exists.
func (r *BlobRepository) Restore(ctx context.Context, sha256 string) (bool, error) {
	res, err := r.db.conn(ctx).ExecContext(ctx,
		`UPDATE blobs SET deleted_at = NULL WHERE sha256 = ?`, sha256)
	if err != nil {
		return false, fmt.Errorf("failed to restore blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to restore blob: %w", err)
	}
	// MySQL reports 0 affected rows for a no-op update, so re-check existence.
	if n == 0 {
		if _, err := r.Get(ctx, sha256); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// SoftDelete marks one blob deleted at now.
func (r *BlobRepository) SoftDelete(ctx context.Context, sha256 string, now time.Time) error {
	_, err := r.db.conn(ctx).ExecContext(ctx,
		`UPDATE blobs SET deleted_at = ? WHERE sha256 = ? AND deleted_at IS NULL`, now, sha256)
	if err != nil {
		return fmt.Errorf("failed to soft delete blob: %w", err)
	}
	return nil
}

// MarkUnreferenced soft-deletes blobs created before createdBefore that nothing live refers to.
func (r *BlobRepository) MarkUnreferenced(ctx context.Context, createdBefore, now time.Time) (int64, error) {
	ctx, span := startSpan(ctx, "mysql.mark_unreferenced_blobs")
	defer span.End()

	res, err := r.db.conn(ctx).ExecContext(ctx,
		`UPDATE blobs b SET b.deleted_at = ?
		 WHERE b.deleted_at IS NULL AND b.created_at < ? AND `+blobUnreferenced,
		now, createdBefore)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to mark unreferenced blobs: %w", err)
	}
	return res.RowsAffected()
}

// ListCollectable returns up to limit blobs soft-deleted before deletedBefore that
// nothing references any more.
func (r *BlobRepository) ListCollectable(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.Blob, error) {
	ctx, span := startSpan(ctx, "mysql.list_collectable_blobs")
	defer span.End()

	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT b.sha256, b.storage_key, b.size, b.content_type, b.content_encoding, b.created_at
		 FROM blobs b WHERE b.deleted_at IS NOT NULL AND b.deleted_at < ? AND `+blobUnreferencedAtAll+`
		 LIMIT ?`, deletedBefore, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list collectable blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*models.Blob
	for rows.Next() {
		var b models.Blob
		if err := rows.Scan(&b.SHA256, &b.StorageKey, &b.Size, &b.ContentType, &b.ContentEncoding, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		blobs = append(blobs, &b)
	}
	return blobs, rows.Err()
}

// DeleteIfCollectable removes the row when it is still soft-deleted and unreferenced.
func (r *BlobRepository) DeleteIfCollectable(ctx context.Context, sha256 string) (bool, error) {
	res, err := r.db.conn(ctx).ExecContext(ctx,
		`DELETE b FROM blobs b WHERE b.sha256 = ? AND b.deleted_at IS NOT NULL AND `+blobUnreferencedAtAll,
		sha256)
	if IsForeignKeyViolation(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	return n == 1, nil
}
