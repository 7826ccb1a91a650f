package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/models"
)

const uploadColumns = `id, owner_id, filename, object_key, multipart_id, size, expiry, status,
	content_sha256, created_at, updated_at`

// UploadRepository persists UploadHandles.
type UploadRepository struct {
	db *DB
}

func NewUploadRepository(db *DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// Insert stores a new handle.
func (r *UploadRepository) Insert(ctx context.Context, h *models.UploadHandle) error {
	ctx, span := startSpan(ctx, "mysql.insert_upload", attribute.String("upload", h.ID))
	defer span.End()

	query := `INSERT INTO upload_handles (` + uploadColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.conn(ctx).ExecContext(ctx, query,
		h.ID, h.OwnerID, h.Filename, h.ObjectKey, nullString(h.MultipartID), h.Size, h.Expiry,
		string(h.Status), nullString(h.ContentSHA256), h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert upload: %w", err)
	}
	return nil
}

// Get returns the handle with id or apperr.ErrNotFound.
func (r *UploadRepository) Get(ctx context.Context, id string) (*models.UploadHandle, error) {
	ctx, span := startSpan(ctx, "mysql.get_upload", attribute.String("upload", id))
	defer span.End()

	row := r.db.conn(ctx).QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM upload_handles WHERE id = ?`, id)
	h, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upload %s: %w", id, apperr.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return h, nil
}

// Transition moves the handle to status `to` if it is currently in one of `from`.
// It reports whether the row changed.
func (r *UploadRepository) Transition(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, now time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "mysql.transition_upload",
		attribute.String("upload", id),
		attribute.String("to", string(to)),
	)
	defer span.End()

	args := []any{string(to), now, id}
	for _, s := range from {
		args = append(args, string(s))
	}
	query := `UPDATE upload_handles SET status = ?, updated_at = ?
			  WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`

	res, err := r.db.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to update upload status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update upload status: %w", err)
	}
	return n == 1, nil
}

// Complete records the digest and size of a finalized object and marks the handle COMPLETE,
// provided it is still CREATED.
func (r *UploadRepository) Complete(ctx context.Context, id, sha256 string, size int64, now time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "mysql.complete_upload", attribute.String("upload", id))
	defer span.End()

	query := `UPDATE upload_handles SET status = ?, content_sha256 = ?, size = ?, updated_at = ?
			  WHERE id = ? AND status = ?`

	res, err := r.db.conn(ctx).ExecContext(ctx, query,
		string(models.UploadComplete), sha256, size, now, id, string(models.UploadCreated))
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to complete upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to complete upload: %w", err)
	}
	return n == 1, nil
}

// ListExpired returns up to limit handles whose expiry is before now and that no
// submission refers to, oldest first.
func (r *UploadRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.UploadHandle, error) {
	ctx, span := startSpan(ctx, "mysql.list_expired_uploads")
	defer span.End()

	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM upload_handles
		 WHERE expiry IS NOT NULL AND expiry < ?
		   AND NOT EXISTS (SELECT 1 FROM submissions s WHERE s.upload_id = upload_handles.id)
		 ORDER BY expiry LIMIT ?`, now, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list expired uploads: %w", err)
	}
	defer rows.Close()

	var handles []*models.UploadHandle
	for rows.Next() {
		h, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// Delete removes the handle row.
func (r *UploadRepository) Delete(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "mysql.delete_upload", attribute.String("upload", id))
	defer span.End()

	if _, err := r.db.conn(ctx).ExecContext(ctx, `DELETE FROM upload_handles WHERE id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*models.UploadHandle, error) {
	var (
		h         models.UploadHandle
		owner     sql.NullInt64
		multipart sql.NullString
		expiry    sql.NullTime
		status    string
		digest    sql.NullString
	)
	err := row.Scan(&h.ID, &owner, &h.Filename, &h.ObjectKey, &multipart, &h.Size, &expiry, &status,
		&digest, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		h.OwnerID = &owner.Int64
	}
	if expiry.Valid {
		t := expiry.Time.UTC()
		h.Expiry = &t
	}
	h.MultipartID = multipart.String
	h.Status = models.UploadStatus(strings.TrimSpace(status))
	h.ContentSHA256 = digest.String
	return &h, nil
}
