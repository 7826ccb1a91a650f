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

// RevisionRepository persists IndexRevisions.
type RevisionRepository struct {
	db *DB
}

func NewRevisionRepository(db *DB) *RevisionRepository {
	return &RevisionRepository{db: db}
}

// Insert stores the revision and its ordered chunk list in one transaction.
func (r *RevisionRepository) Insert(ctx context.Context, rev *models.IndexRevision) error {
	ctx, span := startSpan(ctx, "mysql.insert_revision", attribute.Int64("community", rev.CommunityID))
	defer span.End()

	err := r.db.Tx(ctx, func(ctx context.Context) error {
		res, err := r.db.conn(ctx).ExecContext(ctx,
			`INSERT INTO index_revisions (community_id, index_blob, created_at) VALUES (?, ?, ?)`,
			rev.CommunityID, rev.IndexBlob, rev.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert revision: %w", err)
		}
		if rev.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to insert revision: %w", err)
		}

		if len(rev.ChunkBlobs) > 0 {
			args := make([]any, 0, len(rev.ChunkBlobs)*3)
			values := make([]string, 0, len(rev.ChunkBlobs))
			for i, chunk := range rev.ChunkBlobs {
				values = append(values, "(?, ?, ?)")
				args = append(args, rev.ID, i, chunk)
			}
			_, err = r.db.conn(ctx).ExecContext(ctx,
				`INSERT INTO index_revision_chunks (revision_id, position, blob_sha256) VALUES `+strings.Join(values, ", "),
				args...)
			if err != nil {
				return fmt.Errorf("failed to insert revision chunks: %w", err)
			}
		}

		// a collection pass may have soft-deleted one of these blobs since it was written
		blobs := revisionBlobs(rev)
		args := make([]any, 0, len(blobs))
		for _, sha := range blobs {
			args = append(args, sha)
		}
		_, err = r.db.conn(ctx).ExecContext(ctx,
			`UPDATE blobs SET deleted_at = NULL
			 WHERE deleted_at IS NOT NULL AND sha256 IN (`+placeholders(len(blobs))+`)`,
			args...)
		if err != nil {
			return fmt.Errorf("failed to restore revision blobs: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Latest returns the newest live revision for the community identifier.
func (r *RevisionRepository) Latest(ctx context.Context, community string) (*models.IndexRevision, error) {
	ctx, span := startSpan(ctx, "mysql.latest_revision", attribute.String("community", community))
	defer span.End()

	rev := models.IndexRevision{Community: community}
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT r.id, r.community_id, r.index_blob, r.created_at
		 FROM index_revisions r JOIN communities c ON c.id = r.community_id
		 WHERE c.identifier = ? AND r.deleted_at IS NULL
		 ORDER BY r.created_at DESC, r.id DESC LIMIT 1`, community).
		Scan(&rev.ID, &rev.CommunityID, &rev.IndexBlob, &rev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index for %s: %w", community, apperr.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get latest revision: %w", err)
	}
	rev.CreatedAt = rev.CreatedAt.UTC()

	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT blob_sha256 FROM index_revision_chunks WHERE revision_id = ? ORDER BY position`, rev.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get revision chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var chunk string
		if err := rows.Scan(&chunk); err != nil {
			return nil, fmt.Errorf("failed to scan revision chunk: %w", err)
		}
		rev.ChunkBlobs = append(rev.ChunkBlobs, chunk)
	}
	return &rev, rows.Err()
}

// HasLiveChunk reports whether a live revision of community lists the chunk blob.
func (r *RevisionRepository) HasLiveChunk(ctx context.Context, community, sha256 string) (bool, error) {
	var exists bool
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM index_revision_chunks ch
		   JOIN index_revisions r ON r.id = ch.revision_id
		   JOIN communities c ON c.id = r.community_id
		 WHERE c.identifier = ? AND ch.blob_sha256 = ? AND r.deleted_at IS NULL)`,
		community, sha256).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up chunk: %w", err)
	}
	return exists, nil
}

// DropStale soft-deletes, per community, every live revision created at or before the
// newest revision's creation time minus cutoff. The newest revision is never touched.
func (r *RevisionRepository) DropStale(ctx context.Context, cutoff time.Duration, now time.Time) (int64, error) {
	ctx, span := startSpan(ctx, "mysql.drop_stale_revisions")
	defer span.End()

	res, err := r.db.conn(ctx).ExecContext(ctx,
		`UPDATE index_revisions r
		 JOIN (SELECT community_id, MAX(created_at) AS latest FROM index_revisions
		       WHERE deleted_at IS NULL GROUP BY community_id) l ON l.community_id = r.community_id
		 SET r.deleted_at = ?
		 WHERE r.deleted_at IS NULL AND r.created_at < l.latest
		   AND r.created_at <= l.latest - INTERVAL ? SECOND`,
		now, int64(cutoff.Seconds()))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to drop stale revisions: %w", err)
	}
	return res.RowsAffected()
}

// Purge hard-deletes revisions soft-deleted before deletedBefore.
func (r *RevisionRepository) Purge(ctx context.Context, deletedBefore time.Time, limit int) (int64, error) {
	res, err := r.db.conn(ctx).ExecContext(ctx,
		`DELETE FROM index_revisions WHERE deleted_at IS NOT NULL AND deleted_at < ? LIMIT ?`,
		deletedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge revisions: %w", err)
	}
	return res.RowsAffected()
}

// revisionBlobs lists the distinct blobs rev points at, index first.
func revisionBlobs(rev *models.IndexRevision) []string {
	seen := make(map[string]bool, len(rev.ChunkBlobs)+1)
	out := make([]string, 0, len(rev.ChunkBlobs)+1)
	for _, sha := range append([]string{rev.IndexBlob}, rev.ChunkBlobs...) {
		if !seen[sha] {
			seen[sha] = true
			out = append(out, sha)
		}
	}
	return out
}
