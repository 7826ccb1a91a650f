package storage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// DownloadRepository appends download events and maintains version counters.
type DownloadRepository struct {
	db *DB
}

func NewDownloadRepository(db *DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

// RecordDownload appends an event and increments the version's counter in one transaction.
func (r *DownloadRepository) RecordDownload(ctx context.Context, versionID int64, at time.Time) error {
	ctx, span := startSpan(ctx, "mysql.record_download", attribute.Int64("version", versionID))
	defer span.End()

	err := r.db.Tx(ctx, func(ctx context.Context) error {
		q := r.db.conn(ctx)
		if _, err := q.ExecContext(ctx,
			`INSERT INTO download_events (version_id, timestamp) VALUES (?, ?)`, versionID, at); err != nil {
			return fmt.Errorf("failed to insert download event: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE package_versions SET downloads = downloads + 1 WHERE id = ?`, versionID); err != nil {
			return fmt.Errorf("failed to increment downloads: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}
