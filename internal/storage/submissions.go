package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/models"
)

const submissionColumns = `id, owner_id, upload_id, form, status, scheduled_at, finished_at, polled_at,
	created_version_id, form_errors, task_error, created_at`

// SubmissionRepository persists Submissions and provides the row locks that make
// advancement exactly-once.
type SubmissionRepository struct {
	db *DB
}

func NewSubmissionRepository(db *DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Insert stores a new submission.
func (r *SubmissionRepository) Insert(ctx context.Context, s *models.Submission) error {
	ctx, span := startSpan(ctx, "mysql.insert_submission", attribute.String("submission", s.ID))
	defer span.End()

	form, err := s.FormJSON()
	if err != nil {
		return fmt.Errorf("failed to encode form: %w", err)
	}

	query := `INSERT INTO submissions (id, owner_id, upload_id, form, status, polled_at, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.conn(ctx).ExecContext(ctx, query,
		s.ID, s.OwnerID, s.UploadID, form, string(s.Status), s.PolledAt, s.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

// Get returns the submission with id or apperr.ErrNotFound.
func (r *SubmissionRepository) Get(ctx context.Context, id string) (*models.Submission, error) {
	ctx, span := startSpan(ctx, "mysql.get_submission", attribute.String("submission", id))
	defer span.End()

	row := r.db.conn(ctx).QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	s, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, apperr.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return s, nil
}

// UploadConsumed reports whether a finished submission already created a version from upload.
func (r *SubmissionRepository) UploadConsumed(ctx context.Context, uploadID string) (bool, error) {
	var exists bool
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE upload_id = ? AND created_version_id IS NOT NULL)`,
		uploadID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check upload usage: %w", err)
	}
	return exists, nil
}

// Touch records a poll at now. When the row lock is free and due reports true, it also
// stamps scheduled_at. It returns the current row and whether it was scheduled. A row
// locked by a worker is returned unchanged.
func (r *SubmissionRepository) Touch(ctx context.Context, id string, now time.Time, due func(*models.Submission) bool) (*models.Submission, bool, error) {
	ctx, span := startSpan(ctx, "mysql.touch_submission", attribute.String("submission", id))
	defer span.End()

	var (
		sub       *models.Submission
		scheduled bool
	)
	err := r.db.Tx(ctx, func(ctx context.Context) error {
		row := r.db.conn(ctx).QueryRowContext(ctx,
			`SELECT `+submissionColumns+` FROM submissions WHERE id = ? FOR UPDATE SKIP LOCKED`, id)
		locked, err := scanSubmission(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to lock submission: %w", err)
		}

		locked.PolledAt = now
		if due(locked) {
			locked.ScheduledAt = &now
			scheduled = true
		}
		_, err = r.db.conn(ctx).ExecContext(ctx,
			`UPDATE submissions SET polled_at = ?, scheduled_at = ? WHERE id = ?`,
			locked.PolledAt, locked.ScheduledAt, id)
		if err != nil {
			return fmt.Errorf("failed to touch submission: %w", err)
		}
		sub = locked
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if sub == nil {
		// Missing, or locked by a worker that is processing it.
		sub, err = r.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
	}
	span.SetAttributes(attribute.Bool("scheduled", scheduled))
	return sub, scheduled, nil
}

// Advance locks the PENDING row with SKIP LOCKED and runs fn inside the same
// transaction. fn fills in the outcome; Advance persists it as FINISHED. It reports
// false when the row is missing, already finished, or locked by another worker.
func (r *SubmissionRepository) Advance(ctx context.Context, id string, fn func(ctx context.Context, s *models.Submission) error) (bool, error) {
	ctx, span := startSpan(ctx, "mysql.advance_submission", attribute.String("submission", id))
	defer span.End()

	advanced := false
	err := r.db.Tx(ctx, func(ctx context.Context) error {
		row := r.db.conn(ctx).QueryRowContext(ctx,
			`SELECT `+submissionColumns+` FROM submissions
			 WHERE id = ? AND status = ? FOR UPDATE SKIP LOCKED`, id, string(models.SubmissionPending))
		sub, err := scanSubmission(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to lock submission: %w", err)
		}

		if err := fn(ctx, sub); err != nil {
			return err
		}

		var formErrors []byte
		if len(sub.FormErrors) > 0 {
			if formErrors, err = json.Marshal(sub.FormErrors); err != nil {
				return fmt.Errorf("failed to encode form errors: %w", err)
			}
		}
		_, err = r.db.conn(ctx).ExecContext(ctx,
			`UPDATE submissions SET status = ?, finished_at = ?, created_version_id = ?,
			 form_errors = ?, task_error = ? WHERE id = ?`,
			string(models.SubmissionFinished), sub.FinishedAt, sub.CreatedVersionID,
			formErrors, nullString(sub.TaskError), id)
		if err != nil {
			return fmt.Errorf("failed to finish submission: %w", err)
		}
		advanced = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("advanced", advanced))
	return advanced, nil
}

// DeleteStale removes up to limit submissions finished before threshold or last polled
// before it. It returns how many rows were removed.
func (r *SubmissionRepository) DeleteStale(ctx context.Context, threshold time.Time, limit int) (int, error) {
	ctx, span := startSpan(ctx, "mysql.delete_stale_submissions")
	defer span.End()

	res, err := r.db.conn(ctx).ExecContext(ctx,
		`DELETE FROM submissions
		 WHERE (finished_at IS NOT NULL AND finished_at < ?) OR polled_at < ?
		 LIMIT ?`, threshold, threshold, limit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete stale submissions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale submissions: %w", err)
	}
	return int(n), nil
}

func scanSubmission(row rowScanner) (*models.Submission, error) {
	var (
		s          models.Submission
		form       []byte
		status     string
		scheduled  sql.NullTime
		finished   sql.NullTime
		version    sql.NullInt64
		formErrors []byte
		taskError  sql.NullString
	)
	err := row.Scan(&s.ID, &s.OwnerID, &s.UploadID, &form, &status, &scheduled, &finished, &s.PolledAt,
		&version, &formErrors, &taskError, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(form, &s.Form); err != nil {
		return nil, fmt.Errorf("failed to decode form: %w", err)
	}
	if len(formErrors) > 0 {
		if err := json.Unmarshal(formErrors, &s.FormErrors); err != nil {
			return nil, fmt.Errorf("failed to decode form errors: %w", err)
		}
	}
	s.Status = models.SubmissionStatus(status)
	if scheduled.Valid {
		t := scheduled.Time.UTC()
		s.ScheduledAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		s.FinishedAt = &t
	}
	if version.Valid {
		s.CreatedVersionID = &version.Int64
	}
	s.TaskError = taskError.String
	s.PolledAt = s.PolledAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}
