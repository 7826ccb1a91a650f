package storage

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/models"
)

const testUploadID = "018e0000-0000-0000-0000-000000000001"

var uploadRowColumns = []string{"id", "owner_id", "filename", "object_key", "multipart_id", "size", "expiry",
	"status", "content_sha256", "created_at", "updated_at"}

func TestListExpiredUploadsSkipsReferenced(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUploadRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(
		"AND NOT EXISTS (SELECT 1 FROM submissions s WHERE s.upload_id = upload_handles.id)")).
		WithArgs(repoNow, 100).
		WillReturnRows(sqlmock.NewRows(uploadRowColumns).
			AddRow(testUploadID, int64(7), "mod.zip", "usermedia/x-mod.zip", "mp-1", int64(5), repoNow.Add(-1),
				"upload_initiated", nil, repoNow, repoNow))

	handles, err := repo.ListExpired(context.Background(), repoNow, 100)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	h := handles[0]
	assert.Equal(t, testUploadID, h.ID)
	require.NotNil(t, h.OwnerID)
	assert.Equal(t, int64(7), *h.OwnerID)
	assert.Equal(t, "mp-1", h.MultipartID)
	assert.Equal(t, models.UploadCreated, h.Status)
	assert.Empty(t, h.ContentSHA256)
	assert.True(t, h.Expired(repoNow))
}

func TestCompleteUpload(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUploadRepository(db)

	query := regexp.QuoteMeta("UPDATE upload_handles SET status = ?, content_sha256 = ?, size = ?, updated_at = ?")
	mock.ExpectExec(query).
		WithArgs("upload_complete", "abc", int64(5), repoNow, testUploadID, "upload_initiated").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs("upload_complete", "abc", int64(5), repoNow, testUploadID, "upload_initiated").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Complete(context.Background(), testUploadID, "abc", 5, repoNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Complete(context.Background(), testUploadID, "abc", 5, repoNow)
	require.NoError(t, err)
	assert.False(t, ok, "a handle no longer CREATED is left alone")
}

func TestTransitionUpload(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUploadRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ? AND status IN (?, ?)")).
		WithArgs("upload_aborted", repoNow, testUploadID, "upload_initiated", "upload_error").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ? AND status IN (?)")).
		WithArgs("upload_error", repoNow, testUploadID, "upload_initiated").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Transition(context.Background(), testUploadID,
		[]models.UploadStatus{models.UploadCreated, models.UploadErrored}, models.UploadAborted, repoNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Transition(context.Background(), testUploadID,
		[]models.UploadStatus{models.UploadCreated}, models.UploadErrored, repoNow)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUploadNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUploadRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM upload_handles WHERE id = ?")).
		WithArgs(testUploadID).
		WillReturnRows(sqlmock.NewRows(uploadRowColumns))

	_, err := repo.Get(context.Background(), testUploadID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
