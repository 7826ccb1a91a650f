// Package upload issues and drives multipart upload handles against the object store.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/models"
	"github.com/maneesh/pkgrepo/internal/storage"
)

const (
	partURLExpiry = 6 * time.Hour
	gcBatchSize   = 100
	maxFilename   = 255
)

// Repository persists upload handles.
type Repository interface {
	Insert(ctx context.Context, h *models.UploadHandle) error
	Get(ctx context.Context, id string) (*models.UploadHandle, error)
	Transition(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, now time.Time) (bool, error)
	Complete(ctx context.Context, id, sha256 string, size int64, now time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.UploadHandle, error)
	Delete(ctx context.Context, id string) error
}

// Config bounds uploads.
type Config struct {
	Bucket         string
	MinSize        int64
	MaxSize        int64
	PartSize       int64
	Expiry         time.Duration
	LocationPrefix string
}

// Coordinator implements initiate, sign, finalize, abort and expiry collection.
type Coordinator struct {
	log    *zap.Logger
	clock  clock.Clock
	repo   Repository
	store  storage.ObjectStore
	signer storage.ObjectStore
	conf   Config
}

// NewCoordinator creates a Coordinator. store is the internal endpoint; signer
// presigns part URLs against the endpoint clients can reach.
func NewCoordinator(log *zap.Logger, clk clock.Clock, repo Repository, store, signer storage.ObjectStore, conf Config) *Coordinator {
	if signer == nil {
		signer = store
	}
	return &Coordinator{
		log:    log.Named("upload"),
		clock:  clk,
		repo:   repo,
		store:  store,
		signer: signer,
		conf:   conf,
	}
}

// Initiate validates the declared size, begins a multipart upload and returns one
// presigned URL per part.
func (c *Coordinator) Initiate(ctx context.Context, owner *int64, filename string, size int64) (*models.UploadHandle, []models.PartURL, error) {
	if c.conf.Bucket == "" {
		return nil, nil, apperr.ErrBucketNotConfigured
	}
	if size < c.conf.MinSize {
		return nil, nil, fmt.Errorf("%w: %d bytes is below the minimum of %d", apperr.ErrUploadTooSmall, size, c.conf.MinSize)
	}
	if size > c.conf.MaxSize {
		return nil, nil, fmt.Errorf("%w: %d bytes exceeds the maximum of %d", apperr.ErrUploadTooLarge, size, c.conf.MaxSize)
	}
	name, err := sanitizeFilename(filename)
	if err != nil {
		return nil, nil, err
	}

	now := c.clock.Now()
	expiry := now.Add(c.conf.Expiry)
	h := &models.UploadHandle{
		ID:        newUploadID(now),
		OwnerID:   owner,
		Filename:  name,
		Size:      size,
		Expiry:    &expiry,
		Status:    models.UploadInitial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	h.ObjectKey = c.objectKey(h.ID, name)

	multipartID, err := c.store.BeginMultipart(ctx, h.ObjectKey, storage.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return nil, nil, apperr.ObjectStore.Wrap(err)
	}
	h.MultipartID = multipartID
	h.Status = models.UploadCreated

	if err := c.repo.Insert(ctx, h); err != nil {
		if abortErr := c.store.AbortMultipart(ctx, h.ObjectKey, multipartID); abortErr != nil {
			c.log.Warn("failed to abort orphaned multipart upload", zap.String("key", h.ObjectKey), zap.Error(abortErr))
		}
		return nil, nil, err
	}

	urls, err := c.presignParts(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	c.log.Info("upload initiated",
		zap.String("upload", h.ID),
		zap.Int64("size", size),
		zap.Int("parts", len(urls)),
	)
	return h, urls, nil
}

// SignParts re-issues part URLs for a handle that is still being uploaded.
func (c *Coordinator) SignParts(ctx context.Context, owner *int64, id string) ([]models.PartURL, error) {
	h, err := c.Lookup(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if h.Status != models.UploadCreated {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidUploadState, h.Status)
	}
	return c.presignParts(ctx, h)
}

// UploadedParts lists the parts the store already holds for a handle being uploaded.
func (c *Coordinator) UploadedParts(ctx context.Context, owner *int64, id string) ([]storage.PartInfo, error) {
	h, err := c.Lookup(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if h.Status != models.UploadCreated {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidUploadState, h.Status)
	}
	parts, err := c.store.ListParts(ctx, h.ObjectKey, h.MultipartID)
	if err != nil {
		return nil, apperr.ObjectStore.Wrap(err)
	}
	return parts, nil
}

func (c *Coordinator) presignParts(ctx context.Context, h *models.UploadHandle) ([]models.PartURL, error) {
	parts := PlanParts(h.Size, c.conf.PartSize)
	for i := range parts {
		u, err := c.signer.PresignPart(ctx, h.ObjectKey, h.MultipartID, parts[i].PartNumber, partURLExpiry)
		if err != nil {
			return nil, apperr.ObjectStore.Wrap(err)
		}
		parts[i].URL = u
	}
	return parts, nil
}

// PlanParts splits size into PART_SIZE parts; the last one may be short. An empty
// upload still gets one zero-length part.
func PlanParts(size, partSize int64) []models.PartURL {
	count := (size + partSize - 1) / partSize
	if count == 0 {
		count = 1
	}
	parts := make([]models.PartURL, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * partSize
		length := partSize
		if offset+length > size {
			length = size - offset
		}
		parts = append(parts, models.PartURL{
			PartNumber: int(i) + 1,
			Offset:     offset,
			Length:     length,
		})
	}
	return parts
}

// Finalize completes the multipart upload and records the object's SHA-256. It must
// not be called with a database transaction in ctx: the object-store call cannot be
// rolled back.
func (c *Coordinator) Finalize(ctx context.Context, owner *int64, id string, parts []models.CompletedPart) (*models.UploadHandle, error) {
	if storage.InTransaction(ctx) {
		return nil, apperr.ErrTransactionNotClosed
	}

	h, err := c.Lookup(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if h.Status != models.UploadCreated {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidUploadState, h.Status)
	}

	completed, err := c.checkParts(h, parts)
	if err != nil {
		return nil, err
	}

	if err := c.store.CompleteMultipart(ctx, h.ObjectKey, h.MultipartID, completed); err != nil {
		if !storage.IsClientError(err) {
			return nil, apperr.ObjectStore.Wrap(err)
		}
		if errors.Is(err, storage.ErrNoSuchUpload) && c.objectExists(ctx, h.ObjectKey) {
			// another finish completed the multipart upload and owns the handle
			return nil, fmt.Errorf("%w: finalized concurrently", apperr.ErrInvalidUploadState)
		}
		c.markErrored(ctx, h.ID)
		return nil, apperr.ClientInput.Wrap(fmt.Errorf("object store rejected the upload: %w", err))
	}

	sha, size, err := c.digest(ctx, h.ObjectKey)
	if err != nil {
		return nil, apperr.ObjectStore.Wrap(err)
	}
	if size != h.Size {
		c.markErrored(ctx, h.ID)
		return nil, apperr.ClientInput.New("uploaded %d bytes but declared %d", size, h.Size)
	}

	now := c.clock.Now()
	ok, err := c.repo.Complete(ctx, h.ID, sha, size, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: finalized concurrently", apperr.ErrInvalidUploadState)
	}

	h.Status = models.UploadComplete
	h.ContentSHA256 = sha
	h.Size = size
	h.UpdatedAt = now
	c.log.Info("upload complete", zap.String("upload", h.ID), zap.String("sha256", sha))
	return h, nil
}

func (c *Coordinator) checkParts(h *models.UploadHandle, parts []models.CompletedPart) ([]storage.CompletePart, error) {
	if len(parts) == 0 {
		return nil, apperr.ClientInput.New("parts must not be empty")
	}
	expected := len(PlanParts(h.Size, c.conf.PartSize))
	seen := make(map[int]bool, len(parts))
	completed := make([]storage.CompletePart, 0, len(parts))
	for _, p := range parts {
		if p.PartNumber < 1 || p.PartNumber > expected {
			return nil, apperr.ClientInput.New("part number %d is outside 1..%d", p.PartNumber, expected)
		}
		if seen[p.PartNumber] {
			return nil, apperr.ClientInput.New("part number %d listed twice", p.PartNumber)
		}
		if p.ETag == "" {
			return nil, apperr.ClientInput.New("part %d has no ETag", p.PartNumber)
		}
		seen[p.PartNumber] = true
		completed = append(completed, storage.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].PartNumber < completed[j].PartNumber })
	return completed, nil
}

func (c *Coordinator) digest(ctx context.Context, key string) (string, int64, error) {
	rc, err := c.store.Get(ctx, key)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(digester.Hash(), rc)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read finalized object: %w", err)
	}
	return digester.Digest().Encoded(), n, nil
}

func (c *Coordinator) objectExists(ctx context.Context, key string) bool {
	_, err := c.store.Head(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		c.log.Warn("failed to stat upload object", zap.String("key", key), zap.Error(err))
	}
	return err == nil
}

func (c *Coordinator) markErrored(ctx context.Context, id string) {
	_, err := c.repo.Transition(ctx, id, []models.UploadStatus{models.UploadCreated}, models.UploadErrored, c.clock.Now())
	if err != nil {
		c.log.Error("failed to mark upload errored", zap.String("upload", id), zap.Error(err))
	}
}

// Abort cancels the multipart upload. An already-aborted handle reports not found.
func (c *Coordinator) Abort(ctx context.Context, owner *int64, id string) (*models.UploadHandle, error) {
	h, err := c.Lookup(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	switch h.Status {
	case models.UploadAborted:
		return nil, fmt.Errorf("upload %s: %w", id, apperr.ErrNotFound)
	case models.UploadCreated, models.UploadErrored:
	default:
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidUploadState, h.Status)
	}

	if err := c.store.AbortMultipart(ctx, h.ObjectKey, h.MultipartID); err != nil && !errors.Is(err, storage.ErrNoSuchUpload) {
		return nil, apperr.ObjectStore.Wrap(err)
	}

	now := c.clock.Now()
	ok, err := c.repo.Transition(ctx, h.ID,
		[]models.UploadStatus{models.UploadCreated, models.UploadErrored}, models.UploadAborted, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := c.repo.Get(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.UploadAborted {
			return nil, fmt.Errorf("upload %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidUploadState, current.Status)
	}

	h.Status = models.UploadAborted
	h.UpdatedAt = now
	c.log.Info("upload aborted", zap.String("upload", h.ID))
	return h, nil
}

// Lookup returns the handle if caller may act on it. Expired handles are reported as such.
func (c *Coordinator) Lookup(ctx context.Context, owner *int64, id string) (*models.UploadHandle, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("upload %s: %w", id, apperr.ErrNotFound)
	}
	h, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(owner, h) {
		return nil, apperr.ErrNotOwnedByCaller
	}
	if h.Expired(c.clock.Now()) {
		return nil, fmt.Errorf("upload %s: %w", id, apperr.ErrUploadExpired)
	}
	return h, nil
}

// Open returns a reader over the finalized object of a COMPLETE handle.
func (c *Coordinator) Open(ctx context.Context, owner *int64, id string) (io.ReadCloser, *models.UploadHandle, error) {
	h, err := c.Lookup(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if h.Status != models.UploadComplete {
		return nil, nil, fmt.Errorf("%w: %s", apperr.ErrInvalidUploadState, h.Status)
	}
	rc, err := c.store.Get(ctx, h.ObjectKey)
	if err != nil {
		return nil, nil, apperr.ObjectStore.Wrap(err)
	}
	return rc, h, nil
}

// GCExpired removes handles past their expiry, cancelling multipart uploads and
// deleting finalized objects on the way. Handles a submission refers to are left
// alone, row and object both. The row goes first so a reference taken after the
// listing keeps its object.
func (c *Coordinator) GCExpired(ctx context.Context) (int, error) {
	now := c.clock.Now()
	deleted := 0
	for {
		handles, err := c.repo.ListExpired(ctx, now, gcBatchSize)
		if err != nil {
			return deleted, err
		}

		progress := 0
		for _, h := range handles {
			if err := ctx.Err(); err != nil {
				return deleted + progress, err
			}
			if err := c.repo.Delete(ctx, h.ID); err != nil {
				if storage.IsForeignKeyViolation(err) {
					c.log.Debug("expired upload still referenced", zap.String("upload", h.ID))
					continue
				}
				return deleted + progress, err
			}
			c.releaseObjects(ctx, h)
			progress++
		}
		deleted += progress

		if len(handles) < gcBatchSize || progress == 0 {
			break
		}
	}
	if deleted > 0 {
		c.log.Info("expired uploads collected", zap.Int("count", deleted))
	}
	return deleted, nil
}

func (c *Coordinator) releaseObjects(ctx context.Context, h *models.UploadHandle) {
	if h.MultipartID != "" && !h.Status.Terminal() {
		err := c.store.AbortMultipart(ctx, h.ObjectKey, h.MultipartID)
		if err != nil && !errors.Is(err, storage.ErrNoSuchUpload) {
			c.log.Warn("failed to abort expired upload", zap.String("upload", h.ID), zap.Error(err))
		}
	}
	if h.Status == models.UploadComplete {
		err := c.store.Delete(ctx, h.ObjectKey)
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			c.log.Warn("failed to delete expired upload object", zap.String("upload", h.ID), zap.Error(err))
		}
	}
}

func owns(caller *int64, h *models.UploadHandle) bool {
	if h.OwnerID == nil {
		return caller == nil
	}
	return caller != nil && *caller == *h.OwnerID
}

func (c *Coordinator) objectKey(id, filename string) string {
	key := "usermedia/" + id + "-" + filename
	if c.conf.LocationPrefix != "" {
		key = c.conf.LocationPrefix + "/" + key
	}
	return key
}

// newUploadID returns a time-ordered ULID rendered as a UUID.
func newUploadID(now time.Time) string {
	return uuid.UUID(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())).String()
}

// sanitizeFilename keeps the last path segment and drops control characters.
func sanitizeFilename(filename string) (string, error) {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", apperr.ClientInput.New("filename %q is not valid", filename)
	}
	if len(name) > maxFilename {
		return "", apperr.ClientInput.New("filename is longer than %d bytes", maxFilename)
	}
	return name, nil
}
