// Package submission turns a completed upload plus a form into a package version,
// asynchronously and exactly once per submission.
package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/archive"
	"github.com/maneesh/pkgrepo/internal/blobstore"
	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/indexcache"
	"github.com/maneesh/pkgrepo/internal/models"
	"github.com/maneesh/pkgrepo/internal/queue"
)

const cleanupBatch = 500

// Repository persists submissions and provides the row locks.
type Repository interface {
	Insert(ctx context.Context, s *models.Submission) error
	Get(ctx context.Context, id string) (*models.Submission, error)
	UploadConsumed(ctx context.Context, uploadID string) (bool, error)
	Touch(ctx context.Context, id string, now time.Time, due func(*models.Submission) bool) (*models.Submission, bool, error)
	Advance(ctx context.Context, id string, fn func(ctx context.Context, s *models.Submission) error) (bool, error)
	DeleteStale(ctx context.Context, threshold time.Time, limit int) (int, error)
}

// Uploads gives access to finalized uploads.
type Uploads interface {
	Lookup(ctx context.Context, owner *int64, id string) (*models.UploadHandle, error)
	Open(ctx context.Context, owner *int64, id string) (io.ReadCloser, *models.UploadHandle, error)
}

// Catalog is the read and write side of teams, communities and versions.
type Catalog interface {
	GetTeam(ctx context.Context, name string) (*models.Team, error)
	MemberRole(ctx context.Context, teamID, userID int64) (string, error)
	GetCommunity(ctx context.Context, identifier string) (*models.Community, error)
	CategoriesBySlug(ctx context.Context, communityID int64, slugs []string) ([]models.Category, error)
	CreateVersion(ctx context.Context, d *models.VersionDraft) (*models.PackageVersion, error)
	GetVersion(ctx context.Context, id int64) (*models.PackageVersion, error)
	AvailableCommunities(ctx context.Context, packageID int64) ([]models.AvailableCommunity, error)
}

// Validator checks an archive for a namespace.
type Validator interface {
	Validate(ctx context.Context, namespace string, data []byte) (*archive.Result, error)
}

// Blobs stores the package file and icon.
type Blobs interface {
	GetOrCreate(ctx context.Context, data []byte, opts blobstore.Options) (*models.Blob, error)
}

// Transactor scopes writes that must be undone together.
type Transactor interface {
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProcessPayload is the process_submission task body.
type ProcessPayload struct {
	SubmissionID string `json:"submission_id"`
}

// Config tunes scheduling and cleanup.
type Config struct {
	TaskTTL         time.Duration
	CleanupTTL      time.Duration
	MaxPackageBytes int64
	URLs            indexcache.URLs
}

// Engine drives submissions from PENDING to FINISHED.
type Engine struct {
	log       *zap.Logger
	clock     clock.Clock
	repo      Repository
	uploads   Uploads
	catalog   Catalog
	validator Validator
	blobs     Blobs
	tx        Transactor
	queue     queue.Enqueuer
	conf      Config
}

// Deps groups the Engine's collaborators.
type Deps struct {
	Repo      Repository
	Uploads   Uploads
	Catalog   Catalog
	Validator Validator
	Blobs     Blobs
	Tx        Transactor
	Queue     queue.Enqueuer
}

func NewEngine(log *zap.Logger, clk clock.Clock, deps Deps, conf Config) *Engine {
	return &Engine{
		log:       log.Named("submission"),
		clock:     clk,
		repo:      deps.Repo,
		uploads:   deps.Uploads,
		catalog:   deps.Catalog,
		validator: deps.Validator,
		blobs:     deps.Blobs,
		tx:        deps.Tx,
		queue:     deps.Queue,
		conf:      conf,
	}
}

// Create records a submission for a completed upload owned by the caller and
// schedules its processing.
func (e *Engine) Create(ctx context.Context, owner int64, uploadID string, form models.SubmissionForm) (*models.Submission, error) {
	h, err := e.uploads.Lookup(ctx, &owner, uploadID)
	if errors.Is(err, apperr.ErrNotOwnedByCaller) {
		return nil, fmt.Errorf("upload %s: %w", uploadID, apperr.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	if h.Status != models.UploadComplete {
		return nil, apperr.ClientInput.New("Upload has not been completed")
	}
	consumed, err := e.repo.UploadConsumed(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if consumed {
		return nil, apperr.ClientInput.New("Upload has already been used to create a package version")
	}

	now := e.clock.Now()
	sub := &models.Submission{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		UploadID:  uploadID,
		Form:      form,
		Status:    models.SubmissionPending,
		PolledAt:  now,
		CreatedAt: now,
	}
	if err := e.repo.Insert(ctx, sub); err != nil {
		return nil, err
	}
	e.log.Info("submission created", zap.String("submission", sub.ID), zap.String("upload", uploadID))

	if _, err := e.schedule(ctx, sub.ID); err != nil {
		return nil, err
	}
	return sub, nil
}

// schedule records a poll and enqueues processing when the submission is pending and
// no task was scheduled within TaskTTL.
func (e *Engine) schedule(ctx context.Context, id string) (*models.Submission, error) {
	now := e.clock.Now()
	sub, scheduled, err := e.repo.Touch(ctx, id, now, func(s *models.Submission) bool {
		return s.Status == models.SubmissionPending && s.ScheduleExpired(now, e.conf.TaskTTL)
	})
	if err != nil {
		return nil, err
	}
	if scheduled {
		if err := e.queue.Enqueue(ctx, queue.ProcessSubmission, ProcessPayload{SubmissionID: id}); err != nil {
			// scheduled_at is already stamped; the next poll after TaskTTL retries
			e.log.Warn("failed to enqueue submission", zap.String("submission", id), zap.Error(err))
		}
	}
	return sub, nil
}

// VersionRef names the created version.
type VersionRef struct {
	Namespace     string `json:"namespace"`
	Name          string `json:"name"`
	VersionNumber string `json:"version_number"`
}

// Result describes a successful submission.
type Result struct {
	PackageVersion       VersionRef                  `json:"package_version"`
	AvailableCommunities []models.AvailableCommunity `json:"available_communities"`
}

// Status is what a poll returns.
type Status struct {
	ID         string                  `json:"id"`
	Status     models.SubmissionStatus `json:"status"`
	FormErrors map[string][]string     `json:"form_errors,omitempty"`
	TaskError  string                  `json:"task_error,omitempty"`
	Result     *Result                 `json:"result,omitempty"`
}

// Poll reports the submission's state, scheduling it again if its task is overdue.
func (e *Engine) Poll(ctx context.Context, owner int64, id string) (*Status, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("submission %s: %w", id, apperr.ErrNotFound)
	}
	sub, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.OwnerID != owner {
		return nil, fmt.Errorf("submission %s: %w", id, apperr.ErrNotFound)
	}

	sub, err = e.schedule(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &Status{
		ID:         sub.ID,
		Status:     sub.Status,
		FormErrors: sub.FormErrors,
		TaskError:  firstLine(sub.TaskError),
	}
	if sub.CreatedVersionID != nil {
		if st.Result, err = e.result(ctx, *sub.CreatedVersionID); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (e *Engine) result(ctx context.Context, versionID int64) (*Result, error) {
	v, err := e.catalog.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	communities, err := e.catalog.AvailableCommunities(ctx, v.PackageID)
	if err != nil {
		return nil, err
	}
	for i := range communities {
		communities[i].URL = e.conf.URLs.PackageURL(communities[i].Community.Identifier, v.Namespace, v.Name)
	}
	if communities == nil {
		communities = []models.AvailableCommunity{}
	}
	return &Result{
		PackageVersion:       VersionRef{Namespace: v.Namespace, Name: v.Name, VersionNumber: v.VersionNumber},
		AvailableCommunities: communities,
	}, nil
}

// the stack trace stays in the database
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Process advances the submission if it is pending and unlocked. It reports whether
// this call advanced it. Errors are infrastructure failures that left the row PENDING.
func (e *Engine) Process(ctx context.Context, id string) (bool, error) {
	advanced, err := e.repo.Advance(ctx, id, func(ctx context.Context, sub *models.Submission) error {
		e.run(ctx, sub)
		// a timed-out run leaves the row PENDING for rescheduling
		return ctx.Err()
	})
	if err != nil {
		return false, err
	}
	if !advanced {
		e.log.Debug("submission not advanced", zap.String("submission", id))
	}
	return advanced, nil
}

// HandleProcess is the process_submission task handler.
func (e *Engine) HandleProcess(ctx context.Context, t *queue.Task) error {
	var p ProcessPayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	_, err := e.Process(ctx, p.SubmissionID)
	if errors.Is(err, context.DeadlineExceeded) {
		// the row stays PENDING and the next poll past TASK_TTL queues it again
		return queue.Permanent(err)
	}
	return err
}

// run fills in sub's outcome. It never fails; every error lands on the row.
func (e *Engine) run(ctx context.Context, sub *models.Submission) {
	log := e.log.With(zap.String("submission", sub.ID))

	var version *models.PackageVersion
	err := e.tx.Savepoint(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &panicError{value: p, stack: debug.Stack()}
			}
		}()
		version, err = e.publish(ctx, sub)
		return err
	})
	sub.FinishedAt = ptr(e.clock.Now())

	var verr *apperr.ValidationError
	switch {
	case err == nil:
		sub.CreatedVersionID = &version.ID
		log.Info("submission published", zap.String("version", version.FullName()), zap.Int64("id", version.ID))
	case errors.As(err, &verr):
		sub.FormErrors = verr.Fields
		log.Info("submission rejected", zap.Error(err))
	case apperr.ClientInput.Has(err), apperr.Integrity.Has(err):
		sub.FormErrors = map[string][]string{apperr.NonFieldErrors: {clientMessage(err)}}
		log.Info("submission rejected", zap.Error(err))
	default:
		sub.TaskError = err.Error()
		log.Error("submission failed", zap.Error(err))
	}
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", p.value, p.stack)
}

// clientMessage strips the error class prefix.
func clientMessage(err error) string {
	msg := err.Error()
	for _, class := range []string{"invalid input: ", "integrity: "} {
		msg = strings.TrimPrefix(msg, class)
	}
	return msg
}

func (e *Engine) publish(ctx context.Context, sub *models.Submission) (*models.PackageVersion, error) {
	team, err := e.team(ctx, sub)
	if err != nil {
		return nil, err
	}
	listings, err := e.listings(ctx, &sub.Form)
	if err != nil {
		return nil, err
	}

	data, err := e.read(ctx, sub)
	if err != nil {
		return nil, err
	}
	res, err := e.validator.Validate(ctx, team.Name, data)
	if err != nil {
		return nil, err
	}

	file, err := e.blobs.GetOrCreate(ctx, data, blobstore.Options{ContentType: "application/zip"})
	if err != nil {
		return nil, err
	}
	icon, err := e.blobs.GetOrCreate(ctx, res.Icon, blobstore.Options{ContentType: "image/png"})
	if err != nil {
		return nil, err
	}

	deps := make([]int64, 0, len(res.Dependencies))
	for _, d := range res.Dependencies {
		deps = append(deps, d.ID)
	}
	m := res.Manifest
	return e.catalog.CreateVersion(ctx, &models.VersionDraft{
		Namespace:      team.Name,
		TeamID:         team.ID,
		UploaderID:     sub.OwnerID,
		Name:           m.Name,
		VersionNumber:  m.VersionNumber,
		Description:    m.Description,
		WebsiteURL:     m.WebsiteURL,
		Readme:         res.Readme,
		Changelog:      res.Changelog,
		FileBlob:       file.SHA256,
		FileSize:       res.FileSize,
		IconBlob:       icon.SHA256,
		DependencyIDs:  deps,
		HasNSFWContent: sub.Form.HasNSFWContent,
		Listings:       listings,
	})
}

// team resolves author_name to a team the submitter may upload under.
func (e *Engine) team(ctx context.Context, sub *models.Submission) (*models.Team, error) {
	const field = "author_name"
	if sub.Form.AuthorName == "" {
		return nil, apperr.NewValidationError(field, "This field is required.")
	}
	team, err := e.catalog.GetTeam(ctx, sub.Form.AuthorName)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NewValidationError(field, fmt.Sprintf("Object with name=%s does not exist.", sub.Form.AuthorName))
	} else if err != nil {
		return nil, err
	}
	if !team.IsActive {
		return nil, apperr.NewValidationError(field, "The team has been deactivated and as such cannot receive new packages")
	}
	role, err := e.catalog.MemberRole(ctx, team.ID, sub.OwnerID)
	if err != nil {
		return nil, err
	}
	if role != models.RoleOwner && role != models.RoleMember {
		return nil, apperr.NewValidationError(field, "You don't have permission to upload packages under this team")
	}
	return team, nil
}

// listings resolves target communities and their categories into community id to
// category ids.
func (e *Engine) listings(ctx context.Context, form *models.SubmissionForm) (map[int64][]int64, error) {
	verr := &apperr.ValidationError{}
	if len(form.Communities) == 0 {
		verr.Add("communities", "This field is required.")
	}
	for identifier := range form.CommunityCategories {
		if !contains(form.Communities, identifier) {
			verr.Add("community_categories", fmt.Sprintf("Community %s is not a submission target", identifier))
		}
	}

	out := make(map[int64][]int64, len(form.Communities))
	for _, identifier := range form.Communities {
		community, err := e.catalog.GetCommunity(ctx, identifier)
		if errors.Is(err, apperr.ErrNotFound) {
			verr.Add("communities", fmt.Sprintf("Object with identifier=%s does not exist.", identifier))
			continue
		} else if err != nil {
			return nil, err
		}

		slugs, ok := form.CommunityCategories[identifier]
		if !ok {
			slugs = form.Categories
		}
		slugs = dedupe(slugs)
		categories, err := e.catalog.CategoriesBySlug(ctx, community.ID, slugs)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(categories))
		found := make(map[string]bool, len(categories))
		for _, c := range categories {
			ids = append(ids, c.ID)
			found[c.Slug] = true
		}
		for _, slug := range slugs {
			if !found[slug] {
				verr.Add("categories", fmt.Sprintf("Object with slug=%s does not exist in community %s.", slug, identifier))
			}
		}
		out[community.ID] = ids
	}
	if err := verr.ErrOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// read loads the upload's bytes, bounded by the package size limit.
func (e *Engine) read(ctx context.Context, sub *models.Submission) ([]byte, error) {
	rc, _, err := e.uploads.Open(ctx, &sub.OwnerID, sub.UploadID)
	switch {
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrUploadExpired),
		errors.Is(err, apperr.ErrInvalidUploadState), errors.Is(err, apperr.ErrNotOwnedByCaller):
		return nil, apperr.NewValidationError("upload_uuid", apperr.Message(err))
	case err != nil:
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(rc, e.conf.MaxPackageBytes+1)); err != nil {
		return nil, apperr.ObjectStore.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Cleanup deletes submissions finished or last polled more than CleanupTTL ago.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	threshold := e.clock.Now().Add(-e.conf.CleanupTTL)
	total := 0
	for {
		n, err := e.repo.DeleteStale(ctx, threshold, cleanupBatch)
		total += n
		if err != nil {
			return total, err
		}
		if n < cleanupBatch {
			break
		}
	}
	if total > 0 {
		e.log.Info("stale submissions removed", zap.Int("count", total))
	}
	return total, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
