package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/archive"
	"github.com/maneesh/pkgrepo/internal/blobstore"
	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/indexcache"
	"github.com/maneesh/pkgrepo/internal/models"
	"github.com/maneesh/pkgrepo/internal/queue"
	"github.com/maneesh/pkgrepo/internal/storage"
	"github.com/maneesh/pkgrepo/internal/storage/storagetest"
)

// memRepo locks rows with TryLock to mimic FOR UPDATE SKIP LOCKED.
type memRepo struct {
	mu   sync.Mutex
	rows map[string]*row
}

type row struct {
	lock sync.Mutex
	sub  models.Submission
}

func newMemRepo() *memRepo { return &memRepo{rows: map[string]*row{}} }

func (r *memRepo) row(id string) *row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id]
}

func (r *memRepo) Insert(_ context.Context, s *models.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.ID] = &row{sub: *s}
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*models.Submission, error) {
	rw := r.row(id)
	if rw == nil {
		return nil, fmt.Errorf("submission %s: %w", id, apperr.ErrNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := rw.sub
	return &s, nil
}

func (r *memRepo) UploadConsumed(_ context.Context, uploadID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rw := range r.rows {
		if rw.sub.UploadID == uploadID && rw.sub.CreatedVersionID != nil {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) Touch(ctx context.Context, id string, now time.Time, due func(*models.Submission) bool) (*models.Submission, bool, error) {
	rw := r.row(id)
	if rw == nil {
		return nil, false, fmt.Errorf("submission %s: %w", id, apperr.ErrNotFound)
	}
	if !rw.lock.TryLock() {
		s, err := r.Get(ctx, id)
		return s, false, err
	}
	defer rw.lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	rw.sub.PolledAt = now
	scheduled := due(&rw.sub)
	if scheduled {
		rw.sub.ScheduledAt = &now
	}
	s := rw.sub
	return &s, scheduled, nil
}

func (r *memRepo) Advance(ctx context.Context, id string, fn func(ctx context.Context, s *models.Submission) error) (bool, error) {
	rw := r.row(id)
	if rw == nil || !rw.lock.TryLock() {
		return false, nil
	}
	defer rw.lock.Unlock()

	r.mu.Lock()
	s := rw.sub
	r.mu.Unlock()
	if s.Status != models.SubmissionPending {
		return false, nil
	}
	if err := fn(ctx, &s); err != nil {
		return false, err
	}
	s.Status = models.SubmissionFinished

	r.mu.Lock()
	rw.sub = s
	r.mu.Unlock()
	return true, nil
}

func (r *memRepo) DeleteStale(_ context.Context, threshold time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rw := range r.rows {
		if n == limit {
			break
		}
		finished := rw.sub.FinishedAt != nil && rw.sub.FinishedAt.Before(threshold)
		if finished || rw.sub.PolledAt.Before(threshold) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type fakeUpload struct {
	handle models.UploadHandle
	data   []byte
}

type fakeUploads struct {
	uploads map[string]*fakeUpload
	openErr error
}

func (u *fakeUploads) Lookup(_ context.Context, owner *int64, id string) (*models.UploadHandle, error) {
	up, ok := u.uploads[id]
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", id, apperr.ErrNotFound)
	}
	if owner == nil || up.handle.OwnerID == nil || *owner != *up.handle.OwnerID {
		return nil, apperr.ErrNotOwnedByCaller
	}
	h := up.handle
	return &h, nil
}

func (u *fakeUploads) Open(ctx context.Context, owner *int64, id string) (io.ReadCloser, *models.UploadHandle, error) {
	if u.openErr != nil {
		return nil, nil, u.openErr
	}
	h, err := u.Lookup(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(u.uploads[id].data)), h, nil
}

type fakeCatalog struct {
	mu          sync.Mutex
	teams       map[string]*models.Team
	roles       map[int64]map[int64]string
	communities map[string]*models.Community
	categories  []models.Category
	versions    []*models.PackageVersion
	drafts      []*models.VersionDraft
	created     atomic.Int32
	panicOn     string
}

func (c *fakeCatalog) GetTeam(_ context.Context, name string) (*models.Team, error) {
	if t, ok := c.teams[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("team %s: %w", name, apperr.ErrNotFound)
}

func (c *fakeCatalog) MemberRole(_ context.Context, teamID, userID int64) (string, error) {
	return c.roles[teamID][userID], nil
}

func (c *fakeCatalog) GetCommunity(_ context.Context, identifier string) (*models.Community, error) {
	if cm, ok := c.communities[identifier]; ok {
		return cm, nil
	}
	return nil, fmt.Errorf("community %s: %w", identifier, apperr.ErrNotFound)
}

func (c *fakeCatalog) CategoriesBySlug(_ context.Context, communityID int64, slugs []string) ([]models.Category, error) {
	var out []models.Category
	for _, cat := range c.categories {
		for _, s := range slugs {
			if cat.CommunityID == communityID && cat.Slug == s {
				out = append(out, cat)
			}
		}
	}
	return out, nil
}

func (c *fakeCatalog) CreateVersion(_ context.Context, d *models.VersionDraft) (*models.PackageVersion, error) {
	if c.panicOn == d.Name {
		panic("catalog exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.versions {
		if v.Namespace == d.Namespace && v.Name == d.Name && v.VersionNumber == d.VersionNumber {
			return nil, storage.ErrVersionExists
		}
	}
	c.created.Add(1)
	v := &models.PackageVersion{
		ID: int64(len(c.versions) + 1), PackageID: 100, Namespace: d.Namespace, Name: d.Name,
		VersionNumber: d.VersionNumber, FileBlob: d.FileBlob, IconBlob: d.IconBlob, IsActive: true,
	}
	c.versions = append(c.versions, v)
	c.drafts = append(c.drafts, d)
	return v, nil
}

func (c *fakeCatalog) GetVersion(_ context.Context, id int64) (*models.PackageVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.versions {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, fmt.Errorf("version %d: %w", id, apperr.ErrNotFound)
}

func (c *fakeCatalog) AvailableCommunities(_ context.Context, packageID int64) ([]models.AvailableCommunity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.AvailableCommunity
	for _, d := range c.drafts {
		for communityID, categoryIDs := range d.Listings {
			for _, cm := range c.communities {
				if cm.ID != communityID {
					continue
				}
				ac := models.AvailableCommunity{
					Community:  models.CommunitySummary{Identifier: cm.Identifier, Name: cm.Name},
					Categories: []string{},
				}
				for _, id := range categoryIDs {
					for _, cat := range c.categories {
						if cat.ID == id {
							ac.Categories = append(ac.Categories, cat.Name)
						}
					}
				}
				out = append(out, ac)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Community.Identifier < out[j].Community.Identifier })
	return out, nil
}

func (c *fakeCatalog) FindVisibleVersion(ctx context.Context, namespace, name, version string) (*models.PackageVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.versions {
		if v.Namespace == namespace && v.Name == name && v.VersionNumber == version {
			return v, nil
		}
	}
	return nil, fmt.Errorf("version: %w", apperr.ErrNotFound)
}

func (c *fakeCatalog) VersionExists(ctx context.Context, namespace, name, version string) (bool, error) {
	_, err := c.FindVisibleVersion(ctx, namespace, name, version)
	return err == nil, nil
}

type inlineTx struct{}

func (inlineTx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

const (
	alice = int64(1)
	bob   = int64(2)
)

type fixture struct {
	clock   *clock.FakeClock
	repo    *memRepo
	uploads *fakeUploads
	catalog *fakeCatalog
	broker  *queue.MemoryBroker
	objects *storagetest.ObjectStore
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.Fake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		repo:    newMemRepo(),
		uploads: &fakeUploads{uploads: map[string]*fakeUpload{}},
		catalog: &fakeCatalog{
			teams: map[string]*models.Team{
				"mod":  {ID: 10, Name: "mod", IsActive: true},
				"Team": {ID: 11, Name: "Team", IsActive: true},
				"Gone": {ID: 12, Name: "Gone", IsActive: false},
			},
			roles: map[int64]map[int64]string{
				10: {alice: models.RoleOwner},
				11: {alice: models.RoleMember},
				12: {alice: models.RoleOwner},
			},
			communities: map[string]*models.Community{
				"riskofrain2": {ID: 1, Identifier: "riskofrain2", Name: "Risk of Rain 2"},
				"valheim":     {ID: 2, Identifier: "valheim", Name: "Valheim"},
			},
			categories: []models.Category{
				{ID: 1, CommunityID: 1, Slug: "mods", Name: "Mods"},
				{ID: 2, CommunityID: 1, Slug: "tools", Name: "Tools"},
				{ID: 3, CommunityID: 2, Slug: "mods", Name: "Mods"},
			},
		},
		objects: storagetest.NewObjectStore("https://s3.example.com/bucket"),
	}
	f.broker = queue.NewMemoryBroker(f.clock)
	blobs := blobstore.New(zap.NewNop(), f.clock, storagetest.NewBlobRepository(), f.objects, nil, blobstore.Config{})
	validator := archive.NewValidator(archive.Limits{
		MaxPackageBytes: 1 << 20,
		MaxIconBytes:    1 << 16,
		MaxReadmeBytes:  1 << 12,
		MaxFiles:        10,
	}, f.catalog)
	f.engine = NewEngine(zap.NewNop(), f.clock, Deps{
		Repo:      f.repo,
		Uploads:   f.uploads,
		Catalog:   f.catalog,
		Validator: validator,
		Blobs:     blobs,
		Tx:        inlineTx{},
		Queue:     f.broker,
	}, Config{
		TaskTTL:         300 * time.Second,
		CleanupTTL:      24 * time.Hour,
		MaxPackageBytes: 1 << 20,
		URLs:            indexcache.URLs{SiteURL: "https://pkgs.example.com", IndexBaseURL: "https://cdn.example.com"},
	})
	return f
}

func packageZip(t *testing.T, name, deps string) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	var icon bytes.Buffer
	require.NoError(t, png.Encode(&icon, img))

	manifest := fmt.Sprintf(`{"name":%q,"version_number":"1.0.0","website_url":"https://example.com",`+
		`"description":"A mod","dependencies":%s}`, name, deps)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range []struct {
		name string
		data []byte
	}{{"manifest.json", []byte(manifest)}, {"icon.png", icon.Bytes()}, {"README.md", []byte("# " + name)}} {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		_, err = w.Write(m.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (f *fixture) addUpload(id string, owner int64, status models.UploadStatus, data []byte) {
	f.uploads.uploads[id] = &fakeUpload{
		handle: models.UploadHandle{ID: id, OwnerID: &owner, Status: status, Size: int64(len(data))},
		data:   data,
	}
}

func (f *fixture) submit(t *testing.T, uploadID string, form models.SubmissionForm) *models.Submission {
	t.Helper()
	sub, err := f.engine.Create(context.Background(), alice, uploadID, form)
	require.NoError(t, err)
	return sub
}

// work runs every queued process_submission task.
func (f *fixture) work(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		d, err := f.broker.Claim(ctx, queue.ProcessSubmission, time.Millisecond)
		require.NoError(t, err)
		if d == nil {
			return
		}
		require.NoError(t, f.engine.HandleProcess(ctx, d.Task))
		require.NoError(t, f.broker.Ack(ctx, d))
	}
}

func (f *fixture) poll(t *testing.T, id string) *Status {
	t.Helper()
	st, err := f.engine.Poll(context.Background(), alice, id)
	require.NoError(t, err)
	return st
}

var defaultForm = models.SubmissionForm{
	AuthorName:  "Team",
	Categories:  []string{"mods"},
	Communities: []string{"riskofrain2", "valheim"},
	CommunityCategories: map[string][]string{
		"riskofrain2": {"tools", "mods"},
	},
}

func TestSubmitAndProcess(t *testing.T) {
	f := newFixture(t)
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))

	sub := f.submit(t, "u1", defaultForm)
	assert.Equal(t, models.SubmissionPending, sub.Status)
	assert.Len(t, f.broker.Pending(queue.ProcessSubmission), 1)

	st := f.poll(t, sub.ID)
	assert.Equal(t, models.SubmissionPending, st.Status)
	assert.Nil(t, st.Result)

	f.work(t)

	st = f.poll(t, sub.ID)
	assert.Equal(t, models.SubmissionFinished, st.Status)
	assert.Empty(t, st.FormErrors)
	assert.Empty(t, st.TaskError)
	require.NotNil(t, st.Result)
	assert.Equal(t, VersionRef{Namespace: "Team", Name: "Mod", VersionNumber: "1.0.0"}, st.Result.PackageVersion)
	require.Len(t, st.Result.AvailableCommunities, 2)
	ror := st.Result.AvailableCommunities[0]
	assert.Equal(t, "riskofrain2", ror.Community.Identifier)
	assert.Equal(t, "https://pkgs.example.com/c/riskofrain2/p/Team/Mod/", ror.URL)
	assert.ElementsMatch(t, []string{"Mods", "Tools"}, ror.Categories)
	assert.Equal(t, []string{"Mods"}, st.Result.AvailableCommunities[1].Categories)

	require.Len(t, f.catalog.drafts, 1)
	d := f.catalog.drafts[0]
	assert.Equal(t, int64(11), d.TeamID)
	assert.Equal(t, alice, d.UploaderID)
	assert.Equal(t, "# Mod", d.Readme)
	assert.Equal(t, map[int64][]int64{1: {1, 2}, 2: {3}}, d.Listings)
	_, ok := f.objects.Object(blobstore.Key(d.FileBlob))
	assert.True(t, ok, "package file stored as a blob")
	_, ok = f.objects.Object(blobstore.Key(d.IconBlob))
	assert.True(t, ok, "icon stored as a blob")
}

func TestPollSchedulesOncePerTTL(t *testing.T) {
	f := newFixture(t)
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))
	sub := f.submit(t, "u1", defaultForm)

	for i := 0; i < 5; i++ {
		f.poll(t, sub.ID)
		f.clock.Advance(time.Minute)
	}
	assert.Len(t, f.broker.Pending(queue.ProcessSubmission), 1, "polls within TASK_TTL do not reschedule")

	f.clock.Advance(time.Minute)
	f.poll(t, sub.ID)
	assert.Len(t, f.broker.Pending(queue.ProcessSubmission), 2)
	f.poll(t, sub.ID)
	assert.Len(t, f.broker.Pending(queue.ProcessSubmission), 2)
}

func TestProcessExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))
	sub := f.submit(t, "u1", defaultForm)

	var (
		wg       sync.WaitGroup
		advanced atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.engine.Process(context.Background(), sub.ID)
			assert.NoError(t, err)
			if ok {
				advanced.Add(1)
			}
		}()
	}
	wg.Wait()

	// a second wave sees the FINISHED row
	ok, err := f.engine.Process(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int32(1), advanced.Load())
	assert.Equal(t, int32(1), f.catalog.created.Load())
}

func TestProcessSelfDependency(t *testing.T) {
	f := newFixture(t)
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "mod", `["mod-mod-1.0.0"]`))
	form := defaultForm
	form.AuthorName = "mod"
	sub := f.submit(t, "u1", form)

	f.work(t)

	st := f.poll(t, sub.ID)
	assert.Equal(t, models.SubmissionFinished, st.Status)
	assert.Contains(t, st.FormErrors[apperr.NonFieldErrors], "Package depending on itself is not allowed")
	assert.Nil(t, st.Result)
	assert.Zero(t, f.catalog.created.Load())
}

func TestProcessFormErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		form  func(*models.SubmissionForm)
		field string
		msg   string
	}{
		{"unknown team", func(f *models.SubmissionForm) { f.AuthorName = "Nobody" }, "author_name", "Object with name=Nobody does not exist."},
		{"inactive team", func(f *models.SubmissionForm) { f.AuthorName = "Gone" }, "author_name", "deactivated"},
		{"unknown community", func(f *models.SubmissionForm) { f.Communities = []string{"nope"} }, "communities", "identifier=nope"},
		{"no community", func(f *models.SubmissionForm) { f.Communities = nil }, "communities", "This field is required."},
		{"unknown category", func(f *models.SubmissionForm) { f.Categories = []string{"maps"} }, "categories", "slug=maps"},
		{"stray community categories", func(f *models.SubmissionForm) {
			f.CommunityCategories = map[string][]string{"other": {"mods"}}
		}, "community_categories", "other"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))
			form := defaultForm
			tc.form(&form)
			sub := f.submit(t, "u1", form)
			f.work(t)

			st := f.poll(t, sub.ID)
			assert.Equal(t, models.SubmissionFinished, st.Status)
			require.NotEmpty(t, st.FormErrors[tc.field], "form errors: %v", st.FormErrors)
			assert.Contains(t, strings.Join(st.FormErrors[tc.field], " "), tc.msg)
		})
	}
}

func TestProcessNotAMember(t *testing.T) {
	f := newFixture(t)
	owner := bob
	f.uploads.uploads["u1"] = &fakeUpload{
		handle: models.UploadHandle{ID: "u1", OwnerID: &owner, Status: models.UploadComplete},
		data:   packageZip(t, "Mod", `[]`),
	}
	sub, err := f.engine.Create(context.Background(), bob, "u1", defaultForm)
	require.NoError(t, err)
	f.work(t)

	st, err := f.engine.Poll(context.Background(), bob, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"You don't have permission to upload packages under this team"}, st.FormErrors["author_name"])
}

func TestProcessVersionExists(t *testing.T) {
	f := newFixture(t)
	data := packageZip(t, "Mod", `[]`)
	f.addUpload("u1", alice, models.UploadComplete, data)
	f.addUpload("u2", alice, models.UploadComplete, data)

	first := f.submit(t, "u1", defaultForm)
	f.work(t)
	require.NotNil(t, f.poll(t, first.ID).Result)

	second := f.submit(t, "u2", defaultForm)
	f.work(t)
	st := f.poll(t, second.ID)
	assert.Equal(t, []string{"Package of the same namespace, name and version already exists"}, st.FormErrors[apperr.NonFieldErrors])
}

func TestProcessInfrastructureError(t *testing.T) {
	f := newFixture(t)
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))
	sub := f.submit(t, "u1", defaultForm)
	f.uploads.openErr = apperr.ObjectStore.Wrap(errors.New("upstream 503"))

	f.work(t)

	st := f.poll(t, sub.ID)
	assert.Equal(t, models.SubmissionFinished, st.Status)
	assert.Contains(t, st.TaskError, "upstream 503")
	assert.Empty(t, st.FormErrors)
}

func TestProcessPanic(t *testing.T) {
	f := newFixture(t)
	f.catalog.panicOn = "Mod"
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))
	sub := f.submit(t, "u1", defaultForm)

	f.work(t)

	stored, err := f.repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFinished, stored.Status)
	assert.True(t, strings.HasPrefix(stored.TaskError, "panic: catalog exploded\n"))
	assert.Contains(t, stored.TaskError, "goroutine")

	st := f.poll(t, sub.ID)
	assert.Equal(t, "panic: catalog exploded", st.TaskError, "poll hides the stack")
}

func TestProcessCancelledLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))
	sub := f.submit(t, "u1", defaultForm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Process(ctx, sub.ID)
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := f.repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionPending, stored.Status)
}

func TestHandleProcessTimeoutNotRetried(t *testing.T) {
	f := newFixture(t)
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))
	sub := f.submit(t, "u1", defaultForm)
	d, err := f.broker.Claim(context.Background(), queue.ProcessSubmission, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err = f.engine.HandleProcess(ctx, d.Task)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, queue.IsPermanent(err))

	stored, err := f.repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionPending, stored.Status)
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := packageZip(t, "Mod", `[]`)
	f.addUpload("pending", alice, models.UploadCreated, data)
	f.addUpload("theirs", bob, models.UploadComplete, data)
	f.addUpload("used", alice, models.UploadComplete, data)

	_, err := f.engine.Create(ctx, alice, "missing", defaultForm)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Create(ctx, alice, "theirs", defaultForm)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Create(ctx, alice, "pending", defaultForm)
	assert.True(t, apperr.ClientInput.Has(err))

	f.submit(t, "used", defaultForm)
	f.work(t)
	_, err = f.engine.Create(ctx, alice, "used", defaultForm)
	assert.True(t, apperr.ClientInput.Has(err))
	assert.Equal(t, 400, apperr.HTTPStatus(err))
}

func TestPollForeignSubmission(t *testing.T) {
	f := newFixture(t)
	f.addUpload("u1", alice, models.UploadComplete, packageZip(t, "Mod", `[]`))
	sub := f.submit(t, "u1", defaultForm)

	_, err := f.engine.Poll(context.Background(), bob, sub.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.engine.Poll(context.Background(), alice, "not-a-uuid")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := packageZip(t, "Mod", `[]`)
	f.addUpload("u1", alice, models.UploadComplete, data)
	f.addUpload("u2", alice, models.UploadComplete, data)

	finished := f.submit(t, "u1", defaultForm)
	f.work(t)
	f.clock.Advance(12 * time.Hour)
	abandoned := f.submit(t, "u2", defaultForm)

	n, err := f.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(13 * time.Hour)
	n, err = f.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.repo.Get(ctx, finished.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.repo.Get(ctx, abandoned.ID)
	assert.NoError(t, err)

	f.clock.Advance(12 * time.Hour)
	n, err = f.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
