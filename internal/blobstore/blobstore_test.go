package blobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/storage"
	"github.com/maneesh/pkgrepo/internal/storage/storagetest"
)

type fakeMirror struct {
	name string
	fail error

	mu      sync.Mutex
	puts    []string
	deletes []string
}

func (m *fakeMirror) Name() string { return m.name }

func (m *fakeMirror) Put(_ context.Context, key string, _ []byte, _ storage.PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, key)
	return m.fail
}

func (m *fakeMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, key)
	return m.fail
}

type fixture struct {
	clock   *clock.FakeClock
	repo    *storagetest.BlobRepository
	primary *storagetest.ObjectStore
	store   *Store
}

func newFixture(t *testing.T, mirrors ...Mirror) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.Fake(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
		repo:    storagetest.NewBlobRepository(),
		primary: storagetest.NewObjectStore("https://cdn.example.com"),
	}
	f.store = New(zap.NewNop(), f.clock, f.repo, f.primary, mirrors, Config{PublicRead: true})
	return f
}

func TestGetOrCreateDedupes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte(`[{"name":"mod"}]`)

	a, err := f.store.GetOrCreate(ctx, data, Options{ContentType: "application/json", ContentEncoding: EncodingGzip})
	require.NoError(t, err)
	b, err := f.store.GetOrCreate(ctx, data, Options{ContentType: "application/json", ContentEncoding: EncodingGzip})
	require.NoError(t, err)

	assert.Equal(t, a.SHA256, b.SHA256)
	assert.Equal(t, Hash(data), a.SHA256)
	assert.Equal(t, "blob-storage/sha256/"+a.SHA256+".sha256.blob", a.StorageKey)
	assert.Equal(t, 1, f.primary.Calls("Put"))

	stored, ok := f.primary.Object(a.StorageKey)
	require.True(t, ok)
	plain, err := Gunzip(stored)
	require.NoError(t, err)
	assert.Equal(t, data, plain)

	u, err := f.store.URL(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/"+a.StorageKey, u)
}

func TestGzipDeterministic(t *testing.T) {
	a, err := Gzip([]byte("same bytes"))
	require.NoError(t, err)
	b, err := Gzip([]byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	good := &fakeMirror{name: "good"}
	bad := &fakeMirror{name: "bad", fail: errors.New("mirror down")}
	f := newFixture(t, bad, good)

	blob, err := f.store.Put(context.Background(), []byte("icon"), Options{ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, []string{blob.StorageKey}, bad.puts)
	assert.Equal(t, []string{blob.StorageKey}, good.puts)
}

func TestMirrorBreakerOpens(t *testing.T) {
	bad := &fakeMirror{name: "bad", fail: errors.New("mirror down")}
	f := newFixture(t, bad)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.store.Put(ctx, []byte{byte(i)}, Options{ContentType: "application/octet-stream"})
		require.NoError(t, err)
	}
	assert.Less(t, len(bad.puts), 10)
}

func TestPrimaryFailure(t *testing.T) {
	f := newFixture(t)
	f.primary.FailNext("Put", &storage.ResponseError{Code: "InternalError", StatusCode: 500})

	_, err := f.store.GetOrCreate(context.Background(), []byte("x"), Options{})
	require.Error(t, err)
	assert.True(t, apperr.ObjectStore.Has(err))
	assert.Zero(t, f.repo.Len())
}

func TestGetOrCreateRestoresSoftDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blob, err := f.store.GetOrCreate(ctx, []byte("chunk"), Options{})
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, blob.SHA256))

	_, err = f.store.Get(ctx, blob.SHA256)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	again, err := f.store.GetOrCreate(ctx, []byte("chunk"), Options{})
	require.NoError(t, err)
	assert.Nil(t, again.DeletedAt)
	assert.Equal(t, 1, f.primary.Calls("Put"))
}

func TestCollect(t *testing.T) {
	mirror := &fakeMirror{name: "m"}
	f := newFixture(t, mirror)
	ctx := context.Background()
	grace := 24 * time.Hour

	kept, err := f.store.Put(ctx, []byte("kept"), Options{})
	require.NoError(t, err)
	gone, err := f.store.Put(ctx, []byte("gone"), Options{})
	require.NoError(t, err)
	f.repo.SetReferenced(kept.SHA256, true)

	stats, err := f.store.Collect(ctx, grace, 100)
	require.NoError(t, err)
	assert.Zero(t, stats.Marked, "young blobs are left alone")

	f.clock.Advance(grace + time.Hour)
	stats, err = f.store.Collect(ctx, grace, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Marked)
	assert.Zero(t, stats.Deleted, "soft-deleted blobs wait out the grace period")

	f.clock.Advance(grace + time.Hour)
	stats, err = f.store.Collect(ctx, grace, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	_, ok := f.primary.Object(gone.StorageKey)
	assert.False(t, ok)
	_, ok = f.primary.Object(kept.StorageKey)
	assert.True(t, ok)
	assert.Equal(t, []string{gone.StorageKey}, mirror.deletes)
}
