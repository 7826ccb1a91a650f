package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/models"
)

var listingRowColumns = []string{"id", "has_nsfw_content", "datetime_created",
	"id", "uuid", "namespace", "name", "owner_team_id", "is_active", "is_deprecated", "is_pinned",
	"donation_link", "rating_score", "latest_version_id", "date_created", "date_updated"}

var listingVersionRowColumns = []string{"id", "uuid", "package_id", "namespace", "name", "version_number",
	"description", "website_url", "icon_blob", "file_size", "downloads", "is_active", "date_created"}

type recordingPublisher struct {
	calls [][]int64
}

func (p *recordingPublisher) PackagesChanged(_ context.Context, communityIDs []int64) {
	p.calls = append(p.calls, communityIDs)
}

func TestStreamListings(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCatalogRepository(db, clock.Fake(repoNow), nil)
	community := &models.Community{ID: 1, Identifier: "riskofrain2"}
	first := repoNow.Add(-2 * time.Hour)
	second := repoNow.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE l.community_id = ? AND p.is_active AND l.review_status <> ?")).
		WithArgs(int64(1), "rejected", time.Time{}, time.Time{}, int64(0), 2).
		WillReturnRows(sqlmock.NewRows(listingRowColumns).
			AddRow(int64(10), false, first, int64(100), "p-100", "Team", "Mod", int64(3), true, false, true,
				"https://donate.example.com", 4, int64(1001), first, second).
			AddRow(int64(11), true, second, int64(101), "p-101", "Team", "Gone", int64(3), true, false, false,
				nil, 0, nil, second, second))
	mock.ExpectQuery(regexp.QuoteMeta("FROM package_listing_categories lc")).
		WithArgs(int64(10), int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"listing_id", "name"}).AddRow(int64(10), "Mods"))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY v.package_id, v.major DESC, v.minor DESC, v.patch DESC, v.id DESC")).
		WithArgs(int64(100), int64(101), "rejected").
		WillReturnRows(sqlmock.NewRows(listingVersionRowColumns).
			AddRow(int64(1001), "v-1001", int64(100), "Team", "Mod", "2.0.0", "new", "", "icon2", int64(20), int64(5), true, second).
			AddRow(int64(1000), "v-1000", int64(100), "Team", "Mod", "1.0.0", "old", "", "icon1", int64(10), int64(7), true, first))
	mock.ExpectQuery(regexp.QuoteMeta("FROM package_version_dependencies d")).
		WithArgs(int64(1001), int64(1000)).
		WillReturnRows(sqlmock.NewRows([]string{"from_version_id", "namespace", "name", "version_number"}).
			AddRow(int64(1001), "Other", "Lib", "1.0.0"))
	mock.ExpectQuery(regexp.QuoteMeta("AND (l.datetime_created > ? OR (l.datetime_created = ? AND l.id > ?))")).
		WithArgs(int64(1), "rejected", second, second, int64(11), 2).
		WillReturnRows(sqlmock.NewRows(listingRowColumns))

	var got []models.ListingSnapshot
	err := repo.StreamListings(context.Background(), community, 2, func(batch []models.ListingSnapshot) error {
		got = append(got, batch...)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 1, "packages without an active version are left out")
	l := got[0]
	assert.Equal(t, int64(10), l.ListingID)
	assert.Equal(t, []string{"Mods"}, l.Categories)
	require.NotNil(t, l.Package.DonationLink)
	assert.Equal(t, "https://donate.example.com", *l.Package.DonationLink)
	require.Len(t, l.Versions, 2)
	assert.Equal(t, "2.0.0", l.Versions[0].VersionNumber)
	assert.Equal(t, []string{"Other-Lib-1.0.0"}, l.Versions[0].Dependencies)
	assert.Equal(t, []string{}, l.Versions[1].Dependencies)
	assert.Empty(t, l.Versions[0].Readme)
}

func TestStreamListingsRequiresApproval(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCatalogRepository(db, clock.Fake(repoNow), nil)
	community := &models.Community{ID: 2, Identifier: "curated", RequireListingApproval: true}

	mock.ExpectQuery(regexp.QuoteMeta("AND l.review_status = ? ORDER BY l.datetime_created, l.id LIMIT ?")).
		WithArgs(int64(2), "rejected", time.Time{}, time.Time{}, int64(0), "approved", 500).
		WillReturnRows(sqlmock.NewRows(listingRowColumns))

	called := false
	err := repo.StreamListings(context.Background(), community, 500, func([]models.ListingSnapshot) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func versionDraft() *models.VersionDraft {
	return &models.VersionDraft{
		Namespace:     "Team",
		TeamID:        3,
		UploaderID:    9,
		Name:          "Mod",
		VersionNumber: "1.2.3",
		Description:   "desc",
		Readme:        "# Mod",
		FileBlob:      "file",
		FileSize:      10,
		IconBlob:      "icon",
		DependencyIDs: []int64{500},
		Listings:      map[int64][]int64{1: {5, 6}},
	}
}

func TestCreateVersion(t *testing.T) {
	db, mock := newMockDB(t)
	publisher := &recordingPublisher{}
	repo := NewCatalogRepository(db, clock.Fake(repoNow), publisher)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO packages (uuid, namespace, name, owner_team_id, date_created, date_updated)")).
		WithArgs(sqlmock.AnyArg(), "Team", "Mod", int64(3), repoNow, repoNow).
		WillReturnResult(sqlmock.NewResult(100, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO package_versions")).
		WithArgs(sqlmock.AnyArg(), int64(100), "1.2.3", 1, 2, 3, "desc", "", "# Mod", nil, "file", int64(10), "icon",
			true, "unreviewed", int64(9), repoNow).
		WillReturnResult(sqlmock.NewResult(1001, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO package_version_dependencies (from_version_id, to_version_id, position)")).
		WithArgs(int64(1001), int64(500), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE packages SET date_updated = ?, latest_version_id = (")).
		WithArgs(repoNow, int64(100), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO package_listings")).
		WithArgs(int64(100), int64(1), false, "unreviewed", repoNow, repoNow).
		WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO package_listing_categories (listing_id, category_id)")).
		WithArgs(int64(10), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO package_listing_categories (listing_id, category_id)")).
		WithArgs(int64(10), int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	v, err := repo.CreateVersion(context.Background(), versionDraft())
	require.NoError(t, err)
	assert.Equal(t, int64(1001), v.ID)
	assert.Equal(t, int64(100), v.PackageID)
	assert.Equal(t, "Team-Mod-1.2.3", v.FullName())
	assert.Equal(t, [][]int64{{1}}, publisher.calls)
}

func TestCreateVersionExists(t *testing.T) {
	db, mock := newMockDB(t)
	publisher := &recordingPublisher{}
	repo := NewCatalogRepository(db, clock.Fake(repoNow), publisher)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO packages").WillReturnResult(sqlmock.NewResult(100, 1))
	mock.ExpectExec("INSERT INTO package_versions").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err := repo.CreateVersion(context.Background(), versionDraft())
	assert.ErrorIs(t, err, ErrVersionExists)
	assert.Empty(t, publisher.calls)
}

func TestCreateVersionRejectsBadNumber(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewCatalogRepository(db, clock.Fake(repoNow), nil)

	d := versionDraft()
	d.VersionNumber = "1.02.3"
	_, err := repo.CreateVersion(context.Background(), d)
	assert.Error(t, err)
}
