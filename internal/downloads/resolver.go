package downloads

import (
	"context"
	"time"

	"github.com/maneesh/pkgrepo/internal/cache"
	"github.com/maneesh/pkgrepo/internal/models"
)

const resolveTTL = 5 * time.Minute

// Catalog finds downloadable versions.
type Catalog interface {
	FindVisibleVersion(ctx context.Context, namespace, name, version string) (*models.PackageVersion, error)
}

// Blobs turns a blob hash into a fetchable URL.
type Blobs interface {
	Get(ctx context.Context, sha256 string) (*models.Blob, error)
	URL(ctx context.Context, b *models.Blob) (string, error)
}

// Target is what a download request resolves to.
type Target struct {
	VersionID int64  `json:"version_id"`
	FileBlob  string `json:"file_blob"`
}

// Resolver maps namespace/name/version to the version's file. Lookups are memoized
// until the next package change.
type Resolver struct {
	memo    *cache.Memo
	catalog Catalog
	blobs   Blobs
}

func NewResolver(memo *cache.Memo, catalog Catalog, blobs Blobs) *Resolver {
	return &Resolver{memo: memo, catalog: catalog, blobs: blobs}
}

// Resolve returns the version id and a URL for its archive.
func (r *Resolver) Resolve(ctx context.Context, namespace, name, version string) (int64, string, error) {
	target, err := cache.Memoize(ctx, r.memo, cache.AnyPackageUpdated, "download_target", resolveTTL,
		func(ctx context.Context) (Target, error) {
			v, err := r.catalog.FindVisibleVersion(ctx, namespace, name, version)
			if err != nil {
				return Target{}, err
			}
			return Target{VersionID: v.ID, FileBlob: v.FileBlob}, nil
		}, namespace, name, version)
	if err != nil {
		return 0, "", err
	}

	blob, err := r.blobs.Get(ctx, target.FileBlob)
	if err != nil {
		return 0, "", err
	}
	u, err := r.blobs.URL(ctx, blob)
	if err != nil {
		return 0, "", err
	}
	return target.VersionID, u, nil
}
