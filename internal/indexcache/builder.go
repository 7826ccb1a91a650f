// Package indexcache materializes per-community package indexes as content-addressed,
// gzipped JSON chunks plus an index of chunk URLs.
package indexcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/blobstore"
	"github.com/maneesh/pkgrepo/internal/chunker"
	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/models"
)

const (
	listingBatch = 500
	purgeBatch   = 500
	collectBatch = 500
)

// Catalog is the read side the builder renders from.
type Catalog interface {
	GetCommunity(ctx context.Context, identifier string) (*models.Community, error)
	GetCommunityByID(ctx context.Context, id int64) (*models.Community, error)
	ListCommunities(ctx context.Context) ([]models.Community, error)
	StreamListings(ctx context.Context, community *models.Community, batchSize int, fn func([]models.ListingSnapshot) error) error
}

// Revisions persists index revisions.
type Revisions interface {
	Insert(ctx context.Context, rev *models.IndexRevision) error
	Latest(ctx context.Context, community string) (*models.IndexRevision, error)
	HasLiveChunk(ctx context.Context, community, sha256 string) (bool, error)
	DropStale(ctx context.Context, cutoff time.Duration, now time.Time) (int64, error)
	Purge(ctx context.Context, deletedBefore time.Time, limit int) (int64, error)
}

// Blobs is the content-addressed store chunks and indexes land in.
type Blobs interface {
	Get(ctx context.Context, sha256 string) (*models.Blob, error)
	GetOrCreate(ctx context.Context, data []byte, opts blobstore.Options) (*models.Blob, error)
	URL(ctx context.Context, b *models.Blob) (string, error)
	Collect(ctx context.Context, grace time.Duration, batch int) (blobstore.CollectStats, error)
}

// Config tunes the builder.
type Config struct {
	URLs        URLs
	ChunkLimit  int
	CacheCutoff time.Duration
	BlobGrace   time.Duration
}

// Builder renders and publishes index revisions.
type Builder struct {
	log       *zap.Logger
	clock     clock.Clock
	catalog   Catalog
	revisions Revisions
	blobs     Blobs
	conf      Config
}

func NewBuilder(log *zap.Logger, clk clock.Clock, catalog Catalog, revisions Revisions, blobs Blobs, conf Config) *Builder {
	return &Builder{
		log:       log.Named("indexcache"),
		clock:     clk,
		catalog:   catalog,
		revisions: revisions,
		blobs:     blobs,
		conf:      conf,
	}
}

var gzipJSON = blobstore.Options{ContentType: "application/json", ContentEncoding: blobstore.EncodingGzip}

// Rebuild renders community's listings into chunks, stores every chunk and the
// index, then records the revision. The revision becomes visible only after all
// of its blobs exist.
func (b *Builder) Rebuild(ctx context.Context, community *models.Community) (*models.IndexRevision, error) {
	started := b.clock.Now()

	ch := chunker.NewChunker(b.conf.ChunkLimit)
	err := b.catalog.StreamListings(ctx, community, listingBatch, func(batch []models.ListingSnapshot) error {
		for i := range batch {
			item, err := MarshalListing(b.conf.URLs, community.Identifier, &batch[i])
			if err != nil {
				return fmt.Errorf("failed to encode listing %d: %w", batch[i].ListingID, err)
			}
			ch.Add(item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	chunks := ch.Close()

	var listings int
	var chunkBytes int64
	chunkBlobs := make([]string, 0, len(chunks))
	chunkURLs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		blob, err := b.blobs.GetOrCreate(ctx, chunk.Data, gzipJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to store chunk %d: %w", chunk.OrderIndex, err)
		}
		if blob.SHA256 != chunk.Hash {
			return nil, apperr.Integrity.New("chunk %d stored as %s, expected %s", chunk.OrderIndex, blob.SHA256, chunk.Hash)
		}
		listings += chunk.Items
		chunkBytes += chunk.Size
		chunkBlobs = append(chunkBlobs, blob.SHA256)
		chunkURLs = append(chunkURLs, b.conf.URLs.ChunkURL(community.Identifier, blob.SHA256))
	}

	index, err := json.Marshal(chunkURLs)
	if err != nil {
		return nil, err
	}
	indexBlob, err := b.blobs.GetOrCreate(ctx, index, gzipJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to store index: %w", err)
	}

	rev := &models.IndexRevision{
		CommunityID: community.ID,
		Community:   community.Identifier,
		IndexBlob:   indexBlob.SHA256,
		ChunkBlobs:  chunkBlobs,
		CreatedAt:   b.clock.Now(),
	}
	if err := b.revisions.Insert(ctx, rev); err != nil {
		return nil, err
	}

	b.log.Info("index rebuilt",
		zap.String("community", community.Identifier),
		zap.Int("listings", listings),
		zap.Int("chunks", len(chunks)),
		zap.Int64("bytes", chunkBytes),
		zap.String("index", indexBlob.SHA256),
		zap.Duration("took", b.clock.Now().Sub(started)),
	)
	return rev, nil
}

// RebuildByID rebuilds the community with id.
func (b *Builder) RebuildByID(ctx context.Context, id int64) (*models.IndexRevision, error) {
	community, err := b.catalog.GetCommunityByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return b.Rebuild(ctx, community)
}

// RebuildByIdentifier rebuilds the community with identifier.
func (b *Builder) RebuildByIdentifier(ctx context.Context, identifier string) (*models.IndexRevision, error) {
	community, err := b.catalog.GetCommunity(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return b.Rebuild(ctx, community)
}

// RebuildAll rebuilds every community, continuing past failures. It returns the
// first error seen.
func (b *Builder) RebuildAll(ctx context.Context) error {
	communities, err := b.catalog.ListCommunities(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range communities {
		if _, err := b.Rebuild(ctx, &communities[i]); err != nil {
			b.log.Error("index rebuild failed", zap.String("community", communities[i].Identifier), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// MaintenanceStats summarizes one DropStale pass.
type MaintenanceStats struct {
	RevisionsDropped int64
	RevisionsPurged  int64
	BlobsMarked      int64
	BlobsDeleted     int
}

// DropStale soft-deletes revisions superseded for longer than the cache cutoff,
// purges revisions soft-deleted for longer than the blob grace period, then
// collects blobs nothing live refers to.
func (b *Builder) DropStale(ctx context.Context) (MaintenanceStats, error) {
	var stats MaintenanceStats
	now := b.clock.Now()

	dropped, err := b.revisions.DropStale(ctx, b.conf.CacheCutoff, now)
	if err != nil {
		return stats, err
	}
	stats.RevisionsDropped = dropped

	purged, err := b.revisions.Purge(ctx, now.Add(-b.conf.BlobGrace), purgeBatch)
	if err != nil {
		return stats, err
	}
	stats.RevisionsPurged = purged

	collected, err := b.blobs.Collect(ctx, b.conf.BlobGrace, collectBatch)
	if err != nil {
		return stats, err
	}
	stats.BlobsMarked = collected.Marked
	stats.BlobsDeleted = collected.Deleted

	b.log.Info("stale index data dropped",
		zap.Int64("revisions_dropped", stats.RevisionsDropped),
		zap.Int64("revisions_purged", stats.RevisionsPurged),
		zap.Int64("blobs_marked", stats.BlobsMarked),
		zap.Int("blobs_deleted", stats.BlobsDeleted),
	)
	return stats, nil
}

// LatestIndex returns a fetchable URL for community's current index and when it was built.
func (b *Builder) LatestIndex(ctx context.Context, community string) (string, time.Time, error) {
	rev, err := b.revisions.Latest(ctx, community)
	if err != nil {
		return "", time.Time{}, err
	}
	blob, err := b.blobs.Get(ctx, rev.IndexBlob)
	if err != nil {
		return "", time.Time{}, err
	}
	u, err := b.blobs.URL(ctx, blob)
	if err != nil {
		return "", time.Time{}, err
	}
	return u, rev.CreatedAt, nil
}

// ChunkURL returns a fetchable URL for a chunk that a live revision of community lists.
func (b *Builder) ChunkURL(ctx context.Context, community, sha256 string) (string, error) {
	live, err := b.revisions.HasLiveChunk(ctx, community, sha256)
	if err != nil {
		return "", err
	}
	if !live {
		return "", fmt.Errorf("chunk %s of %s: %w", sha256, community, apperr.ErrNotFound)
	}
	blob, err := b.blobs.Get(ctx, sha256)
	if err != nil {
		return "", err
	}
	return b.blobs.URL(ctx, blob)
}
