// Package events fans catalog changes out to cache invalidation and index rebuilds.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/cache"
	"github.com/maneesh/pkgrepo/internal/queue"
	"github.com/maneesh/pkgrepo/internal/storage"
)

// RebuildIndexPayload is the rebuild_index task body.
type RebuildIndexPayload struct {
	CommunityID int64 `json:"community_id"`
}

// Bus is notified by the catalog after a write commits.
type Bus struct {
	log   *zap.Logger
	memo  *cache.Memo
	queue queue.Enqueuer
}

var _ storage.ChangePublisher = (*Bus)(nil)

func NewBus(log *zap.Logger, memo *cache.Memo, q queue.Enqueuer) *Bus {
	return &Bus{log: log.Named("events"), memo: memo, queue: q}
}

// PackagesChanged busts any_package_updated and schedules one rebuild per community.
// Failures are logged; the write that triggered them has already committed.
func (b *Bus) PackagesChanged(ctx context.Context, communityIDs []int64) {
	if b.memo != nil {
		if err := b.memo.Invalidate(ctx, cache.AnyPackageUpdated); err != nil {
			b.log.Warn("cache bust failed", zap.Error(err))
		}
	}

	seen := make(map[int64]bool, len(communityIDs))
	for _, id := range communityIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := b.queue.Enqueue(ctx, queue.RebuildIndex, RebuildIndexPayload{CommunityID: id}); err != nil {
			b.log.Warn("failed to schedule index rebuild", zap.Int64("community", id), zap.Error(err))
		}
	}
}
