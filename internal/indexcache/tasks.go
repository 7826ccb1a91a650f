package indexcache

import (
	"context"
	"errors"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/events"
	"github.com/maneesh/pkgrepo/internal/queue"
)

// HandleRebuild is the rebuild_index task handler.
func (b *Builder) HandleRebuild(ctx context.Context, t *queue.Task) error {
	var p events.RebuildIndexPayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	_, err := b.RebuildByID(ctx, p.CommunityID)
	if errors.Is(err, apperr.ErrNotFound) {
		// community deleted since the task was queued
		return queue.Permanent(err)
	}
	return err
}
