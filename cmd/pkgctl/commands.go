package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/app"
	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/cache"
	"github.com/maneesh/pkgrepo/internal/storage"
)

var (
	clearCacheCmd = &cobra.Command{
		Use:       "clear-cache [condition]",
		Short:     "Drop memoized catalog reads for one condition, or all of them",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: conditionNames(),
		RunE:      cmdClearCache,
	}

	gcUploadsCmd = &cobra.Command{
		Use:   "gc-uploads",
		Short: "Delete expired uploads and their objects",
		Args:  cobra.NoArgs,
		RunE:  cmdGCUploads,
	}

	cleanupSubmissionsCmd = &cobra.Command{
		Use:   "cleanup-submissions",
		Short: "Delete submissions not polled within CLEANUP_TTL",
		Args:  cobra.NoArgs,
		RunE:  cmdCleanupSubmissions,
	}

	rebuildIndexCmd = &cobra.Command{
		Use:   "rebuild-index [community...]",
		Short: "Rebuild the package index of the named communities, or of every community",
		RunE:  cmdRebuildIndex,
	}

	dropStaleIndexCmd = &cobra.Command{
		Use:   "drop-stale-index",
		Short: "Retire superseded index revisions and collect unreferenced blobs",
		Args:  cobra.NoArgs,
		RunE:  cmdDropStaleIndex,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and create the bucket",
		Args:  cobra.NoArgs,
		RunE:  cmdMigrate,
	}
)

func conditionNames() []string {
	names := make([]string, 0, len(cache.Conditions))
	for _, c := range cache.Conditions {
		names = append(names, string(c))
	}
	return names
}

// parseConditions resolves the clear-cache argument. No argument means all.
func parseConditions(args []string) ([]cache.Condition, error) {
	if len(args) == 0 {
		return cache.Conditions, nil
	}
	for _, c := range cache.Conditions {
		if string(c) == args[0] {
			return []cache.Condition{c}, nil
		}
	}
	return nil, apperr.ClientInput.New("unknown condition %q, expected one of %v", args[0], conditionNames())
}

func cmdClearCache(cmd *cobra.Command, args []string) error {
	conditions, err := parseConditions(args)
	if err != nil {
		return err
	}
	conf, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	redis, err := storage.NewRedisClient(ctx, conf.GetRedisAddr(), conf.RedisPassword, conf.RedisDB)
	if err != nil {
		return err
	}
	defer func() { _ = redis.Close() }()

	return clearCache(ctx, cache.NewMemo(log, redis), conditions, cmd)
}

func clearCache(ctx context.Context, memo *cache.Memo, conditions []cache.Condition, cmd *cobra.Command) error {
	for _, cond := range conditions {
		if err := memo.Invalidate(ctx, cond); err != nil {
			return fmt.Errorf("failed to clear %s: %w", cond, err)
		}
		cmd.Printf("cleared %s\n", cond)
	}
	return nil
}

func cmdGCUploads(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		n, err := a.Uploads.GCExpired(ctx)
		cmd.Printf("deleted %d expired uploads\n", n)
		return err
	})
}

func cmdCleanupSubmissions(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		n, err := a.Submissions.Cleanup(ctx)
		cmd.Printf("deleted %d stale submissions\n", n)
		return err
	})
}

func cmdRebuildIndex(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if len(args) == 0 {
			return a.Index.RebuildAll(ctx)
		}
		var firstErr error
		for _, community := range args {
			rev, err := a.Index.RebuildByIdentifier(ctx, community)
			if err != nil {
				a.Log.Error("index rebuild failed", zap.String("community", community), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			cmd.Printf("%s: index %s, %d chunks\n", community, rev.IndexBlob, len(rev.ChunkBlobs))
		}
		return firstErr
	})
}

func cmdDropStaleIndex(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		stats, err := a.Index.DropStale(ctx)
		cmd.Printf("revisions dropped %d, purged %d; blobs marked %d, deleted %d\n",
			stats.RevisionsDropped, stats.RevisionsPurged, stats.BlobsMarked, stats.BlobsDeleted)
		return err
	})
}

func cmdMigrate(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
		cmd.Println("schema applied")
		return nil
	})
}
