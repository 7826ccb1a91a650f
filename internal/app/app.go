// Package app wires configuration into the stores, repositories and services the
// binaries share.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/archive"
	"github.com/maneesh/pkgrepo/internal/auth"
	"github.com/maneesh/pkgrepo/internal/blobstore"
	"github.com/maneesh/pkgrepo/internal/cache"
	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/config"
	"github.com/maneesh/pkgrepo/internal/downloads"
	"github.com/maneesh/pkgrepo/internal/events"
	"github.com/maneesh/pkgrepo/internal/handlers"
	"github.com/maneesh/pkgrepo/internal/indexcache"
	"github.com/maneesh/pkgrepo/internal/queue"
	"github.com/maneesh/pkgrepo/internal/storage"
	"github.com/maneesh/pkgrepo/internal/submission"
	"github.com/maneesh/pkgrepo/internal/sweeper"
	"github.com/maneesh/pkgrepo/internal/upload"
)

// App holds every long-lived component of one process.
type App struct {
	Log    *zap.Logger
	Config *config.Config
	Clock  clock.Clock

	DB      *storage.DB
	Redis   *storage.RedisClient
	Primary *storage.MinioStore
	Broker  *queue.RedisBroker
	Memo    *cache.Memo
	Catalog *storage.CatalogRepository

	Blobs       *blobstore.Store
	Uploads     *upload.Coordinator
	Submissions *submission.Engine
	Index       *indexcache.Builder
	Resolver    *downloads.Resolver
	Meter       *downloads.Meter
	Auth        *auth.Authenticator
}

// New connects to MySQL, Redis and the object stores and builds the services.
// Close releases the connections.
func New(ctx context.Context, log *zap.Logger, conf *config.Config) (_ *App, err error) {
	a := &App{Log: log, Config: conf, Clock: clock.Real()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	log.Info("connecting to database", zap.String("host", conf.DBHost), zap.String("db", conf.DBName))
	a.DB, err = storage.NewDB(ctx, conf.GetDSN(), conf.DBMaxOpenConns)
	if err != nil {
		return nil, err
	}

	log.Info("connecting to redis", zap.String("addr", conf.GetRedisAddr()))
	a.Redis, err = storage.NewRedisClient(ctx, conf.GetRedisAddr(), conf.RedisPassword, conf.RedisDB)
	if err != nil {
		return nil, err
	}

	a.Primary, err = storage.NewMinioStore(storage.MinioConfig{
		Endpoint:   conf.S3Endpoint,
		Region:     conf.S3Region,
		Bucket:     conf.S3Bucket,
		AccessKey:  conf.S3AccessKey,
		SecretKey:  conf.S3SecretKey,
		UseSSL:     conf.S3UseSSL,
		DefaultACL: conf.S3DefaultACL,
		PublicURL:  conf.S3PublicURL,
	})
	if err != nil {
		return nil, err
	}
	signer := a.Primary
	if conf.S3SigningEndpoint != "" {
		signer, err = storage.NewMinioStore(storage.MinioConfig{
			Endpoint:   conf.S3SigningEndpoint,
			Region:     conf.S3Region,
			Bucket:     conf.S3Bucket,
			AccessKey:  conf.S3AccessKey,
			SecretKey:  conf.S3SecretKey,
			UseSSL:     conf.S3UseSSL,
			DefaultACL: conf.S3DefaultACL,
		})
		if err != nil {
			return nil, err
		}
	}

	mirrors := make([]blobstore.Mirror, 0, len(conf.Mirrors))
	for _, m := range conf.Mirrors {
		mirror, err := storage.NewS3Mirror(ctx, storage.S3MirrorConfig{
			Name:      m.Name,
			Endpoint:  m.Endpoint,
			Region:    m.Region,
			Bucket:    m.Bucket,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			ACL:       m.ACL,
		})
		if err != nil {
			return nil, err
		}
		log.Info("mirror configured", zap.String("mirror", m.Name), zap.String("bucket", m.Bucket))
		mirrors = append(mirrors, mirror)
	}

	a.Blobs = blobstore.New(log, a.Clock, storage.NewBlobRepository(a.DB), a.Primary, mirrors, blobstore.Config{
		PublicRead: a.Primary.PublicRead(),
	})
	a.Broker = queue.NewRedisBroker(a.Redis, a.Clock)
	a.Memo = cache.NewMemo(log, a.Redis)
	a.Catalog = storage.NewCatalogRepository(a.DB, a.Clock, events.NewBus(log, a.Memo, a.Broker))

	urls := indexcache.URLs{SiteURL: conf.SiteURL, IndexBaseURL: conf.IndexBaseURL}

	a.Uploads = upload.NewCoordinator(log, a.Clock, storage.NewUploadRepository(a.DB), a.Primary, signer, upload.Config{
		Bucket:         conf.S3Bucket,
		MinSize:        conf.MinUpload,
		MaxSize:        conf.MaxUpload,
		PartSize:       conf.PartSize,
		Expiry:         conf.UploadExpiry(),
		LocationPrefix: conf.S3LocationPrefix,
	})

	validator := archive.NewValidator(archive.Limits{
		MaxPackageBytes: conf.MaxPackageBytes,
		MaxIconBytes:    conf.MaxIconBytes,
		MaxReadmeBytes:  conf.MaxReadmeBytes,
		MaxFiles:        conf.MaxArchiveFiles,
	}, a.Catalog)

	a.Submissions = submission.NewEngine(log, a.Clock, submission.Deps{
		Repo:      storage.NewSubmissionRepository(a.DB),
		Uploads:   a.Uploads,
		Catalog:   a.Catalog,
		Validator: validator,
		Blobs:     a.Blobs,
		Tx:        a.DB,
		Queue:     a.Broker,
	}, submission.Config{
		TaskTTL:         conf.TaskTTL,
		CleanupTTL:      conf.CleanupTTL,
		MaxPackageBytes: conf.MaxPackageBytes,
		URLs:            urls,
	})

	a.Index = indexcache.NewBuilder(log, a.Clock, a.Catalog, storage.NewRevisionRepository(a.DB), a.Blobs, indexcache.Config{
		URLs:        urls,
		ChunkLimit:  conf.UncompressedChunkLimit,
		CacheCutoff: conf.CacheCutoff(),
		BlobGrace:   conf.BlobGrace(),
	})

	a.Resolver = downloads.NewResolver(a.Memo, a.Catalog, a.Blobs)
	a.Meter = downloads.NewMeter(log, a.Clock, a.Redis, a.Broker, storage.NewDownloadRepository(a.DB), downloads.MeterConfig{
		Enabled: conf.DownloadMetricsEnabled,
		TTL:     conf.DownloadMetricsTTL,
	})

	a.Auth = auth.NewAuthenticator(log, a.Clock, storage.NewUserRepository(a.DB))
	return a, nil
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errList []error
	if a.Redis != nil {
		errList = append(errList, a.Redis.Close())
	}
	if a.DB != nil {
		errList = append(errList, a.DB.Close())
	}
	return errors.Join(errList...)
}

// Router builds the HTTP API.
func (a *App) Router() http.Handler {
	return handlers.NewRouter(
		handlers.NewWriteHandler(a.Log, a.Uploads, a.Submissions),
		handlers.NewReadHandler(a.Log, a.Index, a.Blobs, a.Resolver, a.Meter),
		a.Auth.Middleware,
	)
}

// Worker builds a task worker with every task handler registered.
func (a *App) Worker() *queue.Worker {
	w := queue.NewWorker(a.Log, a.Broker, queue.WorkerConfig{
		Concurrency: a.Config.WorkerConcurrency,
		TimeLimit:   a.Config.TaskTimeLimit,
	})
	w.Register(queue.ProcessSubmission, a.Submissions.HandleProcess)
	w.Register(queue.RebuildIndex, a.Index.HandleRebuild)
	w.Register(queue.LogVersionDownload, a.Meter.HandleLogDownload)
	return w
}

// Sweep job names, shared by the worker's sweeper and pkgctl.
const (
	JobGCUploads          = "gc-uploads"
	JobCleanupSubmissions = "cleanup-submissions"
	JobDropStaleIndex     = "drop-stale-index"
)

// Jobs returns the periodic maintenance passes.
func (a *App) Jobs() []sweeper.Job {
	interval := a.Config.SweepInterval
	return []sweeper.Job{
		{Name: JobGCUploads, Interval: interval, Run: func(ctx context.Context) error {
			_, err := a.Uploads.GCExpired(ctx)
			return err
		}},
		{Name: JobCleanupSubmissions, Interval: interval, Run: func(ctx context.Context) error {
			_, err := a.Submissions.Cleanup(ctx)
			return err
		}},
		{Name: JobDropStaleIndex, Interval: interval, Run: func(ctx context.Context) error {
			_, err := a.Index.DropStale(ctx)
			return err
		}},
	}
}

// Migrate applies the schema and makes sure the primary bucket exists.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.DB.Migrate(ctx); err != nil {
		return err
	}
	if err := a.Primary.EnsureBucket(ctx, a.Log); err != nil {
		return fmt.Errorf("bucket %s: %w", a.Config.S3Bucket, err)
	}
	return nil
}
