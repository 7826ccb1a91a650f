package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/models"
)

// Index locates published index revisions.
type Index interface {
	LatestIndex(ctx context.Context, community string) (string, time.Time, error)
	ChunkURL(ctx context.Context, community, sha256 string) (string, error)
}

// Blobs turns a blob hash into a fetchable URL.
type Blobs interface {
	Get(ctx context.Context, sha256 string) (*models.Blob, error)
	URL(ctx context.Context, b *models.Blob) (string, error)
}

// Resolver maps a visible version to its id and file URL.
type Resolver interface {
	Resolve(ctx context.Context, namespace, name, version string) (int64, string, error)
}

// Meter counts downloads.
type Meter interface {
	Record(ctx context.Context, versionID int64, ip string) (bool, error)
}

// ReadHandler serves the public, redirect-style read endpoints.
type ReadHandler struct {
	log      *zap.Logger
	index    Index
	blobs    Blobs
	resolver Resolver
	meter    Meter
}

func NewReadHandler(log *zap.Logger, index Index, blobs Blobs, resolver Resolver, meter Meter) *ReadHandler {
	return &ReadHandler{log: log.Named("api"), index: index, blobs: blobs, resolver: resolver, meter: meter}
}

// Index handles GET /cache/{community}/index.json.gz
func (rh *ReadHandler) Index(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "index_latest")
	defer span.End()

	community := mux.Vars(r)["community"]
	span.SetAttributes(attribute.String("community", community))

	u, createdAt, err := rh.index.LatestIndex(ctx, community)
	if err != nil {
		writeError(rh.log, w, r, err)
		return
	}
	w.Header().Set("Last-Modified", createdAt.UTC().Format(http.TimeFormat))
	http.Redirect(w, r, u, http.StatusFound)
}

// Chunk handles GET /cache/{community}/chunk-{hash}.json.gz
func (rh *ReadHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "index_chunk")
	defer span.End()

	vars := mux.Vars(r)
	span.SetAttributes(attribute.String("community", vars["community"]), attribute.String("chunk", vars["hash"]))

	u, err := rh.index.ChunkURL(ctx, vars["community"], vars["hash"])
	if err != nil {
		writeError(rh.log, w, r, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// Blob handles GET /blob/{sha256}
func (rh *ReadHandler) Blob(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "blob_redirect")
	defer span.End()

	sha := mux.Vars(r)["sha256"]
	span.SetAttributes(attribute.String("blob", sha))

	b, err := rh.blobs.Get(ctx, sha)
	if err != nil {
		writeError(rh.log, w, r, err)
		return
	}
	u, err := rh.blobs.URL(ctx, b)
	if err != nil {
		writeError(rh.log, w, r, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// Download handles GET /package/download/{namespace}/{name}/{version}/
func (rh *ReadHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "package_download")
	defer span.End()

	vars := mux.Vars(r)
	span.SetAttributes(
		attribute.String("package", vars["namespace"]+"-"+vars["name"]),
		attribute.String("version", vars["version"]),
	)

	versionID, u, err := rh.resolver.Resolve(ctx, vars["namespace"], vars["name"], vars["version"])
	if err != nil {
		writeError(rh.log, w, r, err)
		return
	}
	// metering never blocks the download
	if _, err := rh.meter.Record(ctx, versionID, clientIP(r)); err != nil {
		rh.log.Warn("failed to record download", zap.Int64("version", versionID), zap.Error(err))
	}
	http.Redirect(w, r, u, http.StatusFound)
}
