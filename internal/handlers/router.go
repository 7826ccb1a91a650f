package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Middleware wraps every routed handler.
type Middleware func(http.Handler) http.Handler

// NewRouter mounts the API. authn attaches the caller's principal; routes that
// need one reject anonymous requests themselves.
func NewRouter(wh *WriteHandler, rh *ReadHandler, authn Middleware) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	route := func(method, path string, h http.HandlerFunc) {
		router.Handle(path, otelhttp.NewHandler(authn(h), method+" "+path)).Methods(method)
	}

	route(http.MethodPost, "/upload/initiate", wh.Initiate)
	route(http.MethodGet, "/upload/{uuid}/parts", wh.Parts)
	route(http.MethodPost, "/upload/{uuid}/finish", wh.Finish)
	route(http.MethodPost, "/upload/{uuid}/abort", wh.Abort)
	route(http.MethodPost, "/submission/submit-async", wh.Submit)
	route(http.MethodGet, "/submission/{id}/poll", wh.Poll)

	route(http.MethodGet, "/package/download/{namespace}/{name}/{version}/", rh.Download)
	route(http.MethodGet, "/cache/{community}/index.json.gz", rh.Index)
	route(http.MethodGet, "/cache/{community}/chunk-{hash:[0-9a-f]{64}}.json.gz", rh.Chunk)
	route(http.MethodGet, "/blob/{sha256:[0-9a-f]{64}}", rh.Blob)

	return router
}
