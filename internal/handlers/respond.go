package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
)

var tracer = otel.Tracer("pkgrepo-handlers")

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Detail string              `json:"detail"`
	Errors map[string][]string `json:"errors,omitempty"`
}

func writeJSON(log *zap.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("failed to write response", zap.Error(err))
	}
}

// writeError maps err onto a status code and JSON body. Server-side failures are
// logged and not echoed.
func writeError(log *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	trace.SpanFromContext(r.Context()).RecordError(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	body := errorResponse{Detail: apperr.Message(err)}
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		body.Errors = verr.Fields
	}
	writeJSON(log, w, status, body)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.ClientInput.New("malformed request body: %v", err)
	}
	return nil
}

// clientIP is the first X-Forwarded-For hop, or the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}
