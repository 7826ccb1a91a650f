package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/auth"
	"github.com/maneesh/pkgrepo/internal/models"
	"github.com/maneesh/pkgrepo/internal/storage"
	"github.com/maneesh/pkgrepo/internal/submission"
)

// Uploads is the upload lifecycle the API exposes.
type Uploads interface {
	Initiate(ctx context.Context, owner *int64, filename string, size int64) (*models.UploadHandle, []models.PartURL, error)
	SignParts(ctx context.Context, owner *int64, id string) ([]models.PartURL, error)
	UploadedParts(ctx context.Context, owner *int64, id string) ([]storage.PartInfo, error)
	Finalize(ctx context.Context, owner *int64, id string, parts []models.CompletedPart) (*models.UploadHandle, error)
	Abort(ctx context.Context, owner *int64, id string) (*models.UploadHandle, error)
}

// Submissions accepts and reports on publish requests.
type Submissions interface {
	Create(ctx context.Context, owner int64, uploadID string, form models.SubmissionForm) (*models.Submission, error)
	Poll(ctx context.Context, owner int64, id string) (*submission.Status, error)
}

// WriteHandler serves the authenticated upload and submission endpoints.
type WriteHandler struct {
	log         *zap.Logger
	uploads     Uploads
	submissions Submissions
}

func NewWriteHandler(log *zap.Logger, uploads Uploads, submissions Submissions) *WriteHandler {
	return &WriteHandler{log: log.Named("api"), uploads: uploads, submissions: submissions}
}

type initiateRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"file_size_bytes"`
}

type initiateResponse struct {
	UserMedia  *models.UploadHandle `json:"user_media"`
	UploadURLs []models.PartURL     `json:"upload_urls"`
}

// Initiate handles POST /upload/initiate
func (wh *WriteHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_initiate")
	defer span.End()

	p, err := auth.Require(r)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	span.SetAttributes(attribute.String("file_name", req.Filename), attribute.Int64("file_size", req.Size))

	h, urls, err := wh.uploads.Initiate(ctx, &p.UserID, req.Filename, req.Size)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	writeJSON(wh.log, w, http.StatusCreated, initiateResponse{UserMedia: h, UploadURLs: urls})
}

type partsResponse struct {
	UploadURLs    []models.PartURL `json:"upload_urls"`
	UploadedParts []uploadedPart   `json:"uploaded_parts"`
}

type uploadedPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
	Size       int64  `json:"Size"`
}

// Parts handles GET /upload/{uuid}/parts, re-signing URLs for a resumed upload.
func (wh *WriteHandler) Parts(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_parts")
	defer span.End()

	p, err := auth.Require(r)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	id := mux.Vars(r)["uuid"]
	span.SetAttributes(attribute.String("upload", id))

	urls, err := wh.uploads.SignParts(ctx, &p.UserID, id)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	stored, err := wh.uploads.UploadedParts(ctx, &p.UserID, id)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	resp := partsResponse{UploadURLs: urls, UploadedParts: make([]uploadedPart, 0, len(stored))}
	for _, part := range stored {
		resp.UploadedParts = append(resp.UploadedParts, uploadedPart{PartNumber: part.PartNumber, ETag: part.ETag, Size: part.Size})
	}
	writeJSON(wh.log, w, http.StatusOK, resp)
}

type finishRequest struct {
	Parts []models.CompletedPart `json:"parts"`
}

// Finish handles POST /upload/{uuid}/finish
func (wh *WriteHandler) Finish(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_finish")
	defer span.End()

	p, err := auth.Require(r)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	var req finishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	id := mux.Vars(r)["uuid"]
	span.SetAttributes(attribute.String("upload", id), attribute.Int("parts", len(req.Parts)))

	h, err := wh.uploads.Finalize(ctx, &p.UserID, id, req.Parts)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	writeJSON(wh.log, w, http.StatusOK, h)
}

// Abort handles POST /upload/{uuid}/abort
func (wh *WriteHandler) Abort(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_abort")
	defer span.End()

	p, err := auth.Require(r)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	id := mux.Vars(r)["uuid"]
	span.SetAttributes(attribute.String("upload", id))

	h, err := wh.uploads.Abort(ctx, &p.UserID, id)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	writeJSON(wh.log, w, http.StatusOK, h)
}

type submitRequest struct {
	UploadUUID string `json:"upload_uuid"`
	models.SubmissionForm
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit handles POST /submission/submit-async
func (wh *WriteHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "submission_create")
	defer span.End()

	p, err := auth.Require(r)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	span.SetAttributes(attribute.String("upload", req.UploadUUID))

	sub, err := wh.submissions.Create(ctx, p.UserID, req.UploadUUID, req.SubmissionForm)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	writeJSON(wh.log, w, http.StatusOK, submitResponse{ID: sub.ID})
}

// Poll handles GET /submission/{id}/poll
func (wh *WriteHandler) Poll(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "submission_poll")
	defer span.End()

	p, err := auth.Require(r)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("submission", id))

	st, err := wh.submissions.Poll(ctx, p.UserID, id)
	if err != nil {
		writeError(wh.log, w, r, err)
		return
	}
	span.SetAttributes(attribute.String("status", string(st.Status)))
	writeJSON(wh.log, w, http.StatusOK, st)
}
