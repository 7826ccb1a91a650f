package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrNoSuchUpload   = errors.New("no such multipart upload")
)

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Key             string
	Size            int64
	ETag            string
	ContentType     string
	ContentEncoding string
}

// PartInfo describes a part the store already holds for a multipart upload.
type PartInfo struct {
	PartNumber int
	ETag       string
	Size       int64
}

// CompletePart is one entry of a complete-multipart request.
type CompletePart struct {
	PartNumber int
	ETag       string
}

// PutOptions control object metadata on write.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
}

// ObjectStore is the narrow S3-compatible surface the upload, blob and download paths use.
type ObjectStore interface {
	BeginMultipart(ctx context.Context, key string, opts PutOptions) (string, error)
	PresignPart(ctx context.Context, key, uploadID string, partNumber int, expiry time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletePart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	ListParts(ctx context.Context, key, uploadID string) ([]PartInfo, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	PublicURL(key string) string
}

// ResponseError is a non-success response from the object store.
type ResponseError struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("object store responded %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsClientError reports whether err is a 4xx response from the object store.
func IsClientError(err error) bool {
	if errors.Is(err, ErrNoSuchUpload) || errors.Is(err, ErrObjectNotFound) {
		return true
	}
	var resp *ResponseError
	if errors.As(err, &resp) {
		return resp.StatusCode >= 400 && resp.StatusCode < 500
	}
	return false
}
