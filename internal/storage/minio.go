package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("pkgrepo-storage")

const listPartsPageSize = 1000

// MinioConfig configures one S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// DefaultACL is sent as x-amz-acl on every write when set.
	DefaultACL string
	// PublicURL overrides the base used by PublicURL.
	PublicURL string
}

// MinioStore implements ObjectStore on the minio-go Core API.
type MinioStore struct {
	core       *minio.Core
	bucketName string
	acl        string
	publicURL  string
}

var _ ObjectStore = (*MinioStore)(nil)

// NewMinioStore creates a client for cfg. It does not contact the endpoint.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("failed to create MinIO client: bucket not configured")
	}
	host, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)

	core, err := minio.NewCore(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		publicURL = strings.TrimRight(core.EndpointURL().String(), "/") + "/" + cfg.Bucket
	}

	return &MinioStore{
		core:       core,
		bucketName: cfg.Bucket,
		acl:        cfg.DefaultACL,
		publicURL:  publicURL,
	}, nil
}

// splitEndpoint accepts either host:port or a full URL.
func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint, useSSL
	}
	return u.Host, u.Scheme == "https"
}

// EnsureBucket creates the bucket when it does not exist yet.
func (ms *MinioStore) EnsureBucket(ctx context.Context, log *zap.Logger) error {
	exists, err := ms.core.BucketExists(ctx, ms.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Info("creating bucket", zap.String("bucket", ms.bucketName))
		if err := ms.core.MakeBucket(ctx, ms.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (ms *MinioStore) putOptions(opts PutOptions) minio.PutObjectOptions {
	po := minio.PutObjectOptions{
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
	}
	if ms.acl != "" {
		po.UserMetadata = map[string]string{"x-amz-acl": ms.acl}
	}
	return po
}

// BeginMultipart starts a multipart upload and returns its upload id.
func (ms *MinioStore) BeginMultipart(ctx context.Context, key string, opts PutOptions) (string, error) {
	ctx, span := startSpan(ctx, "minio.begin_multipart", attribute.String("object_key", key))
	defer span.End()

	uploadID, err := ms.core.NewMultipartUpload(ctx, ms.bucketName, key, ms.putOptions(opts))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to begin multipart upload: %w", translateError(err))
	}
	return uploadID, nil
}

// PresignPart returns a URL that authorizes a single upload-part PUT.
func (ms *MinioStore) PresignPart(ctx context.Context, key, uploadID string, partNumber int, expiry time.Duration) (string, error) {
	ctx, span := startSpan(ctx, "minio.presign_part",
		attribute.String("object_key", key),
		attribute.Int("part_number", partNumber),
	)
	defer span.End()

	params := url.Values{}
	params.Set("partNumber", strconv.Itoa(partNumber))
	params.Set("uploadId", uploadID)

	u, err := ms.core.Presign(ctx, http.MethodPut, ms.bucketName, key, expiry, params)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to presign part %d: %w", partNumber, err)
	}
	return u.String(), nil
}

// CompleteMultipart assembles the uploaded parts into the final object.
func (ms *MinioStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletePart) error {
	ctx, span := startSpan(ctx, "minio.complete_multipart",
		attribute.String("object_key", key),
		attribute.Int("parts", len(parts)),
	)
	defer span.End()

	completed := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completed[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	if _, err := ms.core.CompleteMultipartUpload(ctx, ms.bucketName, key, uploadID, completed, minio.PutObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to complete multipart upload: %w", translateError(err))
	}
	return nil
}

// AbortMultipart cancels a multipart upload and discards its parts.
func (ms *MinioStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	ctx, span := startSpan(ctx, "minio.abort_multipart", attribute.String("object_key", key))
	defer span.End()

	if err := ms.core.AbortMultipartUpload(ctx, ms.bucketName, key, uploadID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to abort multipart upload: %w", translateError(err))
	}
	return nil
}

// ListParts returns every part the store holds for the upload.
func (ms *MinioStore) ListParts(ctx context.Context, key, uploadID string) ([]PartInfo, error) {
	ctx, span := startSpan(ctx, "minio.list_parts", attribute.String("object_key", key))
	defer span.End()

	var parts []PartInfo
	marker := 0
	for {
		result, err := ms.core.ListObjectParts(ctx, ms.bucketName, key, uploadID, marker, listPartsPageSize)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to list parts: %w", translateError(err))
		}
		for _, p := range result.ObjectParts {
			parts = append(parts, PartInfo{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
		}
		if !result.IsTruncated {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

// Head returns object metadata.
func (ms *MinioStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	ctx, span := startSpan(ctx, "minio.head", attribute.String("object_key", key))
	defer span.End()

	info, err := ms.core.StatObject(ctx, ms.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return ObjectInfo{}, fmt.Errorf("failed to stat object: %w", translateError(err))
	}
	return ObjectInfo{
		Key:             key,
		Size:            info.Size,
		ETag:            info.ETag,
		ContentType:     info.ContentType,
		ContentEncoding: info.Metadata.Get("Content-Encoding"),
	}, nil
}

// Get opens the object for reading. The caller closes the reader.
func (ms *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := startSpan(ctx, "minio.get", attribute.String("object_key", key))
	defer span.End()

	obj, err := ms.core.Client.GetObject(ctx, ms.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get object: %w", translateError(err))
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller starts reading.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get object: %w", translateError(err))
	}
	return obj, nil
}

// Put writes the object in one request.
func (ms *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error {
	ctx, span := startSpan(ctx, "minio.put",
		attribute.String("object_key", key),
		attribute.Int64("size", size),
	)
	defer span.End()

	if _, err := ms.core.Client.PutObject(ctx, ms.bucketName, key, r, size, ms.putOptions(opts)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to put object: %w", translateError(err))
	}
	return nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (ms *MinioStore) Delete(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "minio.delete", attribute.String("object_key", key))
	defer span.End()

	if err := ms.core.Client.RemoveObject(ctx, ms.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", translateError(err))
	}
	return nil
}

// PresignGet returns a time-limited download URL.
func (ms *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := ms.core.Client.PresignedGetObject(ctx, ms.bucketName, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return u.String(), nil
}

// PublicURL returns the unsigned URL of key.
func (ms *MinioStore) PublicURL(key string) string {
	return ms.publicURL + "/" + key
}

// PublicRead reports whether objects are written world-readable.
func (ms *MinioStore) PublicRead() bool {
	return ms.acl == "public-read"
}

func translateError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "":
		return err
	case "NoSuchUpload":
		return fmt.Errorf("%w: %s", ErrNoSuchUpload, resp.Message)
	case "NoSuchKey":
		return fmt.Errorf("%w: %s", ErrObjectNotFound, resp.Message)
	}
	return &ResponseError{Code: resp.Code, StatusCode: resp.StatusCode, Message: resp.Message}
}
