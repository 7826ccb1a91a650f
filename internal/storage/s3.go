package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
)

// S3MirrorConfig configures a secondary store written through the AWS SDK.
type S3MirrorConfig struct {
	Name      string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	ACL       string
}

// S3Mirror receives copies of blob writes. It is never read from.
type S3Mirror struct {
	name   string
	bucket *string
	acl    string
	client *s3.Client
}

// NewS3Mirror builds a mirror client. Static credentials are used when both keys are set,
// otherwise the default AWS credential chain applies.
func NewS3Mirror(ctx context.Context, conf S3MirrorConfig) (*S3Mirror, error) {
	if conf.Bucket == "" {
		return nil, fmt.Errorf("mirror %s: s3 bucket is empty", conf.Name)
	}

	awsConf, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(conf.Region))
	if err != nil {
		return nil, fmt.Errorf("mirror %s: failed to load aws config: %w", conf.Name, err)
	}
	if conf.AccessKey != "" && conf.SecretKey != "" {
		awsConf.Credentials = credentials.NewStaticCredentialsProvider(conf.AccessKey, conf.SecretKey, "")
	}

	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Mirror{
		name:   conf.Name,
		bucket: aws.String(conf.Bucket),
		acl:    conf.ACL,
		client: client,
	}, nil
}

// Name identifies the mirror in logs.
func (m *S3Mirror) Name() string {
	return m.name
}

// Put copies data under key.
func (m *S3Mirror) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	ctx, span := startSpan(ctx, "s3.mirror_put",
		attribute.String("mirror", m.name),
		attribute.String("object_key", key),
	)
	defer span.End()

	input := &s3.PutObjectInput{
		Bucket:        m.bucket,
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		input.ContentEncoding = aws.String(opts.ContentEncoding)
	}
	if m.acl != "" {
		input.ACL = types.ObjectCannedACL(m.acl)
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mirror %s: failed to put %s: %w", m.name, key, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error.
func (m *S3Mirror) Delete(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "s3.mirror_delete",
		attribute.String("mirror", m.name),
		attribute.String("object_key", key),
	)
	defer span.End()

	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: m.bucket,
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		span.RecordError(err)
		return fmt.Errorf("mirror %s: failed to delete %s: %w", m.name, key, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey"
	}
	return false
}
