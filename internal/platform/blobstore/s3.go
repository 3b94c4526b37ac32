package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client defines the S3 operations used by S3ObjectStore.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config contains configuration for S3 and S3-compatible services.
type S3Config struct {
	Region         string
	AccessKeyID    string
	SecretKey      string
	Endpoint       string // optional, for MinIO and friends
	ForcePathStyle bool
}

// S3Option configures NewS3ObjectStore.
type S3Option func(*s3Options)

type s3Options struct {
	httpClient *http.Client
	s3Client   S3Client
}

// WithS3Client sets a pre-configured client. Useful for testing with mocks.
func WithS3Client(client S3Client) S3Option {
	return func(o *s3Options) { o.s3Client = client }
}

// WithHTTPClient sets a custom HTTP client for S3 requests.
func WithHTTPClient(client *http.Client) S3Option {
	return func(o *s3Options) { o.httpClient = client }
}

// S3ObjectStore implements ObjectStore on Amazon S3. It is safe for concurrent use.
type S3ObjectStore struct {
	client S3Client
}

// NewS3ObjectStore creates an S3-backed object store.
func NewS3ObjectStore(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3ObjectStore, error) {
	options := &s3Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.s3Client != nil {
		return &S3ObjectStore{client: options.s3Client}, nil
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("%w: region is required", ErrInvalidConfig)
	}

	awsOptions := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		awsOptions = append(awsOptions,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")),
		)
	}
	if options.httpClient != nil {
		awsOptions = append(awsOptions, config.WithHTTPClient(options.httpClient))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(strings.TrimSuffix(cfg.Endpoint, "/"))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3ObjectStore{client: client}, nil
}

// classifyS3Error converts S3 errors to package sentinels.
func classifyS3Error(err error, operation, bucket, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s/%s: %w", operation, bucket, key, err)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %s/%s", ErrObjectExists, bucket, key)
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		case "AccessDenied":
			return fmt.Errorf("%w: %s %s/%s", ErrAccessDenied, operation, bucket, key)
		default:
			return fmt.Errorf("%s %s/%s failed (code: %s): %w", operation, bucket, key, apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("%s %s/%s failed: %w", operation, bucket, key, err)
}

// PutObject uploads data. With IfAbsent the request carries If-None-Match: *
// so S3 rejects the write when the key already exists.
func (s *S3ObjectStore) PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error {
	if bucket == "" {
		return ErrInvalidContainer
	}
	if err := validateKey(key); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classifyS3Error(err, "put object", bucket, key)
	}
	return nil
}

// GetObject downloads an object into memory.
func (s *S3ObjectStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, "get object", bucket, key)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}
