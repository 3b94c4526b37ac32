package blobstore_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ehr/notify/internal/platform/blobstore"
)

// MockS3Client is a mock implementation of the S3Client interface
type MockS3Client struct {
	mock.Mock
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func newMockStore(t *testing.T) (*blobstore.S3ObjectStore, *MockS3Client) {
	t.Helper()
	client := new(MockS3Client)
	store, err := blobstore.NewS3ObjectStore(context.Background(), blobstore.S3Config{}, blobstore.WithS3Client(client))
	require.NoError(t, err)
	return store, client
}

func TestNewS3ObjectStore(t *testing.T) {
	t.Parallel()
	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		store, err := blobstore.NewS3ObjectStore(context.Background(), blobstore.S3Config{
			Region:      "us-east-1",
			AccessKeyID: "test-key",
			SecretKey:   "test-secret",
		})
		require.NoError(t, err)
		require.NotNil(t, store)
	})

	t.Run("with custom endpoint", func(t *testing.T) {
		t.Parallel()
		store, err := blobstore.NewS3ObjectStore(context.Background(), blobstore.S3Config{
			Region:         "us-east-1",
			Endpoint:       "http://localhost:9000/",
			ForcePathStyle: true,
		})
		require.NoError(t, err)
		require.NotNil(t, store)
	})

	t.Run("missing region", func(t *testing.T) {
		t.Parallel()
		_, err := blobstore.NewS3ObjectStore(context.Background(), blobstore.S3Config{})
		assert.ErrorIs(t, err, blobstore.ErrInvalidConfig)
	})
}

func TestS3ObjectStore_PutObject(t *testing.T) {
	t.Parallel()

	t.Run("write once sets If-None-Match", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return *in.Bucket == "archive" &&
				*in.Key == "fhir/Patient/1/_history/1.json" &&
				in.IfNoneMatch != nil && *in.IfNoneMatch == "*" &&
				*in.ContentType == "application/fhir+json" &&
				*in.ContentLength == 2
		}), mock.Anything).Return(&s3.PutObjectOutput{}, nil)

		err := store.PutObject(context.Background(), "archive", "fhir/Patient/1/_history/1.json", []byte("{}"),
			blobstore.PutOptions{ContentType: "application/fhir+json", IfAbsent: true})
		require.NoError(t, err)
		client.AssertExpectations(t)
	})

	t.Run("overwrite has no precondition", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return in.IfNoneMatch == nil && in.ContentType == nil
		}), mock.Anything).Return(&s3.PutObjectOutput{}, nil)

		require.NoError(t, store.PutObject(context.Background(), "b", "k", []byte("x"), blobstore.PutOptions{}))
		client.AssertExpectations(t)
	})

	t.Run("precondition failed maps to ErrObjectExists", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("PutObject", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"})

		err := store.PutObject(context.Background(), "b", "k", []byte("x"), blobstore.PutOptions{IfAbsent: true})
		assert.ErrorIs(t, err, blobstore.ErrObjectExists)
	})

	t.Run("access denied", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("PutObject", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &smithy.GenericAPIError{Code: "AccessDenied"})

		err := store.PutObject(context.Background(), "b", "k", []byte("x"), blobstore.PutOptions{})
		assert.ErrorIs(t, err, blobstore.ErrAccessDenied)
	})

	t.Run("unknown error keeps code", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("PutObject", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &smithy.GenericAPIError{Code: "SlowDown"})

		err := store.PutObject(context.Background(), "b", "k", []byte("x"), blobstore.PutOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SlowDown")
	})

	t.Run("invalid key never reaches S3", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		err := store.PutObject(context.Background(), "b", "../k", nil, blobstore.PutOptions{})
		assert.ErrorIs(t, err, blobstore.ErrInvalidKey)
		client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestS3ObjectStore_GetObject(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
			return *in.Bucket == "b" && *in.Key == "k"
		}), mock.Anything).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("line\n"))}, nil)

		data, err := store.GetObject(context.Background(), "b", "k")
		require.NoError(t, err)
		assert.Equal(t, "line\n", string(data))
	})

	t.Run("no such key", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("GetObject", mock.Anything, mock.Anything, mock.Anything).Return(nil, &types.NoSuchKey{})

		_, err := store.GetObject(context.Background(), "b", "k")
		assert.ErrorIs(t, err, blobstore.ErrObjectNotFound)
	})

	t.Run("no such bucket", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("GetObject", mock.Anything, mock.Anything, mock.Anything).Return(nil, &types.NoSuchBucket{})

		_, err := store.GetObject(context.Background(), "b", "k")
		assert.ErrorIs(t, err, blobstore.ErrBucketNotFound)
	})

	t.Run("context canceled", func(t *testing.T) {
		t.Parallel()
		store, client := newMockStore(t)
		client.On("GetObject", mock.Anything, mock.Anything, mock.Anything).Return(nil, context.Canceled)

		_, err := store.GetObject(context.Background(), "b", "k")
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
