// Package blobstore provides object storage for notification channels that
// write into containers. It defines the ObjectStore interface, an in-memory
// implementation suitable for testing and development, and an S3 backend.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrObjectNotFound   = errors.New("object not found")
	ErrObjectExists     = errors.New("object already exists")
	ErrBucketNotFound   = errors.New("bucket not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrInvalidKey       = errors.New("invalid object key")
	ErrInvalidConfig    = errors.New("invalid storage configuration")
	ErrInvalidContainer = errors.New("invalid container")
)

// ---------------------------------------------------------------------------
// ObjectStore interface
// ---------------------------------------------------------------------------

// PutOptions controls a single write.
type PutOptions struct {
	ContentType string
	// IfAbsent makes the write fail with ErrObjectExists when the key is taken.
	IfAbsent bool
}

// ObjectStore defines the contract for object storage backends.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// Container is a bucket plus key prefix, parsed from a channel endpoint.
type Container struct {
	Bucket string
	Prefix string
}

// ParseContainer accepts "s3://bucket/prefix", "bucket/prefix" or "bucket".
func ParseContainer(endpoint string) (Container, error) {
	rest := strings.TrimPrefix(strings.TrimSpace(endpoint), "s3://")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return Container{}, fmt.Errorf("%w: %q", ErrInvalidContainer, endpoint)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" || strings.Contains(prefix, "..") {
		return Container{}, fmt.Errorf("%w: %q", ErrInvalidContainer, endpoint)
	}
	return Container{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// Key joins the container prefix with parts.
func (c Container) Key(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if c.Prefix != "" {
		all = append(all, c.Prefix)
	}
	all = append(all, parts...)
	return strings.Join(all, "/")
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket      string
	Key         string
	ContentType string
	Size        int64
	Hash        string
	UpdatedAt   time.Time
}

type storedObject struct {
	info    ObjectInfo
	content []byte
}

// InMemoryObjectStore is a thread-safe, in-memory ObjectStore for testing/dev.
type InMemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

// NewInMemoryObjectStore returns a ready-to-use InMemoryObjectStore.
func NewInMemoryObjectStore() *InMemoryObjectStore {
	return &InMemoryObjectStore{
		objects: make(map[string]*storedObject),
	}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

// PutObject stores a copy of data and computes its SHA-256 hash.
func (s *InMemoryObjectStore) PutObject(_ context.Context, bucket, key string, data []byte, opts PutOptions) error {
	if bucket == "" {
		return ErrInvalidContainer
	}
	if err := validateKey(key); err != nil {
		return err
	}

	content := make([]byte, len(data))
	copy(content, data)
	h := sha256.Sum256(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	id := objectID(bucket, key)
	if _, ok := s.objects[id]; ok && opts.IfAbsent {
		return fmt.Errorf("%w: %s", ErrObjectExists, id)
	}
	s.objects[id] = &storedObject{
		info: ObjectInfo{
			Bucket:      bucket,
			Key:         key,
			ContentType: opts.ContentType,
			Size:        int64(len(content)),
			Hash:        fmt.Sprintf("%x", h),
			UpdatedAt:   time.Now().UTC(),
		},
		content: content,
	}
	return nil
}

// GetObject returns a copy of the object content.
func (s *InMemoryObjectStore) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[objectID(bucket, key)]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID(bucket, key))
	}
	out := make([]byte, len(obj.content))
	copy(out, obj.content)
	return out, nil
}

// Stat returns the metadata of an object.
func (s *InMemoryObjectStore) Stat(bucket, key string) (ObjectInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectID(bucket, key)]
	if !ok {
		return ObjectInfo{}, false
	}
	return obj.info, true
}

// Keys lists the keys stored in bucket, sorted.
func (s *InMemoryObjectStore) Keys(bucket string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for _, obj := range s.objects {
		if obj.info.Bucket == bucket {
			keys = append(keys, obj.info.Key)
		}
	}
	sort.Strings(keys)
	return keys
}
