package blobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestParseContainer(t *testing.T) {
	tests := []struct {
		endpoint   string
		wantBucket string
		wantPrefix string
		wantErr    bool
	}{
		{"s3://fhir-archive/notifications", "fhir-archive", "notifications", false},
		{"fhir-archive/a/b/", "fhir-archive", "a/b", false},
		{"fhir-archive", "fhir-archive", "", false},
		{"s3://", "", "", true},
		{"", "", "", true},
		{"bucket/../escape", "", "", true},
	}
	for _, tt := range tests {
		c, err := ParseContainer(tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseContainer(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidContainer) {
				t.Errorf("expected ErrInvalidContainer, got %v", err)
			}
			continue
		}
		if c.Bucket != tt.wantBucket || c.Prefix != tt.wantPrefix {
			t.Errorf("ParseContainer(%q) = %+v", tt.endpoint, c)
		}
	}
}

func TestContainer_Key(t *testing.T) {
	if got := (Container{Bucket: "b", Prefix: "p"}).Key("Patient", "1.json"); got != "p/Patient/1.json" {
		t.Errorf("unexpected key %q", got)
	}
	if got := (Container{Bucket: "b"}).Key("Patient", "1.json"); got != "Patient/1.json" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestInMemoryObjectStore_PutGet(t *testing.T) {
	store := NewInMemoryObjectStore()
	ctx := context.Background()
	data := []byte(`{"resourceType":"Patient"}`)

	if err := store.PutObject(ctx, "bucket", "Patient/1.json", data, PutOptions{ContentType: "application/fhir+json"}); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	data[0] = 'X'

	got, err := store.GetObject(ctx, "bucket", "Patient/1.json")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if string(got) != `{"resourceType":"Patient"}` {
		t.Errorf("expected stored copy to be unaffected by caller mutation, got %s", got)
	}

	info, ok := store.Stat("bucket", "Patient/1.json")
	if !ok {
		t.Fatal("expected Stat to find the object")
	}
	if info.ContentType != "application/fhir+json" || info.Size != int64(len(got)) || len(info.Hash) != 64 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestInMemoryObjectStore_GetNotFound(t *testing.T) {
	store := NewInMemoryObjectStore()
	if _, err := store.GetObject(context.Background(), "bucket", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestInMemoryObjectStore_IfAbsent(t *testing.T) {
	store := NewInMemoryObjectStore()
	ctx := context.Background()

	if err := store.PutObject(ctx, "b", "k", []byte("one"), PutOptions{IfAbsent: true}); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := store.PutObject(ctx, "b", "k", []byte("two"), PutOptions{IfAbsent: true}); !errors.Is(err, ErrObjectExists) {
		t.Errorf("expected ErrObjectExists, got %v", err)
	}
	got, _ := store.GetObject(ctx, "b", "k")
	if string(got) != "one" {
		t.Errorf("expected original content, got %s", got)
	}

	if err := store.PutObject(ctx, "b", "k", []byte("three"), PutOptions{}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = store.GetObject(ctx, "b", "k")
	if string(got) != "three" {
		t.Errorf("expected overwritten content, got %s", got)
	}
}

func TestInMemoryObjectStore_InvalidKey(t *testing.T) {
	store := NewInMemoryObjectStore()
	ctx := context.Background()
	for _, key := range []string{"", "/abs", "a/../b"} {
		if err := store.PutObject(ctx, "b", key, nil, PutOptions{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
	if err := store.PutObject(ctx, "", "k", nil, PutOptions{}); !errors.Is(err, ErrInvalidContainer) {
		t.Errorf("expected ErrInvalidContainer, got %v", err)
	}
}

func TestInMemoryObjectStore_Keys(t *testing.T) {
	store := NewInMemoryObjectStore()
	ctx := context.Background()
	_ = store.PutObject(ctx, "a", "z", nil, PutOptions{})
	_ = store.PutObject(ctx, "a", "m", nil, PutOptions{})
	_ = store.PutObject(ctx, "b", "x", nil, PutOptions{})

	keys := store.Keys("a")
	if len(keys) != 2 || keys[0] != "m" || keys[1] != "z" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestInMemoryObjectStore_ConcurrentIfAbsent(t *testing.T) {
	store := NewInMemoryObjectStore()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.PutObject(ctx, "b", "k", []byte("v"), PutOptions{IfAbsent: true}); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("expected exactly one successful write, got %d", winners)
	}
}
