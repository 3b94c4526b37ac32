// Package datalake appends notified resources to daily NDJSON partitions,
// one partition per resource type and UTC transaction date.
package datalake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/subscription"
	"github.com/ehr/notify/internal/platform/blobstore"
	"github.com/ehr/notify/internal/platform/fhir"
	"github.com/ehr/notify/internal/platform/notify"
)

// ContentType is the content type of partition objects.
const ContentType = "application/fhir+ndjson"

// ErrNoObjectStore is returned when the channel is built without an object store.
var ErrNoObjectStore = errors.New("data-lake channel requires an object store")

func init() {
	notify.RegisterChannel(subscription.ChannelDataLake, New)
}

// Channel is the data-lake channel.
type Channel struct {
	objects blobstore.ObjectStore
	logger  zerolog.Logger

	mu    sync.Mutex
	locks map[string]*partitionLock
}

// partitionLock serializes read-modify-write cycles on one partition. It is
// dropped from the map once no writer holds or waits for it.
type partitionLock struct {
	sync.Mutex
	refs int
}

// New builds the channel from the shared dependencies.
func New(deps notify.Dependencies) (notify.Channel, error) {
	if deps.Objects == nil {
		return nil, ErrNoObjectStore
	}
	return &Channel{
		objects: deps.Objects,
		logger:  deps.Logger.With().Str("channel", string(subscription.ChannelDataLake)).Logger(),
		locks:   make(map[string]*partitionLock),
	}, nil
}

// NeedsResources implements notify.ResourceConsumer.
func (c *Channel) NeedsResources() bool { return true }

// PartitionKey returns the key of the partition holding resources of
// resourceType written at t.
func PartitionKey(container blobstore.Container, resourceType string, t time.Time) string {
	t = t.UTC()
	return container.Key(
		resourceType,
		t.Format("2006"),
		t.Format("01"),
		t.Format("02"),
		resourceType+"_"+t.Format("20060102")+".ndjson",
	)
}

// Deliver appends the resources of n to their partitions. Handshakes and
// heartbeats carry no resources and only validate the container.
func (c *Channel) Deliver(ctx context.Context, n *notify.Notification) error {
	endpoint := n.Channel.Endpoint
	container, err := blobstore.ParseContainer(endpoint)
	if err != nil {
		return &notify.DeliveryError{Endpoint: endpoint, Reason: err.Error(), Err: err}
	}

	partitions := make(map[string][]subscription.Resource)
	for _, r := range n.Resources {
		if len(r.Body) == 0 {
			c.logger.Warn().Str("resource", r.Ref().Reference()).Msg("skipping resource without body")
			continue
		}
		key := PartitionKey(container, r.ResourceType, n.TransactionTime)
		partitions[key] = append(partitions[key], r)
	}

	keys := make([]string, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := c.appendPartition(ctx, container.Bucket, key, partitions[key]); err != nil {
			return &notify.DeliveryError{Endpoint: endpoint, Reason: err.Error(), Err: err}
		}
	}
	return nil
}

func (c *Channel) acquire(id string) *partitionLock {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &partitionLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return l
}

func (c *Channel) release(id string, l *partitionLock) {
	l.Unlock()

	c.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, id)
	}
	c.mu.Unlock()
}

func (c *Channel) appendPartition(ctx context.Context, bucket, key string, resources []subscription.Resource) error {
	id := bucket + "/" + key
	l := c.acquire(id)
	defer c.release(id, l)

	existing, err := c.objects.GetObject(ctx, bucket, key)
	if err != nil && !errors.Is(err, blobstore.ErrObjectNotFound) {
		return fmt.Errorf("read partition %s: %w", key, err)
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	w := fhir.NewNDJSONWriter(&buf)
	for _, r := range resources {
		if err := w.WriteRaw(r.Body); err != nil {
			return fmt.Errorf("encode %s: %w", r.Ref().Reference(), err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if err := c.objects.PutObject(ctx, bucket, key, buf.Bytes(), blobstore.PutOptions{ContentType: ContentType}); err != nil {
		return fmt.Errorf("write partition %s: %w", key, err)
	}
	c.logger.Debug().Str("bucket", bucket).Str("key", key).Int("appended", len(resources)).Msg("partition updated")
	return nil
}
