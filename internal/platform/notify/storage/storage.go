// Package storage writes one immutable object per notified resource version
// into the object container named by the subscription endpoint.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ehr/notify/internal/domain/subscription"
	"github.com/ehr/notify/internal/platform/blobstore"
	"github.com/ehr/notify/internal/platform/notify"
)

// maxConcurrentWrites bounds the uploads of a single notification.
const maxConcurrentWrites = 4

// ErrNoObjectStore is returned when the channel is built without an object store.
var ErrNoObjectStore = errors.New("storage channel requires an object store")

func init() {
	notify.RegisterChannel(subscription.ChannelStorage, New)
}

// Channel is the storage channel.
type Channel struct {
	objects blobstore.ObjectStore
	logger  zerolog.Logger
}

// New builds the channel from the shared dependencies.
func New(deps notify.Dependencies) (notify.Channel, error) {
	if deps.Objects == nil {
		return nil, ErrNoObjectStore
	}
	return &Channel{
		objects: deps.Objects,
		logger:  deps.Logger.With().Str("channel", string(subscription.ChannelStorage)).Logger(),
	}, nil
}

// NeedsResources implements notify.ResourceConsumer.
func (c *Channel) NeedsResources() bool { return true }

// ObjectKey returns the key a resource version is stored under.
func ObjectKey(container blobstore.Container, r subscription.Resource, fallbackVersion string) string {
	version := r.VersionID
	if version == "" {
		version = fallbackVersion
	}
	return container.Key(r.ResourceType, r.ID, "_history", version+".json")
}

// Deliver writes every resource of n. Handshakes and heartbeats carry no
// resources and only validate the container. Versions already stored are
// left untouched.
func (c *Channel) Deliver(ctx context.Context, n *notify.Notification) error {
	endpoint := n.Channel.Endpoint
	container, err := blobstore.ParseContainer(endpoint)
	if err != nil {
		return &notify.DeliveryError{Endpoint: endpoint, Reason: err.Error(), Err: err}
	}
	if len(n.Resources) == 0 {
		return nil
	}

	fallback := strconv.FormatInt(n.TransactionTime.UnixMilli(), 10)
	p := pool.New().WithErrors().WithContext(ctx).WithFirstError().WithMaxGoroutines(maxConcurrentWrites)
	for _, r := range n.Resources {
		if len(r.Body) == 0 {
			c.logger.Warn().Str("resource", r.Ref().Reference()).Msg("skipping resource without body")
			continue
		}
		key := ObjectKey(container, r, fallback)
		body := r.Body
		p.Go(func(ctx context.Context) error {
			return c.write(ctx, container.Bucket, key, body)
		})
	}
	if err := p.Wait(); err != nil {
		return &notify.DeliveryError{Endpoint: endpoint, Reason: err.Error(), Err: err}
	}
	return nil
}

func (c *Channel) write(ctx context.Context, bucket, key string, body []byte) error {
	err := c.objects.PutObject(ctx, bucket, key, body, blobstore.PutOptions{
		ContentType: subscription.DefaultPayloadMimeType,
		IfAbsent:    true,
	})
	switch {
	case err == nil:
		c.logger.Debug().Str("bucket", bucket).Str("key", key).Msg("resource stored")
		return nil
	case errors.Is(err, blobstore.ErrObjectExists):
		c.logger.Debug().Str("bucket", bucket).Str("key", key).Msg("resource version already stored")
		return nil
	default:
		return fmt.Errorf("write %s: %w", key, err)
	}
}
