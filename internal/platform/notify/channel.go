// Package notify dispatches subscription notifications. It owns the channel
// registry, the request queue, the heartbeat sweep, the drain loop and the
// manager that ties them to the tenant stores.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/subscription"
	"github.com/ehr/notify/internal/platform/blobstore"
	"github.com/ehr/notify/internal/platform/webhook"
)

// ErrUnknownChannelType is returned when no channel is registered for a tag.
var ErrUnknownChannelType = errors.New("unknown channel type")

// Notification is everything a channel needs for one send.
type Notification struct {
	Tenant          string
	SubscriptionID  string
	Topic           string
	Channel         subscription.ChannelInfo
	Type            subscription.NotificationType
	Payload         []byte
	Events          []subscription.NotificationEvent
	Resources       []subscription.Resource
	TransactionTime time.Time
}

// Channel delivers notifications to one kind of endpoint. Implementations
// must be safe for concurrent use and must not retry internally.
type Channel interface {
	Deliver(ctx context.Context, n *Notification) error
}

// HandshakeSender is implemented by channels with a dedicated handshake send.
type HandshakeSender interface {
	SendHandshake(ctx context.Context, n *Notification) error
}

// HeartbeatSender is implemented by channels with a dedicated heartbeat send.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, n *Notification) error
}

// ResourceConsumer is implemented by channels that write resource bodies
// and so need them loaded regardless of the subscription content level.
type ResourceConsumer interface {
	NeedsResources() bool
}

// DeliveryError describes a failed send. Reason is the part recorded on the
// subscription after the "{type} POST to {endpoint} failed: " prefix.
type DeliveryError struct {
	Type       subscription.NotificationType
	Endpoint   string
	StatusCode int
	Reason     string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s POST to %s failed: %s", e.Type, e.Endpoint, e.Reason)
	}
	return fmt.Sprintf("POST to %s failed: %s", e.Endpoint, e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Dependencies are the shared collaborators handed to channel factories.
type Dependencies struct {
	HTTPClient *http.Client
	Objects    blobstore.ObjectStore
	Signer     *webhook.Signer
	Logger     zerolog.Logger
	Now        func() time.Time
}

func (d Dependencies) withDefaults() Dependencies {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

// ChannelFactory builds a channel from the shared dependencies.
type ChannelFactory func(deps Dependencies) (Channel, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[subscription.ChannelType]ChannelFactory)
)

// RegisterChannel makes a channel available under t. It is meant to be
// called from the init function of the package implementing the channel and
// panics if t is registered twice or f is nil.
func RegisterChannel(t subscription.ChannelType, f ChannelFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("notify: RegisterChannel factory is nil for " + string(t))
	}
	if _, dup := factories[t]; dup {
		panic("notify: RegisterChannel called twice for " + string(t))
	}
	factories[t] = f
}

// RegisteredChannelTypes lists the registered tags, sorted.
func RegisteredChannelTypes() []subscription.ChannelType {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]subscription.ChannelType, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithChannel adds or replaces a factory on this registry only.
func WithChannel(t subscription.ChannelType, f ChannelFactory) RegistryOption {
	return func(r *Registry) { r.factories[t] = f }
}

// WithoutRegisteredChannels starts the registry from an empty table.
func WithoutRegisteredChannels() RegistryOption {
	return func(r *Registry) { r.factories = make(map[subscription.ChannelType]ChannelFactory) }
}

// Registry resolves channel tags to channel instances. Instances are built
// on first use and cached for the registry's lifetime.
type Registry struct {
	deps      Dependencies
	factories map[subscription.ChannelType]ChannelFactory

	mu       sync.Mutex
	channels map[subscription.ChannelType]Channel
}

// NewRegistry snapshots the registration table.
func NewRegistry(deps Dependencies, opts ...RegistryOption) *Registry {
	factoriesMu.RLock()
	table := make(map[subscription.ChannelType]ChannelFactory, len(factories))
	for t, f := range factories {
		table[t] = f
	}
	factoriesMu.RUnlock()

	r := &Registry{
		deps:      deps.withDefaults(),
		factories: table,
		channels:  make(map[subscription.ChannelType]Channel),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the channel for t.
func (r *Registry) Resolve(t subscription.ChannelType) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[t]; ok {
		return ch, nil
	}
	f, ok := r.factories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannelType, t)
	}
	ch, err := f(r.deps)
	if err != nil {
		return nil, fmt.Errorf("construct %s channel: %w", t, err)
	}
	r.channels[t] = ch
	return ch, nil
}

// Types lists the tags this registry can resolve, sorted.
func (r *Registry) Types() []subscription.ChannelType {
	out := make([]subscription.ChannelType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
