package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/notify/internal/domain/subscription"
)

// ErrAlreadyStarted is returned by Start on a running manager.
var ErrAlreadyStarted = errors.New("notification manager already started")

// ErrUnknownTenant is returned for a tenant the manager is not attached to.
var ErrUnknownTenant = errors.New("unknown tenant")

// Stats is a point-in-time view of the engine.
type Stats struct {
	Running              bool                       `json:"running"`
	QueueDepth           int                        `json:"queue_depth"`
	OutstandingHeartbeat int                        `json:"outstanding_heartbeats"`
	Tenants              int                        `json:"tenants"`
	Channels             []subscription.ChannelType `json:"channels"`
	Dispatch             DispatchStats              `json:"dispatch"`
}

// Manager ties the tenant stores to the queue, the heartbeat sweep and the
// drain loop. It is the EventListener every store reports to.
type Manager struct {
	provider   subscription.TenantProvider
	registry   *Registry
	queue      *RequestQueue
	heartbeat  *HeartbeatScheduler
	dispatcher *Dispatcher
	metrics    *Metrics
	opts       options
	logger     zerolog.Logger

	storesMu sync.RWMutex
	stores   map[string]subscription.Store

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a stopped manager.
func NewManager(provider subscription.TenantProvider, registry *Registry, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	metrics := o.resolveMetrics()
	logger := o.logger.With().Str("component", "notify").Logger()
	o.logger = logger

	queue := NewRequestQueue()
	m := &Manager{
		provider:   provider,
		registry:   registry,
		queue:      queue,
		heartbeat:  NewHeartbeatScheduler(provider, queue, metrics, logger, o.now),
		dispatcher: newDispatcher(queue, registry, o),
		metrics:    metrics,
		opts:       o,
		logger:     logger,
		stores:     make(map[string]subscription.Store),
	}
	m.heartbeat.onStore = m.attach
	m.dispatcher.heartbeatDone = m.heartbeat.Done
	return m
}

// Start attaches the manager to every known store and starts the heartbeat
// and drain loops. The loops run until Stop is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	stores, err := m.provider.Stores(ctx)
	if err != nil {
		return err
	}
	for _, s := range stores {
		m.attach(s)
	}
	resumed := m.resumeHandshakes(ctx, stores)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		m.loop(gctx, m.opts.heartbeatInterval, func(c context.Context) { m.heartbeat.Sweep(c) })
		return nil
	})
	g.Go(func() error {
		m.loop(gctx, m.opts.drainInterval, func(c context.Context) { m.dispatcher.Drain(c) })
		return nil
	})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	m.logger.Info().
		Int("tenants", len(stores)).
		Int("handshakes_resumed", resumed).
		Dur("heartbeat_interval", m.opts.heartbeatInterval).
		Dur("drain_interval", m.opts.drainInterval).
		Int("workers", m.opts.workers).
		Msg("notification manager started")
	return nil
}

// resumeHandshakes queues a handshake for every subscription still in the
// requested state, such as rows created while the server was down.
func (m *Manager) resumeHandshakes(ctx context.Context, stores []subscription.Store) int {
	n := 0
	for _, s := range stores {
		subs, err := s.CurrentSubscriptions(ctx)
		if err != nil {
			m.logger.Error().Err(err).Str("tenant", s.Tenant()).Msg("failed to list subscriptions for pending handshakes")
			continue
		}
		for _, sub := range subs {
			if sub.Status() != subscription.StatusRequested {
				continue
			}
			m.enqueue(subscription.SendEventArgs{
				Tenant:       s.Tenant(),
				Subscription: sub,
				Type:         subscription.NotificationHandshake,
			})
			n++
		}
	}
	return n
}

func (m *Manager) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Stop cancels the loops and waits for them, including any in-flight drain
// batch, until ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		m.logger.Info().Int("queued", m.queue.Len()).Msg("notification manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) attach(s subscription.Store) {
	tenant := s.Tenant()
	m.storesMu.Lock()
	_, known := m.stores[tenant]
	m.stores[tenant] = s
	m.storesMu.Unlock()
	if !known {
		s.AddListener(m)
		m.logger.Debug().Str("tenant", tenant).Msg("attached to tenant store")
	}
}

func (m *Manager) store(tenant string) (subscription.Store, bool) {
	m.storesMu.RLock()
	defer m.storesMu.RUnlock()
	s, ok := m.stores[tenant]
	return s, ok
}

// Attach subscribes the manager to a store created after Start.
func (m *Manager) Attach(s subscription.Store) {
	m.attach(s)
}

// OnSubscriptionsChanged implements subscription.EventListener.
func (m *Manager) OnSubscriptionsChanged(ctx context.Context, tenant string, change subscription.SubscriptionChange) {
	if change.RemovedID != "" {
		m.heartbeat.Forget(tenant, change.RemovedID)
	}
	if change.Changed == nil || !change.SendHandshake {
		return
	}
	m.enqueue(subscription.SendEventArgs{
		Tenant:       tenant,
		Subscription: change.Changed,
		Type:         subscription.NotificationHandshake,
	})
}

// OnSubscriptionSendEvent implements subscription.EventListener.
func (m *Manager) OnSubscriptionSendEvent(ctx context.Context, args subscription.SendEventArgs) {
	m.enqueue(args)
}

func (m *Manager) enqueue(args subscription.SendEventArgs) {
	if args.Subscription == nil {
		return
	}
	if args.Tenant == "" {
		args.Tenant = args.Subscription.Tenant
	}
	store, ok := m.store(args.Tenant)
	if !ok {
		m.logger.Warn().
			Str("tenant", args.Tenant).
			Str("subscription", args.Subscription.ID).
			Str("type", string(args.Type)).
			Msg("dropping notification for unattached tenant")
		return
	}
	m.queue.Enqueue(Request{Store: store, Args: args, EnqueuedAt: m.opts.now()})
	m.metrics.RequestsEnqueued.WithLabelValues(string(args.Type)).Inc()
	m.metrics.QueueDepth.Set(float64(m.queue.Len()))
}

// Stats reports queue depth and dispatch counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	running := m.cancel != nil
	m.mu.Unlock()
	m.storesMu.RLock()
	tenants := len(m.stores)
	m.storesMu.RUnlock()

	return Stats{
		Running:              running,
		QueueDepth:           m.queue.Len(),
		OutstandingHeartbeat: m.heartbeat.Outstanding(),
		Tenants:              tenants,
		Channels:             m.registry.Types(),
		Dispatch:             m.dispatcher.Stats(),
	}
}

// Subscriptions returns the current subscriptions of an attached tenant.
func (m *Manager) Subscriptions(ctx context.Context, tenant string) ([]*subscription.Subscription, error) {
	store, ok := m.store(tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return store.CurrentSubscriptions(ctx)
}
