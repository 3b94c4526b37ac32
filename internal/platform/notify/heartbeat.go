package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/subscription"
)

type subscriptionKey struct {
	tenant string
	id     string
}

// HeartbeatScheduler enqueues heartbeats for idle active subscriptions.
type HeartbeatScheduler struct {
	provider subscription.TenantProvider
	queue    *RequestQueue
	metrics  *Metrics
	logger   zerolog.Logger
	now      func() time.Time

	// onStore is called with every store seen by a sweep.
	onStore func(subscription.Store)

	mu          sync.Mutex
	outstanding map[subscriptionKey]struct{}
}

// NewHeartbeatScheduler creates a scheduler over provider's stores.
func NewHeartbeatScheduler(provider subscription.TenantProvider, queue *RequestQueue, metrics *Metrics, logger zerolog.Logger, now func() time.Time) *HeartbeatScheduler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &HeartbeatScheduler{
		provider:    provider,
		queue:       queue,
		metrics:     metrics,
		logger:      logger,
		now:         now,
		outstanding: make(map[subscriptionKey]struct{}),
	}
}

// Sweep runs one heartbeat pass and returns the number of heartbeats
// enqueued. Store errors are logged and skipped.
func (h *HeartbeatScheduler) Sweep(ctx context.Context) int {
	stores, err := h.provider.Stores(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("heartbeat sweep: failed to list tenant stores")
		return 0
	}

	enqueued := 0
	for _, store := range stores {
		if h.onStore != nil {
			h.onStore(store)
		}
		subs, err := store.CurrentSubscriptions(ctx)
		if err != nil {
			h.logger.Error().Err(err).Str("tenant", store.Tenant()).Msg("heartbeat sweep: failed to list subscriptions")
			continue
		}
		now := h.now()
		for _, sub := range subs {
			if h.sweepOne(store, sub, now) {
				enqueued++
			}
		}
	}
	return enqueued
}

func (h *HeartbeatScheduler) sweepOne(store subscription.Store, sub *subscription.Subscription, now time.Time) bool {
	key := subscriptionKey{tenant: store.Tenant(), id: sub.ID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.outstanding[key]; busy {
		return false
	}

	due, seeded := sub.ClaimHeartbeat(now)
	if seeded {
		h.metrics.HeartbeatsSeeded.Inc()
		return false
	}
	if !due {
		return false
	}

	h.outstanding[key] = struct{}{}
	h.queue.Enqueue(Request{
		Store: store,
		Args: subscription.SendEventArgs{
			Tenant:       store.Tenant(),
			Subscription: sub,
			Type:         subscription.NotificationHeartbeat,
		},
		EnqueuedAt: now,
	})
	h.metrics.RequestsEnqueued.WithLabelValues(string(subscription.NotificationHeartbeat)).Inc()
	h.logger.Debug().Str("tenant", key.tenant).Str("subscription", key.id).Msg("heartbeat enqueued")
	return true
}

// Done clears the outstanding heartbeat of a subscription once dispatched.
func (h *HeartbeatScheduler) Done(tenant, id string) {
	h.mu.Lock()
	delete(h.outstanding, subscriptionKey{tenant: tenant, id: id})
	h.mu.Unlock()
}

// Forget drops all bookkeeping for a removed subscription.
func (h *HeartbeatScheduler) Forget(tenant, id string) {
	h.Done(tenant, id)
}

// Outstanding reports how many heartbeats are queued or in flight.
func (h *HeartbeatScheduler) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outstanding)
}
