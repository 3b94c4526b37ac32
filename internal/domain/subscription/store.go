package subscription

import (
	"context"
	"errors"
)

// ErrSubscriptionNotFound is returned when a store has no subscription with the given ID.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionChange describes a change to a tenant's set of subscriptions.
// Changed is nil when only a removal is reported.
type SubscriptionChange struct {
	Changed       *Subscription
	SendHandshake bool
	RemovedID     string
}

// EventListener receives the signals a tenant store raises.
type EventListener interface {
	OnSubscriptionsChanged(ctx context.Context, tenant string, change SubscriptionChange)
	OnSubscriptionSendEvent(ctx context.Context, args SendEventArgs)
}

// Store is the per-tenant data store that owns subscription records and
// raises subscription and change events.
type Store interface {
	// Tenant returns the tenant this store belongs to.
	Tenant() string
	// AddListener registers l for this store's signals.
	AddListener(l EventListener)
	// CurrentSubscriptions returns a snapshot of the tenant's subscriptions.
	CurrentSubscriptions(ctx context.Context) ([]*Subscription, error)
	// ChangeSubscriptionStatus records a status change made by the dispatch engine.
	ChangeSubscriptionStatus(ctx context.Context, id string, status Status) error
	// SerializeSubscriptionEvents builds the wire payload for a notification.
	SerializeSubscriptionEvents(ctx context.Context, sub *Subscription, eventNumbers []int64, t NotificationType, includeResources bool) ([]byte, error)
	// LoadEventResources materializes the resources referenced by events.
	LoadEventResources(ctx context.Context, sub *Subscription, events []NotificationEvent) ([]Resource, error)
}

// StatePersister is implemented by stores that keep notification state durably.
// The dispatch engine calls it after every attempted send.
type StatePersister interface {
	PersistNotificationState(ctx context.Context, sub *Subscription) error
}

// TenantProvider enumerates the tenant stores currently known.
type TenantProvider interface {
	Stores(ctx context.Context) ([]Store, error)
}

// StaticTenants is a TenantProvider over a fixed set of stores.
type StaticTenants []Store

// Stores implements TenantProvider.
func (s StaticTenants) Stores(_ context.Context) ([]Store, error) {
	out := make([]Store, len(s))
	copy(out, s)
	return out, nil
}
