package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// timeNow is replaced in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

type storedEvent struct {
	subscriptionID string
	event          NotificationEvent
	resource       Resource
}

// InMemoryStore is a thread-safe tenant store kept entirely in memory. It
// raises listener callbacks synchronously on the calling goroutine.
type InMemoryStore struct {
	tenant  string
	baseURL string

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	order         []string
	events        map[int64]storedEvent
	eventCounts   map[string]int64
	nextEvent     int64
	listeners     []EventListener
	statusChanges []StatusChange
}

// StatusChange records a call to ChangeSubscriptionStatus.
type StatusChange struct {
	ID     string
	Status Status
}

// NewInMemoryStore creates an empty store for tenant. baseURL prefixes
// references in serialized notifications and may be empty.
func NewInMemoryStore(tenant, baseURL string) *InMemoryStore {
	return &InMemoryStore{
		tenant:        tenant,
		baseURL:       baseURL,
		subscriptions: make(map[string]*Subscription),
		events:        make(map[int64]storedEvent),
		eventCounts:   make(map[string]int64),
	}
}

func (s *InMemoryStore) Tenant() string { return s.tenant }

func (s *InMemoryStore) AddListener(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *InMemoryStore) snapshotListeners() []EventListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EventListener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

// Create adds sub to the store. A subscription in the requested state
// triggers a handshake signal.
func (s *InMemoryStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	sub.Tenant = s.tenant
	s.mu.Lock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		s.order = append(s.order, sub.ID)
	}
	s.subscriptions[sub.ID] = sub
	s.mu.Unlock()

	change := SubscriptionChange{Changed: sub, SendHandshake: sub.Status() == StatusRequested}
	for _, l := range s.snapshotListeners() {
		l.OnSubscriptionsChanged(ctx, s.tenant, change)
	}
	return nil
}

// Delete removes the subscription and reports the removal to listeners.
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.subscriptions[id]; !ok {
		s.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	delete(s.subscriptions, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	for _, l := range s.snapshotListeners() {
		l.OnSubscriptionsChanged(ctx, s.tenant, SubscriptionChange{RemovedID: id})
	}
	return nil
}

// Get returns the subscription with id.
func (s *InMemoryStore) Get(id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// PublishEvent records one event per resource for the subscription and
// raises a single send-event signal carrying all of them.
func (s *InMemoryStore) PublishEvent(ctx context.Context, subscriptionID string, resources ...Resource) ([]NotificationEvent, error) {
	s.mu.Lock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSubscriptionNotFound
	}
	now := timeNow()
	events := make([]NotificationEvent, 0, len(resources))
	for _, r := range resources {
		s.nextEvent++
		ev := NotificationEvent{EventNumber: s.nextEvent, Focus: r.Ref(), Timestamp: now}
		if r.LastUpdated.IsZero() {
			r.LastUpdated = now
		}
		s.events[ev.EventNumber] = storedEvent{subscriptionID: subscriptionID, event: ev, resource: r}
		s.eventCounts[subscriptionID]++
		events = append(events, ev)
	}
	s.mu.Unlock()

	args := SendEventArgs{Tenant: s.tenant, Subscription: sub, Type: NotificationEventNotification, Events: events}
	for _, l := range s.snapshotListeners() {
		l.OnSubscriptionSendEvent(ctx, args)
	}
	return events, nil
}

func (s *InMemoryStore) CurrentSubscriptions(_ context.Context) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.subscriptions[id])
	}
	return out, nil
}

func (s *InMemoryStore) ChangeSubscriptionStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.SetStatus(status)
	s.statusChanges = append(s.statusChanges, StatusChange{ID: id, Status: status})
	return nil
}

// StatusChanges returns every status change made through ChangeSubscriptionStatus.
func (s *InMemoryStore) StatusChanges() []StatusChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StatusChange, len(s.statusChanges))
	copy(out, s.statusChanges)
	return out
}

func (s *InMemoryStore) SerializeSubscriptionEvents(_ context.Context, sub *Subscription, eventNumbers []int64, t NotificationType, includeResources bool) ([]byte, error) {
	s.mu.RLock()
	stored, err := s.lookupEvents(sub.ID, eventNumbers)
	count := s.eventCounts[sub.ID]
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	events := make([]NotificationEvent, len(stored))
	resources := make([]Resource, len(stored))
	for i, se := range stored {
		events[i] = se.event
		resources[i] = se.resource
	}
	return buildPayload(s.baseURL, sub, t, events, resources, count, includeResources, timeNow())
}

func (s *InMemoryStore) LoadEventResources(_ context.Context, sub *Subscription, events []NotificationEvent) ([]Resource, error) {
	numbers := make([]int64, len(events))
	for i, ev := range events {
		numbers[i] = ev.EventNumber
	}
	s.mu.RLock()
	stored, err := s.lookupEvents(sub.ID, numbers)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]Resource, len(stored))
	for i, se := range stored {
		out[i] = se.resource
	}
	return out, nil
}

// lookupEvents must be called with s.mu held.
func (s *InMemoryStore) lookupEvents(subscriptionID string, numbers []int64) ([]storedEvent, error) {
	sorted := make([]int64, len(numbers))
	copy(sorted, numbers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]storedEvent, 0, len(sorted))
	for _, n := range sorted {
		se, ok := s.events[n]
		if !ok || se.subscriptionID != subscriptionID {
			return nil, fmt.Errorf("event %d not found for subscription %s", n, subscriptionID)
		}
		out = append(out, se)
	}
	return out, nil
}
