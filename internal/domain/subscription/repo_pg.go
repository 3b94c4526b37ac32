package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStoreOption configures a PGStore.
type PGStoreOption func(*PGStore)

// WithMaxConsecutiveErrors moves an active subscription to the error status
// after n consecutive failed sends. Zero disables the policy.
func WithMaxConsecutiveErrors(n int) PGStoreOption {
	return func(s *PGStore) { s.maxConsecutiveErrors = n }
}

// WithBaseURL sets the server base URL used in notification references.
func WithBaseURL(u string) PGStoreOption {
	return func(s *PGStore) { s.baseURL = u }
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(l zerolog.Logger) PGStoreOption {
	return func(s *PGStore) { s.logger = l }
}

// PGStore is a tenant store backed by the tenant's PostgreSQL schema. Loaded
// subscriptions are cached so that in-memory notification state survives
// between sweeps; the cache is refreshed by PGListener notices.
type PGStore struct {
	db                   queryable
	tenant               string
	schema               string
	baseURL              string
	maxConsecutiveErrors int
	logger               zerolog.Logger

	mu        sync.RWMutex
	loaded    bool
	cache     map[string]*Subscription
	listeners []EventListener
}

// NewPGStore creates a store for tenant. The tenant identifier must match
// the schema naming rules.
func NewPGStore(q queryable, tenant string, opts ...PGStoreOption) (*PGStore, error) {
	if !db.ValidTenantID(tenant) {
		return nil, fmt.Errorf("invalid tenant identifier: %s", tenant)
	}
	s := &PGStore{
		db:     q,
		tenant: tenant,
		schema: db.SchemaName(tenant),
		logger: zerolog.Nop(),
		cache:  make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *PGStore) Tenant() string { return s.tenant }

func (s *PGStore) AddListener(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *PGStore) snapshotListeners() []EventListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EventListener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *PGStore) table(name string) string {
	return s.schema + "." + name
}

const subCols = `id, topic, status, channel_type, channel_endpoint, channel_content,
	channel_payload, channel_headers, heartbeat_period, last_communication,
	last_error, max_event_number_sent, consecutive_errors`

func scanSub(row pgx.Row, tenant string) (*Subscription, error) {
	var (
		sub      Subscription
		status   string
		chType   string
		content  string
		headers  []string
		lastComm *time.Time
		lastErr  *string
		state    State
	)
	err := row.Scan(&sub.ID, &sub.Topic, &status, &chType, &sub.Channel.Endpoint, &content,
		&sub.Channel.PayloadMimeType, &headers, &sub.HeartbeatInterval, &lastComm,
		&lastErr, &state.MaxEventNumberSent, &state.ConsecutiveErrors)
	if err != nil {
		return nil, err
	}
	sub.Tenant = tenant
	sub.Channel.Type = ChannelType(chType)
	sub.Channel.ContentType = ContentType(content)
	sub.Channel.Parameters = ParseHeaderParameters(headers)
	state.Status = Status(status)
	if lastComm != nil {
		state.LastCommunication = lastComm.UTC()
	}
	if lastErr != nil {
		state.LastError = *lastErr
	}
	sub.Restore(state)
	return &sub, nil
}

// Load reads every subscription of the tenant into the cache, replacing it.
func (s *PGStore) Load(ctx context.Context) error {
	rows, err := s.db.Query(ctx, `SELECT `+subCols+` FROM `+s.table("subscription")+` ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("load subscriptions for %s: %w", s.tenant, err)
	}
	defer rows.Close()

	cache := make(map[string]*Subscription)
	for rows.Next() {
		sub, err := scanSub(rows, s.tenant)
		if err != nil {
			return fmt.Errorf("scan subscription: %w", err)
		}
		cache[sub.ID] = sub
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = cache
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Reload re-reads one subscription. It returns ErrSubscriptionNotFound when
// the row is gone, in which case the cache entry is dropped too.
func (s *PGStore) Reload(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSub(s.db.QueryRow(ctx, `SELECT `+subCols+` FROM `+s.table("subscription")+` WHERE id = $1`, id), s.tenant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.forget(id)
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("reload subscription %s: %w", id, err)
	}
	s.mu.Lock()
	s.cache[id] = sub
	s.mu.Unlock()
	return sub, nil
}

func (s *PGStore) forget(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func (s *PGStore) cached(id string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.cache[id]
	return sub, ok
}

func (s *PGStore) CurrentSubscriptions(ctx context.Context) ([]*Subscription, error) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if !loaded {
		if err := s.Load(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.cache))
	for _, sub := range s.cache {
		out = append(out, sub)
	}
	return out, nil
}

func (s *PGStore) ChangeSubscriptionStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.db.Exec(ctx, `UPDATE `+s.table("subscription")+` SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("change status of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	if sub, ok := s.cached(id); ok {
		sub.SetStatus(status)
	}
	return nil
}

// PersistNotificationState writes the notification state of sub and applies
// the consecutive error policy.
func (s *PGStore) PersistNotificationState(ctx context.Context, sub *Subscription) error {
	st := sub.Snapshot()
	demote := s.maxConsecutiveErrors > 0 && st.Status == StatusActive && st.ConsecutiveErrors >= s.maxConsecutiveErrors

	var lastComm *time.Time
	if !st.LastCommunication.IsZero() {
		t := st.LastCommunication
		lastComm = &t
	}
	var lastErr *string
	if st.LastError != "" {
		e := st.LastError
		lastErr = &e
	}
	_, err := s.db.Exec(ctx, `
		UPDATE `+s.table("subscription")+` SET last_communication = $2, last_error = $3,
			max_event_number_sent = GREATEST(max_event_number_sent, $4), consecutive_errors = $5,
			updated_at = NOW()
		WHERE id = $1`,
		sub.ID, lastComm, lastErr, st.MaxEventNumberSent, st.ConsecutiveErrors)
	if err != nil {
		return fmt.Errorf("persist notification state of %s: %w", sub.ID, err)
	}
	if !demote {
		return nil
	}
	s.logger.Warn().
		Str("tenant", s.tenant).
		Str("subscription", sub.ID).
		Int("consecutive_errors", st.ConsecutiveErrors).
		Msg("moving subscription to error after repeated delivery failures")
	if err := s.ChangeSubscriptionStatus(ctx, sub.ID, StatusError); err != nil {
		return err
	}
	sub.SetStatus(StatusError)
	return nil
}

const eventCols = `event_number, resource_type, resource_id, version_id, resource, created_at`

func (s *PGStore) queryEvents(ctx context.Context, subscriptionID string, numbers []int64) ([]NotificationEvent, []Resource, error) {
	rows, err := s.db.Query(ctx, `SELECT `+eventCols+` FROM `+s.table("subscription_event")+`
		WHERE subscription_id = $1 AND event_number = ANY($2) ORDER BY event_number`, subscriptionID, numbers)
	if err != nil {
		return nil, nil, fmt.Errorf("query events for %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	var (
		events    []NotificationEvent
		resources []Resource
	)
	for rows.Next() {
		var (
			ev        NotificationEvent
			r         Resource
			versionID *string
			body      []byte
			created   time.Time
		)
		if err := rows.Scan(&ev.EventNumber, &r.ResourceType, &r.ID, &versionID, &body, &created); err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		if versionID != nil {
			r.VersionID = *versionID
		}
		r.Body = body
		r.LastUpdated = created.UTC()
		ev.Focus = r.Ref()
		ev.Timestamp = created.UTC()
		events = append(events, ev)
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(events) != len(numbers) {
		return nil, nil, fmt.Errorf("events %s: found %d of %d for subscription %s",
			formatNumbers(numbers), len(events), len(numbers), subscriptionID)
	}
	return events, resources, nil
}

func formatNumbers(numbers []int64) string {
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}

func (s *PGStore) SerializeSubscriptionEvents(ctx context.Context, sub *Subscription, eventNumbers []int64, t NotificationType, includeResources bool) ([]byte, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table("subscription_event")+` WHERE subscription_id = $1`, sub.ID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count events for %s: %w", sub.ID, err)
	}
	var (
		events    []NotificationEvent
		resources []Resource
	)
	if len(eventNumbers) > 0 {
		var err error
		events, resources, err = s.queryEvents(ctx, sub.ID, eventNumbers)
		if err != nil {
			return nil, err
		}
	}
	return buildPayload(s.baseURL, sub, t, events, resources, count, includeResources, timeNow())
}

func (s *PGStore) LoadEventResources(ctx context.Context, sub *Subscription, events []NotificationEvent) ([]Resource, error) {
	if len(events) == 0 {
		return nil, nil
	}
	numbers := make([]int64, len(events))
	for i, ev := range events {
		numbers[i] = ev.EventNumber
	}
	_, resources, err := s.queryEvents(ctx, sub.ID, numbers)
	return resources, err
}

// PGTenantProvider discovers tenants from the tenant_* schemas and keeps one
// PGStore per tenant.
type PGTenantProvider struct {
	db     queryable
	opts   []PGStoreOption
	logger zerolog.Logger

	mu     sync.Mutex
	stores map[string]*PGStore
}

// NewPGTenantProvider creates a provider. opts are applied to every store.
func NewPGTenantProvider(q queryable, opts ...PGStoreOption) *PGTenantProvider {
	// the provider logs with the same logger as its stores
	cfg := &PGStore{logger: zerolog.Nop()}
	for _, o := range opts {
		o(cfg)
	}
	return &PGTenantProvider{db: q, opts: opts, logger: cfg.logger, stores: make(map[string]*PGStore)}
}

// Stores implements TenantProvider.
func (p *PGTenantProvider) Stores(ctx context.Context) ([]Store, error) {
	tenants, err := db.ListTenants(ctx, p.db)
	if err != nil {
		return nil, err
	}

	return p.storesFor(tenants), nil
}

// storesFor returns the stores of tenants, skipping and logging any tenant
// a store cannot be built for.
func (p *PGTenantProvider) storesFor(tenants []string) []Store {
	out := make([]Store, 0, len(tenants))
	for _, tenant := range tenants {
		st, err := p.store(tenant)
		if err != nil {
			p.logger.Error().Err(err).Str("tenant", tenant).Msg("skipping tenant without a usable store")
			continue
		}
		out = append(out, st)
	}
	return out
}

// Lookup returns the store already created for tenant.
func (p *PGTenantProvider) Lookup(tenant string) (*PGStore, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stores[tenant]
	return st, ok
}

func (p *PGTenantProvider) store(tenant string) (*PGStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.stores[tenant]; ok {
		return st, nil
	}
	st, err := NewPGStore(p.db, tenant, p.opts...)
	if err != nil {
		return nil, err
	}
	p.stores[tenant] = st
	return st, nil
}
