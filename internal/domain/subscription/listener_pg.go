package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NotifyChannel is the PostgreSQL NOTIFY channel that subscription changes
// and matched events are published on.
const NotifyChannel = "subscription_events"

const maxReconnectInterval = 30 * time.Second

// Notice kinds published on NotifyChannel.
const (
	NoticeChanged = "changed"
	NoticeRemoved = "removed"
	NoticeEvent   = "event"
)

// Notice is the JSON payload of a NotifyChannel notification.
type Notice struct {
	Tenant         string              `json:"tenant"`
	Kind           string              `json:"kind"`
	SubscriptionID string              `json:"subscription_id"`
	Handshake      bool                `json:"handshake,omitempty"`
	Events         []NotificationEvent `json:"events,omitempty"`
}

// DecodeNotice parses and validates a notification payload.
func DecodeNotice(payload []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(payload, &n); err != nil {
		return n, fmt.Errorf("decode notice: %w", err)
	}
	if n.Tenant == "" || n.SubscriptionID == "" {
		return n, errors.New("notice requires tenant and subscription_id")
	}
	switch n.Kind {
	case NoticeChanged, NoticeRemoved, NoticeEvent:
	default:
		return n, fmt.Errorf("unknown notice kind %q", n.Kind)
	}
	return n, nil
}

// applyNotice refreshes the cache for n and raises the matching listener
// callbacks.
func (s *PGStore) applyNotice(ctx context.Context, n Notice) error {
	switch n.Kind {
	case NoticeRemoved:
		s.forget(n.SubscriptionID)
		for _, l := range s.snapshotListeners() {
			l.OnSubscriptionsChanged(ctx, s.tenant, SubscriptionChange{RemovedID: n.SubscriptionID})
		}
		return nil

	case NoticeChanged:
		sub, err := s.Reload(ctx, n.SubscriptionID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			for _, l := range s.snapshotListeners() {
				l.OnSubscriptionsChanged(ctx, s.tenant, SubscriptionChange{RemovedID: n.SubscriptionID})
			}
			return nil
		}
		if err != nil {
			return err
		}
		change := SubscriptionChange{Changed: sub, SendHandshake: n.Handshake && sub.Status() == StatusRequested}
		for _, l := range s.snapshotListeners() {
			l.OnSubscriptionsChanged(ctx, s.tenant, change)
		}
		return nil

	case NoticeEvent:
		if len(n.Events) == 0 {
			return nil
		}
		sub, ok := s.cached(n.SubscriptionID)
		if !ok {
			var err error
			if sub, err = s.Reload(ctx, n.SubscriptionID); err != nil {
				return err
			}
		}
		args := SendEventArgs{Tenant: s.tenant, Subscription: sub, Type: NotificationEventNotification, Events: n.Events}
		for _, l := range s.snapshotListeners() {
			l.OnSubscriptionSendEvent(ctx, args)
		}
		return nil
	}
	return fmt.Errorf("unknown notice kind %q", n.Kind)
}

// PGListener turns NOTIFY messages into store signals. It holds one
// dedicated connection and reconnects with exponential backoff.
type PGListener struct {
	pool     *pgxpool.Pool
	provider *PGTenantProvider
	logger   zerolog.Logger
}

// NewPGListener creates a listener that routes notices to provider's stores.
func NewPGListener(pool *pgxpool.Pool, provider *PGTenantProvider, logger zerolog.Logger) *PGListener {
	return &PGListener{pool: pool, provider: provider, logger: logger}
}

// Run listens until ctx is cancelled.
func (l *PGListener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval

	for {
		err := l.listen(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		l.logger.Warn().Err(err).Dur("retry_in", sleep).Msg("subscription listener disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (l *PGListener) listen(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	bo.Reset()
	l.logger.Info().Str("channel", NotifyChannel).Msg("subscription listener connected")

	for {
		msg, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.Handle(ctx, []byte(msg.Payload))
	}
}

// Handle processes one notification payload. Errors are logged.
func (l *PGListener) Handle(ctx context.Context, payload []byte) {
	n, err := DecodeNotice(payload)
	if err != nil {
		l.logger.Error().Err(err).Msg("invalid subscription notice")
		return
	}
	store, err := l.provider.store(n.Tenant)
	if err != nil {
		l.logger.Error().Err(err).Str("tenant", n.Tenant).Msg("subscription notice for invalid tenant")
		return
	}
	if err := store.applyNotice(ctx, n); err != nil {
		l.logger.Error().Err(err).
			Str("tenant", n.Tenant).
			Str("subscription", n.SubscriptionID).
			Str("kind", n.Kind).
			Msg("failed to apply subscription notice")
	}
}
