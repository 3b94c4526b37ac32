// Package resthook delivers notifications by POSTing the serialized bundle
// to the subscription endpoint.
package resthook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/subscription"
	"github.com/ehr/notify/internal/platform/notify"
	"github.com/ehr/notify/internal/platform/webhook"
)

const (
	// TimestampHeader carries the transaction time of the notification.
	TimestampHeader = "X-Notification-Timestamp"
	// TypeHeader carries the notification type.
	TypeHeader = "X-Notification-Type"
)

func init() {
	notify.RegisterChannel(subscription.ChannelRestHook, New)
}

// Channel is the rest-hook channel.
type Channel struct {
	client *http.Client
	signer *webhook.Signer
	logger zerolog.Logger
}

// New builds the channel from the shared dependencies.
func New(deps notify.Dependencies) (notify.Channel, error) {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Channel{
		client: client,
		signer: deps.Signer,
		logger: deps.Logger.With().Str("channel", string(subscription.ChannelRestHook)).Logger(),
	}, nil
}

// SendHandshake posts the handshake bundle.
func (c *Channel) SendHandshake(ctx context.Context, n *notify.Notification) error {
	return c.post(ctx, n)
}

// SendHeartbeat posts the heartbeat bundle.
func (c *Channel) SendHeartbeat(ctx context.Context, n *notify.Notification) error {
	return c.post(ctx, n)
}

// Deliver posts an event-notification bundle.
func (c *Channel) Deliver(ctx context.Context, n *notify.Notification) error {
	return c.post(ctx, n)
}

func (c *Channel) post(ctx context.Context, n *notify.Notification) error {
	endpoint := n.Channel.Endpoint
	if _, err := webhook.ValidateEndpoint(endpoint); err != nil {
		return &notify.DeliveryError{Endpoint: endpoint, Reason: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(n.Payload))
	if err != nil {
		return &notify.DeliveryError{Endpoint: endpoint, Reason: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", n.Channel.MimeType())
	req.Header.Set(TypeHeader, string(n.Type))
	req.Header.Set(TimestampHeader, n.TransactionTime.UTC().Format(time.RFC3339))
	for _, p := range n.Channel.Parameters {
		for _, v := range p.Values {
			req.Header.Add(p.Name, v)
		}
	}
	if err := c.sign(req, n); err != nil {
		return &notify.DeliveryError{Endpoint: endpoint, Reason: err.Error(), Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &notify.DeliveryError{Endpoint: endpoint, Reason: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("type", string(n.Type)).
			Int("status", resp.StatusCode).
			Msg("rest-hook delivered")
		return nil
	}
	return &notify.DeliveryError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Reason:     resp.Status,
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
}

// sign adds the HMAC signature and, unless the subscription supplies its own
// Authorization header, a bearer token bound to the payload.
func (c *Channel) sign(req *http.Request, n *notify.Notification) error {
	if c.signer == nil {
		return nil
	}
	req.Header.Set(webhook.SignatureHeader, c.signer.Signature(n.Payload))
	if req.Header.Get("Authorization") != "" {
		return nil
	}
	token, err := c.signer.Token(n.Payload, n.Tenant, "Subscription/"+n.SubscriptionID, n.Channel.Endpoint, string(n.Type))
	if err != nil {
		return fmt.Errorf("sign notification: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
