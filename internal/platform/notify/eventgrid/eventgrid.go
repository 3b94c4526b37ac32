// Package eventgrid registers the event-grid channel. Publishing to an event
// grid topic is not implemented; sends are logged and reported as delivered.
package eventgrid

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/notify/internal/domain/subscription"
	"github.com/ehr/notify/internal/platform/notify"
)

func init() {
	notify.RegisterChannel(subscription.ChannelEventGrid, New)
}

// Channel is the event-grid channel.
type Channel struct {
	logger zerolog.Logger
}

// New builds the channel from the shared dependencies.
func New(deps notify.Dependencies) (notify.Channel, error) {
	return &Channel{
		logger: deps.Logger.With().Str("channel", string(subscription.ChannelEventGrid)).Logger(),
	}, nil
}

// Deliver logs n and reports success.
func (c *Channel) Deliver(_ context.Context, n *notify.Notification) error {
	c.logger.Info().
		Str("tenant", n.Tenant).
		Str("subscription", n.SubscriptionID).
		Str("endpoint", n.Channel.Endpoint).
		Str("type", string(n.Type)).
		Int("events", len(n.Events)).
		Msg("event-grid delivery is not implemented, reporting success")
	return nil
}
