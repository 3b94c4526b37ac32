package notify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultDrainInterval     = time.Second
	DefaultWorkers           = 8
)

type options struct {
	heartbeatInterval time.Duration
	drainInterval     time.Duration
	workers           int
	testSinkDomains   []string
	logger            zerolog.Logger
	now               func() time.Time
	registerer        prometheus.Registerer
	metrics           *Metrics
}

func defaultOptions() options {
	return options{
		heartbeatInterval: DefaultHeartbeatInterval,
		drainInterval:     DefaultDrainInterval,
		workers:           DefaultWorkers,
		logger:            zerolog.Nop(),
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (o *options) resolveMetrics() *Metrics {
	if o.metrics == nil {
		o.metrics = NewMetrics(o.registerer)
	}
	return o.metrics
}

// Option configures a Manager or Dispatcher.
type Option func(*options)

// WithHeartbeatInterval sets the heartbeat sweep period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithDrainInterval sets the queue drain period.
func WithDrainInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainInterval = d
		}
	}
}

// WithWorkers bounds the number of concurrent dispatches per drain.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithTestSinkDomains lists endpoint host domains whose sends succeed
// without touching the channel.
func WithTestSinkDomains(domains ...string) Option {
	return func(o *options) { o.testSinkDomains = append(o.testSinkDomains, domains...) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRegisterer registers the engine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithMetrics shares an existing metrics set.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}
