package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ehr/notify/internal/domain/subscription"
)

// ErrUnsupportedNotificationType is returned for query-status and
// query-event requests, which no producer may enqueue.
var ErrUnsupportedNotificationType = errors.New("unsupported notification type")

// DispatchStats are cumulative dispatch counters.
type DispatchStats struct {
	Dispatched int64 `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Discarded  int64 `json:"discarded"`
	Rejected   int64 `json:"rejected"`
}

// Dispatcher drains the request queue through a bounded worker pool.
type Dispatcher struct {
	queue    *RequestQueue
	registry *Registry
	opts     options
	metrics  *Metrics

	// heartbeatDone is told when a heartbeat request has been processed.
	heartbeatDone func(tenant, id string)

	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	discarded  atomic.Int64
	rejected   atomic.Int64
}

// NewDispatcher creates a dispatcher for queue.
func NewDispatcher(queue *RequestQueue, registry *Registry, opts ...Option) *Dispatcher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newDispatcher(queue, registry, o)
}

func newDispatcher(queue *RequestQueue, registry *Registry, o options) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		opts:     o,
		metrics:  o.resolveMetrics(),
	}
}

// Drain dispatches queued requests until the queue is empty, then waits for
// the batch to finish. Dispatches run on a context detached from ctx's
// cancellation; cancelling ctx only stops further dequeues.
func (d *Dispatcher) Drain(ctx context.Context) int {
	work := context.WithoutCancel(ctx)
	p := pool.New().WithMaxGoroutines(d.opts.workers)

	n := 0
	for ctx.Err() == nil {
		req, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		n++
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
		p.Go(func() {
			_ = d.Dispatch(work, req)
		})
	}
	p.Wait()
	d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	return n
}

// Dispatch processes one request. The returned error is informational:
// delivery failures are already recorded on the subscription.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (err error) {
	args := req.Args
	sub := args.Subscription
	if sub == nil || req.Store == nil {
		d.rejected.Add(1)
		return errors.New("notify: request without subscription or store")
	}
	if args.Tenant == "" {
		args.Tenant = req.Store.Tenant()
		req.Args = args
	}
	d.dispatched.Add(1)

	logger := d.opts.logger.With().
		Str("tenant", args.Tenant).
		Str("subscription", sub.ID).
		Str("type", string(args.Type)).
		Str("channel", string(sub.Channel.Type)).
		Logger()

	if args.Type == subscription.NotificationHeartbeat && d.heartbeatDone != nil {
		defer d.heartbeatDone(args.Tenant, sub.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered in notification dispatch")
			err = d.fail(ctx, req, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	switch args.Type {
	case subscription.NotificationEventNotification:
		if len(args.Events) == 0 {
			d.discarded.Add(1)
			d.count(sub, args.Type, OutcomeDiscarded)
			logger.Debug().Msg("discarding event notification without events")
			return nil
		}
	case subscription.NotificationHandshake, subscription.NotificationHeartbeat:
	default:
		d.rejected.Add(1)
		d.count(sub, args.Type, OutcomeUnsupported)
		err := fmt.Errorf("%w: %q", ErrUnsupportedNotificationType, args.Type)
		logger.Error().Err(err).Msg("notification type cannot be dispatched")
		return err
	}

	ch, err := d.registry.Resolve(sub.Channel.Type)
	if err != nil {
		d.rejected.Add(1)
		d.count(sub, args.Type, OutcomeUnknown)
		logger.Error().Err(err).Msg("dropping notification request")
		return err
	}

	n, err := d.build(ctx, req, ch)
	if err != nil {
		return d.fail(ctx, req, err, logger)
	}

	if isTestSink(sub.Channel.Endpoint, d.opts.testSinkDomains) {
		logger.Debug().Str("endpoint", sub.Channel.Endpoint).Msg("test sink endpoint, skipping transport")
	} else {
		start := time.Now()
		err = send(ctx, ch, n)
		d.metrics.DeliveryDuration.WithLabelValues(string(sub.Channel.Type)).Observe(time.Since(start).Seconds())
		if err != nil {
			return d.fail(ctx, req, err, logger)
		}
	}

	d.succeed(ctx, req, logger)
	return nil
}

func (d *Dispatcher) build(ctx context.Context, req Request, ch Channel) (*Notification, error) {
	args := req.Args
	sub := args.Subscription
	isEvent := args.Type == subscription.NotificationEventNotification
	includeResources := isEvent && sub.Channel.ContentType == subscription.ContentFullResource

	payload, err := req.Store.SerializeSubscriptionEvents(ctx, sub, args.EventNumbers(), args.Type, includeResources)
	if err != nil {
		return nil, fmt.Errorf("serialize notification: %w", err)
	}

	n := &Notification{
		Tenant:          args.Tenant,
		SubscriptionID:  sub.ID,
		Topic:           sub.Topic,
		Channel:         sub.Channel,
		Type:            args.Type,
		Payload:         payload,
		Events:          args.Events,
		TransactionTime: d.opts.now(),
	}
	if rc, ok := ch.(ResourceConsumer); ok && isEvent && rc.NeedsResources() {
		resources, err := req.Store.LoadEventResources(ctx, sub, args.Events)
		if err != nil {
			return nil, fmt.Errorf("load event resources: %w", err)
		}
		n.Resources = resources
	}
	return n, nil
}

func send(ctx context.Context, ch Channel, n *Notification) error {
	switch n.Type {
	case subscription.NotificationHandshake:
		if hs, ok := ch.(HandshakeSender); ok {
			return hs.SendHandshake(ctx, n)
		}
	case subscription.NotificationHeartbeat:
		if hb, ok := ch.(HeartbeatSender); ok {
			return hb.SendHeartbeat(ctx, n)
		}
	}
	return ch.Deliver(ctx, n)
}

func (d *Dispatcher) succeed(ctx context.Context, req Request, logger zerolog.Logger) {
	args := req.Args
	sub := args.Subscription

	if args.Type == subscription.NotificationHandshake && sub.Activate() {
		if err := req.Store.ChangeSubscriptionStatus(ctx, sub.ID, subscription.StatusActive); err != nil {
			logger.Error().Err(err).Msg("failed to record subscription activation")
		} else {
			logger.Info().Msg("subscription activated after handshake")
		}
	}
	sub.RecordSuccess(d.opts.now(), args.MaxEventNumber())
	d.persist(ctx, req, logger)

	d.succeeded.Add(1)
	d.count(sub, args.Type, OutcomeSuccess)
	logger.Debug().Int("events", len(args.Events)).Msg("notification delivered")
}

// fail records a failed send on the subscription. The status is untouched.
func (d *Dispatcher) fail(ctx context.Context, req Request, err error, logger zerolog.Logger) error {
	args := req.Args
	sub := args.Subscription

	reason := err.Error()
	var de *DeliveryError
	if errors.As(err, &de) {
		reason = de.Reason
	}
	message := fmt.Sprintf("%s POST to %s failed: %s", args.Type, sub.Channel.Endpoint, reason)
	sub.RecordFailure(d.opts.now(), message)
	d.persist(ctx, req, logger)

	d.failed.Add(1)
	d.count(sub, args.Type, OutcomeFailure)
	logger.Warn().Err(err).Str("endpoint", sub.Channel.Endpoint).Msg("notification delivery failed")
	return err
}

func (d *Dispatcher) persist(ctx context.Context, req Request, logger zerolog.Logger) {
	p, ok := req.Store.(subscription.StatePersister)
	if !ok {
		return
	}
	if err := p.PersistNotificationState(ctx, req.Args.Subscription); err != nil {
		logger.Error().Err(err).Msg("failed to persist notification state")
	}
}

func (d *Dispatcher) count(sub *subscription.Subscription, t subscription.NotificationType, outcome string) {
	d.metrics.Deliveries.WithLabelValues(string(sub.Channel.Type), string(t), outcome).Inc()
}

// Stats returns the cumulative counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Dispatched: d.dispatched.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		Discarded:  d.discarded.Load(),
		Rejected:   d.rejected.Load(),
	}
}
