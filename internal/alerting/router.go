// Package alerting routes clinical alerts to notification channels by severity.
//
// Each alert is routed at most once per idempotency key. Channels are attempted
// concurrently with a per-channel timeout; a failing channel never blocks or undoes
// the others, and its delivery is retried later through the store outbox.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/metrics"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
)

// Defaults for the router.
const (
	DefaultChannelTimeout = 10 * time.Second
	DefaultRetryDelay     = 30 * time.Second
)

// OutboxKindAlertDelivery is the outbox message kind for a retried channel delivery.
const OutboxKindAlertDelivery = "alert_delivery"

// Result is the outcome of routing one alert.
type Result struct {
	Duplicate  bool
	Deliveries []models.AlertDelivery
}

// Failed returns the channels whose delivery failed.
func (r Result) Failed() []models.Channel {
	var out []models.Channel
	for _, d := range r.Deliveries {
		if d.Status == models.DeliveryStatusFailed {
			out = append(out, d.Channel)
		}
	}
	return out
}

// DeliveryPayload is the outbox payload of a retried delivery.
type DeliveryPayload struct {
	AlertID string         `json:"alert_id"`
	Channel models.Channel `json:"channel"`
}

// Opts holds router configuration.
type Opts struct {
	ChannelTimeout time.Duration
	RetryDelay     time.Duration
	Ledger         Ledger
	Outbox         store.OutboxRepo
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Option defines a functional option for configuring the Router.
type Option func(*Opts)

// WithChannelTimeout bounds each channel send.
func WithChannelTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ChannelTimeout = d }
}

// WithRetryDelay sets the delay before the first outbox retry of a failed channel.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryDelay = d }
}

// WithLedger sets the idempotency ledger.
func WithLedger(l Ledger) Option {
	return func(o *Opts) { o.Ledger = l }
}

// WithOutbox enables durable retries of failed channel deliveries.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) { o.Outbox = repo }
}

// WithMetrics records delivery metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Router fans alerts out to channel senders.
type Router struct {
	opts    Opts
	store   store.Store
	senders map[models.Channel]Sender
}

// NewRouter creates a router that persists deliveries to st and sends through senders.
func NewRouter(st store.Store, senders []Sender, opts ...Option) *Router {
	cfg := Opts{
		ChannelTimeout: DefaultChannelTimeout,
		RetryDelay:     DefaultRetryDelay,
		Now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewInMemoryLedger()
	}
	r := &Router{opts: cfg, store: st, senders: make(map[models.Channel]Sender)}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

// Route delivers alert on every channel its severity maps to. It returns once every
// channel attempt has completed or failed. A ledger failure does not stop routing.
func (r *Router) Route(ctx context.Context, alert models.Alert) (Result, error) {
	key := alert.IdempotencyKey()
	claimed, err := r.opts.Ledger.Claim(ctx, key, alert.ID)
	if err != nil {
		slog.Warn("Router.Route: ledger unavailable, routing without dedup", "alertID", alert.ID, "error", err)
		claimed = true
	}
	if !claimed {
		slog.Debug("Router.Route: duplicate alert skipped", "alertID", alert.ID, "key", key)
		r.opts.Metrics.RecordDuplicateAlert()
		return Result{Duplicate: true}, nil
	}

	if err := r.store.SaveAlert(alert); err != nil {
		slog.Error("Router.Route: failed to persist alert", "alertID", alert.ID, "error", err)
	}

	var channels []models.Channel
	for _, ch := range ChannelsFor(alert.Severity) {
		if _, ok := r.senders[ch]; !ok {
			slog.Debug("Router.Route: channel not configured, skipping", "alertID", alert.ID, "channel", ch)
			continue
		}
		channels = append(channels, ch)
	}

	deliveries := make([]models.AlertDelivery, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch models.Channel) {
			defer wg.Done()
			deliveries[i] = r.deliver(ctx, alert, ch)
		}(i, ch)
	}
	wg.Wait()

	for _, d := range deliveries {
		if err := r.store.RecordDelivery(d); err != nil {
			slog.Error("Router.Route: failed to record delivery", "alertID", alert.ID, "channel", d.Channel, "error", err)
		}
		if d.Status == models.DeliveryStatusFailed {
			r.enqueueRetry(alert, d.Channel)
		}
	}
	if err := r.opts.Ledger.Complete(ctx, key); err != nil {
		slog.Warn("Router.Route: failed to mark alert key processed", "key", key, "error", err)
	}

	res := Result{Deliveries: deliveries}
	slog.Info("Router.Route: alert routed", "alertID", alert.ID, "severity", alert.Severity,
		"channels", len(deliveries), "failed", len(res.Failed()))
	return res, nil
}

// deliver runs one channel send under the channel timeout and recovers from sender panics.
func (r *Router) deliver(ctx context.Context, alert models.Alert, ch models.Channel) (d models.AlertDelivery) {
	d = models.AlertDelivery{AlertID: alert.ID, Channel: ch}
	defer func() {
		if p := recover(); p != nil {
			d.Status = models.DeliveryStatusFailed
			d.Error = fmt.Sprintf("panic: %v", p)
		}
		d.AttemptedAt = r.opts.Now()
		r.opts.Metrics.RecordDelivery(string(ch), string(d.Status))
	}()

	sendCtx, cancel := context.WithTimeout(ctx, r.opts.ChannelTimeout)
	defer cancel()

	if err := r.senders[ch].Send(sendCtx, alert); err != nil {
		slog.Warn("Router.deliver: channel failed", "alertID", alert.ID, "channel", ch, "error", err)
		d.Status = models.DeliveryStatusFailed
		d.Error = err.Error()
		return d
	}
	d.Status = models.DeliveryStatusSent
	return d
}

func (r *Router) enqueueRetry(alert models.Alert, ch models.Channel) {
	if r.opts.Outbox == nil {
		return
	}
	payload, err := json.Marshal(DeliveryPayload{AlertID: alert.ID, Channel: ch})
	if err != nil {
		return
	}
	_, err = r.opts.Outbox.EnqueueOutboxMessage(store.OutboxSpec{
		SubjectID:   alert.ID,
		Kind:        OutboxKindAlertDelivery,
		PayloadJSON: string(payload),
		DedupeKey:   alert.ID + ":" + string(ch),
		NotBefore:   r.opts.Now().Add(r.opts.RetryDelay),
	})
	if err != nil {
		slog.Error("Router.enqueueRetry: failed to enqueue retry", "alertID", alert.ID, "channel", ch, "error", err)
		return
	}
	slog.Debug("Router.enqueueRetry: retry scheduled", "alertID", alert.ID, "channel", ch)
}

// RetryDelivery is the OutboxSender send function for OutboxKindAlertDelivery messages.
// It resends the same alert on the same channel and records the attempt.
func (r *Router) RetryDelivery(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindAlertDelivery {
		return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
	}
	var p DeliveryPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("invalid alert delivery payload: %w", err)
	}
	alert, err := r.store.GetAlert(p.AlertID)
	if err != nil {
		return fmt.Errorf("load alert %s: %w", p.AlertID, err)
	}
	if alert == nil {
		return fmt.Errorf("alert %s not found", p.AlertID)
	}
	if _, ok := r.senders[p.Channel]; !ok {
		return fmt.Errorf("channel %s not configured", p.Channel)
	}

	d := r.deliver(ctx, *alert, p.Channel)
	if err := r.store.RecordDelivery(d); err != nil {
		slog.Error("Router.RetryDelivery: failed to record delivery", "alertID", alert.ID, "error", err)
	}
	if d.Status == models.DeliveryStatusFailed {
		return fmt.Errorf("%s delivery failed: %s", p.Channel, d.Error)
	}
	slog.Info("Router.RetryDelivery: delivered on retry", "alertID", alert.ID, "channel", p.Channel, "attempt", msg.Attempts+1)
	return nil
}
