package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"medvault/internal/platform/metrics"
)

// Alert describes a high-risk event handed to the security-response
// collaborator. It carries references only, never protected data.
type Alert struct {
	EventID   uuid.UUID
	EventType EventType
	ActorID   string
	RiskScore int
	Timestamp time.Time
}

// Priority buckets alerts for the responder.
func (a Alert) Priority() string {
	switch {
	case a.RiskScore > 90:
		return "critical"
	case a.RiskScore > 70:
		return "high"
	default:
		return "medium"
	}
}

// Notifier delivers alerts to the security-response system.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier is the default notifier: it surfaces alerts in the
// operational log until a real responder integration is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, alert Alert) error {
	if n.Logger != nil {
		n.Logger.Warn("security alert",
			"event_id", alert.EventID,
			"event_type", alert.EventType,
			"actor_id", alert.ActorID,
			"risk_score", alert.RiskScore,
			"priority", alert.Priority(),
		)
	}
	return nil
}

// Dispatcher decouples the audit write path from alert delivery. Alerts
// are enqueued without blocking; a background goroutine drains the queue
// and calls the notifier with its own error containment, so a slow or
// failing responder never stalls a ledger write.
type Dispatcher struct {
	queue    chan Alert
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher with a bounded queue. A capacity of
// zero or less falls back to a default suitable for burst absorption.
func NewDispatcher(notifier Notifier, capacity int, opts ...DispatcherOption) *Dispatcher {
	if capacity <= 0 {
		capacity = 256
	}
	d := &Dispatcher{
		queue:    make(chan Alert, capacity),
		notifier: notifier,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TryDispatch enqueues an alert without blocking. When the queue is full
// the alert is dropped and counted; losing an alert is preferable to
// stalling the audit write path.
func (d *Dispatcher) TryDispatch(alert Alert) bool {
	select {
	case d.queue <- alert:
		if d.metrics != nil {
			d.metrics.AlertsDispatched.Inc()
		}
		return true
	default:
		if d.metrics != nil {
			d.metrics.AlertsDropped.Inc()
		}
		if d.logger != nil {
			d.logger.Error("alert queue full, alert dropped", "event_id", alert.EventID)
		}
		return false
	}
}

// Pending reports the number of alerts waiting in the queue.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run drains the queue until ctx is cancelled. Notifier errors and panics
// are contained and logged; they never propagate.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert := <-d.queue:
			d.deliver(ctx, alert)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert Alert) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Error("alert notifier panicked", "event_id", alert.EventID, "panic", r)
		}
	}()
	if err := d.notifier.Notify(ctx, alert); err != nil && d.logger != nil {
		d.logger.Error("alert delivery failed", "event_id", alert.EventID, "error", err)
	}
}
