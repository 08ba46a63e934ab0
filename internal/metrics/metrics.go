package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trafficops/offense-workflow/internal/application/ledger"
	"github.com/trafficops/offense-workflow/internal/domain/apperr"
	"github.com/trafficops/offense-workflow/internal/domain/workflow"
)

// Metrics holds the Prometheus collectors for the workflow service
type Metrics struct {
	// Transitions committed by kind and event
	TransitionsApplied *prometheus.CounterVec

	// Transitions rejected by kind and error code
	TransitionsRejected *prometheus.CounterVec

	// Ledger decisions returned by Begin
	LedgerDecisions *prometheus.CounterVec

	// Whole-operation retries after a concurrent modification
	ConflictRetries *prometheus.CounterVec

	// Requests handled by kind and outcome
	RequestsHandled *prometheus.CounterVec

	// Notification deliveries by event type and result
	Notifications *prometheus.CounterVec

	// Pending ledger entries whose lease has expired
	ExpiredLeases prometheus.Gauge

	// HTTP request latency
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TransitionsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offense_workflow_transitions_applied_total",
			Help: "Total transitions committed by workflow kind and event",
		}, []string{"kind", "event"}),

		TransitionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offense_workflow_transitions_rejected_total",
			Help: "Total transitions rejected by workflow kind and error code",
		}, []string{"kind", "code"}),

		LedgerDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offense_workflow_ledger_decisions_total",
			Help: "Idempotency ledger begin decisions",
		}, []string{"decision"}),

		ConflictRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offense_workflow_conflict_retries_total",
			Help: "Operations retried after a concurrent modification",
		}, []string{"kind"}),

		RequestsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offense_workflow_requests_total",
			Help: "Coordinator requests by workflow kind and outcome",
		}, []string{"kind", "outcome"}),

		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offense_workflow_notifications_total",
			Help: "Notification deliveries by event type and result",
		}, []string{"type", "result"}),

		ExpiredLeases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "offense_workflow_ledger_expired_leases",
			Help: "Pending ledger entries whose lease has expired",
		}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offense_workflow_http_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route", "status"}),
	}
}

// TransitionApplied implements workflow.Recorder
func (m *Metrics) TransitionApplied(kind workflow.Kind, event workflow.Event) {
	if m != nil {
		m.TransitionsApplied.WithLabelValues(kind.String(), event.String()).Inc()
	}
}

// TransitionRejected implements workflow.Recorder
func (m *Metrics) TransitionRejected(kind workflow.Kind, code apperr.Code) {
	if m != nil {
		m.TransitionsRejected.WithLabelValues(kind.String(), string(code)).Inc()
	}
}

// LedgerDecision implements ledger.Recorder
func (m *Metrics) LedgerDecision(decision ledger.Decision) {
	if m != nil {
		m.LedgerDecisions.WithLabelValues(string(decision)).Inc()
	}
}

// ConflictRetried implements coordinator.Recorder
func (m *Metrics) ConflictRetried(kind workflow.Kind) {
	if m != nil {
		m.ConflictRetries.WithLabelValues(kind.String()).Inc()
	}
}

// RequestHandled implements coordinator.Recorder
func (m *Metrics) RequestHandled(kind workflow.Kind, outcome string) {
	if m != nil {
		m.RequestsHandled.WithLabelValues(kind.String(), outcome).Inc()
	}
}

// NotificationDelivered implements dispatcher.Recorder
func (m *Metrics) NotificationDelivered(eventType string) {
	if m != nil {
		m.Notifications.WithLabelValues(eventType, "delivered").Inc()
	}
}

// NotificationFailed implements dispatcher.Recorder
func (m *Metrics) NotificationFailed(eventType string) {
	if m != nil {
		m.Notifications.WithLabelValues(eventType, "failed").Inc()
	}
}

// SetExpiredLeases records the latest stale-lease count
func (m *Metrics) SetExpiredLeases(n int) {
	if m != nil {
		m.ExpiredLeases.Set(float64(n))
	}
}

// ObserveHTTP records one HTTP request
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m != nil {
		m.HTTPDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	}
}
