// Package notification forwards committed-transition events to the audit log
// and to an optional external sink. Delivery is best-effort.
package notification

import (
	"context"
	"fmt"

	"github.com/trafficops/offense-workflow/internal/application/dispatcher"
	"github.com/trafficops/offense-workflow/internal/domain/event"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Sink delivers events to an external notification/audit collaborator
type Sink interface {
	Send(ctx context.Context, evt *event.Event) error
}

// Subscriber writes every notification to the audit log and, if configured, a sink
type Subscriber struct {
	logger Logger
	sink   Sink
}

// NewSubscriber creates a subscriber; sink may be nil
func NewSubscriber(logger Logger, sink Sink) *Subscriber {
	return &Subscriber{
		logger: logger,
		sink:   sink,
	}
}

// notifiedTypes are the event types forwarded to the sink. Plain
// transition events only reach the audit log.
var notifiedTypes = map[event.Type]bool{
	event.TypeAppealOpened:   true,
	event.TypeAppealClosed:   true,
	event.TypePaymentSettled: true,
}

// Handler names under which the subscriber registers
const (
	AuditHandler = "audit-log"
	SinkHandler  = "external-sink"
)

var subscribedTypes = []event.Type{
	event.TypeTransitionApplied,
	event.TypeAppealOpened,
	event.TypeAppealClosed,
	event.TypePaymentSettled,
}

// Register subscribes the subscriber to every notification type
func (s *Subscriber) Register(d dispatcher.Dispatcher) {
	for _, t := range subscribedTypes {
		d.Subscribe(t, AuditHandler, s.audit)
		if s.sink != nil && notifiedTypes[t] {
			d.Subscribe(t, SinkHandler, s.forward)
		}
	}
}

// Unregister detaches the subscriber. Events published afterwards no longer
// reach the audit log or the sink.
func (s *Subscriber) Unregister(d dispatcher.Dispatcher) {
	for _, t := range subscribedTypes {
		d.Unsubscribe(t, AuditHandler)
		d.Unsubscribe(t, SinkHandler)
	}
}

// Attached reports whether the audit handler is registered on d
func (s *Subscriber) Attached(d dispatcher.Dispatcher) bool {
	for _, info := range d.ListHandlers(event.TypeTransitionApplied) {
		if info.Name == AuditHandler {
			return true
		}
	}
	return false
}

func (s *Subscriber) audit(ctx context.Context, evt *event.Event) error {
	if !evt.Type.IsValid() {
		return fmt.Errorf("unknown event type %q", evt.Type)
	}

	s.logger.Info("Workflow notification",
		"event_type", evt.Type,
		"event_id", evt.ID,
		"kind", evt.Kind,
		"entity_id", evt.EntityID,
		"from_state", evt.GetPayloadString("from_state"),
		"to_state", evt.GetPayloadString("to_state"),
		"correlation_id", evt.CorrelationID,
	)
	return nil
}

func (s *Subscriber) forward(ctx context.Context, evt *event.Event) error {
	if err := s.sink.Send(ctx, evt); err != nil {
		return fmt.Errorf("send %s for %s %s: %w", evt.Type, evt.Kind, evt.EntityID, err)
	}
	return nil
}
