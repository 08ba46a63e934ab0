// Package coordinator is the entry point for state-mutating requests. Every
// request passes the idempotency ledger before any workflow work is done.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/dispatcher"
	"github.com/trafficops/offense-workflow/internal/application/ledger"
	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/application/workflow"
	"github.com/trafficops/offense-workflow/internal/domain/apperr"
	"github.com/trafficops/offense-workflow/internal/domain/event"
	domainwf "github.com/trafficops/offense-workflow/internal/domain/workflow"
)

// Request is one caller-facing mutation
type Request struct {
	Kind           domainwf.Kind
	EntityID       string
	Event          domainwf.Event
	IdempotencyKey string
	Payload        json.RawMessage
}

// Result is the recorded outcome of a request. Replays return it verbatim.
type Result struct {
	Kind          domainwf.Kind  `json:"kind"`
	EntityID      string         `json:"entity_id"`
	Event         domainwf.Event `json:"event"`
	PreviousState domainwf.State `json:"previous_state"`
	NewState      domainwf.State `json:"new_state"`
	Version       int64          `json:"version"`
	// Linked is the transition applied to the linked record, if any
	Linked *workflow.Transition `json:"linked,omitempty"`

	// Replayed is true when the result came from the ledger
	Replayed bool `json:"-"`
}

// Coordinator handles requests
type Coordinator interface {
	Handle(ctx context.Context, req Request) (*Result, error)
}

// Recorder receives coordinator outcomes for metrics
type Recorder interface {
	ConflictRetried(kind domainwf.Kind)
	RequestHandled(kind domainwf.Kind, outcome string)
}

// DefaultMaxAttempts bounds attempts on CONCURRENT_MODIFICATION
const DefaultMaxAttempts = 3

const tracerName = "github.com/trafficops/offense-workflow/internal/application/coordinator"

type coordinatorImpl struct {
	ledger      ledger.Ledger
	engine      workflow.WorkflowEngine
	txManager   port.TransactionManager
	publisher   dispatcher.Publisher
	recorder    Recorder
	logger      *zap.Logger
	tracer      trace.Tracer
	maxAttempts int
}

// Option configures the coordinator
type Option func(*coordinatorImpl)

// WithMaxAttempts sets the total attempts made when the instance changes underneath a request
func WithMaxAttempts(n int) Option {
	return func(c *coordinatorImpl) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithPublisher sets where notification events go
func WithPublisher(p dispatcher.Publisher) Option {
	return func(c *coordinatorImpl) {
		c.publisher = p
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(c *coordinatorImpl) {
		c.recorder = r
	}
}

// WithLogger sets the coordinator logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *coordinatorImpl) {
		c.logger = logger
	}
}

// WithTracerProvider sets where request spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *coordinatorImpl) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// New creates a coordinator
func New(l ledger.Ledger, engine workflow.WorkflowEngine, txManager port.TransactionManager, opts ...Option) Coordinator {
	c := &coordinatorImpl{
		ledger:      l,
		engine:      engine,
		txManager:   txManager,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
		maxAttempts: DefaultMaxAttempts,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Handle runs ledger.Begin, then the workflow, then records the outcome.
// Once the ledger grants the key, execution continues even if ctx is cancelled
// so the entry always reaches a terminal status.
func (c *coordinatorImpl) Handle(ctx context.Context, req Request) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Handle", trace.WithAttributes(
		attribute.String("workflow.kind", req.Kind.String()),
		attribute.String("workflow.entity_id", req.EntityID),
		attribute.String("workflow.event", req.Event.String()),
		attribute.String("idempotency.key", req.IdempotencyKey),
	))
	defer span.End()

	result, err := c.handle(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("workflow.new_state", result.NewState.String()),
		attribute.Int64("workflow.version", result.Version),
		attribute.Bool("idempotency.replayed", result.Replayed),
	)
	return result, nil
}

func (c *coordinatorImpl) handle(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	fingerprint, err := ledger.Fingerprint(req.Kind.String(), req.EntityID, req.Event.String(), req.Payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidRequest, err, "payload is not valid JSON")
	}

	outcome, err := c.ledger.Begin(ctx, req.IdempotencyKey, fingerprint)
	if err != nil {
		c.handled(req.Kind, string(apperr.CodeOf(err)))
		return nil, err
	}

	trace.SpanFromContext(ctx).AddEvent("ledger.begin", trace.WithAttributes(
		attribute.String("ledger.decision", string(outcome.Decision))))

	switch outcome.Decision {
	case ledger.DecisionAlreadyCompleted:
		c.handled(req.Kind, "replayed")
		return decodeResult(outcome.Result)
	case ledger.DecisionAlreadyFailed:
		c.handled(req.Kind, "replayed_failure")
		if outcome.Failure == nil {
			return nil, apperr.New(apperr.CodePersistenceUnavailable, "stored failure is missing")
		}
		return nil, outcome.Failure.AsReplay()
	case ledger.DecisionInProgress:
		c.handled(req.Kind, string(apperr.CodeLedgerInProgress))
		return nil, apperr.New(apperr.CodeLedgerInProgress, "request with this idempotency key is still being processed").
			With("idempotency_key", req.IdempotencyKey)
	}

	execCtx := context.WithoutCancel(ctx)
	result, err := c.executeWithRetry(execCtx, req, outcome.Ticket)
	if err != nil {
		failure := apperr.From(err)
		if ferr := c.ledger.Fail(execCtx, outcome.Ticket, failure); ferr != nil {
			c.logger.Error("Failed to record request failure",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("failure_code", string(failure.Code)),
				zap.Error(ferr))
			return nil, errors.Join(failure, ferr)
		}
		c.handled(req.Kind, string(failure.Code))
		return nil, failure
	}

	c.handled(req.Kind, "applied")
	c.notify(execCtx, req.IdempotencyKey, result)

	return result, nil
}

// executeWithRetry retries the whole read-validate-write cycle when the
// instance moved underneath it, up to maxAttempts in total
func (c *coordinatorImpl) executeWithRetry(ctx context.Context, req Request, ticket *ledger.Ticket) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var result *Result
		err := c.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			var err error
			result, err = c.execute(txCtx, req)
			if err != nil {
				return err
			}

			encoded, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			// committing in the same transaction ties the ledger entry to the state write
			return c.ledger.Commit(txCtx, ticket, encoded)
		})
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !errors.Is(err, apperr.ErrConcurrentModification) {
			return nil, err
		}

		if c.recorder != nil {
			c.recorder.ConflictRetried(req.Kind)
		}
		trace.SpanFromContext(ctx).AddEvent("conflict_retry", trace.WithAttributes(
			attribute.Int("attempt", attempt)))
		c.logger.Debug("Concurrent modification, retrying",
			zap.String("kind", req.Kind.String()),
			zap.String("entity_id", req.EntityID),
			zap.Int("attempt", attempt))
	}

	appErr := apperr.From(lastErr)
	return nil, appErr.With("attempts", strconv.Itoa(c.maxAttempts))
}

// execute applies the requested event and, when it is linked, the matching
// event on the other record. ctx carries the transaction both writes share.
func (c *coordinatorImpl) execute(ctx context.Context, req Request) (*Result, error) {
	link, linkedEntityID, err := c.resolveLink(ctx, req)
	if err != nil {
		return nil, err
	}

	tr, err := c.engine.Apply(ctx, workflow.Command{
		Kind:           req.Kind,
		EntityID:       req.EntityID,
		Event:          req.Event,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		Kind:          tr.Kind,
		EntityID:      tr.EntityID,
		Event:         tr.Event,
		PreviousState: tr.From,
		NewState:      tr.To,
		Version:       tr.Version,
	}

	if linkedEntityID != "" {
		linkedTr, err := c.engine.Apply(ctx, workflow.Command{
			Kind:           link.Target,
			EntityID:       linkedEntityID,
			Event:          link.TargetEvent,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return nil, err
		}
		result.Linked = linkedTr
	}

	return result, nil
}

// resolveLink finds the record that must move together with the request.
// An empty id means the event applies on its own. The two records must
// point at each other: an appeal that is no longer its offense's current
// appeal cannot drive the offense.
func (c *coordinatorImpl) resolveLink(ctx context.Context, req Request) (domainwf.Link, string, error) {
	link, ok := domainwf.LinkFor(req.Kind, req.Event)
	if !ok {
		return link, "", nil
	}

	source, err := c.engine.GetInstance(ctx, req.Kind, req.EntityID)
	if err != nil {
		return link, "", err
	}
	targetID := source.LinkedEntityID
	if targetID == "" {
		if link.Conditional() {
			return link, "", nil
		}
		return link, "", apperr.New(apperr.CodeInvalidRequest, "%s %s has no linked %s", req.Kind, req.EntityID, link.Target)
	}

	target, err := c.engine.GetInstance(ctx, link.Target, targetID)
	if err != nil {
		return link, "", err
	}
	if !link.AppliesTo(target.State) {
		return link, "", nil
	}
	if target.LinkedEntityID != source.EntityID {
		return link, "", apperr.New(apperr.CodeIllegalTransition,
			"%s %s is no longer linked to %s %s", link.Target, targetID, req.Kind, req.EntityID).
			With("kind", req.Kind.String()).
			With("entity_id", req.EntityID).
			With("current_state", source.State.String()).
			With("event", req.Event.String()).
			With("linked_entity_id", targetID)
	}
	return link, targetID, nil
}

// notify publishes notification events for every committed transition
func (c *coordinatorImpl) notify(ctx context.Context, correlationID string, result *Result) {
	if c.publisher == nil {
		return
	}

	transitions := []workflow.Transition{{
		Kind:     result.Kind,
		EntityID: result.EntityID,
		Event:    result.Event,
		From:     result.PreviousState,
		To:       result.NewState,
		Version:  result.Version,
	}}
	if result.Linked != nil {
		transitions = append(transitions, *result.Linked)
	}

	for _, tr := range transitions {
		payload := map[string]interface{}{
			"event":      tr.Event.String(),
			"from_state": tr.From.String(),
			"to_state":   tr.To.String(),
			"version":    tr.Version,
		}
		for _, t := range event.TypesFor(tr.Kind, tr.From, tr.To) {
			c.publisher.Publish(ctx, event.NewEventWithCorrelation(t, tr.Kind, tr.EntityID, payload, correlationID))
		}
	}
}

func (c *coordinatorImpl) handled(kind domainwf.Kind, outcome string) {
	if c.recorder != nil {
		c.recorder.RequestHandled(kind, outcome)
	}
}

func decodeResult(raw json.RawMessage) (*Result, error) {
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceUnavailable, err, "stored result is unreadable")
	}
	result.Replayed = true
	return &result, nil
}

func validate(req Request) error {
	if !req.Kind.IsValid() {
		return apperr.New(apperr.CodeInvalidRequest, "unknown workflow kind %q", req.Kind)
	}
	if req.EntityID == "" {
		return apperr.New(apperr.CodeInvalidRequest, "entity id is required")
	}
	if req.Event == "" {
		return apperr.New(apperr.CodeInvalidRequest, "event is required")
	}
	if req.IdempotencyKey == "" {
		return apperr.New(apperr.CodeInvalidRequest, "idempotency key is required")
	}
	return nil
}
