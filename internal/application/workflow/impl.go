package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/domain/apperr"
	"github.com/trafficops/offense-workflow/internal/domain/entity"
	domainwf "github.com/trafficops/offense-workflow/internal/domain/workflow"
)

// Recorder receives transition outcomes for metrics
type Recorder interface {
	TransitionApplied(kind domainwf.Kind, event domainwf.Event)
	TransitionRejected(kind domainwf.Kind, code apperr.Code)
}

// engineImpl is the concrete implementation of WorkflowEngine
type engineImpl struct {
	instanceRepo port.InstanceRepository
	historyRepo  port.HistoryRepository
	txManager    port.TransactionManager
	recorder     Recorder
	logger       *zap.Logger
	now          func() time.Time
}

// EngineOption configures the workflow engine
type EngineOption func(*engineImpl)

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) EngineOption {
	return func(e *engineImpl) {
		e.recorder = r
	}
}

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *engineImpl) {
		e.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *engineImpl) {
		e.now = now
	}
}

// NewEngine creates a new workflow engine
func NewEngine(
	instanceRepo port.InstanceRepository,
	historyRepo port.HistoryRepository,
	txManager port.TransactionManager,
	opts ...EngineOption,
) WorkflowEngine {
	e := &engineImpl{
		instanceRepo: instanceRepo,
		historyRepo:  historyRepo,
		txManager:    txManager,
		logger:       zap.NewNop(),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Register creates an instance in its kind's initial state. An appeal is
// registered against an offense that is UNDER_APPEAL with no other open
// appeal, and the offense is pointed at it in the same transaction.
func (e *engineImpl) Register(ctx context.Context, kind domainwf.Kind, entityID, linkedEntityID string) (*entity.WorkflowInstance, error) {
	if err := validateTarget(kind, entityID); err != nil {
		return nil, err
	}
	switch {
	case kind == domainwf.KindAppeal && linkedEntityID == "":
		return nil, apperr.New(apperr.CodeInvalidRequest, "an appeal must reference the offense it contests")
	case kind != domainwf.KindAppeal && linkedEntityID != "":
		return nil, apperr.New(apperr.CodeInvalidRequest, "only an appeal may reference another instance")
	}

	now := e.now().UTC()
	instance := &entity.WorkflowInstance{
		Kind:           kind,
		EntityID:       entityID,
		State:          kind.InitialState(),
		Version:        0,
		LinkedEntityID: linkedEntityID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.instanceRepo.Create(txCtx, instance); err != nil {
			return err
		}
		if kind == domainwf.KindAppeal {
			return e.attachAppeal(txCtx, instance)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, port.ErrDuplicateKey) {
			return nil, apperr.New(apperr.CodeAlreadyExists, "instance already registered").
				With("kind", kind.String()).
				With("entity_id", entityID)
		}
		return nil, translate(err, kind, entityID)
	}

	e.logger.Info("Workflow instance registered",
		zap.String("kind", kind.String()),
		zap.String("entity_id", entityID),
		zap.String("linked_entity_id", linkedEntityID),
		zap.String("state", instance.State.String()))

	return instance, nil
}

// attachAppeal points the contested offense at appeal; ctx carries the
// transaction that created the appeal
func (e *engineImpl) attachAppeal(ctx context.Context, appeal *entity.WorkflowInstance) error {
	offense, err := e.instanceRepo.Get(ctx, domainwf.KindOffense, appeal.LinkedEntityID)
	if err != nil {
		return translate(err, domainwf.KindOffense, appeal.LinkedEntityID)
	}
	if offense.State != domainwf.StateUnderAppeal {
		return apperr.New(apperr.CodeInvalidRequest, "offense %s is not under appeal", offense.EntityID).
			With("kind", domainwf.KindOffense.String()).
			With("entity_id", offense.EntityID).
			With("current_state", offense.State.String())
	}

	if current := offense.LinkedEntityID; current != "" {
		open, err := e.instanceRepo.Get(ctx, domainwf.KindAppeal, current)
		if err != nil && !errors.Is(err, port.ErrNotFound) {
			return err
		}
		if err == nil && domainwf.IsOpenAppeal(open.State) {
			return apperr.New(apperr.CodeAlreadyExists, "offense %s already has an open appeal", offense.EntityID).
				With("kind", domainwf.KindOffense.String()).
				With("entity_id", offense.EntityID).
				With("open_appeal", current)
		}
	}

	err = e.instanceRepo.SetLinkedEntity(ctx, domainwf.KindOffense, offense.EntityID, appeal.EntityID, offense.LinkedEntityID)
	if errors.Is(err, port.ErrVersionConflict) {
		return apperr.Wrap(apperr.CodeConcurrentModification, err, "offense appeal changed since it was read").
			With("kind", domainwf.KindOffense.String()).
			With("entity_id", offense.EntityID)
	}
	return err
}

// Apply fires cmd.Event against the instance's current state
func (e *engineImpl) Apply(ctx context.Context, cmd Command) (*Transition, error) {
	if err := validateTarget(cmd.Kind, cmd.EntityID); err != nil {
		return nil, err
	}

	instance, err := e.instanceRepo.Get(ctx, cmd.Kind, cmd.EntityID)
	if err != nil {
		return nil, e.reject(cmd.Kind, translate(err, cmd.Kind, cmd.EntityID))
	}
	if !cmd.Kind.HasState(instance.State) {
		return nil, apperr.Wrap(apperr.CodePersistenceUnavailable, domainwf.ErrInvalidState,
			"stored state %s is not a %s state", instance.State, cmd.Kind)
	}

	toState, ok := domainwf.Lookup(cmd.Kind, instance.State, cmd.Event)
	if !ok {
		return nil, e.reject(cmd.Kind, illegalTransition(instance, cmd.Event))
	}

	transition := &Transition{
		Kind:     cmd.Kind,
		EntityID: cmd.EntityID,
		Event:    cmd.Event,
		From:     instance.State,
		To:       toState,
		Version:  instance.Version + 1,
	}

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.instanceRepo.UpdateState(txCtx, cmd.Kind, cmd.EntityID, toState, instance.Version); err != nil {
			return err
		}

		history := &entity.TransitionHistory{
			Kind:           cmd.Kind,
			EntityID:       cmd.EntityID,
			PreviousState:  instance.State,
			NewState:       toState,
			Event:          cmd.Event,
			Version:        transition.Version,
			IdempotencyKey: cmd.IdempotencyKey,
			Timestamp:      e.now().UTC(),
		}
		if err := e.historyRepo.Create(txCtx, history); err != nil {
			return fmt.Errorf("failed to create history record: %w", err)
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, port.ErrVersionConflict) {
			return nil, e.reject(cmd.Kind, apperr.Wrap(apperr.CodeConcurrentModification, err,
				"instance changed since it was read").
				With("kind", cmd.Kind.String()).
				With("entity_id", cmd.EntityID).
				With("expected_version", strconv.FormatInt(instance.Version, 10)))
		}
		return nil, e.reject(cmd.Kind, translate(err, cmd.Kind, cmd.EntityID))
	}

	if e.recorder != nil {
		e.recorder.TransitionApplied(cmd.Kind, cmd.Event)
	}

	e.logger.Debug("Transition applied",
		zap.String("kind", cmd.Kind.String()),
		zap.String("entity_id", cmd.EntityID),
		zap.String("event", cmd.Event.String()),
		zap.String("from", transition.From.String()),
		zap.String("to", transition.To.String()),
		zap.Int64("version", transition.Version))

	return transition, nil
}

// GetInstance returns the stored instance
func (e *engineImpl) GetInstance(ctx context.Context, kind domainwf.Kind, entityID string) (*entity.WorkflowInstance, error) {
	if err := validateTarget(kind, entityID); err != nil {
		return nil, err
	}
	instance, err := e.instanceRepo.Get(ctx, kind, entityID)
	if err != nil {
		return nil, translate(err, kind, entityID)
	}
	return instance, nil
}

// PermittedEvents returns the events legal from the instance's current state
func (e *engineImpl) PermittedEvents(ctx context.Context, kind domainwf.Kind, entityID string) ([]domainwf.Event, error) {
	instance, err := e.GetInstance(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	table, err := domainwf.TableFor(kind)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidRequest, err, "unknown workflow kind")
	}
	return table.PermittedEvents(instance.State), nil
}

// History returns the applied transitions of an instance, oldest first
func (e *engineImpl) History(ctx context.Context, kind domainwf.Kind, entityID string) ([]*entity.TransitionHistory, error) {
	if err := validateTarget(kind, entityID); err != nil {
		return nil, err
	}
	records, err := e.historyRepo.ListByEntity(ctx, kind, entityID)
	if err != nil {
		return nil, translate(err, kind, entityID)
	}
	return records, nil
}

func (e *engineImpl) reject(kind domainwf.Kind, err *apperr.Error) *apperr.Error {
	if e.recorder != nil {
		e.recorder.TransitionRejected(kind, err.Code)
	}
	return err
}

func validateTarget(kind domainwf.Kind, entityID string) error {
	if !kind.IsValid() {
		return apperr.New(apperr.CodeInvalidRequest, "unknown workflow kind %q", kind)
	}
	if entityID == "" {
		return apperr.New(apperr.CodeInvalidRequest, "entity id is required")
	}
	return nil
}

func illegalTransition(instance *entity.WorkflowInstance, event domainwf.Event) *apperr.Error {
	return apperr.New(apperr.CodeIllegalTransition, "%s cannot fire %s from %s", instance.Kind, event, instance.State).
		With("kind", instance.Kind.String()).
		With("entity_id", instance.EntityID).
		With("current_state", instance.State.String()).
		With("event", event.String())
}

// translate maps persistence sentinels to caller-facing errors
func translate(err error, kind domainwf.Kind, entityID string) *apperr.Error {
	if e, ok := apperr.As(err); ok {
		return e
	}
	if errors.Is(err, port.ErrNotFound) {
		return apperr.New(apperr.CodeNotFound, "workflow instance not found").
			With("kind", kind.String()).
			With("entity_id", entityID)
	}
	return apperr.Wrap(apperr.CodePersistenceUnavailable, err, "workflow store failure")
}
