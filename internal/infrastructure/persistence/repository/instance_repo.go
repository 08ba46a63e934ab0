package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/domain/entity"
	"github.com/trafficops/offense-workflow/internal/domain/workflow"
	"github.com/trafficops/offense-workflow/internal/infrastructure/persistence/sqlite"
)

// InstanceRepository implements port.InstanceRepository
type InstanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sql.DB, logger *zap.Logger) port.InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a workflow instance
func (r *InstanceRepository) Create(ctx context.Context, instance *entity.WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances (
			kind, entity_id, state, version, linked_entity_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := sqlite.ExecutorFor(ctx, r.db).ExecContext(ctx, query,
		instance.Kind,
		instance.EntityID,
		instance.State,
		instance.Version,
		instance.LinkedEntityID,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		err = sqlite.Classify(err)
		if !errors.Is(err, port.ErrDuplicateKey) {
			r.logger.Error("Failed to create instance",
				zap.String("kind", instance.Kind.String()),
				zap.String("entity_id", instance.EntityID),
				zap.Error(err))
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

// Get retrieves a workflow instance
func (r *InstanceRepository) Get(ctx context.Context, kind workflow.Kind, entityID string) (*entity.WorkflowInstance, error) {
	query := `
		SELECT kind, entity_id, state, version, linked_entity_id, created_at, updated_at
		FROM workflow_instances
		WHERE kind = ? AND entity_id = ?
	`

	var instance entity.WorkflowInstance
	err := sqlite.ExecutorFor(ctx, r.db).QueryRowContext(ctx, query, kind, entityID).Scan(
		&instance.Kind,
		&instance.EntityID,
		&instance.State,
		&instance.Version,
		&instance.LinkedEntityID,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, port.ErrNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get instance",
			zap.String("kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get instance: %w", sqlite.Classify(err))
	}

	return &instance, nil
}

// UpdateState writes the new state only if the version is unchanged
func (r *InstanceRepository) UpdateState(ctx context.Context, kind workflow.Kind, entityID string, newState workflow.State, expectedVersion int64) error {
	query := `
		UPDATE workflow_instances
		SET state = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE kind = ? AND entity_id = ? AND version = ?
	`

	exec := sqlite.ExecutorFor(ctx, r.db)
	result, err := exec.ExecContext(ctx, query, newState, kind, entityID, expectedVersion)
	if err != nil {
		r.logger.Error("Failed to update instance state",
			zap.String("kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return fmt.Errorf("failed to update instance state: %w", sqlite.Classify(err))
	}

	return r.conditioned(ctx, exec, result, kind, entityID)
}

// SetLinkedEntity swaps the link only if it still holds expectedLinked
func (r *InstanceRepository) SetLinkedEntity(ctx context.Context, kind workflow.Kind, entityID, linkedEntityID, expectedLinked string) error {
	query := `
		UPDATE workflow_instances
		SET linked_entity_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE kind = ? AND entity_id = ? AND linked_entity_id = ?
	`

	exec := sqlite.ExecutorFor(ctx, r.db)
	result, err := exec.ExecContext(ctx, query, linkedEntityID, kind, entityID, expectedLinked)
	if err != nil {
		r.logger.Error("Failed to link instance",
			zap.String("kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.String("linked_entity_id", linkedEntityID),
			zap.Error(err))
		return fmt.Errorf("failed to link instance: %w", sqlite.Classify(err))
	}

	return r.conditioned(ctx, exec, result, kind, entityID)
}

// conditioned turns a zero-row conditioned UPDATE into ErrNotFound or ErrVersionConflict
func (r *InstanceRepository) conditioned(ctx context.Context, exec sqlite.Executor, result sql.Result, kind workflow.Kind, entityID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var exists int
	err = exec.QueryRowContext(ctx,
		`SELECT 1 FROM workflow_instances WHERE kind = ? AND entity_id = ?`, kind, entityID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return port.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check instance: %w", sqlite.Classify(err))
	}
	return port.ErrVersionConflict
}

// Verify interface compliance
var _ port.InstanceRepository = (*InstanceRepository)(nil)
