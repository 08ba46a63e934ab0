package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/domain/entity"
	"github.com/trafficops/offense-workflow/internal/domain/workflow"
	"github.com/trafficops/offense-workflow/internal/infrastructure/persistence/sqlite"
)

// HistoryRepository implements port.HistoryRepository
type HistoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *sql.DB, logger *zap.Logger) port.HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new history record
func (r *HistoryRepository) Create(ctx context.Context, history *entity.TransitionHistory) error {
	query := `
		INSERT INTO transition_history (
			kind, entity_id, previous_state, new_state, event, version, idempotency_key, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := sqlite.ExecutorFor(ctx, r.db).ExecContext(ctx, query,
		history.Kind,
		history.EntityID,
		history.PreviousState,
		history.NewState,
		history.Event,
		history.Version,
		history.IdempotencyKey,
		history.Timestamp,
	)
	if err != nil {
		r.logger.Error("Failed to create history record", zap.Error(err))
		return fmt.Errorf("failed to create history: %w", sqlite.Classify(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	history.ID = id
	return nil
}

// ListByEntity retrieves all history records for an instance, oldest first
func (r *HistoryRepository) ListByEntity(ctx context.Context, kind workflow.Kind, entityID string) ([]*entity.TransitionHistory, error) {
	query := `
		SELECT id, kind, entity_id, previous_state, new_state, event, version, idempotency_key, timestamp
		FROM transition_history
		WHERE kind = ? AND entity_id = ?
		ORDER BY id ASC
	`

	rows, err := sqlite.ExecutorFor(ctx, r.db).QueryContext(ctx, query, kind, entityID)
	if err != nil {
		r.logger.Error("Failed to list history",
			zap.String("kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get history: %w", sqlite.Classify(err))
	}
	defer rows.Close()

	var records []*entity.TransitionHistory
	for rows.Next() {
		var record entity.TransitionHistory
		err := rows.Scan(
			&record.ID,
			&record.Kind,
			&record.EntityID,
			&record.PreviousState,
			&record.NewState,
			&record.Event,
			&record.Version,
			&record.IdempotencyKey,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}

// Verify interface compliance
var _ port.HistoryRepository = (*HistoryRepository)(nil)
