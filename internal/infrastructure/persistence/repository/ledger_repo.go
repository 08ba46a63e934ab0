package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/domain/apperr"
	"github.com/trafficops/offense-workflow/internal/domain/entity"
	"github.com/trafficops/offense-workflow/internal/infrastructure/persistence/sqlite"
)

// LedgerRepository implements port.LedgerRepository.
// Lease expiry is stored as unix milliseconds so it compares numerically.
type LedgerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sql.DB, logger *zap.Logger) port.LedgerRepository {
	return &LedgerRepository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a ledger entry by idempotency key
func (r *LedgerRepository) Get(ctx context.Context, key string) (*entity.LedgerEntry, error) {
	query := `
		SELECT idempotency_key, fingerprint, status, result, failure, owner,
			lease_expires_at, created_at, updated_at
		FROM idempotency_ledger
		WHERE idempotency_key = ?
	`

	var (
		entry   entity.LedgerEntry
		result  sql.NullString
		failure sql.NullString
		leaseMs int64
	)
	err := sqlite.ExecutorFor(ctx, r.db).QueryRowContext(ctx, query, key).Scan(
		&entry.IdempotencyKey,
		&entry.Fingerprint,
		&entry.Status,
		&result,
		&failure,
		&entry.Owner,
		&leaseMs,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, port.ErrNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get ledger entry", zap.String("idempotency_key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get ledger entry: %w", sqlite.Classify(err))
	}

	if result.Valid {
		entry.Result = json.RawMessage(result.String)
	}
	if failure.Valid {
		var appErr apperr.Error
		if err := json.Unmarshal([]byte(failure.String), &appErr); err != nil {
			return nil, fmt.Errorf("failed to decode stored failure: %w", err)
		}
		entry.Failure = &appErr
	}
	entry.LeaseExpiresAt = time.UnixMilli(leaseMs).UTC()

	return &entry, nil
}

// Insert creates a new ledger entry
func (r *LedgerRepository) Insert(ctx context.Context, entry *entity.LedgerEntry) error {
	query := `
		INSERT INTO idempotency_ledger (
			idempotency_key, fingerprint, status, result, failure, owner,
			lease_expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, failure, err := encodeOutcome(entry)
	if err != nil {
		return err
	}

	_, err = sqlite.ExecutorFor(ctx, r.db).ExecContext(ctx, query,
		entry.IdempotencyKey,
		entry.Fingerprint,
		entry.Status,
		result,
		failure,
		entry.Owner,
		entry.LeaseExpiresAt.UnixMilli(),
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		err = sqlite.Classify(err)
		if !errors.Is(err, port.ErrDuplicateKey) {
			r.logger.Error("Failed to insert ledger entry",
				zap.String("idempotency_key", entry.IdempotencyKey),
				zap.Error(err))
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return nil
}

// Update overwrites the mutable fields if status and owner still match
func (r *LedgerRepository) Update(ctx context.Context, entry *entity.LedgerEntry, expectedStatus entity.LedgerStatus, expectedOwner string) error {
	query := `
		UPDATE idempotency_ledger
		SET status = ?, result = ?, failure = ?, owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE idempotency_key = ? AND status = ? AND owner = ?
	`

	result, failure, err := encodeOutcome(entry)
	if err != nil {
		return err
	}

	exec := sqlite.ExecutorFor(ctx, r.db)
	res, err := exec.ExecContext(ctx, query,
		entry.Status,
		result,
		failure,
		entry.Owner,
		entry.LeaseExpiresAt.UnixMilli(),
		entry.UpdatedAt,
		entry.IdempotencyKey,
		expectedStatus,
		expectedOwner,
	)
	if err != nil {
		r.logger.Error("Failed to update ledger entry",
			zap.String("idempotency_key", entry.IdempotencyKey),
			zap.Error(err))
		return fmt.Errorf("failed to update ledger entry: %w", sqlite.Classify(err))
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var exists int
	err = exec.QueryRowContext(ctx,
		`SELECT 1 FROM idempotency_ledger WHERE idempotency_key = ?`, entry.IdempotencyKey,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return port.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check ledger entry: %w", sqlite.Classify(err))
	}
	return port.ErrVersionConflict
}

// CountExpiredPending counts Pending entries whose lease has run out
func (r *LedgerRepository) CountExpiredPending(ctx context.Context, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM idempotency_ledger
		WHERE status = ? AND lease_expires_at <= ?
	`

	var count int
	err := sqlite.ExecutorFor(ctx, r.db).QueryRowContext(ctx, query,
		entity.LedgerStatusPending, now.UnixMilli(),
	).Scan(&count)
	if err != nil {
		r.logger.Error("Failed to count expired pending entries", zap.Error(err))
		return 0, fmt.Errorf("failed to count expired pending entries: %w", sqlite.Classify(err))
	}
	return count, nil
}

func encodeOutcome(entry *entity.LedgerEntry) (sql.NullString, sql.NullString, error) {
	var result, failure sql.NullString
	if len(entry.Result) > 0 {
		result = sql.NullString{String: string(entry.Result), Valid: true}
	}
	if entry.Failure != nil {
		data, err := json.Marshal(entry.Failure)
		if err != nil {
			return result, failure, fmt.Errorf("failed to encode failure: %w", err)
		}
		failure = sql.NullString{String: string(data), Valid: true}
	}
	return result, failure, nil
}

// Verify interface compliance
var _ port.LedgerRepository = (*LedgerRepository)(nil)
