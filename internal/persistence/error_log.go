package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	ErrorTypeClassification      = "CLASSIFICATION_ERROR"
	ErrorTypeClassificationEmpty = "CLASSIFICATION_EMPTY"
	ErrorTypeSync                = "SYNC_ERROR"
	ErrorTypeFetch               = "FETCH_ERROR"
)

// ErrorLogEntry is one row of the bounded error log. Empty strings map to NULL.
type ErrorLogEntry struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id,omitempty"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StackTrace   string    `json:"stack_trace,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LogError appends an entry and prunes the oldest rows beyond the configured
// cap within the same transaction. taskID is empty for sync-level errors.
func (s *Store) LogError(ctx context.Context, errType, message, taskID, stack string) error {
	if errType == "" {
		return fmt.Errorf("log error: error type is required")
	}
	now := s.now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO error_log (task_id, error_type, error_message, stack_trace, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, nullString(taskID), errType, nullString(message), nullString(stack), now); err != nil {
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM error_log;`).Scan(&count); err != nil {
			return err
		}
		if excess := count - s.maxErrorRows; excess > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM error_log WHERE id IN (
					SELECT id FROM error_log ORDER BY id ASC LIMIT ?
				);
			`, excess); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("log error %s: %w", errType, err)
	}
	return nil
}

// ListErrors returns up to limit entries, newest first.
func (s *Store) ListErrors(ctx context.Context, limit int) ([]ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, error_type, error_message, stack_trace, created_at
		FROM error_log
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorLogEntry
	for rows.Next() {
		var e ErrorLogEntry
		var taskID, message, stack sql.NullString
		if err := rows.Scan(&e.ID, &taskID, &e.ErrorType, &message, &stack, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		e.TaskID = taskID.String
		e.ErrorMessage = message.String
		e.StackTrace = stack.String
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", err)
	}
	return out, nil
}

// PurgeErrorsBefore deletes error log rows created before cutoff.
func (s *Store) PurgeErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM error_log WHERE created_at < ?;`, cutoff.UTC())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge error_log: %w", err)
	}
	return purged, nil
}
