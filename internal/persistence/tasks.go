package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxAttempts is the number of classification attempts a task gets before it
// is marked failed.
const MaxAttempts = 3

// ErrTaskNotFound is returned when no record exists for a task id.
var ErrTaskNotFound = errors.New("task not found")

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusClassified TaskStatus = "classified"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// Terminal reports whether the normal sync path must never pick the task up again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusClassified, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// TaskRecord is the durable state of one provider task.
type TaskRecord struct {
	TaskID        string     `json:"task_id"`
	Content       string     `json:"content"`
	Status        TaskStatus `json:"status"`
	Labels        []string   `json:"labels,omitempty"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ClassifiedAt  *time.Time `json:"classified_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Stats holds task counts by status plus the current error log size.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Classified int `json:"classified"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	ErrorRows  int `json:"error_rows"`
}

const taskColumns = `task_id, content, status, labels, attempts, last_attempt_at, classified_at, created_at, updated_at`

func scanTaskRecord(scanFn func(dest ...any) error, rec *TaskRecord) error {
	var (
		status        string
		labels        sql.NullString
		lastAttemptAt sql.NullTime
		classifiedAt  sql.NullTime
	)
	if err := scanFn(
		&rec.TaskID,
		&rec.Content,
		&status,
		&labels,
		&rec.Attempts,
		&lastAttemptAt,
		&classifiedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return err
	}
	rec.Status = TaskStatus(status)
	rec.LastAttemptAt = nullTime(lastAttemptAt)
	rec.ClassifiedAt = nullTime(classifiedAt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if labels.Valid {
		if err := json.Unmarshal([]byte(labels.String), &rec.Labels); err != nil {
			return fmt.Errorf("decode labels for %s: %w", rec.TaskID, err)
		}
	}
	return nil
}

// GetTask returns the record for taskID, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	err := scanTaskRecord(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;`, taskID).Scan, &rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &rec, nil
}

// UpsertTask inserts a pending record with zero attempts, or refreshes the
// content of an existing one. Status and attempts are never reset.
func (s *Store) UpsertTask(ctx context.Context, taskID, content string) error {
	now := s.now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (task_id, content, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				content = excluded.content,
				updated_at = excluded.updated_at;
		`, taskID, content, TaskStatusPending, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", taskID, err)
	}
	return nil
}

// MarkTaskAttempted increments the attempt counter and returns the new count.
// Callers invoke it before the risky operation so a crash still counts.
func (s *Store) MarkTaskAttempted(ctx context.Context, taskID string) (int, error) {
	now := s.now()
	var attempts int
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, `
			UPDATE tasks
			SET attempts = attempts + 1, last_attempt_at = ?, updated_at = ?
			WHERE task_id = ?
			RETURNING attempts;
		`, now, now, taskID).Scan(&attempts)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return 0, fmt.Errorf("mark task attempted %s: %w", taskID, err)
	}
	return attempts, nil
}

// MarkTaskClassified records the applied labels and moves the task to classified.
func (s *Store) MarkTaskClassified(ctx context.Context, taskID string, labels []string) error {
	if labels == nil {
		labels = []string{}
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	now := s.now()
	return s.updateTask(ctx, taskID, "mark task classified", `
		UPDATE tasks
		SET status = ?, labels = ?, classified_at = ?, updated_at = ?
		WHERE task_id = ?;
	`, TaskStatusClassified, string(encoded), now, now, taskID)
}

// MarkTaskFailed moves the task to the terminal failed state.
func (s *Store) MarkTaskFailed(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID, "mark task failed", `
		UPDATE tasks SET status = ?, labels = NULL, updated_at = ? WHERE task_id = ?;
	`, TaskStatusFailed, s.now(), taskID)
}

// MarkTaskSkipped moves the task to the terminal skipped state.
func (s *Store) MarkTaskSkipped(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID, "mark task skipped", `
		UPDATE tasks SET status = ?, labels = NULL, updated_at = ? WHERE task_id = ?;
	`, TaskStatusSkipped, s.now(), taskID)
}

func (s *Store) updateTask(ctx context.Context, taskID, op, query string, args ...any) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, taskID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w: %s", op, ErrTaskNotFound, taskID)
	}
	return nil
}

// GetPendingRetryableTasks returns pending records that still have attempts
// left, oldest first.
func (s *Store) GetPendingRetryableTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND attempts < ?
		ORDER BY created_at ASC, rowid ASC;
	`, TaskStatusPending, MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list retryable tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := scanTaskRecord(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan retryable task: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retryable tasks: %w", err)
	}
	return out, nil
}

// ResetTask forgets a failed task so the next sync treats it as new.
// Only failed records are removed; it reports whether a row was deleted.
func (s *Store) ResetTask(ctx context.Context, taskID string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ? AND status = ?;`, taskID, TaskStatusFailed)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reset task %s: %w", taskID, err)
	}
	return affected > 0, nil
}

// GetStats counts tasks by status. An empty table yields zeros.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'classified' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`)
	if err := row.Scan(&st.Total, &st.Pending, &st.Classified, &st.Failed, &st.Skipped); err != nil {
		return st, fmt.Errorf("task stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM error_log;`).Scan(&st.ErrorRows); err != nil {
		return st, fmt.Errorf("error log size: %w", err)
	}
	return st, nil
}
