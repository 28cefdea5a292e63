package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	syncKeyToken          = "sync_token"
	syncKeyLastSyncAt     = "last_sync_at"
	syncKeyInboxProjectID = "inbox_project_id"
)

// SyncState is the provider cursor. Missing keys read as zero values.
type SyncState struct {
	SyncToken      string     `json:"sync_token,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	InboxProjectID string     `json:"inbox_project_id,omitempty"`
}

func (s *Store) GetSyncState(ctx context.Context) (SyncState, error) {
	var st SyncState
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM sync_state;`)
	if err != nil {
		return st, fmt.Errorf("read sync state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return st, fmt.Errorf("scan sync state: %w", err)
		}
		if !value.Valid {
			continue
		}
		switch key {
		case syncKeyToken:
			st.SyncToken = value.String
		case syncKeyInboxProjectID:
			st.InboxProjectID = value.String
		case syncKeyLastSyncAt:
			ts, err := time.Parse(time.RFC3339Nano, value.String)
			if err != nil {
				return st, fmt.Errorf("parse %s: %w", syncKeyLastSyncAt, err)
			}
			ts = ts.UTC()
			st.LastSyncAt = &ts
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate sync state: %w", err)
	}
	return st, nil
}

func (s *Store) SaveSyncToken(ctx context.Context, token string) error {
	return s.setSyncValue(ctx, syncKeyToken, token)
}

func (s *Store) SaveLastSyncAt(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		return errors.New("save last sync: zero time")
	}
	return s.setSyncValue(ctx, syncKeyLastSyncAt, at.UTC().Format(time.RFC3339Nano))
}

func (s *Store) SaveInboxProjectID(ctx context.Context, projectID string) error {
	return s.setSyncValue(ctx, syncKeyInboxProjectID, projectID)
}

func (s *Store) setSyncValue(ctx context.Context, key, value string) error {
	now := s.now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_state (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at;
		`, key, nullString(value), now)
		return err
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
