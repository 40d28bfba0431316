package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
)

// OpenSession closes any session left active and opens a new one with the
// given options snapshot.
func (s *Store) OpenSession(ctx context.Context, opts beacon.Options) (beacon.Session, error) {
	raw, err := json.Marshal(opts)
	if err != nil {
		return beacon.Session{}, fmt.Errorf("encode options: %w", err)
	}

	session := beacon.Session{
		ID:        uuid.NewString(),
		DeviceID:  s.deviceID,
		StartedAt: s.now(),
		Options:   opts,
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE ended_at = 0`, nanos(session.StartedAt)); err != nil {
			return fmt.Errorf("close stale sessions: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, device_id, started_at, options)
			VALUES (?, ?, ?, ?)
		`, session.ID, session.DeviceID, nanos(session.StartedAt), string(raw))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return beacon.Session{}, err
	}
	return session, nil
}

func (s *Store) CloseSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at = 0`, nanos(s.now()), id)
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return nil
	})
}

func (s *Store) ActiveSession(ctx context.Context) (beacon.Session, bool, error) {
	session, err := s.loadSession(ctx, `
		SELECT id, device_id, started_at, ended_at, options
		FROM sessions WHERE ended_at = 0
		ORDER BY started_at DESC
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return beacon.Session{}, false, nil
	}
	if err != nil {
		return beacon.Session{}, false, err
	}
	return session, true, nil
}

func (s *Store) Session(ctx context.Context, id string) (beacon.Session, error) {
	session, err := s.loadSession(ctx, `
		SELECT id, device_id, started_at, ended_at, options
		FROM sessions WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return beacon.Session{}, fmt.Errorf("session %s: %w", id, beacon.ErrNotFound)
	}
	return session, err
}

func (s *Store) loadSession(ctx context.Context, query string, args ...any) (beacon.Session, error) {
	var (
		session        beacon.Session
		started, ended int64
		raw            string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&session.ID, &session.DeviceID, &started, &ended, &raw)
	if err != nil {
		return beacon.Session{}, err
	}
	if err := json.Unmarshal([]byte(raw), &session.Options); err != nil {
		return beacon.Session{}, fmt.Errorf("%w: session %s options: %v", beacon.ErrStorageCorruption, session.ID, err)
	}
	session.StartedAt = fromNanos(started)
	session.EndedAt = fromNanos(ended)
	return session, nil
}
