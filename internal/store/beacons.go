package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
)

const beaconColumns = `seq, session_id, device_id, recorded_at, latitude, longitude, accuracy, speed, heartbeat,
	created_at, state, attempts, next_attempt_at, failure_reason, delivered_at, failed_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) Append(ctx context.Context, sessionID string, sample beacon.RawSample) (beacon.Beacon, error) {
	b := beacon.Beacon{
		SessionID: sessionID,
		DeviceID:  s.deviceID,
		Sample:    sample,
		CreatedAt: s.now(),
		State:     beacon.StatePending,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var endedAt int64
		err := tx.QueryRowContext(ctx, `SELECT ended_at FROM sessions WHERE id = ?`, sessionID).Scan(&endedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, beacon.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if endedAt != 0 {
			return fmt.Errorf("%w: session %s is closed", beacon.ErrInvalidTransition, sessionID)
		}

		last, err := lastSequence(ctx, tx)
		if err != nil {
			return err
		}
		b.Sequence = last + 1

		var speed sql.NullFloat64
		if sample.Speed != nil {
			speed = sql.NullFloat64{Float64: *sample.Speed, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO beacons (seq, session_id, device_id, recorded_at, latitude, longitude, accuracy, speed, heartbeat, created_at, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.Sequence, b.SessionID, b.DeviceID, nanos(sample.Time), sample.Latitude, sample.Longitude, sample.Accuracy,
			speed, sample.Heartbeat, nanos(b.CreatedAt), b.State)
		if err != nil {
			return fmt.Errorf("insert beacon: %w", err)
		}
		return writeMeta(ctx, tx, metaLastSeq, strconv.FormatInt(b.Sequence, 10))
	})
	if err != nil {
		return beacon.Beacon{}, err
	}
	return b, nil
}

// NextPending returns up to limit pending beacons in ascending sequence
// order. The result stops at the first beacon still waiting out a retry
// back-off so delivery never overtakes it.
func (s *Store) NextPending(ctx context.Context, limit int) ([]beacon.Beacon, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+beaconColumns+`
		FROM beacons WHERE state = ?
		ORDER BY seq
		LIMIT ?
	`, beacon.StatePending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var out []beacon.Beacon
	for rows.Next() {
		b, err := scanBeacon(rows)
		if err != nil {
			return nil, err
		}
		if b.NextAttemptAt.After(now) {
			break
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, seq int64) (beacon.Beacon, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+beaconColumns+` FROM beacons WHERE seq = ?`, seq)
	b, err := scanBeacon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return beacon.Beacon{}, fmt.Errorf("beacon %d: %w", seq, beacon.ErrNotFound)
	}
	return b, err
}

func (s *Store) MarkInFlight(ctx context.Context, seq int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := update(ctx, tx, `UPDATE beacons SET state = ? WHERE seq = ? AND state = ?`,
			beacon.StateInFlight, seq, beacon.StatePending)
		if err != nil || ok {
			return err
		}
		state, err := stateOf(ctx, tx, seq)
		if err != nil {
			return err
		}
		if state == beacon.StateInFlight {
			return fmt.Errorf("beacon %d: %w", seq, beacon.ErrAlreadyInFlight)
		}
		return fmt.Errorf("%w: beacon %d %s -> %s", beacon.ErrInvalidTransition, seq, state, beacon.StateInFlight)
	})
}

// MarkDelivered is idempotent: acknowledging an already delivered beacon is
// a no-op.
func (s *Store) MarkDelivered(ctx context.Context, seq int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := update(ctx, tx, `UPDATE beacons SET state = ?, delivered_at = ?, attempts = attempts + 1 WHERE seq = ? AND state = ?`,
			beacon.StateDelivered, nanos(s.now()), seq, beacon.StateInFlight)
		if err != nil || ok {
			return err
		}
		state, err := stateOf(ctx, tx, seq)
		if err != nil {
			return err
		}
		if state == beacon.StateDelivered {
			return nil
		}
		return fmt.Errorf("%w: beacon %d %s -> %s", beacon.ErrInvalidTransition, seq, state, beacon.StateDelivered)
	})
}

func (s *Store) MarkFailed(ctx context.Context, seq int64, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := update(ctx, tx, `
			UPDATE beacons SET state = ?, failure_reason = ?, failed_at = ?, attempts = attempts + 1
			WHERE seq = ? AND state = ?
		`, beacon.StateFailed, reason, nanos(s.now()), seq, beacon.StateInFlight)
		if err != nil || ok {
			return err
		}
		state, err := stateOf(ctx, tx, seq)
		if err != nil {
			return err
		}
		if state == beacon.StateFailed {
			return nil
		}
		return fmt.Errorf("%w: beacon %d %s -> %s", beacon.ErrInvalidTransition, seq, state, beacon.StateFailed)
	})
}

func (s *Store) MarkRetry(ctx context.Context, seq int64, reason string, notBefore time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := update(ctx, tx, `
			UPDATE beacons SET state = ?, failure_reason = ?, next_attempt_at = ?, attempts = attempts + 1
			WHERE seq = ? AND state = ?
		`, beacon.StatePending, reason, nanos(notBefore), seq, beacon.StateInFlight)
		if err != nil || ok {
			return err
		}
		state, err := stateOf(ctx, tx, seq)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: beacon %d %s -> retry", beacon.ErrInvalidTransition, seq, state)
	})
}

// Release reverts an interrupted transmission to pending without counting
// it as an attempt. Beacons that are not in flight are left alone.
func (s *Store) Release(ctx context.Context, seq int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := update(ctx, tx, `UPDATE beacons SET state = ? WHERE seq = ? AND state = ?`,
			beacon.StatePending, seq, beacon.StateInFlight)
		return err
	})
}

// Prune removes delivered and failed beacons older than olderThan, then
// trims failed beacons beyond the retention cap. Pending and in-flight
// beacons are never removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cutoff := nanos(olderThan)
		res, err := tx.ExecContext(ctx, `
			DELETE FROM beacons
			WHERE (state = ? AND delivered_at < ?) OR (state = ? AND failed_at < ?)
		`, beacon.StateDelivered, cutoff, beacon.StateFailed, cutoff)
		if err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.ExecContext(ctx, `
			DELETE FROM beacons
			WHERE state = ? AND seq NOT IN (
				SELECT seq FROM beacons WHERE state = ? ORDER BY failed_at DESC, seq DESC LIMIT ?
			)
		`, beacon.StateFailed, beacon.StateFailed, s.failedRetention)
		if err != nil {
			return fmt.Errorf("prune failed beacons: %w", err)
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	return removed, err
}

func (s *Store) Stats(ctx context.Context) (beacon.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM beacons GROUP BY state`)
	if err != nil {
		return beacon.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats beacon.Stats
	for rows.Next() {
		var state beacon.State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return beacon.Stats{}, err
		}
		switch state {
		case beacon.StatePending:
			stats.Pending = n
		case beacon.StateInFlight:
			stats.InFlight = n
		case beacon.StateDelivered:
			stats.Delivered = n
		case beacon.StateFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

func update(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update beacon: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func stateOf(ctx context.Context, tx *sql.Tx, seq int64) (beacon.State, error) {
	var state beacon.State
	err := tx.QueryRowContext(ctx, `SELECT state FROM beacons WHERE seq = ?`, seq).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("beacon %d: %w", seq, beacon.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load beacon state: %w", err)
	}
	return state, nil
}

func scanBeacon(row scanner) (beacon.Beacon, error) {
	var (
		b                                                    beacon.Beacon
		recordedAt, createdAt, nextAt, deliveredAt, failedAt int64
		speed                                                sql.NullFloat64
	)
	err := row.Scan(&b.Sequence, &b.SessionID, &b.DeviceID, &recordedAt, &b.Sample.Latitude, &b.Sample.Longitude,
		&b.Sample.Accuracy, &speed, &b.Sample.Heartbeat, &createdAt, &b.State, &b.Attempts, &nextAt,
		&b.FailureReason, &deliveredAt, &failedAt)
	if err != nil {
		return beacon.Beacon{}, err
	}
	if speed.Valid {
		v := speed.Float64
		b.Sample.Speed = &v
	}
	b.Sample.Time = fromNanos(recordedAt)
	b.CreatedAt = fromNanos(createdAt)
	b.NextAttemptAt = fromNanos(nextAt)
	b.DeliveredAt = fromNanos(deliveredAt)
	b.FailedAt = fromNanos(failedAt)
	return b, nil
}
