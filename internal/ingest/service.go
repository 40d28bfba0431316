package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/db"
	"github.com/tiny-giraffes/life-beacon-360/internal/shared/geo"
)

const (
	defaultLatest = 10
	maxLatest     = 100
)

// Broadcaster fans stored beacons out to live listeners.
type Broadcaster interface {
	Broadcast(deviceID string, payload []byte)
}

type Service struct {
	db  db.Querier
	hub Broadcaster
}

func NewService(q db.Querier, hub Broadcaster) *Service {
	return &Service{db: q, hub: hub}
}

// Record stores a reported beacon. Retries of a beacon already stored are
// acknowledged without a second row; created reports which case applied.
func (s *Service) Record(ctx context.Context, r beacon.Report) (Beacon, bool, error) {
	b := Beacon{
		DeviceID:   r.DeviceID,
		SessionID:  r.SessionID,
		Sequence:   r.Sequence,
		RecordedAt: r.Timestamp,
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		Accuracy:   r.Accuracy,
		Speed:      r.Speed,
		Heartbeat:  r.Heartbeat,
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO beacons (device_id, session_id, sequence, recorded_at, latitude, longitude, accuracy, speed, heartbeat)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (device_id, session_id, sequence) DO NOTHING
		RETURNING id, received_at
	`, b.DeviceID, b.SessionID, b.Sequence, b.RecordedAt, b.Latitude, b.Longitude, b.Accuracy, b.Speed, b.Heartbeat)
	err := row.Scan(&b.ID, &b.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing := s.db.QueryRow(ctx, `
			SELECT id, received_at FROM beacons
			WHERE device_id=$1 AND session_id=$2 AND sequence=$3
		`, b.DeviceID, b.SessionID, b.Sequence)
		if err := existing.Scan(&b.ID, &b.ReceivedAt); err != nil {
			return Beacon{}, false, fmt.Errorf("load duplicate beacon: %w", err)
		}
		return b, false, nil
	}
	if err != nil {
		return Beacon{}, false, err
	}

	if s.hub != nil {
		payload, _ := json.Marshal(b)
		s.hub.Broadcast(b.DeviceID, payload)
	}
	return b, true, nil
}

// Latest returns the most recent beacons of a device, newest first.
func (s *Service) Latest(ctx context.Context, deviceID string, limit int) ([]Beacon, error) {
	if limit <= 0 {
		limit = defaultLatest
	}
	if limit > maxLatest {
		limit = maxLatest
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, device_id, session_id, sequence, recorded_at, latitude, longitude, accuracy, speed, heartbeat, received_at
		FROM beacons WHERE device_id=$1
		ORDER BY recorded_at DESC, sequence DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	beacons := []Beacon{}
	for rows.Next() {
		var b Beacon
		if err := rows.Scan(&b.ID, &b.DeviceID, &b.SessionID, &b.Sequence, &b.RecordedAt, &b.Latitude, &b.Longitude,
			&b.Accuracy, &b.Speed, &b.Heartbeat, &b.ReceivedAt); err != nil {
			return nil, err
		}
		beacons = append(beacons, b)
	}
	return beacons, rows.Err()
}

// Summary walks a session's beacons in sequence order. Heartbeats count as
// points but add no distance.
func (s *Service) Summary(ctx context.Context, sessionID string) (Summary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT device_id, latitude, longitude, recorded_at, heartbeat
		FROM beacons WHERE session_id=$1
		ORDER BY sequence
	`, sessionID)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()

	summary := Summary{SessionID: sessionID}
	var (
		first, last Beacon
		prev        *Beacon
	)
	for rows.Next() {
		var b Beacon
		if err := rows.Scan(&b.DeviceID, &b.Latitude, &b.Longitude, &b.RecordedAt, &b.Heartbeat); err != nil {
			return Summary{}, err
		}
		if summary.PointCount == 0 {
			first = b
			summary.DeviceID = b.DeviceID
		}
		summary.PointCount++
		last = b
		if b.Heartbeat {
			continue
		}
		if prev != nil {
			summary.DistanceM += geo.DistanceMeters(prev.Latitude, prev.Longitude, b.Latitude, b.Longitude)
		}
		p := b
		prev = &p
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}
	if summary.PointCount == 0 {
		return Summary{}, beacon.ErrNotFound
	}

	duration := last.RecordedAt.Sub(first.RecordedAt)
	summary.DurationSec = int64(duration.Seconds())
	if duration.Seconds() > 0 {
		summary.AverageSpeedM = summary.DistanceM / duration.Seconds()
	}
	return summary, nil
}
