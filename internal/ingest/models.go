package ingest

import "time"

// Beacon is a beacon as stored by the ingest server.
type Beacon struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	SessionID  string    `json:"session_id"`
	Sequence   int64     `json:"sequence"`
	RecordedAt time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Speed      *float64  `json:"speed,omitempty"`
	Heartbeat  bool      `json:"heartbeat"`
	ReceivedAt time.Time `json:"received_at"`
}

type Summary struct {
	SessionID     string  `json:"session_id"`
	DeviceID      string  `json:"device_id"`
	PointCount    int     `json:"point_count"`
	DistanceM     float64 `json:"distance_m"`
	DurationSec   int64   `json:"duration_sec"`
	AverageSpeedM float64 `json:"average_speed_mps"`
}
