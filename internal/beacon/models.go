package beacon

import (
	"strconv"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// RawSample is a single fix from a position source. Time is taken from
// time.Now so it keeps the monotonic reading alongside the wall clock.
type RawSample struct {
	Time      time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Speed     *float64  `json:"speed,omitempty"`
	Heartbeat bool      `json:"heartbeat,omitempty"`
}

type Beacon struct {
	Sequence      int64     `json:"sequence"`
	SessionID     string    `json:"session_id"`
	DeviceID      string    `json:"device_id"`
	Sample        RawSample `json:"sample"`
	CreatedAt     time.Time `json:"created_at"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	DeliveredAt   time.Time `json:"delivered_at,omitempty"`
	FailedAt      time.Time `json:"failed_at,omitempty"`
}

// IdempotencyKey identifies a beacon to the receiving server across retries.
func (b Beacon) IdempotencyKey() string {
	return idempotencyKey(b.DeviceID, b.SessionID, b.Sequence)
}

func idempotencyKey(deviceID, sessionID string, sequence int64) string {
	return deviceID + ":" + sessionID + ":" + strconv.FormatInt(sequence, 10)
}

type Session struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Options   Options   `json:"options"`
}

func (s Session) Active() bool {
	return s.EndedAt.IsZero()
}

type Stats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Report is the wire form of a beacon as posted to the ingest endpoint.
type Report struct {
	DeviceID  string    `json:"device_id" validate:"required,max=64"`
	SessionID string    `json:"session_id" validate:"required,max=64"`
	Sequence  int64     `json:"sequence" validate:"gte=1"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Speed     *float64  `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heartbeat bool      `json:"heartbeat"`
}

func (b Beacon) Report() Report {
	return Report{
		DeviceID:  b.DeviceID,
		SessionID: b.SessionID,
		Sequence:  b.Sequence,
		Timestamp: b.Sample.Time.UTC(),
		Latitude:  b.Sample.Latitude,
		Longitude: b.Sample.Longitude,
		Accuracy:  b.Sample.Accuracy,
		Speed:     b.Sample.Speed,
		Heartbeat: b.Sample.Heartbeat,
	}
}

func (r Report) IdempotencyKey() string {
	return idempotencyKey(r.DeviceID, r.SessionID, r.Sequence)
}

// Validate checks a report received from the wire.
func (r Report) Validate() error {
	return validate.Struct(r)
}
