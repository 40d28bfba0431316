package position

import (
	"context"
	"errors"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
)

var ErrRunning = errors.New("position source already started")

// Source produces raw fixes. Start returns beacon.ErrPermissionDenied or
// beacon.ErrSensorUnavailable when it cannot run; neither is retried. The
// returned channel is closed by Stop and is never reused: every Start hands
// out a new channel with a fresh baseline.
type Source interface {
	Start(ctx context.Context, minDistanceMeters float64, stoppedElapsed time.Duration) (<-chan beacon.RawSample, error)
	Stop() error
}

// HeartbeatConfigurer is implemented by sources that can repeat heartbeat
// fixes while the device is stationary. Zero disables repeats.
type HeartbeatConfigurer interface {
	SetStationaryHeartbeat(every time.Duration)
}

// Capabilities reports what the platform currently allows.
type Capabilities interface {
	PermissionGranted() bool
	SensorAvailable() bool
}

type StaticCapabilities struct {
	Permission bool
	Sensor     bool
}

func (c StaticCapabilities) PermissionGranted() bool { return c.Permission }
func (c StaticCapabilities) SensorAvailable() bool   { return c.Sensor }

func checkCapabilities(caps Capabilities) error {
	if caps == nil {
		return nil
	}
	if !caps.PermissionGranted() {
		return beacon.ErrPermissionDenied
	}
	if !caps.SensorAvailable() {
		return beacon.ErrSensorUnavailable
	}
	return nil
}
