package beacon

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Notification struct {
	Title string `json:"title" yaml:"title"`
	Text  string `json:"text" yaml:"text"`
}

// Options is the configuration snapshot of a tracking session. It is
// validated once when the session starts and never mutated afterwards.
type Options struct {
	DistanceFilterMeters       float64      `json:"distance_filter_meters" validate:"gte=0"`
	StoppedElapsedSeconds      float64      `json:"stopped_elapsed_seconds" validate:"gte=0"`
	StationaryHeartbeatSeconds float64      `json:"stationary_heartbeat_seconds" validate:"gte=0"`
	AccuracyMarginMeters       float64      `json:"accuracy_margin_meters" validate:"gte=0"`
	RequestPermissionsOnStart  bool         `json:"request_permissions_on_start"`
	Notification               Notification `json:"notification"`
	AllowInsecureTransport     bool         `json:"allow_insecure_transport"`
}

func DefaultOptions() Options {
	return Options{
		DistanceFilterMeters:      10,
		StoppedElapsedSeconds:     0,
		AccuracyMarginMeters:      5,
		RequestPermissionsOnStart: true,
		Notification: Notification{
			Title: "Location Tracking Active",
			Text:  "Life Beacon 360 is tracking your location in the background",
		},
	}
}

var validate = validator.New()

func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

func (o Options) StoppedElapsed() time.Duration {
	return seconds(o.StoppedElapsedSeconds)
}

func (o Options) StationaryHeartbeat() time.Duration {
	return seconds(o.StationaryHeartbeatSeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
