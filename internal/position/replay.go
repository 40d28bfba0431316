package position

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
)

// Track is a recorded route used to drive a Feed without a sensor.
//
//	interval: 2s
//	loop: true
//	points:
//	  - {lat: -6.2001, lng: 106.8166, accuracy: 6}
//	  - {lat: -6.2003, lng: 106.8170, accuracy: 5, hold: 30s}
type Track struct {
	Interval time.Duration `yaml:"interval"`
	Loop     bool          `yaml:"loop"`
	Points   []TrackPoint  `yaml:"points"`
}

type TrackPoint struct {
	Latitude  float64       `yaml:"lat"`
	Longitude float64       `yaml:"lng"`
	Accuracy  float64       `yaml:"accuracy"`
	Speed     *float64      `yaml:"speed"`
	Hold      time.Duration `yaml:"hold"`
}

func ParseTrack(data []byte) (Track, error) {
	var t Track
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Track{}, fmt.Errorf("parse track: %w", err)
	}
	if len(t.Points) == 0 {
		return Track{}, errors.New("parse track: no points")
	}
	if t.Interval <= 0 {
		t.Interval = time.Second
	}
	for i, p := range t.Points {
		if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
			return Track{}, fmt.Errorf("parse track: point %d out of range", i)
		}
	}
	return t, nil
}

func LoadTrack(path string) (Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Track{}, fmt.Errorf("read track: %w", err)
	}
	return ParseTrack(data)
}

// Replay pushes the track into feed at the track's pace until ctx is done
// or, for a non-looping track, the last point was pushed. Fixes pushed while
// the feed is stopped are dropped as a real sensor's would be.
func Replay(ctx context.Context, feed *Feed, track Track) error {
	for {
		for _, p := range track.Points {
			feed.Push(beacon.RawSample{
				Time:      time.Now(),
				Latitude:  p.Latitude,
				Longitude: p.Longitude,
				Accuracy:  p.Accuracy,
				Speed:     p.Speed,
			})
			if err := sleep(ctx, track.Interval+p.Hold); err != nil {
				return err
			}
		}
		if !track.Loop {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
