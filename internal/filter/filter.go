package filter

import (
	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/shared/geo"
)

type Decision int

const (
	Reject Decision = iota
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// Evaluate decides whether next is worth a beacon given the last accepted
// sample. An accuracy of zero or less means the fix carries no accuracy and
// can never win on accuracy alone.
func Evaluate(prev *beacon.RawSample, next beacon.RawSample, distanceMeters, accuracyMargin float64) Decision {
	if prev == nil {
		return Accept
	}
	if geo.DistanceMeters(prev.Latitude, prev.Longitude, next.Latitude, next.Longitude) >= distanceMeters {
		return Accept
	}
	if next.Accuracy > 0 && (prev.Accuracy <= 0 || next.Accuracy+accuracyMargin < prev.Accuracy) {
		return Accept
	}
	return Reject
}

// Filter keeps the last accepted sample for one source run. It is not safe
// for concurrent use; the controller's sample loop is its only caller.
type Filter struct {
	distanceMeters float64
	accuracyMargin float64
	last           *beacon.RawSample
}

func New(distanceMeters, accuracyMargin float64) *Filter {
	return &Filter{distanceMeters: distanceMeters, accuracyMargin: accuracyMargin}
}

func (f *Filter) Offer(sample beacon.RawSample) Decision {
	d := Evaluate(f.last, sample, f.distanceMeters, f.accuracyMargin)
	if d == Accept {
		s := sample
		f.last = &s
	}
	return d
}
