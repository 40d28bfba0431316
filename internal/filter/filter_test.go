package filter

import (
	"math/rand"
	"testing"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/shared/geo"
)

func sample(lat, lng, accuracy float64) beacon.RawSample {
	return beacon.RawSample{Time: time.Now(), Latitude: lat, Longitude: lng, Accuracy: accuracy}
}

func TestFilterScenarioTenMeters(t *testing.T) {
	f := New(10, 0)

	got := []Decision{
		f.Offer(sample(0, 0, 0)),
		f.Offer(sample(0, 0.00005, 0)),
		f.Offer(sample(0, 0.0002, 0)),
	}
	want := []Decision{Accept, Reject, Accept}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %v want %v", i, got[i], want[i])
		}
	}

	// Measured from the last accepted fix, not the first.
	if d := f.Offer(sample(0, 0.00025, 0)); d != Reject {
		t.Fatalf("expected baseline at last accepted fix, got %v", d)
	}
}

func TestEvaluateFirstFixAlwaysAccepted(t *testing.T) {
	if Evaluate(nil, sample(10, 10, 500), 1000, 0) != Accept {
		t.Fatalf("first fix must be accepted")
	}
}

func TestEvaluateAccuracyTieBreak(t *testing.T) {
	prev := sample(0, 0, 50)

	if Evaluate(&prev, sample(0, 0.00001, 20), 10, 5) != Accept {
		t.Fatalf("expected much better accuracy to be accepted")
	}
	if Evaluate(&prev, sample(0, 0.00001, 46), 10, 5) != Reject {
		t.Fatalf("expected improvement inside margin to be rejected")
	}
	if Evaluate(&prev, sample(0, 0.00001, 45), 10, 5) != Reject {
		t.Fatalf("expected improvement equal to margin to be rejected")
	}
	if Evaluate(&prev, sample(0, 0.00001, 0), 10, 5) != Reject {
		t.Fatalf("expected unknown accuracy to be rejected")
	}
}

func TestEvaluateZeroDistanceAcceptsEverything(t *testing.T) {
	prev := sample(1, 1, 5)
	if Evaluate(&prev, sample(1, 1, 5), 0, 0) != Accept {
		t.Fatalf("zero distance filter must accept every fix")
	}
}

func TestFilterAcceptedSpacingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const distance = 25.0
	const margin = 3.0

	for run := 0; run < 50; run++ {
		f := New(distance, margin)
		var prev *beacon.RawSample
		lat, lng := -6.2, 106.8
		for i := 0; i < 200; i++ {
			lat += (rng.Float64() - 0.5) * 0.0006
			lng += (rng.Float64() - 0.5) * 0.0006
			s := sample(lat, lng, rng.Float64()*60)
			if f.Offer(s) != Accept {
				continue
			}
			if prev != nil {
				d := geo.DistanceMeters(prev.Latitude, prev.Longitude, s.Latitude, s.Longitude)
				betterAccuracy := s.Accuracy > 0 && (prev.Accuracy <= 0 || s.Accuracy+margin < prev.Accuracy)
				if d < distance && !betterAccuracy {
					t.Fatalf("run %d sample %d accepted %.2fm after previous without better accuracy", run, i, d)
				}
			}
			accepted := s
			prev = &accepted
		}
	}
}
