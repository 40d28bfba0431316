package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
)

var allowed = StaticCapabilities{Permission: true, Sensor: true}

func receive(t *testing.T, ch <-chan beacon.RawSample) beacon.RawSample {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("feed channel closed unexpectedly")
		}
		return s
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for fix")
	}
	return beacon.RawSample{}
}

func at(lat, lng, accuracy float64) beacon.RawSample {
	return beacon.RawSample{Time: time.Now(), Latitude: lat, Longitude: lng, Accuracy: accuracy}
}

func TestFeedStartChecksCapabilities(t *testing.T) {
	f := NewFeed(StaticCapabilities{Permission: false, Sensor: true})
	if _, err := f.Start(context.Background(), 10, 0); !errors.Is(err, beacon.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	f = NewFeed(StaticCapabilities{Permission: true, Sensor: false})
	if _, err := f.Start(context.Background(), 10, 0); !errors.Is(err, beacon.ErrSensorUnavailable) {
		t.Fatalf("expected sensor unavailable, got %v", err)
	}
}

func TestFeedReportsMovementAndSingleHeartbeat(t *testing.T) {
	f := NewFeed(allowed)
	ch, err := f.Start(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	f.Push(at(0, 0, 8))
	if s := receive(t, ch); s.Heartbeat || s.Longitude != 0 {
		t.Fatalf("expected first fix, got %+v", s)
	}

	f.Push(at(0, 0.00005, 8))
	hb := receive(t, ch)
	if !hb.Heartbeat || hb.Longitude != 0.00005 {
		t.Fatalf("expected heartbeat on entering stationary, got %+v", hb)
	}

	// Still stationary, no repeat without a heartbeat interval.
	f.Push(at(0, 0.00006, 8))

	f.Push(at(0, 0.0002, 8))
	if s := receive(t, ch); s.Heartbeat || s.Longitude != 0.0002 {
		t.Fatalf("expected moved fix, got %+v", s)
	}
}

func TestFeedWaitsStoppedElapsedBeforeHeartbeat(t *testing.T) {
	f := NewFeed(allowed)
	ch, err := f.Start(context.Background(), 10, 10*time.Second)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Stop()

	t0 := time.Unix(1_700_000_000, 0)
	fixAt := func(offset time.Duration, lng float64) beacon.RawSample {
		return beacon.RawSample{Time: t0.Add(offset), Latitude: 1, Longitude: lng, Accuracy: 5}
	}

	f.Push(fixAt(0, 1))
	receive(t, ch)

	f.Push(fixAt(5*time.Second, 1))
	f.Push(fixAt(11*time.Second, 1.00001))
	hb := receive(t, ch)
	if !hb.Heartbeat || !hb.Time.Equal(t0.Add(11*time.Second)) {
		t.Fatalf("expected heartbeat after stopped elapsed, got %+v", hb)
	}
}

func TestFeedReportsBetterAccuracy(t *testing.T) {
	f := NewFeed(allowed)
	ch, _ := f.Start(context.Background(), 10, time.Hour)
	defer f.Stop()

	f.Push(at(0, 0, 20))
	receive(t, ch)

	f.Push(at(0, 0.00001, 20))
	f.Push(at(0, 0.00001, 5))
	s := receive(t, ch)
	if s.Accuracy != 5 || s.Heartbeat {
		t.Fatalf("expected more accurate fix, got %+v", s)
	}
}

func TestFeedRepeatsHeartbeatWhenConfigured(t *testing.T) {
	f := NewFeed(allowed)
	f.SetStationaryHeartbeat(10 * time.Millisecond)
	ch, _ := f.Start(context.Background(), 10, 0)
	defer f.Stop()

	f.Push(at(0, 0, 5))
	receive(t, ch)
	if !receive(t, ch).Heartbeat {
		t.Fatalf("expected first heartbeat")
	}
	if !receive(t, ch).Heartbeat {
		t.Fatalf("expected repeated heartbeat")
	}
}

func TestFeedStopClosesChannelAndRestartsFresh(t *testing.T) {
	f := NewFeed(allowed)
	ch, _ := f.Start(context.Background(), 10, 0)

	f.Push(at(0, 0, 5))
	receive(t, ch)

	if _, err := f.Start(context.Background(), 10, 0); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected running feed to refuse a second start, got %v", err)
	}

	if err := f.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after stop")
	}
	if f.Push(at(0, 0, 5)) {
		t.Fatalf("expected push to be dropped while stopped")
	}

	next, err := f.Start(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer f.Stop()
	f.Push(at(0, 0, 5))
	if s := receive(t, next); s.Heartbeat {
		t.Fatalf("expected fresh baseline to report the first fix, got %+v", s)
	}
}

func TestFeedClosesOnContextCancel(t *testing.T) {
	f := NewFeed(allowed)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := f.Start(ctx, 10, 0)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected no fix after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
	if err := f.Stop(); err != nil {
		t.Fatalf("stop after cancel: %v", err)
	}
}
