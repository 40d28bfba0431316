package position

import (
	"context"
	"sync"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/shared/geo"
)

// Feed adapts a platform sensor callback to Source. The platform calls Push
// for every fix it sees; Feed decides which ones are reported.
type Feed struct {
	caps Capabilities
	now  func() time.Time

	mu        sync.Mutex
	heartbeat time.Duration
	run       *feedRun
}

func NewFeed(caps Capabilities) *Feed {
	return &Feed{caps: caps, now: time.Now}
}

func (f *Feed) SetStationaryHeartbeat(every time.Duration) {
	f.mu.Lock()
	f.heartbeat = every
	f.mu.Unlock()
}

func (f *Feed) Start(ctx context.Context, minDistanceMeters float64, stoppedElapsed time.Duration) (<-chan beacon.RawSample, error) {
	if err := checkCapabilities(f.caps); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.run != nil {
		select {
		case <-f.run.exited:
			f.run = nil
		default:
			return nil, ErrRunning
		}
	}

	r := &feedRun{
		in:             make(chan beacon.RawSample),
		out:            make(chan beacon.RawSample),
		done:           make(chan struct{}),
		exited:         make(chan struct{}),
		now:            f.now,
		minDistance:    minDistanceMeters,
		stoppedElapsed: stoppedElapsed,
		heartbeat:      f.heartbeat,
	}
	f.run = r

	var tick <-chan time.Time
	if every := r.checkInterval(); every > 0 {
		ticker := time.NewTicker(every)
		tick = ticker.C
		go func() {
			<-r.exited
			ticker.Stop()
		}()
	}
	go r.loop(ctx, tick)
	return r.out, nil
}

// Push hands a fix from the platform to the running feed. It reports false
// when the feed is not running and the fix was dropped.
func (f *Feed) Push(sample beacon.RawSample) bool {
	f.mu.Lock()
	r := f.run
	f.mu.Unlock()
	if r == nil {
		return false
	}
	if sample.Time.IsZero() {
		sample.Time = f.now()
	}
	select {
	case r.in <- sample:
		return true
	case <-r.exited:
		return false
	}
}

func (f *Feed) Stop() error {
	f.mu.Lock()
	r := f.run
	f.run = nil
	f.mu.Unlock()
	if r == nil {
		return nil
	}
	close(r.done)
	<-r.exited
	return nil
}

type feedRun struct {
	in     chan beacon.RawSample
	out    chan beacon.RawSample
	done   chan struct{}
	exited chan struct{}
	now    func() time.Time

	minDistance    float64
	stoppedElapsed time.Duration
	heartbeat      time.Duration

	reported      *beacon.RawSample
	latest        beacon.RawSample
	lastMove      time.Time
	stationary    bool
	lastHeartbeat time.Time
}

func (r *feedRun) checkInterval() time.Duration {
	every := r.heartbeat
	if r.stoppedElapsed > 0 && (every == 0 || r.stoppedElapsed < every) {
		every = r.stoppedElapsed
	}
	return every
}

func (r *feedRun) loop(ctx context.Context, tick <-chan time.Time) {
	defer close(r.exited)
	defer close(r.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case s := <-r.in:
			if !r.observe(ctx, s) {
				return
			}
		case <-tick:
			if !r.idle(ctx) {
				return
			}
		}
	}
}

func (r *feedRun) observe(ctx context.Context, s beacon.RawSample) bool {
	r.latest = s
	now := s.Time

	if r.reported == nil {
		r.lastMove = now
		return r.report(ctx, s)
	}

	moved := geo.DistanceMeters(r.reported.Latitude, r.reported.Longitude, s.Latitude, s.Longitude) >= r.minDistance
	if moved {
		r.lastMove = now
		r.stationary = false
		return r.report(ctx, s)
	}
	if s.Accuracy > 0 && (r.reported.Accuracy <= 0 || s.Accuracy < r.reported.Accuracy) {
		if !r.report(ctx, s) {
			return false
		}
	}
	return r.settle(ctx, now)
}

func (r *feedRun) idle(ctx context.Context) bool {
	if r.reported == nil {
		return true
	}
	return r.settle(ctx, r.now())
}

// settle moves the run into the stationary state once no qualifying
// movement was seen for stoppedElapsed, and emits heartbeats there.
func (r *feedRun) settle(ctx context.Context, now time.Time) bool {
	if !r.stationary {
		if now.Sub(r.lastMove) < r.stoppedElapsed {
			return true
		}
		r.stationary = true
		return r.beat(ctx, now)
	}
	if r.heartbeat > 0 && now.Sub(r.lastHeartbeat) >= r.heartbeat {
		return r.beat(ctx, now)
	}
	return true
}

func (r *feedRun) beat(ctx context.Context, now time.Time) bool {
	hb := r.latest
	hb.Time = now
	hb.Heartbeat = true
	r.lastHeartbeat = now
	return r.emit(ctx, hb)
}

func (r *feedRun) report(ctx context.Context, s beacon.RawSample) bool {
	copied := s
	r.reported = &copied
	return r.emit(ctx, s)
}

func (r *feedRun) emit(ctx context.Context, s beacon.RawSample) bool {
	select {
	case r.out <- s:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}
