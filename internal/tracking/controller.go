package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/diagnostics"
	"github.com/tiny-giraffes/life-beacon-360/internal/filter"
	"github.com/tiny-giraffes/life-beacon-360/internal/position"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateTracking State = "tracking"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

var errSourceClosed = errors.New("position source closed unexpectedly")

type Store interface {
	OpenSession(ctx context.Context, opts beacon.Options) (beacon.Session, error)
	CloseSession(ctx context.Context, id string) error
	ActiveSession(ctx context.Context) (beacon.Session, bool, error)
	Append(ctx context.Context, sessionID string, sample beacon.RawSample) (beacon.Beacon, error)
}

type Worker interface {
	Start(ctx context.Context) error
	Stop(grace time.Duration) error
	Kick()
}

type Deps struct {
	Source      position.Source
	Permissions Permissions
	Store       Store
	Worker      Worker
	Presenter   Presenter
	Sink        diagnostics.Sink
}

type Config struct {
	StopGrace time.Duration
}

// Controller owns the tracking lifecycle. Lifecycle calls are serialised.
type Controller struct {
	source    position.Source
	perms     Permissions
	store     Store
	worker    Worker
	presenter Presenter
	sink      diagnostics.Sink
	stopGrace time.Duration

	ops sync.Mutex

	mu      sync.Mutex
	state   State
	session beacon.Session
	run     *sampleRun
	gen     uint64
}

type sampleRun struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(deps Deps, cfg Config) *Controller {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	sink := deps.Sink
	if sink == nil {
		sink = diagnostics.LogSink{}
	}
	return &Controller{
		source:    deps.Source,
		perms:     deps.Permissions,
		store:     deps.Store,
		worker:    deps.Worker,
		presenter: deps.Presenter,
		sink:      sink,
		stopGrace: cfg.StopGrace,
		state:     StateStopped,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Session() (beacon.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session.ID != ""
}

func (c *Controller) Start(ctx context.Context, opts beacon.Options) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if state := c.State(); state != StateStopped {
		return fmt.Errorf("%w: start while %s", beacon.ErrInvalidTransition, state)
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	c.setState(StateStarting, beacon.Session{Options: opts})
	c.present(nil)

	if err := c.ensurePermission(ctx, opts.RequestPermissionsOnStart); err != nil {
		c.setState(StateStopped, beacon.Session{})
		c.present(err)
		return err
	}

	session, err := c.store.OpenSession(ctx, opts)
	if err != nil {
		err = fmt.Errorf("open session: %w", err)
		c.setState(StateStopped, beacon.Session{})
		c.present(err)
		return err
	}
	return c.enter(ctx, session)
}

// Resume re-enters tracking with the session persisted before a restart.
// It reports false when there was nothing to resume or permission no longer
// holds; a stale session is closed in the latter case.
func (c *Controller) Resume(ctx context.Context) (bool, error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	if state := c.State(); state != StateStopped {
		return false, fmt.Errorf("%w: resume while %s", beacon.ErrInvalidTransition, state)
	}
	session, ok, err := c.store.ActiveSession(ctx)
	if err != nil {
		return false, fmt.Errorf("load active session: %w", err)
	}
	if !ok {
		return false, nil
	}

	granted, err := c.granted(ctx)
	if err != nil || !granted {
		log.Printf("not resuming session %s: permission no longer granted", session.ID)
		if cerr := c.store.CloseSession(ctx, session.ID); cerr != nil {
			return false, fmt.Errorf("close stale session: %w", cerr)
		}
		return false, nil
	}

	c.setState(StateStarting, session)
	c.present(nil)
	if err := c.enter(ctx, session); err != nil {
		return false, err
	}
	log.Printf("resumed session %s", session.ID)
	return true, nil
}

func (c *Controller) enter(ctx context.Context, session beacon.Session) error {
	if err := c.startSource(session); err != nil {
		if cerr := c.store.CloseSession(context.WithoutCancel(ctx), session.ID); cerr != nil {
			log.Printf("close session %s: %v", session.ID, cerr)
		}
		c.setState(StateStopped, beacon.Session{})
		c.present(err)
		return err
	}
	if err := c.worker.Start(context.Background()); err != nil {
		log.Printf("delivery worker: %v", err)
	}
	c.setState(StateTracking, session)
	c.present(nil)
	return nil
}

// PermissionRevoked pauses sampling. Beacons already queued keep draining.
func (c *Controller) PermissionRevoked(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.State() != StateTracking {
		return nil
	}
	c.stopSource()
	c.mu.Lock()
	c.state = StatePaused
	c.mu.Unlock()
	log.Printf("location permission revoked, tracking paused")
	c.present(beacon.ErrPermissionDenied)
	return nil
}

func (c *Controller) PermissionRestored(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.State() != StatePaused {
		return nil
	}
	if ok, err := c.granted(ctx); err != nil || !ok {
		return beacon.ErrPermissionDenied
	}

	session, _ := c.Session()
	if err := c.startSource(session); err != nil {
		c.stop(ctx, err)
		return err
	}
	c.mu.Lock()
	c.state = StateTracking
	c.mu.Unlock()
	c.present(nil)
	return nil
}

// Reconfigure closes the current session and continues in a new one with
// opts. A paused controller stays paused.
func (c *Controller) Reconfigure(ctx context.Context, opts beacon.Options) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if err := opts.Validate(); err != nil {
		return err
	}
	state := c.State()
	if state != StateTracking && state != StatePaused {
		return fmt.Errorf("%w: reconfigure while %s", beacon.ErrInvalidTransition, state)
	}

	c.stopSource()
	old, _ := c.Session()
	if err := c.store.CloseSession(ctx, old.ID); err != nil {
		c.stop(ctx, err)
		return fmt.Errorf("close session: %w", err)
	}
	session, err := c.store.OpenSession(ctx, opts)
	if err != nil {
		c.stop(ctx, err)
		return fmt.Errorf("open session: %w", err)
	}
	c.setState(state, session)

	if state == StateTracking {
		if err := c.startSource(session); err != nil {
			c.stop(ctx, err)
			return err
		}
	}
	c.present(nil)
	return nil
}

// Stop is safe from any state.
func (c *Controller) Stop(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()
	return c.stop(ctx, nil)
}

// Suspend halts sampling and delivery for a process shutdown. The session
// stays open so the next process can Resume it.
func (c *Controller) Suspend(context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if state := c.State(); state != StateTracking && state != StatePaused {
		return nil
	}
	c.mu.Lock()
	c.state = StateStopping
	c.mu.Unlock()

	c.stopSource()
	if err := c.worker.Stop(c.stopGrace); err != nil {
		log.Printf("stop delivery worker: %v", err)
	}
	c.setState(StateStopped, beacon.Session{})
	c.present(nil)
	return nil
}

func (c *Controller) stop(ctx context.Context, cause error) error {
	if c.State() == StateStopped {
		return nil
	}
	session, _ := c.Session()
	c.mu.Lock()
	c.state = StateStopping
	c.mu.Unlock()
	c.present(cause)

	c.stopSource()
	if err := c.worker.Stop(c.stopGrace); err != nil {
		log.Printf("stop delivery worker: %v", err)
	}

	var err error
	if session.ID != "" {
		if err = c.store.CloseSession(context.WithoutCancel(ctx), session.ID); err != nil {
			err = fmt.Errorf("close session: %w", err)
		}
	}
	c.setState(StateStopped, beacon.Session{})
	c.present(cause)
	return err
}

func (c *Controller) ensurePermission(ctx context.Context, request bool) error {
	granted, err := c.granted(ctx)
	if err == nil && !granted && request && c.perms != nil {
		granted, err = c.perms.Request(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", beacon.ErrPermissionDenied, err)
	}
	if !granted {
		return beacon.ErrPermissionDenied
	}
	return nil
}

func (c *Controller) granted(ctx context.Context) (bool, error) {
	if c.perms == nil {
		return true, nil
	}
	return c.perms.Granted(ctx)
}

func (c *Controller) startSource(session beacon.Session) error {
	opts := session.Options
	if hc, ok := c.source.(position.HeartbeatConfigurer); ok {
		hc.SetStationaryHeartbeat(opts.StationaryHeartbeat())
	}

	ctx, cancel := context.WithCancel(context.Background())
	samples, err := c.source.Start(ctx, opts.DistanceFilterMeters, opts.StoppedElapsed())
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.gen++
	run := &sampleRun{gen: c.gen, cancel: cancel, done: make(chan struct{})}
	c.run = run
	c.mu.Unlock()

	go c.sampleLoop(ctx, run, session.ID, samples, filter.New(opts.DistanceFilterMeters, opts.AccuracyMarginMeters))
	return nil
}

func (c *Controller) stopSource() {
	c.mu.Lock()
	run := c.run
	c.run = nil
	c.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	if err := c.source.Stop(); err != nil {
		log.Printf("stop position source: %v", err)
	}
	<-run.done
}

func (c *Controller) sampleLoop(ctx context.Context, run *sampleRun, sessionID string, samples <-chan beacon.RawSample, f *filter.Filter) {
	defer close(run.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				if ctx.Err() == nil {
					go c.failSafe(run.gen, errSourceClosed)
				}
				return
			}
			// Heartbeats keep a stationary device visible and never move
			// the filter baseline.
			if !s.Heartbeat && f.Offer(s) == filter.Reject {
				continue
			}
			if _, err := c.store.Append(ctx, sessionID, s); err != nil {
				if ctx.Err() == nil {
					go c.failSafe(run.gen, fmt.Errorf("append beacon: %w", err))
				}
				return
			}
			c.worker.Kick()
		}
	}
}

// failSafe is a no-op if the run was already replaced or stopped.
func (c *Controller) failSafe(gen uint64, cause error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	current := c.run != nil && c.run.gen == gen
	c.mu.Unlock()
	if !current {
		return
	}

	log.Printf("tracking stopped: %v", cause)
	ctx := context.Background()
	c.sink.Report(ctx, diagnostics.Event{Kind: diagnostics.KindTracking, Reason: cause.Error(), At: time.Now()})
	if err := c.stop(ctx, cause); err != nil {
		log.Printf("stop after failure: %v", err)
	}
}

func (c *Controller) setState(state State, session beacon.Session) {
	c.mu.Lock()
	c.state = state
	c.session = session
	c.mu.Unlock()
}

func (c *Controller) present(err error) {
	if c.presenter == nil {
		return
	}
	c.mu.Lock()
	status := Status{
		State:        c.state,
		SessionID:    c.session.ID,
		Notification: c.session.Options.Notification,
		Err:          err,
		At:           time.Now(),
	}
	c.mu.Unlock()
	c.presenter.Present(status)
}
