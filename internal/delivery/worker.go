package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/diagnostics"
)

var ErrRunning = errors.New("delivery worker already running")

var randInt64N = rand.Int63n

// Queue is the part of the beacon store the worker drives.
type Queue interface {
	NextPending(ctx context.Context, limit int) ([]beacon.Beacon, error)
	MarkInFlight(ctx context.Context, seq int64) error
	MarkDelivered(ctx context.Context, seq int64) error
	MarkFailed(ctx context.Context, seq int64, reason string) error
	MarkRetry(ctx context.Context, seq int64, reason string, notBefore time.Time) error
	Release(ctx context.Context, seq int64) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type Config struct {
	Interval       time.Duration
	BatchSize      int
	AttemptTimeout time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	PruneInterval  time.Duration
	Retention      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// Cycle summarises one duty cycle.
type Cycle struct {
	Attempted int
	Delivered int
	Retried   int
	Failed    int
	Skipped   int
}

// Worker moves pending beacons to the endpoint on a duty cycle. It sends at
// most one beacon at a time and stops a batch at the first retryable
// failure so delivery order follows sequence order.
type Worker struct {
	cfg       Config
	queue     Queue
	transport Transport
	conn      *Connectivity
	sink      diagnostics.Sink
	now       func() time.Time

	kick chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	stopping  chan struct{}
	done      chan struct{}
	draining  chan struct{}
	lastPrune time.Time
}

func NewWorker(queue Queue, transport Transport, conn *Connectivity, sink diagnostics.Sink, cfg Config) *Worker {
	if sink == nil {
		sink = diagnostics.LogSink{}
	}
	return &Worker{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		transport: transport,
		conn:      conn,
		sink:      sink,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return ErrRunning
	}
	if w.draining != nil {
		select {
		case <-w.draining:
			w.draining = nil
		default:
			return ErrRunning
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.stopping = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stopping, w.done)
	return nil
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done != nil
}

// Kick asks for a cycle without waiting for the next tick.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop lets the current batch finish for up to grace, then cancels it. A
// beacon interrupted mid-send goes back to pending. After the cancel Stop
// waits at most one AttemptTimeout more; a transport still blocked past that
// is left to drain and Start refuses to run until it has.
func (w *Worker) Stop(grace time.Duration) error {
	w.mu.Lock()
	cancel, stopping, done := w.cancel, w.stopping, w.done
	w.cancel, w.stopping, w.done = nil, nil, nil
	if done != nil {
		w.draining = done
	}
	w.mu.Unlock()
	if done == nil {
		return nil
	}

	close(stopping)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		cancel()
		return nil
	case <-timer.C:
	}
	cancel()

	drain := time.NewTimer(w.cfg.AttemptTimeout)
	defer drain.Stop()
	select {
	case <-done:
		return fmt.Errorf("delivery worker did not finish within %s", grace)
	case <-drain.C:
		return fmt.Errorf("delivery worker still sending %s after cancel", w.cfg.AttemptTimeout)
	}
}

func (w *Worker) loop(ctx context.Context, stopping, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if w.conn.Online() {
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("delivery cycle: %v", err)
			}
			w.maybePrune(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-stopping:
			return
		case <-ticker.C:
		case <-w.kick:
		case <-w.conn.Changed():
		}
	}
}

// RunOnce runs a single duty cycle. It does nothing while offline.
func (w *Worker) RunOnce(ctx context.Context) (Cycle, error) {
	var c Cycle
	if !w.conn.Online() {
		return c, nil
	}

	batch, err := w.queue.NextPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return c, fmt.Errorf("load pending beacons: %w", err)
	}

	for _, b := range batch {
		if ctx.Err() != nil || !w.conn.Online() {
			return c, ctx.Err()
		}

		err := w.queue.MarkInFlight(ctx, b.Sequence)
		if errors.Is(err, beacon.ErrAlreadyInFlight) {
			log.Printf("beacon %d already in flight, skipping", b.Sequence)
			w.sink.Report(ctx, diagnostics.Event{
				Kind:     diagnostics.KindInvariant,
				Sequence: b.Sequence,
				Reason:   "pending beacon was already in flight",
				At:       w.now(),
			})
			c.Skipped++
			continue
		}
		if err != nil {
			return c, fmt.Errorf("mark beacon %d in flight: %w", b.Sequence, err)
		}
		c.Attempted++

		sendErr := w.send(ctx, b)
		if ctx.Err() != nil && sendErr != nil {
			if err := w.queue.Release(context.WithoutCancel(ctx), b.Sequence); err != nil {
				log.Printf("release beacon %d: %v", b.Sequence, err)
			}
			c.Attempted--
			return c, ctx.Err()
		}

		// The outcome is recorded even when Stop cancelled ctx mid-send.
		done, err := w.settle(context.WithoutCancel(ctx), b, sendErr, &c)
		if err != nil {
			if rerr := w.queue.Release(context.WithoutCancel(ctx), b.Sequence); rerr != nil {
				log.Printf("release beacon %d: %v", b.Sequence, rerr)
			}
			return c, err
		}
		if done {
			return c, nil
		}
	}
	return c, nil
}

// settle records the result of one send. It reports true when the batch
// must end.
func (w *Worker) settle(ctx context.Context, b beacon.Beacon, sendErr error, c *Cycle) (bool, error) {
	switch {
	case sendErr == nil:
		if err := w.queue.MarkDelivered(ctx, b.Sequence); err != nil {
			return true, fmt.Errorf("mark beacon %d delivered: %w", b.Sequence, err)
		}
		c.Delivered++

	case !beacon.Retryable(sendErr):
		if err := w.fail(ctx, b, sendErr.Error()); err != nil {
			return true, err
		}
		c.Failed++

	case b.Attempts+1 > w.cfg.MaxRetries:
		if err := w.fail(ctx, b, "retries exhausted: "+sendErr.Error()); err != nil {
			return true, err
		}
		c.Failed++

	default:
		notBefore := w.now().Add(w.backoff(b.Attempts + 1))
		if err := w.queue.MarkRetry(ctx, b.Sequence, sendErr.Error(), notBefore); err != nil {
			return true, fmt.Errorf("schedule retry for beacon %d: %w", b.Sequence, err)
		}
		log.Printf("beacon %d attempt %d failed, retry after %s: %v",
			b.Sequence, b.Attempts+1, notBefore.Format(time.RFC3339), sendErr)
		c.Retried++
		return true, nil
	}
	return false, nil
}

func (w *Worker) send(ctx context.Context, b beacon.Beacon) error {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()
	err := w.transport.Send(attemptCtx, b)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, beacon.ErrTransportTimeout) {
		err = fmt.Errorf("%w: %v", beacon.ErrTransportTimeout, err)
	}
	return err
}

func (w *Worker) fail(ctx context.Context, b beacon.Beacon, reason string) error {
	if err := w.queue.MarkFailed(ctx, b.Sequence, reason); err != nil {
		return fmt.Errorf("mark beacon %d failed: %w", b.Sequence, err)
	}
	log.Printf("beacon %d failed permanently: %s", b.Sequence, reason)
	w.sink.Report(ctx, diagnostics.Event{
		Kind:     diagnostics.KindDeliveryFailed,
		Sequence: b.Sequence,
		Reason:   reason,
		At:       w.now(),
	})
	return nil
}

// backoff grows exponentially with the attempt number up to MaxBackoff and
// keeps a random half of it so retrying devices spread out.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.BaseBackoff
	for i := 1; i < attempt && d < w.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > w.cfg.MaxBackoff {
		d = w.cfg.MaxBackoff
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + randInt64N(half+1))
}

func (w *Worker) maybePrune(ctx context.Context) {
	if w.cfg.PruneInterval <= 0 {
		return
	}
	now := w.now()
	w.mu.Lock()
	due := now.Sub(w.lastPrune) >= w.cfg.PruneInterval
	if due {
		w.lastPrune = now
	}
	w.mu.Unlock()
	if !due {
		return
	}
	n, err := w.queue.Prune(ctx, now.Add(-w.cfg.Retention))
	if err != nil {
		log.Printf("prune beacons: %v", err)
		return
	}
	if n > 0 {
		log.Printf("pruned %d settled beacons", n)
	}
}
