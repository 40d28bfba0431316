package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/config"
	"github.com/tiny-giraffes/life-beacon-360/internal/delivery"
	"github.com/tiny-giraffes/life-beacon-360/internal/diagnostics"
	"github.com/tiny-giraffes/life-beacon-360/internal/notify"
	"github.com/tiny-giraffes/life-beacon-360/internal/position"
	"github.com/tiny-giraffes/life-beacon-360/internal/store"
	"github.com/tiny-giraffes/life-beacon-360/internal/tracking"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadEngine func() (config.Engine, error)
	openStore  func(config.Engine) (*store.Store, store.Recovery, error)
	notify     func(chan<- os.Signal, ...os.Signal)
	run        func(context.Context, config.Engine, *store.Store, store.Recovery, <-chan os.Signal) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadEngine: config.LoadEngine,
		openStore:  openStore,
		notify:     signal.Notify,
		run:        Run,
	}
}

func openStore(cfg config.Engine) (*store.Store, store.Recovery, error) {
	return store.Open(cfg.StorePath, store.Options{
		DeviceID:        cfg.DeviceID,
		FailedRetention: cfg.FailedRetention,
	})
}

func realMain(deps mainDeps) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := deps.loadEngine()
	if err != nil {
		log.Printf("load config: %v", err)
		return
	}

	st, recovery, err := deps.openStore(cfg)
	if err != nil {
		log.Printf("open beacon store: %v", err)
		return
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, st, recovery, signals); err != nil {
		log.Printf("beacond exited with error: %v", err)
	}
}

var newDiagnostics = func() *diagnostics.MemorySink {
	return diagnostics.NewMemorySink(100)
}

var newTransport = func(endpoint string, tokens delivery.TokenSource, allowInsecure bool) (delivery.Transport, error) {
	return delivery.NewHTTPTransport(endpoint, tokens, allowInsecure)
}

// tokenSource exchanges the device secret for short-lived tokens when one
// is configured and falls back to the fixed BEACON_TOKEN otherwise.
func tokenSource(cfg config.Engine, deviceID string) (delivery.TokenSource, error) {
	if cfg.DeviceSecret == "" {
		return delivery.StaticToken(cfg.Token), nil
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		u, err := delivery.TokenURL(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		tokenURL = u
	}
	return delivery.NewDeviceTokenSource(tokenURL, deviceID, cfg.DeviceSecret), nil
}

// Run tracks until a termination signal arrives. On shutdown the session is
// suspended, not closed, so the next start resumes it.
func Run(ctx context.Context, cfg config.Engine, st *store.Store, recovery store.Recovery, signals <-chan os.Signal) error {
	defer st.Close()

	recent := newDiagnostics()
	sink := diagnostics.Multi{diagnostics.LogSink{}, recent}
	for _, event := range recovery.Events() {
		sink.Report(ctx, event)
	}
	if recovery.ReleasedInFlight > 0 {
		log.Printf("released %d interrupted beacons back to pending", recovery.ReleasedInFlight)
	}

	tokens, err := tokenSource(cfg, st.DeviceID())
	if err != nil {
		return err
	}
	transport, err := newTransport(cfg.Endpoint, tokens, cfg.AllowInsecure)
	if err != nil {
		return err
	}

	var track *position.Track
	if cfg.TrackFile != "" {
		t, err := position.LoadTrack(cfg.TrackFile)
		if err != nil {
			return err
		}
		track = &t
	}

	caps := position.StaticCapabilities{Permission: true, Sensor: true}
	feed := position.NewFeed(caps)
	conn := delivery.NewConnectivity(true)
	worker := delivery.NewWorker(st, transport, conn, sink, deliveryConfig(cfg))
	presenter := &notify.LogPresenter{}
	ctrl := tracking.NewController(tracking.Deps{
		Source:      feed,
		Permissions: tracking.CapabilityPermissions{Caps: caps},
		Store:       st,
		Worker:      worker,
		Presenter:   presenter,
		Sink:        sink,
	}, tracking.Config{StopGrace: cfg.StopGrace})

	if ctx.Err() != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := startTracking(runCtx, ctrl, cfg.Options()); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	log.Printf("device %s tracking session %s, delivering to %s", st.DeviceID(), presenter.Last().SessionID, cfg.Endpoint)

	var wg sync.WaitGroup
	if cfg.ProbeInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := delivery.ProbeConnectivity(runCtx, conn, cfg.Endpoint, cfg.ProbeInterval); err != nil {
				log.Printf("connectivity probe: %v", err)
			}
		}()
	}
	if track != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := position.Replay(runCtx, feed, *track)
			switch {
			case err == nil:
				log.Printf("track %s finished", cfg.TrackFile)
			case !errors.Is(err, context.Canceled):
				log.Printf("track replay: %v", err)
			}
		}()
	}

	select {
	case <-signals:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	if err := ctrl.Suspend(context.Background()); err != nil {
		return err
	}
	if stats, err := st.Stats(context.Background()); err == nil {
		log.Printf("beacons pending=%d in_flight=%d delivered=%d failed=%d",
			stats.Pending, stats.InFlight, stats.Delivered, stats.Failed)
	}
	if n := recent.Total(); n > 0 {
		log.Printf("%d diagnostics this run", n)
		for _, event := range recent.Events() {
			log.Printf("  %s %s seq=%d: %s", event.At.Format(time.RFC3339), event.Kind, event.Sequence, event.Reason)
		}
	}
	return nil
}

// startTracking resumes the persisted session, or starts a new one. A
// resumed session whose options no longer match the configuration is
// closed and continued in a new session with the configured options.
func startTracking(ctx context.Context, ctrl *tracking.Controller, opts beacon.Options) error {
	resumed, err := ctrl.Resume(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		return ctrl.Start(ctx, opts)
	}
	if session, ok := ctrl.Session(); ok && session.Options != opts {
		log.Printf("configuration changed, continuing session %s in a new session", session.ID)
		return ctrl.Reconfigure(ctx, opts)
	}
	return nil
}

func deliveryConfig(cfg config.Engine) delivery.Config {
	return delivery.Config{
		Interval:       cfg.DeliveryInterval,
		BatchSize:      cfg.BatchSize,
		AttemptTimeout: cfg.AttemptTimeout,
		MaxRetries:     cfg.MaxRetries,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		PruneInterval:  cfg.PruneInterval,
		Retention:      cfg.Retention,
	}
}
