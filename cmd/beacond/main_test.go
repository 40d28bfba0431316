package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/config"
	"github.com/tiny-giraffes/life-beacon-360/internal/delivery"
	"github.com/tiny-giraffes/life-beacon-360/internal/diagnostics"
	"github.com/tiny-giraffes/life-beacon-360/internal/store"
)

var errBoom = errors.New("boom")

type ingestRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *ingestRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.keys = append(r.keys, req.Header.Get("Idempotency-Key"))
	r.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (r *ingestRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func testEngine(t *testing.T, endpoint string) config.Engine {
	t.Helper()
	dir := t.TempDir()
	track := filepath.Join(dir, "walk.yaml")
	data := []byte("interval: 10ms\npoints:\n  - {lat: 0, lng: 0, accuracy: 5}\n  - {lat: 0, lng: 0.01, accuracy: 5}\n")
	if err := os.WriteFile(track, data, 0o600); err != nil {
		t.Fatalf("write track: %v", err)
	}
	return config.Engine{
		StorePath:            filepath.Join(dir, "beacons.db"),
		DeviceID:             "dev-1",
		Endpoint:             endpoint,
		AllowInsecure:        true,
		DistanceFilterMeters: 10,
		AccuracyMarginMeters: 5,
		RequestPermissions:   true,
		DeliveryInterval:     time.Hour,
		BatchSize:            10,
		AttemptTimeout:       2 * time.Second,
		MaxRetries:           3,
		BaseBackoff:          10 * time.Millisecond,
		MaxBackoff:           time.Second,
		Retention:            time.Hour,
		TrackFile:            track,
		StopGrace:            time.Second,
	}
}

func TestRunReplaysTrackAndSuspendsOnSignal(t *testing.T) {
	ingest := &ingestRecorder{}
	srv := httptest.NewServer(ingest)
	defer srv.Close()

	cfg := testEngine(t, srv.URL+"/api/beacons")
	st, recovery, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	signals := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), cfg, st, recovery, signals) }()

	deadline := time.After(5 * time.Second)
	for ingest.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 delivered beacons, got %d", ingest.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	signals <- syscall.SIGTERM
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	reopened, _, err := openStore(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	session, ok, err := reopened.ActiveSession(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected session left open for resume: %v", err)
	}
	if want := "dev-1:" + session.ID + ":1"; ingest.keys[0] != want {
		t.Fatalf("expected first key %s, got %s", want, ingest.keys[0])
	}
	stats, err := reopened.Stats(context.Background())
	if err != nil || stats.Delivered < 2 || stats.Pending != 0 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
}

func TestRunRefusesInsecureEndpoint(t *testing.T) {
	cfg := testEngine(t, "http://127.0.0.1:1/api/beacons")
	cfg.AllowInsecure = false
	st, recovery, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := Run(context.Background(), cfg, st, recovery, make(chan os.Signal)); err == nil {
		t.Fatalf("expected insecure endpoint error")
	}
}

func TestRunMissingTrack(t *testing.T) {
	cfg := testEngine(t, "https://127.0.0.1:1/api/beacons")
	cfg.TrackFile = filepath.Join(t.TempDir(), "missing.yaml")
	st, recovery, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := Run(context.Background(), cfg, st, recovery, make(chan os.Signal)); err == nil {
		t.Fatalf("expected missing track error")
	}
}

func TestRunContextCancel(t *testing.T) {
	cfg := testEngine(t, "https://127.0.0.1:1/api/beacons")
	cfg.TrackFile = ""
	st, recovery, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Run(ctx, cfg, st, recovery, make(chan os.Signal)); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	reopened, _, err := openStore(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	if _, ok, err := reopened.ActiveSession(context.Background()); err != nil || ok {
		t.Fatalf("expected no session after cancelled startup: %v", err)
	}
}

func TestRunReconfiguresResumedSession(t *testing.T) {
	cfg := testEngine(t, "https://127.0.0.1:1/api/beacons")
	cfg.TrackFile = ""
	st, _, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	stale := cfg.Options()
	stale.DistanceFilterMeters = 50
	old, err := st.OpenSession(context.Background(), stale)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	_ = st.Close()

	st, recovery, err := openStore(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	signals := make(chan os.Signal, 1)
	signals <- syscall.SIGTERM
	if err := Run(context.Background(), cfg, st, recovery, signals); err != nil {
		t.Fatalf("run: %v", err)
	}

	reopened, _, err := openStore(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	session, ok, err := reopened.ActiveSession(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected an active session: %v", err)
	}
	if session.ID == old.ID || session.Options != cfg.Options() {
		t.Fatalf("expected a new session with configured options: %+v", session)
	}
	closed, err := reopened.Session(context.Background(), old.ID)
	if err != nil || closed.Active() {
		t.Fatalf("expected stale session closed: %+v %v", closed, err)
	}
}

func TestRunKeepsMatchingResumedSession(t *testing.T) {
	cfg := testEngine(t, "https://127.0.0.1:1/api/beacons")
	cfg.TrackFile = ""
	st, _, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	old, err := st.OpenSession(context.Background(), cfg.Options())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	_ = st.Close()

	st, recovery, err := openStore(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	signals := make(chan os.Signal, 1)
	signals <- syscall.SIGTERM
	if err := Run(context.Background(), cfg, st, recovery, signals); err != nil {
		t.Fatalf("run: %v", err)
	}

	reopened, _, err := openStore(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	session, ok, err := reopened.ActiveSession(context.Background())
	if err != nil || !ok || session.ID != old.ID {
		t.Fatalf("expected session %s resumed, got %+v %v", old.ID, session, err)
	}
}

func TestRunRetainsRecoveryDiagnostics(t *testing.T) {
	cfg := testEngine(t, "https://127.0.0.1:1/api/beacons")
	cfg.TrackFile = ""
	if err := os.WriteFile(cfg.StorePath, bytes.Repeat([]byte("not a beacon store "), 256), 0o600); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}
	st, recovery, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	prev := newDiagnostics
	defer func() { newDiagnostics = prev }()
	var recent *diagnostics.MemorySink
	newDiagnostics = func() *diagnostics.MemorySink {
		recent = prev()
		return recent
	}

	signals := make(chan os.Signal, 1)
	signals <- syscall.SIGTERM
	if err := Run(context.Background(), cfg, st, recovery, signals); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := recent.Events()
	if len(events) == 0 || events[0].Kind != diagnostics.KindStorageCorruption {
		t.Fatalf("expected corruption diagnostic retained: %+v", events)
	}
}

func TestTokenSource(t *testing.T) {
	cfg := testEngine(t, "https://beacons.example.com/api/beacons")
	cfg.Token = "fixed"

	tokens, err := tokenSource(cfg, "dev-1")
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	if tok, _ := tokens.Token(context.Background(), false); tok != "fixed" {
		t.Fatalf("expected static token, got %q", tok)
	}

	cfg.DeviceSecret = "s3cret-pass"
	tokens, err = tokenSource(cfg, "dev-1")
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	if _, ok := tokens.(*delivery.DeviceTokenSource); !ok {
		t.Fatalf("expected device token exchange, got %T", tokens)
	}

	cfg.Endpoint = "nope"
	if _, err := tokenSource(cfg, "dev-1"); err == nil {
		t.Fatalf("expected invalid endpoint error")
	}
}

func TestRealMainHandlesErrors(t *testing.T) {
	calledRun := false
	deps := mainDeps{
		loadEngine: func() (config.Engine, error) { return config.Engine{}, errBoom },
		run: func(context.Context, config.Engine, *store.Store, store.Recovery, <-chan os.Signal) error {
			calledRun = true
			return nil
		},
	}
	realMain(deps)
	if calledRun {
		t.Fatalf("run should not be called when config fails")
	}

	deps.loadEngine = func() (config.Engine, error) { return config.Engine{}, nil }
	deps.openStore = func(config.Engine) (*store.Store, store.Recovery, error) { return nil, store.Recovery{}, errBoom }
	realMain(deps)
	if calledRun {
		t.Fatalf("run should not be called when the store fails")
	}
}

func TestRealMainRuns(t *testing.T) {
	calledNotify := false
	calledRun := false
	deps := mainDeps{
		loadEngine: func() (config.Engine, error) { return config.Engine{}, nil },
		openStore: func(config.Engine) (*store.Store, store.Recovery, error) {
			return nil, store.Recovery{}, nil
		},
		notify: func(chan<- os.Signal, ...os.Signal) { calledNotify = true },
		run: func(context.Context, config.Engine, *store.Store, store.Recovery, <-chan os.Signal) error {
			calledRun = true
			return errBoom
		},
	}

	realMain(deps)
	if !calledNotify || !calledRun {
		t.Fatalf("expected notify and run to be called")
	}
}

func TestDefaultDeps(t *testing.T) {
	deps := defaultDeps()
	if deps.loadEngine == nil || deps.openStore == nil || deps.notify == nil || deps.run == nil {
		t.Fatalf("expected default deps to be set")
	}
}

func TestMainUsesOverrides(t *testing.T) {
	oldProvider := mainDepsProvider
	oldRunner := mainRunner
	defer func() {
		mainDepsProvider = oldProvider
		mainRunner = oldRunner
	}()

	called := false
	mainDepsProvider = func() mainDeps { return mainDeps{} }
	mainRunner = func(mainDeps) { called = true }

	main()
	if !called {
		t.Fatalf("expected main runner to be called")
	}
}
