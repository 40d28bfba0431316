package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"

	"github.com/tiny-giraffes/life-beacon-360/internal/auth"
	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/config"
)

func TestHealthRoute(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret", ServerPort: ":0"}, nil, nil)
	defer s.Close()

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 status")
	}
}

func TestBeaconRouteRequiresDeviceToken(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret-secret"}, nil, nil)

	body, _ := json.Marshal(beacon.Report{DeviceID: "dev-1", SessionID: "s", Sequence: 1, Timestamp: time.Now()})
	req := httptest.NewRequest(http.MethodPost, "/api/beacons", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", resp.StatusCode)
	}
}

func TestBeaconRouteStoresForTokenDevice(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO beacons`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "received_at"}).AddRow(int64(1), time.Now()))

	cfg := config.Config{JWTSecret: "secret-secret"}
	s := newServer(cfg, mock, nil)
	defer s.Close()

	listener := s.Stream.Register("dev-1")
	defer s.Stream.Unregister(listener)

	tokens, err := auth.NewService(cfg.JWTSecret, nil).IssueToken("dev-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	report := beacon.Report{DeviceID: "dev-1", SessionID: "sess-1", Sequence: 1, Timestamp: time.Now().UTC(), Latitude: 1, Longitude: 2, Accuracy: 5}
	body, _ := json.Marshal(report)
	req := httptest.NewRequest(http.MethodPost, "/api/beacons", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Idempotency-Key", report.IdempotencyKey())
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected created, got %d", resp.StatusCode)
	}

	select {
	case <-listener.Send:
	case <-time.After(time.Second):
		t.Fatalf("expected live broadcast")
	}
}
