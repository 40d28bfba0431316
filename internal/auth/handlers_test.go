package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"golang.org/x/crypto/bcrypt"
)

func postJSON(t *testing.T, app *fiber.App, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, ok := body.([]byte)
	if !ok {
		raw, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	return resp
}

func TestAuthHandlersEnrollTokenVerify(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO devices`).
		WithArgs("dev-1", "", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	svc := NewService("test-secret", mock)
	app := fiber.New()
	RegisterRoutes(app.Group("/auth"), svc, APITokenMiddleware("ops-token"))

	enroll := EnrollRequest{DeviceID: "dev-1", Secret: "s3cret-pass"}
	if resp := postJSON(t, app, "/auth/devices", enroll, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without api token, got %d", resp.StatusCode)
	}
	resp := postJSON(t, app, "/auth/devices", enroll, map[string]string{"Authorization": "ops-token"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enroll status: %d", resp.StatusCode)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	mock.ExpectQuery(`SELECT secret_hash FROM devices`).
		WithArgs("dev-1").
		WillReturnRows(pgxmock.NewRows([]string{"secret_hash"}).AddRow(string(hash)))

	resp = postJSON(t, app, "/auth/token", TokenRequest{DeviceID: "dev-1", Secret: "s3cret-pass"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status: %d", resp.StatusCode)
	}
	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %v", err)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["device_id"] != "dev-1" {
		t.Fatalf("unexpected verify body: %v", body)
	}
}

func TestAuthHandlersEnrollConflict(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO devices`).
		WithArgs("dev-1", "", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	app := fiber.New()
	RegisterRoutes(app.Group("/auth"), NewService("test-secret", mock), APITokenMiddleware("ops-token"))

	resp := postJSON(t, app, "/auth/devices", EnrollRequest{DeviceID: "dev-1", Secret: "s3cret-pass"},
		map[string]string{"Authorization": "Bearer ops-token"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", resp.StatusCode)
	}
}

func TestAuthHandlersBadRequests(t *testing.T) {
	app := fiber.New()
	RegisterRoutes(app.Group("/auth"), NewService("test-secret", nil), func(c *fiber.Ctx) error { return c.Next() })

	if resp := postJSON(t, app, "/auth/devices", []byte("{"), nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for enroll parse, got %d", resp.StatusCode)
	}
	if resp := postJSON(t, app, "/auth/devices", EnrollRequest{DeviceID: "dev-1", Secret: "short"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for short secret, got %d", resp.StatusCode)
	}
	if resp := postJSON(t, app, "/auth/token", TokenRequest{DeviceID: "dev-1"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for token, got %d", resp.StatusCode)
	}
}

func TestAuthHandlersTokenUnauthorized(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT secret_hash FROM devices`).
		WithArgs("dev-1").
		WillReturnError(pgErr)

	app := fiber.New()
	RegisterRoutes(app.Group("/auth"), NewService("test-secret", mock), func(c *fiber.Ctx) error { return c.Next() })

	if resp := postJSON(t, app, "/auth/token", TokenRequest{DeviceID: "dev-1", Secret: "nope"}, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", resp.StatusCode)
	}
}

func TestAuthVerifyMissingAndInvalid(t *testing.T) {
	app := fiber.New()
	RegisterRoutes(app.Group("/auth"), NewService("test-secret", nil), func(c *fiber.Ctx) error { return c.Next() })

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}
