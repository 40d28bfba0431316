package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

var ErrTokenExchange = errors.New("device token exchange failed")

// TokenSource supplies the bearer token for beacon requests. Token with
// refresh set discards any cached token first.
type TokenSource interface {
	Token(ctx context.Context, refresh bool) (string, error)
}

// StaticToken is a fixed bearer token. It cannot be refreshed.
type StaticToken string

func (s StaticToken) Token(context.Context, bool) (string, error) {
	return string(s), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// DeviceTokenSource trades the device credentials for a token at the
// server's /auth/token route and caches it until shortly before expiry.
type DeviceTokenSource struct {
	url      string
	deviceID string
	secret   string
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewDeviceTokenSource(tokenURL, deviceID, secret string) *DeviceTokenSource {
	return &DeviceTokenSource{url: tokenURL, deviceID: deviceID, secret: secret, now: time.Now}
}

// TokenURL returns the exchange route on the same host as a beacon endpoint.
func TokenURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q", endpoint)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/auth/token"}).String(), nil
}

func (s *DeviceTokenSource) Token(ctx context.Context, refresh bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !refresh && s.token != "" && s.now().Before(s.expires) {
		return s.token, nil
	}
	s.token = ""

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, context.DeadlineExceeded)
	}

	agent := fiber.Post(s.url)
	agent.JSON(fiber.Map{"device_id": s.deviceID, "secret": s.secret})
	agent.Timeout(timeout)
	if err := agent.Parse(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	done := make(chan sendResult, 1)
	go func() {
		code, body, errs := agent.Bytes()
		done <- sendResult{code: code, body: body, errs: errs}
	}()

	var res sendResult
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, ctx.Err())
	case res = <-done:
	}
	if len(res.errs) > 0 {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, errors.Join(res.errs...))
	}
	if res.code != fiber.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrTokenExchange, res.code, truncate(res.body, 200))
	}

	var tok tokenResponse
	if err := json.Unmarshal(res.body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed response", ErrTokenExchange)
	}
	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	s.token = tok.AccessToken
	s.expires = s.now().Add(ttl)
	return s.token, nil
}
