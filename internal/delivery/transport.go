package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
)

var ErrInsecureEndpoint = errors.New("refusing plain http endpoint")

// Transport sends one beacon. A nil error means the endpoint acknowledged
// it. Errors wrapping beacon.ErrTransportRejected are permanent; anything
// else may be retried. Send must return once ctx is done.
type Transport interface {
	Send(ctx context.Context, b beacon.Beacon) error
}

type HTTPTransport struct {
	endpoint string
	tokens   TokenSource
	timeout  time.Duration
}

func NewHTTPTransport(endpoint string, tokens TokenSource, allowInsecure bool) (*HTTPTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			return nil, fmt.Errorf("%w: %s", ErrInsecureEndpoint, endpoint)
		}
		log.Printf("warning: delivering beacons over plain http to %s", u.Host)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &HTTPTransport{endpoint: endpoint, tokens: tokens, timeout: 30 * time.Second}, nil
}

type sendResult struct {
	code int
	body []byte
	errs []error
}

// Send posts the beacon. A 401 from a refreshable token source gets one
// retry with a fresh token before it is classified.
func (t *HTTPTransport) Send(ctx context.Context, b beacon.Beacon) error {
	token, err := t.tokens.Token(ctx, false)
	if err != nil {
		return fmt.Errorf("%w: %w", beacon.ErrTransportTimeout, err)
	}
	res, err := t.post(ctx, b, token)
	if err != nil {
		return err
	}
	if res.code == fiber.StatusUnauthorized {
		if _, static := t.tokens.(StaticToken); !static {
			if token, err = t.tokens.Token(ctx, true); err != nil {
				return fmt.Errorf("%w: %w", beacon.ErrTransportTimeout, err)
			}
			if res, err = t.post(ctx, b, token); err != nil {
				return err
			}
		}
	}
	return classifyResponse(res)
}

func (t *HTTPTransport) post(ctx context.Context, b beacon.Beacon, token string) (sendResult, error) {
	timeout := t.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return sendResult{}, fmt.Errorf("%w: no time left for beacon %d", beacon.ErrTransportTimeout, b.Sequence)
	}

	agent := fiber.Post(t.endpoint)
	agent.Set(fiber.HeaderAuthorization, "Bearer "+token)
	agent.Set("Idempotency-Key", b.IdempotencyKey())
	agent.JSON(b.Report())
	agent.Timeout(timeout)
	if err := agent.Parse(); err != nil {
		return sendResult{}, fmt.Errorf("%w: %v", beacon.ErrTransportTimeout, err)
	}

	done := make(chan sendResult, 1)
	go func() {
		code, body, errs := agent.Bytes()
		done <- sendResult{code: code, body: body, errs: errs}
	}()

	select {
	case <-ctx.Done():
		return sendResult{}, fmt.Errorf("%w: %v", beacon.ErrTransportTimeout, ctx.Err())
	case res := <-done:
		return res, nil
	}
}

func classifyResponse(res sendResult) error {
	if len(res.errs) > 0 {
		return fmt.Errorf("%w: %v", beacon.ErrTransportTimeout, errors.Join(res.errs...))
	}
	switch {
	case res.code >= 200 && res.code < 300:
		return nil
	case res.code == fiber.StatusRequestTimeout || res.code == fiber.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", beacon.ErrTransportTimeout, res.code)
	case res.code >= 400 && res.code < 500:
		return fmt.Errorf("%w: status %d: %s", beacon.ErrTransportRejected, res.code, truncate(res.body, 200))
	default:
		return fmt.Errorf("%w: status %d", beacon.ErrTransportTimeout, res.code)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
