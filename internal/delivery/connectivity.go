package delivery

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"
)

// Connectivity is the worker's view of the network. A nil *Connectivity is
// always online.
type Connectivity struct {
	mu      sync.Mutex
	online  bool
	changed chan struct{}
}

func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online, changed: make(chan struct{})}
}

func (c *Connectivity) Online() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Connectivity) Set(online bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	close(c.changed)
	c.changed = make(chan struct{})
}

// Changed returns a channel closed on the next transition.
func (c *Connectivity) Changed() <-chan struct{} {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

var dialFn = func(ctx context.Context, address string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ProbeConnectivity drives conn from TCP reachability of the endpoint's host
// until ctx is done. It is used where the platform gives no network signal.
func ProbeConnectivity(ctx context.Context, conn *Connectivity, endpoint string, every time.Duration) error {
	address, err := probeAddress(endpoint)
	if err != nil {
		return err
	}
	if every <= 0 {
		every = 15 * time.Second
	}

	probe := func() {
		err := dialFn(ctx, address, every/2)
		online := err == nil
		if online != conn.Online() {
			log.Printf("connectivity to %s: online=%v", address, online)
		}
		conn.Set(online)
	}

	probe()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probe()
		}
	}
}

func probeAddress(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q", endpoint)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
