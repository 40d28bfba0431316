package tracking

import (
	"context"
	"time"

	"github.com/tiny-giraffes/life-beacon-360/internal/beacon"
	"github.com/tiny-giraffes/life-beacon-360/internal/position"
)

// Permissions is the host's location permission dialog.
type Permissions interface {
	Granted(ctx context.Context) (bool, error)
	Request(ctx context.Context) (bool, error)
}

// CapabilityPermissions answers permission checks from platform
// capabilities for hosts that cannot show a dialog.
type CapabilityPermissions struct {
	Caps position.Capabilities
}

func (p CapabilityPermissions) Granted(context.Context) (bool, error) {
	return p.Caps.PermissionGranted(), nil
}

func (p CapabilityPermissions) Request(ctx context.Context) (bool, error) {
	return p.Granted(ctx)
}

// Status is what the notification presenter is told on every transition.
type Status struct {
	State        State
	SessionID    string
	Notification beacon.Notification
	Err          error
	At           time.Time
}

type Presenter interface {
	Present(status Status)
}
