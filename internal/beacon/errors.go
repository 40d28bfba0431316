package beacon

import "errors"

var (
	ErrPermissionDenied  = errors.New("location permission denied")
	ErrSensorUnavailable = errors.New("positioning sensor unavailable")
	ErrStorageCorruption = errors.New("beacon storage unreadable")
	ErrTransportTimeout  = errors.New("beacon transport timed out")
	ErrTransportRejected = errors.New("beacon rejected by endpoint")
	ErrAlreadyInFlight   = errors.New("beacon already in flight")
	ErrInvalidOptions    = errors.New("invalid tracking options")
	ErrNotFound          = errors.New("beacon not found")
	ErrInvalidTransition = errors.New("invalid beacon state transition")
)

// Retryable reports whether a delivery error leaves the beacon eligible for
// another attempt.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrTransportRejected)
}
