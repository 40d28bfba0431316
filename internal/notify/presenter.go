package notify

import (
	"log"
	"sync"

	"github.com/tiny-giraffes/life-beacon-360/internal/tracking"
)

// LogPresenter stands in for the platform's persistent notification on hosts
// without one. It logs the notification once per state change.
type LogPresenter struct {
	mu   sync.Mutex
	last tracking.Status
}

func (p *LogPresenter) Present(status tracking.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status.State == p.last.State && status.SessionID == p.last.SessionID && status.Err == nil {
		return
	}
	p.last = status

	switch {
	case status.Err != nil:
		log.Printf("[%s] tracking %s: %v", status.Notification.Title, status.State, status.Err)
	case status.State == tracking.StateTracking:
		log.Printf("[%s] %s (session %s)", status.Notification.Title, status.Notification.Text, status.SessionID)
	default:
		log.Printf("tracking %s", status.State)
	}
}

// Last returns the most recent status that was shown.
func (p *LogPresenter) Last() tracking.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
