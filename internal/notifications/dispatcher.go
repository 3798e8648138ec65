package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/systmms/iamsvc/internal/logging"
)

// Dispatcher is what the lifecycle calls at its notification points.
// A nil Dispatcher or one without a manager drops everything.
type Dispatcher struct {
	manager *Manager
	logger  *logging.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher over manager.
func NewDispatcher(manager *Manager, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{manager: manager, logger: logger, now: time.Now}
}

// SendTemplatedEmail queues an email and returns immediately. Failures are
// logged by the manager and never reach the caller. The event type is the
// template name.
func (d *Dispatcher) SendTemplatedEmail(ctx context.Context, account string, to []string, subject, template string, data map[string]string) string {
	if d == nil || d.manager == nil {
		return ""
	}
	if ctx.Err() != nil {
		d.logger.Debug("Context done, not queueing %s notification for %s", template, account)
		return ""
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      EventType(template),
		Account:   account,
		To:        to,
		Subject:   subject,
		Template:  template,
		Data:      data,
		Timestamp: d.now(),
	}
	d.manager.Send(event)
	return event.ID
}
