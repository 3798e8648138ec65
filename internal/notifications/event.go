package notifications

import (
	"time"
)

// EventType is a lifecycle event an account owner is told about.
type EventType string

const (
	EventOnboarded   EventType = "onboarded"
	EventActivated   EventType = "activated"
	EventTransferred EventType = "transferred"
	EventOffboarded  EventType = "offboarded"
)

// Event is a queued notification.
type Event struct {
	// ID correlates the event with the operation journal.
	ID string

	Type EventType

	// Account is the unique name <accountId>_<userName>.
	Account string

	To      []string
	Subject string

	// Template names the body template; Data fills it.
	Template string
	Data     map[string]string

	Timestamp time.Time
}

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventOnboarded,
		EventActivated,
		EventTransferred,
		EventOffboarded,
	}
}
