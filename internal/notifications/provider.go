// Package notifications delivers lifecycle emails to IAM service account
// owners. Delivery is queued and best-effort: callers never wait on it and
// never see its failures.
package notifications

import (
	"context"
)

// Provider delivers events over one channel.
type Provider interface {
	Name() string

	Send(ctx context.Context, event Event) error

	// SupportsEvent returns true if this provider handles the given event type.
	SupportsEvent(eventType EventType) bool

	Validate(ctx context.Context) error
}
