// Package journal keeps a per-account history of lifecycle operations and
// the steps each one ran, so operators can reconcile partial failures.
package journal

import (
	"time"

	"github.com/google/uuid"
)

// Entry statuses, matching lifecycle result statuses.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusFailure        = "failure"
)

// Step statuses.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Storage defines the interface for operation history storage
type Storage interface {
	// Save stores an entry and updates the account's status summary
	Save(entry *Entry) error

	// History returns the newest entries for an account, newest first.
	// A limit <= 0 returns everything.
	History(account string, limit int) ([]Entry, error)

	// AllHistory returns the newest entries across all accounts
	AllHistory(limit int) ([]Entry, error)

	// Status returns the summary for an account
	Status(account string) (*AccountStatus, error)

	// CleanupOldEntries removes entries older than the specified duration
	CleanupOldEntries(olderThan time.Duration) error
}

// Entry is one lifecycle operation on one account.
type Entry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Account   string        `json:"account"`
	Operation string        `json:"operation"`
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	User      string        `json:"user,omitempty"`
	Duration  time.Duration `json:"duration"`
	Steps     []StepResult  `json:"steps,omitempty"`

	// NotificationID links to the queued owner notification, if any.
	NotificationID string `json:"notification_id,omitempty"`
}

// StepResult is the outcome of one side effect of an operation.
type StepResult struct {
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// AccountStatus summarizes the operations recorded for an account.
type AccountStatus struct {
	Account       string    `json:"account"`
	LastOperation string    `json:"last_operation"`
	LastStatus    string    `json:"last_status"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	Operations    int       `json:"operations"`
	Successes     int       `json:"successes"`
	Partials      int       `json:"partials"`
	Failures      int       `json:"failures"`
}

// NewEntry starts an entry for operation on account.
func NewEntry(account, operation, user string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Account:   account,
		Operation: operation,
		User:      user,
	}
}

// Step records a step that started at started and ended now.
func (e *Entry) Step(name string, started time.Time, err error) {
	now := time.Now().UTC()
	step := StepResult{
		Name:        name,
		Status:      StepOK,
		StartedAt:   started.UTC(),
		CompletedAt: now,
		Duration:    now.Sub(started),
	}
	if err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
	}
	e.Steps = append(e.Steps, step)
}

// Skip records a step that was not attempted.
func (e *Entry) Skip(name string) {
	e.Steps = append(e.Steps, StepResult{Name: name, Status: StepSkipped})
}

// Finish sets the final status and duration.
func (e *Entry) Finish(status, message string) {
	e.Status = status
	e.Message = message
	e.Duration = time.Since(e.Timestamp)
}

// FailedSteps returns the names of failed steps in order.
func (e *Entry) FailedSteps() []string {
	var out []string
	for _, s := range e.Steps {
		if s.Status == StepFailed {
			out = append(out, s.Name)
		}
	}
	return out
}
