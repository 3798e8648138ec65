package rollback

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a rollback operation.
type State string

const (
	StateIdle       State = "idle"
	StateTriggered  State = "triggered"
	StateInProgress State = "in_progress"
	StateVerifying  State = "verifying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if this is a terminal state (completed or failed).
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ValidTransitions defines allowed state transitions. An account can be
// onboarded again after an earlier rollback, so both terminal states may
// be triggered again.
var ValidTransitions = map[State][]State{
	StateIdle:       {StateTriggered},
	StateTriggered:  {StateInProgress, StateFailed},
	StateInProgress: {StateVerifying, StateFailed},
	StateVerifying:  {StateCompleted, StateFailed},
	StateCompleted:  {StateIdle, StateTriggered},
	StateFailed:     {StateIdle, StateTriggered},
}

// CanTransitionTo checks if a transition from current state to new state is valid.
func (s State) CanTransitionTo(newState State) bool {
	for _, valid := range ValidTransitions[s] {
		if valid == newState {
			return true
		}
	}
	return false
}

// Transition represents a state transition with metadata.
type Transition struct {
	FromState State
	ToState   State
	Reason    string
	Error     error
	Timestamp time.Time
}

// StateInfo tracks the rollback of one account.
type StateInfo struct {
	mu sync.RWMutex

	Current State

	// Account is the unique name <accountId>_<userName>.
	Account string

	StartedAt   time.Time
	CompletedAt time.Time

	// Reason is why the rollback was triggered.
	Reason string

	// FailedStep is the onboarding step whose failure caused the rollback.
	FailedStep string

	Error       error
	Transitions []Transition
	Attempts    int
}

// NewStateInfo creates a new StateInfo in the idle state.
func NewStateInfo(account string) *StateInfo {
	return &StateInfo{
		Current:     StateIdle,
		Account:     account,
		Transitions: make([]Transition, 0),
	}
}

// TransitionTo attempts to transition to a new state.
// Returns an error if the transition is not allowed.
func (si *StateInfo) TransitionTo(newState State, reason string, err error) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	if !si.Current.CanTransitionTo(newState) {
		return fmt.Errorf("invalid state transition from %s to %s", si.Current, newState)
	}

	now := time.Now()
	si.Transitions = append(si.Transitions, Transition{
		FromState: si.Current,
		ToState:   newState,
		Reason:    reason,
		Error:     err,
		Timestamp: now,
	})
	si.Current = newState

	if newState == StateTriggered {
		if si.StartedAt.IsZero() {
			si.StartedAt = now
		}
		si.CompletedAt = time.Time{}
		si.Attempts++
	}

	if newState.IsTerminal() {
		si.CompletedAt = now
		if err != nil {
			si.Error = err
		}
	}

	return nil
}

// Duration returns how long the rollback has been running, or took.
func (si *StateInfo) Duration() time.Duration {
	si.mu.RLock()
	defer si.mu.RUnlock()

	if si.StartedAt.IsZero() {
		return 0
	}
	if si.CompletedAt.IsZero() {
		return time.Since(si.StartedAt)
	}
	return si.CompletedAt.Sub(si.StartedAt)
}

// GetCurrent returns the current state (thread-safe).
func (si *StateInfo) GetCurrent() State {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.Current
}

// GetAttempts returns the number of attempts (thread-safe).
func (si *StateInfo) GetAttempts() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.Attempts
}

func (si *StateInfo) setRequest(reason, failedStep string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.Reason = reason
	si.FailedStep = failedStep
	si.Error = nil
	si.Attempts = 0
	si.StartedAt = time.Time{}
	si.CompletedAt = time.Time{}
}
