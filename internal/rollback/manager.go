package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/systmms/iamsvc/internal/logging"
)

// Manager runs rollbacks for failed onboardings, at most one per account
// at a time.
type Manager struct {
	config Config
	logger *logging.Logger

	// states tracks rollback state per account
	states   map[string]*StateInfo
	statesMu sync.RWMutex
}

// NewManager creates a new rollback manager with the given configuration.
func NewManager(config Config, logger *logging.Logger) *Manager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		config: config,
		logger: logger,
		states: make(map[string]*StateInfo),
	}
}

// Request describes the rollback of one account.
type Request struct {
	// Account is the unique name <accountId>_<userName>.
	Account string

	// Reason explains why rollback was triggered.
	Reason string

	// FailedStep is the step whose failure caused the rollback.
	FailedStep string

	// RestoreFunc removes what the failed operation created. It is retried,
	// so it must tolerate resources that are already gone.
	RestoreFunc func(ctx context.Context) error

	// VerifyFunc checks that nothing is left behind.
	VerifyFunc func(ctx context.Context) error

	// InitiatedBy is the caller of the failed operation.
	InitiatedBy string
}

// Result contains the outcome of a rollback operation.
type Result struct {
	Success  bool
	State    State
	Duration time.Duration
	Attempts int
	Error    error
}

// GetState returns the rollback state for an account, or nil.
func (m *Manager) GetState(account string) *StateInfo {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	return m.states[account]
}

// Rollback restores and verifies the account, retrying up to MaxRetries
// times. Only one rollback per account runs at a time. The final state is
// kept until Reset.
func (m *Manager) Rollback(ctx context.Context, req Request) (*Result, error) {
	m.statesMu.Lock()
	state, exists := m.states[req.Account]
	if !exists {
		state = NewStateInfo(req.Account)
		m.states[req.Account] = state
	}

	current := state.GetCurrent()
	if current != StateIdle && !current.IsTerminal() {
		m.statesMu.Unlock()
		return nil, fmt.Errorf("rollback already in progress for %s", req.Account)
	}
	state.setRequest(req.Reason, req.FailedStep)
	m.statesMu.Unlock()

	m.logger.Warn("Rolling back %s after %s failed: %s", req.Account, req.FailedStep, req.Reason)

	result := &Result{}
	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if err := state.TransitionTo(StateTriggered, req.Reason, nil); err != nil {
			result.Error = err
			return result, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		lastErr = m.doRollback(attemptCtx, state, req)
		cancel()

		if lastErr == nil {
			result.Success = true
			result.State = StateCompleted
			result.Duration = state.Duration()
			result.Attempts = state.GetAttempts()
			m.logger.Info("Rolled back %s in %d attempt(s)", req.Account, result.Attempts)
			return result, nil
		}

		m.logger.Debug("Rollback attempt %d for %s failed: %v", attempt+1, req.Account, lastErr)
		if attempt < m.config.MaxRetries && ctx.Err() == nil {
			_ = state.TransitionTo(StateIdle, "preparing for retry", nil)
			continue
		}
		break
	}

	result.State = StateFailed
	result.Duration = state.Duration()
	result.Attempts = state.GetAttempts()
	result.Error = lastErr
	m.logger.Error("Rollback of %s failed after %d attempt(s): %v", req.Account, result.Attempts, lastErr)
	return result, lastErr
}

// doRollback performs a single rollback attempt.
func (m *Manager) doRollback(ctx context.Context, state *StateInfo, req Request) error {
	if err := state.TransitionTo(StateInProgress, "starting rollback", nil); err != nil {
		return fmt.Errorf("failed to transition to in_progress: %w", err)
	}

	if req.RestoreFunc != nil {
		if err := req.RestoreFunc(ctx); err != nil {
			_ = state.TransitionTo(StateFailed, "restore failed", err)
			return fmt.Errorf("restore failed: %w", err)
		}
	}

	if err := state.TransitionTo(StateVerifying, "restore complete, verifying", nil); err != nil {
		return fmt.Errorf("failed to transition to verifying: %w", err)
	}

	if req.VerifyFunc != nil {
		if err := req.VerifyFunc(ctx); err != nil {
			_ = state.TransitionTo(StateFailed, "verification failed", err)
			return fmt.Errorf("verification failed: %w", err)
		}
	}

	if err := state.TransitionTo(StateCompleted, "rollback complete", nil); err != nil {
		return fmt.Errorf("failed to transition to completed: %w", err)
	}
	return nil
}

// Reset forgets the rollback state of an account once nothing is left to
// clean up.
func (m *Manager) Reset(account string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	delete(m.states, account)
}
