package rollback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "1234567_testaccount"

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	config := DefaultConfig()

	assert.Equal(t, DefaultTimeout, config.Timeout)
	assert.Equal(t, DefaultMaxRetries, config.MaxRetries)
}

func TestStateInfo_TransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		fromState   State
		toState     State
		shouldError bool
	}{
		{"idle to triggered", StateIdle, StateTriggered, false},
		{"triggered to in_progress", StateTriggered, StateInProgress, false},
		{"in_progress to verifying", StateInProgress, StateVerifying, false},
		{"verifying to completed", StateVerifying, StateCompleted, false},
		{"verifying to failed", StateVerifying, StateFailed, false},
		{"completed to triggered", StateCompleted, StateTriggered, false},
		{"failed to triggered", StateFailed, StateTriggered, false},
		{"idle to completed (invalid)", StateIdle, StateCompleted, true},
		{"completed to in_progress (invalid)", StateCompleted, StateInProgress, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info := NewStateInfo(testAccount)
			info.Current = tt.fromState

			err := info.TransitionTo(tt.toState, "test transition", nil)
			if tt.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.toState, info.Current)
			}
		})
	}
}

func TestStateInfo_TransitionTracking(t *testing.T) {
	t.Parallel()
	info := NewStateInfo(testAccount)

	_ = info.TransitionTo(StateTriggered, "policy creation failed", nil)
	_ = info.TransitionTo(StateInProgress, "executing", nil)
	_ = info.TransitionTo(StateVerifying, "verifying", nil)
	_ = info.TransitionTo(StateCompleted, "done", nil)

	assert.Len(t, info.Transitions, 4)
	assert.Equal(t, StateIdle, info.Transitions[0].FromState)
	assert.Equal(t, StateTriggered, info.Transitions[0].ToState)
	assert.NotZero(t, info.StartedAt)
	assert.NotZero(t, info.CompletedAt)
	assert.Equal(t, 1, info.GetAttempts())
}

func TestManager_Rollback_Success(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig(), nil)

	var restoreCalled, verifyCalled bool
	result, err := m.Rollback(context.Background(), Request{
		Account:    testAccount,
		Reason:     "status 500",
		FailedStep: "create_policies",
		RestoreFunc: func(ctx context.Context) error {
			restoreCalled = true
			return nil
		},
		VerifyFunc: func(ctx context.Context) error {
			verifyCalled = true
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, restoreCalled)
	assert.True(t, verifyCalled)

	state := m.GetState(testAccount)
	require.NotNil(t, state)
	assert.Equal(t, "create_policies", state.FailedStep)
}

func TestManager_Rollback_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		restore func(context.Context) error
		verify  func(context.Context) error
		wantErr string
	}{
		{
			name:    "restore fails",
			restore: func(context.Context) error { return errors.New("delete policy: status 500") },
			wantErr: "restore failed",
		},
		{
			name:    "verify fails",
			restore: func(context.Context) error { return nil },
			verify:  func(context.Context) error { return errors.New("metadata still present") },
			wantErr: "verification failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			config := DefaultConfig()
			config.MaxRetries = 0
			m := NewManager(config, nil)

			result, err := m.Rollback(context.Background(), Request{
				Account:     testAccount,
				RestoreFunc: tt.restore,
				VerifyFunc:  tt.verify,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.False(t, result.Success)
			assert.Equal(t, StateFailed, result.State)
			assert.Equal(t, StateFailed, m.GetState(testAccount).GetCurrent())
		})
	}
}

func TestManager_Rollback_Retries(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxRetries = 2
	m := NewManager(config, nil)

	attempts := 0
	result, err := m.Rollback(context.Background(), Request{
		Account: testAccount,
		RestoreFunc: func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient error")
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, result.Attempts)
}

func TestManager_Rollback_Timeout(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.Timeout = 50 * time.Millisecond
	config.MaxRetries = 0
	m := NewManager(config, nil)

	result, err := m.Rollback(context.Background(), Request{
		Account: testAccount,
		RestoreFunc: func(ctx context.Context) error {
			select {
			case <-time.After(5 * time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, result.Success)
}

func TestManager_Rollback_ZeroConfig(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{}, nil)
	var restored bool
	result, err := m.Rollback(context.Background(), Request{
		Account: testAccount,
		RestoreFunc: func(context.Context) error {
			restored = true
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, restored)
}

func TestManager_RollbackAfterTerminalState(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxRetries = 0
	m := NewManager(config, nil)

	_, err := m.Rollback(context.Background(), Request{Account: testAccount})
	require.NoError(t, err)

	// A later onboarding of the same account can fail and roll back again.
	result, err := m.Rollback(context.Background(), Request{
		Account:     testAccount,
		RestoreFunc: func(context.Context) error { return errors.New("boom") },
	})
	require.Error(t, err)
	assert.Equal(t, 1, result.Attempts)

	result, err = m.Rollback(context.Background(), Request{Account: testAccount})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestManager_Reset(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig(), nil)
	_, _ = m.Rollback(context.Background(), Request{Account: testAccount})
	require.NotNil(t, m.GetState(testAccount))

	m.Reset(testAccount)
	assert.Nil(t, m.GetState(testAccount))
}

func TestManager_ConcurrentRollbacks(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	done := make(chan struct{})
	go func() {
		_, _ = m.Rollback(context.Background(), Request{
			Account: testAccount,
			RestoreFunc: func(ctx context.Context) error {
				atomic.AddInt32(&calls, 1)
				close(started)
				<-release
				return nil
			},
		})
		close(done)
	}()

	<-started
	_, err := m.Rollback(context.Background(), Request{Account: testAccount})
	assert.ErrorContains(t, err, "already in progress")

	// Other accounts are independent.
	_, err = m.Rollback(context.Background(), Request{Account: "7654321_other"})
	assert.NoError(t, err)

	close(release)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
