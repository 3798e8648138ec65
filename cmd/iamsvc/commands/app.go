package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/systmms/iamsvc/internal/config"
	iamerrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/lifecycle"
	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/permissions"
)

// Lifecycle is the set of operations the CLI drives.
type Lifecycle interface {
	Onboard(ctx context.Context, caller *permissions.Caller, req lifecycle.OnboardRequest) *lifecycle.Result
	Activate(ctx context.Context, caller *permissions.Caller, accountID, userName string) *lifecycle.Result
	TransferOwner(ctx context.Context, caller *permissions.Caller, req lifecycle.TransferRequest) *lifecycle.Result

	GrantUser(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result
	RevokeUser(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result
	GrantGroup(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result
	RevokeGroup(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result
	GrantAppRole(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result
	RevokeAppRole(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result
	GrantAwsRole(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result
	RevokeAwsRole(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result

	CreateAccessKey(ctx context.Context, caller *permissions.Caller, accountID, userName string) *lifecycle.Result
	RotateAccessKey(ctx context.Context, caller *permissions.Caller, accountID, userName, accessKeyID string) *lifecycle.Result
	DeleteAccessKey(ctx context.Context, caller *permissions.Caller, accountID, userName, accessKeyID string) *lifecycle.Result
	ListAccessKeys(ctx context.Context, caller *permissions.Caller, accountID, userName string) *lifecycle.Result
	ReadAccessKeySecret(ctx context.Context, caller *permissions.Caller, accountID, userName, accessKeyID string) *lifecycle.Result

	Offboard(ctx context.Context, caller *permissions.Caller, accountID, userName string) *lifecycle.Result
	ListAccessible(ctx context.Context, caller *permissions.Caller) *lifecycle.Result
	ListOnboarded(ctx context.Context, caller *permissions.Caller) *lifecycle.Result
}

// Runtime is what a command needs once the configuration is loaded.
type Runtime struct {
	Lifecycle Lifecycle

	// Caller resolves the identity of whoever runs the command.
	Caller func(ctx context.Context) (*permissions.Caller, error)

	close func() error
}

// Close flushes notifications and metrics.
func (r *Runtime) Close() error {
	if r == nil || r.close == nil {
		return nil
	}
	return r.close()
}

// App is shared by all commands.
type App struct {
	Config *config.Config

	// NewRuntime builds the runtime after the configuration has been loaded.
	// Tests replace it.
	NewRuntime func(ctx context.Context, cfg *config.Config) (*Runtime, error)

	Out io.Writer
}

// NewApp creates an App that wires the real backends.
func NewApp(cfg *config.Config) *App {
	return &App{Config: cfg, NewRuntime: NewRuntime, Out: os.Stdout}
}

func (a *App) logger() *logging.Logger {
	if a.Config.Logger == nil {
		return logging.Discard()
	}
	return a.Config.Logger
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

// run loads the configuration, builds the runtime, resolves the caller and
// hands both to fn.
func (a *App) run(ctx context.Context, fn func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error) (err error) {
	if a.Config.Definition == nil {
		if err := a.Config.Load(); err != nil {
			return err
		}
	}
	rt, err := a.NewRuntime(ctx, a.Config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			a.logger().Warn("Shutdown: %v", closeErr)
		}
	}()

	caller, err := rt.Caller(ctx)
	if err != nil {
		return iamerrors.UserError{
			Message:    "Could not determine who is running the command",
			Details:    err.Error(),
			Suggestion: "Run 'iamsvc login' or set IAMSVC_TOKEN",
			Err:        err,
		}
	}
	return fn(ctx, rt, caller)
}

// ResultError is returned when an operation did not fully succeed. Code is
// the HTTP-style status of the result.
type ResultError struct {
	Status lifecycle.Status
	Code   int
	Step   string
}

func (e *ResultError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("operation ended with %s (%d) at step %s", e.Status, e.Code, e.Step)
	}
	return fmt.Sprintf("operation ended with %s (%d)", e.Status, e.Code)
}

// report prints the result message and converts anything short of full
// success into an error.
func (a *App) report(res *lifecycle.Result) error {
	w := a.out()
	switch res.Status {
	case lifecycle.StatusSuccess:
		fmt.Fprintf(w, "✅ %s\n", res.Message)
	case lifecycle.StatusPartialSuccess:
		fmt.Fprintf(w, "⚠️  %s\n", res.Message)
	default:
		fmt.Fprintf(w, "❌ %s\n", res.Message)
	}
	if res.JournalID != "" {
		a.logger().Debug("Journal entry %s", res.JournalID)
	}
	if res.Err != nil {
		a.logger().Debug("Cause: %v", res.Err)
	}
	if res.OK() {
		return nil
	}
	return &ResultError{Status: res.Status, Code: res.Code, Step: res.FailedStep}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
