package loopcore

import (
	"errors"
	"fmt"
)

// Sentinel errors for driver-lifecycle control flow a caller is expected to
// branch on directly.
var (
	// ErrAlreadyRunning reports that a Driver is already running. Run reports
	// a call made while it is already running with ErrReentrantRun; no
	// operation in this package returns ErrAlreadyRunning.
	ErrAlreadyRunning = errors.New("loopcore: driver is already running")

	// ErrTerminated reports that a Driver has been terminated. No operation
	// in this package returns it; a stopped Driver keeps accepting calls.
	ErrTerminated = errors.New("loopcore: driver has been terminated")

	// ErrReentrantRun is returned when Run is called from within a callback
	// running on the same Driver.
	ErrReentrantRun = errors.New("loopcore: cannot call Run re-entrantly")

	// ErrSwapWhileRunning is returned by Accessor.SetDriver when the
	// currently installed driver is running; swap is only permitted in a
	// quiescent state.
	ErrSwapWhileRunning = errors.New("loopcore: cannot swap a running driver")
)

// InvalidCallbackError reports that an operation referenced an unknown or
// invalidated callback id. Disable and Cancel never return this — they are
// idempotent no-ops on unknown ids.
type InvalidCallbackError struct {
	ID CallbackID
	Op string
}

func (e *InvalidCallbackError) Error() string {
	return fmt.Sprintf("loopcore: %s: invalid callback id %q", e.Op, e.ID)
}

// UnsupportedFeatureError reports that the configured Backend cannot provide
// a requested capability (e.g. signal handling).
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("loopcore: unsupported feature: %s", e.Feature)
}

// InvalidStateError reports an operation attempted from an invalid state:
// a Suspension suspended, resumed or thrown-to in the wrong state, a
// CreateSuspension call during a driver swap, or an operation on the swap
// placeholder. A re-entrant Run and a swap while running are not reported
// with this type: they return the sentinels ErrReentrantRun and
// ErrSwapWhileRunning.
type InvalidStateError struct {
	Message string
}

func (e *InvalidStateError) Error() string {
	return "loopcore: invalid state: " + e.Message
}

// DeadlockError reports that a Suspension would block forever: the driver
// drained (enabled-referenced count reached zero) before the parked
// context was resumed.
type DeadlockError struct {
	Message string
}

func (e *DeadlockError) Error() string {
	if e.Message == "" {
		return "loopcore: deadlock: loop drained while a context was parked"
	}
	return "loopcore: deadlock: " + e.Message
}

// UserError wraps a value recovered from a panicking user callback, or an
// error returned/thrown by one, so it can flow through the installed error
// handler and still participate in errors.Is/errors.As cause-chain matching.
type UserError struct {
	// Value is the recovered panic value, or the error the callback threw.
	Value any
	// Callback identifies which callback produced the error, if known.
	Callback CallbackID
}

func (e *UserError) Error() string {
	return fmt.Sprintf("loopcore: callback %q error: %v", e.Callback, e.Value)
}

// Unwrap returns the underlying error if Value is an error, enabling
// errors.Is/errors.As through the cause chain.
func (e *UserError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// WrapError wraps an error with a message, preserving the cause chain so
// that errors.Is(result, cause) is true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
