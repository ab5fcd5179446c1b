package groove

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// EngineError is a custom error type for scheduler errors.
type EngineError struct {
	Message string
}

func (e EngineError) Error() string {
	return fmt.Sprintf("groove: %s", e.Message)
}

func errInvalidConfig(msg string) error {
	return EngineError{Message: fmt.Sprintf("invalid config: %s", msg)}
}

// ErrCancelled is returned, wrapped together with the cancellation
// cause, when the run write loop finds the task fiber cancelled. A task
// cancelled because a deferred DELETE batch failed on tx records the
// batch's error as its own.
var ErrCancelled = errors.New("groove: task cancelled")

// ErrShutdown is the cancellation cause used during engine teardown.
var ErrShutdown = errors.New("groove: shutting down")

// errInjected marks deterministic faults inserted by tests.
var errInjected = errors.New("groove: error injection")

// ErrInj is a set of deterministic fault-insertion switches for tests.
// All switches are safe for concurrent use.
type ErrInj struct {
	// RunWrite makes the run write step fail.
	RunWrite atomic.Bool
	// RunDiscard suppresses the drop_run record when a run is
	// discarded, leaking the file until recovery.
	RunDiscard atomic.Bool
	// TaskComplete makes task completion fail on tx.
	TaskComplete atomic.Bool
	// DumpIndexID makes dump task creation fail for the LSM tree with
	// the given index id. Negative means disabled.
	DumpIndexID atomic.Int32
	// SchedTimeoutNs overrides the throttle sleep duration (the stored
	// back-off value still doubles as usual). Zero means disabled.
	SchedTimeoutNs atomic.Int64
	// RunWriteStmtDelayNs delays each statement append during the run
	// write step. Zero means disabled.
	RunWriteStmtDelayNs atomic.Int64
}

func newErrInj() *ErrInj {
	inj := &ErrInj{}
	inj.DumpIndexID.Store(-1)
	return inj
}

func (inj *ErrInj) schedTimeout() (time.Duration, bool) {
	ns := inj.SchedTimeoutNs.Load()
	return time.Duration(ns), ns > 0
}
