package supervisor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyInitialized is returned by Init while a live Tor process
	// exists or another Init is running.
	ErrAlreadyInitialized = errors.New("tor supervisor already initialized")
	// ErrNotInitialized is returned by Kill when there is no process.
	ErrNotInitialized = errors.New("tor supervisor not initialized")
	// ErrInitInProgress is returned by Kill while Init is still spawning;
	// cancel the Init context instead.
	ErrInitInProgress = errors.New("tor supervisor init in progress")
)

// SpawnTimeoutError reports a single attempt whose bootstrap marker did not
// appear in time.
type SpawnTimeoutError struct {
	Attempt  int
	Timeout  time.Duration
	Progress int
}

func (e *SpawnTimeoutError) Error() string {
	return fmt.Sprintf("attempt %d: tor did not bootstrap within %s (reached %d%%)", e.Attempt, e.Timeout, e.Progress)
}

// AttemptError reports a failed attempt at a given stage: spawn, bootstrap
// or control.
type AttemptError struct {
	Attempt int
	Stage   string
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("attempt %d: %s: %v", e.Attempt, e.Stage, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// SpawnExhaustedError is returned by Init once every attempt failed.
type SpawnExhaustedError struct {
	Attempts int
	Last     error
}

func (e *SpawnExhaustedError) Error() string {
	return fmt.Sprintf("tor failed to start after %d attempts: %v", e.Attempts, e.Last)
}

func (e *SpawnExhaustedError) Unwrap() error { return e.Last }

// KillError reports that Tor could not be signalled or did not exit in time.
type KillError struct {
	PID int
	Err error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("kill tor (pid %d): %v", e.PID, e.Err)
}

func (e *KillError) Unwrap() error { return e.Err }

func failureReason(err error) string {
	var te *SpawnTimeoutError
	if errors.As(err, &te) {
		return "bootstrap_timeout"
	}
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Stage
	}
	return "unknown"
}
