package process

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotStarted is returned by operations that need a running child.
	ErrNotStarted = errors.New("process not started")
	// ErrExitedEarly reports that Tor exited before finishing bootstrap.
	ErrExitedEarly = errors.New("tor exited before bootstrap completed")
)

// BootstrapTimeoutError reports that the bootstrap marker did not appear in time.
type BootstrapTimeoutError struct {
	Timeout  time.Duration
	Progress int // last observed percentage
}

func (e *BootstrapTimeoutError) Error() string {
	return fmt.Sprintf("tor did not bootstrap within %s (last progress %d%%)", e.Timeout, e.Progress)
}
