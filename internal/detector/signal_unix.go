//go:build !windows

package detector

import (
	"errors"

	"golang.org/x/sys/unix"
)

// PIDAlive returns true if a process with given pid exists (or EPERM).
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate asks pid to exit with SIGTERM.
func Terminate(pid int) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to pid.
func Kill(pid int) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(pid, unix.SIGKILL)
}
