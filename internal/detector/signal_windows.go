//go:build windows

package detector

import (
	"golang.org/x/sys/windows"
)

// PIDAlive returns true if a process with given pid exists and has not exited.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	const stillActive = 259
	return code == stillActive
}

// Terminate ends pid with TerminateProcess; Windows has no SIGTERM.
func Terminate(pid int) error {
	return Kill(pid)
}

// Kill ends pid with TerminateProcess.
func Kill(pid int) error {
	if pid <= 0 {
		return windows.ERROR_INVALID_PARAMETER
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.TerminateProcess(h, 1)
}
