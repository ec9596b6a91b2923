// Package detector inspects operating-system processes: pid files, liveness,
// command names, and command-line searches used to reap leftover Tor instances.
package detector

import (
	"context"
	"path/filepath"
	"strings"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Finder looks processes up by pid and by command line.
type Finder interface {
	// CommandName returns the short executable name of pid, e.g. "tor".
	CommandName(ctx context.Context, pid int) (string, error)
	// FindByArg returns the pids whose command line contains needle,
	// excluding the calling process.
	FindByArg(ctx context.Context, needle string) ([]int, error)
}

// IsTorName reports whether a command name belongs to a Tor binary. When
// binaryPath is set its base name is accepted too.
func IsTorName(name, binaryPath string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	if name == "tor" || strings.Contains(name, "tor.exe") {
		return true
	}
	if binaryPath == "" {
		return false
	}
	base := strings.ToLower(filepath.Base(binaryPath))
	return name == base || name == strings.TrimSuffix(base, ".exe")
}
