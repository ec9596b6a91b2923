package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/torvisr/internal/detector"
)

// daemonize starts a detached copy of this command line without
// --daemonize. The parent returns once the child is running.
func daemonize(pidFile, logFile string) error {
	if err := checkNotRunning(pidFile); err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	pid, err := startDaemon(self, os.Args[1:], pidFile, logFile)
	if err != nil {
		return err
	}
	fmt.Printf("torvisr daemon started, pid %d\n", pid)
	return nil
}

// startDaemon runs exe with args in a new session, output going to logFile.
func startDaemon(exe string, args []string, pidFile, logFile string) (int, error) {
	out, err := daemonOutput(logFile)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	// #nosec G204
	child := exec.Command(exe, daemonArgs(args, pidFile, logFile)...)
	configureDaemonAttrs(child)
	child.Stdout, child.Stderr = out, out
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := child.Process.Pid
	if pidFile != "" {
		if err := writePidFile(pidFile, pid); err != nil {
			return pid, fmt.Errorf("write pid file: %w", err)
		}
	}
	_ = child.Process.Release()
	return pid, nil
}

// daemonOutput is the log file in append mode, or the null device.
func daemonOutput(logFile string) (*os.File, error) {
	if logFile == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	// #nosec G304
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// daemonArgs removes every form of --daemonize, --pidfile and --logfile and
// appends the resolved pid and log file.
func daemonArgs(args []string, pidFile, logFile string) []string {
	out := make([]string, 0, len(args)+4)
	for i := 0; i < len(args); i++ {
		name, _, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--daemonize": // dropped
		case "--pidfile", "--logfile":
			if !hasValue {
				i++
			}
		default:
			out = append(out, args[i])
		}
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	if logFile != "" {
		out = append(out, "--logfile", logFile)
	}
	return out
}

func checkNotRunning(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	alive, err := detector.PIDFileDetector{PIDFile: pidFile}.Alive()
	if err != nil {
		// unreadable or garbage; it will be overwritten
		return nil
	}
	if alive {
		pid, _ := detector.ReadPIDFile(pidFile)
		return fmt.Errorf("torvisr already running with pid %d (%s)", pid, pidFile)
	}
	return nil
}

// writePidFile records pid together with its start time.
func writePidFile(pidFile string, pid int) error {
	return detector.StampPIDFile(pidFile, pid)
}

// removePidFile deletes pidFile when it still names this process.
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	pid, err := detector.ReadPIDFile(pidFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && pid != os.Getpid() {
		return nil
	}
	return os.Remove(pidFile)
}
