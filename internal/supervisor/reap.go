package supervisor

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/loykin/torvisr/internal/detector"
	"github.com/loykin/torvisr/internal/history"
	"github.com/loykin/torvisr/internal/metrics"
)

// readStalePID returns the pid recorded by a previous run if that process
// still looks alive. Dead or reused pids remove the file and return 0.
func (s *Supervisor) readStalePID() int {
	path := s.cfg.PIDFile()
	pid, err := detector.ReadPIDFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("unreadable pid file, removing", "path", path, "error", err)
			s.removePIDFile()
		}
		return 0
	}
	alive, err := detector.PIDFileDetector{PIDFile: path}.Alive()
	if err != nil || !alive {
		s.removePIDFile()
		return 0
	}
	return pid
}

// reapStale kills the process named by the pid file of an earlier run when
// it is Tor. It runs at most once per Init.
func (s *Supervisor) reapStale(ctx context.Context, stalePID *int) {
	pid := *stalePID
	if pid <= 0 {
		return
	}
	*stalePID = 0

	name, err := s.finder.CommandName(ctx, pid)
	if err != nil || !detector.IsTorName(name, s.cfg.TorPath) {
		s.logger.Info("pid file names a foreign process, leaving it alone", "pid", pid, "name", name, "error", err)
		s.removePIDFile()
		return
	}
	if err := detector.Terminate(pid); err != nil {
		s.logger.Warn("terminate stale tor", "pid", pid, "error", err)
	} else if !s.waitGone(ctx, pid) {
		_ = detector.Kill(pid)
		s.waitGone(ctx, pid)
	}
	s.removePIDFile()
	metrics.IncStaleReaped("pidfile")
	s.logger.Info("reaped stale tor", "pid", pid)
	s.emit(ctx, history.Event{Type: history.EventStaleReaped, PID: pid, Detail: "pidfile"})
}

// reapHanging terminates processes whose command line references our data
// directory. Lookup and signal errors never fail the attempt.
func (s *Supervisor) reapHanging(ctx context.Context) {
	pids, err := s.finder.FindByArg(ctx, s.cfg.DataDir())
	if err != nil {
		s.logger.Debug("hanging process lookup failed", "error", err)
		return
	}
	for _, pid := range pids {
		if pid <= 0 || pid == os.Getpid() {
			continue
		}
		if err := detector.Terminate(pid); err != nil {
			s.logger.Debug("terminate hanging process", "pid", pid, "error", err)
			continue
		}
		s.waitGone(ctx, pid)
		metrics.IncStaleReaped("data_dir")
		s.logger.Info("reaped hanging process", "pid", pid)
		s.emit(ctx, history.Event{Type: history.EventStaleReaped, PID: pid, Detail: "data_dir"})
	}
}

// waitGone polls until pid is gone, ReapTimeout elapses or ctx ends.
func (s *Supervisor) waitGone(ctx context.Context, pid int) bool {
	deadline := time.Now().Add(s.cfg.ReapTimeout)
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for detector.PIDAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}

func (s *Supervisor) removePIDFile() {
	if err := os.Remove(s.cfg.PIDFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove pid file", "error", err)
	}
}
