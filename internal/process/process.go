// Package process runs the Tor daemon as a child process and watches its
// standard output for bootstrap progress.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// BootstrapMarker is the stdout fragment Tor prints once it is usable.
const BootstrapMarker = "Bootstrapped 100%"

// reapGrace bounds how long Kill waits for the child to be reaped.
const reapGrace = 2 * time.Second

var bootstrapRe = regexp.MustCompile(`Bootstrapped (\d{1,3})%`)

// Process is a single Tor child. It is not restartable: create a new one
// per spawn attempt.
type Process struct {
	spec   Spec
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	outCloser io.WriteCloser
	errCloser io.WriteCloser

	bootOnce     sync.Once
	bootstrapped chan struct{}
	done         chan struct{}
}

func New(spec Spec, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		spec:         spec,
		logger:       logger.With("component", "process", "name", spec.name()),
		status:       Status{Name: spec.name()},
		bootstrapped: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (p *Process) Spec() Spec { return p.spec }

// Start launches Tor with env as its complete environment (nil inherits ours).
func (p *Process) Start(env []string) error {
	if err := p.spec.Validate(); err != nil {
		return fmt.Errorf("invalid tor spec: %w", err)
	}
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return errors.New("process already started")
	}
	p.mu.Unlock()

	cmd := p.spec.BuildCommand()
	if env != nil {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	var outW, errW io.WriteCloser
	if p.spec.Log.Enabled() {
		var err error
		outW, errW, err = p.spec.Log.ProcessWriters(p.spec.name())
		if err != nil {
			return fmt.Errorf("open tor log files: %w", err)
		}
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeAll(outW, errW)
		return err
	}
	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.outCloser, p.errCloser = outW, errW
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	p.mu.Unlock()
	p.logger.Info("tor started", "pid", cmd.Process.Pid, "data_dir", p.spec.DataDir)

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		p.scan(stdout, outW)
	}()
	go p.wait(cmd, scanned)
	return nil
}

// scan consumes stdout line by line until the pipe closes.
func (p *Process) scan(r io.Reader, tee io.Writer) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		line := s.Text()
		p.logger.Debug("tor output", "line", line)
		if tee != nil {
			_, _ = io.WriteString(tee, line+"\n")
		}
		m := bootstrapRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pct, _ := strconv.Atoi(m[1])
		p.mu.Lock()
		if pct > p.status.Bootstrap {
			p.status.Bootstrap = pct
		}
		p.mu.Unlock()
		if pct >= 100 {
			p.bootOnce.Do(func() { close(p.bootstrapped) })
		}
	}
	// drain so a chatty child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) wait(cmd *exec.Cmd, scanned <-chan struct{}) {
	<-scanned
	err := cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	if err != nil {
		p.status.ExitError = err.Error()
	}
	out, errw := p.outCloser, p.errCloser
	p.outCloser, p.errCloser = nil, nil
	p.mu.Unlock()
	closeAll(out, errw)
	p.logger.Info("tor exited", "pid", cmd.Process.Pid, "error", err)
	close(p.done)
}

// WaitBootstrap blocks until the bootstrap marker appears on stdout.
func (p *Process) WaitBootstrap(ctx context.Context, timeout time.Duration) error {
	if p.PID() == 0 {
		return ErrNotStarted
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.bootstrapped:
		return nil
	case <-p.done:
		select {
		case <-p.bootstrapped:
			return nil
		default:
		}
		if e := p.Snapshot().ExitError; e != "" {
			return fmt.Errorf("%w: %s", ErrExitedEarly, e)
		}
		return ErrExitedEarly
	case <-timer.C:
		return &BootstrapTimeoutError{Timeout: timeout, Progress: p.BootstrapProgress()}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BootstrapProgress returns the highest "Bootstrapped N%" seen so far.
func (p *Process) BootstrapProgress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.Bootstrap
}

// Terminate asks Tor to exit and waits until it is reaped. When ctx ends
// first the process group is killed.
func (p *Process) Terminate(ctx context.Context) error {
	proc := p.osProcess()
	if proc == nil {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}
	if err := terminate(proc); err != nil {
		if p.Exited() {
			return nil
		}
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("tor did not exit in time; killing", "pid", proc.Pid)
		_ = p.Kill()
		return ctx.Err()
	}
}

// Kill sends SIGKILL to the process group and waits briefly for the reap.
func (p *Process) Kill() error {
	proc := p.osProcess()
	if proc == nil || p.Exited() {
		return nil
	}
	err := kill(proc)
	select {
	case <-p.done:
		return nil
	case <-time.After(reapGrace):
	}
	return err
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) osProcess() *os.Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil
	}
	return p.cmd.Process
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
