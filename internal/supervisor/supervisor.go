// Package supervisor owns the Tor daemon: it generates control credentials,
// spawns Tor with retries, reaps leftovers from earlier runs, and kills it
// on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/torvisr/internal/control"
	"github.com/loykin/torvisr/internal/credential"
	"github.com/loykin/torvisr/internal/detector"
	"github.com/loykin/torvisr/internal/env"
	"github.com/loykin/torvisr/internal/history"
	"github.com/loykin/torvisr/internal/logger"
	"github.com/loykin/torvisr/internal/metrics"
	"github.com/loykin/torvisr/internal/process"
)

// Defaults for Init.
const (
	DefaultRepeat  = 6
	DefaultTimeout = time.Hour

	DefaultReapTimeout = 5 * time.Second

	dataDirName = "TorDataDirectory"
	pidFileName = "tor.pid"
)

// Config describes where Tor lives and how it is launched.
type Config struct {
	TorPath        string
	DataRoot       string // holds the Tor data directory and pid file
	ControlHost    string // defaults to 127.0.0.1
	CookieFile     string // authenticate with this cookie instead of the password
	SocksPort      int
	HTTPTunnelPort int
	ControlPort    int
	ExtraArgs      []string
	Env            []string // extra K=V for the child
	LibDir         string   // prepended to the loader search path
	WorkDir        string   // Tor's working directory
	Log            logger.FileConfig
	ControlTimeout time.Duration
	ReapTimeout    time.Duration // wait for a reaped leftover to disappear
}

// DataDir is the --DataDirectory handed to Tor.
func (c Config) DataDir() string { return filepath.Join(c.DataRoot, dataDirName) }

// PIDFile is the --PidFile handed to Tor.
func (c Config) PIDFile() string { return filepath.Join(c.DataRoot, pidFileName) }

// ControlAddr is the host:port of the control port.
func (c Config) ControlAddr() string {
	host := c.ControlHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.ControlPort))
}

// Options bound the spawn-retry loop. Repeat is the number of retries after
// the first attempt; Timeout bounds each bootstrap wait.
type Options struct {
	Repeat  int
	Timeout time.Duration
}

// DefaultOptions returns Repeat=6 and Timeout=1h.
func DefaultOptions() Options { return Options{Repeat: DefaultRepeat, Timeout: DefaultTimeout} }

// Ports are the local endpoints Tor listens on.
type Ports struct {
	Socks      int `json:"socks"`
	HTTPTunnel int `json:"http_tunnel"`
	Control    int `json:"control"`
}

// Status is a snapshot for callers and the HTTP API.
type Status struct {
	State     State     `json:"state"`
	PID       int       `json:"pid"`
	Attempts  int       `json:"attempts"`
	Bootstrap int       `json:"bootstrap_percent"`
	StartedAt time.Time `json:"started_at"`
	LastError string    `json:"last_error,omitempty"`
	DataDir   string    `json:"data_dir"`
	Ports     Ports     `json:"ports"`
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithFinder replaces the process finder used for leftover cleanup.
func WithFinder(f detector.Finder) Option { return func(s *Supervisor) { s.finder = f } }

// WithHasher replaces the control password hasher.
func WithHasher(h credential.Hasher) Option { return func(s *Supervisor) { s.hasher = h } }

// WithSink exports lifecycle events.
func WithSink(sink history.Sink) Option { return func(s *Supervisor) { s.sink = sink } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// Supervisor runs at most one Tor process at a time.
type Supervisor struct {
	cfg    Config
	finder detector.Finder
	hasher credential.Hasher
	sink   history.Sink
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	initializing bool
	proc         *process.Process
	ctl          *control.Client
	creds        credential.Credentials
	attempts     int
	lastErr      error
	startedAt    time.Time
}

func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.ReapTimeout <= 0 {
		cfg.ReapTimeout = DefaultReapTimeout
	}
	s := &Supervisor{cfg: cfg, finder: detector.PsutilFinder{}}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Init generates credentials and runs the spawn-retry loop until Tor is
// bootstrapped and the control session is authenticated.
func (s *Supervisor) Init(ctx context.Context, opts Options) error {
	if opts.Repeat < 0 {
		opts.Repeat = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	s.mu.Lock()
	if s.initializing || (s.proc != nil && !s.proc.Exited()) {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initializing = true
	s.attempts = 0
	s.lastErr = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.initializing = false
		s.mu.Unlock()
	}()

	creds, err := credential.Generate(ctx, s.hasher)
	if err != nil {
		s.fail(err)
		return err
	}
	ccfg := control.Config{
		Addr:     s.cfg.ControlAddr(),
		Password: creds.Password,
		Timeout:  s.cfg.ControlTimeout,
		Logger:   s.logger,
	}
	if s.cfg.CookieFile != "" {
		ccfg.Password = ""
		ccfg.CookiePath = s.cfg.CookieFile
	}
	ctl := control.New(ccfg)
	s.mu.Lock()
	s.creds = creds
	if s.ctl != nil {
		_ = s.ctl.Close()
	}
	s.ctl = ctl
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.DataRoot, 0o700); err != nil {
		err = fmt.Errorf("create data root: %w", err)
		s.fail(err)
		return err
	}
	stalePID := s.readStalePID()

	var last error
	for attempt := 0; attempt <= opts.Repeat; attempt++ {
		if err := ctx.Err(); err != nil {
			s.fail(err)
			return err
		}
		err := s.attempt(ctx, attempt, &stalePID, opts.Timeout)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.fail(ctxErr)
			return ctxErr
		}
		last = err
		s.mu.Lock()
		s.attempts++
		s.lastErr = err
		s.mu.Unlock()
		metrics.IncSpawnFailure(failureReason(err))
		s.logger.Warn("tor spawn attempt failed", "attempt", attempt, "of", opts.Repeat+1, "error", err)
		s.emit(ctx, history.Event{Type: history.EventAttemptFailed, Attempt: attempt, Error: err.Error()})
	}

	exhausted := &SpawnExhaustedError{Attempts: opts.Repeat + 1, Last: last}
	s.fail(exhausted)
	s.emit(ctx, history.Event{Type: history.EventExhausted, Attempt: opts.Repeat, Error: exhausted.Error()})
	return exhausted
}

// attempt runs one cleanup-spawn-bootstrap-connect cycle. On failure the
// process is gone and the data directory removed.
func (s *Supervisor) attempt(ctx context.Context, n int, stalePID *int, timeout time.Duration) error {
	s.setState(Spawning)
	s.reapStale(ctx, stalePID)
	s.reapHanging(ctx)

	s.mu.Lock()
	hashed := s.creds.HashedPassword
	ctl := s.ctl
	s.mu.Unlock()

	spec := process.Spec{
		Name:           "tor",
		TorPath:        s.cfg.TorPath,
		SocksPort:      s.cfg.SocksPort,
		HTTPTunnelPort: s.cfg.HTTPTunnelPort,
		ControlPort:    s.cfg.ControlPort,
		PIDFile:        s.cfg.PIDFile(),
		DataDir:        s.cfg.DataDir(),
		HashedPassword: hashed,
		WorkDir:        s.cfg.WorkDir,
		ExtraArgs:      s.cfg.ExtraArgs,
		Log:            s.cfg.Log,
	}
	childEnv := env.New().WithLibraryDir(s.cfg.LibDir).Merge(s.cfg.Env)

	p := process.New(spec, s.logger)
	if err := p.Start(childEnv); err != nil {
		s.clearDataDir()
		return &AttemptError{Attempt: n, Stage: "spawn", Err: err}
	}
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
	metrics.IncSpawnAttempt()
	s.emit(ctx, history.Event{Type: history.EventSpawn, PID: p.PID(), Attempt: n})

	s.setState(Bootstrapping)
	began := time.Now()
	if err := p.WaitBootstrap(ctx, timeout); err != nil {
		s.discard(p, ctl)
		var bt *process.BootstrapTimeoutError
		if errors.As(err, &bt) {
			return &SpawnTimeoutError{Attempt: n, Timeout: bt.Timeout, Progress: bt.Progress}
		}
		return &AttemptError{Attempt: n, Stage: "bootstrap", Err: err}
	}
	metrics.ObserveBootstrapDuration(time.Since(began).Seconds())

	if err := ctl.Connect(ctx); err != nil {
		s.discard(p, ctl)
		return &AttemptError{Attempt: n, Stage: "control", Err: err}
	}
	if err := detector.StampPIDFile(s.cfg.PIDFile(), p.PID()); err != nil {
		s.logger.Debug("stamp pid file", "error", err)
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setState(Running)
	s.logger.Info("tor is ready", "pid", p.PID(), "attempt", n, "bootstrap", time.Since(began))
	s.emit(ctx, history.Event{Type: history.EventBootstrapped, PID: p.PID(), Attempt: n})
	go s.watch(p)
	return nil
}

// watch marks the supervisor failed when a running Tor exits on its own.
func (s *Supervisor) watch(p *process.Process) {
	<-p.Done()
	s.mu.Lock()
	if s.proc != p || s.state != Running {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	ctl := s.ctl
	s.mu.Unlock()
	if ctl != nil {
		_ = ctl.Close()
	}
	st := p.Snapshot()
	s.logger.Error("tor exited unexpectedly", "pid", st.PID, "error", st.ExitError)
	s.fail(fmt.Errorf("tor exited unexpectedly: %s", st.ExitError))
}

// discard kills a failed attempt's process and wipes its data directory.
func (s *Supervisor) discard(p *process.Process, ctl *control.Client) {
	if ctl != nil {
		_ = ctl.Close()
	}
	if err := p.Kill(); err != nil {
		s.logger.Warn("kill failed attempt", "pid", p.PID(), "error", err)
	}
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.mu.Unlock()
	s.clearDataDir()
}

func (s *Supervisor) clearDataDir() {
	if err := os.RemoveAll(s.cfg.DataDir()); err != nil {
		s.logger.Warn("clear tor data directory", "dir", s.cfg.DataDir(), "error", err)
	}
}

// Kill terminates Tor and waits until it exits or ctx ends.
func (s *Supervisor) Kill(ctx context.Context) error {
	s.mu.Lock()
	if s.initializing {
		s.mu.Unlock()
		return ErrInitInProgress
	}
	p := s.proc
	if p == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	prev := s.state
	ctl := s.ctl
	s.mu.Unlock()

	s.setState(Terminating)
	if ctl != nil {
		_ = ctl.Close()
	}
	pid := p.PID()
	if err := p.Terminate(ctx); err != nil && !p.Exited() {
		s.setState(prev)
		return &KillError{PID: pid, Err: err}
	} else if err != nil {
		s.logger.Warn("tor exited after forced kill", "pid", pid, "error", err)
	}

	s.removePIDFile()
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.mu.Unlock()
	s.setState(Terminated)
	s.logger.Info("tor terminated", "pid", pid)
	s.emit(ctx, history.Event{Type: history.EventKilled, PID: pid})
	return nil
}

// Attempts counts failed attempts of the current or last Init.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Control returns the control client configured by Init, or nil before.
func (s *Supervisor) Control() *control.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctl
}

// Credentials returns the hashed control password handed to Tor. The
// plaintext never leaves the supervisor.
func (s *Supervisor) Credentials() credential.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return credential.Credentials{HashedPassword: s.creds.HashedPassword}
}

func (s *Supervisor) Ports() Ports {
	return Ports{Socks: s.cfg.SocksPort, HTTPTunnel: s.cfg.HTTPTunnelPort, Control: s.cfg.ControlPort}
}

// PID of the live Tor process, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:     s.state,
		Attempts:  s.attempts,
		StartedAt: s.startedAt,
		DataDir:   s.cfg.DataDir(),
		Ports:     Ports{Socks: s.cfg.SocksPort, HTTPTunnel: s.cfg.HTTPTunnelPort, Control: s.cfg.ControlPort},
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
		st.Bootstrap = s.proc.BootstrapProgress()
	}
	return st
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(from.String(), to.String())
	metrics.SetCurrentState(to.String(), allStateNames())
	s.logger.Debug("state transition", "from", from, "to", to)
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(Failed)
}

// emit sends e to the sink without letting a slow or failing sink affect
// supervision.
func (s *Supervisor) emit(ctx context.Context, e history.Event) {
	if s.sink == nil {
		return
	}
	e.OccurredAt = time.Now()
	e.State = s.State().String()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.sink.Send(sctx, e); err != nil {
		s.logger.Warn("history sink", "event", e.Type, "error", err)
	}
}
