package torvisr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/torvisr/internal/auth"
	"github.com/loykin/torvisr/internal/config"
	"github.com/loykin/torvisr/internal/control"
	"github.com/loykin/torvisr/internal/credential"
	"github.com/loykin/torvisr/internal/history"
	"github.com/loykin/torvisr/internal/history/factory"
	"github.com/loykin/torvisr/internal/metrics"
	"github.com/loykin/torvisr/internal/onion"
	"github.com/loykin/torvisr/internal/server"
	"github.com/loykin/torvisr/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Status = supervisor.Status

type State = supervisor.State

type Options = supervisor.Options

type Service = onion.Service

type Created = onion.Created

type Credentials = credential.Credentials

type HistorySink = history.Sink

type HistoryEvent = history.Event

type HistoryQuery = history.Query

type AuthConfig = auth.Config

type AuthService = auth.Service

type AuthUser = auth.User

var (
	ErrAlreadyInitialized = supervisor.ErrAlreadyInitialized
	ErrNotInitialized     = supervisor.ErrNotInitialized
	ErrInitInProgress     = supervisor.ErrInitInProgress

	// ErrNoHistory is returned by History when no configured sink can be queried.
	ErrNoHistory = errors.New("no queryable history sink configured")
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type Option func(*Tor)

func WithLogger(l *slog.Logger) Option { return func(t *Tor) { t.logger = l } }

// WithSink adds a history sink next to the ones named in [history].
func WithSink(s HistorySink) Option { return func(t *Tor) { t.sinks = append(t.sinks, s) } }

// WithHasher overrides the hasher selected by tor.hash_with_binary.
func WithHasher(h credential.Hasher) Option { return func(t *Tor) { t.hasher = h } }

// Tor ties a supervisor to the hidden-service manager that talks over its
// control channel. It is the stable public API for embedding.
type Tor struct {
	cfg    *Config
	sup    *supervisor.Supervisor
	svcs   *onion.Manager
	sinks  history.Fanout
	hasher credential.Hasher
	logger *slog.Logger
}

// New builds a Tor from cfg. Tor is not started until Start or Init.
func New(cfg *Config, opts ...Option) (*Tor, error) {
	if cfg == nil {
		return nil, errors.New("torvisr: nil config")
	}
	t := &Tor{cfg: cfg}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	sinks, err := factory.NewFanout(cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	t.sinks = append(sinks, t.sinks...)
	if t.hasher == nil && cfg.Tor.HashWithBinary {
		t.hasher = credential.BinaryHasher{Path: cfg.Tor.Path}
	}

	supOpts := []supervisor.Option{supervisor.WithLogger(t.logger), supervisor.WithHasher(t.hasher)}
	onionOpts := []onion.Option{onion.WithLogger(t.logger)}
	if len(t.sinks) > 0 {
		supOpts = append(supOpts, supervisor.WithSink(t.sinks))
		onionOpts = append(onionOpts, onion.WithSink(t.sinks))
	}
	t.sup = supervisor.New(cfg.SupervisorConfig(), supOpts...)
	t.svcs = onion.New(liveControl{t.sup}, onionOpts...)
	return t, nil
}

// liveControl resolves the control client on every command, since each
// successful Init replaces it.
type liveControl struct{ sup *supervisor.Supervisor }

func (l liveControl) SendCommand(ctx context.Context, line string) (*control.Reply, error) {
	c := l.sup.Control()
	if c == nil {
		return nil, supervisor.ErrNotInitialized
	}
	return c.SendCommand(ctx, line)
}

// Init launches Tor with the configured repeat and timeout.
func (t *Tor) Init(ctx context.Context) error { return t.sup.Init(ctx, t.cfg.InitOptions()) }

// Start runs Init and then creates the [[services]] from the config. A
// service that fails is logged; the remaining ones are still attempted.
func (t *Tor) Start(ctx context.Context) error {
	if err := t.Init(ctx); err != nil {
		return err
	}
	var errs []error
	for _, sc := range t.cfg.Services {
		c, err := t.svcs.Create(ctx, sc.VirtPort, sc.TargetPort, sc.PrivateKey)
		if err != nil {
			t.logger.Error("configured service failed", "virt_port", sc.VirtPort, "error", err)
			errs = append(errs, err)
			continue
		}
		t.logger.Info("configured service ready", "virt_port", sc.VirtPort, "address", c.OnionAddress)
	}
	return errors.Join(errs...)
}

// Kill stops Tor and clears the service cache; Tor drops detached
// services together with the process.
func (t *Tor) Kill(ctx context.Context) error {
	if err := t.sup.Kill(ctx); err != nil {
		return err
	}
	t.svcs.Forget()
	return nil
}

// Close kills Tor if it is running and releases the history sinks.
func (t *Tor) Close(ctx context.Context) error {
	var errs []error
	if err := t.Kill(ctx); err != nil && !errors.Is(err, supervisor.ErrNotInitialized) {
		errs = append(errs, err)
	}
	if err := t.sinks.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Tor) Status() Status                     { return t.sup.Status() }
func (t *Tor) PID() int                           { return t.sup.PID() }
func (t *Tor) Credentials() Credentials           { return t.sup.Credentials() }
func (t *Tor) Supervisor() *supervisor.Supervisor { return t.sup }
func (t *Tor) Services() *onion.Manager           { return t.svcs }

func (t *Tor) CreateService(ctx context.Context, virtPort, targetPort int, privateKey string) (string, error) {
	return t.svcs.CreateService(ctx, virtPort, targetPort, privateKey)
}

func (t *Tor) CreateNewService(ctx context.Context, virtPort, targetPort int) (Created, error) {
	return t.svcs.CreateNewService(ctx, virtPort, targetPort)
}

// Create is CreateService that also returns a key Tor generated for an
// empty or NEW:<type> privateKey.
func (t *Tor) Create(ctx context.Context, virtPort, targetPort int, privateKey string) (Created, error) {
	return t.svcs.Create(ctx, virtPort, targetPort, privateKey)
}

func (t *Tor) DestroyService(ctx context.Context, id string) bool {
	return t.svcs.DestroyService(ctx, id)
}

func (t *Tor) GetServiceAddress(virtPort int) (string, error) {
	return t.svcs.GetServiceAddress(virtPort)
}

// History returns recorded events from the first queryable sink.
func (t *Tor) History(ctx context.Context, q HistoryQuery) ([]HistoryEvent, error) {
	r, ok := t.sinks.Reader()
	if !ok {
		return nil, ErrNoHistory
	}
	return r.Recent(ctx, q)
}

// Handler returns the HTTP API mounted at basePath. A nil a leaves the API
// unauthenticated. /history is served when a history sink can be queried.
func (t *Tor) Handler(basePath string, a *auth.Service, metricsHandler http.Handler) http.Handler {
	opts := []server.Option{server.WithLogger(t.logger)}
	if a != nil {
		opts = append(opts, server.WithAuth(a))
	}
	if metricsHandler != nil {
		opts = append(opts, server.WithMetrics(metricsHandler))
	}
	if r, ok := t.sinks.Reader(); ok {
		opts = append(opts, server.WithHistory(r))
	}
	return server.NewRouter(t, t.svcs, basePath, opts...).Handler()
}

// NewAuth builds the API authenticator for [server.auth].
func NewAuth(c AuthConfig) (*AuthService, error) { return auth.NewService(c) }

// HashAPIPassword returns the bcrypt hash for a [[server.auth.users]] entry.
func HashAPIPassword(password string) (string, error) { return auth.HashPassword(password) }

// GenerateCredentials produces a password and its hash. A non-empty
// torPath asks that binary for the hash.
func GenerateCredentials(ctx context.Context, torPath string) (Credentials, error) {
	var h credential.Hasher
	if torPath != "" {
		h = credential.BinaryHasher{Path: torPath}
	}
	return credential.Generate(ctx, h)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
