package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/torvisr/internal/auth"
	"github.com/loykin/torvisr/internal/logger"
	"github.com/loykin/torvisr/internal/metrics"
	"github.com/loykin/torvisr/internal/supervisor"
	apitls "github.com/loykin/torvisr/internal/tls"
)

// EnvPrefix is prepended to environment overrides, e.g.
// TORVISR_TOR_CONTROL_PORT=9251.
const EnvPrefix = "TORVISR"

// Default ports tried first when a port is left at zero.
const (
	DefaultControlPort    = 9151
	DefaultSocksPort      = 9052
	DefaultHTTPTunnelPort = 9000
)

// Config represents the top-level TOML structure.
type Config struct {
	Tor      TorConfig       `toml:"tor" mapstructure:"tor"`
	Log      logger.Config   `toml:"log" mapstructure:"log"`
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig   `toml:"history" mapstructure:"history"`
	Services []ServiceConfig `toml:"services" mapstructure:"services"`
}

type TorConfig struct {
	Path           string        `toml:"path" mapstructure:"path"`
	DataDir        string        `toml:"data_dir" mapstructure:"data_dir"`
	ControlHost    string        `toml:"control_host" mapstructure:"control_host"`
	ControlPort    int           `toml:"control_port" mapstructure:"control_port"`
	SocksPort      int           `toml:"socks_port" mapstructure:"socks_port"`
	HTTPTunnelPort int           `toml:"http_tunnel_port" mapstructure:"http_tunnel_port"`
	Repeat         int           `toml:"repeat" mapstructure:"repeat"`
	Timeout        time.Duration `toml:"timeout" mapstructure:"timeout"`
	ControlTimeout time.Duration `toml:"control_timeout" mapstructure:"control_timeout"`
	CookieFile     string        `toml:"cookie_file" mapstructure:"cookie_file"`
	// HashWithBinary derives the control password hash by running
	// "tor --hash-password" instead of hashing in process.
	HashWithBinary bool     `toml:"hash_with_binary" mapstructure:"hash_with_binary"`
	ExtraArgs      []string `toml:"extra_args" mapstructure:"extra_args"`
	Env            []string `toml:"env" mapstructure:"env"`
	EnvFiles       []string `toml:"env_files" mapstructure:"env_files"`
	LibDir         string   `toml:"lib_dir" mapstructure:"lib_dir"`
	WorkDir        string   `toml:"work_dir" mapstructure:"work_dir"`
}

type ServerConfig struct {
	Enabled  bool          `toml:"enabled" mapstructure:"enabled"`
	Listen   string        `toml:"listen" mapstructure:"listen"`
	BasePath string        `toml:"base_path" mapstructure:"base_path"`
	TLS      apitls.Config `toml:"tls" mapstructure:"tls"`
	Auth     auth.Config   `toml:"auth" mapstructure:"auth"`
}

// MetricsConfig enables Prometheus collectors. With an empty Listen the
// handler is mounted on the API server.
type MetricsConfig struct {
	Enabled  bool                   `toml:"enabled" mapstructure:"enabled"`
	Listen   string                 `toml:"listen" mapstructure:"listen"`
	Resource metrics.ResourceConfig `toml:"resource" mapstructure:"resource"`
}

// HistoryConfig lists sink DSNs, e.g. sqlite:///var/lib/torvisr/history.db.
type HistoryConfig struct {
	DSN []string `toml:"dsn" mapstructure:"dsn"`
}

// ServiceConfig is a hidden service created when serve starts.
type ServiceConfig struct {
	VirtPort   int    `toml:"virt_port" mapstructure:"virt_port"`
	TargetPort int    `toml:"target_port" mapstructure:"target_port"`
	PrivateKey string `toml:"private_key" mapstructure:"private_key"`
}

// DefaultDataDir is used when tor.data_dir is unset.
func DefaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "torvisr")
	}
	return filepath.Join(os.TempDir(), "torvisr")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tor.path", "tor")
	v.SetDefault("tor.data_dir", DefaultDataDir())
	v.SetDefault("tor.control_host", "127.0.0.1")
	v.SetDefault("tor.control_port", 0)
	v.SetDefault("tor.socks_port", 0)
	v.SetDefault("tor.http_tunnel_port", 0)
	v.SetDefault("tor.repeat", supervisor.DefaultRepeat)
	v.SetDefault("tor.timeout", supervisor.DefaultTimeout)
	v.SetDefault("tor.control_timeout", 30*time.Second)
	v.SetDefault("tor.cookie_file", "")
	v.SetDefault("tor.hash_with_binary", false)
	v.SetDefault("tor.lib_dir", "")
	v.SetDefault("tor.work_dir", "")

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.dir", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token_ttl", 24*time.Hour)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resource.enabled", false)
	v.SetDefault("metrics.resource.interval", 5*time.Second)
	v.SetDefault("metrics.resource.max_history", 100)
}

// Load reads path (optional) and TORVISR_* overrides into a Config.
// Zero ports are kept; call ResolvePorts before launching Tor.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	env, err := loadEnvFiles(cfg.Tor.EnvFiles)
	if err != nil {
		return nil, err
	}
	// inline env wins over env files
	cfg.Tor.Env = append(env, cfg.Tor.Env...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.Tor.Path == "" {
		errs = append(errs, errors.New("tor.path is required"))
	}
	if c.Tor.DataDir == "" {
		errs = append(errs, errors.New("tor.data_dir is required"))
	}
	if c.Tor.Repeat < 0 {
		errs = append(errs, fmt.Errorf("tor.repeat must be >= 0, got %d", c.Tor.Repeat))
	}
	for name, p := range map[string]int{
		"tor.control_port":     c.Tor.ControlPort,
		"tor.socks_port":       c.Tor.SocksPort,
		"tor.http_tunnel_port": c.Tor.HTTPTunnelPort,
	} {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
		}
	}
	seen := make(map[int]bool, len(c.Services))
	for i, s := range c.Services {
		if s.VirtPort < 1 || s.VirtPort > 65535 {
			errs = append(errs, fmt.Errorf("services[%d].virt_port %d out of range", i, s.VirtPort))
		}
		if s.TargetPort < 1 || s.TargetPort > 65535 {
			errs = append(errs, fmt.Errorf("services[%d].target_port %d out of range", i, s.TargetPort))
		}
		if seen[s.VirtPort] {
			errs = append(errs, fmt.Errorf("services[%d]: virt_port %d listed twice", i, s.VirtPort))
		}
		seen[s.VirtPort] = true
	}
	return errors.Join(errs...)
}

// SupervisorConfig maps the [tor] and [log] sections onto the supervisor.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		TorPath:        c.Tor.Path,
		DataRoot:       c.Tor.DataDir,
		ControlHost:    c.Tor.ControlHost,
		CookieFile:     c.Tor.CookieFile,
		SocksPort:      c.Tor.SocksPort,
		HTTPTunnelPort: c.Tor.HTTPTunnelPort,
		ControlPort:    c.Tor.ControlPort,
		ExtraArgs:      c.Tor.ExtraArgs,
		Env:            c.Tor.Env,
		LibDir:         c.Tor.LibDir,
		WorkDir:        c.Tor.WorkDir,
		Log:            c.Log.File,
		ControlTimeout: c.Tor.ControlTimeout,
	}
}

func (c *Config) InitOptions() supervisor.Options {
	return supervisor.Options{Repeat: c.Tor.Repeat, Timeout: c.Tor.Timeout}
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}

func loadEnvFiles(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		kv, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
		out = append(out, kv...)
	}
	return out, nil
}
