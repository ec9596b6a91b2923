package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/torvisr"
	"github.com/loykin/torvisr/internal/config"
	"github.com/loykin/torvisr/internal/metrics"
	"github.com/loykin/torvisr/internal/server"
	apitls "github.com/loykin/torvisr/internal/tls"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := torvisr.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	logger := cfg.Log.NewSlogger(nil)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

// serve runs Tor and the API until ctx ends, then tears both down.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ResolvePorts(); err != nil {
		return fmt.Errorf("resolve ports: %w", err)
	}

	var (
		metricsHandler http.Handler
		sampler        *metrics.ResourceSampler
		servers        []*http.Server
	)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(sctx)
		}
	}()

	if cfg.Metrics.Enabled {
		if err := torvisr.RegisterMetricsDefault(); err != nil {
			logger.Warn("failed to register metrics", "error", err)
		}
		sampler = metrics.NewResourceSampler(cfg.Metrics.Resource)
		if err := sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("failed to register resource metrics", "error", err)
		}
		defer sampler.Stop()
		if cfg.Metrics.Listen == "" {
			metricsHandler = torvisr.MetricsHandler()
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", torvisr.MetricsHandler())
			srv, addr, err := server.Start(cfg.Metrics.Listen, mux, nil)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			servers = append(servers, srv)
			logger.Info("metrics listening", "addr", addr.String())
		}
	}

	tr, err := torvisr.New(cfg, torvisr.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tr.Close(cctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if err := tr.Start(ctx); err != nil {
		if tr.PID() == 0 {
			return fmt.Errorf("start tor: %w", err)
		}
		logger.Warn("tor is running but some configured services failed", "error", err)
	}
	if sampler != nil {
		sampler.Start(ctx, func() int32 { return int32(tr.PID()) }) // #nosec G115
	}

	if cfg.Server.Enabled {
		var a *torvisr.AuthService
		if cfg.Server.Auth.Enabled {
			if a, err = torvisr.NewAuth(cfg.Server.Auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
		var tlsConfig *tls.Config
		if tlsConfig, err = apitls.Setup(cfg.Server.TLS); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		srv, addr, err := server.Start(cfg.Server.Listen, tr.Handler(cfg.Server.BasePath, a, metricsHandler), tlsConfig)
		if err != nil {
			return fmt.Errorf("api listener: %w", err)
		}
		servers = append(servers, srv)
		logger.Info("api listening", "addr", addr.String(), "base_path", cfg.Server.BasePath, "tls", tlsConfig != nil)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
