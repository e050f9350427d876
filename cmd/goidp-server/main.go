// Command goidp-server runs the identity provider over HTTP.
//
// Configuration comes from GOIDP_* environment variables; see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP/config"
	"github.com/MrEthical07/goIdP/httpapi"
	"github.com/MrEthical07/goIdP/internal/bootstrap"
	"github.com/MrEthical07/goIdP/metrics/export/prometheus"
	"github.com/MrEthical07/goIdP/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) error {
	rt, err := bootstrap.Open(ctx, cfg, logger, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := []httpapi.Option{
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithThrottle(middleware.NewThrottle(cfg.HTTP.ThrottleRPM, cfg.HTTP.TrustProxy)),
		httpapi.WithTrustProxy(cfg.HTTP.TrustProxy),
		httpapi.WithSignInPage(cfg.HTTP.SignInPage),
		httpapi.WithSessionCookie(cfg.HTTP.SessionCookie, !cfg.HTTP.InsecureCookie),
	}
	if cfg.SAML.Enabled {
		bridge, err := bootstrap.NewSAMLBridge(cfg, rt.Engine, logger)
		if err != nil {
			return err
		}
		opts = append(opts, httpapi.WithSAML(bridge))
	}

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewHandler(rt.Engine, opts...).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prometheus.NewPrometheusExporter(rt.Engine).Handler())
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}
	return serve(ctx, servers, cfg.ShutdownTimeout, logger)
}

func serve(ctx context.Context, servers []*http.Server, grace time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	return runErr
}
