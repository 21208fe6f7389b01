package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/api"
	"github.com/Mindburn-Labs/regnexus/pkg/archive"
	"github.com/Mindburn-Labs/regnexus/pkg/auth"
	"github.com/Mindburn-Labs/regnexus/pkg/config"
	"github.com/Mindburn-Labs/regnexus/pkg/observability"
)

const (
	shutdownTimeout = 15 * time.Second
	compactEvery    = 10 * time.Minute
	idempotencyTTL  = 24 * time.Hour
)

func runServer(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var addr string
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 2
	}
	if addr == "" {
		addr = ":" + cfg.Port
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", "addr", addr, "error", err)
		return 1
	}
	if err := serve(ctx, cfg, ln, logger); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

// serve wires the engine from cfg and serves on ln until ctx is done.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, logger *slog.Logger) error {
	cat, err := loadCatalog(cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	logger.Info("catalog loaded", "path", cfg.CatalogPath, "version", cat.Version, "rules", cat.Len(), "conflicts", cat.Matrix().Len())

	l, err := openLogs(ctx, cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			logger.Error("failed to close history", "error", err)
		}
	}()
	logger.Info("history ready", "backend", cfg.History.Backend)

	obsCfg := observability.DefaultConfig()
	obsCfg.Environment = cfg.Environment
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTEL.Enabled
	obsCfg.OTLPEndpoint = cfg.OTEL.Endpoint
	obsCfg.Insecure = cfg.OTEL.Insecure
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(sctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	policy, err := policyDecisionPoint(cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	store, err := archive.Open(ctx, archive.Config{
		Backend:  archive.Backend(cfg.Archive.Backend),
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		Prefix:   cfg.Archive.Prefix,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	o, err := buildOracle(ctx, cfg, cat, l, extras{
		pdp:      policy,
		notifier: notifier(cfg, logger),
		archive:  store,
		obs:      obs,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	limiter := api.NewGlobalRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go limiter.Run(ctx)
	go compactLoop(ctx, l, compactEvery, logger)

	middleware := []func(http.Handler) http.Handler{
		auth.RequestIDMiddleware,
		auth.AccessLog(logger),
		auth.CORSMiddleware(cfg.CORSOrigins),
		limiter.Middleware,
	}
	if cfg.JWTSecret != "" {
		var vopts []auth.ValidatorOption
		if cfg.JWTIssuer != "" {
			vopts = append(vopts, auth.WithIssuer(cfg.JWTIssuer))
		}
		middleware = append(middleware,
			auth.NewMiddleware(auth.NewJWTValidator([]byte(cfg.JWTSecret), vopts...)),
			auth.RequireRole(auth.RoleOperator),
		)
	} else {
		logger.Warn("JWT secret not set; API is unauthenticated")
	}
	middleware = append(middleware, api.IdempotencyMiddleware(api.NewIdempotencyStore(idempotencyTTL)))

	srv := api.NewServer(o,
		api.WithProvider(obs),
		api.WithTrendWindow(cfg.TrendWindow),
		api.WithMiddleware(middleware...),
	)
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("regnexus ready", "addr", ln.Addr().String())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
