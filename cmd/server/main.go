package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"linguacast/internal/auth"
	"linguacast/internal/broadcast"
	"linguacast/internal/config"
	"linguacast/internal/metrics"
	"linguacast/internal/otelutil"
	"linguacast/internal/refresh"
	"linguacast/internal/registry"
	"linguacast/internal/store"
	"linguacast/internal/translate"
	"linguacast/internal/types"
)

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// devTokenValidator accepts tokens of the form "dev:<subject>" and is only
// wired when no JWKS endpoint is configured. It keeps local runs and the
// bundled examples usable without an identity provider.
type devTokenValidator struct{}

func (devTokenValidator) Validate(_ context.Context, token string) (types.Principal, error) {
	const prefix = "dev:"
	if !strings.HasPrefix(token, prefix) || len(token) == len(prefix) {
		return types.Principal{}, auth.ErrTokenInvalid
	}
	return types.AuthenticatedPrincipal(token[len(prefix):], ""), nil
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := otelutil.Init(); err != nil {
		logger.Info("tracing disabled", slog.String("reason", err.Error()))
	}
	defer otelutil.Flush()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	reg := registry.New(store.NewMemoryStore(), registry.Config{
		TransportCeiling:   cfg.Lifecycle.TransportCeilingDuration(),
		SessionMaxDuration: cfg.Lifecycle.SessionMaxDuration(),
	}, logger, m)

	var validator auth.TokenValidator
	if cfg.Auth.JWKSURL != "" {
		v, err := auth.NewValidator(auth.ValidatorConfig{
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			JWKSURL:  cfg.Auth.JWKSURL,
			TokenUse: cfg.Auth.TokenUse,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "auth: %v\n", err)
			os.Exit(1)
		}
		validator = v
	} else {
		logger.Warn("no jwks_url configured, accepting dev tokens only")
		validator = devTokenValidator{}
	}
	authorizer := auth.NewAuthorizer(validator)

	broadcaster := broadcast.New(translate.NewStub(translate.DefaultStubConfig()), logger, m)
	refresher := refresh.New(reg, refresh.Config{
		SuccessorTimeout: cfg.Lifecycle.RefreshTimeoutDuration(),
	}, logger, m)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(rootCtx, cfg, logger, m, reg, authorizer, broadcaster, refresher, promReg)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler: srv.Routes(),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		cancel() // lifecycle coordinators close their connections

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("forced shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("server starting", slog.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
