// Command relaynode runs the event relay: a websocket endpoint accepting
// signed events, persisting them to SQLite, and fanning them out to live
// subscribers whose filters match.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/starcom-labs/relaynode/pkg/access"
	"github.com/starcom-labs/relaynode/pkg/auth"
	"github.com/starcom-labs/relaynode/pkg/config"
	"github.com/starcom-labs/relaynode/pkg/event"
	"github.com/starcom-labs/relaynode/pkg/observability"
	"github.com/starcom-labs/relaynode/pkg/relay"
	"github.com/starcom-labs/relaynode/pkg/store"
	"github.com/starcom-labs/relaynode/pkg/subscription"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := loadConfig(*configPath)
	logger := observability.SetupLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Load()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		slog.Error("cannot load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := observability.NewMeterProvider("relaynode", version)
	defer func() { _ = provider.Shutdown(context.Background()) }()

	eventStore, err := store.Open(cfg.DatabasePath, cfg.QueryCeiling)
	if err != nil {
		return err
	}
	defer func() { _ = eventStore.Close() }()

	directory := buildDirectory(cfg, logger)
	controller := access.NewController(directory, 0, cfg.AccessCacheTTL.Std())

	manager := subscription.NewManager(eventStore, controller, subscription.Options{
		BacklogLimit: cfg.BacklogLimit,
		OldestFirst:  cfg.BacklogOldest,
	})

	limits := event.DefaultLimits()
	limits.MaxContentBytes = cfg.MaxContentBytes
	limits.MaxTags = cfg.MaxTags
	limits.ClockSkew = cfg.ClockSkew.Std()
	validator := event.NewValidator(limits)

	metrics, err := observability.NewPipeline(otel.Meter("relaynode"))
	if err != nil {
		return err
	}

	orchestrator := relay.NewOrchestrator(validator, controller, eventStore, manager, metrics)
	server := relay.NewServer(orchestrator, manager, auth.NewVerifier(cfg.JWTSecret), manager, relay.ServerConfig{
		MaxConnections:    cfg.MaxConnections,
		MessagesPerSecond: cfg.MessagesPerSecond,
	})

	if cfg.Retention > 0 {
		go retentionLoop(ctx, eventStore, cfg.Retention.Std(), logger)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.ListenAddr, "database", cfg.DatabasePath)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildDirectory(cfg *config.Config, logger *slog.Logger) access.Directory {
	if cfg.RedisAddr != "" {
		logger.Info("identity directory: redis", "addr", cfg.RedisAddr)
		return access.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}

	profiles := make([]access.Profile, 0, len(cfg.Identities))
	for _, entry := range cfg.Identities {
		profiles = append(profiles, access.Profile{
			Identity:  entry.Pubkey,
			Clearance: access.ParseClearance(entry.Clearance),
			Teams:     entry.Teams,
		})
	}
	logger.Info("identity directory: static", "profiles", len(profiles))
	return access.NewStaticDirectory(profiles...)
}

func retentionLoop(ctx context.Context, eventStore *store.EventStore, window time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := eventStore.Expire(ctx, time.Now().Add(-window)); err != nil {
				logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}
