// Package main wires together the index tracking service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/contentops/indexwatch/internal/api"
	"github.com/contentops/indexwatch/internal/authority"
	"github.com/contentops/indexwatch/internal/authority/gsc"
	"github.com/contentops/indexwatch/internal/clock/system"
	"github.com/contentops/indexwatch/internal/config"
	"github.com/contentops/indexwatch/internal/kv"
	gcsstore "github.com/contentops/indexwatch/internal/kv/gcs"
	memorystore "github.com/contentops/indexwatch/internal/kv/memory"
	postgresstore "github.com/contentops/indexwatch/internal/kv/postgres"
	"github.com/contentops/indexwatch/internal/logging"
	"github.com/contentops/indexwatch/internal/metrics"
	"github.com/contentops/indexwatch/internal/notify"
	"github.com/contentops/indexwatch/internal/tracker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("kv store init failed", zap.Error(err))
	}
	authClient, err := buildAuthority(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("authority client init failed", zap.Error(err))
	}
	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("notify publisher init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("publisher close failed", zap.Error(closeErr))
		}
	}()

	tr := tracker.New(
		authClient,
		store,
		publisher,
		system.New(),
		tracker.Config{
			InitialDelay:     cfg.Tracker.InitialDelay(),
			RetryInterval:    cfg.Tracker.RetryInterval(),
			MaxRetryAttempts: cfg.Tracker.MaxRetryAttempts,
			BatchSize:        cfg.Tracker.BatchSize,
			HistoryKeep:      cfg.Tracker.HistoryKeep,
		},
		logger.Named("tracker"),
	)
	tr.Initialize(ctx)

	apiServer := api.NewServer(tr, authClient, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go runCycleLoop(ctx, tr, cfg.Tracker.CycleInterval(), logger)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// runCycleLoop drives periodic reconciliation until ctx is canceled.
func runCycleLoop(ctx context.Context, tr *tracker.Tracker, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("cycle loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tr.RunCycle(ctx)
		}
	}
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (kv.Store, error) {
	switch cfg.KV.Provider {
	case "memory":
		return memorystore.NewStore(), nil
	case "noop":
		return kv.NoOpStore{}, nil
	case "postgres":
		return postgresstore.NewStore(ctx, postgresstore.StoreConfig{
			DSN:   cfg.KV.DSN,
			Table: cfg.KV.Table,
		})
	case "gcs":
		return gcsstore.NewStore(ctx, cfg.KV.Bucket, cfg.KV.Prefix, logger.Named("gcs"))
	default:
		return nil, fmt.Errorf("unknown kv provider %q", cfg.KV.Provider)
	}
}

func buildAuthority(ctx context.Context, cfg config.Config, logger *zap.Logger) (authority.Client, error) {
	switch cfg.Authority.Provider {
	case "noop":
		return authority.NoOpClient{}, nil
	case "gsc":
		return gsc.New(ctx, gsc.Config{
			SiteURL:         cfg.Authority.SiteURL,
			SitemapURL:      cfg.Authority.SitemapURL,
			CredentialsJSON: cfg.Authority.CredentialsJSON,
			Timeout:         cfg.Authority.Timeout(),
			DailyLimit:      cfg.Authority.DailyLimit,
			MinInterval:     cfg.Authority.MinInterval(),
		}, logger.Named("gsc"))
	default:
		return nil, fmt.Errorf("unknown authority provider %q", cfg.Authority.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (notify.Publisher, error) {
	switch cfg.Notify.Provider {
	case "noop":
		return notify.NoOpPublisher{}, nil
	case "pubsub":
		return notify.NewPubSubPublisher(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicName, logger.Named("pubsub"))
	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Notify.Provider)
	}
}
