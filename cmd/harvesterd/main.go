// Package main wires together the harvester service binary.
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

	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/adapter"
	"github.com/shelfwatch/harvester/internal/api"
	"github.com/shelfwatch/harvester/internal/browser"
	catalogmemory "github.com/shelfwatch/harvester/internal/catalog/memory"
	"github.com/shelfwatch/harvester/internal/config"
	"github.com/shelfwatch/harvester/internal/fetch"
	"github.com/shelfwatch/harvester/internal/harvester"
	historymemory "github.com/shelfwatch/harvester/internal/history/memory"
	historypg "github.com/shelfwatch/harvester/internal/history/postgres"
	ingestmemory "github.com/shelfwatch/harvester/internal/ingest/memory"
	ingestpg "github.com/shelfwatch/harvester/internal/ingest/postgres"
	"github.com/shelfwatch/harvester/internal/logging"
	"github.com/shelfwatch/harvester/internal/orchestrator"
	"github.com/shelfwatch/harvester/internal/progress"
	"github.com/shelfwatch/harvester/internal/progress/sinks"
	"github.com/shelfwatch/harvester/internal/publish"
	"github.com/shelfwatch/harvester/internal/schedule"
	"github.com/shelfwatch/harvester/internal/snapshot"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, closeHistory, err := buildHistory(ctx, cfg)
	if err != nil {
		logger.Fatal("run history init failed", zap.Error(err))
	}
	defer closeHistory()

	archiver, err := buildSnapshots(ctx, cfg)
	if err != nil {
		logger.Fatal("snapshot store init failed", zap.Error(err))
	}

	ingestor, closeIngest, err := buildIngestor(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("ingest store init failed", zap.Error(err))
	}
	defer closeIngest()

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("publisher close failed", zap.Error(closeErr))
		}
	}()

	catalog := catalogmemory.NewCatalog()
	for _, src := range cfg.Sources {
		catalog.SeedCategories(src.ID, src.Targets())
	}
	catalog.SeedKeywords(harvester.SourceTypeMarketplace, cfg.Keywords.Marketplace)
	catalog.SeedKeywords(harvester.SourceTypeRetailer, cfg.Keywords.Retailer)
	catalog.SeedKeywords(harvester.SourceTypeClassifieds, cfg.Keywords.Classifieds)

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("prometheus sink init failed", zap.Error(err))
	}
	hubSinks := []progress.Sink{
		promSink,
		sinks.NewStoreSink(history, logger.Named("progress")),
	}
	if cfg.Logging.Development {
		hubSinks = append(hubSinks, sinks.NewLogSink(logger.Named("progress")))
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")}, hubSinks...)

	sched := schedule.New(
		history,
		harvester.SystemClock{},
		time.Duration(cfg.Scheduler.CacheTTLSeconds)*time.Second,
		logger.Named("schedule"),
	)

	pool := browser.New(browser.Config{
		MaxBrowsers: cfg.Browser.MaxBrowsers,
		ExecPath:    cfg.Browser.ExecPath,
		UserAgent:   cfg.Browser.UserAgent,
	}, logger.Named("browser"))

	registry := orchestrator.NewRegistry()
	installAdapters(registry, adapter.Deps{
		Ingest:    ingestor,
		Catalog:   catalog,
		Scheduler: sched,
		Browsers:  pool,
		Snapshots: archiver,
		Fetch: fetch.Config{
			MaxRetries:    cfg.Fetch.MaxRetries,
			RetryBase:     time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
			RetryMaxDelay: time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
			Timeout:       time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
			DelayMin:      time.Duration(cfg.Fetch.DelayMinMs) * time.Millisecond,
			DelayMax:      time.Duration(cfg.Fetch.DelayMaxMs) * time.Millisecond,
			RotateEvery:   cfg.Fetch.RotateEvery,
			Emitter:       hub,
		},
		Clock:  harvester.SystemClock{},
		Logger: logger.Named("adapter"),
	})

	sources := orchestrator.NewSourceSet()
	for _, src := range cfg.Sources {
		source := src.Source()
		sources.Add(source)
		if !registry.Supports(source.Type) {
			logger.Warn("no adapter registered for configured source",
				zap.String("source_id", source.ID),
				zap.String("type", string(source.Type)),
			)
		}
	}

	orch := orchestrator.New(registry, sources, sched, publisher, hub, harvester.SystemClock{}, logger.Named("orchestrator"))

	apiServer := api.NewServer(orch, history, sources, api.Config{
		Timeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		AuthOn:  cfg.Auth.Enabled,
		APIKey:  cfg.Auth.APIKey,
		DefaultOps: harvester.MassCrawlOptions{
			FreshnessHours: cfg.Scheduler.FreshnessHours,
		},
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("browser pool shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildHistory(ctx context.Context, cfg config.Config) (harvester.RunHistory, func(), error) {
	if cfg.DB.DSN == "" {
		return historymemory.NewRunStore(), func() {}, nil
	}
	store, err := historypg.NewRunStore(ctx, historypg.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildIngestor(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvester.Ingestor, func(), error) {
	if cfg.DB.DSN == "" {
		return ingestmemory.New(), func() {}, nil
	}
	ing, err := ingestpg.New(ctx, ingestpg.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	}, logger.Named("ingest"))
	if err != nil {
		return nil, nil, err
	}
	return ing, ing.Close, nil
}

func buildSnapshots(ctx context.Context, cfg config.Config) (snapshot.Provider, error) {
	switch cfg.Snapshot.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return snapshot.NewGCS(client, snapshot.GCSConfig{
			Bucket: cfg.Snapshot.GCSBucket,
			Prefix: cfg.Snapshot.Prefix,
		})
	case "local":
		return snapshot.NewLocal(snapshot.LocalConfig{BaseDir: cfg.Snapshot.BaseDir})
	default:
		return snapshot.Noop{}, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvester.Publisher, error) {
	if cfg.PubSub.ProjectID == "" {
		return publish.NewNoopPublisher(logger.Named("publish")), nil
	}
	return publish.NewPubSubPublisher(ctx, publish.Config{
		ProjectID: cfg.PubSub.ProjectID,
		TopicID:   cfg.PubSub.TopicID,
	}, logger.Named("publish"))
}
