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

	"github.com/calebmorrow/notiq/internal/api"
	"github.com/calebmorrow/notiq/internal/app"
	"github.com/calebmorrow/notiq/internal/app/maintenance"
	"github.com/calebmorrow/notiq/internal/classify"
	"github.com/calebmorrow/notiq/internal/dedup"
	"github.com/calebmorrow/notiq/internal/pipeline"
	"github.com/calebmorrow/notiq/internal/realtime"
	"github.com/calebmorrow/notiq/internal/rules"
	"github.com/calebmorrow/notiq/internal/schedule"
	"github.com/calebmorrow/notiq/internal/store"
	"github.com/calebmorrow/notiq/internal/sync"
	"github.com/calebmorrow/notiq/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("notiq-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithComponent("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	st, err := store.New(db)
	if err != nil {
		return fmt.Errorf("initialise store: %w", err)
	}

	deviceID, err := ensureDeviceID(ctx, st, cfg.Sync.DeviceID)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}
	log.Info("agent identity", zap.String("device_id", deviceID))

	ruleService, err := rules.NewService(db)
	if err != nil {
		return fmt.Errorf("initialise rules: %w", err)
	}

	deduplicator := dedup.New(dedupConfig(cfg))
	classifier := classify.New(classify.Config{})

	processor, err := pipeline.New(st, ruleService, deduplicator, classifier)
	if err != nil {
		return fmt.Errorf("initialise pipeline: %w", err)
	}

	client, err := sync.NewHTTPClient(cfg.Sync.ServerURL, cfg.Sync.RequestTimeout)
	if err != nil {
		return fmt.Errorf("initialise sync client: %w", err)
	}
	client.SetDeviceID(deviceID)

	engine, err := sync.NewEngine(st, client, syncConfig(cfg))
	if err != nil {
		return fmt.Errorf("initialise sync engine: %w", err)
	}
	if cfg.Sync.SyncInterval > 0 {
		engine.SyncInterval = cfg.Sync.SyncInterval
	}
	if cfg.Sync.RetryInterval > 0 {
		engine.RetryInterval = cfg.Sync.RetryInterval
	}

	scheduler := schedule.New()
	if err := engine.Start(scheduler); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	scheduler.Start()
	defer func() {
		engine.Stop()
		scheduler.Stop()
	}()

	cleaner := maintenance.NewCleaner(db, st)
	if cfg.Retention.Enabled {
		if err := cleaner.Start(); err != nil {
			return fmt.Errorf("start maintenance jobs: %w", err)
		}
		defer func() {
			stopCtx := cleaner.Stop()
			if err := cleaner.RunOnce(stopCtx); err != nil {
				log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
			}
		}()
	}

	if cfg.Sync.Stream {
		subscriber, subErr := newSubscriber(cfg, deviceID, st)
		if subErr != nil {
			log.Warn("push channel disabled", zap.Error(subErr))
		} else {
			go subscriber.Run(ctx)
		}
	}

	router, err := api.NewAgentRouter(db, processor, st, engine)
	if err != nil {
		return fmt.Errorf("build agent router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("agent listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Final flush so work done just before shutdown is not left queued.
	if err := engine.Sync(shutdownCtx); err != nil {
		log.Warn("final sync pass failed", zap.Error(err))
	}

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("agent error: %w", err)
	}

	log.Info("agent stopped gracefully")
	return nil
}

func newSubscriber(cfg *app.Config, deviceID string, st *store.Store) (*realtime.Subscriber, error) {
	applier, err := realtime.NewApplier(st)
	if err != nil {
		return nil, err
	}
	return realtime.NewSubscriber(streamURL(cfg.Sync.ServerURL, deviceID), applier)
}
