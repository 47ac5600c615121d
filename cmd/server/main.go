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
	"github.com/calebmorrow/notiq/internal/realtime"
	"github.com/calebmorrow/notiq/internal/schedule"
	"github.com/calebmorrow/notiq/internal/serverstore"
	"github.com/calebmorrow/notiq/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

// recordRetention is how long the server of record keeps notifications
// before pruning them, mirroring the device-side default.
const recordRetention = 7 * 24 * time.Hour

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
	fs := flag.NewFlagSet("notiq-server", flag.ContinueOnError)
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

	if err := serverstore.Migrate(db); err != nil {
		return fmt.Errorf("migrate server store: %w", err)
	}

	records, err := serverstore.New(db)
	if err != nil {
		return fmt.Errorf("initialise server store: %w", err)
	}

	scheduler := schedule.New()
	if cfg.Retention.Enabled {
		_, err = scheduler.Every("record-retention", cfg.Retention.Interval, func(jobCtx context.Context) {
			cutoff := time.Now().Add(-recordRetention)
			removed, purgeErr := records.PurgeOlderThan(jobCtx, cutoff)
			if purgeErr != nil {
				log.Warn("record retention failed", zap.Error(purgeErr))
				return
			}
			if removed > 0 {
				log.Info("purged expired records", zap.Int64("count", removed))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule retention: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	hub := realtime.NewHub()

	router, err := api.NewRouter(db, hub)
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
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
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}
