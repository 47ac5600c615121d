package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/app"
	"github.com/calebmorrow/notiq/internal/database"
	"github.com/calebmorrow/notiq/internal/dedup"
	"github.com/calebmorrow/notiq/internal/store"
	"github.com/calebmorrow/notiq/internal/sync"
	"github.com/calebmorrow/notiq/pkg/logger"
)

const deviceIDSetting = "device_id"

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.MigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log := logger.WithComponent("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}

// ensureDeviceID resolves the stable device identity: config wins, otherwise
// the persisted setting, otherwise a fresh UUID stored for next start.
func ensureDeviceID(ctx context.Context, st *store.Store, configured string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}

	id, err := st.GetSetting(ctx, deviceIDSetting)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(id) != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := st.SetSetting(ctx, deviceIDSetting, id); err != nil {
		return "", err
	}
	return id, nil
}

func dedupConfig(cfg *app.Config) dedup.Config {
	dedupCfg := dedup.DefaultConfig()
	if cfg.Capture.DedupWindow > 0 {
		dedupCfg.Window = cfg.Capture.DedupWindow
	}
	dedupCfg.FuzzyEnabled = cfg.Capture.FuzzyEnabled
	if cfg.Capture.SimilarityThreshold > 0 {
		dedupCfg.SimilarityThreshold = cfg.Capture.SimilarityThreshold
	}
	return dedupCfg
}

func syncConfig(cfg *app.Config) sync.Config {
	syncCfg := sync.DefaultConfig()
	if cfg.Sync.BatchSize > 0 {
		syncCfg.BatchSize = cfg.Sync.BatchSize
	}
	if cfg.Sync.MaxBatchSize > 0 {
		syncCfg.MaxBatchSize = cfg.Sync.MaxBatchSize
	}
	if cfg.Sync.MaxRetryAttempts > 0 {
		syncCfg.MaxRetryAttempts = cfg.Sync.MaxRetryAttempts
	}
	if cfg.Sync.BackoffBase > 1 {
		syncCfg.BackoffBase = cfg.Sync.BackoffBase
	}
	if cfg.Sync.MaxBackoff > 0 {
		syncCfg.MaxBackoff = cfg.Sync.MaxBackoff
	}
	if cfg.Sync.RequestTimeout > 0 {
		syncCfg.RequestTimeout = cfg.Sync.RequestTimeout
	}
	syncCfg.AllowOffline = cfg.Sync.AllowOffline
	if strategy := sync.Strategy(strings.TrimSpace(cfg.Sync.ConflictStrategy)); strategy.IsValid() {
		syncCfg.ConflictStrategy = strategy
	}
	return syncCfg
}

// streamURL derives the push channel endpoint from the API base URL.
func streamURL(baseURL, deviceID string) string {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/v1/stream"
	parsed.RawQuery = url.Values{"device_id": {deviceID}}.Encode()
	return parsed.String()
}
