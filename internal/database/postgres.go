package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openPostgres(cfg Config) (*gorm.DB, error) {
	dsn, err := buildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func buildPostgresDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	if cfg.User == "" || cfg.Name == "" {
		return "", errors.New("postgres configuration requires user and database name")
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	params := []string{
		"host=" + host,
		fmt.Sprintf("port=%d", port),
		"user=" + cfg.User,
		"dbname=" + cfg.Name,
	}
	if cfg.Password != "" {
		params = append(params, "password="+cfg.Password)
	}

	options := map[string]string{"sslmode": "disable"}
	for key, value := range cfg.Options {
		options[key] = value
	}
	for _, key := range sortedKeys(options) {
		params = append(params, key+"="+options[key])
	}

	return strings.Join(params, " "), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
