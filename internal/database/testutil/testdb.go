package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/database"
)

// dbSeq gives every test database a distinct shared-cache name, so fixtures
// opened in the same test never see each other's state.
var dbSeq atomic.Int64

// TestDBOption customises the behaviour of MustOpenTestDB.
type TestDBOption func(*testDBConfig)

type testDBConfig struct {
	migrate bool
	seed    bool
}

// WithMigrations enables schema migration after opening the test database.
func WithMigrations() TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.migrate = true
	}
}

// WithDefaultRules ensures migrations run and the built-in rules are seeded.
func WithDefaultRules() TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.migrate = true
		cfg.seed = true
	}
}

// MustOpenTestDB opens an in-memory SQLite database for tests.
// The returned connection is automatically closed via t.Cleanup.
func MustOpenTestDB(t *testing.T, opts ...TestDBOption) *gorm.DB {
	t.Helper()

	cfg := testDBConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared&_foreign_keys=1", dbSeq.Add(1))
	db, err := database.Open(database.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)

	if cfg.seed {
		require.NoError(t, database.MigrateAndSeed(db))
	} else if cfg.migrate {
		require.NoError(t, database.Migrate(db))
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
