package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/store"
)

// openTestDB opens a database for store tests. When TEST_DATABASE_URL is
// set it connects to PostgreSQL; otherwise it creates a per-test SQLite
// database under t.TempDir().
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(1)

		cleanup := func() {
			db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&core.StageArtifact{})
			db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&core.JobRecord{})
		}
		cleanup()
		t.Cleanup(func() {
			cleanup()
			sqlDB.Close()
		})
		return db
	}

	path := filepath.Join(t.TempDir(), "analysis_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite test db")
	return db
}

func openTestStore(t *testing.T) (*store.GormStore, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	s := store.NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s, db
}

func newTestJob(owner, subject string) *core.JobRecord {
	return &core.JobRecord{
		OwnerID:    owner,
		SubjectRef: subject,
	}
}
