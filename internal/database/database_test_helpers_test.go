package database

import (
	"fmt"
	"testing"

	"ipgate/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := SetupDB(
		WithDialector(sqlite.Open(dsn)),
		WithLogger(silentLogger()),
		WithMigrations(&domain.BlockedAddress{}),
	)
	if err != nil {
		t.Fatalf("setup sqlite database: %v", err)
	}

	t.Cleanup(func() {
		if err := CloseDB(); err != nil {
			t.Logf("close database: %v", err)
		}
	})

	return db
}
