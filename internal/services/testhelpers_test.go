package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/repo"
)

// newTestDB opens a fresh in-memory database with the full schema. Suitable
// for single-goroutine tests.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// newFileDB opens a file-backed database with WAL and a busy timeout, which
// concurrency tests need: shared-cache memory databases fail with table-lock
// errors under contending writers.
func newFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func mkWorkshop(t *testing.T, db *gorm.DB, limit int64) *domain.Workshop {
	t.Helper()
	w, err := repo.CreateWorkshop(context.Background(), db, "Test Garage", limit, 1)
	if err != nil {
		t.Fatalf("create workshop: %v", err)
	}
	return w
}

func mkMember(t *testing.T, db *gorm.DB, workshopID, userID, role string) *domain.WorkshopMember {
	t.Helper()
	m, err := repo.AddMember(context.Background(), db, workshopID, userID, role)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	return m
}

func mkThread(t *testing.T, db *gorm.DB, workshopID, userID string) *domain.ChatThread {
	t.Helper()
	sm := NewSessionManager(db)
	th, err := sm.Create(context.Background(), CreateThreadInput{
		WorkshopID:   workshopID,
		UserID:       userID,
		LicensePlate: "ABC-1234",
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return th
}
