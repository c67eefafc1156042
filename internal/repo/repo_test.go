package repo

import (
	"context"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedThread(t *testing.T, db *gorm.DB, workshopID, userID string) *domain.ChatThread {
	t.Helper()
	th := &domain.ChatThread{
		WorkshopID:   workshopID,
		UserID:       userID,
		LicensePlate: "ABC1234",
	}
	if err := CreateThread(context.Background(), db, th); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return th
}

func seedWorkshop(t *testing.T, db *gorm.DB) *domain.Workshop {
	t.Helper()
	w, err := CreateWorkshop(context.Background(), db, "Garage", 10_000, 1)
	if err != nil {
		t.Fatalf("create workshop: %v", err)
	}
	return w
}
