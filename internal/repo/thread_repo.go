// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the ChatThread
// model, including the version-guarded updates that back optimistic
// concurrency at the session layer.
//
// Functions:
//
//   - CreateThread(ctx, db, t) -> error
//     Inserts a new thread at version 1.
//
//   - GetThread(ctx, db, id, userID) -> *domain.ChatThread, error
//     Fetches a thread by ID (soft-deleted rows excluded); when userID is
//     non-empty the thread must also be owned by that user.
//
//   - ListThreadsPage / CountThreads
//     Paginated listing for a workshop with status and plate filters.
//
//   - UpdateThreadVersioned(ctx, db, id, expectedVersion, updates) -> error
//     Conditional multi-field update; ErrVersionConflict when the stored
//     version moved on, ErrNotFound when the thread does not exist.
//
//   - ClaimThreadForAppend(tx, id, now) -> error
//     Write-locks the thread row inside an append transaction by stamping
//     last_message_at. See MessageSequencer for the full append protocol.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// ErrVersionConflict is returned when a version-guarded update finds that the
// stored version no longer matches the version the caller last read.
var ErrVersionConflict = errors.New("version conflict")

// ThreadFilter narrows ListThreadsPage/CountThreads results.
type ThreadFilter struct {
	WorkshopID   string
	UserID       string // optional: restrict to creator
	Status       string // optional: active|completed|archived
	LicensePlate string // optional: substring match
}

// CreateThread inserts a new thread row. The caller fills the domain fields;
// ID, version, and CreatedAt are stamped here.
func CreateThread(ctx context.Context, db *gorm.DB, t *domain.ChatThread) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Version = 1
	t.Status = domain.ThreadStatusActive
	t.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(t).Error
}

// GetThread fetches a thread by ID. Soft-deleted threads are invisible (GORM
// appends the deleted_at IS NULL guard). A non-empty userID additionally
// enforces creator ownership — the access-control seam callers rely on.
func GetThread(ctx context.Context, db *gorm.DB, id, userID string) (*domain.ChatThread, error) {
	q := db.WithContext(ctx).Where("id = ?", id)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var t domain.ChatThread
	if err := q.First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func applyThreadFilter(q *gorm.DB, f ThreadFilter) *gorm.DB {
	q = q.Where("workshop_id = ?", f.WorkshopID)
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.LicensePlate != "" {
		q = q.Where("license_plate LIKE ?", "%"+f.LicensePlate+"%")
	}
	return q
}

// CountThreads returns the number of threads matching the filter.
func CountThreads(ctx context.Context, db *gorm.DB, f ThreadFilter) (int64, error) {
	var total int64
	err := applyThreadFilter(db.WithContext(ctx).Model(&domain.ChatThread{}), f).
		Count(&total).Error
	return total, err
}

// ListThreadsPage returns a page of threads matching the filter, most
// recently active first.
func ListThreadsPage(ctx context.Context, db *gorm.DB, f ThreadFilter, offset, limit int) ([]domain.ChatThread, error) {
	var out []domain.ChatThread
	err := applyThreadFilter(db.WithContext(ctx), f).
		Order("last_message_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateThreadVersioned applies a multi-field update only when the stored
// version still equals expectedVersion, incrementing the version as part of
// the same statement. When zero rows match, the thread is re-read to tell a
// missing thread (ErrNotFound) apart from a lost race (ErrVersionConflict).
func UpdateThreadVersioned(ctx context.Context, db *gorm.DB, id string, expectedVersion int, updates map[string]any) error {
	updates["version"] = gorm.Expr("version + 1")
	res := db.WithContext(ctx).
		Model(&domain.ChatThread{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetThread(ctx, db, id, ""); err != nil {
			return err // gorm.ErrRecordNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// ClaimThreadForAppend takes the database write lock on behalf of an append
// by issuing an UPDATE on the thread row as the first statement of the
// transaction. Until tx commits, no other append transaction can pass this
// statement, which is what makes the subsequent MAX(sequence_number) read
// race-free. Portable across SQLite (database write lock) and Postgres
// (row lock) without FOR UPDATE syntax.
func ClaimThreadForAppend(tx *gorm.DB, id string, now time.Time) error {
	res := tx.Model(&domain.ChatThread{}).
		Where("id = ?", id).
		Update("last_message_at", now.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SoftDeleteThread marks a thread deleted. Messages stay in place for audit.
func SoftDeleteThread(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.ChatThread{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
