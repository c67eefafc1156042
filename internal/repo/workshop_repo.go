// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Workshop
// model — in particular the atomic mutations of the shared monthly token
// counter that every member of a workshop contends on.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a workshop is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateWorkshop inserts a new workshop row. Used by fixtures and the
// (out-of-scope) admin surface; the accounting service only ever reads and
// increments existing rows.
func CreateWorkshop(ctx context.Context, db *gorm.DB, name string, monthlyLimit int64, resetDay int) (*domain.Workshop, error) {
	w := &domain.Workshop{
		ID:                uuid.NewString(),
		Name:              name,
		MonthlyTokenLimit: monthlyLimit,
		TokenResetDay:     resetDay,
		IsActive:          true,
		CreatedAt:         time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(w).Error; err != nil {
		return nil, err
	}
	return w, nil
}

// GetWorkshop fetches a workshop by ID regardless of active flag.
func GetWorkshop(ctx context.Context, db *gorm.DB, id string) (*domain.Workshop, error) {
	var w domain.Workshop
	if err := db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetActiveWorkshop fetches a workshop by ID, restricted to active tenants.
// Returns ErrNotFound for missing or deactivated workshops so quota checks
// fail closed.
func GetActiveWorkshop(ctx context.Context, db *gorm.DB, id string) (*domain.Workshop, error) {
	var w domain.Workshop
	err := db.WithContext(ctx).
		Where("id = ? AND is_active = ?", id, true).
		First(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// AddWorkshopTokens debits the shared pool with a single atomic UPDATE:
//
//	tokens_used_this_month = tokens_used_this_month + total
//
// The increment happens entirely inside the database, so concurrent writers
// cannot lose updates the way a read-modify-write would.
func AddWorkshopTokens(ctx context.Context, db *gorm.DB, id string, total int64) error {
	res := db.WithContext(ctx).
		Model(&domain.Workshop{}).
		Where("id = ?", id).
		Update("tokens_used_this_month", gorm.Expr("tokens_used_this_month + ?", total))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetWorkshopResetDate stamps the next reset boundary on a workshop that had
// none computed yet. Guarded on token_reset_date IS NULL so two concurrent
// initializers cannot both win; losing the race is not an error.
func SetWorkshopResetDate(ctx context.Context, db *gorm.DB, id string, next time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Workshop{}).
		Where("id = ? AND token_reset_date IS NULL", id).
		Update("token_reset_date", next).Error
}

// ResetWorkshopTokens zeroes the monthly counter and advances the reset date.
// The WHERE clause pins the previous reset date, making the reset idempotent:
// if another request already performed it, zero rows match and the second
// caller is a no-op.
func ResetWorkshopTokens(ctx context.Context, db *gorm.DB, id string, prev, next time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Workshop{}).
		Where("id = ? AND token_reset_date = ?", id, prev).
		Updates(map[string]any{
			"tokens_used_this_month": 0,
			"token_reset_date":       next,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetMembership returns the active membership row for (userID, workshopID),
// or ErrNotFound when the user is not an active member.
func GetMembership(ctx context.Context, db *gorm.DB, userID, workshopID string) (*domain.WorkshopMember, error) {
	var m domain.WorkshopMember
	err := db.WithContext(ctx).
		Where("user_id = ? AND workshop_id = ? AND is_active = ?", userID, workshopID, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AddMember inserts a membership row. Fixture/admin helper.
func AddMember(ctx context.Context, db *gorm.DB, workshopID, userID, role string) (*domain.WorkshopMember, error) {
	m := &domain.WorkshopMember{
		ID:         uuid.NewString(),
		WorkshopID: workshopID,
		UserID:     userID,
		Role:       role,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// IsNotFound reports whether err is the repository's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
