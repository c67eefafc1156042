// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// UserTokenUsage model: per-user per-day counters kept for reporting only.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// ErrDuplicate indicates a unique-constraint violation on insert.
var ErrDuplicate = errors.New("duplicate")

// DayOf truncates t to a date in UTC, the granularity usage rows are keyed on.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetUsageForDate returns the usage row for (userID, workshopID, day), or
// ErrNotFound when the user has not used tokens that day.
func GetUsageForDate(ctx context.Context, db *gorm.DB, userID, workshopID string, day time.Time) (*domain.UserTokenUsage, error) {
	var u domain.UserTokenUsage
	err := db.WithContext(ctx).
		Where("user_id = ? AND workshop_id = ? AND date = ?", userID, workshopID, DayOf(day)).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetLatestUsage returns the most recent usage row for (userID, workshopID)
// regardless of date, or ErrNotFound.
func GetLatestUsage(ctx context.Context, db *gorm.DB, userID, workshopID string) (*domain.UserTokenUsage, error) {
	var u domain.UserTokenUsage
	err := db.WithContext(ctx).
		Where("user_id = ? AND workshop_id = ?", userID, workshopID).
		Order("date DESC").
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUsage inserts a fresh usage row for the given day. Monthly counters
// are seeded by the caller (carried forward within a month, zeroed across a
// month boundary). Returns ErrDuplicate when a concurrent writer created the
// same (user, workshop, date) row first.
func CreateUsage(ctx context.Context, db *gorm.DB, u *domain.UserTokenUsage) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Date = DayOf(u.Date)
	u.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// AddUsage increments the daily and monthly counters of an existing row with
// atomic SQL arithmetic and stamps last_used_at. Returns ErrNotFound when the
// row vanished (it never should; rows are insert-only per day).
func AddUsage(ctx context.Context, db *gorm.DB, id string, input, output int64, now time.Time) error {
	total := input + output
	res := db.WithContext(ctx).
		Model(&domain.UserTokenUsage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"input_tokens_today":  gorm.Expr("input_tokens_today + ?", input),
			"output_tokens_today": gorm.Expr("output_tokens_today + ?", output),
			"total_tokens_today":  gorm.Expr("total_tokens_today + ?", total),
			"input_tokens_month":  gorm.Expr("input_tokens_month + ?", input),
			"output_tokens_month": gorm.Expr("output_tokens_month + ?", output),
			"total_tokens_month":  gorm.Expr("total_tokens_month + ?", total),
			"last_used_at":        now.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// isUniqueViolation detects unique-constraint failures across drivers that
// may not map to gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite: "UNIQUE constraint failed: ..."
	// Postgres: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed: unique")
}
