// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file stores idempotency records for the REST chat-turn
// endpoint so a retried POST replays the original assistant message instead
// of double-debiting the workshop pool.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// GetIdempotency returns the stored record for (userID, threadID, key), or
// ErrNotFound. Expired records are treated as absent.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, threadID, key string) (*domain.Idempotency, error) {
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND thread_id = ? AND key = ? AND expires_at > ?",
			userID, threadID, key, time.Now().UTC()).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency records a completed turn. Returns ErrDuplicate when a
// concurrent retry stored the record first; callers then re-read and replay.
func CreateIdempotency(ctx context.Context, db *gorm.DB, rec *domain.Idempotency) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// PurgeExpiredIdempotency deletes records past their expiry. Called from the
// server's background sweeper.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UTC()).
		Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
