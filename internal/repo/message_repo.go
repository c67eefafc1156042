// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the ChatMessage
// model. Sequence numbers are computed by the sequencer inside an append
// transaction; this layer only reads and writes rows.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// MaxSequence returns the highest sequence number currently present in the
// thread, or 0 for an empty thread. Only meaningful inside a transaction that
// has already claimed the thread row (see ClaimThreadForAppend).
func MaxSequence(tx *gorm.DB, threadID string) (int, error) {
	var max int
	err := tx.Model(&domain.ChatMessage{}).
		Where("thread_id = ?", threadID).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&max).Error
	return max, err
}

// CreateMessage inserts a message row. The caller supplies the sequence
// number; the unique (thread_id, sequence_number) index rejects duplicates,
// which the sequencer surfaces as a sequence race. Returns ErrDuplicate on
// that violation.
func CreateMessage(tx *gorm.DB, m *domain.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()
	if err := tx.Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetMessage fetches a message by ID.
func GetMessage(tx *gorm.DB, id string) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a thread's messages in sequence order. A limit <= 0
// returns all of them.
func ListMessages(tx *gorm.DB, threadID string, limit int) ([]domain.ChatMessage, error) {
	q := tx.Where("thread_id = ?", threadID).Order("sequence_number ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.ChatMessage
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(tx *gorm.DB, threadID string) (int64, error) {
	var total int64
	err := tx.Raw("SELECT COUNT(*) FROM chat_messages WHERE thread_id = ? AND deleted_at IS NULL", threadID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered by sequence number.
func ListMessagesPage(tx *gorm.DB, threadID string, offset, limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := tx.
		Where("thread_id = ?", threadID).
		Order("sequence_number ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// EditMessageContent replaces a message's content and stamps the edit
// markers. Sequence number and token fields are never touched by an edit.
func EditMessageContent(tx *gorm.DB, id, content string, now time.Time) error {
	res := tx.Model(&domain.ChatMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":   content,
			"is_edited": true,
			"edited_at": now.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
