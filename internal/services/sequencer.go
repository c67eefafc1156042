package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/repo"
)

// MaxMessageLen caps message content length in runes.
const MaxMessageLen = 10000

// titleLen is how much of the first user message seeds an untitled thread.
const titleLen = 200

// MessageSequencer assigns gap-free, strictly increasing sequence numbers to
// messages within a thread.
//
// Append protocol: every append runs in a transaction whose first statement
// is an UPDATE on the thread row (repo.ClaimThreadForAppend). That write
// serializes concurrent appends to the same thread, making the subsequent
// MAX(sequence_number)+1 read race-free. The unique (thread_id,
// sequence_number) index is the backstop: if a duplicate ever slips through,
// the insert fails, the transaction rolls back, and the append is retried
// once with a fresh number.
type MessageSequencer struct {
	db *gorm.DB
}

// NewMessageSequencer constructs the sequencer.
func NewMessageSequencer(db *gorm.DB) *MessageSequencer {
	return &MessageSequencer{db: db}
}

// AssistantUsage carries the AI response metadata persisted on an assistant
// message and rolled up onto the thread.
type AssistantUsage struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	EstimatedCost    float64
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxMessageLen {
		return ErrMessageTooLong
	}
	return nil
}

// appendOnce runs one attempt of the append protocol. mutate, when non-nil,
// runs inside the claimed transaction after the insert, for thread roll-ups
// that must be atomic with the message.
func (s *MessageSequencer) appendOnce(ctx context.Context, m *domain.ChatMessage, mutate func(tx *gorm.DB) error) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.ClaimThreadForAppend(tx, m.ThreadID, now); err != nil {
			return err
		}
		max, err := repo.MaxSequence(tx, m.ThreadID)
		if err != nil {
			return err
		}
		m.SequenceNumber = max + 1
		if err := repo.CreateMessage(tx, m); err != nil {
			return err
		}
		if mutate != nil {
			return mutate(tx)
		}
		return nil
	})
}

// append runs the protocol with a single retry on a lost sequence race.
func (s *MessageSequencer) append(ctx context.Context, m *domain.ChatMessage, mutate func(tx *gorm.DB) error) error {
	err := s.appendOnce(ctx, m, mutate)
	if err == nil {
		return nil
	}
	if repo.IsNotFound(err) {
		return ErrThreadNotFound
	}
	if !errors.Is(err, repo.ErrDuplicate) {
		return err
	}
	log.Ctx(ctx).Warn().
		Str("thread_id", m.ThreadID).
		Int("sequence_number", m.SequenceNumber).
		Msg("sequence race lost, retrying append")
	m.ID = "" // fresh row on retry
	if err := s.appendOnce(ctx, m, mutate); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return ErrSequenceRace
		}
		if repo.IsNotFound(err) {
			return ErrThreadNotFound
		}
		return err
	}
	return nil
}

// AppendUserMessage appends a technician message to the thread. The first
// user message also seeds the thread title when none was set at creation.
func (s *MessageSequencer) AppendUserMessage(ctx context.Context, threadID, userID, content, attachments string) (*domain.ChatMessage, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	m := &domain.ChatMessage{
		ThreadID:    threadID,
		UserID:      userID,
		Role:        domain.MessageRoleUser,
		SenderType:  SenderTypeFor(domain.MessageRoleUser),
		Content:     content,
		Attachments: attachments,
	}
	err := s.append(ctx, m, func(tx *gorm.DB) error {
		if m.SequenceNumber != 1 {
			return nil
		}
		title := content
		if utf8.RuneCountInString(title) > titleLen {
			title = string([]rune(title)[:titleLen])
		}
		return tx.Model(&domain.ChatThread{}).
			Where("id = ? AND title IS NULL", threadID).
			Update("title", title).Error
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AppendAssistantMessage appends an AI response and, in the same transaction,
// rolls its token counts and cost up onto the thread and bumps the thread
// version.
func (s *MessageSequencer) AppendAssistantMessage(ctx context.Context, threadID, userID, content string, usage AssistantUsage) (*domain.ChatMessage, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	total := usage.PromptTokens + usage.CompletionTokens
	m := &domain.ChatMessage{
		ThreadID:         threadID,
		UserID:           userID,
		Role:             domain.MessageRoleAssistant,
		SenderType:       domain.SenderAI,
		Content:          content,
		AIModel:          &usage.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      total,
		EstimatedCost:    &usage.EstimatedCost,
	}
	err := s.append(ctx, m, func(tx *gorm.DB) error {
		return tx.Model(&domain.ChatThread{}).
			Where("id = ?", threadID).
			Updates(map[string]any{
				"total_prompt_tokens":     gorm.Expr("total_prompt_tokens + ?", usage.PromptTokens),
				"total_completion_tokens": gorm.Expr("total_completion_tokens + ?", usage.CompletionTokens),
				"total_tokens":            gorm.Expr("total_tokens + ?", total),
				"estimated_cost":          gorm.Expr("estimated_cost + ?", usage.EstimatedCost),
				"version":                 gorm.Expr("version + 1"),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AppendSystemMessage appends a system notice (quota warnings surfaced in the
// transcript, lifecycle notes). System messages never carry token counts.
func (s *MessageSequencer) AppendSystemMessage(ctx context.Context, threadID, content string) (*domain.ChatMessage, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	m := &domain.ChatMessage{
		ThreadID:   threadID,
		UserID:     domain.SenderSystem,
		Role:       domain.MessageRoleSystem,
		SenderType: domain.SenderSystem,
		Content:    content,
	}
	if err := s.append(ctx, m, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// Messages returns a page of the thread's messages in sequence order plus the
// total count. Access control happens at the session-manager level before
// this is called.
func (s *MessageSequencer) Messages(ctx context.Context, threadID string, offset, limit int) ([]domain.ChatMessage, int64, error) {
	db := s.db.WithContext(ctx)
	total, err := repo.CountMessages(db, threadID)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListMessagesPage(db, threadID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// History returns up to limit most recent messages in sequence order, for
// prompt assembly.
func (s *MessageSequencer) History(ctx context.Context, threadID string, limit int) ([]domain.ChatMessage, error) {
	db := s.db.WithContext(ctx)
	if limit <= 0 {
		return repo.ListMessages(db, threadID, 0)
	}
	total, err := repo.CountMessages(db, threadID)
	if err != nil {
		return nil, err
	}
	offset := 0
	if total > int64(limit) {
		offset = int(total) - limit
	}
	return repo.ListMessagesPage(db, threadID, offset, limit)
}

// EditMessage rewrites the content of the caller's own user message. The
// sequence number, token counts, and thread roll-ups are untouched: edits are
// cosmetic and never re-run accounting.
func (s *MessageSequencer) EditMessage(ctx context.Context, threadID, userID, messageID, content string) (*domain.ChatMessage, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	m, err := repo.GetMessage(db, messageID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if m.ThreadID != threadID {
		return nil, ErrMessageNotFound
	}
	if m.Role != domain.MessageRoleUser || m.UserID != userID {
		return nil, ErrRoleInsufficient
	}
	if err := repo.EditMessageContent(db, messageID, content, time.Now()); err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return repo.GetMessage(db, messageID)
}

// SenderTypeFor maps a message role to its default sender type.
func SenderTypeFor(role string) string {
	switch role {
	case domain.MessageRoleAssistant:
		return domain.SenderAI
	case domain.MessageRoleSystem:
		return domain.SenderSystem
	default:
		return domain.SenderTechnician
	}
}
