package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/ai"
	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/repo"
)

// historyLimit caps how many prior messages are loaded for prompt assembly.
const historyLimit = 30

// idempotencyTTL is how long a completed turn can be replayed by key.
const idempotencyTTL = 24 * time.Hour

// TurnResult is everything one completed chat turn produced: the persisted
// message pair, the thread with its refreshed token totals, the post-debit
// quota snapshots, and any threshold alerts. Transports fan this out to the
// thread's live connections.
type TurnResult struct {
	UserMessage      *domain.ChatMessage
	AssistantMessage *domain.ChatMessage
	Thread           *domain.ChatThread
	Quota            *QuotaStatus
	UserUsage        *domain.UserTokenUsage
	Notices          *Notices
	Replayed         bool // served from an idempotency record
}

// TurnService orchestrates one chat turn end to end:
//
//  1. advisory quota check against the estimated cost
//  2. persist the technician's message (sequenced)
//  3. call the AI provider, holding no database locks
//  4. debit the workshop pool with the provider's exact counts
//  5. persist the assistant's message and roll totals onto the thread
//  6. evaluate quota notification thresholds
//
// A provider failure after step 2 leaves the user message in place and
// debits nothing; the client may retry the turn.
type TurnService struct {
	db        *gorm.DB
	sessions  *SessionManager
	sequencer *MessageSequencer
	account   *TokenAccounting
	provider  ai.Client
}

// NewTurnService wires the orchestrator.
func NewTurnService(db *gorm.DB, sessions *SessionManager, sequencer *MessageSequencer, account *TokenAccounting, provider ai.Client) *TurnService {
	return &TurnService{
		db:        db,
		sessions:  sessions,
		sequencer: sequencer,
		account:   account,
		provider:  provider,
	}
}

// TurnInput carries one incoming technician message.
type TurnInput struct {
	WorkshopID     string
	UserID         string
	ThreadID       string
	Content        string
	Attachments    string // JSON-encoded, optional
	IdempotencyKey string // optional; retries replay the stored result
}

// Run executes a turn. See the type comment for the step sequence and
// failure semantics.
func (s *TurnService) Run(ctx context.Context, in TurnInput) (*TurnResult, error) {
	if err := validateContent(in.Content); err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		if res, err := s.replay(ctx, in); err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}
	}

	thread, err := s.sessions.Get(ctx, in.WorkshopID, in.UserID, in.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread.Status != domain.ThreadStatusActive {
		return nil, ErrThreadNotActive
	}

	estimate := ai.EstimateTokens(in.Content)
	if _, err := s.account.Reserve(ctx, in.WorkshopID, in.UserID, estimate); err != nil {
		return nil, err
	}

	history, err := s.sequencer.History(ctx, in.ThreadID, historyLimit)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.sequencer.AppendUserMessage(ctx, in.ThreadID, in.UserID, in.Content, in.Attachments)
	if err != nil {
		return nil, err
	}

	prompt := BuildPrompt(thread, history, in.Content)
	comp, err := s.provider.Complete(ctx, prompt)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("thread_id", in.ThreadID).
			Msg("ai provider call failed, no tokens debited")
		return nil, ErrUpstreamAI
	}

	status, err := s.account.RecordUsage(ctx, in.WorkshopID, in.UserID, comp.PromptTokens, comp.CompletionTokens)
	if err != nil {
		return nil, err
	}

	asstMsg, err := s.sequencer.AppendAssistantMessage(ctx, in.ThreadID, in.UserID, comp.Content, AssistantUsage{
		Model:            comp.Model,
		PromptTokens:     comp.PromptTokens,
		CompletionTokens: comp.CompletionTokens,
		EstimatedCost:    ai.CostUSD(comp.Model, comp.PromptTokens, comp.CompletionTokens),
	})
	if err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		s.store(ctx, in, asstMsg.ID)
	}

	usage, err := s.account.UserUsageToday(ctx, in.WorkshopID, in.UserID)
	if err != nil {
		return nil, err
	}
	// Re-read for the rolled-up totals the appends just wrote.
	thread, err = s.sessions.Get(ctx, in.WorkshopID, in.UserID, in.ThreadID)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		UserMessage:      userMsg,
		AssistantMessage: asstMsg,
		Thread:           thread,
		Quota:            status,
		UserUsage:        usage,
		Notices:          DeriveNotices(status, usage),
	}, nil
}

// replay serves a retried turn from its idempotency record, returning nil
// when the key has not been seen.
func (s *TurnService) replay(ctx context.Context, in TurnInput) (*TurnResult, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, in.UserID, in.ThreadID, in.IdempotencyKey)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	asst, err := repo.GetMessage(s.db.WithContext(ctx), rec.MessageID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, nil // record outlived the message; run the turn fresh
		}
		return nil, err
	}
	status, err := s.account.Status(ctx, in.WorkshopID, in.UserID)
	if err != nil {
		return nil, err
	}
	usage, err := s.account.UserUsageToday(ctx, in.WorkshopID, in.UserID)
	if err != nil {
		return nil, err
	}
	thread, err := s.sessions.Get(ctx, in.WorkshopID, in.UserID, in.ThreadID)
	if err != nil {
		return nil, err
	}
	return &TurnResult{
		AssistantMessage: asst,
		Thread:           thread,
		Quota:            status,
		UserUsage:        usage,
		Replayed:         true,
	}, nil
}

// store records the completed turn for replay. Best effort: a failed insert
// only disables replay for this key.
func (s *TurnService) store(ctx context.Context, in TurnInput, messageID string) {
	rec := &domain.Idempotency{
		UserID:    in.UserID,
		ThreadID:  in.ThreadID,
		Key:       in.IdempotencyKey,
		MessageID: messageID,
		Status:    200,
		ExpiresAt: time.Now().UTC().Add(idempotencyTTL),
	}
	if err := repo.CreateIdempotency(ctx, s.db, rec); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		log.Ctx(ctx).Warn().Err(err).
			Str("thread_id", in.ThreadID).
			Msg("failed to store idempotency record")
	}
}
