package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-workshop-backend/internal/ai"
	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// fakeAI returns a canned completion or a forced error and remembers the last
// prompt it was handed.
type fakeAI struct {
	completion *ai.Completion
	err        error
	calls      int
	lastPrompt []ai.Message
}

func (f *fakeAI) Complete(_ context.Context, msgs []ai.Message) (*ai.Completion, error) {
	f.calls++
	f.lastPrompt = msgs
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

func setupTurn(t *testing.T, limit int64, provider ai.Client) (*TurnService, *domain.Workshop, *domain.ChatThread, *TokenAccounting) {
	t.Helper()
	db := newTestDB(t)
	w := mkWorkshop(t, db, limit)
	mkMember(t, db, w.ID, "u1", domain.RoleTechnician)
	th := mkThread(t, db, w.ID, "u1")
	sessions := NewSessionManager(db)
	sequencer := NewMessageSequencer(db)
	account := NewTokenAccounting(db)
	svc := NewTurnService(db, sessions, sequencer, account, provider)
	return svc, w, th, account
}

func TestRun_HappyPath(t *testing.T) {
	fake := &fakeAI{completion: &ai.Completion{
		Content:          "Check the ignition coil on cylinder 1.",
		Model:            "gpt-4o-mini",
		PromptTokens:     150,
		CompletionTokens: 50,
	}}
	svc, w, th, account := setupTurn(t, 10_000, fake)
	ctx := context.Background()

	res, err := svc.Run(ctx, TurnInput{
		WorkshopID: w.ID,
		UserID:     "u1",
		ThreadID:   th.ID,
		Content:    "P0301, rough idle when cold",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.UserMessage == nil || res.UserMessage.SequenceNumber != 1 {
		t.Fatalf("user message not persisted first: %+v", res.UserMessage)
	}
	if res.AssistantMessage == nil || res.AssistantMessage.SequenceNumber != 2 {
		t.Fatalf("assistant message not persisted second: %+v", res.AssistantMessage)
	}
	if res.AssistantMessage.Role != domain.MessageRoleAssistant || res.AssistantMessage.SenderType != domain.SenderAI {
		t.Fatalf("assistant message mislabeled: %+v", res.AssistantMessage)
	}
	if res.Quota == nil || res.Quota.Used != 200 {
		t.Fatalf("expected exact 200-token debit, got %+v", res.Quota)
	}
	if res.Thread == nil || res.Thread.TotalTokens != 200 {
		t.Fatalf("thread totals not refreshed: %+v", res.Thread)
	}
	if res.Thread.LastMessageAt == nil {
		t.Fatalf("last_message_at not stamped")
	}
	if res.UserUsage == nil || res.UserUsage.TotalTokensToday != 200 {
		t.Fatalf("user usage snapshot wrong: %+v", res.UserUsage)
	}
	if !res.Notices.Empty() {
		t.Fatalf("healthy balance must not alert: %+v", res.Notices)
	}
	if res.Replayed {
		t.Fatalf("fresh turn must not be marked replayed")
	}
	if fake.calls != 1 {
		t.Fatalf("provider should be called once, got %d", fake.calls)
	}
	if len(fake.lastPrompt) < 2 || fake.lastPrompt[0].Role != domain.MessageRoleSystem {
		t.Fatalf("prompt must start with the system message: %+v", fake.lastPrompt)
	}

	u, err := account.UserUsageToday(ctx, w.ID, "u1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.InputTokensToday != 150 || u.OutputTokensToday != 50 {
		t.Fatalf("per-user counters wrong: %+v", u)
	}
}

func TestRun_ProviderFailureDebitsNothing(t *testing.T) {
	fake := &fakeAI{err: errors.New("upstream timeout")}
	svc, w, th, account := setupTurn(t, 10_000, fake)
	ctx := context.Background()

	_, err := svc.Run(ctx, TurnInput{
		WorkshopID: w.ID,
		UserID:     "u1",
		ThreadID:   th.ID,
		Content:    "engine stalls at idle",
	})
	if !errors.Is(err, ErrUpstreamAI) {
		t.Fatalf("expected ErrUpstreamAI, got %v", err)
	}

	// The technician's message survives so a retry keeps the conversation.
	seq := NewMessageSequencer(svc.db)
	msgs, _, err := seq.Messages(ctx, th.ID, 0, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != domain.MessageRoleUser {
		t.Fatalf("expected only the user message persisted, got %d", len(msgs))
	}

	status, err := account.Status(ctx, w.ID, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Used != 0 {
		t.Fatalf("no tokens may be debited on provider failure, got %d", status.Used)
	}
}

func TestRun_QuotaPreFlightRejects(t *testing.T) {
	fake := &fakeAI{completion: &ai.Completion{Content: "x", Model: "m"}}
	svc, w, th, _ := setupTurn(t, 10, fake) // estimate is always > 10
	ctx := context.Background()

	_, err := svc.Run(ctx, TurnInput{
		WorkshopID: w.ID,
		UserID:     "u1",
		ThreadID:   th.ID,
		Content:    "hello",
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if fake.calls != 0 {
		t.Fatalf("provider must not be called on quota rejection")
	}

	// Nothing persisted either.
	seq := NewMessageSequencer(svc.db)
	_, total, err := seq.Messages(ctx, th.ID, 0, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if total != 0 {
		t.Fatalf("rejected turn must persist nothing, got %d messages", total)
	}
}

func TestRun_InactiveThreadRejected(t *testing.T) {
	fake := &fakeAI{completion: &ai.Completion{Content: "x", Model: "m"}}
	svc, w, th, _ := setupTurn(t, 10_000, fake)
	ctx := context.Background()

	if _, err := svc.sessions.Resolve(ctx, w.ID, "u1", th.ID, th.Version); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := svc.Run(ctx, TurnInput{WorkshopID: w.ID, UserID: "u1", ThreadID: th.ID, Content: "hi"})
	if !errors.Is(err, ErrThreadNotActive) {
		t.Fatalf("expected ErrThreadNotActive, got %v", err)
	}
}

func TestRun_IdempotentReplay(t *testing.T) {
	fake := &fakeAI{completion: &ai.Completion{
		Content:          "answer",
		Model:            "gpt-4o-mini",
		PromptTokens:     100,
		CompletionTokens: 100,
	}}
	svc, w, th, account := setupTurn(t, 10_000, fake)
	ctx := context.Background()

	in := TurnInput{
		WorkshopID:     w.ID,
		UserID:         "u1",
		ThreadID:       th.ID,
		Content:        "same question",
		IdempotencyKey: "key-1",
	}
	first, err := svc.Run(ctx, in)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := svc.Run(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replayed result")
	}
	if second.AssistantMessage == nil || second.AssistantMessage.ID != first.AssistantMessage.ID {
		t.Fatalf("replay must return the original assistant message")
	}
	if second.Thread == nil || second.Quota == nil || second.UserUsage == nil {
		t.Fatalf("replay must still carry the fan-out snapshots: %+v", second)
	}
	if fake.calls != 1 {
		t.Fatalf("provider must not be re-called on replay, got %d calls", fake.calls)
	}

	status, _ := account.Status(ctx, w.ID, "u1")
	if status.Used != 200 {
		t.Fatalf("replay must not debit again, used=%d", status.Used)
	}

	// A different key runs a fresh turn.
	in.IdempotencyKey = "key-2"
	third, err := svc.Run(ctx, in)
	if err != nil {
		t.Fatalf("fresh key: %v", err)
	}
	if third.Replayed {
		t.Fatalf("fresh key must not replay")
	}
	if fake.calls != 2 {
		t.Fatalf("expected second provider call, got %d", fake.calls)
	}
}

func TestRun_LowBalanceCarriesNotices(t *testing.T) {
	fake := &fakeAI{completion: &ai.Completion{
		Content:          "ok",
		Model:            "gpt-4o-mini",
		PromptTokens:     400,
		CompletionTokens: 450,
	}}
	svc, w, th, _ := setupTurn(t, 1000, fake)

	res, err := svc.Run(context.Background(), TurnInput{
		WorkshopID: w.ID,
		UserID:     "u1",
		ThreadID:   th.ID,
		Content:    "misfire",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 150 of 1000 left after the debit: warning territory.
	if res.Notices.Empty() || len(res.Notices.Workshop) != 1 || res.Notices.Workshop[0].Level != NotifyWarning {
		t.Fatalf("expected a workshop warning, got %+v", res.Notices)
	}
}

func TestRun_ValidatesContent(t *testing.T) {
	svc, w, th, _ := setupTurn(t, 10_000, &fakeAI{})
	_, err := svc.Run(context.Background(), TurnInput{WorkshopID: w.ID, UserID: "u1", ThreadID: th.ID, Content: "  "})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}
