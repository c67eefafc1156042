package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/repo"
)

// QuotaStatus is a snapshot of a workshop's shared monthly pool as seen by
// one member. Remaining is never negative; Unlimited reports whether the
// member's role bypasses enforcement.
type QuotaStatus struct {
	WorkshopID string     `json:"workshop_id"`
	Limit      int64      `json:"monthly_token_limit"`
	Used       int64      `json:"tokens_used_this_month"`
	Remaining  int64      `json:"tokens_remaining"`
	ResetDate  *time.Time `json:"token_reset_date,omitempty"`
	Unlimited  bool       `json:"unlimited"`
	Role       string     `json:"role"`
}

// RemainingRatio returns Remaining/Limit in [0,1]. A zero limit counts as
// fully exhausted.
func (s *QuotaStatus) RemainingRatio() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Remaining) / float64(s.Limit)
}

// TokenAccounting enforces the shared monthly token pool of a workshop and
// records per-user usage counters for reporting.
//
// The contended counter (workshops.tokens_used_this_month) is only ever
// mutated with atomic SQL increments, and the monthly reset is performed
// lazily on the request path with an idempotent guarded UPDATE, so no
// background scheduler is required.
type TokenAccounting struct {
	db *gorm.DB
}

// NewTokenAccounting constructs the accounting service.
func NewTokenAccounting(db *gorm.DB) *TokenAccounting {
	return &TokenAccounting{db: db}
}

// nextResetAfter computes the first occurrence of the workshop's reset day
// (midnight UTC) strictly after now. Reset days are constrained to 1..28 so
// every month has the day.
func nextResetAfter(now time.Time, day int) time.Time {
	if day < 1 {
		day = 1
	}
	if day > 28 {
		day = 28
	}
	now = now.UTC()
	candidate := time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, time.UTC)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 1, 0)
	}
	return candidate
}

// ensurePeriod lazily initializes or rolls the workshop's accounting period.
// When the stored reset boundary has passed, the counter is zeroed and the
// boundary advanced with a guarded UPDATE; concurrent callers race harmlessly
// because only the one matching the previous boundary performs the reset.
func (s *TokenAccounting) ensurePeriod(ctx context.Context, w *domain.Workshop) (*domain.Workshop, error) {
	now := time.Now().UTC()

	if w.TokenResetDate == nil {
		next := nextResetAfter(now, w.TokenResetDay)
		if err := repo.SetWorkshopResetDate(ctx, s.db, w.ID, next); err != nil {
			return nil, err
		}
		return repo.GetWorkshop(ctx, s.db, w.ID)
	}

	if now.Before(*w.TokenResetDate) {
		return w, nil
	}

	prev := *w.TokenResetDate
	next := nextResetAfter(now, w.TokenResetDay)
	won, err := repo.ResetWorkshopTokens(ctx, s.db, w.ID, prev, next)
	if err != nil {
		return nil, err
	}
	if won {
		log.Ctx(ctx).Info().
			Str("workshop_id", w.ID).
			Time("reset_at", next).
			Msg("monthly token counter reset")
	}
	return repo.GetWorkshop(ctx, s.db, w.ID)
}

// statusOf assembles a QuotaStatus from a fresh workshop row and membership.
func statusOf(w *domain.Workshop, m *domain.WorkshopMember) *QuotaStatus {
	remaining := w.MonthlyTokenLimit - w.TokensUsedThisMonth
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaStatus{
		WorkshopID: w.ID,
		Limit:      w.MonthlyTokenLimit,
		Used:       w.TokensUsedThisMonth,
		Remaining:  remaining,
		ResetDate:  w.TokenResetDate,
		Unlimited:  m.Unlimited(),
		Role:       m.Role,
	}
}

// resolve loads the membership and active workshop for (userID, workshopID),
// rolling the accounting period as a side effect.
func (s *TokenAccounting) resolve(ctx context.Context, workshopID, userID string) (*domain.Workshop, *domain.WorkshopMember, error) {
	m, err := repo.GetMembership(ctx, s.db, userID, workshopID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, nil, ErrNotAMember
		}
		return nil, nil, err
	}

	w, err := repo.GetActiveWorkshop(ctx, s.db, workshopID)
	if err != nil {
		if repo.IsNotFound(err) {
			if _, gerr := repo.GetWorkshop(ctx, s.db, workshopID); gerr == nil {
				return nil, nil, ErrWorkshopInactive
			}
			return nil, nil, ErrWorkshopNotFound
		}
		return nil, nil, err
	}

	w, err = s.ensurePeriod(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	return w, m, nil
}

// CheckWorkshopLimit reports whether the shared pool can cover tokensNeeded,
// applying the lazy monthly reset first. Fails closed when the workshop is
// missing or inactive.
func (s *TokenAccounting) CheckWorkshopLimit(ctx context.Context, workshopID string, tokensNeeded int64) bool {
	w, err := repo.GetActiveWorkshop(ctx, s.db, workshopID)
	if err != nil {
		return false
	}
	w, err = s.ensurePeriod(ctx, w)
	if err != nil {
		return false
	}
	return tokensNeeded <= w.MonthlyTokenLimit-w.TokensUsedThisMonth
}

// CheckUserLimit applies the role policy: owners and admins always pass,
// viewers never do, everyone else defers to the shared workshop pool (per-user
// daily limits are recorded for reporting, not enforced). Fails closed when
// the membership is missing or inactive. tokensNeeded is accepted for contract
// symmetry with CheckWorkshopLimit but plays no part in the decision.
func (s *TokenAccounting) CheckUserLimit(ctx context.Context, userID, workshopID string, tokensNeeded int64) bool {
	m, err := repo.GetMembership(ctx, s.db, userID, workshopID)
	if err != nil {
		return false
	}
	return m.Role != domain.RoleViewer
}

// RemainingSnapshot pairs the caller's personal counters with the workshop
// pool snapshot for client display.
type RemainingSnapshot struct {
	User     *domain.UserTokenUsage `json:"user"`
	Workshop *QuotaStatus           `json:"workshop"`
}

// GetRemaining returns the read-only {user, workshop} remaining-token
// snapshot, rolling the accounting period if due.
func (s *TokenAccounting) GetRemaining(ctx context.Context, workshopID, userID string) (*RemainingSnapshot, error) {
	w, m, err := s.resolve(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	u, err := s.UserUsageToday(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	return &RemainingSnapshot{User: u, Workshop: statusOf(w, m)}, nil
}

// Reserve performs the advisory pre-flight check for a turn estimated to cost
// estimatedTokens: the conjunction of the workshop-pool and role checks, with
// sentinel errors instead of bare booleans so transports can answer precisely.
// It never holds tokens: the actual debit happens in RecordUsage after the AI
// call returns with real counts. Viewers are rejected, owners and admins
// always pass, everyone else must fit inside the shared pool's remainder.
//
// Returns the current QuotaStatus alongside ErrQuotaExceeded so callers can
// report how much was left.
func (s *TokenAccounting) Reserve(ctx context.Context, workshopID, userID string, estimatedTokens int64) (*QuotaStatus, error) {
	w, m, err := s.resolve(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role == domain.RoleViewer {
		return nil, ErrRoleInsufficient
	}

	status := statusOf(w, m)
	if !status.Unlimited && estimatedTokens > status.Remaining {
		return status, ErrQuotaExceeded
	}
	return status, nil
}

// RecordUsage debits the shared pool with the actual token counts of a
// completed turn and updates the per-user daily/monthly counters, all inside
// one transaction. The lazy monthly reset runs first, so a debit landing
// after the boundary opens the new period instead of inflating the old one.
// The pool is debited for every role so the workshop's reported consumption
// stays accurate; enforcement already happened in Reserve.
//
// Returns the post-debit QuotaStatus for notification threshold checks.
func (s *TokenAccounting) RecordUsage(ctx context.Context, workshopID, userID string, inputTokens, outputTokens int64) (*QuotaStatus, error) {
	_, m, err := s.resolve(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.AddWorkshopTokens(ctx, tx, workshopID, inputTokens+outputTokens); err != nil {
			return err
		}
		return s.recordUserUsage(ctx, tx, userID, workshopID, inputTokens, outputTokens, now)
	})
	if err != nil {
		return nil, err
	}

	w, err := repo.GetWorkshop(ctx, s.db, workshopID)
	if err != nil {
		return nil, err
	}
	return statusOf(w, m), nil
}

// recordUserUsage upserts the (user, workshop, day) counter row. Monthly
// counters carry forward across days within the same calendar month and zero
// across a month boundary. A lost insert race falls back to incrementing the
// winner's row.
func (s *TokenAccounting) recordUserUsage(ctx context.Context, tx *gorm.DB, userID, workshopID string, input, output int64, now time.Time) error {
	day := repo.DayOf(now)
	total := input + output

	if u, err := repo.GetUsageForDate(ctx, tx, userID, workshopID, day); err == nil {
		return repo.AddUsage(ctx, tx, u.ID, input, output, now)
	} else if !repo.IsNotFound(err) {
		return err
	}

	var monthIn, monthOut, monthTotal int64
	if prev, err := repo.GetLatestUsage(ctx, tx, userID, workshopID); err == nil {
		if prev.Date.Year() == day.Year() && prev.Date.Month() == day.Month() {
			monthIn, monthOut, monthTotal = prev.InputTokensMonth, prev.OutputTokensMonth, prev.TotalTokensMonth
		}
	} else if !repo.IsNotFound(err) {
		return err
	}

	u := &domain.UserTokenUsage{
		UserID:            userID,
		WorkshopID:        workshopID,
		Date:              day,
		InputTokensToday:  input,
		OutputTokensToday: output,
		TotalTokensToday:  total,
		InputTokensMonth:  monthIn + input,
		OutputTokensMonth: monthOut + output,
		TotalTokensMonth:  monthTotal + total,
		LastUsedAt:        &now,
	}
	err := repo.CreateUsage(ctx, tx, u)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrDuplicate) {
		return err
	}
	winner, rerr := repo.GetUsageForDate(ctx, tx, userID, workshopID, day)
	if rerr != nil {
		return rerr
	}
	return repo.AddUsage(ctx, tx, winner.ID, input, output, now)
}

// Status returns the current quota snapshot for a member, rolling the
// accounting period if due. Backs GET /workshops/:id/tokens.
func (s *TokenAccounting) Status(ctx context.Context, workshopID, userID string) (*QuotaStatus, error) {
	w, m, err := s.resolve(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	return statusOf(w, m), nil
}

// UserUsageToday returns the caller's usage row for today, or a zero row when
// the user has not consumed tokens yet. Reporting only; never gates a turn.
func (s *TokenAccounting) UserUsageToday(ctx context.Context, workshopID, userID string) (*domain.UserTokenUsage, error) {
	u, err := repo.GetUsageForDate(ctx, s.db, userID, workshopID, time.Now().UTC())
	if err != nil {
		if repo.IsNotFound(err) {
			return &domain.UserTokenUsage{
				UserID:     userID,
				WorkshopID: workshopID,
				Date:       repo.DayOf(time.Now().UTC()),
			}, nil
		}
		return nil, err
	}
	return u, nil
}
