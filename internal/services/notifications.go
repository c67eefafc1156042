package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// Notification severity levels, ordered.
const (
	NotifyWarning  = "warning"  // 25% or less remaining
	NotifyCritical = "critical" // 10% or less remaining
)

const (
	warningRatio  = 0.25
	criticalRatio = 0.10
)

// Notification is a low-balance alert derived from a quota snapshot. Scope
// says which pool it concerns: the workshop's shared monthly pool or the
// caller's own daily limit.
type Notification struct {
	Level           string  `json:"level"`
	Scope           string  `json:"scope"` // workshop or user
	Message         string  `json:"message"`
	TokensRemaining int64   `json:"tokens_remaining"`
	Limit           int64   `json:"limit"`
	RemainingRatio  float64 `json:"remaining_ratio"`
}

// Notices groups the alerts for both pools. Derivation is pure: the same
// snapshots always produce the same notices, and a caller polling twice gets
// the alert twice.
type Notices struct {
	Workshop []Notification `json:"workshop"`
	User     []Notification `json:"user"`
}

// Empty reports whether no threshold was crossed.
func (n *Notices) Empty() bool {
	return n == nil || (len(n.Workshop) == 0 && len(n.User) == 0)
}

func levelFor(ratio float64) string {
	switch {
	case ratio <= criticalRatio:
		return NotifyCritical
	case ratio <= warningRatio:
		return NotifyWarning
	default:
		return ""
	}
}

func workshopNotices(status *QuotaStatus) []Notification {
	if status == nil || status.Limit <= 0 {
		return nil
	}
	ratio := status.RemainingRatio()
	level := levelFor(ratio)
	if level == "" {
		return nil
	}
	var msg string
	if level == NotifyCritical {
		msg = fmt.Sprintf("Critical: only %d of %d monthly tokens remain for this workshop.", status.Remaining, status.Limit)
	} else {
		msg = fmt.Sprintf("Warning: %d of %d monthly tokens remain for this workshop.", status.Remaining, status.Limit)
	}
	return []Notification{{
		Level:           level,
		Scope:           "workshop",
		Message:         msg,
		TokensRemaining: status.Remaining,
		Limit:           status.Limit,
		RemainingRatio:  ratio,
	}}
}

func userNotices(usage *domain.UserTokenUsage) []Notification {
	if usage == nil || usage.DailyLimit == nil || *usage.DailyLimit <= 0 {
		return nil
	}
	limit := *usage.DailyLimit
	remaining := limit - usage.TotalTokensToday
	if remaining < 0 {
		remaining = 0
	}
	ratio := float64(remaining) / float64(limit)
	level := levelFor(ratio)
	if level == "" {
		return nil
	}
	var msg string
	if level == NotifyCritical {
		msg = fmt.Sprintf("Critical: only %d of your %d daily tokens remain.", remaining, limit)
	} else {
		msg = fmt.Sprintf("Warning: %d of your %d daily tokens remain.", remaining, limit)
	}
	return []Notification{{
		Level:           level,
		Scope:           "user",
		Message:         msg,
		TokensRemaining: remaining,
		Limit:           limit,
		RemainingRatio:  ratio,
	}}
}

// DeriveNotices computes threshold alerts from snapshots already in hand.
// Either argument may be nil; a nil snapshot contributes no notices. The turn
// path uses this directly with the post-debit status to avoid a re-read.
func DeriveNotices(status *QuotaStatus, usage *domain.UserTokenUsage) *Notices {
	return &Notices{
		Workshop: workshopNotices(status),
		User:     userNotices(usage),
	}
}

// NotificationService derives low-balance alerts for display. Read-only: it
// never persists anything, so repeated calls at the same balance re-emit the
// same notices.
type NotificationService struct {
	account *TokenAccounting
}

// NewNotificationService constructs the service.
func NewNotificationService(account *TokenAccounting) *NotificationService {
	return &NotificationService{account: account}
}

// CheckAndNotify loads the caller's quota snapshots and derives alerts for
// the workshop pool and, when a daily limit is set, the user's own budget.
func (n *NotificationService) CheckAndNotify(ctx context.Context, workshopID, userID string) (*Notices, error) {
	status, err := n.account.Status(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	usage, err := n.account.UserUsageToday(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	notices := DeriveNotices(status, usage)
	if !notices.Empty() {
		log.Ctx(ctx).Info().
			Str("workshop_id", workshopID).
			Str("user_id", userID).
			Int("workshop_notices", len(notices.Workshop)).
			Int("user_notices", len(notices.User)).
			Msg("token balance below threshold")
	}
	return notices, nil
}
