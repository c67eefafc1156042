package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-workshop-backend/internal/domain"
)

func TestDayOf(t *testing.T) {
	loc := time.FixedZone("EET", 2*60*60)
	in := time.Date(2026, 8, 23, 1, 30, 0, 0, loc) // 2026-08-22 23:30 UTC
	got := DayOf(in)
	want := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("DayOf(%v) = %v, want %v", in, got, want)
	}
}

func TestCreateUsage_DuplicateDayRejected(t *testing.T) {
	db := newTestDB(t)
	w := seedWorkshop(t, db)
	ctx := context.Background()
	day := time.Now().UTC()

	u := &domain.UserTokenUsage{UserID: "u1", WorkshopID: w.ID, Date: day}
	if err := CreateUsage(ctx, db, u); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := &domain.UserTokenUsage{UserID: "u1", WorkshopID: w.ID, Date: day}
	if err := CreateUsage(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Another day or another user is fine.
	if err := CreateUsage(ctx, db, &domain.UserTokenUsage{UserID: "u1", WorkshopID: w.ID, Date: day.AddDate(0, 0, 1)}); err != nil {
		t.Fatalf("next day: %v", err)
	}
	if err := CreateUsage(ctx, db, &domain.UserTokenUsage{UserID: "u2", WorkshopID: w.ID, Date: day}); err != nil {
		t.Fatalf("other user: %v", err)
	}
}

func TestAddUsage_AtomicIncrements(t *testing.T) {
	db := newTestDB(t)
	w := seedWorkshop(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	u := &domain.UserTokenUsage{UserID: "u1", WorkshopID: w.ID, Date: now}
	if err := CreateUsage(ctx, db, u); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := AddUsage(ctx, db, u.ID, 100, 40, now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := AddUsage(ctx, db, u.ID, 10, 5, now); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := GetUsageForDate(ctx, db, "u1", w.ID, now)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.InputTokensToday != 110 || got.OutputTokensToday != 45 || got.TotalTokensToday != 155 {
		t.Fatalf("daily counters wrong: %+v", got)
	}
	if got.TotalTokensMonth != 155 {
		t.Fatalf("monthly counter wrong: %d", got.TotalTokensMonth)
	}
	if got.LastUsedAt == nil {
		t.Fatalf("last_used_at not stamped")
	}

	if err := AddUsage(ctx, db, "missing", 1, 1, now); !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestGetLatestUsage(t *testing.T) {
	db := newTestDB(t)
	w := seedWorkshop(t, db)
	ctx := context.Background()

	if _, err := GetLatestUsage(ctx, db, "u1", w.ID); !IsNotFound(err) {
		t.Fatalf("expected not-found for fresh user, got %v", err)
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	today := time.Now().UTC()
	if err := CreateUsage(ctx, db, &domain.UserTokenUsage{UserID: "u1", WorkshopID: w.ID, Date: yesterday, TotalTokensMonth: 500}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := CreateUsage(ctx, db, &domain.UserTokenUsage{UserID: "u1", WorkshopID: w.ID, Date: today, TotalTokensMonth: 700}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := GetLatestUsage(ctx, db, "u1", w.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !got.Date.Equal(DayOf(today)) || got.TotalTokensMonth != 700 {
		t.Fatalf("expected today's row, got %+v", got)
	}
}
