package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/repo"
)

var plateUpper = cases.Upper(language.Und)

// NormalizePlate canonicalizes a license plate: spaces and dashes removed,
// letters upper-cased. Greek and other non-ASCII plates fold correctly via
// the Unicode caser.
func NormalizePlate(plate string) string {
	var b strings.Builder
	for _, r := range plate {
		if r == ' ' || r == '-' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return plateUpper.String(b.String())
}

// CreateThreadInput carries the fields a technician supplies when opening a
// diagnostic session.
type CreateThreadInput struct {
	WorkshopID   string
	UserID       string
	LicensePlate string
	Title        *string
	VehicleKM    *int
	ErrorCodes   []string // DTC codes, e.g. P0301
}

// UpdateThreadInput carries the mutable thread fields for a version-guarded
// update. Nil fields are left untouched.
type UpdateThreadInput struct {
	Title      *string
	VehicleKM  *int
	ErrorCodes []string
}

// SessionManager owns chat-thread lifecycle: creation with a vehicle context
// snapshot, listing, version-guarded metadata updates, and the
// active → completed → archived state machine.
type SessionManager struct {
	db *gorm.DB
}

// NewSessionManager constructs the session manager.
func NewSessionManager(db *gorm.DB) *SessionManager {
	return &SessionManager{db: db}
}

// requireMember loads the caller's active membership, mapping absence to
// ErrNotAMember.
func (s *SessionManager) requireMember(ctx context.Context, workshopID, userID string) (*domain.WorkshopMember, error) {
	m, err := repo.GetMembership(ctx, s.db, userID, workshopID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrNotAMember
		}
		return nil, err
	}
	return m, nil
}

// MemberRole returns the caller's role from the membership row. Token role
// claims are advisory only; transports gate access on this.
func (s *SessionManager) MemberRole(ctx context.Context, workshopID, userID string) (string, error) {
	m, err := s.requireMember(ctx, workshopID, userID)
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// buildVehicleContext renders the snapshot string stored on the thread at
// creation. The snapshot is intentionally denormalized: later edits to the
// vehicle record must not rewrite the history of an ongoing diagnosis.
func buildVehicleContext(plate string, v *domain.Vehicle, km *int, dtcs []string) string {
	var parts []string
	if v != nil {
		desc := strings.TrimSpace(fmt.Sprintf("%s %s", v.Make, v.Model))
		if v.Year > 0 {
			desc = strings.TrimSpace(fmt.Sprintf("%s %d", desc, v.Year))
		}
		if desc != "" {
			parts = append(parts, "Vehicle: "+desc)
		}
		if v.EngineType != "" {
			parts = append(parts, "Engine: "+v.EngineType)
		}
		if v.FuelType != "" {
			parts = append(parts, "Fuel: "+v.FuelType)
		}
		if v.LastServiceKM != nil {
			parts = append(parts, fmt.Sprintf("Last service: %d km", *v.LastServiceKM))
		}
	}
	parts = append(parts, "Plate: "+plate)
	if km != nil {
		parts = append(parts, fmt.Sprintf("Odometer: %d km", *km))
	}
	if len(dtcs) > 0 {
		parts = append(parts, "DTC codes: "+strings.Join(dtcs, ", "))
	}
	return strings.Join(parts, " | ")
}

// Create opens a new diagnostic thread. Viewers cannot create threads. When
// the plate matches a vehicle record in the workshop, its details are
// snapshotted into the thread's vehicle context.
func (s *SessionManager) Create(ctx context.Context, in CreateThreadInput) (*domain.ChatThread, error) {
	m, err := s.requireMember(ctx, in.WorkshopID, in.UserID)
	if err != nil {
		return nil, err
	}
	if m.Role == domain.RoleViewer {
		return nil, ErrRoleInsufficient
	}

	plate := NormalizePlate(in.LicensePlate)
	if plate == "" {
		return nil, ErrEmptyMessage
	}

	var vehicleID *string
	var vehicle *domain.Vehicle
	if v, err := repo.GetVehicleByPlate(ctx, s.db, in.WorkshopID, plate); err == nil {
		vehicle = v
		vehicleID = &v.ID
	} else if !repo.IsNotFound(err) {
		return nil, err
	}

	var codes *string
	if len(in.ErrorCodes) > 0 {
		joined := strings.Join(in.ErrorCodes, ",")
		codes = &joined
	}
	contextStr := buildVehicleContext(plate, vehicle, in.VehicleKM, in.ErrorCodes)

	now := time.Now().UTC()
	t := &domain.ChatThread{
		WorkshopID:     in.WorkshopID,
		UserID:         in.UserID,
		VehicleID:      vehicleID,
		Title:          in.Title,
		LicensePlate:   plate,
		VehicleKM:      in.VehicleKM,
		ErrorCodes:     codes,
		VehicleContext: &contextStr,
		LastMessageAt:  &now,
	}
	if err := repo.CreateThread(ctx, s.db, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a thread visible to the caller. Any active member of the
// thread's workshop may read it.
func (s *SessionManager) Get(ctx context.Context, workshopID, userID, threadID string) (*domain.ChatThread, error) {
	if _, err := s.requireMember(ctx, workshopID, userID); err != nil {
		return nil, err
	}
	t, err := repo.GetThread(ctx, s.db, threadID, "")
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	if t.WorkshopID != workshopID {
		return nil, ErrThreadNotFound
	}
	return t, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status       string
	LicensePlate string
	Mine         bool // restrict to threads the caller created
}

// List returns a page of the workshop's threads, most recently active first,
// along with the total match count.
func (s *SessionManager) List(ctx context.Context, workshopID, userID string, f ListFilter, offset, limit int) ([]domain.ChatThread, int64, error) {
	if _, err := s.requireMember(ctx, workshopID, userID); err != nil {
		return nil, 0, err
	}
	rf := repo.ThreadFilter{
		WorkshopID:   workshopID,
		Status:       f.Status,
		LicensePlate: NormalizePlate(f.LicensePlate),
	}
	if f.Mine {
		rf.UserID = userID
	}
	total, err := repo.CountThreads(ctx, s.db, rf)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListThreadsPage(ctx, s.db, rf, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Update applies a version-guarded metadata update. expectedVersion must be
// the version the caller last read; a mismatch returns ErrVersionConflict and
// the caller re-reads before retrying.
func (s *SessionManager) Update(ctx context.Context, workshopID, userID, threadID string, expectedVersion int, in UpdateThreadInput) (*domain.ChatThread, error) {
	t, err := s.Get(ctx, workshopID, userID, threadID)
	if err != nil {
		return nil, err
	}
	m, err := s.requireMember(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role == domain.RoleViewer {
		return nil, ErrRoleInsufficient
	}

	updates := map[string]any{
		"updated_by": userID,
	}
	if in.Title != nil {
		updates["title"] = *in.Title
	}
	if in.VehicleKM != nil {
		updates["vehicle_km"] = *in.VehicleKM
	}
	if in.ErrorCodes != nil {
		updates["error_codes"] = strings.Join(in.ErrorCodes, ",")
	}

	if err := repo.UpdateThreadVersioned(ctx, s.db, t.ID, expectedVersion, updates); err != nil {
		return nil, mapVersionedErr(err)
	}
	return s.Get(ctx, workshopID, userID, threadID)
}

// transition moves the thread through the lifecycle state machine with a
// version-guarded update. The is_resolved and is_archived flags mirror the
// status for query convenience.
func (s *SessionManager) transition(ctx context.Context, workshopID, userID, threadID string, expectedVersion int, target string) (*domain.ChatThread, error) {
	t, err := s.Get(ctx, workshopID, userID, threadID)
	if err != nil {
		return nil, err
	}
	m, err := s.requireMember(ctx, workshopID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role == domain.RoleViewer {
		return nil, ErrRoleInsufficient
	}
	if !t.CanTransitionTo(target) {
		return nil, ErrInvalidTransition
	}

	updates := map[string]any{
		"status":      target,
		"is_resolved": target == domain.ThreadStatusCompleted || (t.IsResolved && target == domain.ThreadStatusArchived),
		"is_archived": target == domain.ThreadStatusArchived,
		"updated_by":  userID,
	}
	if err := repo.UpdateThreadVersioned(ctx, s.db, t.ID, expectedVersion, updates); err != nil {
		return nil, mapVersionedErr(err)
	}
	return s.Get(ctx, workshopID, userID, threadID)
}

// Resolve marks an active thread completed.
func (s *SessionManager) Resolve(ctx context.Context, workshopID, userID, threadID string, expectedVersion int) (*domain.ChatThread, error) {
	return s.transition(ctx, workshopID, userID, threadID, expectedVersion, domain.ThreadStatusCompleted)
}

// Archive moves an active or completed thread to the terminal archived state.
func (s *SessionManager) Archive(ctx context.Context, workshopID, userID, threadID string, expectedVersion int) (*domain.ChatThread, error) {
	return s.transition(ctx, workshopID, userID, threadID, expectedVersion, domain.ThreadStatusArchived)
}

// Delete soft-deletes a thread. Only the creator, or an owner/admin, may
// delete.
func (s *SessionManager) Delete(ctx context.Context, workshopID, userID, threadID string) error {
	t, err := s.Get(ctx, workshopID, userID, threadID)
	if err != nil {
		return err
	}
	m, err := s.requireMember(ctx, workshopID, userID)
	if err != nil {
		return err
	}
	if t.UserID != userID && !m.Unlimited() {
		return ErrRoleInsufficient
	}
	if err := repo.SoftDeleteThread(ctx, s.db, t.ID); err != nil {
		if repo.IsNotFound(err) {
			return ErrThreadNotFound
		}
		return err
	}
	return nil
}

// mapVersionedErr converts repo-level versioned-update errors to service
// sentinels.
func mapVersionedErr(err error) error {
	switch {
	case errors.Is(err, repo.ErrVersionConflict):
		return ErrVersionConflict
	case repo.IsNotFound(err):
		return ErrThreadNotFound
	default:
		return err
	}
}
