// Package domain defines the persistence models for workshops, memberships,
// token usage, vehicles, chat threads, and chat messages. These types are
// mapped with GORM and form the core data layer of the workshop assistant
// backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Workshop member roles. Role determines quota policy: owners and admins are
// never limited, viewers have no AI access, everyone else draws from the
// workshop's shared monthly token pool.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleTechnician = "technician"
	RoleMember     = "member"
	RoleViewer     = "viewer"
)

// Thread lifecycle states. A thread starts active, may be completed (resolved)
// and may be archived; archived is terminal.
const (
	ThreadStatusActive    = "active"
	ThreadStatusCompleted = "completed"
	ThreadStatusArchived  = "archived"
)

// Message roles and sender types.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"

	SenderTechnician = "technician"
	SenderAI         = "ai"
	SenderSystem     = "system"
)

// Workshop is the tenant: an automotive repair shop with its own monthly
// token budget and member roster.
//
// Fields:
//   - MonthlyTokenLimit: shared monthly pool consumed by all non-privileged members.
//   - TokensUsedThisMonth: the single contended counter; mutated only via
//     atomic SQL increments (see repo.AddWorkshopTokens) and zeroed once per
//     reset cycle by the lazy monthly reset.
//   - TokenResetDate: next reset boundary; nil until first computed.
//   - TokenResetDay: configured day-of-month (1–28) the pool resets on.
type Workshop struct {
	ID                  string         `json:"id"                      gorm:"type:char(36);primaryKey"`
	Name                string         `json:"name"                    gorm:"type:varchar(255);not null"`
	MonthlyTokenLimit   int64          `json:"monthly_token_limit"     gorm:"not null;default:100000"`
	TokensUsedThisMonth int64          `json:"tokens_used_this_month"  gorm:"not null;default:0"`
	TokenResetDate      *time.Time     `json:"token_reset_date,omitempty"`
	TokenResetDay       int            `json:"token_reset_day"         gorm:"not null;default:1;check:token_reset_day BETWEEN 1 AND 28"`
	IsActive            bool           `json:"is_active"               gorm:"not null;default:true"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `json:"-"                       gorm:"index"`
}

// TableName returns the database table name for Workshop.
func (Workshop) TableName() string { return "workshops" }

// WorkshopMember links a user to a workshop with a role. The (workshop, user)
// pair is unique; inactive memberships are treated as absent.
type WorkshopMember struct {
	ID         string         `json:"id"          gorm:"type:char(36);primaryKey"`
	WorkshopID string         `json:"workshop_id" gorm:"type:char(36);not null;uniqueIndex:ux_workshop_user,priority:1"`
	UserID     string         `json:"user_id"     gorm:"type:varchar(64);not null;uniqueIndex:ux_workshop_user,priority:2;index"`
	Role       string         `json:"role"        gorm:"type:varchar(20);not null;default:'member';check:role IN ('owner','admin','technician','member','viewer')"`
	IsActive   bool           `json:"is_active"   gorm:"not null;default:true"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-"           gorm:"index"`

	Workshop Workshop `json:"-" gorm:"foreignKey:WorkshopID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for WorkshopMember.
func (WorkshopMember) TableName() string { return "workshop_members" }

// Unlimited reports whether the member's role bypasses the shared pool.
func (m *WorkshopMember) Unlimited() bool {
	return m.Role == RoleOwner || m.Role == RoleAdmin
}

// UserTokenUsage is one row per (user, workshop, day). The counters exist for
// reporting only: once tokens are accounted at the shared workshop-pool level
// this row never gates a request.
type UserTokenUsage struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID     string    `json:"user_id"     gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_user_workshop_date,priority:1"`
	WorkshopID string    `json:"workshop_id" gorm:"type:char(36);not null;uniqueIndex:ux_usage_user_workshop_date,priority:2"`
	Date       time.Time `json:"date"        gorm:"type:date;not null;uniqueIndex:ux_usage_user_workshop_date,priority:3"`

	InputTokensToday  int64 `json:"input_tokens_today"  gorm:"not null;default:0"`
	OutputTokensToday int64 `json:"output_tokens_today" gorm:"not null;default:0"`
	TotalTokensToday  int64 `json:"total_tokens_today"  gorm:"not null;default:0"`

	InputTokensMonth  int64 `json:"input_tokens_month"  gorm:"not null;default:0"`
	OutputTokensMonth int64 `json:"output_tokens_month" gorm:"not null;default:0"`
	TotalTokensMonth  int64 `json:"total_tokens_month"  gorm:"not null;default:0"`

	// Optional advisory limits, surfaced in notifications but never enforced.
	DailyLimit   *int64 `json:"daily_limit,omitempty"`
	MonthlyLimit *int64 `json:"monthly_limit,omitempty"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name for UserTokenUsage.
func (UserTokenUsage) TableName() string { return "user_token_usage" }

// Vehicle holds the workshop-maintained record for a car, keyed by license
// plate. Threads snapshot a context string built from this data at creation.
type Vehicle struct {
	ID              string         `json:"id"            gorm:"type:char(36);primaryKey"`
	WorkshopID      string         `json:"workshop_id"   gorm:"type:char(36);not null;index"`
	LicensePlate    string         `json:"license_plate" gorm:"type:varchar(20);not null;uniqueIndex"`
	Make            string         `json:"make"          gorm:"type:varchar(64)"`
	Model           string         `json:"model"         gorm:"type:varchar(64)"`
	Year            int            `json:"year"`
	VIN             string         `json:"vin"           gorm:"type:varchar(32)"`
	CurrentKM       *int           `json:"current_km,omitempty"`
	LastServiceKM   *int           `json:"last_service_km,omitempty"`
	LastServiceDate *time.Time     `json:"last_service_date,omitempty"`
	EngineType      string         `json:"engine_type"   gorm:"type:varchar(32)"`
	FuelType        string         `json:"fuel_type"     gorm:"type:varchar(32)"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-"             gorm:"index"`
}

// TableName returns the database table name for Vehicle.
func (Vehicle) TableName() string { return "vehicles" }

// ChatThread is a multi-turn diagnostic conversation scoped to one vehicle.
//
// Token totals are aggregated from assistant messages inside the same
// transaction that appends them. Version is the optimistic-concurrency
// counter: every accepted token-total update and status change increments it,
// and multi-field updates must present the version they last read.
type ChatThread struct {
	ID         string  `json:"id"          gorm:"type:char(36);primaryKey"`
	WorkshopID string  `json:"workshop_id" gorm:"type:char(36);not null;index:idx_workshop_threads"`
	UserID     string  `json:"user_id"     gorm:"type:varchar(64);not null;index"`
	VehicleID  *string `json:"vehicle_id,omitempty" gorm:"type:char(36)"`

	Title        *string `json:"title,omitempty"   gorm:"type:varchar(200)"`
	LicensePlate string  `json:"license_plate"     gorm:"type:varchar(20);not null;index"`

	// Vehicle context snapshot taken at thread creation.
	VehicleKM      *int    `json:"vehicle_km,omitempty"`
	ErrorCodes     *string `json:"error_codes,omitempty"     gorm:"type:varchar(500)"` // comma-separated DTCs
	VehicleContext *string `json:"vehicle_context,omitempty" gorm:"type:varchar(1000)"`

	TotalPromptTokens     int64   `json:"total_prompt_tokens"     gorm:"not null;default:0"`
	TotalCompletionTokens int64   `json:"total_completion_tokens" gorm:"not null;default:0"`
	TotalTokens           int64   `json:"total_tokens"            gorm:"not null;default:0"`
	EstimatedCost         float64 `json:"estimated_cost"          gorm:"type:decimal(10,6);not null;default:0"`

	Status        string     `json:"status"       gorm:"type:varchar(20);not null;default:'active';check:status IN ('active','completed','archived')"`
	IsResolved    bool       `json:"is_resolved"  gorm:"not null;default:false"`
	IsArchived    bool       `json:"is_archived"  gorm:"not null;default:false"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`

	Version   int            `json:"version"    gorm:"not null;default:1"`
	UpdatedBy *string        `json:"updated_by,omitempty" gorm:"type:varchar(64)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`

	Workshop Workshop `json:"-" gorm:"foreignKey:WorkshopID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatThread.
func (ChatThread) TableName() string { return "chat_threads" }

// CanTransitionTo reports whether the thread status state machine permits
// moving to the target status. Archived is terminal; active may complete or
// archive directly; completed may only archive.
func (t *ChatThread) CanTransitionTo(target string) bool {
	switch t.Status {
	case ThreadStatusActive:
		return target == ThreadStatusCompleted || target == ThreadStatusArchived
	case ThreadStatusCompleted:
		return target == ThreadStatusArchived
	default:
		return false
	}
}

// ChatMessage is a single utterance within a thread. SequenceNumber is the
// 1-based, gap-free position within the thread; the unique index backs the
// append path's race detection.
type ChatMessage struct {
	ID       string `json:"id"        gorm:"type:char(36);primaryKey"`
	ThreadID string `json:"thread_id" gorm:"type:char(36);not null;uniqueIndex:ux_thread_seq,priority:1"`
	UserID   string `json:"user_id"   gorm:"type:varchar(64);not null"`

	Role       string `json:"role"        gorm:"type:varchar(20);not null;check:role IN ('user','assistant','system')"`
	SenderType string `json:"sender_type" gorm:"type:varchar(20);not null;default:'technician'"`
	Content    string `json:"content"     gorm:"type:text;not null"`
	// Attachments is a JSON-encoded list of file references or DTC payloads.
	Attachments string `json:"attachments,omitempty" gorm:"type:text"`

	// AI response metadata, assistant messages only.
	AIModel          *string  `json:"ai_model,omitempty" gorm:"type:varchar(50)"`
	PromptTokens     int64    `json:"prompt_tokens"      gorm:"not null;default:0"`
	CompletionTokens int64    `json:"completion_tokens"  gorm:"not null;default:0"`
	TotalTokens      int64    `json:"total_tokens"       gorm:"not null;default:0"`
	EstimatedCost    *float64 `json:"estimated_cost,omitempty" gorm:"type:decimal(10,6)"`

	SequenceNumber int `json:"sequence_number" gorm:"not null;uniqueIndex:ux_thread_seq,priority:2"`

	IsEdited  bool           `json:"is_edited"  gorm:"not null;default:false"`
	EditedAt  *time.Time     `json:"edited_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`

	Thread ChatThread `json:"-" gorm:"foreignKey:ThreadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }
