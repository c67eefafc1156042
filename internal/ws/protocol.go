// Package ws implements the real-time chat transport: a registry of live
// WebSocket connections indexed by thread and user, the wire protocol frames,
// and the gin handler that runs chat turns over a socket.
package ws

import (
	"encoding/json"
	"time"

	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/services"
)

// Frame type discriminators, server to client unless noted.
const (
	FrameStatus       = "status"
	FrameTyping       = "typing"
	FrameMessage      = "message" // also client to server
	FrameNotification = "notification"
	FrameError        = "error"
	FramePing         = "ping" // client to server keepalive
	FramePong         = "pong"
)

// Machine-readable error types carried on error frames.
const (
	ErrTypeQuotaExceeded   = "quota_exceeded"
	ErrTypeAIUnavailable   = "ai_unavailable"
	ErrTypeInvalidMessage  = "invalid_message"
	ErrTypeThreadNotActive = "thread_not_active"
	ErrTypeForbidden       = "forbidden"
	ErrTypeInternal        = "internal_error"
)

// stamp returns the frame timestamp in RFC 3339 UTC.
func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Inbound is the client to server frame. Only message and ping types are
// accepted; anything else draws an error frame. Attachments is kept raw so
// clients may send any JSON shape; it is stored verbatim on the message.
type Inbound struct {
	Type        string          `json:"type"`
	Content     string          `json:"content,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// StatusFrame announces connection state.
type StatusFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"` // connected
	ThreadID  string `json:"thread_id"`
	Timestamp string `json:"timestamp"`
}

// TypingFrame tells the thread someone's turn is being processed.
type TypingFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// ThreadSnapshot carries the thread's running totals after a turn.
type ThreadSnapshot struct {
	ID            string     `json:"id"`
	TotalTokens   int64      `json:"total_tokens"`
	LastMessageAt *time.Time `json:"last_message_at"`
}

// MessageFrame delivers one completed turn to the thread's connections: both
// persisted messages, the thread's refreshed totals, and the remaining-token
// snapshot, in a single frame.
type MessageFrame struct {
	Type             string                      `json:"type"`
	UserMessage      *domain.ChatMessage         `json:"user_message"`
	AssistantMessage *domain.ChatMessage         `json:"assistant_message"`
	Thread           *ThreadSnapshot             `json:"thread"`
	TokenUsage       *services.RemainingSnapshot `json:"token_usage"`
	Timestamp        string                      `json:"timestamp"`
}

// NotificationFrame delivers quota threshold alerts.
type NotificationFrame struct {
	Type          string            `json:"type"`
	Notifications *services.Notices `json:"notifications"`
	Timestamp     string            `json:"timestamp"`
}

// ErrorFrame reports a failed operation to the connection that caused it.
type ErrorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type string `json:"type"`
}
