// Message HTTP handlers.
//
// This file exposes REST endpoints for chat messages:
//   - POST  /threads/{id}/messages               (run a chat turn)
//   - GET   /threads/{id}/messages               (list, paginated, in sequence order)
//   - PATCH /threads/{id}/messages/{messageID}   (edit own user message)
//
// The POST endpoint is the REST twin of the WebSocket chat: it runs the full
// turn (quota check, AI call, debit, sequenced append) and returns both
// persisted messages. It supports idempotency via the Idempotency-Key header;
// a replayed request returns the original assistant message and sets
// `Idempotency-Replayed: true`.
package handlers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/http/middleware"
	"github.com/tbourn/go-workshop-backend/internal/services"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a technician message.
type PostMessageRequest struct {
	// Content is the technician's question or observation. Non-empty.
	Content string `json:"content" binding:"required,min=1" example:"P0301 on a 2019 Golf 1.5 TSI, rough idle when cold"`
	// Attachments is an optional JSON-encoded list of file references.
	Attachments string `json:"attachments,omitempty"`
}

// PostMessageResponse carries the persisted turn: the technician message (nil
// on idempotent replay), the assistant reply, the post-debit quota snapshot,
// and threshold notifications when any fired.
type PostMessageResponse struct {
	UserMessage      *domain.ChatMessage   `json:"user_message,omitempty"`
	AssistantMessage *domain.ChatMessage   `json:"assistant_message"`
	Quota            *services.QuotaStatus `json:"quota"`
	Notifications    *services.Notices     `json:"notifications,omitempty"`
}

// EditMessageRequest is the JSON payload for editing a user message.
type EditMessageRequest struct {
	Content string `json:"content" binding:"required,min=1"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *domain.ChatMessage `json:"message"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.ChatMessage `json:"messages"`
	Pagination Pagination           `json:"pagination"`
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text: CRLF/CR to LF, runs of 3+ LFs to two,
// surrounding whitespace trimmed.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// idempotencyKey reads and bounds the Idempotency-Key header.
func idempotencyKey(c *gin.Context) string {
	const maxKeyLen = 200
	k := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(k) > maxKeyLen {
		return ""
	}
	return k
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message and get the assistant's reply
// @Description Runs a full chat turn: quota check, AI call, token debit, and sequenced persistence of both messages.
// @Description Supports idempotency via the Idempotency-Key header (same key replays the same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries (UUID recommended)"
// @Param       id    path  string  true  "Thread ID (UUID)"  format(uuid)
// @Param       body  body  handlers.PostMessageRequest  true  "Technician message"
// @Success     200  {object}  handlers.PostMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Thread not active"
// @Failure     429  {object}  handlers.ErrorResponse  "Quota exceeded"
// @Failure     502  {object}  handlers.ErrorResponse  "Assistant unavailable"
// @Router      /threads/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	id, valid := validThreadID(c)
	if !valid {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	res, err := h.turns.Run(c.Request.Context(), services.TurnInput{
		WorkshopID:     middleware.WorkshopID(c),
		UserID:         middleware.UserID(c),
		ThreadID:       id,
		Content:        content,
		Attachments:    req.Attachments,
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		failService(c, err)
		return
	}

	if res.Replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	var notices *services.Notices
	if !res.Notices.Empty() {
		notices = res.Notices
	}
	ok(c, http.StatusOK, PostMessageResponse{
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
		Quota:            res.Quota,
		Notifications:    notices,
	})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a thread
// @Description Returns a paginated list ordered by sequence number.
// @Tags        Messages
// @Produce     json
// @Param       id         path   string  true  "Thread ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Thread not found"
// @Router      /threads/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	id, valid := validThreadID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()

	// Access control first: any active member of the workshop may read.
	if _, err := h.sessions.Get(ctx, middleware.WorkshopID(c), middleware.UserID(c), id); err != nil {
		failService(c, err)
		return
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.sequencer.Messages(ctx, id, (page-1)*pageSize, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: NewPagination(page, pageSize, total),
	})
}

// EditMessage godoc
// @ID          editMessage
// @Summary     Edit one of your own messages
// @Description Rewrites content and stamps edit markers. Sequence numbers and token accounting are untouched.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       id         path  string  true  "Thread ID (UUID)"   format(uuid)
// @Param       messageID  path  string  true  "Message ID (UUID)"  format(uuid)
// @Param       body       body  handlers.EditMessageRequest  true  "New content"
// @Success     200  {object}  handlers.MessageResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not your message"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /threads/{id}/messages/{messageID} [patch]
func (h *Handlers) EditMessage(c *gin.Context) {
	id, valid := validThreadID(c)
	if !valid {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	ctx := c.Request.Context()

	if _, err := h.sessions.Get(ctx, middleware.WorkshopID(c), middleware.UserID(c), id); err != nil {
		failService(c, err)
		return
	}

	m, err := h.sequencer.EditMessage(ctx, id, middleware.UserID(c), c.Param("messageID"), sanitizeContent(req.Content))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: m})
}
