package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-workshop-backend/internal/auth"
	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/services"
)

const (
	readLimit = 64 << 10 // 64 KiB inbound frame cap
	pongWait  = 90 * time.Second
	writeWait = 10 * time.Second
)

// Handler upgrades chat WebSocket connections and runs turns over them.
type Handler struct {
	upgrader websocket.Upgrader
	verifier *auth.Verifier
	sessions *services.SessionManager
	turns    *services.TurnService
	registry *Registry
}

// NewHandler wires the WebSocket chat handler. checkOrigin receives the
// request Origin header; a nil func allows all origins (development only).
func NewHandler(verifier *auth.Verifier, sessions *services.SessionManager, turns *services.TurnService, registry *Registry, checkOrigin func(r *http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		verifier: verifier,
		sessions: sessions,
		turns:    turns,
		registry: registry,
	}
}

// Chat handles GET /ws/chat/:id?token=<jwt>. Authentication happens after
// the upgrade so the client receives a proper close frame (1008) instead of
// an opaque handshake failure.
func (h *Handler) Chat(c *gin.Context) {
	threadID := c.Param("id")
	logger := log.Ctx(c.Request.Context())

	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	claims, verr := h.verifier.Verify(c.Query("token"))
	if verr != nil {
		closeWith(sock, websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.sessions.Get(ctx, claims.WorkshopID, claims.UserID, threadID); err != nil {
		closeWith(sock, websocket.ClosePolicyViolation, "thread not accessible")
		return
	}
	// The membership row decides the role; the token's role claim is advisory.
	role, err := h.sessions.MemberRole(ctx, claims.WorkshopID, claims.UserID)
	if err != nil {
		closeWith(sock, websocket.ClosePolicyViolation, "not a workshop member")
		return
	}
	if role == domain.RoleViewer {
		closeWith(sock, websocket.ClosePolicyViolation, "viewers cannot join chat sessions")
		return
	}

	conn := NewConn(sock, threadID, claims.UserID)
	h.registry.Add(conn)
	defer h.registry.Remove(conn)

	logger.Info().
		Str("thread_id", threadID).
		Str("user_id", claims.UserID).
		Msg("websocket connected")

	_ = conn.Send(StatusFrame{Type: FrameStatus, Status: "connected", ThreadID: threadID, Timestamp: stamp()})

	sock.SetReadLimit(readLimit)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var in Inbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Str("thread_id", threadID).Msg("websocket closed")
			}
			return
		}
		_ = sock.SetReadDeadline(time.Now().Add(pongWait))

		switch in.Type {
		case FramePing:
			_ = conn.Send(PongFrame{Type: FramePong})
		case FrameMessage:
			h.runTurn(c, conn, claims, in)
		default:
			_ = conn.Send(ErrorFrame{
				Type:      FrameError,
				Message:   "unsupported frame type",
				ErrorType: ErrTypeInvalidMessage,
			})
		}
	}
}

// runTurn executes one chat turn and fans the result out to every connection
// watching the thread as a single combined message frame. Errors go only to
// the sender.
func (h *Handler) runTurn(c *gin.Context, conn *Conn, claims *auth.Claims, in Inbound) {
	ctx := c.Request.Context()

	h.registry.BroadcastToThread(conn.ThreadID, TypingFrame{Type: FrameTyping, UserID: claims.UserID, Timestamp: stamp()})

	res, err := h.turns.Run(ctx, services.TurnInput{
		WorkshopID:  claims.WorkshopID,
		UserID:      claims.UserID,
		ThreadID:    conn.ThreadID,
		Content:     in.Content,
		Attachments: string(in.Attachments),
	})
	if err != nil {
		_ = conn.Send(errorFrameFor(err))
		return
	}

	var snapshot *ThreadSnapshot
	if res.Thread != nil {
		snapshot = &ThreadSnapshot{
			ID:            res.Thread.ID,
			TotalTokens:   res.Thread.TotalTokens,
			LastMessageAt: res.Thread.LastMessageAt,
		}
	}
	h.registry.BroadcastToThread(conn.ThreadID, MessageFrame{
		Type:             FrameMessage,
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
		Thread:           snapshot,
		TokenUsage:       &services.RemainingSnapshot{User: res.UserUsage, Workshop: res.Quota},
		Timestamp:        stamp(),
	})
	if !res.Notices.Empty() {
		h.registry.BroadcastToThread(conn.ThreadID, NotificationFrame{
			Type:          FrameNotification,
			Notifications: res.Notices,
			Timestamp:     stamp(),
		})
	}
}

// errorFrameFor maps service errors to protocol error frames.
func errorFrameFor(err error) ErrorFrame {
	f := ErrorFrame{Type: FrameError, Message: err.Error()}
	switch {
	case errors.Is(err, services.ErrQuotaExceeded):
		f.ErrorType = ErrTypeQuotaExceeded
	case errors.Is(err, services.ErrUpstreamAI):
		f.ErrorType = ErrTypeAIUnavailable
	case errors.Is(err, services.ErrEmptyMessage), errors.Is(err, services.ErrMessageTooLong):
		f.ErrorType = ErrTypeInvalidMessage
	case errors.Is(err, services.ErrThreadNotActive):
		f.ErrorType = ErrTypeThreadNotActive
	case errors.Is(err, services.ErrRoleInsufficient),
		errors.Is(err, services.ErrNotAMember),
		errors.Is(err, services.ErrWorkshopInactive):
		f.ErrorType = ErrTypeForbidden
	default:
		f.Message = "internal error"
		f.ErrorType = ErrTypeInternal
	}
	return f
}

// closeWith sends a close frame and shuts the socket.
func closeWith(sock *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = sock.Close()
}
