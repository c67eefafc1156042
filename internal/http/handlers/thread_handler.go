// Thread HTTP handlers.
//
// This file exposes REST endpoints for diagnostic chat threads:
//   - POST   /threads              (open a session for a vehicle)
//   - GET    /threads              (list, paginated, filterable)
//   - GET    /threads/{id}         (fetch one)
//   - PATCH  /threads/{id}         (version-guarded metadata update)
//   - POST   /threads/{id}/resolve (mark completed)
//   - POST   /threads/{id}/archive (archive, terminal)
//   - DELETE /threads/{id}         (soft delete)
//
// Handlers are transport-thin: they validate input, call the session
// manager, and translate results into HTTP responses. The workshop scope
// always comes from the verified token, never from the request body.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/http/middleware"
	"github.com/tbourn/go-workshop-backend/internal/services"
	"github.com/tbourn/go-workshop-backend/internal/utils"
)

// Handlers groups the HTTP endpoints for threads, messages, and token quota.
type Handlers struct {
	sessions  *services.SessionManager
	sequencer *services.MessageSequencer
	turns     *services.TurnService
	account   *services.TokenAccounting
	notify    *services.NotificationService
}

// New constructs a Handlers instance bound to the given services.
func New(sessions *services.SessionManager, sequencer *services.MessageSequencer, turns *services.TurnService, account *services.TokenAccounting, notify *services.NotificationService) *Handlers {
	return &Handlers{sessions: sessions, sequencer: sequencer, turns: turns, account: account, notify: notify}
}

//
// DTOs
//

// CreateThreadRequest is the JSON payload for opening a thread.
type CreateThreadRequest struct {
	// LicensePlate identifies the vehicle; normalized server-side.
	LicensePlate string `json:"license_plate" binding:"required,min=2,max=20" example:"ABC-1234"`
	// Title optionally names the session; defaults to the first message.
	Title *string `json:"title,omitempty" example:"Misfire under load"`
	// VehicleKM is the odometer reading at intake.
	VehicleKM *int `json:"vehicle_km,omitempty" example:"184500"`
	// ErrorCodes are OBD-II diagnostic trouble codes read at intake.
	ErrorCodes []string `json:"error_codes,omitempty" example:"P0301,P0171"`
}

// UpdateThreadRequest is the JSON payload for a version-guarded update.
type UpdateThreadRequest struct {
	// Version must match the thread version the client last read.
	Version    int      `json:"version" binding:"required,min=1" example:"3"`
	Title      *string  `json:"title,omitempty"`
	VehicleKM  *int     `json:"vehicle_km,omitempty"`
	ErrorCodes []string `json:"error_codes,omitempty"`
}

// TransitionRequest carries the expected version for a status change.
type TransitionRequest struct {
	Version int `json:"version" binding:"required,min=1" example:"3"`
}

// ThreadResponse wraps a single thread.
type ThreadResponse struct {
	Thread *domain.ChatThread `json:"thread"`
}

// ListThreadsResponse wraps a page of threads and pagination information.
type ListThreadsResponse struct {
	Threads    []domain.ChatThread `json:"threads"`
	Pagination Pagination          `json:"pagination"`
}

// clampPagination parses page/page_size query params with defaults and caps.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// validThreadID rejects non-UUID path parameters before hitting the DB.
func validThreadID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "thread id must be a UUID")
		return "", false
	}
	return id, true
}

//
// Handlers
//

// CreateThread godoc
// @ID          createThread
// @Summary     Open a diagnostic thread
// @Description Creates a chat thread for a vehicle, snapshotting its record when the plate is known.
// @Tags        Threads
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.CreateThreadRequest  true  "Thread payload"
// @Success     201  {object}  handlers.ThreadResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member / viewers cannot create"
// @Router      /threads [post]
func (h *Handlers) CreateThread(c *gin.Context) {
	var req CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "license_plate required")
		return
	}

	t, err := h.sessions.Create(c.Request.Context(), services.CreateThreadInput{
		WorkshopID:   middleware.WorkshopID(c),
		UserID:       middleware.UserID(c),
		LicensePlate: req.LicensePlate,
		Title:        req.Title,
		VehicleKM:    req.VehicleKM,
		ErrorCodes:   req.ErrorCodes,
	})
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, ThreadResponse{Thread: t})
}

// ListThreads godoc
// @ID          listThreads
// @Summary     List diagnostic threads
// @Description Returns a paginated list of the workshop's threads, most recently active first.
// @Tags        Threads
// @Produce     json
// @Param       status         query  string  false  "Filter by status"  Enums(active, completed, archived)
// @Param       license_plate  query  string  false  "Filter by plate substring"
// @Param       mine           query  bool    false  "Only threads created by the caller"
// @Param       page           query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListThreadsResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member"
// @Router      /threads [get]
func (h *Handlers) ListThreads(c *gin.Context) {
	page, pageSize := clampPagination(c)
	filter := services.ListFilter{
		Status:       c.Query("status"),
		LicensePlate: c.Query("license_plate"),
		Mine:         c.Query("mine") == "true",
	}

	items, total, err := h.sessions.List(c.Request.Context(),
		middleware.WorkshopID(c), middleware.UserID(c), filter,
		(page-1)*pageSize, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListThreadsResponse{
		Threads:    items,
		Pagination: NewPagination(page, pageSize, total),
	})
}

// GetThread godoc
// @ID          getThread
// @Summary     Fetch one thread
// @Tags        Threads
// @Produce     json
// @Param       id  path  string  true  "Thread ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.ThreadResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Thread not found"
// @Router      /threads/{id} [get]
func (h *Handlers) GetThread(c *gin.Context) {
	id, valid := validThreadID(c)
	if !valid {
		return
	}
	t, err := h.sessions.Get(c.Request.Context(), middleware.WorkshopID(c), middleware.UserID(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ThreadResponse{Thread: t})
}

// UpdateThread godoc
// @ID          updateThread
// @Summary     Update thread metadata
// @Description Version-guarded update; a stale version returns 409 version_conflict.
// @Tags        Threads
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Thread ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateThreadRequest  true  "Fields to update"
// @Success     200  {object}  handlers.ThreadResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Version conflict"
// @Router      /threads/{id} [patch]
func (h *Handlers) UpdateThread(c *gin.Context) {
	id, valid := validThreadID(c)
	if !valid {
		return
	}
	var req UpdateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "version required")
		return
	}

	t, err := h.sessions.Update(c.Request.Context(),
		middleware.WorkshopID(c), middleware.UserID(c), id, req.Version,
		services.UpdateThreadInput{
			Title:      req.Title,
			VehicleKM:  req.VehicleKM,
			ErrorCodes: req.ErrorCodes,
		})
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ThreadResponse{Thread: t})
}

// ResolveThread godoc
// @ID          resolveThread
// @Summary     Mark a thread completed
// @Tags        Threads
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Thread ID (UUID)"  format(uuid)
// @Param       body  body  handlers.TransitionRequest  true  "Expected version"
// @Success     200  {object}  handlers.ThreadResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Invalid transition or version conflict"
// @Router      /threads/{id}/resolve [post]
func (h *Handlers) ResolveThread(c *gin.Context) {
	h.transition(c, h.sessions.Resolve)
}

// ArchiveThread godoc
// @ID          archiveThread
// @Summary     Archive a thread
// @Tags        Threads
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Thread ID (UUID)"  format(uuid)
// @Param       body  body  handlers.TransitionRequest  true  "Expected version"
// @Success     200  {object}  handlers.ThreadResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Invalid transition or version conflict"
// @Router      /threads/{id}/archive [post]
func (h *Handlers) ArchiveThread(c *gin.Context) {
	h.transition(c, h.sessions.Archive)
}

func (h *Handlers) transition(c *gin.Context, fn func(ctx context.Context, workshopID, userID, threadID string, version int) (*domain.ChatThread, error)) {
	id, valid := validThreadID(c)
	if !valid {
		return
	}
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "version required")
		return
	}
	t, err := fn(c.Request.Context(), middleware.WorkshopID(c), middleware.UserID(c), id, req.Version)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ThreadResponse{Thread: t})
}

// DeleteThread godoc
// @ID          deleteThread
// @Summary     Soft-delete a thread
// @Tags        Threads
// @Param       id  path  string  true  "Thread ID (UUID)"  format(uuid)
// @Success     204  "Deleted"
// @Failure     403  {object}  handlers.ErrorResponse  "Only the creator or an admin may delete"
// @Router      /threads/{id} [delete]
func (h *Handlers) DeleteThread(c *gin.Context) {
	id, valid := validThreadID(c)
	if !valid {
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), middleware.WorkshopID(c), middleware.UserID(c), id); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}
