// Token quota HTTP handlers.
//
//   - GET /tokens               (workshop pool snapshot for the caller)
//   - GET /tokens/usage         (caller's own daily/monthly counters)
//   - GET /tokens/notifications (current low-balance alerts, both pools)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/http/middleware"
	"github.com/tbourn/go-workshop-backend/internal/services"
)

// QuotaResponse wraps the workshop pool snapshot.
type QuotaResponse struct {
	Quota *services.QuotaStatus `json:"quota"`
}

// UsageResponse wraps the caller's personal usage counters.
type UsageResponse struct {
	Usage *domain.UserTokenUsage `json:"usage"`
}

// GetQuota godoc
// @ID          getQuota
// @Summary     Workshop token pool status
// @Description Returns the shared monthly pool snapshot, rolling the accounting period if it is due.
// @Tags        Tokens
// @Produce     json
// @Success     200  {object}  handlers.QuotaResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member"
// @Router      /tokens [get]
func (h *Handlers) GetQuota(c *gin.Context) {
	status, err := h.account.Status(c.Request.Context(), middleware.WorkshopID(c), middleware.UserID(c))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, QuotaResponse{Quota: status})
}

// GetUsage godoc
// @ID          getUsage
// @Summary     Your own token usage
// @Description Returns the caller's daily and month-to-date counters. Reporting only; never gates a turn.
// @Tags        Tokens
// @Produce     json
// @Success     200  {object}  handlers.UsageResponse
// @Router      /tokens/usage [get]
func (h *Handlers) GetUsage(c *gin.Context) {
	u, err := h.account.UserUsageToday(c.Request.Context(), middleware.WorkshopID(c), middleware.UserID(c))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, UsageResponse{Usage: u})
}

// NotificationsResponse wraps the derived low-balance alerts.
type NotificationsResponse struct {
	Notifications *services.Notices `json:"notifications"`
}

// GetNotifications godoc
// @ID          getNotifications
// @Summary     Current low-balance alerts
// @Description Derives warning/critical alerts for the workshop pool and the caller's daily limit. Read-only; re-emitted on every call while the balance stays below a threshold.
// @Tags        Tokens
// @Produce     json
// @Success     200  {object}  handlers.NotificationsResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member"
// @Router      /tokens/notifications [get]
func (h *Handlers) GetNotifications(c *gin.Context) {
	n, err := h.notify.CheckAndNotify(c.Request.Context(), middleware.WorkshopID(c), middleware.UserID(c))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, NotificationsResponse{Notifications: n})
}
