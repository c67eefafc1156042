// Package handlers defines the HTTP-layer error taxonomy and the mapping
// from service-layer sentinel errors to (status, code) pairs.
//
// Codes are lowercase snake_case and stable: clients branch on them
// programmatically, so renaming one is a breaking API change.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-workshop-backend/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeQuotaExceeded     = "quota_exceeded"
	ErrCodeVersionConflict   = "version_conflict"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeThreadNotActive   = "thread_not_active"
	ErrCodeWorkshopInactive  = "workshop_inactive"
	ErrCodeAIUnavailable     = "ai_unavailable"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
)

// failService translates a service sentinel into the matching HTTP response.
// Unknown errors become an opaque 500 so internal details never leak.
func failService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrThreadNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "thread not found")
	case errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
	case errors.Is(err, services.ErrWorkshopNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "workshop not found")
	case errors.Is(err, services.ErrNotAMember):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not a member of this workshop")
	case errors.Is(err, services.ErrRoleInsufficient):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "role does not permit this operation")
	case errors.Is(err, services.ErrWorkshopInactive):
		fail(c, http.StatusForbidden, ErrCodeWorkshopInactive, "workshop is deactivated")
	case errors.Is(err, services.ErrQuotaExceeded):
		fail(c, http.StatusTooManyRequests, ErrCodeQuotaExceeded, "monthly token quota exceeded")
	case errors.Is(err, services.ErrVersionConflict):
		fail(c, http.StatusConflict, ErrCodeVersionConflict, "thread was modified, re-read and retry")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, "status transition not allowed")
	case errors.Is(err, services.ErrThreadNotActive):
		fail(c, http.StatusConflict, ErrCodeThreadNotActive, "thread is not active")
	case errors.Is(err, services.ErrSequenceRace):
		fail(c, http.StatusConflict, ErrCodeConflict, "concurrent append, retry")
	case errors.Is(err, services.ErrEmptyMessage):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrMessageTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
	case errors.Is(err, services.ErrUpstreamAI):
		fail(c, http.StatusBadGateway, ErrCodeAIUnavailable, "assistant unavailable, no tokens were charged")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
