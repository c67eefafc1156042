package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-workshop-backend/internal/auth"
)

// Gin context keys populated by Authenticate.
const (
	ctxKeyUserID     = "userID"
	ctxKeyWorkshopID = "workshopID"
	ctxKeyRole       = "role"
)

// Authenticate validates the Authorization bearer token and stores the
// verified identity in the Gin context. Requests without a valid token are
// rejected with 401. WebSocket routes authenticate separately (query token)
// and must not be mounted behind this middleware.
func Authenticate(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		claims, err := v.Verify(strings.TrimSpace(token))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token expired"
			}
			unauthorized(c, msg)
			return
		}

		c.Set(ctxKeyUserID, claims.UserID)
		c.Set(ctxKeyWorkshopID, claims.WorkshopID)
		c.Set(ctxKeyRole, claims.Role)
		c.Next()
	}
}

// UserID returns the authenticated user ID, empty when unauthenticated.
func UserID(c *gin.Context) string { return c.GetString(ctxKeyUserID) }

// WorkshopID returns the workshop the token was minted for.
func WorkshopID(c *gin.Context) string { return c.GetString(ctxKeyWorkshopID) }

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="api"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "unauthorized",
		"message":    msg,
	})
}
