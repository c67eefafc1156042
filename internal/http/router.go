// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, rate limiting, and the WebSocket chat endpoint.
//
// Middleware ordering:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs with credential redaction
//  4. Recovery: panics to JSON 500 with request id
//  5. Body size limit, metrics, rate limiter
//  6. CORS and security headers
//
// Authentication differs per surface: REST routes use the bearer-token
// middleware, the WebSocket route authenticates its query token after the
// upgrade so clients get a proper close frame.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-workshop-backend/docs"
	"github.com/tbourn/go-workshop-backend/internal/ai"
	"github.com/tbourn/go-workshop-backend/internal/auth"
	"github.com/tbourn/go-workshop-backend/internal/config"
	"github.com/tbourn/go-workshop-backend/internal/http/handlers"
	"github.com/tbourn/go-workshop-backend/internal/http/middleware"
	"github.com/tbourn/go-workshop-backend/internal/services"
	"github.com/tbourn/go-workshop-backend/internal/ws"
)

// RegisterRoutes attaches all middleware and endpoints to the given Gin
// engine and returns the WebSocket connection registry so the caller can
// drain it on shutdown.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) *ws.Registry {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
	for _, o := range cfg.CORS.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Idempotency-Replayed"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Idempotency-Replayed"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← db/config
	verifier := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	provider := ai.NewOpenAIClient(ai.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})

	sessions := services.NewSessionManager(db)
	sequencer := services.NewMessageSequencer(db)
	account := services.NewTokenAccounting(db)
	notify := services.NewNotificationService(account)
	turns := services.NewTurnService(db, sessions, sequencer, account, provider)

	h := handlers.New(sessions, sequencer, turns, account, notify)

	// WebSocket chat: token auth happens after the upgrade.
	registry := ws.NewRegistry()
	var checkOrigin func(r *http.Request) bool
	if len(allowed) > 0 {
		checkOrigin = func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			if origin == "" {
				return true // non-browser client
			}
			_, ok := allowed[origin]
			return ok
		}
	}
	wsHandler := ws.NewHandler(verifier, sessions, turns, registry, checkOrigin)
	r.GET("/ws/chat/:id", wsHandler.Chat)

	// Versioned REST API, bearer-token protected, gzip-compressed.
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(middleware.Authenticate(verifier))
	{
		// Threads
		api.POST("/threads", h.CreateThread)
		api.GET("/threads", h.ListThreads)
		api.GET("/threads/:id", h.GetThread)
		api.PATCH("/threads/:id", h.UpdateThread)
		api.POST("/threads/:id/resolve", h.ResolveThread)
		api.POST("/threads/:id/archive", h.ArchiveThread)
		api.DELETE("/threads/:id", h.DeleteThread)

		// Messages
		api.GET("/threads/:id/messages", h.ListMessages)
		api.POST("/threads/:id/messages", h.PostMessage)
		api.PATCH("/threads/:id/messages/:messageID", h.EditMessage)

		// Token quota
		api.GET("/tokens", h.GetQuota)
		api.GET("/tokens/usage", h.GetUsage)
		api.GET("/tokens/notifications", h.GetNotifications)
	}

	return registry
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader; oversized bodies error on read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
