// Package httpapi wires the ops HTTP surface (Gin) to the batcher: the
// inbound event endpoint, health, stats and conversation inspection, plus
// the cross-cutting middleware (tracing, correlation ids, access logging,
// panic recovery, metrics, compression, CORS, security headers, bearer auth
// and rate limiting on inbound).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-batcher/internal/config"
	"github.com/tbourn/go-chat-batcher/internal/http/handlers"
	"github.com/tbourn/go-chat-batcher/internal/http/middleware"
	"github.com/tbourn/go-chat-batcher/internal/repo"
)

// accountHeader names the business account a relay forwards for. Inbound
// rate limiting is keyed on it.
const accountHeader = "X-Account-ID"

// maxBodyBytes caps request bodies. Inbound events are small JSON objects;
// media travels by reference.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the routes need.
type Deps struct {
	DB            *gorm.DB
	Ingest        handlers.Ingester
	Monitor       handlers.Monitor
	Conversations handlers.Conversations
}

// storeStatsShim adapts repo.Stats to handlers.StoreStats.
type storeStatsShim struct{ db *gorm.DB }

func (s storeStatsShim) Stats(ctx context.Context) (repo.StoreStats, error) {
	return repo.Stats(ctx, s.db)
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger
//  4. Recovery
//  5. Body size limit
//  6. gzip (never on /metrics, promhttp negotiates its own)
//  7. Metrics
//  8. CORS and security headers
//
// The inbound route additionally runs BearerToken and the rate limiter.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	h := handlers.New(deps.Ingest, deps.Monitor, storeStatsShim{db: deps.DB}, deps.Conversations)

	r.GET("/health", h.Health)

	rl := middleware.NewRateLimiter(cfg.Inbound.RPS, cfg.Inbound.Burst, middleware.KeyByHeaderOrIP(accountHeader))

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/inbound", middleware.BearerToken(cfg.Inbound.Token), rl.Handler(), h.PostInbound)

		api.GET("/stats", h.Stats)
		api.GET("/conversations/:platform/:account/:contact/history", h.ConversationHistory)
		api.DELETE("/conversations/:platform/:account/:contact", h.PurgeConversation)
	}
}

// corsMiddleware allows every origin when none is configured, otherwise only
// the allowlist. Credentials are never allowed.
func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", accountHeader},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = cfg.AllowedOrigins
	}
	return cors.New(cc)
}

// limitBody caps the request body at maxBytes. Reads past the cap fail.
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
