package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PratikDhanave/surface-analytics/internal/auth"
	"github.com/PratikDhanave/surface-analytics/internal/handlers"
	"github.com/PratikDhanave/surface-analytics/internal/ingest"
	"github.com/PratikDhanave/surface-analytics/internal/store"
	"github.com/PratikDhanave/surface-analytics/internal/tag"
)

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready, /metrics, /tag.js, POST /api/analytics/ingest
// Authenticated: /api/analytics/events, /api/analytics/metrics
func NewRouter(st store.Store, svc *ingest.Service, script *tag.Script) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The collector runs on third-party sites, so ingest and the tag are
	// open to every origin. The API key travels in the batch body.
	collector := r.Group("/", CORS("POST, OPTIONS"))
	handlers.RegisterIngestRoutes(collector, svc)
	handlers.RegisterTagRoutes(r, st, script)

	// Auth group enforces project context via X-API-Key or api_key.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(st))

	handlers.RegisterEventRoutes(authGroup, st)
	handlers.RegisterMetricRoutes(authGroup, st)

	return r
}
