package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/surface-analytics/internal/store"
)

// projectCtxKey is the Gin context key used to store the authenticated project.
const projectCtxKey = "project"

// ProjectLookup resolves an API key to its project.
type ProjectLookup interface {
	ProjectByAPIKey(ctx context.Context, apiKey string) (store.Project, error)
}

// APIKey returns the key sent in the X-API-Key header or, for dashboard
// style GETs, the api_key query parameter.
func APIKey(c *gin.Context) string {
	if k := strings.TrimSpace(c.GetHeader("X-API-Key")); k != "" {
		return k
	}
	return strings.TrimSpace(c.Query("api_key"))
}

// APIKeyMiddleware maps the request's API key to a project and rejects the
// request when there is none.
func APIKeyMiddleware(projects ProjectLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := APIKey(c)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "api_key required"})
			return
		}

		project, err := projects.ProjectByAPIKey(c.Request.Context(), apiKey)
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "project lookup failed", slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.Set(projectCtxKey, project)
		c.Next()
	}
}

// Project returns the authenticated project from the request context.
func Project(c *gin.Context) (store.Project, bool) {
	v, ok := c.Get(projectCtxKey)
	if !ok {
		return store.Project{}, false
	}
	p, ok := v.(store.Project)
	return p, ok
}
