package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/surface-analytics/internal/auth"
	"github.com/PratikDhanave/surface-analytics/internal/store"
	"github.com/PratikDhanave/surface-analytics/internal/tag"
)

const jsContentType = "application/javascript; charset=utf-8"

// RegisterTagRoutes registers the script endpoint.
//
// GET /tag.js?id=API_KEY
// - Errors are JS comments so a broken tag never throws on the host page
// - Served script is cacheable for an hour and loadable cross-origin
func RegisterTagRoutes(r gin.IRoutes, projects auth.ProjectLookup, script *tag.Script) {
	r.GET("/tag.js", func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.Query("id"))
		if apiKey == "" {
			jsError(c, http.StatusBadRequest, "// Error: Missing API key parameter (?id=SURFACE_TAG_ID)")
			return
		}

		_, err := projects.ProjectByAPIKey(c.Request.Context(), apiKey)
		if errors.Is(err, store.ErrNotFound) {
			jsError(c, http.StatusUnauthorized, "// Error: Invalid API key")
			return
		}
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "tag project lookup failed", slog.String("error", err.Error()))
			jsError(c, http.StatusInternalServerError, "// Error loading Surface Analytics")
			return
		}

		c.Header("Cache-Control", "public, max-age=3600, s-maxage=3600")
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Data(http.StatusOK, jsContentType, []byte(script.Render(apiKey)))
	})
}

func jsError(c *gin.Context, code int, msg string) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(code, jsContentType, []byte(msg))
}
