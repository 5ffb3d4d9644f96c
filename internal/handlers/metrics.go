package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/surface-analytics/internal/auth"
	"github.com/PratikDhanave/surface-analytics/internal/models"
)

// parseRFC3339 parses an RFC3339 timestamp and normalizes it to UTC.
func parseRFC3339(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// RegisterMetricRoutes registers the event counting endpoint.
//
// GET /api/analytics/metrics?event_name=...&from=...&to=...
// - Requires an API key (auth middleware)
// - Returns count for the window [from,to)
func RegisterMetricRoutes(r gin.IRoutes, st EventLister) {
	r.GET("/api/analytics/metrics", func(c *gin.Context) {
		project, ok := auth.Project(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"})
			return
		}

		eventName := c.Query("event_name")
		fromStr := c.Query("from")
		toStr := c.Query("to")

		// Required query params per contract.
		if eventName == "" || fromStr == "" || toStr == "" {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "event_name, from, to are required"})
			return
		}

		from, err := parseRFC3339(fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "from must be RFC3339"})
			return
		}
		to, err := parseRFC3339(toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "to must be RFC3339"})
			return
		}

		// Validate window to avoid confusing results.
		if !from.Before(to) {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "from must be < to"})
			return
		}

		count, err := st.CountEvents(c.Request.Context(), project.ID, eventName, from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "db query failed"})
			return
		}

		c.JSON(http.StatusOK, models.CountResponse{
			EventName: eventName,
			From:      from,
			To:        to,
			Count:     count,
		})
	})
}
