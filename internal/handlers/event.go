package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/surface-analytics/internal/auth"
	"github.com/PratikDhanave/surface-analytics/internal/models"
	"github.com/PratikDhanave/surface-analytics/internal/store"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

// EventLister is the read side of the store used by the dashboard endpoints.
type EventLister interface {
	ListEvents(ctx context.Context, q store.EventQuery) ([]store.EventRecord, int64, error)
	CountEvents(ctx context.Context, projectID, eventName string, from, to time.Time) (int64, error)
}

// RegisterEventRoutes registers the event listing endpoint.
//
// GET /api/analytics/events?event_type=&start_date=&end_date=&limit=&offset=
// - Requires an API key (auth middleware)
// - Newest first; start_date and end_date are inclusive
func RegisterEventRoutes(r gin.IRoutes, st EventLister) {
	UseJSONFieldNames()

	r.GET("/api/analytics/events", func(c *gin.Context) {
		project, ok := auth.Project(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"})
			return
		}

		var q models.EventsQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			details := any(err.Error())
			if fields, ok := FieldErrors(err); ok {
				details = gin.H{"fields": fields}
			}
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid query parameters", Details: details})
			return
		}
		limit := q.PageLimit()

		query := store.EventQuery{
			ProjectID: project.ID,
			EventType: q.EventType,
			Limit:     limit,
			Offset:    q.Offset,
		}
		// Both dates already passed validation.
		if q.StartDate != "" {
			query.From, _ = analytics.ParseTimestamp(q.StartDate)
		}
		if q.EndDate != "" {
			query.To, _ = analytics.ParseTimestamp(q.EndDate)
		}

		recs, total, err := st.ListEvents(c.Request.Context(), query)
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "list events failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"})
			return
		}

		events := make([]models.EventResponse, 0, len(recs))
		for _, r := range recs {
			events = append(events, models.NewEventResponse(r))
		}
		c.JSON(http.StatusOK, models.EventsResponse{
			Events: events,
			Pagination: models.Pagination{
				Total:   total,
				Limit:   limit,
				Offset:  q.Offset,
				HasMore: hasMore(q.Offset, limit, total),
			},
		})
	})
}

// hasMore reports offset+limit < total without overflowing on huge offsets.
func hasMore(offset, limit int, total int64) bool {
	return int64(offset) < total-int64(limit)
}
