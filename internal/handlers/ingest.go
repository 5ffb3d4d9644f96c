package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/surface-analytics/internal/ingest"
	"github.com/PratikDhanave/surface-analytics/internal/metrics"
	"github.com/PratikDhanave/surface-analytics/internal/models"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

// BatchProcessor is the ingestion service as seen by the handler.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, apiKey string, events []analytics.Event, batchID string) (ingest.Result, error)
}

// RegisterIngestRoutes registers the collector endpoint.
//
// POST /api/analytics/ingest
// - Body is a Batch; the API key travels inside it
// - 400 with field details when the batch is malformed, nothing persisted
// - 401 when the key is unknown
// - 204 when every event was stored, or when the batch id was already seen
// - 200 with counts when some events failed; the reasons go to the batch audit record
func RegisterIngestRoutes(r gin.IRoutes, svc BatchProcessor) {
	UseJSONFieldNames()

	r.POST(analytics.APIEndpoint, func(c *gin.Context) {
		var batch analytics.Batch
		if err := c.ShouldBindJSON(&batch); err != nil {
			metrics.BatchesIngested.WithLabelValues(metrics.OutcomeRejected).Inc()
			if fields, ok := FieldErrors(err); ok {
				c.JSON(http.StatusBadRequest, models.ErrorResponse{
					Error:   "Invalid request body",
					Details: gin.H{"fields": fields},
				})
				return
			}
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "Invalid request body",
				Details: gin.H{"body": err.Error()},
			})
			return
		}

		res, err := svc.ProcessBatch(c.Request.Context(), batch.APIKey, batch.Events, batch.BatchID)
		if errors.Is(err, ingest.ErrInvalidAPIKey) {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid API key"})
			return
		}
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "ingest failed",
				slog.String("batch_id", batch.BatchID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"})
			return
		}

		if res.Success {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, models.IngestResponse{
			BatchID:        batch.BatchID,
			ProcessedCount: res.ProcessedCount,
			FailedCount:    len(res.Errors),
		})
	})

	// CORS preflight; headers are set by the CORS middleware.
	r.OPTIONS(analytics.APIEndpoint, func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}
