package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

// Batch outcomes used as the "outcome" label of BatchesIngested.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// EventCustom is the "event" label shared by every non-reserved event name.
const EventCustom = "custom"

// EventLabel maps an event name to a bounded label value. Event names come
// from public clients, so only the reserved names keep their own series.
func EventLabel(name string) string {
	switch name {
	case analytics.EventScriptInit, analytics.EventPageView, analytics.EventClick,
		analytics.EventEmailEntered, analytics.EventIdentify:
		return name
	}
	return EventCustom
}

var (
	BatchesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_batches_ingested_total",
		Help: "Total number of event batches received, labelled by outcome.",
	}, []string{"outcome"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_events_processed_total",
		Help: "Total number of events persisted, labelled by reserved event name or \"custom\".",
	}, []string{"event"})

	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surface_events_failed_total",
		Help: "Total number of events that failed processing.",
	})

	VisitorsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surface_visitors_created_total",
		Help: "Total number of visitors seen for the first time.",
	})

	BatchProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surface_batch_processing_duration_ms",
		Help:    "Batch ingestion latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surface_http_requests_total",
		Help: "Total number of HTTP requests, labelled by route and status code.",
	}, []string{"route", "code"})
)
