package models

import (
	"time"

	"github.com/PratikDhanave/surface-analytics/internal/store"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// IngestResponse is returned by POST /api/analytics/ingest when some events
// of an otherwise valid batch failed. A fully processed batch gets 204.
type IngestResponse struct {
	BatchID        string `json:"batch_id"`
	ProcessedCount int    `json:"processedCount"`
	FailedCount    int    `json:"failedCount"`
}

// EventsQuery is the query string of GET /api/analytics/events.
type EventsQuery struct {
	EventType string `form:"event_type"`
	Limit     *int   `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// DefaultLimit applies when EventsQuery.Limit is not given.
const DefaultLimit = 50

// PageLimit returns the requested limit, or DefaultLimit when absent.
func (q EventsQuery) PageLimit() int {
	if q.Limit == nil {
		return DefaultLimit
	}
	return *q.Limit
}

type EventMetadata struct {
	UserAgent *string `json:"user_agent"`
	Referrer  *string `json:"referrer"`
}

// EventResponse is one event of the query endpoint, joined with its visitor.
type EventResponse struct {
	ID         string         `json:"id"`
	Event      string         `json:"event"`
	EventName  string         `json:"event_name"`
	VisitorID  string         `json:"visitor_id"`
	UserID     *string        `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Properties map[string]any `json:"properties"`
	PageURL    string         `json:"page_url"`
	PageTitle  *string        `json:"page_title"`
	Timestamp  string         `json:"timestamp"`
	Metadata   EventMetadata  `json:"metadata"`
}

type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

type EventsResponse struct {
	Events     []EventResponse `json:"events"`
	Pagination Pagination      `json:"pagination"`
}

// NewEventResponse renders a stored event. The user id is the visitor's,
// which reflects later identify calls.
func NewEventResponse(r store.EventRecord) EventResponse {
	props := r.Properties
	if props == nil {
		props = map[string]any{}
	}
	return EventResponse{
		ID:         r.ID,
		Event:      r.EventType,
		EventName:  r.EventName,
		VisitorID:  r.VisitorID,
		UserID:     r.VisitorUserID,
		SessionID:  r.SessionID,
		Properties: props,
		PageURL:    r.PageURL,
		PageTitle:  r.PageTitle,
		Timestamp:  analytics.FormatTimestamp(r.Timestamp),
		Metadata:   EventMetadata{UserAgent: r.UserAgent, Referrer: r.Referrer},
	}
}

// CountResponse is returned by GET /api/analytics/metrics.
type CountResponse struct {
	EventName string    `json:"event_name"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Count     int64     `json:"count"`
}
