// Package analytics holds the event and batch schema shared by the browser
// agent and the ingestion server.
package analytics

import (
	"time"

	"github.com/google/uuid"
)

// Reserved event names. Any other non-empty string is a custom event.
const (
	EventScriptInit   = "script_init"
	EventPageView     = "page_view"
	EventClick        = "click"
	EventEmailEntered = "email_entered"
	EventIdentify     = "identify"
)

// Agent defaults.
const (
	Version        = "1.0.0"
	APIEndpoint    = "/api/analytics/ingest"
	BatchSize      = 10
	FlushInterval  = 5 * time.Second
	MaxQueueSize   = 100
	CookieDuration = 365 * 24 * time.Hour
)

// TimestampLayout is the ISO-8601 form used for event timestamps and sent_at.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Properties is the open-ended JSON document attached to an event.
type Properties map[string]any

// String returns the value under key when it is a non-empty string.
func (p Properties) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// Map returns the value under key when it is a JSON object.
func (p Properties) Map(key string) map[string]any {
	if p == nil {
		return nil
	}
	switch v := p[key].(type) {
	case map[string]any:
		return v
	case Properties:
		return v
	}
	return nil
}

// Event is a single tracked event. The enrichment fields are attached by the
// agent at call time; raw events from trackers only carry Name and Properties.
type Event struct {
	Name       string     `json:"event" binding:"required"`
	Properties Properties `json:"properties" binding:"required"`
	VisitorID  string     `json:"visitor_id,omitempty"`
	UserID     *string    `json:"user_id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Timestamp  string     `json:"timestamp,omitempty" binding:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	APIKey     string     `json:"api_key,omitempty"`
	PageURL    string     `json:"page_url,omitempty" binding:"omitempty,url"`
	PageTitle  string     `json:"page_title,omitempty"`
}

// Batch is an immutable, ordered group of enriched events.
type Batch struct {
	APIKey  string  `json:"api_key" binding:"required"`
	Events  []Event `json:"events" binding:"required,min=1,max=100,dive"`
	BatchID string  `json:"batch_id" binding:"required,uuid"`
	SentAt  string  `json:"sent_at" binding:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

// NewBatch builds a batch over events with a fresh batch id. The events slice
// is owned by the batch from here on; callers must not append to it.
func NewBatch(apiKey string, events []Event, now time.Time) Batch {
	return Batch{
		APIKey:  apiKey,
		Events:  events,
		BatchID: uuid.NewString(),
		SentAt:  FormatTimestamp(now),
	}
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts any RFC 3339 timestamp, with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
