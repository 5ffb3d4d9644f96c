// Package store persists projects, visitors, events and batch audit records.
//
// Two implementations exist: PostgresStore for deployments and SQLiteStore
// for local runs and tests. Both rely on single-statement atomicity only;
// nothing here opens a transaction spanning a whole batch.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Project owns an API key. Events, visitors and batches belong to a project.
type Project struct {
	ID        string
	Name      string
	APIKey    string
	CreatedAt time.Time
}

// Visitor is a durably identified browser context. VisitorID is the client
// generated identifier; ID is the row key events point at.
type Visitor struct {
	ID              string
	VisitorID       string
	ProjectID       string
	Fingerprint     *string
	UserID          *string
	UserTraits      map[string]any
	InitialReferrer string
	FirstSeen       time.Time
	LastSeen        time.Time
}

// Event is one persisted tracking event.
type Event struct {
	ID           string
	ProjectID    string
	VisitorRowID string
	EventType    string
	EventName    string
	Properties   map[string]any
	SessionID    string
	UserID       *string
	PageURL      string
	PageTitle    *string
	Referrer     *string
	UserAgent    *string
	Timestamp    time.Time
	CreatedAt    time.Time
}

// EventRecord is an Event joined with the identity of its visitor.
type EventRecord struct {
	Event
	VisitorID     string
	VisitorUserID *string
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchProcessed BatchStatus = "processed"
	BatchFailed    BatchStatus = "failed"
)

// EventBatch is the audit record of one ingested batch.
type EventBatch struct {
	BatchID     string
	ProjectID   string
	EventCount  int
	Status      BatchStatus
	Error       *string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// EventQuery filters ListEvents. From and To are inclusive; zero values
// leave that side open.
type EventQuery struct {
	ProjectID string
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// IdentityUpdate carries the identity fields an event brings for an
// existing visitor. Nil fields leave the stored value untouched.
type IdentityUpdate struct {
	UserID   *string
	Traits   map[string]any
	LastSeen time.Time
}

// Empty reports whether the update carries no identity at all.
func (u IdentityUpdate) Empty() bool {
	return (u.UserID == nil || *u.UserID == "") && len(u.Traits) == 0
}

// Store is the persistence contract of the ingestion service and the query
// handlers.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()

	UpsertProject(ctx context.Context, name, apiKey string) (Project, error)
	ProjectByAPIKey(ctx context.Context, apiKey string) (Project, error)

	// CreateBatch records a pending batch. inserted is false when the
	// project already recorded the batch id. Batch ids are scoped to a
	// project; the same id under another project is a different batch.
	CreateBatch(ctx context.Context, b EventBatch) (inserted bool, err error)
	FinishBatch(ctx context.Context, projectID, batchID string, status BatchStatus, errText *string, processedAt time.Time) error
	BatchByID(ctx context.Context, projectID, batchID string) (EventBatch, error)

	VisitorByVisitorID(ctx context.Context, visitorID string) (Visitor, error)
	// CreateVisitor inserts v unless its VisitorID already exists, in which
	// case the existing row is returned with created=false.
	CreateVisitor(ctx context.Context, v Visitor) (visitor Visitor, created bool, err error)
	// MergeVisitorIdentity applies u in a single statement. Fields absent
	// from u keep their stored values.
	MergeVisitorIdentity(ctx context.Context, visitorRowID string, u IdentityUpdate) error

	InsertEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]EventRecord, int64, error)
	// CountEvents counts a project's events named eventName in [from,to).
	CountEvents(ctx context.Context, projectID, eventName string, from, to time.Time) (int64, error)
}
