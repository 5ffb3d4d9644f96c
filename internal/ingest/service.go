// Package ingest turns validated event batches into visitors, events and a
// batch audit record.
//
// Events of a batch are processed sequentially in array order and
// independently: one failing event is recorded and the rest continue. There
// is no transaction around the batch. Visitor updates are single UPDATE
// statements that only ever fill fields in, so two requests racing on the
// same visitor end with whichever statement ran last, and neither can erase
// identity the other recorded.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PratikDhanave/surface-analytics/internal/metrics"
	"github.com/PratikDhanave/surface-analytics/internal/store"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

var tracer = otel.Tracer("surface-analytics/ingest")

// ErrInvalidAPIKey is returned when the batch's API key matches no project.
var ErrInvalidAPIKey = errors.New("invalid API key")

var errVisitorRequired = errors.New("visitor_id is required")

// Placeholders stored for missing event context.
const (
	unknown       = "unknown"
	directReferer = "direct"
)

// EventError describes one event that could not be processed.
type EventError struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (e EventError) Error() string {
	return fmt.Sprintf("Event %s: %s", e.Event, e.Message)
}

// Result summarizes a processed batch. Success is true only when every
// event was persisted.
type Result struct {
	Success        bool
	Duplicate      bool
	ProcessedCount int
	Errors         []EventError
}

// Service processes event batches against a Store.
type Service struct {
	store  store.Store
	clock  quartz.Clock
	logger *slog.Logger
}

type Option func(*Service)

func WithClock(c quartz.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, clock: quartz.NewReal(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessBatch authenticates apiKey, records the batch as pending, processes
// each event and finally stamps the batch processed or failed.
//
// A batch id that was already recorded is acknowledged with Duplicate set and
// nothing is reprocessed. Returned errors are request level: ErrInvalidAPIKey
// or a storage failure outside per-event processing. Per-event failures are
// reported in Result.Errors only.
func (s *Service) ProcessBatch(ctx context.Context, apiKey string, events []analytics.Event, batchID string) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "ingest.ProcessBatch",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.Int("batch.events", len(events)),
		),
	)
	start := s.clock.Now()
	defer func() {
		metrics.BatchProcessingDuration.Observe(float64(s.clock.Since(start).Milliseconds()))
		endSpan(span, err)
	}()

	project, err := s.store.ProjectByAPIKey(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		metrics.BatchesIngested.WithLabelValues(metrics.OutcomeRejected).Inc()
		return Result{}, ErrInvalidAPIKey
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve project: %w", err)
	}
	span.SetAttributes(attribute.String("project.id", project.ID))

	inserted, err := s.store.CreateBatch(ctx, store.EventBatch{
		BatchID:    batchID,
		ProjectID:  project.ID,
		EventCount: len(events),
		Status:     store.BatchPending,
	})
	if err != nil {
		return Result{}, fmt.Errorf("record batch: %w", err)
	}
	if !inserted {
		metrics.BatchesIngested.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		s.logger.Info("duplicate batch ignored", slog.String("batch_id", batchID))
		return Result{Success: true, Duplicate: true}, nil
	}

	for _, ev := range events {
		if perr := s.processEvent(ctx, project.ID, ev); perr != nil {
			res.Errors = append(res.Errors, EventError{Event: ev.Name, Message: perr.Error()})
			metrics.EventsFailed.Inc()
			s.logger.Warn("event processing failed",
				slog.String("batch_id", batchID),
				slog.String("event", ev.Name),
				slog.String("error", perr.Error()),
			)
			continue
		}
		res.ProcessedCount++
		metrics.EventsProcessed.WithLabelValues(metrics.EventLabel(ev.Name)).Inc()
	}
	res.Success = len(res.Errors) == 0

	status := store.BatchProcessed
	var errText *string
	if !res.Success {
		status = store.BatchFailed
		msgs := make([]string, len(res.Errors))
		for i, e := range res.Errors {
			msgs[i] = e.Error()
		}
		joined := strings.Join(msgs, "; ")
		errText = &joined
	}
	metrics.BatchesIngested.WithLabelValues(string(status)).Inc()

	if err := s.store.FinishBatch(ctx, project.ID, batchID, status, errText, s.clock.Now()); err != nil {
		return res, fmt.Errorf("finish batch: %w", err)
	}

	s.logger.Info("batch ingested",
		slog.String("batch_id", batchID),
		slog.String("project_id", project.ID),
		slog.Int("events", len(events)),
		slog.Int("processed", res.ProcessedCount),
		slog.Int("failed", len(res.Errors)),
	)
	return res, nil
}

func (s *Service) processEvent(ctx context.Context, projectID string, ev analytics.Event) (err error) {
	ctx, span := tracer.Start(ctx, "ingest.event",
		trace.WithAttributes(
			attribute.String("event.name", ev.Name),
			attribute.String("visitor.id", ev.VisitorID),
		),
	)
	defer func() { endSpan(span, err) }()

	if ev.VisitorID == "" {
		return errVisitorRequired
	}

	visitor, err := s.resolveVisitor(ctx, projectID, ev)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	ts := now
	if ev.Timestamp != "" {
		if parsed, perr := analytics.ParseTimestamp(ev.Timestamp); perr == nil {
			ts = parsed
		}
	}

	return s.store.InsertEvent(ctx, store.Event{
		ProjectID:    projectID,
		VisitorRowID: visitor.ID,
		EventType:    ev.Name,
		EventName:    ev.Name,
		Properties:   ev.Properties,
		SessionID:    orDefault(ev.SessionID, unknown),
		UserID:       nonEmpty(ev.UserID),
		PageURL:      orDefault(ev.PageURL, unknown),
		PageTitle:    analytics.StringPtr(ev.PageTitle),
		Referrer:     analytics.StringPtr(ev.Properties.String("referrer")),
		UserAgent:    analytics.StringPtr(ev.Properties.String("user_agent")),
		Timestamp:    ts,
	})
}

// resolveVisitor returns the visitor row for ev, creating it on first sight
// and otherwise merging the identity ev carries.
func (s *Service) resolveVisitor(ctx context.Context, projectID string, ev analytics.Event) (store.Visitor, error) {
	now := s.clock.Now()
	update := identityOf(ev, now)

	visitor, err := s.store.VisitorByVisitorID(ctx, ev.VisitorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		var created bool
		visitor, created, err = s.store.CreateVisitor(ctx, store.Visitor{
			VisitorID:       ev.VisitorID,
			ProjectID:       projectID,
			Fingerprint:     fingerprintOf(ev.VisitorID),
			UserID:          update.UserID,
			UserTraits:      update.Traits,
			InitialReferrer: initialReferrer(ev.Properties),
			FirstSeen:       now,
			LastSeen:        now,
		})
		if err != nil {
			return store.Visitor{}, err
		}
		if created {
			metrics.VisitorsCreated.Inc()
			return visitor, nil
		}
		// Lost a creation race; fall through to a merge against the winner.
	case err != nil:
		return store.Visitor{}, err
	}

	if update.Empty() {
		return visitor, nil
	}
	if err := s.store.MergeVisitorIdentity(ctx, visitor.ID, update); err != nil {
		return store.Visitor{}, err
	}
	return visitor, nil
}

// identityOf extracts the identity fields an event carries. Empty values are
// dropped so they never overwrite stored ones.
func identityOf(ev analytics.Event, now time.Time) store.IdentityUpdate {
	u := store.IdentityUpdate{UserID: nonEmpty(ev.UserID), LastSeen: now}
	if traits := ev.Properties.Map("traits"); len(traits) > 0 {
		u.Traits = traits
	}
	return u
}

// fingerprintOf returns the fingerprint suffix of a vis_<uuid>_<fp> id.
func fingerprintOf(visitorID string) *string {
	parts := strings.Split(visitorID, "_")
	if len(parts) < 3 || parts[2] == "" {
		return nil
	}
	return &parts[2]
}

func initialReferrer(p analytics.Properties) string {
	if r := p.String("referrer"); r != "" {
		return r
	}
	if r := p.String("initial_referrer"); r != "" {
		return r
	}
	return directReferer
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
