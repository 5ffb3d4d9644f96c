package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable persistence layer.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// UpsertProject creates the project for apiKey or renames the existing one.
func (p *PostgresStore) UpsertProject(ctx context.Context, name, apiKey string) (Project, error) {
	var pr Project
	err := p.pool.QueryRow(ctx, `
		INSERT INTO projects(id, name, api_key)
		VALUES ($1,$2,$3)
		ON CONFLICT (api_key) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, api_key, created_at
	`, uuid.NewString(), name, apiKey).Scan(&pr.ID, &pr.Name, &pr.APIKey, &pr.CreatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("upsert project: %w", err)
	}
	return pr, nil
}

func (p *PostgresStore) ProjectByAPIKey(ctx context.Context, apiKey string) (Project, error) {
	var pr Project
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, api_key, created_at FROM projects WHERE api_key=$1
	`, apiKey).Scan(&pr.ID, &pr.Name, &pr.APIKey, &pr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("load project: %w", err)
	}
	return pr, nil
}

// CreateBatch records a pending batch and returns inserted=false when the
// project already recorded the batch id.
func (p *PostgresStore) CreateBatch(ctx context.Context, b EventBatch) (bool, error) {
	if b.Status == "" {
		b.Status = BatchPending
	}

	// RETURNING 1 only when inserted; duplicates return no rows.
	var one int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO event_batches(batch_id, project_id, event_count, status)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (project_id, batch_id) DO NOTHING
		RETURNING 1
	`, b.BatchID, b.ProjectID, b.EventCount, string(b.Status)).Scan(&one)

	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("create batch: %w", err)
}

func (p *PostgresStore) FinishBatch(ctx context.Context, projectID, batchID string, status BatchStatus, errText *string, processedAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE event_batches SET status=$3, error=$4, processed_at=$5
		WHERE project_id=$1 AND batch_id=$2
	`, projectID, batchID, string(status), errText, processedAt)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) BatchByID(ctx context.Context, projectID, batchID string) (EventBatch, error) {
	var (
		b      EventBatch
		status string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT batch_id, project_id, event_count, status, error, created_at, processed_at
		FROM event_batches WHERE project_id=$1 AND batch_id=$2
	`, projectID, batchID).Scan(&b.BatchID, &b.ProjectID, &b.EventCount, &status, &b.Error, &b.CreatedAt, &b.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return EventBatch{}, ErrNotFound
	}
	if err != nil {
		return EventBatch{}, fmt.Errorf("load batch: %w", err)
	}
	b.Status = BatchStatus(status)
	return b, nil
}

const pgVisitorColumns = `id, visitor_id, project_id, fingerprint, user_id, user_traits, initial_referrer, first_seen, last_seen`

func scanPgVisitor(row pgx.Row) (Visitor, error) {
	var (
		v      Visitor
		traits []byte
	)
	if err := row.Scan(&v.ID, &v.VisitorID, &v.ProjectID, &v.Fingerprint, &v.UserID, &traits,
		&v.InitialReferrer, &v.FirstSeen, &v.LastSeen); err != nil {
		return Visitor{}, err
	}
	doc, err := decodeDoc(traits)
	if err != nil {
		return Visitor{}, err
	}
	v.UserTraits = doc
	return v, nil
}

func (p *PostgresStore) VisitorByVisitorID(ctx context.Context, visitorID string) (Visitor, error) {
	v, err := scanPgVisitor(p.pool.QueryRow(ctx,
		`SELECT `+pgVisitorColumns+` FROM visitors WHERE visitor_id=$1`, visitorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Visitor{}, ErrNotFound
	}
	if err != nil {
		return Visitor{}, fmt.Errorf("load visitor: %w", err)
	}
	return v, nil
}

// CreateVisitor relies on the unique visitor_id constraint: when two ingests
// race to create the same visitor, the loser reads back the winner's row.
func (p *PostgresStore) CreateVisitor(ctx context.Context, v Visitor) (Visitor, bool, error) {
	traits, err := encodeDoc(v.UserTraits, false)
	if err != nil {
		return Visitor{}, false, err
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	created, err := scanPgVisitor(p.pool.QueryRow(ctx, `
		INSERT INTO visitors(id, visitor_id, project_id, fingerprint, user_id, user_traits, initial_referrer, first_seen, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (visitor_id) DO NOTHING
		RETURNING `+pgVisitorColumns,
		v.ID, v.VisitorID, v.ProjectID, v.Fingerprint, v.UserID, traits, v.InitialReferrer, v.FirstSeen, v.LastSeen))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Visitor{}, false, fmt.Errorf("create visitor: %w", err)
	}

	existing, err := p.VisitorByVisitorID(ctx, v.VisitorID)
	if err != nil {
		return Visitor{}, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) MergeVisitorIdentity(ctx context.Context, visitorRowID string, u IdentityUpdate) error {
	traits, err := encodeDoc(u.Traits, false)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE visitors
		SET user_id = COALESCE($2, user_id),
		    user_traits = COALESCE($3::jsonb, user_traits),
		    last_seen = $4
		WHERE id = $1
	`, visitorRowID, u.UserID, traits, u.LastSeen)
	if err != nil {
		return fmt.Errorf("merge visitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertEvent persists an event bound to a visitor row.
func (p *PostgresStore) InsertEvent(ctx context.Context, e Event) error {
	if e.ProjectID == "" || e.VisitorRowID == "" || e.EventName == "" {
		return errors.New("projectID/visitorRowID/eventName required")
	}
	props, err := encodeDoc(e.Properties, true)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO events(id, project_id, visitor_id, event_type, event_name, properties,
			session_id, user_id, page_url, page_title, referrer, user_agent, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.ID, e.ProjectID, e.VisitorRowID, e.EventType, e.EventName, props,
		e.SessionID, e.UserID, e.PageURL, e.PageTitle, e.Referrer, e.UserAgent, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func pgBind(n int) string { return "$" + strconv.Itoa(n) }

func pgTime(t time.Time) any { return t }

// ListEvents returns one page of events, newest first, and the total number
// of events matching q.
func (p *PostgresStore) ListEvents(ctx context.Context, q EventQuery) ([]EventRecord, int64, error) {
	where, args := eventFilter(q, pgBind, pgTime)

	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events e `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	n := len(args)
	rows, err := p.pool.Query(ctx, `
		SELECT e.id, e.project_id, e.visitor_id, e.event_type, e.event_name, e.properties,
		       e.session_id, e.user_id, e.page_url, e.page_title, e.referrer, e.user_agent,
		       e.ts, e.created_at, v.visitor_id, v.user_id
		FROM events e
		JOIN visitors v ON v.id = e.visitor_id
		`+where+`
		ORDER BY e.ts DESC, e.id
		LIMIT `+pgBind(n+1)+` OFFSET `+pgBind(n+2),
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r     EventRecord
			props []byte
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.VisitorRowID, &r.EventType, &r.EventName, &props,
			&r.SessionID, &r.UserID, &r.PageURL, &r.PageTitle, &r.Referrer, &r.UserAgent,
			&r.Timestamp, &r.CreatedAt, &r.VisitorID, &r.VisitorUserID); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		if r.Properties, err = decodeDoc(props); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}
	return out, total, nil
}

// CountEvents returns the number of events for (projectID, eventName) in the time window [from,to).
// Using a half-open interval avoids double counting at window boundaries.
func (p *PostgresStore) CountEvents(ctx context.Context, projectID, eventName string, from, to time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM events
		WHERE project_id=$1
		  AND event_name=$2
		  AND ts >= $3
		  AND ts <  $4
	`, projectID, eventName, from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}
