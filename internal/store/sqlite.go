package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// sqliteTime is fixed width so that text comparison orders timestamps.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		api_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS visitors (
		id TEXT PRIMARY KEY,
		visitor_id TEXT NOT NULL UNIQUE,
		project_id TEXT NOT NULL REFERENCES projects(id),
		fingerprint TEXT,
		user_id TEXT,
		user_traits TEXT,
		initial_referrer TEXT NOT NULL DEFAULT 'direct',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS visitors_project_idx ON visitors(project_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		visitor_id TEXT NOT NULL REFERENCES visitors(id),
		event_type TEXT NOT NULL,
		event_name TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		session_id TEXT NOT NULL,
		user_id TEXT,
		page_url TEXT NOT NULL,
		page_title TEXT,
		referrer TEXT,
		user_agent TEXT,
		ts TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_project_ts_idx ON events(project_id, ts)`,
	`CREATE INDEX IF NOT EXISTS events_visitor_idx ON events(visitor_id)`,
	`CREATE TABLE IF NOT EXISTS event_batches (
		batch_id TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects(id),
		event_count INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT,
		PRIMARY KEY (project_id, batch_id)
	)`,
}

// SQLiteStore persists to a single SQLite file. It is suitable for
// single-process use; path ":memory:" gives a throwaway database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// docArg stores JSON as TEXT and keeps nil as NULL.
func docArg(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) UpsertProject(ctx context.Context, name, apiKey string) (Project, error) {
	var (
		pr      Project
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects(id, name, api_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(api_key) DO UPDATE SET name = excluded.name
		RETURNING id, name, api_key, created_at
	`, uuid.NewString(), name, apiKey, fmtTime(time.Now())).Scan(&pr.ID, &pr.Name, &pr.APIKey, &created)
	if err != nil {
		return Project{}, fmt.Errorf("upsert project: %w", err)
	}
	if pr.CreatedAt, err = parseTime(created); err != nil {
		return Project{}, err
	}
	return pr, nil
}

func (s *SQLiteStore) ProjectByAPIKey(ctx context.Context, apiKey string) (Project, error) {
	var (
		pr      Project
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key, created_at FROM projects WHERE api_key = ?
	`, apiKey).Scan(&pr.ID, &pr.Name, &pr.APIKey, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("load project: %w", err)
	}
	if pr.CreatedAt, err = parseTime(created); err != nil {
		return Project{}, err
	}
	return pr, nil
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, b EventBatch) (bool, error) {
	if b.Status == "" {
		b.Status = BatchPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_batches(batch_id, project_id, event_count, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, batch_id) DO NOTHING
	`, b.BatchID, b.ProjectID, b.EventCount, string(b.Status), fmtTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("create batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create batch: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) FinishBatch(ctx context.Context, projectID, batchID string, status BatchStatus, errText *string, processedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_batches SET status = ?, error = ?, processed_at = ?
		WHERE project_id = ? AND batch_id = ?
	`, string(status), errText, fmtTime(processedAt), projectID, batchID)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) BatchByID(ctx context.Context, projectID, batchID string) (EventBatch, error) {
	var (
		b         EventBatch
		status    string
		created   string
		processed sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_id, project_id, event_count, status, error, created_at, processed_at
		FROM event_batches WHERE project_id = ? AND batch_id = ?
	`, projectID, batchID).Scan(&b.BatchID, &b.ProjectID, &b.EventCount, &status, &b.Error, &created, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return EventBatch{}, ErrNotFound
	}
	if err != nil {
		return EventBatch{}, fmt.Errorf("load batch: %w", err)
	}
	b.Status = BatchStatus(status)
	if b.CreatedAt, err = parseTime(created); err != nil {
		return EventBatch{}, err
	}
	if processed.Valid {
		t, err := parseTime(processed.String)
		if err != nil {
			return EventBatch{}, err
		}
		b.ProcessedAt = &t
	}
	return b, nil
}

const sqliteVisitorColumns = `id, visitor_id, project_id, fingerprint, user_id, user_traits, initial_referrer, first_seen, last_seen`

func scanSQLiteVisitor(row *sql.Row) (Visitor, error) {
	var (
		v                   Visitor
		traits              sql.NullString
		firstSeen, lastSeen string
	)
	if err := row.Scan(&v.ID, &v.VisitorID, &v.ProjectID, &v.Fingerprint, &v.UserID, &traits,
		&v.InitialReferrer, &firstSeen, &lastSeen); err != nil {
		return Visitor{}, err
	}
	var err error
	if traits.Valid {
		if v.UserTraits, err = decodeDoc([]byte(traits.String)); err != nil {
			return Visitor{}, err
		}
	}
	if v.FirstSeen, err = parseTime(firstSeen); err != nil {
		return Visitor{}, err
	}
	if v.LastSeen, err = parseTime(lastSeen); err != nil {
		return Visitor{}, err
	}
	return v, nil
}

func (s *SQLiteStore) VisitorByVisitorID(ctx context.Context, visitorID string) (Visitor, error) {
	v, err := scanSQLiteVisitor(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVisitorColumns+` FROM visitors WHERE visitor_id = ?`, visitorID))
	if errors.Is(err, sql.ErrNoRows) {
		return Visitor{}, ErrNotFound
	}
	if err != nil {
		return Visitor{}, fmt.Errorf("load visitor: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) CreateVisitor(ctx context.Context, v Visitor) (Visitor, bool, error) {
	traits, err := encodeDoc(v.UserTraits, false)
	if err != nil {
		return Visitor{}, false, err
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO visitors(id, visitor_id, project_id, fingerprint, user_id, user_traits, initial_referrer, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(visitor_id) DO NOTHING
	`, v.ID, v.VisitorID, v.ProjectID, v.Fingerprint, v.UserID, docArg(traits), v.InitialReferrer,
		fmtTime(v.FirstSeen), fmtTime(v.LastSeen))
	if err != nil {
		return Visitor{}, false, fmt.Errorf("create visitor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Visitor{}, false, fmt.Errorf("create visitor: %w", err)
	}

	stored, err := s.VisitorByVisitorID(ctx, v.VisitorID)
	if err != nil {
		return Visitor{}, false, err
	}
	return stored, n == 1, nil
}

func (s *SQLiteStore) MergeVisitorIdentity(ctx context.Context, visitorRowID string, u IdentityUpdate) error {
	traits, err := encodeDoc(u.Traits, false)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE visitors
		SET user_id = COALESCE(?, user_id),
		    user_traits = COALESCE(?, user_traits),
		    last_seen = ?
		WHERE id = ?
	`, u.UserID, docArg(traits), fmtTime(u.LastSeen), visitorRowID)
	if err != nil {
		return fmt.Errorf("merge visitor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, e Event) error {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(id, project_id, visitor_id, event_type, event_name, properties,
			session_id, user_id, page_url, page_title, referrer, user_agent, ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.VisitorRowID, e.EventType, e.EventName, string(props),
		e.SessionID, e.UserID, e.PageURL, e.PageTitle, e.Referrer, e.UserAgent,
		fmtTime(e.Timestamp), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func sqliteBind(int) string { return "?" }

func sqliteTimeArg(t time.Time) any { return fmtTime(t) }

func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]EventRecord, int64, error) {
	where, args := eventFilter(q, sqliteBind, sqliteTimeArg)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events e `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.project_id, e.visitor_id, e.event_type, e.event_name, e.properties,
		       e.session_id, e.user_id, e.page_url, e.page_title, e.referrer, e.user_agent,
		       e.ts, e.created_at, v.visitor_id, v.user_id
		FROM events e
		JOIN visitors v ON v.id = e.visitor_id
		`+where+`
		ORDER BY e.ts DESC, e.id
		LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r           EventRecord
			props       string
			ts, created string
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.VisitorRowID, &r.EventType, &r.EventName, &props,
			&r.SessionID, &r.UserID, &r.PageURL, &r.PageTitle, &r.Referrer, &r.UserAgent,
			&ts, &created, &r.VisitorID, &r.VisitorUserID); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		if r.Properties, err = decodeDoc([]byte(props)); err != nil {
			return nil, 0, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) CountEvents(ctx context.Context, projectID, eventName string, from, to time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM events
		WHERE project_id = ?
		  AND event_name = ?
		  AND ts >= ?
		  AND ts <  ?
	`, projectID, eventName, fmtTime(from), fmtTime(to)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}
