// Package identity derives the long-lived visitor id and the per-session id
// without any server round-trip.
//
// Every storage failure is treated as "value absent". When no store works
// the ids still exist, they just live in memory for this page load.
package identity

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

// Resolver produces the visitor id and holds the explicit user id.
type Resolver struct {
	durable Store
	cookie  Store
	env     EnvironmentInfoProvider
	logger  *slog.Logger

	mu        sync.Mutex
	visitorID string
	userID    string
}

// NewResolver reads and writes identity through durable (primary) and cookie
// (secondary). Either may be nil.
func NewResolver(durable, cookie Store, env EnvironmentInfoProvider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{durable: durable, cookie: cookie, env: env, logger: logger}
}

// VisitorID returns the stable visitor id, creating and persisting one on
// first use. The format is vis_<uuid>_<fingerprint>.
func (r *Resolver) VisitorID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.visitorID != "" {
		return r.visitorID
	}

	fromDurable := get(r.durable, KeyVisitorID)
	fromCookie := get(r.cookie, KeyVisitorID)
	switch {
	case fromDurable != "":
		r.visitorID = fromDurable
	case fromCookie != "":
		r.visitorID = fromCookie
	default:
		r.visitorID = NewVisitorID(r.environment())
	}

	// Rewrite whichever store lost it so clearing one mechanism alone never
	// loses the identity.
	if fromDurable == "" || fromCookie == "" {
		r.persist(r.visitorID)
	}
	return r.visitorID
}

func (r *Resolver) persist(id string) {
	okDurable := set(r.durable, KeyVisitorID, id, analytics.CookieDuration)
	okCookie := set(r.cookie, KeyVisitorID, id, analytics.CookieDuration)
	if !okDurable && !okCookie {
		r.logger.Debug("visitor id kept in memory only", slog.String("visitor_id", id))
	}
}

func (r *Resolver) environment() Environment {
	if r.env == nil {
		return Environment{}
	}
	return r.env.Environment()
}

// UserID returns the explicit user id, or "" for an anonymous visitor.
func (r *Resolver) UserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v := get(r.durable, KeyUserID); v != "" {
		return v
	}
	return r.userID
}

// SetUserID records the explicit user id.
func (r *Resolver) SetUserID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userID = id
	set(r.durable, KeyUserID, id, 0)
}

// NewVisitorID synthesizes a visitor id seeded with the environment fingerprint.
func NewVisitorID(env Environment) string {
	return "vis_" + uuid.NewString() + "_" + Fingerprint(env)
}

// Sessions hands out the session id for one tab. The store should be
// volatile, scoped like sessionStorage.
type Sessions struct {
	store Store

	mu sync.Mutex
	id string
}

// NewSessions returns a session source backed by store, which may be nil.
func NewSessions(store Store) *Sessions {
	return &Sessions{store: store}
}

// SessionID returns the current session id in the form sess_<uuid>.
func (s *Sessions) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return s.id
	}
	if v := get(s.store, KeySessionID); v != "" {
		s.id = v
		return s.id
	}
	s.id = "sess_" + uuid.NewString()
	set(s.store, KeySessionID, s.id, 0)
	return s.id
}
