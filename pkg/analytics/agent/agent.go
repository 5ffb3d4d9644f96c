// Package agent is the public tracking API embedded in a page.
//
// Every public call is enriched with visitor, session, timestamp and page
// context at the moment it is made, then queued. Nothing here ever returns
// an error to the host: tracking failures are logged and dropped.
package agent

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/dom"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/identity"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/queue"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/trackers"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/transport"
)

// DefaultEndpoint is used when Config.Endpoint is empty.
const DefaultEndpoint = "http://localhost:8080" + analytics.APIEndpoint

// Config holds the agent settings. Zero values take the analytics defaults.
// MaxQueueSize is capped at analytics.MaxQueueSize, the most events the
// ingest endpoint accepts in one batch, and BatchSize at MaxQueueSize.
type Config struct {
	APIKey         string
	Endpoint       string
	SnippetVersion string
	BatchSize      int
	MaxQueueSize   int
	FlushInterval  time.Duration
}

// Option injects a capability into the agent.
type Option func(*Analytics)

// WithClock sets the clock driving timestamps and the flush timer.
func WithClock(c quartz.Clock) Option { return func(a *Analytics) { a.clock = c } }

// WithLogger sets the logger for swallowed failures.
func WithLogger(l *slog.Logger) Option { return func(a *Analytics) { a.logger = l } }

// WithEnvironment sets the source of browser and page signals.
func WithEnvironment(env identity.EnvironmentInfoProvider) Option {
	return func(a *Analytics) { a.env = env }
}

// WithDocument attaches the trackers and lifecycle flushes to doc.
func WithDocument(doc dom.Document) Option { return func(a *Analytics) { a.doc = doc } }

// WithStores sets the durable, cookie and session stores.
func WithStores(durable, cookie, session identity.Store) Option {
	return func(a *Analytics) {
		a.durable, a.cookie, a.session = durable, cookie, session
	}
}

// WithHasher sets the hasher used for email values.
func WithHasher(h identity.Hasher) Option { return func(a *Analytics) { a.hasher = h } }

// WithBeacon sets the fire-and-forget primitive tried before HTTP.
func WithBeacon(b transport.Beacon) Option { return func(a *Analytics) { a.beacon = b } }

// WithHTTPClient sets the client for the HTTP fallback.
func WithHTTPClient(c *http.Client) Option { return func(a *Analytics) { a.client = c } }

// WithSender replaces the network transport.
func WithSender(s queue.Sender) Option { return func(a *Analytics) { a.sender = s } }

// WithCommandBuffer replays buf, in order, once Load completes.
func WithCommandBuffer(buf *CommandBuffer) Option { return func(a *Analytics) { a.buffer = buf } }

// Analytics is the agent facade.
type Analytics struct {
	cfg     Config
	clock   quartz.Clock
	logger  *slog.Logger
	env     identity.EnvironmentInfoProvider
	doc     dom.Document
	durable identity.Store
	cookie  identity.Store
	session identity.Store
	hasher  identity.Hasher
	beacon  transport.Beacon
	client  *http.Client
	sender  queue.Sender
	buffer  *CommandBuffer

	visitor   *identity.Resolver
	sessions  *identity.Sessions
	transport *transport.Transport
	click     *trackers.ClickTracker
	email     *trackers.EmailTracker

	mu             sync.Mutex
	initialized    bool
	ready          bool
	apiKey         string
	visitorID      string
	queue          *queue.Queue
	readyCallbacks []func()
	unbind         []func()
}

// New builds an agent. It does nothing observable until Load.
func New(cfg Config, opts ...Option) *Analytics {
	a := &Analytics{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg.Endpoint == "" {
		a.cfg.Endpoint = DefaultEndpoint
	}
	if a.cfg.SnippetVersion == "" {
		a.cfg.SnippetVersion = analytics.Version
	}
	if a.clock == nil {
		a.clock = quartz.NewReal()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.env == nil {
		a.env = identity.NewStaticEnvironment(identity.Environment{}, identity.Page{})
	}
	if a.session == nil {
		a.session = identity.NewMemoryStore()
	}
	if a.hasher == nil {
		a.hasher = identity.SHA256Hasher{}
	}
	if a.sender == nil {
		a.transport = transport.New(a.cfg.Endpoint, transport.Options{
			Beacon: a.beacon,
			Client: a.client,
			Logger: a.logger,
		})
		a.sender = a.transport
	}

	a.visitor = identity.NewResolver(a.durable, a.cookie, a.env, a.logger)
	a.sessions = identity.NewSessions(a.session)
	a.click = trackers.NewClickTracker(a.env, a.logger)
	a.email = trackers.NewEmailTracker(a.env, a.hasher, a.logger)
	return a
}

// Bootstrap builds an agent, loads it with cfg.APIKey or the key of the
// first buffered load call, and replays buf.
func Bootstrap(cfg Config, buf *CommandBuffer, opts ...Option) *Analytics {
	a := New(cfg, append(opts, WithCommandBuffer(buf))...)
	key := cfg.APIKey
	if key == "" && buf != nil {
		key = buf.LoadKey()
	}
	if key != "" {
		a.Load(key)
	}
	return a
}

// Load initializes the agent. Calls after the first are no-ops.
func (a *Analytics) Load(apiKey string) {
	if apiKey == "" {
		apiKey = a.cfg.APIKey
	}

	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return
	}
	if apiKey == "" {
		a.mu.Unlock()
		a.logger.Error("surface analytics: no API key provided")
		return
	}
	a.initialized = true
	a.apiKey = apiKey
	a.visitorID = a.visitor.VisitorID()
	a.queue = queue.New(apiKey, a.sender, queue.Options{
		BatchSize:     a.cfg.BatchSize,
		MaxQueueSize:  a.cfg.MaxQueueSize,
		FlushInterval: a.cfg.FlushInterval,
		Clock:         a.clock,
		Logger:        a.logger,
	})
	a.mu.Unlock()

	a.trackScriptInit()
	a.Page(nil)
	a.setupAutoTracking()

	if a.buffer != nil {
		for _, cmd := range a.buffer.Drain() {
			a.Apply(cmd)
		}
	}

	a.mu.Lock()
	a.ready = true
	callbacks := a.readyCallbacks
	a.readyCallbacks = nil
	a.mu.Unlock()
	for _, cb := range callbacks {
		a.runReady(cb)
	}

	a.logger.Info("surface analytics initialized",
		slog.String("api_key", apiKey),
		slog.String("visitor_id", a.visitorID),
	)
}

// Page records a page view for the current document.
func (a *Analytics) Page(properties map[string]any) {
	p := a.env.Page()
	props := analytics.Properties{
		"page_url":   p.URL,
		"page_title": p.Title,
		"referrer":   p.ReferrerOrDirect(),
		"path":       p.Path(),
		"search":     p.Search(),
		"hash":       p.Hash(),
	}
	maps.Copy(props, properties)
	a.enqueue(analytics.Event{Name: analytics.EventPageView, Properties: props})
}

// Track records a custom event. An empty name is rejected.
func (a *Analytics) Track(name string, properties map[string]any) {
	if name == "" {
		a.logger.Error("surface analytics: event name must be a non-empty string")
		return
	}
	props := analytics.Properties{}
	maps.Copy(props, properties)
	a.enqueue(analytics.Event{Name: name, Properties: props})
}

// Identify binds the visitor to userID and records an identify event.
func (a *Analytics) Identify(userID string, traits map[string]any) {
	if traits == nil {
		traits = map[string]any{}
	}
	a.visitor.SetUserID(userID)
	a.enqueue(analytics.Event{
		Name: analytics.EventIdentify,
		Properties: analytics.Properties{
			"user_id": userID,
			"traits":  traits,
		},
	})
}

// Ready runs fn once the agent is loaded, immediately if it already is.
func (a *Analytics) Ready(fn func()) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	if !a.ready {
		a.readyCallbacks = append(a.readyCallbacks, fn)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.runReady(fn)
}

func (a *Analytics) runReady(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("surface analytics: ready callback error", slog.String("error", fmt.Sprint(r)))
		}
	}()
	fn()
}

// Apply executes a buffered call. Arguments of the wrong type are logged and
// the call is skipped.
func (a *Analytics) Apply(cmd Command) {
	switch cmd.Method {
	case MethodLoad:
		key, _ := arg[string](cmd.Args, 0)
		a.Load(key)
	case MethodTrack:
		name, ok := arg[string](cmd.Args, 0)
		if !ok {
			a.logger.Error("surface analytics: event name must be a string",
				slog.String("got", fmt.Sprintf("%T", argAt(cmd.Args, 0))))
			return
		}
		a.Track(name, propsArg(cmd.Args, 1))
	case MethodPage:
		a.Page(propsArg(cmd.Args, 0))
	case MethodIdentify:
		userID, ok := arg[string](cmd.Args, 0)
		if !ok {
			a.logger.Error("surface analytics: user id must be a string")
			return
		}
		a.Identify(userID, propsArg(cmd.Args, 1))
	case MethodReady:
		fn, _ := arg[func()](cmd.Args, 0)
		a.Ready(fn)
	default:
		a.logger.Warn("surface analytics: unknown method", slog.String("method", cmd.Method))
	}
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func arg[T any](args []any, i int) (T, bool) {
	v, ok := argAt(args, i).(T)
	return v, ok
}

func propsArg(args []any, i int) map[string]any {
	switch v := argAt(args, i).(type) {
	case map[string]any:
		return v
	case analytics.Properties:
		return v
	}
	return nil
}

// Flush sends whatever is buffered now.
func (a *Analytics) Flush() {
	if q := a.currentQueue(); q != nil {
		q.Flush()
	}
}

// Close stops the flush timer and detaches listeners. Buffered events are
// not sent; call Flush first for that.
func (a *Analytics) Close() {
	a.mu.Lock()
	q := a.queue
	unbind := a.unbind
	a.unbind = nil
	a.mu.Unlock()

	for _, fn := range unbind {
		fn()
	}
	a.click.Teardown()
	a.email.Teardown()
	if q != nil {
		q.Destroy()
	}
	if a.transport != nil {
		a.transport.Wait()
	}
}

// VisitorID returns the resolved visitor id, or "" before Load.
func (a *Analytics) VisitorID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visitorID
}

func (a *Analytics) currentQueue() *queue.Queue {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue
}

func (a *Analytics) trackScriptInit() {
	env := a.env.Environment()
	p := a.env.Page()
	a.enqueue(analytics.Event{
		Name: analytics.EventScriptInit,
		Properties: analytics.Properties{
			"snippet_version":   a.cfg.SnippetVersion,
			"script_version":    analytics.Version,
			"page_url":          p.URL,
			"page_title":        p.Title,
			"referrer":          p.ReferrerOrDirect(),
			"user_agent":        env.UserAgent,
			"screen_resolution": dims(env.ScreenWidth, env.ScreenHeight),
			"viewport_size":     dims(env.ViewportWidth, env.ViewportHeight),
			"color_depth":       env.ColorDepth,
			"timezone":          env.Timezone,
			"timezone_offset":   env.TimezoneOffset,
			"language":          env.Language,
			"platform":          env.Platform,
			"cookie_enabled":    env.CookieEnabled,
			"online":            env.Online,
		},
	})
}

func dims(w, h int) string {
	return strconv.Itoa(w) + "x" + strconv.Itoa(h)
}

func (a *Analytics) setupAutoTracking() {
	if a.doc == nil {
		return
	}
	a.click.Setup(a.doc, a.enqueue)
	a.email.Setup(a.doc, a.enqueue)

	flush := func(dom.Event) { a.Flush() }
	unbind := []func(){
		a.doc.AddEventListener(dom.BeforeUnload, false, flush),
		a.doc.AddEventListener(dom.PageHide, false, flush),
		a.doc.AddEventListener(dom.VisibilityChange, false, func(dom.Event) {
			if a.doc.VisibilityState() == dom.Hidden {
				a.Flush()
			}
		}),
	}
	a.mu.Lock()
	a.unbind = append(a.unbind, unbind...)
	a.mu.Unlock()
}

// enqueue enriches ev with identity and page context as of now.
func (a *Analytics) enqueue(ev analytics.Event) {
	a.mu.Lock()
	q := a.queue
	apiKey := a.apiKey
	visitorID := a.visitorID
	a.mu.Unlock()
	if q == nil {
		return
	}

	p := a.env.Page()
	ev.VisitorID = visitorID
	ev.UserID = analytics.StringPtr(a.visitor.UserID())
	ev.SessionID = a.sessions.SessionID()
	ev.Timestamp = analytics.FormatTimestamp(a.clock.Now())
	ev.APIKey = apiKey
	ev.PageURL = p.URL
	ev.PageTitle = p.Title
	q.Enqueue(ev)
}
