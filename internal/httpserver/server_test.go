package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/surface-analytics/internal/httpserver"
	"github.com/PratikDhanave/surface-analytics/internal/ingest"
	"github.com/PratikDhanave/surface-analytics/internal/models"
	"github.com/PratikDhanave/surface-analytics/internal/store"
	"github.com/PratikDhanave/surface-analytics/internal/tag"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/agent"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/identity"
)

const testKey = "proj_test_12345"

// newServer starts the full router over an in-memory SQLite store.
func newServer(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.EnsureSchema(ctx))
	_, err = st.UpsertProject(ctx, "Test Project", testKey)
	require.NoError(t, err)

	srv := httptest.NewServer(httpserver.NewRouter(st, ingest.NewService(st), tag.Embedded()))
	t.Cleanup(srv.Close)
	return srv, st
}

func projectID(t *testing.T, st *store.SQLiteStore) string {
	t.Helper()
	p, err := st.ProjectByAPIKey(context.Background(), testKey)
	require.NoError(t, err)
	return p.ID
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, srv *httptest.Server, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func validEvent(name, visitorID string) analytics.Event {
	return analytics.Event{
		Name:       name,
		Properties: analytics.Properties{"referrer": "https://news.example.com"},
		VisitorID:  visitorID,
		SessionID:  "sess_" + uuid.NewString(),
		Timestamp:  analytics.FormatTimestamp(time.Now()),
		APIKey:     testKey,
		PageURL:    "https://shop.example.com/products?id=7",
		PageTitle:  "Products",
	}
}

func listEvents(t *testing.T, srv *httptest.Server, query string) models.EventsResponse {
	t.Helper()
	resp := get(t, srv, "/api/analytics/events?"+query, map[string]string{"X-API-Key": testKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[models.EventsResponse](t, resp)
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newServer(t)

	resp := get(t, srv, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"status": "ready"}, decode[map[string]any](t, resp))
}

func TestIngest_ValidBatch(t *testing.T) {
	srv, st := newServer(t)

	batch := analytics.NewBatch(testKey, []analytics.Event{
		validEvent(analytics.EventPageView, "vis_1_abc"),
		validEvent(analytics.EventClick, "vis_1_abc"),
	}, time.Now())
	resp := postJSON(t, srv, analytics.APIEndpoint, batch)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)

	b, err := st.BatchByID(context.Background(), projectID(t, st), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchProcessed, b.Status)

	out := listEvents(t, srv, "")
	assert.Equal(t, models.Pagination{Total: 2, Limit: 50, Offset: 0, HasMore: false}, out.Pagination)
	require.Len(t, out.Events, 2)
	for _, ev := range out.Events {
		assert.Equal(t, "vis_1_abc", ev.VisitorID)
		assert.Equal(t, "https://shop.example.com/products?id=7", ev.PageURL)
		require.NotNil(t, ev.Metadata.Referrer)
		assert.Equal(t, "https://news.example.com", *ev.Metadata.Referrer)
	}

	// Replaying the same batch is acknowledged without new rows.
	resp = postJSON(t, srv, analytics.APIEndpoint, batch)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.EqualValues(t, 2, listEvents(t, srv, "").Pagination.Total)
}

func TestIngest_ValidationErrors(t *testing.T) {
	srv, _ := newServer(t)

	cases := []struct {
		name  string
		body  any
		field string
		rule  string
	}{
		{
			name:  "empty events",
			body:  map[string]any{"api_key": testKey, "events": []any{}, "batch_id": uuid.NewString(), "sent_at": "2025-01-01T00:00:00.000Z"},
			field: "events",
			rule:  "min=1",
		},
		{
			name:  "bad batch id",
			body:  analytics.Batch{APIKey: testKey, Events: []analytics.Event{validEvent("x", "vis_1")}, BatchID: "nope", SentAt: "2025-01-01T00:00:00.000Z"},
			field: "batch_id",
			rule:  "uuid",
		},
		{
			name:  "missing event name",
			body:  map[string]any{"api_key": testKey, "events": []any{map[string]any{"properties": map[string]any{}}}, "batch_id": uuid.NewString(), "sent_at": "2025-01-01T00:00:00.000Z"},
			field: "events[0].event",
			rule:  "required",
		},
		{
			name:  "bad sent_at",
			body:  analytics.Batch{APIKey: testKey, Events: []analytics.Event{validEvent("x", "vis_1")}, BatchID: uuid.NewString(), SentAt: "yesterday"},
			field: "sent_at",
			rule:  "datetime=2006-01-02T15:04:05Z07:00",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv, analytics.APIEndpoint, tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			out := decode[struct {
				Error   string `json:"error"`
				Details struct {
					Fields map[string]string `json:"fields"`
				} `json:"details"`
			}](t, resp)
			assert.Equal(t, "Invalid request body", out.Error)
			assert.Equal(t, tc.rule, out.Details.Fields[tc.field], "fields: %v", out.Details.Fields)
		})
	}

	resp, err := srv.Client().Post(srv.URL+analytics.APIEndpoint, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.EqualValues(t, 0, listEvents(t, srv, "").Pagination.Total, "nothing persisted")
}

func TestIngest_UnknownKey(t *testing.T) {
	srv, _ := newServer(t)

	batch := analytics.NewBatch("unknown", []analytics.Event{validEvent("x", "vis_1")}, time.Now())
	resp := postJSON(t, srv, analytics.APIEndpoint, batch)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngest_PartialFailure(t *testing.T) {
	srv, st := newServer(t)

	orphan := validEvent("orphan", "")
	batch := analytics.NewBatch(testKey, []analytics.Event{
		validEvent("a", "vis_2_fp"), orphan, validEvent("b", "vis_2_fp"),
	}, time.Now())
	resp := postJSON(t, srv, analytics.APIEndpoint, batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.IngestResponse{BatchID: batch.BatchID, ProcessedCount: 2, FailedCount: 1},
		decode[models.IngestResponse](t, resp))

	b, err := st.BatchByID(context.Background(), projectID(t, st), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchFailed, b.Status)
	require.NotNil(t, b.Error)
	assert.Contains(t, *b.Error, "visitor_id is required")
}

func TestIngest_CORSPreflight(t *testing.T) {
	srv, _ := newServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+analytics.APIEndpoint, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://customer.example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))

	post := postJSON(t, srv, analytics.APIEndpoint, map[string]any{})
	assert.Equal(t, "*", post.Header.Get("Access-Control-Allow-Origin"))
}

func TestEvents_FiltersAndPagination(t *testing.T) {
	srv, _ := newServer(t)

	base := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	var events []analytics.Event
	for i := range 5 {
		ev := validEvent(analytics.EventClick, "vis_3_fp")
		ev.Timestamp = analytics.FormatTimestamp(base.Add(time.Duration(i) * time.Hour))
		events = append(events, ev)
	}
	pv := validEvent(analytics.EventPageView, "vis_3_fp")
	pv.Timestamp = analytics.FormatTimestamp(base)
	events = append(events, pv)
	require.Equal(t, http.StatusNoContent, postJSON(t, srv, analytics.APIEndpoint, analytics.NewBatch(testKey, events, time.Now())).StatusCode)

	q := url.Values{}
	q.Set("event_type", analytics.EventClick)
	q.Set("start_date", "2025-02-01T13:00:00Z")
	q.Set("end_date", "2025-02-01T16:00:00Z")
	q.Set("limit", "2")
	out := listEvents(t, srv, q.Encode())
	assert.Equal(t, models.Pagination{Total: 4, Limit: 2, Offset: 0, HasMore: true}, out.Pagination)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "2025-02-01T16:00:00.000Z", out.Events[0].Timestamp)

	q.Set("offset", "2")
	out = listEvents(t, srv, q.Encode())
	assert.False(t, out.Pagination.HasMore)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "2025-02-01T13:00:00.000Z", out.Events[1].Timestamp)
}

func TestEvents_Auth(t *testing.T) {
	srv, _ := newServer(t)

	resp := get(t, srv, "/api/analytics/events", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv, "/api/analytics/events?api_key=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, srv, "/api/analytics/events?api_key="+testKey+"&limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv, "/api/analytics/events?api_key="+testKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvents_LimitAndOffsetBounds(t *testing.T) {
	srv, _ := newServer(t)
	require.Equal(t, http.StatusNoContent, postJSON(t, srv, analytics.APIEndpoint,
		analytics.NewBatch(testKey, []analytics.Event{validEvent(analytics.EventClick, "vis_4_fp")}, time.Now())).StatusCode)

	resp := get(t, srv, "/api/analytics/events?limit=0", map[string]string{"X-API-Key": testKey})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, map[string]any{"limit": "min=1"}, body["details"].(map[string]any)["fields"])

	out := listEvents(t, srv, "")
	assert.Equal(t, models.Pagination{Total: 1, Limit: models.DefaultLimit, Offset: 0, HasMore: false}, out.Pagination)

	out = listEvents(t, srv, "limit=100&offset=9223372036854775807")
	assert.False(t, out.Pagination.HasMore)
	assert.Empty(t, out.Events)
}

func TestMetricsCount(t *testing.T) {
	srv, _ := newServer(t)

	ev := validEvent("signup", "vis_4_fp")
	ev.Timestamp = "2025-03-01T10:00:00.000Z"
	require.Equal(t, http.StatusNoContent,
		postJSON(t, srv, analytics.APIEndpoint, analytics.NewBatch(testKey, []analytics.Event{ev}, time.Now())).StatusCode)

	headers := map[string]string{"X-API-Key": testKey}
	resp := get(t, srv, "/api/analytics/metrics?event_name=signup&from=2025-03-01T00:00:00Z&to=2025-03-02T00:00:00Z", headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decode[models.CountResponse](t, resp).Count)

	resp = get(t, srv, "/api/analytics/metrics?event_name=signup&from=2025-03-02T00:00:00Z&to=2025-03-01T00:00:00Z", headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv, "/api/analytics/metrics?event_name=signup", headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTagScript(t *testing.T) {
	srv, _ := newServer(t)

	resp := get(t, srv, "/tag.js", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.HasPrefix(string(body), "// Error"))

	resp = get(t, srv, "/tag.js?id=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, srv, "/tag.js?id="+testKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/javascript; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600, s-maxage=3600", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	body, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `const SURFACE_API_KEY = "proj_test_12345";`)
}

func TestPrometheusExposition(t *testing.T) {
	srv, _ := newServer(t)

	postJSON(t, srv, analytics.APIEndpoint, analytics.NewBatch(testKey, []analytics.Event{validEvent("x", "vis_5_fp")}, time.Now()))

	resp := get(t, srv, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "surface_batches_ingested_total")
	assert.Contains(t, string(body), "surface_http_requests_total")
}

// The agent posting over real HTTP to the collector.
func TestAgentToCollector(t *testing.T) {
	srv, st := newServer(t)

	env := identity.NewStaticEnvironment(identity.Environment{UserAgent: "GoTest/1.0", Language: "en"},
		identity.Page{URL: "https://shop.example.com/", Title: "Shop", Referrer: "https://search.example.com"})
	a := agent.New(agent.Config{Endpoint: srv.URL + analytics.APIEndpoint},
		agent.WithEnvironment(env),
		agent.WithHTTPClient(srv.Client()),
	)
	a.Load(testKey)
	a.Identify("user-77", map[string]any{"plan": "pro"})
	a.Track("checkout", map[string]any{"total": 42.5})
	a.Flush()
	a.Close()

	out := listEvents(t, srv, "")
	require.EqualValues(t, 4, out.Pagination.Total)
	names := make([]string, 0, len(out.Events))
	for _, ev := range out.Events {
		names = append(names, ev.Event)
		assert.Equal(t, a.VisitorID(), ev.VisitorID)
	}
	assert.ElementsMatch(t, []string{analytics.EventScriptInit, analytics.EventPageView, analytics.EventIdentify, "checkout"}, names)

	v, err := st.VisitorByVisitorID(context.Background(), a.VisitorID())
	require.NoError(t, err)
	assert.Equal(t, "https://search.example.com", v.InitialReferrer)
	require.NotNil(t, v.UserID)
	assert.Equal(t, "user-77", *v.UserID)
	assert.Equal(t, map[string]any{"plan": "pro"}, v.UserTraits)
}
