// Package transport delivers batches to the ingest endpoint.
//
// Delivery is at-most-once and best effort: there is no acknowledgement, no
// retry and no re-queue. A batch whose beacon is refused and whose fallback
// request fails is lost, and that is accepted. Do not add retries here; an
// at-least-once transport changes what the server observes (duplicate
// batches, reordered identity updates).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

const contentType = "application/json"

// Beacon is a fire-and-forget primitive that survives page unload, like
// navigator.sendBeacon. It reports false when the payload was not queued.
type Beacon interface {
	SendBeacon(url, contentType string, body []byte) bool
}

// BeaconFunc adapts a func to Beacon.
type BeaconFunc func(url, contentType string, body []byte) bool

func (f BeaconFunc) SendBeacon(url, contentType string, body []byte) bool {
	return f(url, contentType, body)
}

// Options configure a Transport.
type Options struct {
	// Beacon is tried first. Nil means the primitive is unavailable.
	Beacon Beacon
	// Client performs the fallback request. Defaults to a client with Timeout.
	Client  *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

// Transport sends batches without blocking the caller.
type Transport struct {
	endpoint string
	beacon   Beacon
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger

	inflight sync.WaitGroup
}

// New returns a Transport posting to endpoint.
func New(endpoint string, opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{
		endpoint: endpoint,
		beacon:   opts.Beacon,
		client:   opts.Client,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}
}

// Send hands batch to the beacon, falling back to an asynchronous POST.
// It never blocks on the network and never reports failure.
func (t *Transport) Send(batch analytics.Batch) {
	body, err := json.Marshal(batch)
	if err != nil {
		t.logger.Error("encode batch failed",
			slog.String("batch_id", batch.BatchID),
			slog.String("error", err.Error()),
		)
		return
	}

	if t.sendWithBeacon(batch.BatchID, body) {
		return
	}

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		t.sendWithRequest(batch.BatchID, body)
	}()
}

func (t *Transport) sendWithBeacon(batchID string, body []byte) (ok bool) {
	if t.beacon == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("beacon send failed",
				slog.String("batch_id", batchID),
				slog.String("error", fmt.Sprint(r)),
			)
			ok = false
		}
	}()
	return t.beacon.SendBeacon(t.endpoint, contentType, body)
}

// sendWithRequest runs detached from any caller context, the way a
// keepalive fetch outlives the page that issued it.
func (t *Transport) sendWithRequest(batchID string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		t.logger.Error("fetch send failed", slog.String("batch_id", batchID), slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Error("fetch send failed", slog.String("batch_id", batchID), slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		t.logger.Warn("batch rejected by server",
			slog.String("batch_id", batchID),
			slog.Int("status", resp.StatusCode),
		)
	}
}

// Wait blocks until in-flight fallback requests finish. Only tests and
// process shutdown need it; Send never waits.
func (t *Transport) Wait() {
	t.inflight.Wait()
}
