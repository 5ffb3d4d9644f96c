// Package queue buffers enriched events and decides when to flush them.
//
// A flush swaps the buffer for a new empty one under the lock, then builds
// the batch and hands it to the Sender outside the lock. An event enqueued
// while a batch is being built or sent always lands in the next batch.
//
// The queue does not retry. Once a batch is handed to the Sender it is gone
// from the queue's point of view, whatever the network does with it.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
)

// Sender delivers a batch. Implementations must not block on the network.
type Sender interface {
	Send(batch analytics.Batch)
}

// SenderFunc adapts a func to Sender.
type SenderFunc func(batch analytics.Batch)

func (f SenderFunc) Send(batch analytics.Batch) { f(batch) }

// Options tune a Queue. Zero values take the analytics package defaults.
// MaxQueueSize is capped at analytics.MaxQueueSize and BatchSize at MaxQueueSize.
type Options struct {
	BatchSize     int
	MaxQueueSize  int
	FlushInterval time.Duration
	Clock         quartz.Clock
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = analytics.BatchSize
	}
	if o.MaxQueueSize <= 0 || o.MaxQueueSize > analytics.MaxQueueSize {
		o.MaxQueueSize = analytics.MaxQueueSize
	}
	// A batch never exceeds what the ingest endpoint accepts.
	if o.BatchSize > o.MaxQueueSize {
		o.BatchSize = o.MaxQueueSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = analytics.FlushInterval
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Queue accumulates events bound to one API key.
type Queue struct {
	apiKey string
	sender Sender
	opts   Options

	mu      sync.Mutex
	pending []analytics.Event

	ticker  *quartz.Ticker
	closed  chan struct{}
	done    chan struct{}
	destroy sync.Once
}

// New starts a queue whose periodic flush runs until Destroy.
func New(apiKey string, sender Sender, opts Options) *Queue {
	q := &Queue{
		apiKey: apiKey,
		sender: sender,
		opts:   opts.withDefaults(),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	q.pending = q.newBuffer()
	q.start()
	return q
}

func (q *Queue) newBuffer() []analytics.Event {
	return make([]analytics.Event, 0, q.opts.BatchSize)
}

func (q *Queue) start() {
	q.ticker = q.opts.Clock.NewTicker(q.opts.FlushInterval, "queue", "flush")

	go func() {
		defer close(q.done)
		defer q.ticker.Stop()

		for {
			select {
			case <-q.ticker.C:
				q.Flush()
			case <-q.closed:
				return
			}
		}
	}()
}

// Enqueue appends ev and flushes when the batch size or the hard cap is reached.
func (q *Queue) Enqueue(ev analytics.Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	var events []analytics.Event
	if n := len(q.pending); n >= q.opts.BatchSize || n >= q.opts.MaxQueueSize {
		events = q.swapLocked()
	}
	q.mu.Unlock()

	if events != nil {
		q.send(events)
	}
}

// Flush drains the buffer into a batch. It is a no-op when empty.
func (q *Queue) Flush() {
	q.mu.Lock()
	events := q.swapLocked()
	q.mu.Unlock()

	if events != nil {
		q.send(events)
	}
}

// swapLocked installs a new empty buffer and returns the old one, or nil
// when there was nothing buffered.
func (q *Queue) swapLocked() []analytics.Event {
	if len(q.pending) == 0 {
		return nil
	}
	events := q.pending
	q.pending = q.newBuffer()
	return events
}

func (q *Queue) send(events []analytics.Event) {
	batch := analytics.NewBatch(q.apiKey, events, q.opts.Clock.Now())
	q.opts.Logger.Debug("flushing batch",
		slog.String("batch_id", batch.BatchID),
		slog.Int("events", len(batch.Events)),
	)
	q.sender.Send(batch)
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Destroy stops the periodic flush. Buffered events are not flushed; wiring
// a final flush is the caller's job.
func (q *Queue) Destroy() {
	q.destroy.Do(func() {
		close(q.closed)
		<-q.done
	})
}
