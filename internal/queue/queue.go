// Package queue provides the bounded, batch-oriented FIFO that connects the
// stages of the recording pipeline.
package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Policy controls what Push does when a batch does not fit.
type Policy int

const (
	// Drop rejects the whole batch immediately.
	Drop Policy = iota
	// Block waits up to the block timeout for room, then drops.
	Block
)

// ParsePolicy maps a config value onto a Policy. Unknown values map to Drop.
func ParsePolicy(value string) Policy {
	if value == "block" {
		return Block
	}
	return Drop
}

type Option func(*options)

type options struct {
	logger       *slog.Logger
	policy       Policy
	blockTimeout time.Duration
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

func WithBlockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.blockTimeout = d
		}
	}
}

// Queue is a bounded FIFO safe for any number of producers and consumers.
// A batch is either enqueued entirely or not at all.
type Queue[T any] struct {
	name    string
	maxSize int
	opts    options

	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	closed  bool
	dropped uint64

	dropCounter metric.Int64Counter
	attrs       metric.MeasurementOption
}

func New[T any](name string, maxSize int, opts ...Option) *Queue[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	o := options{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy:       Drop,
		blockTimeout: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue[T]{
		name:    name,
		maxSize: maxSize,
		opts:    o,
		items:   make([]T, 0, min(maxSize, 4096)),
		attrs:   metric.WithAttributes(attribute.String("queue", name)),
	}
	q.opts.logger = o.logger.With(slog.String("component", "queue"), slog.String("queue", name))
	q.cond = sync.NewCond(&q.mu)

	meter := otel.Meter("github.com/loqalabs/loqa-scribe/queue")
	if counter, err := meter.Int64Counter("scribe.queue.dropped_samples",
		metric.WithDescription("Items rejected because a bounded queue was full")); err == nil {
		q.dropCounter = counter
	}
	return q
}

// Push enqueues every item of the batch or none of them.
func (q *Queue[T]) Push(items []T) bool {
	if len(items) == 0 {
		return true
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if !q.fits(len(items)) && q.opts.policy == Block && len(items) <= q.maxSize {
		q.waitForRoom(len(items))
	}
	if q.closed || !q.fits(len(items)) {
		current := len(q.items)
		q.dropped += uint64(len(items))
		q.mu.Unlock()
		q.recordDrop(len(items), current)
		return false
	}
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.cond.Broadcast()
	return true
}

func (q *Queue[T]) PushOne(item T) bool {
	return q.Push([]T{item})
}

// TryPopBatch returns up to limit of the oldest items without blocking.
// It reports false when the queue was empty at the time of the call.
func (q *Queue[T]) TryPopBatch(limit int) ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.take(limit), true
}

// PopBatch blocks until at least one item is available. It reports false only
// once the queue has been closed and fully drained.
func (q *Queue[T]) PopBatch(limit int) ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	return q.take(limit), true
}

// Close marks the producer side as finished. Queued items remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Drained reports whether the queue is closed and holds no items.
func (q *Queue[T]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

func (q *Queue[T]) Cap() int { return q.maxSize }

func (q *Queue[T]) Name() string { return q.name }

// Dropped returns the number of items rejected on overflow so far.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) fits(n int) bool {
	return len(q.items)+n <= q.maxSize
}

// waitForRoom must be called with q.mu held.
func (q *Queue[T]) waitForRoom(n int) {
	deadline := time.Now().Add(q.opts.blockTimeout)
	timer := time.AfterFunc(q.opts.blockTimeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	for !q.closed && !q.fits(n) && time.Now().Before(deadline) {
		q.cond.Wait()
	}
}

// take must be called with q.mu held and a non-empty queue.
func (q *Queue[T]) take(limit int) []T {
	if limit < 1 {
		limit = 1
	}
	n := min(limit, len(q.items))
	out := make([]T, n)
	copy(out, q.items[:n])
	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = q.items[:0:0]
	}
	q.cond.Broadcast()
	return out
}

func (q *Queue[T]) recordDrop(n, current int) {
	q.opts.logger.Warn("queue overflow, dropping batch",
		slog.Int("dropped", n),
		slog.Int("current", current),
		slog.Int("max", q.maxSize),
	)
	if q.dropCounter != nil {
		q.dropCounter.Add(context.Background(), int64(n), q.attrs)
	}
}
