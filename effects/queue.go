// Package effects holds side effects that must not run inside a unit of work.
//
// A Queue collects effects while a transaction is open and delivers them in
// FIFO order once the outermost holder releases it.
package effects

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
)

// Effect is a deferred side effect
type Effect interface {
	// Apply performs the effect. It is only called with no transaction open.
	Apply(ctx context.Context) error
	// Describe names the effect for logs
	Describe() string
}

// Queue is a per-operation deferred effect queue
type Queue struct {
	mu     sync.Mutex
	items  []Effect
	holds  int
	logger zerolog.Logger
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithLogger sets the queue logger
func WithLogger(logger zerolog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates an empty queue
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends an effect
func (q *Queue) Enqueue(effect Effect) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, effect)
}

// Hold marks a transaction as open. Flush is a no-op until every hold is
// released. The returned func is idempotent.
func (q *Queue) Hold() (release func()) {
	q.mu.Lock()
	q.holds++
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.holds--
			q.mu.Unlock()
		})
	}
}

// Len returns the number of pending effects
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Discard drops every pending effect, used when the owning unit of work rolled back
func (q *Queue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Flush delivers pending effects in FIFO order, removing each only after it
// was applied. The first failure stops the flush and is returned; the failed
// effect and everything behind it stay queued.
func (q *Queue) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.holds > 0 || len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		next := q.items[0]
		q.mu.Unlock()

		if err := next.Apply(ctx); err != nil {
			stepflow.LogEffectFailed(q.logger, next.Describe(), err)
			return stepflow.WrapError(stepflow.ErrCodeDeliveryFailed, "deferred effect "+next.Describe()+" failed", err)
		}
		stepflow.LogEffectDelivered(q.logger, next.Describe())

		q.mu.Lock()
		q.items = q.items[1:]
		q.mu.Unlock()
	}
}
