// Package engine implements the step-state machine: the per-subject lifecycle
// of workflow steps, its transition log and the scripts run on every
// transition.
package engine

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/catalog"
	"github.com/sicko7947/stepflow/command"
	"github.com/sicko7947/stepflow/effects"
	"github.com/sicko7947/stepflow/metrics"
)

// Engine drives subjects through workflow steps
type Engine struct {
	store       stepflow.Store
	interpreter *command.Interpreter
	notifier    stepflow.Notifier
	logger      zerolog.Logger
	config      stepflow.EngineConfig
	clock       func() time.Time
	metrics     *metrics.Recorder
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config stepflow.EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithInterpreter replaces the interpreter running step scripts
func WithInterpreter(interpreter *command.Interpreter) EngineOption {
	return func(e *Engine) {
		e.interpreter = interpreter
	}
}

// WithNotifier sets the notification subsystem deferred messages are delivered to
func WithNotifier(notifier stepflow.Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithClock overrides the time source used for state timestamps
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithMetrics records operation counts and durations
func WithMetrics(recorder *metrics.Recorder) EngineOption {
	return func(e *Engine) {
		e.metrics = recorder
	}
}

// NewEngine creates a new engine with optional configuration.
// If no logger is provided, a default stdout logger with Info level is used.
// If no notifier is provided, messages are written to the logger.
func NewEngine(store stepflow.Store, opts ...EngineOption) *Engine {
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		store:  store,
		logger: defaultLogger,
		config: stepflow.DefaultEngineConfig,
		clock:  time.Now,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.interpreter == nil {
		eng.interpreter = command.NewInterpreter(nil)
	}
	if eng.notifier == nil {
		eng.notifier = effects.LogNotifier{Logger: eng.logger}
	}
	return eng
}

// operation is the state shared by every transition of one top-level call
type operation struct {
	tx     stepflow.Tx
	cat    *catalog.Catalog
	queue  *effects.Queue
	actor  string
	logger zerolog.Logger
}

// run executes fn as one unit of work and flushes deferred effects once it
// has committed. Effects queued by a unit of work that rolls back are dropped.
func (e *Engine) run(ctx context.Context, name string, logger zerolog.Logger, fn func(ctx context.Context, op *operation) error) (err error) {
	started := time.Now()
	defer func() {
		e.metrics.ObserveOperation(name, err, time.Since(started))
	}()

	queue := effects.NewQueue(effects.WithLogger(logger))
	actor := stepflow.ActorFrom(ctx, e.config.SystemActor)

	release := queue.Hold()
	err = e.store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		return fn(ctx, &operation{
			tx:     tx,
			cat:    catalog.New(tx),
			queue:  queue,
			actor:  actor,
			logger: logger,
		})
	})
	release()

	if err != nil {
		queue.Discard()
		return err
	}
	return queue.Flush(ctx)
}
