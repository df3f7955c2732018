// Package scheduler advances active steps whose autofinish deadline has
// passed. It owns the run window and throttle decision; the periodic trigger
// belongs to the caller.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/metrics"
)

// Skip reasons reported by Run
const (
	ReasonOutsideWindow = "outside run window"
	ReasonThrottled     = "minimum interval not elapsed"
)

// Finisher is the part of the state machine the scheduler drives
type Finisher interface {
	FinishStep(ctx context.Context, stateID, comment string, opts ...engine.FinishOption) (*stepflow.StepState, error)
}

// Report summarizes one tick
type Report struct {
	Skipped    bool
	Reason     string
	Candidates int
	Due        int
	Finished   int
	// Failed maps state ids to the error that stopped their transition
	Failed map[string]error
}

// AutoFinisher finishes due steps through the state machine
type AutoFinisher struct {
	store     stepflow.Store
	finisher  Finisher
	watermark stepflow.Watermark
	logger    zerolog.Logger
	config    stepflow.SchedulerConfig
	actor     string
	clock     func() time.Time
	metrics   *metrics.Recorder
}

// Option configures the AutoFinisher
type Option func(*AutoFinisher)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(a *AutoFinisher) {
		a.logger = logger
	}
}

// WithConfig sets the window, throttle and comment configuration
func WithConfig(config stepflow.SchedulerConfig) Option {
	return func(a *AutoFinisher) {
		a.config = config
	}
}

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(a *AutoFinisher) {
		a.clock = clock
	}
}

// WithActor sets the user recorded on automatic transitions
func WithActor(actor string) Option {
	return func(a *AutoFinisher) {
		a.actor = actor
	}
}

// WithMetrics records tick and per-state outcomes
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(a *AutoFinisher) {
		a.metrics = recorder
	}
}

// New creates an AutoFinisher. The watermark holds the time of the last run
// that finished anything.
func New(store stepflow.Store, finisher Finisher, watermark stepflow.Watermark, opts ...Option) *AutoFinisher {
	a := &AutoFinisher{
		store:     store,
		finisher:  finisher,
		watermark: watermark,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
		config: stepflow.DefaultSchedulerConfig,
		actor:  stepflow.DefaultEngineConfig.SystemActor,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// InWindow reports whether hour lies in the daily window [start, end).
// The window wraps across midnight when start > end and covers the whole day
// when start == end.
func InWindow(hour, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// ShouldRun applies the window and throttle checks at now. It returns the
// skip reason when the tick must not run.
func (a *AutoFinisher) ShouldRun(ctx context.Context, now time.Time) (bool, string, error) {
	if a.config.Debug {
		return true, "", nil
	}

	loc, err := time.LoadLocation(a.config.Timezone)
	if err != nil {
		return false, "", stepflow.WrapError(stepflow.ErrCodeValidation, "invalid scheduler timezone", err)
	}
	if !InWindow(now.In(loc).Hour(), a.config.WindowStartHour, a.config.WindowEndHour) {
		return false, ReasonOutsideWindow, nil
	}

	last, err := a.watermark.LastRun(ctx)
	if err != nil {
		return false, "", fmt.Errorf("scheduler: read watermark: %w", err)
	}
	minInterval := time.Duration(a.config.MinIntervalHours) * time.Hour
	if !last.IsZero() && now.Sub(last) < minInterval {
		return false, ReasonThrottled, nil
	}
	return true, "", nil
}

type dueState struct {
	stateID  string
	deadline time.Time
}

// Run performs one tick: it finishes every active state whose autofinish
// deadline has passed. A failing state does not stop the tick.
func (a *AutoFinisher) Run(ctx context.Context) (report *Report, err error) {
	started := time.Now()
	now := a.clock()
	report = &Report{Failed: map[string]error{}}
	defer func() {
		a.metrics.ObserveAutoFinishRun(report != nil && report.Skipped, err)
	}()

	ok, reason, err := a.ShouldRun(ctx, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		stepflow.LogAutoFinishSkipped(a.logger, reason)
		report.Skipped = true
		report.Reason = reason
		return report, nil
	}

	due, candidates, err := a.collect(ctx, now)
	if err != nil {
		stepflow.LogPersistenceError(a.logger, "autofinish_collect", err)
		return nil, err
	}
	report.Candidates = candidates
	report.Due = len(due)

	ctx = stepflow.WithActor(ctx, a.actor)
	for _, d := range due {
		comment := fmt.Sprintf(a.config.AutoFinishComment, d.deadline.Format(time.RFC3339))
		_, err := a.finisher.FinishStep(ctx, d.stateID, comment)
		switch {
		case err == nil:
			report.Finished++
			a.metrics.ObserveAutoFinishState(metrics.OutcomeFinished)
			stepflow.LogAutoFinishStep(a.logger, d.stateID, d.deadline)
		case stepflow.IsCode(err, stepflow.ErrCodeNotActive):
			// finished interactively since collection
			a.metrics.ObserveAutoFinishState(metrics.OutcomeRaced)
		default:
			a.metrics.ObserveAutoFinishState(metrics.OutcomeFailed)
			a.logger.Error().
				Str("event", stepflow.EventAutoFinishStep).
				Str("state_id", d.stateID).
				Err(err).
				Msg("Automatic finish failed")
			report.Failed[d.stateID] = err
		}
	}

	if len(due) > 0 {
		if err := a.watermark.SetLastRun(ctx, now); err != nil {
			return report, fmt.Errorf("scheduler: write watermark: %w", err)
		}
		a.metrics.SetLastRun(now)
	}

	stepflow.LogAutoFinishRun(a.logger, report.Candidates, report.Due, report.Finished, time.Since(started))
	return report, nil
}

// collect returns the due states and the number of candidates examined
func (a *AutoFinisher) collect(ctx context.Context, now time.Time) ([]dueState, int, error) {
	var due []dueState
	candidates := 0

	err := a.store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		active, err := tx.ListStepStates(ctx, stepflow.StateFilter{Status: stepflow.StatusActive})
		if err != nil {
			return err
		}

		for _, st := range active {
			step, err := tx.GetStep(ctx, st.StepID)
			if err != nil {
				return err
			}
			if step.AutoFinish == nil {
				continue
			}
			candidates++

			deadline, ok, err := a.deadline(ctx, tx, st, step.AutoFinish)
			if err != nil {
				return err
			}
			if ok && !now.Before(deadline) {
				due = append(due, dueState{stateID: st.ID, deadline: deadline})
			}
		}
		return nil
	})
	return due, candidates, err
}

// deadline resolves the rule's field on the subject's record. ok is false
// when the rule cannot be evaluated for this subject or the field is unset.
func (a *AutoFinisher) deadline(ctx context.Context, tx stepflow.Tx, st *stepflow.StepState, rule *stepflow.Rule) (time.Time, bool, error) {
	subject, err := tx.GetSubject(ctx, st.SubjectID)
	if stepflow.IsNotFound(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	record, err := stepflow.RecordFor(subject, rule.Table)
	if err != nil || record == "" {
		a.logger.Debug().
			Str("state_id", st.ID).
			Str("rule", rule.String()).
			Msg("Autofinish rule not applicable to subject")
		return time.Time{}, false, nil
	}

	raw, err := tx.FieldValue(ctx, record, rule.Table, rule.Field)
	if stepflow.IsNotFound(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(secs+rule.Offset, 0).UTC(), true, nil
}
