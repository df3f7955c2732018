package scheduler

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/internal/fixture"
	"github.com/sicko7947/stepflow/metrics"
	"github.com/sicko7947/stepflow/store"
)

const startDate = int64(1700000000)

func TestInWindow(t *testing.T) {
	tests := []struct {
		name       string
		hour       int
		start, end int
		want       bool
	}{
		{"all day", 13, 0, 0, true},
		{"all day same bounds", 3, 5, 5, true},
		{"inside plain window", 3, 2, 5, true},
		{"start inclusive", 2, 2, 5, true},
		{"end exclusive", 5, 2, 5, false},
		{"before plain window", 1, 2, 5, false},
		{"wrapped late", 23, 22, 4, true},
		{"wrapped early", 3, 22, 4, true},
		{"wrapped outside", 12, 22, 4, false},
		{"wrapped end exclusive", 4, 22, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InWindow(tt.hour, tt.start, tt.end))
		})
	}
}

func at(hour int) time.Time {
	return time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
}

func TestShouldRun(t *testing.T) {
	ctx := context.Background()
	cfg := stepflow.DefaultSchedulerConfig
	cfg.WindowStartHour = 2
	cfg.WindowEndHour = 5
	cfg.MinIntervalHours = 24

	t.Run("outside window", func(t *testing.T) {
		a := New(store.NewMemoryStore(), nil, &store.MemoryWatermark{}, WithConfig(cfg), WithLogger(zerolog.Nop()))
		ok, reason, err := a.ShouldRun(ctx, at(6))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, ReasonOutsideWindow, reason)
	})

	t.Run("first run", func(t *testing.T) {
		a := New(store.NewMemoryStore(), nil, &store.MemoryWatermark{}, WithConfig(cfg), WithLogger(zerolog.Nop()))
		ok, _, err := a.ShouldRun(ctx, at(3))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("throttled", func(t *testing.T) {
		wm := &store.MemoryWatermark{}
		require.NoError(t, wm.SetLastRun(ctx, at(3).Add(-time.Hour)))
		a := New(store.NewMemoryStore(), nil, wm, WithConfig(cfg), WithLogger(zerolog.Nop()))
		ok, reason, err := a.ShouldRun(ctx, at(3))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, ReasonThrottled, reason)

		ok, _, err = a.ShouldRun(ctx, at(3).Add(24*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok, "a day later the interval has elapsed")
	})

	t.Run("window uses the configured zone", func(t *testing.T) {
		zoned := cfg
		zoned.Timezone = "Europe/Berlin"
		a := New(store.NewMemoryStore(), nil, &store.MemoryWatermark{}, WithConfig(zoned), WithLogger(zerolog.Nop()))
		// 01:30 UTC in March is 02:30 in Berlin
		ok, _, err := a.ShouldRun(ctx, at(1))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("debug bypasses window and throttle", func(t *testing.T) {
		debug := cfg
		debug.Debug = true
		wm := &store.MemoryWatermark{}
		require.NoError(t, wm.SetLastRun(ctx, at(6)))
		a := New(store.NewMemoryStore(), nil, wm, WithConfig(debug), WithLogger(zerolog.Nop()))
		ok, _, err := a.ShouldRun(ctx, at(6))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invalid zone", func(t *testing.T) {
		bad := cfg
		bad.Timezone = "Mars/Olympus"
		a := New(store.NewMemoryStore(), nil, &store.MemoryWatermark{}, WithConfig(bad), WithLogger(zerolog.Nop()))
		_, _, err := a.ShouldRun(ctx, at(3))
		assert.Equal(t, stepflow.ErrCodeValidation, stepflow.ErrorCode(err))
	})
}

// setup installs a two-step course workflow whose first step finishes one day
// after the course start date, assigns it and sets the start date
func setup(t *testing.T) (stepflow.Store, *engine.Engine, *stepflow.StepState) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, fixture.SeedStore(ctx, st))

	eng := engine.NewEngine(st, engine.WithLogger(zerolog.Nop()))
	def := builder.NewWorkflow("timed", "Timed").WithID("T").
		Sequence(
			builder.NewStep("Prepare").WithID("t1").AutoFinish("course;startdate", 86400),
			builder.NewStep("Run").WithID("t2"),
		).MustBuild()
	require.NoError(t, eng.InstallWorkflow(ctx, def))

	state, err := eng.Assign(ctx, "T", fixture.CourseID)
	require.NoError(t, err)

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		return tx.SetFieldValue(ctx, fixture.CourseID, stepflow.KindCourse, "startdate", strconv.FormatInt(startDate, 10))
	}))
	return st, eng, state
}

func debugConfig() stepflow.SchedulerConfig {
	cfg := stepflow.DefaultSchedulerConfig
	cfg.Debug = true
	return cfg
}

func TestRun_FinishesDueStep(t *testing.T) {
	ctx := context.Background()
	st, eng, state := setup(t)
	wm := &store.MemoryWatermark{}
	now := time.Unix(startDate+90000, 0).UTC()
	reg := prometheus.NewRegistry()

	a := New(st, eng, wm,
		WithConfig(debugConfig()),
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return now }),
		WithActor("cron"),
		WithMetrics(metrics.NewRecorder(&metrics.Config{Registry: reg})),
	)

	report, err := a.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Finished)
	assert.Empty(t, report.Failed)

	current, err := eng.CurrentState(ctx, fixture.CourseID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "t2", current.StepID)

	states, err := eng.States(ctx, "T", fixture.CourseID)
	require.NoError(t, err)
	for _, s := range states {
		if s.ID == state.ID {
			assert.Equal(t, stepflow.StatusCompleted, s.Status)
			assert.Contains(t, s.Comment, time.Unix(startDate+86400, 0).UTC().Format(time.RFC3339))
		}
	}

	history, err := eng.History(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "cron", history[1].UserID)

	last, err := wm.LastRun(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))

	n, err := testutil.GatherAndCount(reg, "stepflow_autofinish_states_total", "stepflow_autofinish_last_run_timestamp_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The second step has no rule, so a later tick finds nothing to do
	report, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)
}

func TestRun_NotYetDue(t *testing.T) {
	ctx := context.Background()
	st, eng, state := setup(t)
	wm := &store.MemoryWatermark{}
	now := time.Unix(startDate+86399, 0).UTC()

	a := New(st, eng, wm, WithConfig(debugConfig()), WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return now }))

	report, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 0, report.Due)

	current, err := eng.CurrentState(ctx, fixture.CourseID)
	require.NoError(t, err)
	assert.Equal(t, state.ID, current.ID)

	last, err := wm.LastRun(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero(), "watermark only moves when something was due")
}

func TestRun_UnsetFieldIsSkipped(t *testing.T) {
	ctx := context.Background()
	st, eng, _ := setup(t)
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		return tx.SetFieldValue(ctx, fixture.CourseID, stepflow.KindCourse, "startdate", "0")
	}))

	a := New(st, eng, &store.MemoryWatermark{}, WithConfig(debugConfig()), WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return time.Unix(startDate*2, 0) }))
	report, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 0, report.Due)
}

func TestRun_Skipped(t *testing.T) {
	ctx := context.Background()
	st, eng, _ := setup(t)
	cfg := stepflow.DefaultSchedulerConfig
	cfg.WindowStartHour = 2
	cfg.WindowEndHour = 3

	a := New(st, eng, &store.MemoryWatermark{}, WithConfig(cfg), WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return at(12) }))
	report, err := a.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, ReasonOutsideWindow, report.Reason)
	assert.Equal(t, 0, report.Candidates)
}

type stubFinisher struct {
	err   error
	calls []string
}

func (s *stubFinisher) FinishStep(ctx context.Context, stateID, comment string, opts ...engine.FinishOption) (*stepflow.StepState, error) {
	s.calls = append(s.calls, stateID)
	return nil, s.err
}

func TestRun_FailuresAreCollected(t *testing.T) {
	ctx := context.Background()
	st, _, state := setup(t)
	now := time.Unix(startDate+90000, 0).UTC()

	failing := &stubFinisher{err: errors.New("boom")}
	wm := &store.MemoryWatermark{}
	a := New(st, failing, wm, WithConfig(debugConfig()), WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return now }))

	report, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{state.ID}, failing.calls)
	assert.Equal(t, 0, report.Finished)
	require.Contains(t, report.Failed, state.ID)
	assert.EqualError(t, report.Failed[state.ID], "boom")

	raced := &stubFinisher{err: stepflow.NewError(stepflow.ErrCodeNotActive, "step state is not active")}
	a = New(st, raced, wm, WithConfig(debugConfig()), WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return now }))
	report, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failed, "a state finished concurrently is not a failure")
}

func TestRun_ActivityUsesCourseField(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, fixture.SeedStore(ctx, st))
	eng := engine.NewEngine(st, engine.WithLogger(zerolog.Nop()))

	def := builder.NewWorkflow("essay", "Essay").WithID("E").AppliesTo(fixture.ActivityKind).
		Sequence(
			builder.NewStep("Draft").WithID("e1").AutoFinish("assign;duedate", 0),
			builder.NewStep("Grade").WithID("e2").AutoFinish("course;startdate", -3600),
		).MustBuild()
	require.NoError(t, eng.InstallWorkflow(ctx, def))
	_, err := eng.Assign(ctx, "E", fixture.ActivityID)
	require.NoError(t, err)

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		if err := tx.SetFieldValue(ctx, fixture.ActivityID, fixture.ActivityKind, "duedate", strconv.FormatInt(startDate, 10)); err != nil {
			return err
		}
		return tx.SetFieldValue(ctx, fixture.CourseID, stepflow.KindCourse, "startdate", strconv.FormatInt(startDate+7200, 10))
	}))

	now := time.Unix(startDate+3600, 0).UTC()
	a := New(st, eng, &store.MemoryWatermark{}, WithConfig(debugConfig()), WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return now }))

	report, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finished)

	current, err := eng.CurrentState(ctx, fixture.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, "e2", current.StepID)

	// The grading deadline is an hour before the course start, already passed
	report, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finished)

	current, err = eng.CurrentState(ctx, fixture.ActivityID)
	require.NoError(t, err)
	assert.Nil(t, current, "the workflow ended")
}
