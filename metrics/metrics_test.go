package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/stepflow"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeOK, Outcome(nil))
	assert.Equal(t, "not_active", Outcome(stepflow.NewError(stepflow.ErrCodeNotActive, "x")))
	assert.Equal(t, "script_error", Outcome(&stepflow.ScriptError{}))
	assert.Equal(t, OutcomeError, Outcome(errors.New("plain")))
}

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(&Config{Registry: reg})

	r.ObserveOperation("assign", nil, 10*time.Millisecond)
	r.ObserveOperation("assign", nil, 20*time.Millisecond)
	r.ObserveOperation("finish", stepflow.NewError(stepflow.ErrCodeNotActive, "x"), time.Millisecond)
	r.ObserveAutoFinishRun(true, nil)
	r.ObserveAutoFinishRun(false, nil)
	r.ObserveAutoFinishState(OutcomeFinished)
	r.SetLastRun(time.Unix(1700000000, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.operations.WithLabelValues("assign", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("finish", "not_active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.autoFinishRuns.WithLabelValues(OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.autoFinishStates.WithLabelValues(OutcomeFinished)))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastRun))

	n, err := testutil.GatherAndCount(reg, "stepflow_engine_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one histogram per operation")
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveOperation("assign", nil, time.Second)
		r.ObserveAutoFinishRun(false, errors.New("x"))
		r.ObserveAutoFinishState(OutcomeFailed)
		r.SetLastRun(time.Now())
	})
}
