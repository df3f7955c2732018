// Package metrics records Prometheus metrics for state machine operations and
// auto-finish ticks. A nil *Recorder records nothing.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sicko7947/stepflow"
)

// Outcome labels that are not error codes
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
	OutcomeFinished = "finished"
	OutcomeRaced    = "raced"
	OutcomeFailed   = "failed"
)

// Config names the metrics and selects the registry they are registered with
type Config struct {
	Namespace string
	Registry  prometheus.Registerer
}

// Recorder holds the stepflow collectors
type Recorder struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	autoFinishRuns    *prometheus.CounterVec
	autoFinishStates  *prometheus.CounterVec
	lastRun           prometheus.Gauge
}

// NewRecorder registers the collectors. A nil config uses the "stepflow"
// namespace and the default registerer.
func NewRecorder(config *Config) *Recorder {
	if config == nil {
		config = &Config{}
	}
	if config.Namespace == "" {
		config.Namespace = "stepflow"
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(config.Registry)

	return &Recorder{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "State machine operations by outcome (ok or the error code)",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Time spent in a state machine operation, including effect delivery",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		autoFinishRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "autofinish",
				Name:      "runs_total",
				Help:      "Auto-finish ticks by outcome",
			},
			[]string{"outcome"},
		),
		autoFinishStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "autofinish",
				Name:      "states_total",
				Help:      "Due step states handled by the auto-finisher by outcome",
			},
			[]string{"outcome"},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: "autofinish",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last tick that found due states",
			},
		),
	}
}

// Outcome maps an operation result to its label value
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := stepflow.ErrorCode(err); code != "" {
		return strings.ToLower(code)
	}
	return OutcomeError
}

// ObserveOperation records one state machine operation
func (r *Recorder) ObserveOperation(operation string, err error, d time.Duration) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(operation, Outcome(err)).Inc()
	r.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveAutoFinishRun records one tick
func (r *Recorder) ObserveAutoFinishRun(skipped bool, err error) {
	if r == nil {
		return
	}
	switch {
	case err != nil:
		r.autoFinishRuns.WithLabelValues(OutcomeError).Inc()
	case skipped:
		r.autoFinishRuns.WithLabelValues(OutcomeSkipped).Inc()
	default:
		r.autoFinishRuns.WithLabelValues(OutcomeOK).Inc()
	}
}

// ObserveAutoFinishState records how the auto-finisher left one due state
func (r *Recorder) ObserveAutoFinishState(outcome string) {
	if r == nil {
		return
	}
	r.autoFinishStates.WithLabelValues(outcome).Inc()
}

// SetLastRun records the watermark written by a tick
func (r *Recorder) SetLastRun(t time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(t.Unix()))
}
