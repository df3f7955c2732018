package stepflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// State machine events
	EventStateActivated = "state_activated"
	EventStateCompleted = "state_completed"
	EventStateAborted   = "state_aborted"
	EventRolesRevoked   = "roles_revoked"
	EventStatesRemoved  = "states_removed"

	// Interpreter events
	EventScriptExecuted = "script_executed"
	EventScriptRejected = "script_rejected"

	// Deferred effect events
	EventEffectDelivered = "effect_delivered"
	EventEffectFailed    = "effect_failed"

	// Scheduler events
	EventAutoFinishSkipped = "autofinish_skipped"
	EventAutoFinishRun     = "autofinish_run"
	EventAutoFinishStep    = "autofinish_step"

	// Persistence events
	EventPersistenceError = "persistence_error"
)

// LogStateActivated logs a state entering active
func LogStateActivated(logger zerolog.Logger, state *StepState, actor string) {
	logger.Info().
		Str("event", EventStateActivated).
		Str("state_id", state.ID).
		Str("step_id", state.StepID).
		Str("subject_id", state.SubjectID).
		Str("actor", actor).
		Msg("Step state activated")
}

// LogStateCompleted logs a state leaving active through completion
func LogStateCompleted(logger zerolog.Logger, state *StepState, actor string) {
	logger.Info().
		Str("event", EventStateCompleted).
		Str("state_id", state.ID).
		Str("step_id", state.StepID).
		Str("subject_id", state.SubjectID).
		Str("actor", actor).
		Msg("Step state completed")
}

// LogStateAborted logs a state leaving active through an abort
func LogStateAborted(logger zerolog.Logger, state *StepState, actor string) {
	logger.Warn().
		Str("event", EventStateAborted).
		Str("state_id", state.ID).
		Str("step_id", state.StepID).
		Str("subject_id", state.SubjectID).
		Str("actor", actor).
		Msg("Step state aborted")
}

// LogRolesRevoked logs the bulk revocation of delegated role grants
func LogRolesRevoked(logger zerolog.Logger, stateID string, count int) {
	logger.Debug().
		Str("event", EventRolesRevoked).
		Str("state_id", stateID).
		Int("count", count).
		Msg("Delegated roles revoked")
}

// LogStatesRemoved logs the removal of a workflow from a subject
func LogStatesRemoved(logger zerolog.Logger, workflowID, subjectID string, count int) {
	logger.Info().
		Str("event", EventStatesRemoved).
		Str("workflow_id", workflowID).
		Str("subject_id", subjectID).
		Int("count", count).
		Msg("Workflow removed from subject")
}

// LogScriptExecuted logs a successfully executed step script
func LogScriptExecuted(logger zerolog.Logger, stepID string, commands int) {
	logger.Debug().
		Str("event", EventScriptExecuted).
		Str("step_id", stepID).
		Int("commands", commands).
		Msg("Script executed")
}

// LogScriptRejected logs a script that failed validation
func LogScriptRejected(logger zerolog.Logger, stepID string, err error) {
	logger.Warn().
		Str("event", EventScriptRejected).
		Str("step_id", stepID).
		Err(err).
		Msg("Script rejected")
}

// LogEffectDelivered logs a delivered deferred effect
func LogEffectDelivered(logger zerolog.Logger, effect string) {
	logger.Debug().
		Str("event", EventEffectDelivered).
		Str("effect", effect).
		Msg("Deferred effect delivered")
}

// LogEffectFailed logs a deferred effect whose delivery failed
func LogEffectFailed(logger zerolog.Logger, effect string, err error) {
	logger.Error().
		Str("event", EventEffectFailed).
		Str("effect", effect).
		Err(err).
		Msg("Deferred effect failed")
}

// LogAutoFinishSkipped logs a throttled scheduler tick
func LogAutoFinishSkipped(logger zerolog.Logger, reason string) {
	logger.Debug().
		Str("event", EventAutoFinishSkipped).
		Str("reason", reason).
		Msg("Auto-finish run skipped")
}

// LogAutoFinishRun logs the outcome of a scheduler tick
func LogAutoFinishRun(logger zerolog.Logger, candidates, due, finished int, duration time.Duration) {
	logger.Info().
		Str("event", EventAutoFinishRun).
		Int("candidates", candidates).
		Int("due", due).
		Int("finished", finished).
		Dur("duration", duration).
		Msg("Auto-finish run completed")
}

// LogAutoFinishStep logs one state finished by the scheduler
func LogAutoFinishStep(logger zerolog.Logger, stateID string, deadline time.Time) {
	logger.Info().
		Str("event", EventAutoFinishStep).
		Str("state_id", stateID).
		Time("deadline", deadline).
		Msg("Step finished automatically")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// SubjectLogger creates a logger enriched with subject context
func SubjectLogger(baseLogger zerolog.Logger, subjectID, operation string) zerolog.Logger {
	return baseLogger.With().
		Str("subject_id", subjectID).
		Str("operation", operation).
		Logger()
}

// StateLogger creates a logger enriched with step state context
func StateLogger(baseLogger zerolog.Logger, stateID, operation string) zerolog.Logger {
	return baseLogger.With().
		Str("state_id", stateID).
		Str("operation", operation).
		Logger()
}
