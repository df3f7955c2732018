package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/command"
)

// grantLedger tags every grant requested by a script with the owning state
type grantLedger struct {
	tx    stepflow.Tx
	state *stepflow.StepState
}

func (g grantLedger) Grant(ctx context.Context, roleID, userID string) error {
	return g.tx.AssignRole(ctx, stepflow.RoleAssignment{
		RoleID:    roleID,
		UserID:    userID,
		SubjectID: g.state.SubjectID,
		Owner:     g.state.ID,
	})
}

// enter activates step for subjectID, reusing the subject's state row for the
// step if one exists, and runs the step's activation script
func (e *Engine) enter(ctx context.Context, op *operation, step *stepflow.Step, subjectID, previousComment string) (*stepflow.StepState, error) {
	state, err := op.tx.FindStepState(ctx, step.ID, subjectID)
	switch {
	case stepflow.IsNotFound(err):
		state = &stepflow.StepState{
			ID:           uuid.New().String(),
			StepID:       step.ID,
			SubjectID:    subjectID,
			Status:       stepflow.StatusActive,
			TimeModified: e.clock(),
		}
		if err := op.tx.CreateStepState(ctx, state); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		state.Status = stepflow.StatusActive
		state.TimeModified = e.clock()
		if err := op.tx.UpdateStepState(ctx, state); err != nil {
			return nil, err
		}
	}

	if err := e.logChange(ctx, op, state); err != nil {
		return nil, err
	}
	if err := e.runScript(ctx, op, step, state, step.OnActiveScript, previousComment); err != nil {
		return nil, err
	}

	stepflow.LogStateActivated(op.logger, state, op.actor)
	return state, nil
}

// complete moves an active state to completed, revokes its grants and runs
// the step's completion script
func (e *Engine) complete(ctx context.Context, op *operation, step *stepflow.Step, state *stepflow.StepState) error {
	state.Status = stepflow.StatusCompleted
	state.TimeModified = e.clock()
	if err := op.tx.UpdateStepState(ctx, state); err != nil {
		return err
	}
	if err := e.logChange(ctx, op, state); err != nil {
		return err
	}
	if err := e.revoke(ctx, op, state); err != nil {
		return err
	}
	if err := e.runScript(ctx, op, step, state, step.OnCompleteScript, ""); err != nil {
		return err
	}

	stepflow.LogStateCompleted(op.logger, state, op.actor)
	return nil
}

// abort moves an active state to aborted and revokes its grants. No script runs.
func (e *Engine) abort(ctx context.Context, op *operation, state *stepflow.StepState) error {
	state.Status = stepflow.StatusAborted
	state.TimeModified = e.clock()
	if err := op.tx.UpdateStepState(ctx, state); err != nil {
		return err
	}
	if err := e.logChange(ctx, op, state); err != nil {
		return err
	}
	if err := e.revoke(ctx, op, state); err != nil {
		return err
	}

	stepflow.LogStateAborted(op.logger, state, op.actor)
	return nil
}

func (e *Engine) logChange(ctx context.Context, op *operation, state *stepflow.StepState) error {
	return op.tx.AppendStateChange(ctx, &stepflow.StateChange{
		StepStateID: state.ID,
		NewStatus:   state.Status,
		UserID:      op.actor,
		Timestamp:   state.TimeModified,
	})
}

func (e *Engine) revoke(ctx context.Context, op *operation, state *stepflow.StepState) error {
	n, err := op.tx.RevokeRolesByOwner(ctx, state.ID)
	if err != nil {
		return err
	}
	stepflow.LogRolesRevoked(op.logger, state.ID, n)
	return nil
}

func (e *Engine) runScript(ctx context.Context, op *operation, step *stepflow.Step, state *stepflow.StepState, script, previousComment string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}

	wf, err := op.cat.Workflow(ctx, step.WorkflowID)
	if err != nil {
		return err
	}

	env := &command.Env{
		Tx:              op.tx,
		Workflow:        wf,
		Step:            step,
		State:           state,
		PreviousComment: previousComment,
		Grants:          grantLedger{tx: op.tx, state: state},
		Effects:         op.queue,
		Notifier:        e.notifier,
	}

	n, err := e.interpreter.Execute(ctx, env, script)
	if err != nil {
		if stepflow.IsScriptError(err) {
			stepflow.LogScriptRejected(op.logger, step.ID, err)
		}
		return err
	}
	stepflow.LogScriptExecuted(op.logger, step.ID, n)
	return nil
}
