package engine

import (
	"context"
	"fmt"

	"github.com/sicko7947/stepflow"
)

// Assign starts workflowID on subjectID at step 1. It fails with
// ALREADY_ASSIGNED if the subject already has an active step.
func (e *Engine) Assign(ctx context.Context, workflowID, subjectID string) (*stepflow.StepState, error) {
	var result *stepflow.StepState
	err := e.run(ctx, "assign", stepflow.SubjectLogger(e.logger, subjectID, "assign"), func(ctx context.Context, op *operation) error {
		wf, err := op.cat.Workflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if err := checkApplicable(ctx, op, wf, subjectID); err != nil {
			return err
		}

		active, err := op.tx.ActiveStepState(ctx, subjectID)
		if err == nil {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeAlreadyAssigned, "subject already has an active step", subjectID).
				WithDetails(map[string]any{"state_id": active.ID, "step_id": active.StepID})
		}
		if !stepflow.IsNotFound(err) {
			return err
		}

		first, err := op.cat.FirstStep(ctx, workflowID)
		if err != nil {
			return err
		}
		result, err = e.enter(ctx, op, first, subjectID, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FinishOption configures FinishStep
type FinishOption func(*finishOptions)

type finishOptions struct {
	format string
}

// WithCommentFormat records the format of the finishing comment
func WithCommentFormat(format string) FinishOption {
	return func(o *finishOptions) {
		o.format = format
	}
}

// FinishStep completes the active state stateID with comment and activates
// the next step. It returns the newly active state, or nil when the workflow
// has no further step.
func (e *Engine) FinishStep(ctx context.Context, stateID, comment string, opts ...FinishOption) (*stepflow.StepState, error) {
	options := finishOptions{format: "plain"}
	for _, opt := range opts {
		opt(&options)
	}

	var result *stepflow.StepState
	err := e.run(ctx, "finish_step", stepflow.StateLogger(e.logger, stateID, "finish_step"), func(ctx context.Context, op *operation) error {
		state, err := op.tx.GetStepState(ctx, stateID)
		if err != nil {
			return err
		}
		op.logger = op.logger.With().Str("subject_id", state.SubjectID).Logger()
		if state.Status != stepflow.StatusActive {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeNotActive,
				fmt.Sprintf("step state is %s", state.Status), stateID)
		}

		step, err := op.cat.Step(ctx, state.StepID)
		if err != nil {
			return err
		}

		state.Comment = comment
		state.CommentFormat = options.format
		if err := e.complete(ctx, op, step, state); err != nil {
			return err
		}

		next, err := op.cat.NextStep(ctx, step)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		result, err = e.enter(ctx, op, next, state.SubjectID, comment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// JumpToStep aborts the subject's active state, if any, and activates
// targetStepID. An empty targetStepID only aborts, which unassigns the
// workflow; the returned state is then nil.
func (e *Engine) JumpToStep(ctx context.Context, subjectID, targetStepID string) (*stepflow.StepState, error) {
	var result *stepflow.StepState
	err := e.run(ctx, "jump_to_step", stepflow.SubjectLogger(e.logger, subjectID, "jump_to_step"), func(ctx context.Context, op *operation) error {
		var err error
		result, err = e.jump(ctx, op, subjectID, targetStepID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) jump(ctx context.Context, op *operation, subjectID, targetStepID string) (*stepflow.StepState, error) {
	active, err := op.tx.ActiveStepState(ctx, subjectID)
	if err != nil && !stepflow.IsNotFound(err) {
		return nil, err
	}

	var activeStep *stepflow.Step
	if active != nil {
		if activeStep, err = op.cat.Step(ctx, active.StepID); err != nil {
			return nil, err
		}
	}

	var target *stepflow.Step
	if targetStepID != "" {
		target, err = op.cat.Step(ctx, targetStepID)
		if stepflow.IsNotFound(err) {
			return nil, stepflow.NewErrorWithRef(stepflow.ErrCodeInvalidTarget, "target step does not exist", targetStepID)
		}
		if err != nil {
			return nil, err
		}

		if activeStep != nil && activeStep.WorkflowID != target.WorkflowID {
			return nil, stepflow.NewErrorWithRef(stepflow.ErrCodeInvalidTarget,
				"target step belongs to another workflow than the active step", targetStepID)
		}
		if activeStep == nil {
			wf, err := op.cat.Workflow(ctx, target.WorkflowID)
			if err != nil {
				return nil, err
			}
			if err := checkApplicable(ctx, op, wf, subjectID); err != nil {
				return nil, err
			}
		}
	}

	var previous string
	if active != nil {
		if err := e.abort(ctx, op, active); err != nil {
			return nil, err
		}
		previous = fmt.Sprintf(e.config.JumpCommentFormat, activeStep.StepNo, activeStep.Name, active.Comment)
	}

	if target == nil {
		return nil, nil
	}
	return e.enter(ctx, op, target, subjectID, previous)
}

// Remove takes workflowID off subjectID: the active state is aborted and
// every state of the workflow for the subject is deleted with its log.
// It fails with NOT_ASSIGNED if the workflow has no state on the subject.
func (e *Engine) Remove(ctx context.Context, workflowID, subjectID string) error {
	return e.run(ctx, "remove", stepflow.SubjectLogger(e.logger, subjectID, "remove"), func(ctx context.Context, op *operation) error {
		states, err := op.tx.ListStepStates(ctx, stepflow.StateFilter{WorkflowID: workflowID, SubjectID: subjectID})
		if err != nil {
			return err
		}
		if len(states) == 0 {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeNotAssigned, "workflow is not assigned to subject", subjectID).
				WithDetails(map[string]any{"workflow_id": workflowID})
		}

		for _, st := range states {
			if st.Status == stepflow.StatusActive {
				if _, err := e.jump(ctx, op, subjectID, ""); err != nil {
					return err
				}
				break
			}
		}

		for _, st := range states {
			if _, err := op.tx.RevokeRolesByOwner(ctx, st.ID); err != nil {
				return err
			}
			if err := op.tx.DeleteStateChanges(ctx, st.ID); err != nil {
				return err
			}
			if err := op.tx.DeleteStepState(ctx, st.ID); err != nil {
				return err
			}
		}

		stepflow.LogStatesRemoved(op.logger, workflowID, subjectID, len(states))
		return nil
	})
}

// checkApplicable reports whether wf may be started on subjectID
func checkApplicable(ctx context.Context, op *operation, wf *stepflow.Workflow, subjectID string) error {
	if wf.Obsolete {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeObsolete, "workflow is obsolete", wf.ID)
	}
	subject, err := op.tx.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	if subject.Kind != wf.AppliesTo {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeNotApplicable,
			fmt.Sprintf("workflow applies to %s, subject is a %s", wf.AppliesTo, subject.Kind), subjectID)
	}
	return nil
}
