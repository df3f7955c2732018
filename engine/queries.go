package engine

import (
	"context"
	"errors"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
	"github.com/sicko7947/stepflow/catalog"
	"github.com/sicko7947/stepflow/command"
)

// CurrentState returns the subject's active state, or nil if it has none
func (e *Engine) CurrentState(ctx context.Context, subjectID string) (*stepflow.StepState, error) {
	var result *stepflow.StepState
	err := e.store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		st, err := tx.ActiveStepState(ctx, subjectID)
		if stepflow.IsNotFound(err) {
			return nil
		}
		result = st
		return err
	})
	return result, err
}

// States returns every state of workflowID recorded for subjectID
func (e *Engine) States(ctx context.Context, workflowID, subjectID string) ([]*stepflow.StepState, error) {
	var result []*stepflow.StepState
	err := e.store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		var err error
		result, err = tx.ListStepStates(ctx, stepflow.StateFilter{WorkflowID: workflowID, SubjectID: subjectID})
		return err
	})
	return result, err
}

// History returns the transition log of a state in order
func (e *Engine) History(ctx context.Context, stateID string) ([]*stepflow.StateChange, error) {
	var result []*stepflow.StateChange
	err := e.store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		var err error
		result, err = tx.ListStateChanges(ctx, stateID)
		return err
	})
	return result, err
}

// InstallWorkflow validates a definition, including a structural check of
// every step script, and saves it
func (e *Engine) InstallWorkflow(ctx context.Context, def *catalog.Definition) error {
	if err := builder.ValidateDefinition(def); err != nil {
		return err
	}

	return e.store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		ok, err := tx.KindExists(ctx, def.Workflow.AppliesTo)
		if err != nil {
			return err
		}
		if !ok {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeUnknownKind, "unknown applies-to kind", def.Workflow.AppliesTo)
		}

		var problems []stepflow.ScriptProblem
		for _, step := range def.Steps {
			env := &command.Env{Tx: tx, Workflow: def.Workflow, Step: step}
			for _, script := range []string{step.OnActiveScript, step.OnCompleteScript} {
				err := e.interpreter.Validate(ctx, env, script)
				var se *stepflow.ScriptError
				if errors.As(err, &se) {
					problems = append(problems, se.Problems...)
					continue
				}
				if err != nil {
					return err
				}
			}
		}
		if len(problems) > 0 {
			return &stepflow.ScriptError{Problems: problems}
		}

		return catalog.New(tx).Save(ctx, def)
	})
}

// ValidateScript checks script structurally against stepID, as done when
// the authoring subsystem saves a script
func (e *Engine) ValidateScript(ctx context.Context, stepID, script string) error {
	return e.store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		cat := catalog.New(tx)
		step, err := cat.Step(ctx, stepID)
		if err != nil {
			return err
		}
		wf, err := cat.Workflow(ctx, step.WorkflowID)
		if err != nil {
			return err
		}
		return e.interpreter.Validate(ctx, &command.Env{Tx: tx, Workflow: wf, Step: step}, script)
	})
}

// DeleteStep removes a step from its workflow if it is deletable
func (e *Engine) DeleteStep(ctx context.Context, stepID string) error {
	return e.store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		return catalog.New(tx).DeleteStep(ctx, stepID)
	})
}
