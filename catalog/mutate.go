package catalog

import (
	"context"
	"fmt"

	"github.com/sicko7947/stepflow"
)

// Definition is a workflow with its steps and todos, ready to be saved
type Definition struct {
	Workflow *stepflow.Workflow
	Steps    []*stepflow.Step
	Todos    []*stepflow.Todo
}

// Save persists a new definition. Shortname and name must be unused.
func (c *Catalog) Save(ctx context.Context, def *Definition) error {
	if _, err := c.tx.GetWorkflowByShortname(ctx, def.Workflow.Shortname); err == nil {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeDuplicate, "workflow shortname already in use", def.Workflow.Shortname)
	} else if !stepflow.IsNotFound(err) {
		return err
	}

	existing, err := c.tx.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, wf := range existing {
		if wf.Name == def.Workflow.Name {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeDuplicate, "workflow name already in use", def.Workflow.Name)
		}
	}

	ok, err := c.tx.KindExists(ctx, def.Workflow.AppliesTo)
	if err != nil {
		return err
	}
	if !ok {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeUnknownKind, "unknown applies-to kind", def.Workflow.AppliesTo)
	}

	if err := c.tx.CreateWorkflow(ctx, def.Workflow); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	for _, s := range def.Steps {
		if err := c.tx.CreateStep(ctx, s); err != nil {
			return fmt.Errorf("create step %d: %w", s.StepNo, err)
		}
	}
	for _, t := range def.Todos {
		if err := c.tx.CreateTodo(ctx, t); err != nil {
			return fmt.Errorf("create todo: %w", err)
		}
	}
	return nil
}

// CanDeleteStep reports whether a step may be deleted. The only step of a
// workflow is never deletable; otherwise a step is in use while any subject
// has it active. Terminal states do not block deletion.
func (c *Catalog) CanDeleteStep(ctx context.Context, stepID string) error {
	step, err := c.tx.GetStep(ctx, stepID)
	if err != nil {
		return err
	}

	steps, err := c.tx.ListSteps(ctx, step.WorkflowID)
	if err != nil {
		return err
	}
	if len(steps) <= 1 {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeLastStep, "a workflow must keep at least one step", stepID)
	}

	active, err := c.tx.ListStepStates(ctx, stepflow.StateFilter{StepID: stepID, Status: stepflow.StatusActive})
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeStepInUse, "step is active for a subject", stepID).
			WithDetails(map[string]any{"subjects": len(active)})
	}
	return nil
}

// DeleteStep removes a step with its todos and terminal states, renumbers the
// remaining steps and keeps AtEndGoBackTo pointing at the same step.
// If AtEndGoBackTo pointed at the deleted step it is cleared.
func (c *Catalog) DeleteStep(ctx context.Context, stepID string) error {
	if err := c.CanDeleteStep(ctx, stepID); err != nil {
		return err
	}

	step, err := c.tx.GetStep(ctx, stepID)
	if err != nil {
		return err
	}

	states, err := c.tx.ListStepStates(ctx, stepflow.StateFilter{StepID: stepID})
	if err != nil {
		return err
	}
	for _, st := range states {
		if err := c.tx.DeleteStateChanges(ctx, st.ID); err != nil {
			return err
		}
		if err := c.tx.DeleteStepState(ctx, st.ID); err != nil {
			return err
		}
	}
	if err := c.tx.DeleteTodos(ctx, stepID); err != nil {
		return err
	}
	if err := c.tx.DeleteStep(ctx, stepID); err != nil {
		return err
	}
	if err := c.RenumberSteps(ctx, step.WorkflowID); err != nil {
		return err
	}

	wf, err := c.tx.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return err
	}
	if wf.AtEndGoBackTo == nil {
		return nil
	}
	switch at := *wf.AtEndGoBackTo; {
	case at == step.StepNo:
		wf.AtEndGoBackTo = nil
	case at > step.StepNo:
		wf.AtEndGoBackTo = stepflow.ToPtr(at - 1)
	default:
		return nil
	}
	return c.tx.UpdateWorkflow(ctx, wf)
}
