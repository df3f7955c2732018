// Package catalog exposes the workflow definition graph: workflows, their
// densely numbered steps and the todo items attached to them.
package catalog

import (
	"context"
	"fmt"

	"github.com/sicko7947/stepflow"
)

// Catalog reads and maintains workflow definitions inside a unit of work
type Catalog struct {
	tx stepflow.Tx
}

// New creates a catalog bound to tx
func New(tx stepflow.Tx) *Catalog {
	return &Catalog{tx: tx}
}

// Workflow returns the workflow with the given id
func (c *Catalog) Workflow(ctx context.Context, id string) (*stepflow.Workflow, error) {
	return c.tx.GetWorkflow(ctx, id)
}

// Step returns the step with the given id
func (c *Catalog) Step(ctx context.Context, id string) (*stepflow.Step, error) {
	return c.tx.GetStep(ctx, id)
}

// Steps returns the steps of a workflow ordered by step number
func (c *Catalog) Steps(ctx context.Context, workflowID string) ([]*stepflow.Step, error) {
	return c.tx.ListSteps(ctx, workflowID)
}

// StepByWorkflowAndNumber returns the step numbered stepNo, or NOT_FOUND
func (c *Catalog) StepByWorkflowAndNumber(ctx context.Context, workflowID string, stepNo int) (*stepflow.Step, error) {
	steps, err := c.tx.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.StepNo == stepNo {
			return s, nil
		}
	}
	return nil, stepflow.NotFound("step", fmt.Sprintf("%s#%d", workflowID, stepNo))
}

// FirstStep returns step 1 of a workflow
func (c *Catalog) FirstStep(ctx context.Context, workflowID string) (*stepflow.Step, error) {
	return c.StepByWorkflowAndNumber(ctx, workflowID, 1)
}

// NextStep returns the step following step. After the last step it wraps to
// the workflow's AtEndGoBackTo step if one is set; otherwise it returns nil.
func (c *Catalog) NextStep(ctx context.Context, step *stepflow.Step) (*stepflow.Step, error) {
	next, err := c.StepByWorkflowAndNumber(ctx, step.WorkflowID, step.StepNo+1)
	if err == nil {
		return next, nil
	}
	if !stepflow.IsNotFound(err) {
		return nil, err
	}

	wf, err := c.tx.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.AtEndGoBackTo == nil {
		return nil, nil
	}
	return c.StepByWorkflowAndNumber(ctx, wf.ID, *wf.AtEndGoBackTo)
}

// RenumberSteps rewrites step numbers to a dense 1..N sequence keeping the
// current relative order
func (c *Catalog) RenumberSteps(ctx context.Context, workflowID string) error {
	steps, err := c.tx.ListSteps(ctx, workflowID)
	if err != nil {
		return err
	}
	for i, s := range steps {
		if s.StepNo == i+1 {
			continue
		}
		s.StepNo = i + 1
		if err := c.tx.UpdateStep(ctx, s); err != nil {
			return fmt.Errorf("renumber step %s: %w", s.ID, err)
		}
	}
	return nil
}

// Todos returns the non-obsolete todo items of a step
func (c *Catalog) Todos(ctx context.Context, stepID string) ([]*stepflow.Todo, error) {
	todos, err := c.tx.ListTodos(ctx, stepID)
	if err != nil {
		return nil, err
	}
	out := todos[:0]
	for _, t := range todos {
		if !t.Obsolete {
			out = append(out, t)
		}
	}
	return out, nil
}
