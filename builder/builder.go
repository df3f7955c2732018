package builder

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/catalog"
)

// WorkflowBuilder provides a fluent API for building workflow definitions
type WorkflowBuilder struct {
	workflow *stepflow.Workflow
	steps    []*StepBuilder
}

// NewWorkflow creates a new workflow builder. The workflow applies to courses
// unless AppliesTo says otherwise.
func NewWorkflow(shortname, name string) *WorkflowBuilder {
	return &WorkflowBuilder{
		workflow: &stepflow.Workflow{
			ID:        uuid.New().String(),
			Shortname: shortname,
			Name:      name,
			AppliesTo: stepflow.KindCourse,
		},
	}
}

// WithID overrides the generated workflow id
func (b *WorkflowBuilder) WithID(id string) *WorkflowBuilder {
	b.workflow.ID = id
	return b
}

// AppliesTo sets the subject kind the workflow governs
func (b *WorkflowBuilder) AppliesTo(kind string) *WorkflowBuilder {
	b.workflow.AppliesTo = kind
	return b
}

// AtEndGoBackTo makes the workflow wrap to stepNo after its last step
func (b *WorkflowBuilder) AtEndGoBackTo(stepNo int) *WorkflowBuilder {
	b.workflow.AtEndGoBackTo = stepflow.ToPtr(stepNo)
	return b
}

// Obsolete marks the workflow obsolete
func (b *WorkflowBuilder) Obsolete() *WorkflowBuilder {
	b.workflow.Obsolete = true
	return b
}

// ThenStep appends a step numbered after the last added step
func (b *WorkflowBuilder) ThenStep(step *StepBuilder) *WorkflowBuilder {
	step.step.StepNo = len(b.steps) + 1
	b.steps = append(b.steps, step)
	return b
}

// Sequence appends multiple steps in order
func (b *WorkflowBuilder) Sequence(steps ...*StepBuilder) *WorkflowBuilder {
	for _, s := range steps {
		b.ThenStep(s)
	}
	return b
}

// Build finalizes and validates the definition
func (b *WorkflowBuilder) Build() (*catalog.Definition, error) {
	def := &catalog.Definition{Workflow: b.workflow}
	var errs []error
	for _, sb := range b.steps {
		sb.step.WorkflowID = b.workflow.ID
		def.Steps = append(def.Steps, sb.step)
		for _, task := range sb.todos {
			def.Todos = append(def.Todos, &stepflow.Todo{
				ID:     uuid.New().String(),
				StepID: sb.step.ID,
				Task:   task,
			})
		}
		errs = append(errs, sb.errs...)
	}

	if len(errs) > 0 {
		return nil, stepflow.WrapError(stepflow.ErrCodeValidation, "invalid step", errs[0])
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

// MustBuild finalizes and validates the definition, panics on error
func (b *WorkflowBuilder) MustBuild() *catalog.Definition {
	def, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build workflow: %v", err))
	}
	return def
}

// StepBuilder configures one step
type StepBuilder struct {
	step  *stepflow.Step
	todos []string
	errs  []error
}

// NewStep creates a step builder
func NewStep(name string) *StepBuilder {
	return &StepBuilder{
		step: &stepflow.Step{
			ID:   uuid.New().String(),
			Name: name,
		},
	}
}

// WithID overrides the generated step id
func (s *StepBuilder) WithID(id string) *StepBuilder {
	s.step.ID = id
	return s
}

// Instructions sets the step instructions
func (s *StepBuilder) Instructions(text string) *StepBuilder {
	s.step.Instructions = text
	return s
}

// OnActive sets the script run when the step becomes active
func (s *StepBuilder) OnActive(script string) *StepBuilder {
	s.step.OnActiveScript = script
	return s
}

// OnComplete sets the script run when the step is completed
func (s *StepBuilder) OnComplete(script string) *StepBuilder {
	s.step.OnCompleteScript = script
	return s
}

// AutoFinish completes the step once the referenced timestamp plus offset has passed
func (s *StepBuilder) AutoFinish(ref string, offsetSeconds int64) *StepBuilder {
	rule, err := stepflow.ParseRule(ref, fmt.Sprint(offsetSeconds))
	if err != nil {
		s.errs = append(s.errs, err)
		return s
	}
	s.step.AutoFinish = rule
	return s
}

// ExtraNotify sets the extra notification rule
func (s *StepBuilder) ExtraNotify(ref string, offsetSeconds int64) *StepBuilder {
	rule, err := stepflow.ParseRule(ref, fmt.Sprint(offsetSeconds))
	if err != nil {
		s.errs = append(s.errs, err)
		return s
	}
	s.step.ExtraNotify = rule
	return s
}

// Todo attaches a checklist task
func (s *StepBuilder) Todo(task string) *StepBuilder {
	s.todos = append(s.todos, task)
	return s
}
