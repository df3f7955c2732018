package builder

import (
	"fmt"
	"regexp"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/catalog"
)

var (
	shortnamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	kindPattern      = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidateDefinition performs the definitional checks that need no storage:
// names, applies-to kind syntax, dense step numbering and the wrap target
func ValidateDefinition(def *catalog.Definition) error {
	wf := def.Workflow
	if wf == nil {
		return stepflow.NewError(stepflow.ErrCodeValidation, "definition has no workflow")
	}

	if !shortnamePattern.MatchString(wf.Shortname) {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeValidation,
			"shortname must be lower-case letters, digits, '-' or '_'", wf.Shortname)
	}
	if wf.Name == "" {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeValidation, "name is required", wf.Shortname)
	}
	if !kindPattern.MatchString(wf.AppliesTo) {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeUnknownKind, "invalid applies-to kind", wf.AppliesTo)
	}

	if err := ValidateStepNumbers(def.Steps); err != nil {
		return err
	}

	if wf.AtEndGoBackTo != nil {
		if at := *wf.AtEndGoBackTo; at < 1 || at > len(def.Steps) {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeInvalidStepNumber,
				fmt.Sprintf("at-end step %d does not exist", at), wf.Shortname)
		}
	}

	for _, s := range def.Steps {
		if s.WorkflowID != wf.ID {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeValidation, "step belongs to another workflow", s.ID)
		}
		if s.Name == "" {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeValidation, fmt.Sprintf("step %d has no name", s.StepNo), s.ID)
		}
	}
	return nil
}

// ValidateStepNumbers ensures steps are numbered 1..N without gaps or repeats
func ValidateStepNumbers(steps []*stepflow.Step) error {
	if len(steps) == 0 {
		return stepflow.NewError(stepflow.ErrCodeValidation, "a workflow needs at least one step")
	}

	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.StepNo < 1 || s.StepNo > len(steps) {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeInvalidStepNumber,
				fmt.Sprintf("step number %d out of range 1..%d", s.StepNo, len(steps)), s.ID)
		}
		if seen[s.StepNo] {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeInvalidStepNumber,
				fmt.Sprintf("step number %d used twice", s.StepNo), s.ID)
		}
		seen[s.StepNo] = true
	}
	return nil
}
