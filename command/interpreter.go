package command

import (
	"context"
	"fmt"

	"github.com/sicko7947/stepflow"
)

// Interpreter validates and runs step scripts
type Interpreter struct {
	registry *Registry
}

// NewInterpreter creates an interpreter over registry, or over the built-in
// commands when registry is nil
func NewInterpreter(registry *Registry) *Interpreter {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Interpreter{registry: registry}
}

// Registry returns the command registry
func (i *Interpreter) Registry() *Registry {
	return i.registry
}

// Parse splits script into invocations and reports unknown commands. Parsing
// continues past unknown commands so every problem is collected.
func (i *Interpreter) Parse(script string) ([]Invocation, []stepflow.ScriptProblem) {
	var problems []stepflow.ScriptProblem
	invocations := Split(script)
	for _, inv := range invocations {
		if _, ok := i.registry.Lookup(inv.Name); !ok {
			problems = append(problems, stepflow.ScriptProblem{
				Line:    inv.Line,
				Command: inv.Name,
				Message: "unknown command",
			})
		}
	}
	return invocations, problems
}

// Validate checks script against env. It returns a *stepflow.ScriptError when
// the script has problems and a plain error on persistence failures.
func (i *Interpreter) Validate(ctx context.Context, env *Env, script string) error {
	_, err := i.validate(ctx, env, script)
	return err
}

func (i *Interpreter) validate(ctx context.Context, env *Env, script string) ([]Invocation, error) {
	invocations, problems := i.Parse(script)
	for _, inv := range invocations {
		h, ok := i.registry.Lookup(inv.Name)
		if !ok {
			continue
		}
		_, msgs, err := h.Parse(ctx, env, inv.Args)
		if err != nil {
			return nil, fmt.Errorf("validate %s on line %d: %w", inv.Name, inv.Line, err)
		}
		for _, msg := range msgs {
			problems = append(problems, stepflow.ScriptProblem{Line: inv.Line, Command: inv.Name, Message: msg})
		}
	}

	if len(problems) > 0 {
		se := &stepflow.ScriptError{Problems: problems}
		if env.Step != nil {
			se.StepID = env.Step.ID
		}
		return nil, se
	}
	return invocations, nil
}

// Execute validates script against the live transition in env and, only if
// the whole script is valid, runs every command in order. It returns the
// number of commands run.
func (i *Interpreter) Execute(ctx context.Context, env *Env, script string) (int, error) {
	if !env.Contextual() {
		return 0, stepflow.NewError(stepflow.ErrCodeInternalError, "script execution requires a step state")
	}

	invocations, err := i.validate(ctx, env, script)
	if err != nil {
		return 0, err
	}

	for _, inv := range invocations {
		h, _ := i.registry.Lookup(inv.Name)
		if err := h.Execute(ctx, env, inv.Args); err != nil {
			return 0, fmt.Errorf("execute %s on line %d: %w", inv.Name, inv.Line, err)
		}
	}
	return len(invocations), nil
}

// reparse runs a handler's Parse and turns problems into a ScriptError, for
// use at the start of Execute
func reparse(ctx context.Context, h Handler, env *Env, args string) (any, error) {
	data, msgs, err := h.Parse(ctx, env, args)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		se := &stepflow.ScriptError{}
		if env.Step != nil {
			se.StepID = env.Step.ID
		}
		for _, msg := range msgs {
			se.Problems = append(se.Problems, stepflow.ScriptProblem{Command: h.Name(), Message: msg})
		}
		return nil, se
	}
	return data, nil
}
