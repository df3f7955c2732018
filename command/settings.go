package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/sicko7947/stepflow"
)

func parseVisibility(args string) (bool, []string) {
	switch strings.TrimSpace(args) {
	case "visible", "show":
		return true, nil
	case "hidden", "hide":
		return false, nil
	}
	return false, []string{"expected visible or hidden"}
}

// SetCourseVisibility shows or hides the course a course workflow governs.
//
//	setcoursevisibility <visible|hidden>
type SetCourseVisibility struct{}

func (SetCourseVisibility) Name() string { return "setcoursevisibility" }

func (c SetCourseVisibility) Parse(ctx context.Context, env *Env, args string) (any, []string, error) {
	visible, problems := parseVisibility(args)
	if !env.Workflow.AppliesToCourse() {
		problems = append(problems, "only available for course workflows")
	}
	return visible, problems, nil
}

func (c SetCourseVisibility) Execute(ctx context.Context, env *Env, args string) error {
	parsed, err := reparse(ctx, c, env, args)
	if err != nil {
		return err
	}
	return env.Tx.SetVisible(ctx, env.State.SubjectID, parsed.(bool))
}

// SetActivityVisibility shows or hides the activity an activity workflow governs.
//
//	setactivityvisibility <visible|hidden>
type SetActivityVisibility struct{}

func (SetActivityVisibility) Name() string { return "setactivityvisibility" }

func (c SetActivityVisibility) Parse(ctx context.Context, env *Env, args string) (any, []string, error) {
	visible, problems := parseVisibility(args)
	if env.Workflow.AppliesToCourse() {
		problems = append(problems, "not available for course workflows")
	}
	return visible, problems, nil
}

func (c SetActivityVisibility) Execute(ctx context.Context, env *Env, args string) error {
	parsed, err := reparse(ctx, c, env, args)
	if err != nil {
		return err
	}
	return env.Tx.SetVisible(ctx, env.State.SubjectID, parsed.(bool))
}

// SetActivitySetting writes a raw column of the activity's own record.
//
//	setactivitysetting <column> to <value>
type SetActivitySetting struct{}

type settingData struct {
	Column string
	Value  string
}

// protectedColumns may never be written by a script
var protectedColumns = map[string]bool{
	"id":     true,
	"course": true,
}

func (SetActivitySetting) Name() string { return "setactivitysetting" }

func (c SetActivitySetting) Parse(ctx context.Context, env *Env, args string) (any, []string, error) {
	fields := strings.Fields(args)
	if len(fields) < 3 || fields[1] != "to" {
		return nil, []string{"expected: setactivitysetting <column> to <value>"}, nil
	}
	column, value := fields[0], strings.Join(fields[2:], " ")

	if env.Workflow.AppliesToCourse() {
		return nil, []string{"not available for course workflows"}, nil
	}

	column = strings.ToLower(column)
	if protectedColumns[column] {
		return nil, []string{fmt.Sprintf("column %s cannot be changed", column)}, nil
	}

	exists, err := env.Tx.ColumnExists(ctx, env.Workflow.AppliesTo, column)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, []string{fmt.Sprintf("unknown column %s of %s", column, env.Workflow.AppliesTo)}, nil
	}

	return settingData{Column: column, Value: value}, nil, nil
}

func (c SetActivitySetting) Execute(ctx context.Context, env *Env, args string) error {
	parsed, err := reparse(ctx, c, env, args)
	if err != nil {
		return err
	}
	data := parsed.(settingData)

	subject, err := env.Tx.GetSubject(ctx, env.State.SubjectID)
	if err != nil {
		return err
	}
	record, err := stepflow.RecordFor(subject, env.Workflow.AppliesTo)
	if err != nil {
		return err
	}
	return env.Tx.SetFieldValue(ctx, record, env.Workflow.AppliesTo, data.Column, data.Value)
}
