package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/effects"
)

// Email formats a stored template and queues one message per user holding
// one of the listed roles in the subject. Delivery happens after commit.
//
//	email <template> to <role> [<role>...]
type Email struct{}

type emailData struct {
	Template *stepflow.EmailTemplate
	Users    []*stepflow.User
}

func (Email) Name() string { return "email" }

func (c Email) Parse(ctx context.Context, env *Env, args string) (any, []string, error) {
	toks := tokens(args)
	if len(toks) < 3 || toks[1] != "to" {
		return nil, []string{"expected: email <template> to <role>..."}, nil
	}

	var problems []string
	tpl, err := env.Tx.GetTemplate(ctx, toks[0])
	if err != nil && !stepflow.IsNotFound(err) {
		return nil, nil, err
	}
	if tpl == nil {
		problems = append(problems, fmt.Sprintf("unknown email template %s", toks[0]))
	}

	roles, missing, err := lookupRoles(ctx, env, toks[2:])
	if err != nil {
		return nil, nil, err
	}
	problems = append(problems, missing...)
	if len(problems) > 0 {
		return nil, problems, nil
	}

	data := emailData{Template: tpl}
	if env.Contextual() {
		data.Users, err = env.Tx.UsersWithRoles(ctx, env.State.SubjectID, roleIDs(roles))
		if err != nil {
			return nil, nil, err
		}
	}
	return data, nil, nil
}

func (c Email) Execute(ctx context.Context, env *Env, args string) error {
	parsed, err := reparse(ctx, c, env, args)
	if err != nil {
		return err
	}
	if env.Effects == nil || env.Notifier == nil {
		return stepflow.NewError(stepflow.ErrCodeInternalError, "email requires a deferred effect queue and a notifier")
	}

	data := parsed.(emailData)
	if len(data.Users) == 0 {
		return nil
	}

	vars, err := templateVars(ctx, env, data.Users)
	if err != nil {
		return err
	}
	subject := vars.Replace(data.Template.Subject)
	body := vars.Replace(data.Template.Body)

	for _, u := range data.Users {
		env.Effects.Enqueue(effects.Notification{
			Notifier: env.Notifier,
			Message:  stepflow.Message{To: u, Subject: subject, Body: body},
		})
	}
	return nil
}

// templateVars builds the placeholder replacer for the current transition
func templateVars(ctx context.Context, env *Env, recipients []*stepflow.User) (*strings.Replacer, error) {
	subject, err := env.Tx.GetSubject(ctx, env.State.SubjectID)
	if err != nil {
		return nil, err
	}

	courseName := subject.Name
	if !subject.IsCourse() {
		course, err := env.Tx.GetSubject(ctx, subject.CourseID)
		if err != nil {
			return nil, err
		}
		courseName = course.Name
	}

	todos, err := env.Tx.ListTodos(ctx, env.Step.ID)
	if err != nil {
		return nil, err
	}
	var tasks []string
	for _, td := range todos {
		if !td.Obsolete {
			tasks = append(tasks, td.Task)
		}
	}

	names := make([]string, len(recipients))
	for i, u := range recipients {
		names[i] = u.FullName
	}

	comment := env.State.Comment
	if env.State.Status == stepflow.StatusActive {
		comment = env.PreviousComment
	}

	return strings.NewReplacer(
		"%%workflow%%", env.Workflow.Name,
		"%%step%%", env.Step.Name,
		"%%subjectname%%", subject.Name,
		"%%subjecturl%%", subject.URL,
		"%%coursename%%", courseName,
		"%%usernames%%", strings.Join(names, ", "),
		"%%instructions%%", strings.TrimSpace(env.Step.Instructions),
		"%%tasks%%", strings.Join(tasks, ", "),
		"%%comment%%", comment,
	), nil
}
