package command

import (
	"context"
	"fmt"

	"github.com/sicko7947/stepflow"
)

// AssignRole grants a role to every user holding one of the listed roles in
// the subject. Grants are revoked when the step is left.
//
//	assignrole <newrole> to <role> [<role>...]
type AssignRole struct{}

type assignRoleData struct {
	Role  *stepflow.Role
	Users []*stepflow.User
}

func (AssignRole) Name() string { return "assignrole" }

func (c AssignRole) Parse(ctx context.Context, env *Env, args string) (any, []string, error) {
	toks := tokens(args)
	if len(toks) < 3 || toks[1] != "to" {
		return nil, []string{"expected: assignrole <newrole> to <role>..."}, nil
	}

	var problems []string
	newRole, err := lookupRole(ctx, env, toks[0])
	if err != nil {
		return nil, nil, err
	}
	if newRole == nil {
		problems = append(problems, fmt.Sprintf("unknown role %s", toks[0]))
	}

	roles, missing, err := lookupRoles(ctx, env, toks[2:])
	if err != nil {
		return nil, nil, err
	}
	problems = append(problems, missing...)
	if len(problems) > 0 {
		return nil, problems, nil
	}

	data := assignRoleData{Role: newRole}
	if env.Contextual() {
		data.Users, err = env.Tx.UsersWithRoles(ctx, env.State.SubjectID, roleIDs(roles))
		if err != nil {
			return nil, nil, err
		}
	}
	return data, nil, nil
}

func (c AssignRole) Execute(ctx context.Context, env *Env, args string) error {
	parsed, err := reparse(ctx, c, env, args)
	if err != nil {
		return err
	}
	if env.Grants == nil {
		return stepflow.NewError(stepflow.ErrCodeInternalError, "assignrole requires a grant ledger")
	}

	data := parsed.(assignRoleData)
	for _, u := range data.Users {
		if err := env.Grants.Grant(ctx, data.Role.ID, u.ID); err != nil {
			return err
		}
	}
	return nil
}

// lookupRole returns nil without error when the role does not exist
func lookupRole(ctx context.Context, env *Env, shortname string) (*stepflow.Role, error) {
	role, err := env.Tx.RoleByShortname(ctx, shortname)
	if stepflow.IsNotFound(err) {
		return nil, nil
	}
	return role, err
}

func lookupRoles(ctx context.Context, env *Env, shortnames []string) ([]*stepflow.Role, []string, error) {
	var roles []*stepflow.Role
	var problems []string
	for _, name := range shortnames {
		role, err := lookupRole(ctx, env, name)
		if err != nil {
			return nil, nil, err
		}
		if role == nil {
			problems = append(problems, fmt.Sprintf("unknown role %s", name))
			continue
		}
		roles = append(roles, role)
	}
	return roles, problems, nil
}

func roleIDs(roles []*stepflow.Role) []string {
	ids := make([]string, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	return ids
}

// Override changes a role's permission for a capability in the course or the
// activity.
//
//	override <role> <inherit|allow|prevent|prohibit> <capability> in <course|activity>
type Override struct{}

type overrideData struct {
	Role       *stepflow.Role
	Permission stepflow.Permission
	Capability string
	InCourse   bool
}

func (Override) Name() string { return "override" }

func (c Override) Parse(ctx context.Context, env *Env, args string) (any, []string, error) {
	toks := tokens(args)
	if len(toks) != 5 || toks[3] != "in" {
		return nil, []string{"expected: override <role> <inherit|allow|prevent|prohibit> <capability> in <course|activity>"}, nil
	}

	var problems []string
	role, err := lookupRole(ctx, env, toks[0])
	if err != nil {
		return nil, nil, err
	}
	if role == nil {
		problems = append(problems, fmt.Sprintf("unknown role %s", toks[0]))
	}

	perm := stepflow.Permission(toks[1])
	if !perm.Valid() {
		problems = append(problems, fmt.Sprintf("unknown permission %s", toks[1]))
	}

	ok, err := env.Tx.CapabilityExists(ctx, toks[2])
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		problems = append(problems, fmt.Sprintf("unknown capability %s", toks[2]))
	}

	switch toks[4] {
	case "course":
	case "activity":
		if env.Workflow.AppliesToCourse() {
			problems = append(problems, "override in activity is not available for course workflows")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown target %s, expected course or activity", toks[4]))
	}

	if len(problems) > 0 {
		return nil, problems, nil
	}
	return overrideData{Role: role, Permission: perm, Capability: toks[2], InCourse: toks[4] == "course"}, nil, nil
}

func (c Override) Execute(ctx context.Context, env *Env, args string) error {
	parsed, err := reparse(ctx, c, env, args)
	if err != nil {
		return err
	}
	data := parsed.(overrideData)

	subject, err := env.Tx.GetSubject(ctx, env.State.SubjectID)
	if err != nil {
		return err
	}
	target := subject.ID
	if data.InCourse {
		target = subject.CourseID
	}

	return env.Tx.OverrideCapability(ctx, stepflow.CapabilityOverride{
		RoleID:     data.Role.ID,
		Capability: data.Capability,
		SubjectID:  target,
		Permission: data.Permission,
	})
}
