// Package fixture seeds a store with the host data tests run against: a
// course with an assignment, its users and roles, one capability and one
// email template.
package fixture

import (
	"context"

	"github.com/sicko7947/stepflow"
)

// Identifiers of the seeded records
const (
	CourseID     = "42"
	ActivityID   = "a-1"
	ActivityKind = "assign"

	RoleStudent        = "r-student"
	RoleTeacher        = "r-teacher"
	RoleEditingTeacher = "r-editingteacher"

	UserAlice = "u-alice" // student
	UserBob   = "u-bob"   // student
	UserCarol = "u-carol" // editing teacher

	Capability = "mod/assign:submit"
	Template   = "stepready"
)

// Seed writes the fixture through tx
func Seed(ctx context.Context, tx stepflow.Tx) error {
	roles := []*stepflow.Role{
		{ID: RoleStudent, Shortname: "student", Name: "Student"},
		{ID: RoleTeacher, Shortname: "teacher", Name: "Non-editing teacher"},
		{ID: RoleEditingTeacher, Shortname: "editingteacher", Name: "Teacher"},
	}
	for _, r := range roles {
		if err := tx.PutRole(ctx, r); err != nil {
			return err
		}
	}

	users := []*stepflow.User{
		{ID: UserAlice, FullName: "Alice Archer", Email: "alice@example.org"},
		{ID: UserBob, FullName: "Bob Baker", Email: "bob@example.org"},
		{ID: UserCarol, FullName: "Carol Cook", Email: "carol@example.org"},
	}
	for _, u := range users {
		if err := tx.PutUser(ctx, u); err != nil {
			return err
		}
	}

	subjects := []*stepflow.Subject{
		{ID: CourseID, Kind: stepflow.KindCourse, Name: "Distributed Systems", URL: "https://lms.example.org/course/42", CourseID: CourseID, Visible: false},
		{ID: ActivityID, Kind: ActivityKind, Name: "Essay", URL: "https://lms.example.org/assign/1", CourseID: CourseID, Visible: true},
	}
	for _, s := range subjects {
		if err := tx.PutSubject(ctx, s); err != nil {
			return err
		}
	}

	assignments := []stepflow.RoleAssignment{
		{RoleID: RoleStudent, UserID: UserAlice, SubjectID: CourseID},
		{RoleID: RoleStudent, UserID: UserBob, SubjectID: CourseID},
		{RoleID: RoleEditingTeacher, UserID: UserCarol, SubjectID: CourseID},
	}
	for _, ra := range assignments {
		if err := tx.AssignRole(ctx, ra); err != nil {
			return err
		}
	}

	columns := [][2]string{
		{stepflow.KindCourse, "startdate"},
		{ActivityKind, "duedate"},
		{ActivityKind, "grade"},
		{ActivityKind, "course"},
	}
	for _, c := range columns {
		if err := tx.DeclareColumn(ctx, c[0], c[1]); err != nil {
			return err
		}
	}

	if err := tx.PutCapability(ctx, Capability); err != nil {
		return err
	}

	return tx.PutTemplate(ctx, &stepflow.EmailTemplate{
		Shortname: Template,
		Subject:   "%%workflow%%: %%step%% is ready",
		Body:      "Hello %%usernames%%, %%subjectname%% in %%coursename%% reached %%step%%. Comment: %%comment%%. Tasks: %%tasks%%",
	})
}

// SeedStore seeds store in one unit of work
func SeedStore(ctx context.Context, store stepflow.Store) error {
	return store.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
		return Seed(ctx, tx)
	})
}
