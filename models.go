package stepflow

import (
	"time"
)

// KindCourse is the applies-to kind of workflows that govern whole courses.
// Any other kind names an activity module type (e.g. "assign", "quiz").
const KindCourse = "course"

// Status represents the lifecycle position of a StepState
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// IsTerminal returns true if the status is not active
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// String returns the string representation
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusAborted:
		return true
	}
	return false
}

// Workflow is the definition of an ordered sequence of steps
type Workflow struct {
	ID        string `json:"id"`
	Shortname string `json:"shortname"`
	Name      string `json:"name"`

	// AppliesTo names the subject kind this workflow governs
	AppliesTo string `json:"appliesTo"`

	// AtEndGoBackTo is the step number the workflow wraps to after its last step
	AtEndGoBackTo *int `json:"atEndGoBackTo,omitempty"`

	Obsolete bool `json:"obsolete"`
}

// AppliesToCourse reports whether the workflow governs courses
func (w *Workflow) AppliesToCourse() bool {
	return w.AppliesTo == KindCourse
}

// Rule references a timestamp field of a subject record plus a signed offset.
// It is the shape of both the autofinish and the extra notification rules.
type Rule struct {
	Table  string `json:"table"`
	Field  string `json:"field"`
	Offset int64  `json:"offset"` // seconds
}

// Step is one stage of a workflow
type Step struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId"`
	StepNo     int    `json:"stepNo"`
	Name       string `json:"name"`

	Instructions     string `json:"instructions"`
	OnActiveScript   string `json:"onActiveScript"`
	OnCompleteScript string `json:"onCompleteScript"`

	AutoFinish *Rule `json:"autoFinish,omitempty"`

	// ExtraNotify is definitional data only. It is persisted and returned
	// but nothing schedules notifications from it.
	ExtraNotify *Rule `json:"extraNotify,omitempty"`
}

// Todo is an informational checklist entry attached to a step
type Todo struct {
	ID       string `json:"id"`
	StepID   string `json:"stepId"`
	Task     string `json:"task"`
	Obsolete bool   `json:"obsolete"`
}

// StepState records a subject's visit to a particular step
type StepState struct {
	ID            string    `json:"id"`
	StepID        string    `json:"stepId"`
	SubjectID     string    `json:"subjectId"`
	Status        Status    `json:"status"`
	TimeModified  time.Time `json:"timeModified"`
	Comment       string    `json:"comment"`
	CommentFormat string    `json:"commentFormat"`
}

// StateChange is one entry of the append-only transition log
type StateChange struct {
	ID          int64     `json:"id"`
	StepStateID string    `json:"stepStateId"`
	NewStatus   Status    `json:"newStatus"`
	UserID      string    `json:"userId"`
	Timestamp   time.Time `json:"timestamp"`
}

// Subject is a course or an activity instance governed by a workflow
type Subject struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`
	URL  string `json:"url"`

	// CourseID is the enclosing course; equal to ID for course subjects
	CourseID string `json:"courseId"`
	Visible  bool   `json:"visible"`
}

// IsCourse reports whether the subject is a course
func (s *Subject) IsCourse() bool {
	return s.Kind == KindCourse
}

// Role is a named permission bundle of the identity subsystem
type Role struct {
	ID        string `json:"id"`
	Shortname string `json:"shortname"`
	Name      string `json:"name"`
}

// User is a recipient of grants and notifications
type User struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

// RoleAssignment grants a role to a user in a subject's context.
// Owner is empty for assignments made outside the workflow engine, and holds
// the owning StepState id for delegated grants.
type RoleAssignment struct {
	RoleID    string `json:"roleId"`
	UserID    string `json:"userId"`
	SubjectID string `json:"subjectId"`
	Owner     string `json:"owner,omitempty"`
}

// Permission is a capability override value
type Permission string

const (
	PermissionInherit  Permission = "inherit"
	PermissionAllow    Permission = "allow"
	PermissionPrevent  Permission = "prevent"
	PermissionProhibit Permission = "prohibit"
)

// Valid reports whether p is a known permission
func (p Permission) Valid() bool {
	switch p {
	case PermissionInherit, PermissionAllow, PermissionPrevent, PermissionProhibit:
		return true
	}
	return false
}

// CapabilityOverride changes a role's permission for a capability in a subject's context
type CapabilityOverride struct {
	RoleID     string     `json:"roleId"`
	Capability string     `json:"capability"`
	SubjectID  string     `json:"subjectId"`
	Permission Permission `json:"permission"`
}

// EmailTemplate is a stored subject/body pair with placeholder tokens
type EmailTemplate struct {
	Shortname string `json:"shortname"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Message is a formatted notification ready for delivery
type Message struct {
	To      *User  `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
