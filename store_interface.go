package stepflow

import (
	"context"
	"time"
)

// Store runs units of work against the persistence layer
type Store interface {
	// InTx runs fn inside one atomic unit of work. Any error returned by fn
	// rolls back every write made through tx. Units of work on the same store
	// are serialized.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the persistence layer available inside a unit of work
type Tx interface {
	CatalogStore
	StateStore
	Directory
	SubjectData
	TemplateStore
}

// CatalogStore persists workflow definitions
type CatalogStore interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByShortname(ctx context.Context, shortname string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	CreateStep(ctx context.Context, step *Step) error
	UpdateStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, id string) (*Step, error)
	DeleteStep(ctx context.Context, id string) error
	// ListSteps returns the steps of a workflow ordered by step number
	ListSteps(ctx context.Context, workflowID string) ([]*Step, error)

	CreateTodo(ctx context.Context, todo *Todo) error
	ListTodos(ctx context.Context, stepID string) ([]*Todo, error)
	DeleteTodos(ctx context.Context, stepID string) error
}

// StateFilter selects step states. Empty fields mean "no filter".
type StateFilter struct {
	WorkflowID string
	StepID     string
	SubjectID  string
	Status     Status
}

// StateStore persists step states and their transition log
type StateStore interface {
	// CreateStepState and UpdateStepState fail with CONFLICT if the write
	// would leave a subject with two active states.
	CreateStepState(ctx context.Context, state *StepState) error
	UpdateStepState(ctx context.Context, state *StepState) error
	GetStepState(ctx context.Context, id string) (*StepState, error)
	FindStepState(ctx context.Context, stepID, subjectID string) (*StepState, error)
	// ActiveStepState returns NOT_FOUND when the subject has no active state
	ActiveStepState(ctx context.Context, subjectID string) (*StepState, error)
	ListStepStates(ctx context.Context, filter StateFilter) ([]*StepState, error)
	DeleteStepState(ctx context.Context, id string) error

	AppendStateChange(ctx context.Context, change *StateChange) error
	ListStateChanges(ctx context.Context, stepStateID string) ([]*StateChange, error)
	DeleteStateChanges(ctx context.Context, stepStateID string) error
}

// Directory is the identity and permission subsystem
type Directory interface {
	PutRole(ctx context.Context, role *Role) error
	RoleByShortname(ctx context.Context, shortname string) (*Role, error)

	PutUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// UsersWithRoles returns the distinct users holding any of the roles in the
	// subject's context, ordered by user id.
	UsersWithRoles(ctx context.Context, subjectID string, roleIDs []string) ([]*User, error)

	AssignRole(ctx context.Context, ra RoleAssignment) error
	ListRoleAssignments(ctx context.Context, subjectID string) ([]RoleAssignment, error)
	// RevokeRolesByOwner removes every assignment tagged with owner
	RevokeRolesByOwner(ctx context.Context, owner string) (int, error)

	PutCapability(ctx context.Context, name string) error
	CapabilityExists(ctx context.Context, name string) (bool, error)
	OverrideCapability(ctx context.Context, override CapabilityOverride) error
	GetCapabilityOverride(ctx context.Context, roleID, capability, subjectID string) (*CapabilityOverride, error)
}

// SubjectData is the subject data provider
type SubjectData interface {
	PutSubject(ctx context.Context, subject *Subject) error
	GetSubject(ctx context.Context, id string) (*Subject, error)
	SetVisible(ctx context.Context, subjectID string, visible bool) error

	// DeclareColumn registers a column of a record table. Activity kinds are
	// the tables with declared columns.
	DeclareColumn(ctx context.Context, table, column string) error
	ColumnExists(ctx context.Context, table, column string) (bool, error)
	KindExists(ctx context.Context, kind string) (bool, error)

	// FieldValue returns "" for a declared column that was never set
	FieldValue(ctx context.Context, recordID, table, field string) (string, error)
	SetFieldValue(ctx context.Context, recordID, table, field, value string) error
}

// TemplateStore holds notification templates
type TemplateStore interface {
	PutTemplate(ctx context.Context, tpl *EmailTemplate) error
	GetTemplate(ctx context.Context, shortname string) (*EmailTemplate, error)
}

// Notifier is the notification subsystem. Deliver is only called outside of
// any unit of work.
type Notifier interface {
	Deliver(ctx context.Context, msg Message) error
}

// Watermark persists the time of the last successful auto-finish run
type Watermark interface {
	// LastRun returns the zero time if no run was recorded
	LastRun(ctx context.Context) (time.Time, error)
	SetLastRun(ctx context.Context, t time.Time) error
}
