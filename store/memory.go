package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sicko7947/stepflow"
)

// MemoryStore implements stepflow.Store using in-memory storage. Each unit of
// work runs against a private copy of the data that replaces the shared copy
// on success.
type MemoryStore struct {
	data *memData
	mu   sync.Mutex
}

var _ stepflow.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

// InTx runs fn against a snapshot and commits it if fn succeeds
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx stepflow.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.data.clone()
	if err := fn(ctx, &memTx{d: snapshot}); err != nil {
		return err
	}
	s.data = snapshot
	return nil
}

type memData struct {
	workflows    map[string]*stepflow.Workflow
	steps        map[string]*stepflow.Step
	todos        []*stepflow.Todo
	states       map[string]*stepflow.StepState
	changes      []*stepflow.StateChange
	nextChangeID int64

	subjects map[string]*stepflow.Subject
	columns  map[string]map[string]bool   // table -> column
	fields   map[string]map[string]string // table/record -> field -> value

	roles        map[string]*stepflow.Role
	users        map[string]*stepflow.User
	assignments  []stepflow.RoleAssignment
	capabilities map[string]bool
	overrides    map[string]stepflow.CapabilityOverride
	templates    map[string]*stepflow.EmailTemplate
}

func newMemData() *memData {
	return &memData{
		workflows:    map[string]*stepflow.Workflow{},
		steps:        map[string]*stepflow.Step{},
		states:       map[string]*stepflow.StepState{},
		subjects:     map[string]*stepflow.Subject{},
		columns:      map[string]map[string]bool{},
		fields:       map[string]map[string]string{},
		roles:        map[string]*stepflow.Role{},
		users:        map[string]*stepflow.User{},
		capabilities: map[string]bool{},
		overrides:    map[string]stepflow.CapabilityOverride{},
		templates:    map[string]*stepflow.EmailTemplate{},
		nextChangeID: 1,
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.workflows {
		c.workflows[k] = cloneWorkflow(v)
	}
	for k, v := range d.steps {
		c.steps[k] = cloneStep(v)
	}
	for _, t := range d.todos {
		cp := *t
		c.todos = append(c.todos, &cp)
	}
	for k, v := range d.states {
		cp := *v
		c.states[k] = &cp
	}
	for _, ch := range d.changes {
		cp := *ch
		c.changes = append(c.changes, &cp)
	}
	c.nextChangeID = d.nextChangeID
	for k, v := range d.subjects {
		cp := *v
		c.subjects[k] = &cp
	}
	for table, cols := range d.columns {
		c.columns[table] = map[string]bool{}
		for col := range cols {
			c.columns[table][col] = true
		}
	}
	for rec, vals := range d.fields {
		c.fields[rec] = map[string]string{}
		for f, v := range vals {
			c.fields[rec][f] = v
		}
	}
	for k, v := range d.roles {
		cp := *v
		c.roles[k] = &cp
	}
	for k, v := range d.users {
		cp := *v
		c.users[k] = &cp
	}
	c.assignments = append(c.assignments, d.assignments...)
	for k := range d.capabilities {
		c.capabilities[k] = true
	}
	for k, v := range d.overrides {
		c.overrides[k] = v
	}
	for k, v := range d.templates {
		cp := *v
		c.templates[k] = &cp
	}
	return c
}

func cloneWorkflow(wf *stepflow.Workflow) *stepflow.Workflow {
	cp := *wf
	if wf.AtEndGoBackTo != nil {
		cp.AtEndGoBackTo = stepflow.ToPtr(*wf.AtEndGoBackTo)
	}
	return &cp
}

func cloneStep(step *stepflow.Step) *stepflow.Step {
	cp := *step
	if step.AutoFinish != nil {
		r := *step.AutoFinish
		cp.AutoFinish = &r
	}
	if step.ExtraNotify != nil {
		r := *step.ExtraNotify
		cp.ExtraNotify = &r
	}
	return &cp
}

// memTx is the stepflow.Tx of a MemoryStore unit of work
type memTx struct {
	d *memData
}

// Catalog

func (t *memTx) CreateWorkflow(ctx context.Context, wf *stepflow.Workflow) error {
	if _, exists := t.d.workflows[wf.ID]; exists {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeDuplicate, "workflow already exists", wf.ID)
	}
	for _, other := range t.d.workflows {
		if other.Shortname == wf.Shortname {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeDuplicate, "workflow shortname already in use", wf.Shortname)
		}
	}
	t.d.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (t *memTx) UpdateWorkflow(ctx context.Context, wf *stepflow.Workflow) error {
	if _, exists := t.d.workflows[wf.ID]; !exists {
		return stepflow.NotFound("workflow", wf.ID)
	}
	t.d.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (t *memTx) GetWorkflow(ctx context.Context, id string) (*stepflow.Workflow, error) {
	wf, exists := t.d.workflows[id]
	if !exists {
		return nil, stepflow.NotFound("workflow", id)
	}
	return cloneWorkflow(wf), nil
}

func (t *memTx) GetWorkflowByShortname(ctx context.Context, shortname string) (*stepflow.Workflow, error) {
	for _, wf := range t.d.workflows {
		if wf.Shortname == shortname {
			return cloneWorkflow(wf), nil
		}
	}
	return nil, stepflow.NotFound("workflow", shortname)
}

func (t *memTx) ListWorkflows(ctx context.Context) ([]*stepflow.Workflow, error) {
	var out []*stepflow.Workflow
	for _, wf := range t.d.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shortname < out[j].Shortname })
	return out, nil
}

func (t *memTx) CreateStep(ctx context.Context, step *stepflow.Step) error {
	if _, exists := t.d.steps[step.ID]; exists {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeDuplicate, "step already exists", step.ID)
	}
	if err := t.checkStepNo(step); err != nil {
		return err
	}
	t.d.steps[step.ID] = cloneStep(step)
	return nil
}

func (t *memTx) UpdateStep(ctx context.Context, step *stepflow.Step) error {
	if _, exists := t.d.steps[step.ID]; !exists {
		return stepflow.NotFound("step", step.ID)
	}
	if err := t.checkStepNo(step); err != nil {
		return err
	}
	t.d.steps[step.ID] = cloneStep(step)
	return nil
}

func (t *memTx) checkStepNo(step *stepflow.Step) error {
	for _, other := range t.d.steps {
		if other.ID != step.ID && other.WorkflowID == step.WorkflowID && other.StepNo == step.StepNo {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeInvalidStepNumber, "step number already in use", step.ID)
		}
	}
	return nil
}

func (t *memTx) GetStep(ctx context.Context, id string) (*stepflow.Step, error) {
	step, exists := t.d.steps[id]
	if !exists {
		return nil, stepflow.NotFound("step", id)
	}
	return cloneStep(step), nil
}

func (t *memTx) DeleteStep(ctx context.Context, id string) error {
	if _, exists := t.d.steps[id]; !exists {
		return stepflow.NotFound("step", id)
	}
	delete(t.d.steps, id)
	return nil
}

func (t *memTx) ListSteps(ctx context.Context, workflowID string) ([]*stepflow.Step, error) {
	var out []*stepflow.Step
	for _, step := range t.d.steps {
		if step.WorkflowID == workflowID {
			out = append(out, cloneStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNo < out[j].StepNo })
	return out, nil
}

func (t *memTx) CreateTodo(ctx context.Context, todo *stepflow.Todo) error {
	cp := *todo
	t.d.todos = append(t.d.todos, &cp)
	return nil
}

func (t *memTx) ListTodos(ctx context.Context, stepID string) ([]*stepflow.Todo, error) {
	var out []*stepflow.Todo
	for _, todo := range t.d.todos {
		if todo.StepID == stepID {
			cp := *todo
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) DeleteTodos(ctx context.Context, stepID string) error {
	kept := t.d.todos[:0]
	for _, todo := range t.d.todos {
		if todo.StepID != stepID {
			kept = append(kept, todo)
		}
	}
	t.d.todos = kept
	return nil
}

// Step states

func (t *memTx) CreateStepState(ctx context.Context, state *stepflow.StepState) error {
	if _, exists := t.d.states[state.ID]; exists {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeDuplicate, "step state already exists", state.ID)
	}
	for _, other := range t.d.states {
		if other.StepID == state.StepID && other.SubjectID == state.SubjectID {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeDuplicate, "step already has a state for subject", state.SubjectID)
		}
	}
	if err := t.checkSingleActive(state); err != nil {
		return err
	}
	cp := *state
	t.d.states[state.ID] = &cp
	return nil
}

func (t *memTx) UpdateStepState(ctx context.Context, state *stepflow.StepState) error {
	if _, exists := t.d.states[state.ID]; !exists {
		return stepflow.NotFound("step state", state.ID)
	}
	if err := t.checkSingleActive(state); err != nil {
		return err
	}
	cp := *state
	t.d.states[state.ID] = &cp
	return nil
}

func (t *memTx) checkSingleActive(state *stepflow.StepState) error {
	if state.Status != stepflow.StatusActive {
		return nil
	}
	for _, other := range t.d.states {
		if other.ID != state.ID && other.SubjectID == state.SubjectID && other.Status == stepflow.StatusActive {
			return stepflow.NewErrorWithRef(stepflow.ErrCodeConflict, "subject already has an active step state", state.SubjectID)
		}
	}
	return nil
}

func (t *memTx) GetStepState(ctx context.Context, id string) (*stepflow.StepState, error) {
	state, exists := t.d.states[id]
	if !exists {
		return nil, stepflow.NotFound("step state", id)
	}
	cp := *state
	return &cp, nil
}

func (t *memTx) FindStepState(ctx context.Context, stepID, subjectID string) (*stepflow.StepState, error) {
	for _, state := range t.d.states {
		if state.StepID == stepID && state.SubjectID == subjectID {
			cp := *state
			return &cp, nil
		}
	}
	return nil, stepflow.NotFound("step state", stepID+"@"+subjectID)
}

func (t *memTx) ActiveStepState(ctx context.Context, subjectID string) (*stepflow.StepState, error) {
	for _, state := range t.d.states {
		if state.SubjectID == subjectID && state.Status == stepflow.StatusActive {
			cp := *state
			return &cp, nil
		}
	}
	return nil, stepflow.NotFound("active step state", subjectID)
}

func (t *memTx) ListStepStates(ctx context.Context, filter stepflow.StateFilter) ([]*stepflow.StepState, error) {
	var out []*stepflow.StepState
	for _, state := range t.d.states {
		if filter.StepID != "" && state.StepID != filter.StepID {
			continue
		}
		if filter.SubjectID != "" && state.SubjectID != filter.SubjectID {
			continue
		}
		if filter.Status != "" && state.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" {
			step, ok := t.d.steps[state.StepID]
			if !ok || step.WorkflowID != filter.WorkflowID {
				continue
			}
		}
		cp := *state
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) DeleteStepState(ctx context.Context, id string) error {
	if _, exists := t.d.states[id]; !exists {
		return stepflow.NotFound("step state", id)
	}
	delete(t.d.states, id)
	return nil
}

func (t *memTx) AppendStateChange(ctx context.Context, change *stepflow.StateChange) error {
	change.ID = t.d.nextChangeID
	t.d.nextChangeID++
	cp := *change
	t.d.changes = append(t.d.changes, &cp)
	return nil
}

func (t *memTx) ListStateChanges(ctx context.Context, stepStateID string) ([]*stepflow.StateChange, error) {
	var out []*stepflow.StateChange
	for _, ch := range t.d.changes {
		if ch.StepStateID == stepStateID {
			cp := *ch
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) DeleteStateChanges(ctx context.Context, stepStateID string) error {
	kept := t.d.changes[:0]
	for _, ch := range t.d.changes {
		if ch.StepStateID != stepStateID {
			kept = append(kept, ch)
		}
	}
	t.d.changes = kept
	return nil
}

// Directory

func (t *memTx) PutRole(ctx context.Context, role *stepflow.Role) error {
	cp := *role
	t.d.roles[role.ID] = &cp
	return nil
}

func (t *memTx) RoleByShortname(ctx context.Context, shortname string) (*stepflow.Role, error) {
	for _, role := range t.d.roles {
		if role.Shortname == shortname {
			cp := *role
			return &cp, nil
		}
	}
	return nil, stepflow.NotFound("role", shortname)
}

func (t *memTx) PutUser(ctx context.Context, user *stepflow.User) error {
	cp := *user
	t.d.users[user.ID] = &cp
	return nil
}

func (t *memTx) GetUser(ctx context.Context, id string) (*stepflow.User, error) {
	user, exists := t.d.users[id]
	if !exists {
		return nil, stepflow.NotFound("user", id)
	}
	cp := *user
	return &cp, nil
}

// UsersWithRoles includes holders assigned in the enclosing course
func (t *memTx) UsersWithRoles(ctx context.Context, subjectID string, roleIDs []string) ([]*stepflow.User, error) {
	contexts := map[string]bool{subjectID: true}
	if subject, ok := t.d.subjects[subjectID]; ok && subject.CourseID != "" {
		contexts[subject.CourseID] = true
	}
	wanted := map[string]bool{}
	for _, id := range roleIDs {
		wanted[id] = true
	}

	seen := map[string]bool{}
	var out []*stepflow.User
	for _, ra := range t.d.assignments {
		if !contexts[ra.SubjectID] || !wanted[ra.RoleID] || seen[ra.UserID] {
			continue
		}
		user, ok := t.d.users[ra.UserID]
		if !ok {
			continue
		}
		seen[ra.UserID] = true
		cp := *user
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) AssignRole(ctx context.Context, ra stepflow.RoleAssignment) error {
	for _, existing := range t.d.assignments {
		if existing == ra {
			return nil
		}
	}
	t.d.assignments = append(t.d.assignments, ra)
	return nil
}

func (t *memTx) ListRoleAssignments(ctx context.Context, subjectID string) ([]stepflow.RoleAssignment, error) {
	var out []stepflow.RoleAssignment
	for _, ra := range t.d.assignments {
		if ra.SubjectID == subjectID {
			out = append(out, ra)
		}
	}
	return out, nil
}

func (t *memTx) RevokeRolesByOwner(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, nil
	}
	kept := t.d.assignments[:0]
	revoked := 0
	for _, ra := range t.d.assignments {
		if ra.Owner == owner {
			revoked++
			continue
		}
		kept = append(kept, ra)
	}
	t.d.assignments = kept
	return revoked, nil
}

func (t *memTx) PutCapability(ctx context.Context, name string) error {
	t.d.capabilities[name] = true
	return nil
}

func (t *memTx) CapabilityExists(ctx context.Context, name string) (bool, error) {
	return t.d.capabilities[name], nil
}

func (t *memTx) OverrideCapability(ctx context.Context, o stepflow.CapabilityOverride) error {
	t.d.overrides[overrideKey(o.RoleID, o.Capability, o.SubjectID)] = o
	return nil
}

func (t *memTx) GetCapabilityOverride(ctx context.Context, roleID, capability, subjectID string) (*stepflow.CapabilityOverride, error) {
	o, ok := t.d.overrides[overrideKey(roleID, capability, subjectID)]
	if !ok {
		return nil, stepflow.NotFound("capability override", capability)
	}
	return &o, nil
}

func overrideKey(roleID, capability, subjectID string) string {
	return roleID + "|" + capability + "|" + subjectID
}

// Subject data

func (t *memTx) PutSubject(ctx context.Context, subject *stepflow.Subject) error {
	cp := *subject
	t.d.subjects[subject.ID] = &cp
	return nil
}

func (t *memTx) GetSubject(ctx context.Context, id string) (*stepflow.Subject, error) {
	subject, exists := t.d.subjects[id]
	if !exists {
		return nil, stepflow.NotFound("subject", id)
	}
	cp := *subject
	return &cp, nil
}

func (t *memTx) SetVisible(ctx context.Context, subjectID string, visible bool) error {
	subject, exists := t.d.subjects[subjectID]
	if !exists {
		return stepflow.NotFound("subject", subjectID)
	}
	subject.Visible = visible
	return nil
}

func (t *memTx) DeclareColumn(ctx context.Context, table, column string) error {
	if t.d.columns[table] == nil {
		t.d.columns[table] = map[string]bool{}
	}
	t.d.columns[table][column] = true
	return nil
}

func (t *memTx) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	return t.d.columns[table][column], nil
}

func (t *memTx) KindExists(ctx context.Context, kind string) (bool, error) {
	return kind == stepflow.KindCourse || len(t.d.columns[kind]) > 0, nil
}

func (t *memTx) FieldValue(ctx context.Context, recordID, table, field string) (string, error) {
	if !t.d.columns[table][field] {
		return "", stepflow.NotFound("column", table+"."+field)
	}
	return t.d.fields[table+"/"+recordID][field], nil
}

func (t *memTx) SetFieldValue(ctx context.Context, recordID, table, field, value string) error {
	if !t.d.columns[table][field] {
		return stepflow.NotFound("column", table+"."+field)
	}
	key := table + "/" + recordID
	if t.d.fields[key] == nil {
		t.d.fields[key] = map[string]string{}
	}
	t.d.fields[key][field] = value
	return nil
}

// Templates

func (t *memTx) PutTemplate(ctx context.Context, tpl *stepflow.EmailTemplate) error {
	cp := *tpl
	t.d.templates[tpl.Shortname] = &cp
	return nil
}

func (t *memTx) GetTemplate(ctx context.Context, shortname string) (*stepflow.EmailTemplate, error) {
	tpl, exists := t.d.templates[shortname]
	if !exists {
		return nil, stepflow.NotFound("email template", shortname)
	}
	cp := *tpl
	return &cp, nil
}

// MemoryWatermark implements stepflow.Watermark in memory
type MemoryWatermark struct {
	mu   sync.Mutex
	last time.Time
}

var _ stepflow.Watermark = (*MemoryWatermark)(nil)

func (w *MemoryWatermark) LastRun(ctx context.Context) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, nil
}

func (w *MemoryWatermark) SetLastRun(ctx context.Context, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = t
	return nil
}
