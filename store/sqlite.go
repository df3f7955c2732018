package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sicko7947/stepflow"
)

// SQLiteStore implements stepflow.Store on SQLite through the
// "modernc.org/sqlite" driver.
//
// The store limits the pool to a single connection so that ":memory:"
// databases work and units of work of one process never interleave. Processes
// sharing a database file are serialized by SQLite itself when db was opened
// with a DSN built by DSN.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var (
	_ stepflow.Store     = (*SQLiteStore)(nil)
	_ stepflow.Watermark = (*SQLiteStore)(nil)
)

// DSN returns the data source name for the database file at path. Units of
// work begin with BEGIN IMMEDIATE and wait up to busyTimeout for another
// process to release the write lock. ":memory:" is returned unchanged.
func DSN(path string, busyTimeout time.Duration) string {
	if path == ":memory:" {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		path, sep, busyTimeout.Milliseconds())
}

// NewSQLiteStore initializes the schema in db and returns a new SQLiteStore
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		PRAGMA foreign_keys = ON;

		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			shortname TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			applies_to TEXT NOT NULL,
			at_end_go_back_to INTEGER,
			obsolete INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			step_no INTEGER NOT NULL,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			on_active_script TEXT NOT NULL DEFAULT '',
			on_complete_script TEXT NOT NULL DEFAULT '',
			autofinish TEXT NOT NULL DEFAULT '',
			autofinish_offset INTEGER NOT NULL DEFAULT 0,
			extra_notify TEXT NOT NULL DEFAULT '',
			extra_notify_offset INTEGER NOT NULL DEFAULT 0,
			UNIQUE (workflow_id, step_no)
		);

		CREATE TABLE IF NOT EXISTS todos (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			step_id TEXT NOT NULL REFERENCES steps(id),
			task TEXT NOT NULL,
			obsolete INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS step_states (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL REFERENCES steps(id),
			subject_id TEXT NOT NULL,
			status TEXT NOT NULL,
			time_modified INTEGER NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			comment_format TEXT NOT NULL DEFAULT '',
			UNIQUE (step_id, subject_id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS step_states_one_active
			ON step_states (subject_id) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS state_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			step_state_id TEXT NOT NULL,
			new_status TEXT NOT NULL,
			user_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS subjects (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			course_id TEXT NOT NULL DEFAULT '',
			visible INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS table_columns (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			PRIMARY KEY (table_name, column_name)
		);

		CREATE TABLE IF NOT EXISTS subject_fields (
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			column_name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (table_name, record_id, column_name)
		);

		CREATE TABLE IF NOT EXISTS roles (
			id TEXT PRIMARY KEY,
			shortname TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			full_name TEXT NOT NULL,
			email TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS role_assignments (
			role_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (role_id, user_id, subject_id, owner)
		);

		CREATE INDEX IF NOT EXISTS role_assignments_owner ON role_assignments (owner);

		CREATE TABLE IF NOT EXISTS capabilities (
			name TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS capability_overrides (
			role_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			PRIMARY KEY (role_id, capability, subject_id)
		);

		CREATE TABLE IF NOT EXISTS email_templates (
			shortname TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			body TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scheduler_watermark (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_run INTEGER NOT NULL
		);`,
	)
	return err
}

// InTx runs fn inside a database transaction
func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context, tx stepflow.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return busyError(fmt.Errorf("sqlite: begin: %w", err))
	}

	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return busyError(err)
	}

	if err := tx.Commit(); err != nil {
		return busyError(fmt.Errorf("sqlite: commit: %w", err))
	}
	return nil
}

// busyError reports a write lock still held by another connection after the
// busy timeout as CONFLICT
func busyError(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_BUSY {
		return stepflow.WrapError(stepflow.ErrCodeConflict, "database is locked by another writer", err)
	}
	return err
}

// LastRun implements stepflow.Watermark
func (s *SQLiteStore) LastRun(ctx context.Context) (time.Time, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx, `SELECT last_run FROM scheduler_watermark WHERE id = 1`).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromNanos(nanos), nil
}

// SetLastRun implements stepflow.Watermark
func (s *SQLiteStore) SetLastRun(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_watermark (id, last_run) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET last_run = excluded.last_run`,
		t.UnixNano(),
	)
	return err
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// constraintError maps SQLite uniqueness violations to coded errors. The
// one-active-state index reports CONFLICT, every other key DUPLICATE.
func constraintError(err error, ref string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") && !strings.Contains(msg, "PRIMARY KEY") {
		return err
	}
	if strings.Contains(msg, "step_states.subject_id") && !strings.Contains(msg, "step_states.step_id") {
		return stepflow.WrapError(stepflow.ErrCodeConflict, "subject already has an active step state", err)
	}
	if strings.Contains(msg, "steps.workflow_id, steps.step_no") {
		return stepflow.NewErrorWithRef(stepflow.ErrCodeInvalidStepNumber, "step number already in use", ref)
	}
	return stepflow.NewErrorWithRef(stepflow.ErrCodeDuplicate, "record already exists", ref)
}

func mustAffect(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return stepflow.NotFound(entity, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ruleColumns(r *stepflow.Rule) (string, int64) {
	if r == nil {
		return "", 0
	}
	return r.Table + ";" + r.Field, r.Offset
}

func ruleFromColumns(ref string, offset int64) *stepflow.Rule {
	table, field, ok := strings.Cut(ref, ";")
	if !ok {
		return nil
	}
	return &stepflow.Rule{Table: table, Field: field, Offset: offset}
}

// sqliteTx is the stepflow.Tx of a SQLiteStore unit of work
type sqliteTx struct {
	tx *sql.Tx
}

// Catalog

const workflowColumns = `id, shortname, name, applies_to, at_end_go_back_to, obsolete`

func scanWorkflow(row interface{ Scan(...any) error }) (*stepflow.Workflow, error) {
	var wf stepflow.Workflow
	var atEnd sql.NullInt64
	var obsolete int
	if err := row.Scan(&wf.ID, &wf.Shortname, &wf.Name, &wf.AppliesTo, &atEnd, &obsolete); err != nil {
		return nil, err
	}
	if atEnd.Valid {
		wf.AtEndGoBackTo = stepflow.ToPtr(int(atEnd.Int64))
	}
	wf.Obsolete = obsolete != 0
	return &wf, nil
}

func atEndValue(wf *stepflow.Workflow) any {
	if wf.AtEndGoBackTo == nil {
		return nil
	}
	return *wf.AtEndGoBackTo
}

func (t *sqliteTx) CreateWorkflow(ctx context.Context, wf *stepflow.Workflow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Shortname, wf.Name, wf.AppliesTo, atEndValue(wf), boolInt(wf.Obsolete),
	)
	return constraintError(err, wf.Shortname)
}

func (t *sqliteTx) UpdateWorkflow(ctx context.Context, wf *stepflow.Workflow) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE workflows
		SET shortname = ?, name = ?, applies_to = ?, at_end_go_back_to = ?, obsolete = ?
		WHERE id = ?`,
		wf.Shortname, wf.Name, wf.AppliesTo, atEndValue(wf), boolInt(wf.Obsolete), wf.ID,
	)
	if err != nil {
		return constraintError(err, wf.Shortname)
	}
	return mustAffect(res, "workflow", wf.ID)
}

func (t *sqliteTx) GetWorkflow(ctx context.Context, id string) (*stepflow.Workflow, error) {
	wf, err := scanWorkflow(t.tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("workflow", id)
	}
	return wf, err
}

func (t *sqliteTx) GetWorkflowByShortname(ctx context.Context, shortname string) (*stepflow.Workflow, error) {
	wf, err := scanWorkflow(t.tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE shortname = ?`, shortname))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("workflow", shortname)
	}
	return wf, err
}

func (t *sqliteTx) ListWorkflows(ctx context.Context) ([]*stepflow.Workflow, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY shortname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*stepflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

const stepColumns = `id, workflow_id, step_no, name, instructions, on_active_script, on_complete_script,
	autofinish, autofinish_offset, extra_notify, extra_notify_offset`

func scanStep(row interface{ Scan(...any) error }) (*stepflow.Step, error) {
	var step stepflow.Step
	var af, en string
	var afOff, enOff int64
	if err := row.Scan(&step.ID, &step.WorkflowID, &step.StepNo, &step.Name, &step.Instructions,
		&step.OnActiveScript, &step.OnCompleteScript, &af, &afOff, &en, &enOff); err != nil {
		return nil, err
	}
	step.AutoFinish = ruleFromColumns(af, afOff)
	step.ExtraNotify = ruleFromColumns(en, enOff)
	return &step, nil
}

func (t *sqliteTx) CreateStep(ctx context.Context, step *stepflow.Step) error {
	af, afOff := ruleColumns(step.AutoFinish)
	en, enOff := ruleColumns(step.ExtraNotify)
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, step.StepNo, step.Name, step.Instructions,
		step.OnActiveScript, step.OnCompleteScript, af, afOff, en, enOff,
	)
	return constraintError(err, step.ID)
}

func (t *sqliteTx) UpdateStep(ctx context.Context, step *stepflow.Step) error {
	af, afOff := ruleColumns(step.AutoFinish)
	en, enOff := ruleColumns(step.ExtraNotify)
	res, err := t.tx.ExecContext(ctx, `
		UPDATE steps
		SET workflow_id = ?, step_no = ?, name = ?, instructions = ?, on_active_script = ?,
			on_complete_script = ?, autofinish = ?, autofinish_offset = ?, extra_notify = ?, extra_notify_offset = ?
		WHERE id = ?`,
		step.WorkflowID, step.StepNo, step.Name, step.Instructions, step.OnActiveScript,
		step.OnCompleteScript, af, afOff, en, enOff, step.ID,
	)
	if err != nil {
		return constraintError(err, step.ID)
	}
	return mustAffect(res, "step", step.ID)
}

func (t *sqliteTx) GetStep(ctx context.Context, id string) (*stepflow.Step, error) {
	step, err := scanStep(t.tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("step", id)
	}
	return step, err
}

func (t *sqliteTx) DeleteStep(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM steps WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "step", id)
}

func (t *sqliteTx) ListSteps(ctx context.Context, workflowID string) ([]*stepflow.Step, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? ORDER BY step_no`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*stepflow.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (t *sqliteTx) CreateTodo(ctx context.Context, todo *stepflow.Todo) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO todos (id, step_id, task, obsolete) VALUES (?, ?, ?, ?)`,
		todo.ID, todo.StepID, todo.Task, boolInt(todo.Obsolete))
	return constraintError(err, todo.ID)
}

func (t *sqliteTx) ListTodos(ctx context.Context, stepID string) ([]*stepflow.Todo, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, step_id, task, obsolete FROM todos WHERE step_id = ? ORDER BY seq`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*stepflow.Todo
	for rows.Next() {
		var todo stepflow.Todo
		var obsolete int
		if err := rows.Scan(&todo.ID, &todo.StepID, &todo.Task, &obsolete); err != nil {
			return nil, err
		}
		todo.Obsolete = obsolete != 0
		out = append(out, &todo)
	}
	return out, rows.Err()
}

func (t *sqliteTx) DeleteTodos(ctx context.Context, stepID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM todos WHERE step_id = ?`, stepID)
	return err
}

// Step states

const stateColumns = `s.id, s.step_id, s.subject_id, s.status, s.time_modified, s.comment, s.comment_format`

func scanState(row interface{ Scan(...any) error }) (*stepflow.StepState, error) {
	var st stepflow.StepState
	var status string
	var modified int64
	if err := row.Scan(&st.ID, &st.StepID, &st.SubjectID, &status, &modified, &st.Comment, &st.CommentFormat); err != nil {
		return nil, err
	}
	st.Status = stepflow.Status(status)
	st.TimeModified = fromNanos(modified)
	return &st, nil
}

func (t *sqliteTx) CreateStepState(ctx context.Context, st *stepflow.StepState) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO step_states (id, step_id, subject_id, status, time_modified, comment, comment_format)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.StepID, st.SubjectID, string(st.Status), st.TimeModified.UnixNano(), st.Comment, st.CommentFormat,
	)
	return constraintError(err, st.SubjectID)
}

func (t *sqliteTx) UpdateStepState(ctx context.Context, st *stepflow.StepState) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE step_states
		SET status = ?, time_modified = ?, comment = ?, comment_format = ?
		WHERE id = ?`,
		string(st.Status), st.TimeModified.UnixNano(), st.Comment, st.CommentFormat, st.ID,
	)
	if err != nil {
		return constraintError(err, st.SubjectID)
	}
	return mustAffect(res, "step state", st.ID)
}

func (t *sqliteTx) GetStepState(ctx context.Context, id string) (*stepflow.StepState, error) {
	st, err := scanState(t.tx.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM step_states s WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("step state", id)
	}
	return st, err
}

func (t *sqliteTx) FindStepState(ctx context.Context, stepID, subjectID string) (*stepflow.StepState, error) {
	st, err := scanState(t.tx.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM step_states s WHERE s.step_id = ? AND s.subject_id = ?`, stepID, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("step state", stepID+"@"+subjectID)
	}
	return st, err
}

func (t *sqliteTx) ActiveStepState(ctx context.Context, subjectID string) (*stepflow.StepState, error) {
	st, err := scanState(t.tx.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM step_states s WHERE s.subject_id = ? AND s.status = ?`,
		subjectID, string(stepflow.StatusActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("active step state", subjectID)
	}
	return st, err
}

func (t *sqliteTx) ListStepStates(ctx context.Context, filter stepflow.StateFilter) ([]*stepflow.StepState, error) {
	query := `SELECT ` + stateColumns + ` FROM step_states s JOIN steps st ON st.id = s.step_id`
	var clauses []string
	var args []any

	if filter.WorkflowID != "" {
		clauses = append(clauses, "st.workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.StepID != "" {
		clauses = append(clauses, "s.step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.SubjectID != "" {
		clauses = append(clauses, "s.subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "s.status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY s.id"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*stepflow.StepState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *sqliteTx) DeleteStepState(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM step_states WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "step state", id)
}

func (t *sqliteTx) AppendStateChange(ctx context.Context, ch *stepflow.StateChange) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO state_changes (step_state_id, new_status, user_id, timestamp)
		VALUES (?, ?, ?, ?)`,
		ch.StepStateID, string(ch.NewStatus), ch.UserID, ch.Timestamp.UnixNano(),
	)
	if err != nil {
		return err
	}
	ch.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) ListStateChanges(ctx context.Context, stepStateID string) ([]*stepflow.StateChange, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, step_state_id, new_status, user_id, timestamp
		FROM state_changes WHERE step_state_id = ? ORDER BY id`, stepStateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*stepflow.StateChange
	for rows.Next() {
		var ch stepflow.StateChange
		var status string
		var ts int64
		if err := rows.Scan(&ch.ID, &ch.StepStateID, &status, &ch.UserID, &ts); err != nil {
			return nil, err
		}
		ch.NewStatus = stepflow.Status(status)
		ch.Timestamp = fromNanos(ts)
		out = append(out, &ch)
	}
	return out, rows.Err()
}

func (t *sqliteTx) DeleteStateChanges(ctx context.Context, stepStateID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM state_changes WHERE step_state_id = ?`, stepStateID)
	return err
}

// Directory

func (t *sqliteTx) PutRole(ctx context.Context, role *stepflow.Role) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO roles (id, shortname, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET shortname = excluded.shortname, name = excluded.name`,
		role.ID, role.Shortname, role.Name)
	return constraintError(err, role.Shortname)
}

func (t *sqliteTx) RoleByShortname(ctx context.Context, shortname string) (*stepflow.Role, error) {
	var role stepflow.Role
	err := t.tx.QueryRowContext(ctx, `SELECT id, shortname, name FROM roles WHERE shortname = ?`, shortname).
		Scan(&role.ID, &role.Shortname, &role.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("role", shortname)
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (t *sqliteTx) PutUser(ctx context.Context, user *stepflow.User) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, full_name, email) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET full_name = excluded.full_name, email = excluded.email`,
		user.ID, user.FullName, user.Email)
	return err
}

func (t *sqliteTx) GetUser(ctx context.Context, id string) (*stepflow.User, error) {
	var user stepflow.User
	err := t.tx.QueryRowContext(ctx, `SELECT id, full_name, email FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.FullName, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UsersWithRoles includes holders assigned in the enclosing course
func (t *sqliteTx) UsersWithRoles(ctx context.Context, subjectID string, roleIDs []string) ([]*stepflow.User, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	args := []any{subjectID, subjectID}
	marks := make([]string, len(roleIDs))
	for i, id := range roleIDs {
		marks[i] = "?"
		args = append(args, id)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT u.id, u.full_name, u.email
		FROM role_assignments ra
		JOIN users u ON u.id = ra.user_id
		WHERE (ra.subject_id = ?
			OR ra.subject_id = (SELECT course_id FROM subjects WHERE id = ? AND course_id <> ''))
		AND ra.role_id IN (`+strings.Join(marks, ", ")+`)
		ORDER BY u.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*stepflow.User
	for rows.Next() {
		var user stepflow.User
		if err := rows.Scan(&user.ID, &user.FullName, &user.Email); err != nil {
			return nil, err
		}
		out = append(out, &user)
	}
	return out, rows.Err()
}

func (t *sqliteTx) AssignRole(ctx context.Context, ra stepflow.RoleAssignment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO role_assignments (role_id, user_id, subject_id, owner) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		ra.RoleID, ra.UserID, ra.SubjectID, ra.Owner)
	return err
}

func (t *sqliteTx) ListRoleAssignments(ctx context.Context, subjectID string) ([]stepflow.RoleAssignment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT role_id, user_id, subject_id, owner FROM role_assignments
		WHERE subject_id = ? ORDER BY rowid`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stepflow.RoleAssignment
	for rows.Next() {
		var ra stepflow.RoleAssignment
		if err := rows.Scan(&ra.RoleID, &ra.UserID, &ra.SubjectID, &ra.Owner); err != nil {
			return nil, err
		}
		out = append(out, ra)
	}
	return out, rows.Err()
}

func (t *sqliteTx) RevokeRolesByOwner(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, nil
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM role_assignments WHERE owner = ?`, owner)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *sqliteTx) PutCapability(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO capabilities (name) VALUES (?) ON CONFLICT DO NOTHING`, name)
	return err
}

func (t *sqliteTx) CapabilityExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM capabilities WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

func (t *sqliteTx) OverrideCapability(ctx context.Context, o stepflow.CapabilityOverride) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO capability_overrides (role_id, capability, subject_id, permission) VALUES (?, ?, ?, ?)
		ON CONFLICT (role_id, capability, subject_id) DO UPDATE SET permission = excluded.permission`,
		o.RoleID, o.Capability, o.SubjectID, string(o.Permission))
	return err
}

func (t *sqliteTx) GetCapabilityOverride(ctx context.Context, roleID, capability, subjectID string) (*stepflow.CapabilityOverride, error) {
	o := stepflow.CapabilityOverride{RoleID: roleID, Capability: capability, SubjectID: subjectID}
	var perm string
	err := t.tx.QueryRowContext(ctx, `
		SELECT permission FROM capability_overrides
		WHERE role_id = ? AND capability = ? AND subject_id = ?`,
		roleID, capability, subjectID).Scan(&perm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("capability override", capability)
	}
	if err != nil {
		return nil, err
	}
	o.Permission = stepflow.Permission(perm)
	return &o, nil
}

// Subject data

func (t *sqliteTx) PutSubject(ctx context.Context, subject *stepflow.Subject) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO subjects (id, kind, name, url, course_id, visible) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, name = excluded.name, url = excluded.url,
			course_id = excluded.course_id, visible = excluded.visible`,
		subject.ID, subject.Kind, subject.Name, subject.URL, subject.CourseID, boolInt(subject.Visible))
	return err
}

func (t *sqliteTx) GetSubject(ctx context.Context, id string) (*stepflow.Subject, error) {
	var subject stepflow.Subject
	var visible int
	err := t.tx.QueryRowContext(ctx, `SELECT id, kind, name, url, course_id, visible FROM subjects WHERE id = ?`, id).
		Scan(&subject.ID, &subject.Kind, &subject.Name, &subject.URL, &subject.CourseID, &visible)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("subject", id)
	}
	if err != nil {
		return nil, err
	}
	subject.Visible = visible != 0
	return &subject, nil
}

func (t *sqliteTx) SetVisible(ctx context.Context, subjectID string, visible bool) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE subjects SET visible = ? WHERE id = ?`, boolInt(visible), subjectID)
	if err != nil {
		return err
	}
	return mustAffect(res, "subject", subjectID)
}

func (t *sqliteTx) DeclareColumn(ctx context.Context, table, column string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO table_columns (table_name, column_name) VALUES (?, ?) ON CONFLICT DO NOTHING`, table, column)
	return err
}

func (t *sqliteTx) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM table_columns WHERE table_name = ? AND column_name = ?`, table, column).Scan(&n)
	return n > 0, err
}

func (t *sqliteTx) KindExists(ctx context.Context, kind string) (bool, error) {
	if kind == stepflow.KindCourse {
		return true, nil
	}
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM table_columns WHERE table_name = ?`, kind).Scan(&n)
	return n > 0, err
}

func (t *sqliteTx) FieldValue(ctx context.Context, recordID, table, field string) (string, error) {
	ok, err := t.ColumnExists(ctx, table, field)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", stepflow.NotFound("column", table+"."+field)
	}

	var value string
	err = t.tx.QueryRowContext(ctx, `
		SELECT value FROM subject_fields WHERE table_name = ? AND record_id = ? AND column_name = ?`,
		table, recordID, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (t *sqliteTx) SetFieldValue(ctx context.Context, recordID, table, field, value string) error {
	ok, err := t.ColumnExists(ctx, table, field)
	if err != nil {
		return err
	}
	if !ok {
		return stepflow.NotFound("column", table+"."+field)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO subject_fields (table_name, record_id, column_name, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, record_id, column_name) DO UPDATE SET value = excluded.value`,
		table, recordID, field, value)
	return err
}

// Templates

func (t *sqliteTx) PutTemplate(ctx context.Context, tpl *stepflow.EmailTemplate) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO email_templates (shortname, subject, body) VALUES (?, ?, ?)
		ON CONFLICT (shortname) DO UPDATE SET subject = excluded.subject, body = excluded.body`,
		tpl.Shortname, tpl.Subject, tpl.Body)
	return err
}

func (t *sqliteTx) GetTemplate(ctx context.Context, shortname string) (*stepflow.EmailTemplate, error) {
	var tpl stepflow.EmailTemplate
	err := t.tx.QueryRowContext(ctx, `SELECT shortname, subject, body FROM email_templates WHERE shortname = ?`, shortname).
		Scan(&tpl.Shortname, &tpl.Subject, &tpl.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stepflow.NotFound("email template", shortname)
	}
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}
