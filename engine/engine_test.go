package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
	"github.com/sicko7947/stepflow/catalog"
	"github.com/sicko7947/stepflow/command"
	"github.com/sicko7947/stepflow/internal/fixture"
	"github.com/sicko7947/stepflow/metrics"
	"github.com/sicko7947/stepflow/store"
)

type captureNotifier struct {
	mu       sync.Mutex
	messages []stepflow.Message
	err      error
}

func (c *captureNotifier) Deliver(ctx context.Context, msg stepflow.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureNotifier) sent() []stepflow.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stepflow.Message(nil), c.messages...)
}

// testStores lists the store implementations every lifecycle test runs against
func testStores(t *testing.T) map[string]func(t *testing.T) stepflow.Store {
	return map[string]func(t *testing.T) stepflow.Store{
		"memory": func(t *testing.T) stepflow.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) stepflow.Store {
			db, err := sql.Open("sqlite", ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s, err := store.NewSQLiteStore(db)
			require.NoError(t, err)
			return s
		},
	}
}

func newTestEngine(t *testing.T, st stepflow.Store, opts ...EngineOption) (*Engine, *captureNotifier) {
	t.Helper()
	require.NoError(t, fixture.SeedStore(context.Background(), st))
	notifier := &captureNotifier{}
	opts = append([]EngineOption{WithLogger(zerolog.Nop()), WithNotifier(notifier)}, opts...)
	return NewEngine(st, opts...), notifier
}

// scenarioWorkflow is the two-step course workflow the lifecycle tests share
func scenarioWorkflow() *catalog.Definition {
	return builder.NewWorkflow("w", "Scenario").
		WithID("W").
		Sequence(
			builder.NewStep("Delegate").WithID("step1").OnActive("assignrole teacher to student"),
			builder.NewStep("Publish").WithID("step2").
				OnActive("setcoursevisibility visible").
				OnComplete("setcoursevisibility hidden"),
		).
		MustBuild()
}

func grantsOwnedBy(t *testing.T, st stepflow.Store, subjectID, owner string) []stepflow.RoleAssignment {
	t.Helper()
	var out []stepflow.RoleAssignment
	require.NoError(t, st.InTx(context.Background(), func(ctx context.Context, tx stepflow.Tx) error {
		all, err := tx.ListRoleAssignments(ctx, subjectID)
		for _, ra := range all {
			if ra.Owner == owner {
				out = append(out, ra)
			}
		}
		return err
	}))
	return out
}

func subject(t *testing.T, st stepflow.Store, id string) *stepflow.Subject {
	t.Helper()
	var out *stepflow.Subject
	require.NoError(t, st.InTx(context.Background(), func(ctx context.Context, tx stepflow.Tx) error {
		var err error
		out, err = tx.GetSubject(ctx, id)
		return err
	}))
	return out
}

func activeCount(t *testing.T, st stepflow.Store, subjectID string) int {
	t.Helper()
	var n int
	require.NoError(t, st.InTx(context.Background(), func(ctx context.Context, tx stepflow.Tx) error {
		states, err := tx.ListStepStates(ctx, stepflow.StateFilter{SubjectID: subjectID, Status: stepflow.StatusActive})
		n = len(states)
		return err
	}))
	return n
}

func TestScenarios(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)
			eng, _ := newTestEngine(t, st)
			require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))

			// Assign delegates teacher to every student
			state1, err := eng.Assign(ctx, "W", fixture.CourseID)
			require.NoError(t, err)
			assert.Equal(t, "step1", state1.StepID)
			assert.Equal(t, stepflow.StatusActive, state1.Status)

			grants := grantsOwnedBy(t, st, fixture.CourseID, state1.ID)
			require.Len(t, grants, 2)
			for _, g := range grants {
				assert.Equal(t, fixture.RoleTeacher, g.RoleID)
			}
			assert.ElementsMatch(t, []string{fixture.UserAlice, fixture.UserBob}, []string{grants[0].UserID, grants[1].UserID})

			// Finishing revokes and activates step 2
			state2, err := eng.FinishStep(ctx, state1.ID, "done")
			require.NoError(t, err)
			require.NotNil(t, state2)
			assert.Equal(t, "step2", state2.StepID)
			assert.Equal(t, stepflow.StatusActive, state2.Status)

			states, err := eng.States(ctx, "W", fixture.CourseID)
			require.NoError(t, err)
			byID := map[string]*stepflow.StepState{}
			for _, s := range states {
				byID[s.ID] = s
			}
			assert.Equal(t, stepflow.StatusCompleted, byID[state1.ID].Status)
			assert.Equal(t, "done", byID[state1.ID].Comment)
			assert.Empty(t, grantsOwnedBy(t, st, fixture.CourseID, state1.ID))
			assert.True(t, subject(t, st, fixture.CourseID).Visible)

			// Jumping back aborts without the completion script
			state1again, err := eng.JumpToStep(ctx, fixture.CourseID, "step1")
			require.NoError(t, err)
			assert.Equal(t, state1.ID, state1again.ID, "state row is reused")
			assert.Equal(t, stepflow.StatusActive, state1again.Status)

			states, err = eng.States(ctx, "W", fixture.CourseID)
			require.NoError(t, err)
			for _, s := range states {
				if s.ID == state2.ID {
					assert.Equal(t, stepflow.StatusAborted, s.Status)
				}
			}
			assert.True(t, subject(t, st, fixture.CourseID).Visible, "abort runs no completion script")
			assert.Len(t, grantsOwnedBy(t, st, fixture.CourseID, state1.ID), 2)
			assert.Equal(t, 1, activeCount(t, st, fixture.CourseID))

			history, err := eng.History(ctx, state1.ID)
			require.NoError(t, err)
			var statuses []stepflow.Status
			for _, h := range history {
				statuses = append(statuses, h.NewStatus)
			}
			assert.Equal(t, []stepflow.Status{stepflow.StatusActive, stepflow.StatusCompleted, stepflow.StatusActive}, statuses)
		})
	}
}

// An invalid script stops the assignment before anything is written
func TestAssign_InvalidScriptWritesNothing(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)
			eng, _ := newTestEngine(t, st)

			def := builder.NewWorkflow("broken", "Broken").WithID("B").
				ThenStep(builder.NewStep("One").WithID("b1").OnActive("bogus arg1 arg2")).
				MustBuild()
			// Saved directly: installing through the engine would reject the script
			require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
				return catalog.New(tx).Save(ctx, def)
			}))

			state, err := eng.Assign(ctx, "B", fixture.CourseID)
			require.Error(t, err)
			assert.Nil(t, state)

			var se *stepflow.ScriptError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, []string{"bogus"}, se.Commands())

			states, err := eng.States(ctx, "B", fixture.CourseID)
			require.NoError(t, err)
			assert.Empty(t, states)

			current, err := eng.CurrentState(ctx, fixture.CourseID)
			require.NoError(t, err)
			assert.Nil(t, current)
		})
	}
}

func TestAssign_Failures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng, _ := newTestEngine(t, st)
	require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))
	require.NoError(t, eng.InstallWorkflow(ctx, builder.NewWorkflow("old", "Old").WithID("O").Obsolete().
		ThenStep(builder.NewStep("Only")).MustBuild()))
	require.NoError(t, eng.InstallWorkflow(ctx, builder.NewWorkflow("marking", "Marking").WithID("M").
		AppliesTo(fixture.ActivityKind).ThenStep(builder.NewStep("Mark")).MustBuild()))

	_, err := eng.Assign(ctx, "nope", fixture.CourseID)
	assert.True(t, stepflow.IsNotFound(err))

	_, err = eng.Assign(ctx, "O", fixture.CourseID)
	assert.Equal(t, stepflow.ErrCodeObsolete, stepflow.ErrorCode(err))

	_, err = eng.Assign(ctx, "M", fixture.CourseID)
	assert.Equal(t, stepflow.ErrCodeNotApplicable, stepflow.ErrorCode(err))

	_, err = eng.Assign(ctx, "W", fixture.CourseID)
	require.NoError(t, err)
	_, err = eng.Assign(ctx, "W", fixture.CourseID)
	assert.True(t, stepflow.IsAlreadyAssigned(err))

	// The activity is a separate subject
	_, err = eng.Assign(ctx, "M", fixture.ActivityID)
	assert.NoError(t, err)
}

func TestFinishStep_EndAndWrap(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, store.NewMemoryStore())
	require.NoError(t, eng.InstallWorkflow(ctx, builder.NewWorkflow("once", "Once").WithID("A").
		ThenStep(builder.NewStep("Only")).MustBuild()))
	require.NoError(t, eng.InstallWorkflow(ctx, builder.NewWorkflow("loop", "Loop").WithID("L").
		AppliesTo(fixture.ActivityKind).AtEndGoBackTo(1).
		Sequence(builder.NewStep("First").WithID("l1"), builder.NewStep("Second").WithID("l2")).MustBuild()))

	state, err := eng.Assign(ctx, "A", fixture.CourseID)
	require.NoError(t, err)
	next, err := eng.FinishStep(ctx, state.ID, "<p>all done</p>", WithCommentFormat("html"))
	require.NoError(t, err)
	assert.Nil(t, next, "no further step")

	current, err := eng.CurrentState(ctx, fixture.CourseID)
	require.NoError(t, err)
	assert.Nil(t, current)

	states, err := eng.States(ctx, "A", fixture.CourseID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "html", states[0].CommentFormat)

	_, err = eng.FinishStep(ctx, state.ID, "again")
	assert.Equal(t, stepflow.ErrCodeNotActive, stepflow.ErrorCode(err))

	first, err := eng.Assign(ctx, "L", fixture.ActivityID)
	require.NoError(t, err)
	second, err := eng.FinishStep(ctx, first.ID, "")
	require.NoError(t, err)
	wrapped, err := eng.FinishStep(ctx, second.ID, "")
	require.NoError(t, err)
	require.NotNil(t, wrapped)
	assert.Equal(t, first.ID, wrapped.ID, "wraps to step 1 and reuses its row")
}

func TestJumpToStep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng, _ := newTestEngine(t, st)
	require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))
	require.NoError(t, eng.InstallWorkflow(ctx, builder.NewWorkflow("other", "Other").WithID("X").
		ThenStep(builder.NewStep("Elsewhere").WithID("x1")).MustBuild()))
	require.NoError(t, eng.InstallWorkflow(ctx, builder.NewWorkflow("marking", "Marking").WithID("M").
		AppliesTo(fixture.ActivityKind).ThenStep(builder.NewStep("Mark").WithID("m1")).MustBuild()))
	require.NoError(t, eng.InstallWorkflow(ctx, builder.NewWorkflow("old", "Old").WithID("O").Obsolete().
		ThenStep(builder.NewStep("Retired").WithID("o1")).MustBuild()))

	// An obsolete workflow cannot be started by jumping into it either
	_, err := eng.JumpToStep(ctx, fixture.CourseID, "o1")
	assert.Equal(t, stepflow.ErrCodeObsolete, stepflow.ErrorCode(err))
	assert.Equal(t, 0, activeCount(t, st, fixture.CourseID))

	// Without an active state the target may start a workflow
	state, err := eng.JumpToStep(ctx, fixture.CourseID, "step2")
	require.NoError(t, err)
	assert.Equal(t, "step2", state.StepID)

	_, err = eng.JumpToStep(ctx, fixture.CourseID, "missing")
	assert.True(t, stepflow.IsInvalidTarget(err))

	_, err = eng.JumpToStep(ctx, fixture.CourseID, "x1")
	assert.True(t, stepflow.IsInvalidTarget(err), "target must be in the active workflow")

	_, err = eng.JumpToStep(ctx, fixture.ActivityID, "step1")
	assert.Equal(t, stepflow.ErrCodeNotApplicable, stepflow.ErrorCode(err))

	// Jumping to nothing unassigns
	none, err := eng.JumpToStep(ctx, fixture.CourseID, "")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, 0, activeCount(t, st, fixture.CourseID))

	none, err = eng.JumpToStep(ctx, fixture.CourseID, "")
	require.NoError(t, err)
	assert.Nil(t, none, "nothing to abort")
}

func TestRemove(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)
			eng, _ := newTestEngine(t, st)
			require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))

			err := eng.Remove(ctx, "W", fixture.CourseID)
			assert.True(t, stepflow.IsNotAssigned(err))

			state1, err := eng.Assign(ctx, "W", fixture.CourseID)
			require.NoError(t, err)
			state2, err := eng.FinishStep(ctx, state1.ID, "ok")
			require.NoError(t, err)
			state1, err = eng.JumpToStep(ctx, fixture.CourseID, "step1")
			require.NoError(t, err)
			require.NotEmpty(t, grantsOwnedBy(t, st, fixture.CourseID, state1.ID))

			require.NoError(t, eng.Remove(ctx, "W", fixture.CourseID))

			states, err := eng.States(ctx, "W", fixture.CourseID)
			require.NoError(t, err)
			assert.Empty(t, states)
			for _, id := range []string{state1.ID, state2.ID} {
				history, err := eng.History(ctx, id)
				require.NoError(t, err)
				assert.Empty(t, history)
				assert.Empty(t, grantsOwnedBy(t, st, fixture.CourseID, id))
			}

			// The seeded course roles are untouched
			var all []stepflow.RoleAssignment
			require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
				all, err = tx.ListRoleAssignments(ctx, fixture.CourseID)
				return err
			}))
			assert.Len(t, all, 3)

			// The workflow can be assigned again
			_, err = eng.Assign(ctx, "W", fixture.CourseID)
			assert.NoError(t, err)
		})
	}
}

func TestActorIsRecorded(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, store.NewMemoryStore())
	require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))

	state, err := eng.Assign(stepflow.WithActor(ctx, fixture.UserCarol), "W", fixture.CourseID)
	require.NoError(t, err)
	_, err = eng.FinishStep(ctx, state.ID, "")
	require.NoError(t, err)

	history, err := eng.History(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, fixture.UserCarol, history[0].UserID)
	assert.Equal(t, "system", history[1].UserID)
}

func TestEmail_CarriesPreviousComment(t *testing.T) {
	ctx := context.Background()
	eng, notifier := newTestEngine(t, store.NewMemoryStore(),
		WithConfig(stepflow.EngineConfig{SystemActor: "cron", JumpCommentFormat: "from %d (%s): %s"}))

	def := builder.NewWorkflow("notify", "Notify").WithID("N").
		Sequence(
			builder.NewStep("Write").WithID("n1"),
			builder.NewStep("Review").WithID("n2").OnActive("email stepready to editingteacher"),
		).MustBuild()
	require.NoError(t, eng.InstallWorkflow(ctx, def))

	state, err := eng.Assign(ctx, "N", fixture.CourseID)
	require.NoError(t, err)
	_, err = eng.FinishStep(ctx, state.ID, "ready for review")
	require.NoError(t, err)

	sent := notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, fixture.UserCarol, sent[0].To.ID)
	assert.Contains(t, sent[0].Body, "Comment: ready for review.")

	// A jump synthesizes the previous comment
	_, err = eng.JumpToStep(ctx, fixture.CourseID, "n1")
	require.NoError(t, err)
	_, err = eng.JumpToStep(ctx, fixture.CourseID, "n2")
	require.NoError(t, err)

	sent = notifier.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Body, "Comment: from 1 (Write): ready for review.")
}

// explode passes validation and fails when run
type explode struct{}

func (explode) Name() string { return "explode" }

func (explode) Parse(ctx context.Context, env *command.Env, args string) (any, []string, error) {
	return nil, nil, nil
}

func (explode) Execute(ctx context.Context, env *command.Env, args string) error {
	return errors.New("host refused the change")
}

func TestFailedTransitionRollsBack(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)

			registry := command.DefaultRegistry()
			registry.MustRegister(explode{})
			eng, notifier := newTestEngine(t, st, WithInterpreter(command.NewInterpreter(registry)))

			def := builder.NewWorkflow("fragile", "Fragile").WithID("F").
				Sequence(
					builder.NewStep("Start").WithID("f1").
						OnActive("assignrole teacher to student").
						OnComplete("email stepready to student\nsetcoursevisibility visible"),
					builder.NewStep("Boom").WithID("f2").OnActive("explode"),
				).MustBuild()
			require.NoError(t, eng.InstallWorkflow(ctx, def))

			state, err := eng.Assign(ctx, "F", fixture.CourseID)
			require.NoError(t, err)

			_, err = eng.FinishStep(ctx, state.ID, "go")
			require.Error(t, err)

			current, err := eng.CurrentState(ctx, fixture.CourseID)
			require.NoError(t, err)
			require.NotNil(t, current)
			assert.Equal(t, state.ID, current.ID, "first state still active")
			assert.Len(t, grantsOwnedBy(t, st, fixture.CourseID, state.ID), 2, "revocation rolled back")
			assert.False(t, subject(t, st, fixture.CourseID).Visible, "completion script rolled back")
			assert.Empty(t, notifier.sent(), "queued email dropped")

			history, err := eng.History(ctx, state.ID)
			require.NoError(t, err)
			assert.Len(t, history, 1)
		})
	}
}

func TestDeliveryFailureAfterCommit(t *testing.T) {
	ctx := context.Background()
	eng, notifier := newTestEngine(t, store.NewMemoryStore())
	notifier.err = errors.New("smtp down")

	def := builder.NewWorkflow("mail", "Mail").WithID("E").
		ThenStep(builder.NewStep("Announce").WithID("e1").OnActive("email stepready to student")).
		MustBuild()
	require.NoError(t, eng.InstallWorkflow(ctx, def))

	_, err := eng.Assign(ctx, "E", fixture.CourseID)
	assert.Equal(t, stepflow.ErrCodeDeliveryFailed, stepflow.ErrorCode(err))

	current, err := eng.CurrentState(ctx, fixture.CourseID)
	require.NoError(t, err)
	require.NotNil(t, current, "the transition committed before delivery")
	assert.Equal(t, "e1", current.StepID)
}

func TestSingleActiveUnderConcurrentFinish(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)
			eng, _ := newTestEngine(t, st)
			require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))

			state, err := eng.Assign(ctx, "W", fixture.CourseID)
			require.NoError(t, err)

			const workers = 8
			var wg sync.WaitGroup
			results := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := eng.FinishStep(ctx, state.ID, "race")
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			succeeded := 0
			for err := range results {
				if err == nil {
					succeeded++
					continue
				}
				assert.Equal(t, stepflow.ErrCodeNotActive, stepflow.ErrorCode(err))
			}
			assert.Equal(t, 1, succeeded)
			assert.Equal(t, 1, activeCount(t, st, fixture.CourseID))
		})
	}
}

// Two stores on one database file stand in for the daemon and an interactive
// caller running as separate processes
func TestFinishStep_SeparateProcessesOnOneFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stepflow.db")
	open := func() stepflow.Store {
		db, err := sql.Open("sqlite", store.DSN(path, 5*time.Second))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		s, err := store.NewSQLiteStore(db)
		require.NoError(t, err)
		return s
	}
	first, second := open(), open()

	engFirst, _ := newTestEngine(t, first)
	engSecond := NewEngine(second, WithLogger(zerolog.Nop()), WithNotifier(&captureNotifier{}))
	require.NoError(t, engFirst.InstallWorkflow(ctx, scenarioWorkflow()))

	race := func(stateID string) {
		t.Helper()
		results := make([]error, 2)
		var wg sync.WaitGroup
		for i, eng := range []*Engine{engFirst, engSecond} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[i] = eng.FinishStep(ctx, stateID, "race")
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.Equal(t, stepflow.ErrCodeNotActive, stepflow.ErrorCode(err), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, succeeded)
	}

	state, err := engFirst.Assign(ctx, "W", fixture.CourseID)
	require.NoError(t, err)
	race(state.ID)

	current, err := engSecond.CurrentState(ctx, fixture.CourseID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "step2", current.StepID)

	race(current.ID)
	assert.Equal(t, 0, activeCount(t, first, fixture.CourseID))
}

func TestFinishStep_LogsSubject(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	st := store.NewMemoryStore()
	eng, _ := newTestEngine(t, st, WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))

	state, err := eng.Assign(ctx, "W", fixture.CourseID)
	require.NoError(t, err)
	buf.Reset()

	_, err = eng.FinishStep(ctx, state.ID, "done")
	require.NoError(t, err)

	revoked := false
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		if subjectID, ok := entry["subject_id"]; ok {
			assert.Equal(t, fixture.CourseID, subjectID, "entry %v", entry)
		}
		if entry["event"] == stepflow.EventRolesRevoked {
			revoked = true
			assert.Equal(t, "finish_step", entry["operation"])
			assert.Equal(t, state.ID, entry["state_id"])
			assert.Equal(t, fixture.CourseID, entry["subject_id"])
		}
	}
	assert.True(t, revoked)
}

func TestStoreRejectsSecondActiveState(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)
			eng, _ := newTestEngine(t, st)
			require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))
			_, err := eng.Assign(ctx, "W", fixture.CourseID)
			require.NoError(t, err)

			err = st.InTx(ctx, func(ctx context.Context, tx stepflow.Tx) error {
				return tx.CreateStepState(ctx, &stepflow.StepState{
					ID: "intruder", StepID: "step2", SubjectID: fixture.CourseID,
					Status: stepflow.StatusActive, TimeModified: time.Now(),
				})
			})
			assert.Equal(t, stepflow.ErrCodeConflict, stepflow.ErrorCode(err))
		})
	}
}

func TestInstallWorkflow_ValidatesScripts(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, store.NewMemoryStore())

	def := builder.NewWorkflow("bad", "Bad").WithID("Z").
		Sequence(
			builder.NewStep("One").WithID("z1").OnActive("bogus"),
			builder.NewStep("Two").WithID("z2").OnComplete("assignrole wizard to student"),
		).MustBuild()

	err := eng.InstallWorkflow(ctx, def)
	var se *stepflow.ScriptError
	require.ErrorAs(t, err, &se)
	assert.ElementsMatch(t, []string{"bogus", "assignrole"}, se.Commands())

	err = eng.InstallWorkflow(ctx, builder.NewWorkflow("quiz", "Quiz").AppliesTo("quiz").
		ThenStep(builder.NewStep("One")).MustBuild())
	assert.Equal(t, stepflow.ErrCodeUnknownKind, stepflow.ErrorCode(err))

	_, err = eng.Assign(ctx, "Z", fixture.CourseID)
	assert.True(t, stepflow.IsNotFound(err), "nothing was saved")
}

func TestValidateScriptAndDeleteStep(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, store.NewMemoryStore())
	require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))

	assert.NoError(t, eng.ValidateScript(ctx, "step1", "email stepready to student"))
	assert.True(t, stepflow.IsScriptError(eng.ValidateScript(ctx, "step1", "setactivityvisibility hidden")))
	assert.True(t, stepflow.IsNotFound(eng.ValidateScript(ctx, "missing", "")))

	state, err := eng.Assign(ctx, "W", fixture.CourseID)
	require.NoError(t, err)
	assert.Equal(t, stepflow.ErrCodeStepInUse, stepflow.ErrorCode(eng.DeleteStep(ctx, "step1")))

	_, err = eng.FinishStep(ctx, state.ID, "")
	require.NoError(t, err)
	require.NoError(t, eng.DeleteStep(ctx, "step1"))
	assert.Equal(t, stepflow.ErrCodeLastStep, stepflow.ErrorCode(eng.DeleteStep(ctx, "step2")))
}

func TestOperationsAreMeasured(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	eng, _ := newTestEngine(t, store.NewMemoryStore(),
		WithMetrics(metrics.NewRecorder(&metrics.Config{Registry: reg})))
	require.NoError(t, eng.InstallWorkflow(ctx, scenarioWorkflow()))

	_, err := eng.Assign(ctx, "W", fixture.CourseID)
	require.NoError(t, err)
	_, err = eng.Assign(ctx, "W", fixture.CourseID)
	require.Error(t, err)

	// assign/ok and assign/already_assigned
	n, err := testutil.GatherAndCount(reg, "stepflow_engine_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
