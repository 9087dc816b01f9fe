package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/relay/internal/errs"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

// assertPath checks that the recorded history is a walk through the
// transition graph starting at submitted.
func assertPath(t *testing.T, tk *Task) {
	t.Helper()
	require.NotEmpty(t, tk.History)
	assert.Equal(t, StateSubmitted, tk.History[0].To)
	for i := 1; i < len(tk.History); i++ {
		prev, cur := tk.History[i-1], tk.History[i]
		assert.Equal(t, prev.To, cur.From)
		assert.True(t, CanTransition(cur.From, cur.To), "%s -> %s", cur.From, cur.To)
	}
	assert.Equal(t, tk.State, tk.History[len(tk.History)-1].To)
}

func TestNew_GeneratesIDWhenEmpty(t *testing.T) {
	a := New("", "echo hi", nil)
	b := New("", "echo hi", nil)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, StateSubmitted, a.State)

	c := New("t1", "echo hi", map[string]any{"k": "v"})
	assert.Equal(t, "t1", c.ID)
	assert.Equal(t, "v", c.Context["k"])
}

func TestTask_HappyPath(t *testing.T) {
	tk := New("t1", "echo hi", nil)
	tk.SetClock(fixedClock())

	require.NoError(t, tk.Start())
	assert.Equal(t, StateWorking, tk.State)
	assert.False(t, tk.StartedAt.IsZero())
	assert.Nil(t, tk.Result)

	require.NoError(t, tk.Complete(Result{ExitStatus: ExitSubmitted, Submission: "hi"}))
	assert.Equal(t, StateCompleted, tk.State)
	require.NotNil(t, tk.Result)
	assert.Equal(t, "hi", tk.Result.Submission)
	assert.True(t, tk.FinishedAt.After(tk.StartedAt))
	assertPath(t, tk)
}

func TestTask_FailRecordsCause(t *testing.T) {
	tk := New("t1", "x", nil)
	require.NoError(t, tk.Start())
	require.NoError(t, tk.Fail(errors.New("boom"), Result{Steps: 3}))

	assert.Equal(t, StateFailed, tk.State)
	assert.Equal(t, ExitError, tk.Result.ExitStatus)
	assert.Equal(t, "boom", tk.Result.Error)
	assert.Equal(t, 3, tk.Result.Steps)
	assertPath(t, tk)
}

func TestTask_CompleteRequiresWorking(t *testing.T) {
	tk := New("t1", "x", nil)

	err := tk.Complete(Result{})
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
	assert.Equal(t, StateSubmitted, tk.State)
}

func TestTask_CancelFromSubmittedAndWorking(t *testing.T) {
	submitted := New("a", "x", nil)
	require.NoError(t, submitted.Cancel("user request"))
	assert.Equal(t, StateCanceled, submitted.State)
	assert.Equal(t, ExitCanceled, submitted.Result.ExitStatus)
	assert.True(t, submitted.StartedAt.IsZero(), "canceled before start never records a start")
	assertPath(t, submitted)

	working := New("b", "x", nil)
	require.NoError(t, working.Start())
	require.NoError(t, working.Cancel(""))
	assert.Equal(t, StateCanceled, working.State)
	assertPath(t, working)
}

func TestTask_CancelIsIdempotentOnlyForCanceled(t *testing.T) {
	tk := New("a", "x", nil)
	require.NoError(t, tk.Cancel(""))
	historyLen := len(tk.History)

	require.NoError(t, tk.Cancel(""), "second cancel of a canceled task succeeds")
	assert.Len(t, tk.History, historyLen, "second cancel must not record a transition")

	done := New("b", "x", nil)
	require.NoError(t, done.Start())
	require.NoError(t, done.Complete(Result{}))
	err := done.Cancel("")
	require.Error(t, err)
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "completed", conflict.From)
	assert.Equal(t, "canceled", conflict.To)
	assert.Equal(t, StateCompleted, done.State)
}

func TestTask_TerminalStatesAreImmutable(t *testing.T) {
	for _, finish := range []func(*Task) error{
		func(tk *Task) error { return tk.Complete(Result{}) },
		func(tk *Task) error { return tk.Fail(errors.New("x"), Result{}) },
		func(tk *Task) error { return tk.Cancel("") },
	} {
		tk := New("t", "x", nil)
		require.NoError(t, tk.Start())
		require.NoError(t, finish(tk))
		final := tk.State
		result := *tk.Result

		assert.True(t, errs.IsConflict(tk.Start()))
		assert.True(t, errs.IsConflict(tk.Complete(Result{Submission: "late"})))
		assert.True(t, errs.IsConflict(tk.Fail(errors.New("late"), Result{})))
		assert.Equal(t, final, tk.State)
		assert.Equal(t, result, *tk.Result)
		assertPath(t, tk)
	}
}

func TestTask_StartTwiceConflicts(t *testing.T) {
	tk := New("t", "x", nil)
	require.NoError(t, tk.Start())
	assert.True(t, errs.IsConflict(tk.Start()))
}

func TestTask_Apply(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    State
		exit    string
	}{
		{"success", Success(Result{ExitStatus: ExitSubmitted, Submission: "ok"}), StateCompleted, ExitSubmitted},
		{"failure", Failure(errors.New("model exploded"), Result{}), StateFailed, ExitError},
		{"canceled", Canceled(nil, Result{Steps: 2}), StateCanceled, ExitCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New("t", "x", nil)
			require.NoError(t, tk.Start())
			require.NoError(t, tk.Apply(tt.outcome))
			assert.Equal(t, tt.want, tk.State)
			assert.Equal(t, tt.want, tt.outcome.State())
			assert.Equal(t, tt.exit, tk.Result.ExitStatus)
		})
	}
}

func TestTask_ApplyAfterCancelConflicts(t *testing.T) {
	tk := New("t", "x", nil)
	require.NoError(t, tk.Start())
	require.NoError(t, tk.Cancel("user"))

	for _, o := range []Outcome{Success(Result{}), Failure(errors.New("x"), Result{}), Canceled(nil, Result{})} {
		err := tk.Apply(o)
		assert.True(t, errs.IsConflict(err), o.Kind.String())
		assert.Equal(t, StateCanceled, tk.State)
		assert.Equal(t, "user", tk.Result.Error)
	}
}

func TestCanTransition_NeverRevisitsSubmitted(t *testing.T) {
	all := []State{StateSubmitted, StateWorking, StateCompleted, StateFailed, StateCanceled}
	for _, from := range all {
		assert.False(t, CanTransition(from, StateSubmitted), from)
		if from.IsTerminal() {
			for _, to := range all {
				assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
			}
		}
	}
}

func TestTask_CloneIsIndependent(t *testing.T) {
	tk := New("t", "x", map[string]any{"k": "v"})
	require.NoError(t, tk.Start())
	require.NoError(t, tk.Complete(Result{Trajectory: []byte(`{"a":1}`)}))

	c := tk.Clone()
	c.Context["k"] = "changed"
	c.Result.Submission = "changed"
	c.Result.Trajectory[0] = '['
	c.History[0].To = StateFailed

	assert.Equal(t, "v", tk.Context["k"])
	assert.Empty(t, tk.Result.Submission)
	assert.Equal(t, `{"a":1}`, string(tk.Result.Trajectory))
	assert.Equal(t, StateSubmitted, tk.History[0].To)
}
