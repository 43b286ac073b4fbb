package flowlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMemoryDB(t *testing.T) Database {
	db, err := NewMemoryDatabase()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupSQLiteDB(t *testing.T) Database {
	path := filepath.Join(t.TempDir(), "flowlite_test.db")
	db, err := NewSQLiteDatabase(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMemoryDatabase(t *testing.T) {
	runDatabaseSuite(t, setupMemoryDB)
}

func TestSQLiteDatabase(t *testing.T) {
	runDatabaseSuite(t, setupSQLiteDB)
}

// runDatabaseSuite is the behavior contract both store implementations
// satisfy.
func runDatabaseSuite(t *testing.T, newDB func(t *testing.T) Database) {
	t.Run("QueueRegistration", func(t *testing.T) {
		db := newDB(t)

		// the default queue is seeded at construction
		q, err := db.GetQueue(DefaultQueue)
		require.NoError(t, err)
		assert.Equal(t, DefaultQueue, q.Name)

		require.NoError(t, db.AddQueue(&Queue{Name: "orders"}))
		assert.ErrorIs(t, db.AddQueue(&Queue{Name: "orders"}), ErrQueueExists)

		_, err = db.GetQueue("missing")
		assert.ErrorIs(t, err, ErrQueueNotFound)

		queues, err := db.ListQueues()
		require.NoError(t, err)
		assert.Len(t, queues, 2)
	})

	t.Run("ExecutionLifecycle", func(t *testing.T) {
		db := newDB(t)

		input := [][]byte{[]byte("payload")}
		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{
			ID:           "exec-1",
			WorkflowType: "OrderWorkflow",
			TaskQueue:    DefaultQueue,
			Input:        input,
		}))

		exec, err := db.GetWorkflowExecution("exec-1")
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, exec.Status)
		assert.Equal(t, input, exec.Input)
		assert.False(t, exec.CreatedAt.IsZero())

		require.NoError(t, db.MarkWorkflowExecutionRunning("exec-1"))
		exec, err = db.GetWorkflowExecution("exec-1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, exec.Status)
		assert.False(t, exec.StartedAt.IsZero())

		result := [][]byte{[]byte("done")}
		require.NoError(t, db.CompleteWorkflowExecution("exec-1", result))
		exec, err = db.GetWorkflowExecution("exec-1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, exec.Status)
		assert.Equal(t, result, exec.Result)
		assert.False(t, exec.CompletedAt.IsZero())
	})

	t.Run("DuplicateExecution", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "dup", WorkflowType: "W", TaskQueue: DefaultQueue}))
		assert.ErrorIs(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "dup", WorkflowType: "W", TaskQueue: DefaultQueue}), ErrExecutionExists)
	})

	t.Run("MissingExecution", func(t *testing.T) {
		db := newDB(t)

		_, err := db.GetWorkflowExecution("nope")
		assert.ErrorIs(t, err, ErrExecutionNotFound)
		assert.ErrorIs(t, db.MarkWorkflowExecutionRunning("nope"), ErrExecutionNotFound)
		assert.ErrorIs(t, db.CompleteWorkflowExecution("nope", nil), ErrExecutionNotFound)
	})

	t.Run("TerminalExecutionIsFinal", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "done", WorkflowType: "W", TaskQueue: DefaultQueue}))
		require.NoError(t, db.MarkWorkflowExecutionRunning("done"))
		require.NoError(t, db.CompleteWorkflowExecution("done", nil))

		assert.ErrorIs(t, db.FailWorkflowExecution("done", NewFailure(ErrWorkflowFailed)), ErrTerminalState)
		assert.ErrorIs(t, db.MarkWorkflowExecutionRunning("done"), ErrTerminalState)
		assert.ErrorIs(t, db.CompleteWorkflowExecution("done", nil), ErrTerminalState)

		exec, err := db.GetWorkflowExecution("done")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, exec.Status)
		assert.Nil(t, exec.Failure)
	})

	t.Run("FailFromScheduled", func(t *testing.T) {
		db := newDB(t)

		// a submission nobody ever hosted can still fail terminally
		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "never-ran", WorkflowType: "W", TaskQueue: DefaultQueue}))
		require.NoError(t, db.FailWorkflowExecution("never-ran", NewFailure(ErrNotRegistered)))

		exec, err := db.GetWorkflowExecution("never-ran")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, exec.Status)
		require.NotNil(t, exec.Failure)
		assert.ErrorIs(t, exec.Failure.Err(), ErrNotRegistered)
	})

	t.Run("CompleteRequiresRunning", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "early", WorkflowType: "W", TaskQueue: DefaultQueue}))
		err := db.CompleteWorkflowExecution("early", nil)
		assert.ErrorIs(t, err, ErrInternal)
		assert.NotErrorIs(t, err, ErrTerminalState)
	})

	t.Run("InvocationLifecycle", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "exec-act", WorkflowType: "W", TaskQueue: DefaultQueue}))
		require.NoError(t, db.AddActivityInvocation(&ActivityInvocation{
			ExecutionID:  "exec-act",
			Seq:          1,
			ActivityType: "FetchOrder",
			Input:        [][]byte{[]byte("in")},
			StartToClose: 3 * time.Second,
		}))

		inv, err := db.GetActivityInvocation("exec-act", 1)
		require.NoError(t, err)
		assert.Equal(t, InvocationScheduled, inv.Status)
		assert.Equal(t, 3*time.Second, inv.StartToClose)
		assert.False(t, inv.ScheduledAt.IsZero())

		require.NoError(t, db.MarkActivityInvocationRunning("exec-act", 1, "worker-7"))
		inv, err = db.GetActivityInvocation("exec-act", 1)
		require.NoError(t, err)
		assert.Equal(t, InvocationRunning, inv.Status)
		assert.Equal(t, "worker-7", inv.WorkerID)

		require.NoError(t, db.CompleteActivityInvocation("exec-act", 1, [][]byte{[]byte("out")}))
		inv, err = db.GetActivityInvocation("exec-act", 1)
		require.NoError(t, err)
		assert.Equal(t, InvocationCompleted, inv.Status)
		assert.Equal(t, [][]byte{[]byte("out")}, inv.Result)
	})

	t.Run("InvocationRequiresExecution", func(t *testing.T) {
		db := newDB(t)

		err := db.AddActivityInvocation(&ActivityInvocation{ExecutionID: "ghost", Seq: 1, ActivityType: "A"})
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("DuplicateInvocation", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "exec-dup", WorkflowType: "W", TaskQueue: DefaultQueue}))
		require.NoError(t, db.AddActivityInvocation(&ActivityInvocation{ExecutionID: "exec-dup", Seq: 1, ActivityType: "A"}))
		assert.ErrorIs(t, db.AddActivityInvocation(&ActivityInvocation{ExecutionID: "exec-dup", Seq: 1, ActivityType: "A"}), ErrInvocationExists)

		// same seq under another execution is a different invocation
		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "exec-other", WorkflowType: "W", TaskQueue: DefaultQueue}))
		require.NoError(t, db.AddActivityInvocation(&ActivityInvocation{ExecutionID: "exec-other", Seq: 1, ActivityType: "A"}))
	})

	t.Run("TimeoutBeatsLateResult", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "exec-to", WorkflowType: "W", TaskQueue: DefaultQueue}))
		require.NoError(t, db.AddActivityInvocation(&ActivityInvocation{ExecutionID: "exec-to", Seq: 1, ActivityType: "Slow", StartToClose: time.Second}))
		require.NoError(t, db.MarkActivityInvocationRunning("exec-to", 1, "worker-1"))

		timeoutFailure := NewFailure(ErrActivityTimeout)
		require.NoError(t, db.TimeoutActivityInvocation("exec-to", 1, timeoutFailure))

		// the worker's result arrives after the verdict and changes nothing
		assert.ErrorIs(t, db.CompleteActivityInvocation("exec-to", 1, [][]byte{[]byte("late")}), ErrTerminalState)
		assert.ErrorIs(t, db.FailActivityInvocation("exec-to", 1, NewFailure(ErrActivityFailed)), ErrTerminalState)

		inv, err := db.GetActivityInvocation("exec-to", 1)
		require.NoError(t, err)
		assert.Equal(t, InvocationTimedOut, inv.Status)
		assert.Nil(t, inv.Result)
		require.NotNil(t, inv.Failure)
		assert.ErrorIs(t, inv.Failure.Err(), ErrActivityTimeout)
	})

	t.Run("ListExecutionsByQueue", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.AddQueue(&Queue{Name: "alpha"}))
		require.NoError(t, db.AddQueue(&Queue{Name: "beta"}))
		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "a-1", WorkflowType: "W", TaskQueue: "alpha"}))
		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "a-2", WorkflowType: "W", TaskQueue: "alpha"}))
		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "b-1", WorkflowType: "W", TaskQueue: "beta"}))

		alphas, err := db.ListWorkflowExecutions("alpha")
		require.NoError(t, err)
		ids := make([]string, 0, len(alphas))
		for _, exec := range alphas {
			ids = append(ids, exec.ID)
		}
		assert.ElementsMatch(t, []string{"a-1", "a-2"}, ids)

		all, err := db.ListWorkflowExecutions("")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("ListInvocationsBySeq", func(t *testing.T) {
		db := newDB(t)

		require.NoError(t, db.AddWorkflowExecution(&WorkflowExecution{ID: "exec-list", WorkflowType: "W", TaskQueue: DefaultQueue}))
		for _, seq := range []int{2, 1, 3} {
			require.NoError(t, db.AddActivityInvocation(&ActivityInvocation{ExecutionID: "exec-list", Seq: seq, ActivityType: "A"}))
		}

		invocations, err := db.ListActivityInvocations("exec-list")
		require.NoError(t, err)
		require.Len(t, invocations, 3)
		for i, inv := range invocations {
			assert.Equal(t, i+1, inv.Seq)
		}
	})
}
