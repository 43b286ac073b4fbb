package flowlite

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForParked(t *testing.T, q *taskQueue, kind TaskKind) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for q.Parked(kind) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poller never parked")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestQueueHandsTaskToParkedPoller(t *testing.T) {
	q := newTaskQueue("test")
	defer q.Close()

	type pollResult struct {
		task *TaskMessage
		err  error
	}
	got := make(chan pollResult, 1)
	go func() {
		task, err := q.Poll(context.Background(), TaskKindActivity, 2*time.Second)
		got <- pollResult{task, err}
	}()
	waitForParked(t, q, TaskKindActivity)

	if err := q.Enqueue(TaskKindActivity, &TaskMessage{ExecutionID: "exec-1", Seq: 1}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	r := <-got
	if r.err != nil {
		t.Fatalf("poll failed: %v", r.err)
	}
	if r.task == nil || r.task.ExecutionID != "exec-1" {
		t.Fatalf("wrong task: %+v", r.task)
	}
	if q.Depth(TaskKindActivity) != 0 {
		t.Fatalf("handed-off task still counted, depth %d", q.Depth(TaskKindActivity))
	}
}

func TestQueuePollTimesOutEmpty(t *testing.T) {
	q := newTaskQueue("test")
	defer q.Close()

	start := time.Now()
	task, err := q.Poll(context.Background(), TaskKindWorkflow, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected clean timeout, got %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task, got %+v", task)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("poll gave up too early: %v", elapsed)
	}
	if q.Parked(TaskKindWorkflow) != 0 {
		t.Fatal("timed-out poller left parked")
	}
}

func TestQueueIsFIFO(t *testing.T) {
	q := newTaskQueue("test")
	defer q.Close()

	for _, id := range []string{"first", "second", "third"} {
		if err := q.Enqueue(TaskKindWorkflow, &TaskMessage{ExecutionID: id}); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		task, err := q.Poll(context.Background(), TaskKindWorkflow, time.Second)
		if err != nil {
			t.Fatalf("poll failed: %v", err)
		}
		if task.ExecutionID != want {
			t.Fatalf("expected %s, got %s", want, task.ExecutionID)
		}
	}
}

func TestQueueRequeuePutsTaskFirst(t *testing.T) {
	q := newTaskQueue("test")
	defer q.Close()

	q.Enqueue(TaskKindActivity, &TaskMessage{ExecutionID: "a"})
	q.Enqueue(TaskKindActivity, &TaskMessage{ExecutionID: "b"})
	q.Requeue(TaskKindActivity, &TaskMessage{ExecutionID: "returned"})

	for _, want := range []string{"returned", "a", "b"} {
		task, err := q.Poll(context.Background(), TaskKindActivity, time.Second)
		if err != nil {
			t.Fatalf("poll failed: %v", err)
		}
		if task.ExecutionID != want {
			t.Fatalf("expected %s, got %s", want, task.ExecutionID)
		}
	}
}

func TestQueueKindsDoNotMix(t *testing.T) {
	q := newTaskQueue("test")
	defer q.Close()

	q.Enqueue(TaskKindWorkflow, &TaskMessage{ExecutionID: "wf"})

	task, err := q.Poll(context.Background(), TaskKindActivity, 20*time.Millisecond)
	if err != nil || task != nil {
		t.Fatalf("activity poll should come back empty, got %+v %v", task, err)
	}

	task, err = q.Poll(context.Background(), TaskKindWorkflow, time.Second)
	if err != nil || task == nil || task.ExecutionID != "wf" {
		t.Fatalf("workflow task lost: %+v %v", task, err)
	}
}

func TestQueuePollHonorsContext(t *testing.T) {
	q := newTaskQueue("test")
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := q.Poll(ctx, TaskKindActivity, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if q.Parked(TaskKindActivity) != 0 {
		t.Fatal("cancelled poller left parked")
	}
}

func TestQueueCloseReleasesPollers(t *testing.T) {
	q := newTaskQueue("test")

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Poll(context.Background(), TaskKindWorkflow, 5*time.Second)
		errCh <- err
	}()
	waitForParked(t, q, TaskKindWorkflow)

	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueShutdown) {
			t.Fatalf("expected queue shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("parked poller not released by close")
	}

	if err := q.Enqueue(TaskKindWorkflow, &TaskMessage{ExecutionID: "late"}); !errors.Is(err, ErrQueueShutdown) {
		t.Fatalf("enqueue after close should fail, got %v", err)
	}
	if _, err := q.Poll(context.Background(), TaskKindWorkflow, time.Millisecond); !errors.Is(err, ErrQueueShutdown) {
		t.Fatalf("poll after close should fail, got %v", err)
	}
}

func TestQueueSetSharesInstances(t *testing.T) {
	set := newQueueSet()
	defer set.closeAll()

	a, err := set.getOrCreate("orders")
	if err != nil {
		t.Fatalf("getOrCreate failed: %v", err)
	}
	b, err := set.getOrCreate("orders")
	if err != nil {
		t.Fatalf("getOrCreate failed: %v", err)
	}
	if a != b {
		t.Fatal("same name must resolve to the same queue")
	}

	if _, ok := set.get("missing"); ok {
		t.Fatal("missing queue reported present")
	}

	set.closeAll()
	if _, err := set.getOrCreate("after-close"); !errors.Is(err, ErrQueueShutdown) {
		t.Fatalf("expected shutdown error, got %v", err)
	}
}
