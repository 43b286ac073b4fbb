package flowlite

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRuntimeConfigDefaults(t *testing.T) {
	cfg := RuntimeConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config must validate: %v", err)
	}
	if cfg.Address != DefaultAddress {
		t.Fatalf("expected default address, got %q", cfg.Address)
	}
	if cfg.TaskQueue != DefaultQueue {
		t.Fatalf("expected default queue, got %q", cfg.TaskQueue)
	}
	if cfg.NumWorkers != DefaultNumWorkers {
		t.Fatalf("expected %d workers, got %d", DefaultNumWorkers, cfg.NumWorkers)
	}
	if cfg.MaxConcurrentActivities != DefaultMaxConcurrentActivities {
		t.Fatalf("expected %d activity slots, got %d", DefaultMaxConcurrentActivities, cfg.MaxConcurrentActivities)
	}

	if _, err := NewRuntime(RuntimeConfig{NumWorkers: -1}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := NewRuntime(RuntimeConfig{MaxConcurrentActivities: -1}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestRuntimeLifecycleGuards(t *testing.T) {
	srv := startBroker(t)

	rt, err := NewRuntime(RuntimeConfig{Address: srv.Addr(), TaskQueue: "guard-queue", NumWorkers: 2})
	if err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}
	if err := rt.RegisterWorkflow(pureWorkflow); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}

	if err := rt.Wait(); !errors.Is(err, ErrRuntimeNotStarted) {
		t.Fatalf("Wait before Start: expected ErrRuntimeNotStarted, got %v", err)
	}
	if err := rt.Stop(context.Background()); !errors.Is(err, ErrRuntimeNotStarted) {
		t.Fatalf("Stop before Start: expected ErrRuntimeNotStarted, got %v", err)
	}
	if got := rt.WorkerIDs(); len(got) != 0 {
		t.Fatalf("expected no worker ids before Start, got %v", got)
	}

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := rt.WorkerIDs(); len(got) != 2 {
		t.Fatalf("expected 2 worker ids, got %v", got)
	}
	if err := rt.Start(context.Background()); !errors.Is(err, ErrRuntimeStarted) {
		t.Fatalf("second Start: expected ErrRuntimeStarted, got %v", err)
	}
	if err := rt.RegisterWorkflow(chainedWorkflow); !errors.Is(err, ErrRuntimeStarted) {
		t.Fatalf("Register while running: expected ErrRuntimeStarted, got %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := rt.Wait(); err != nil {
		t.Fatalf("Wait after Stop: %v", err)
	}
	if err := rt.Stop(context.Background()); !errors.Is(err, ErrRuntimeStopped) {
		t.Fatalf("second Stop: expected ErrRuntimeStopped, got %v", err)
	}
	if err := rt.Start(context.Background()); !errors.Is(err, ErrRuntimeStopped) {
		t.Fatalf("Start after Stop: expected ErrRuntimeStopped, got %v", err)
	}
	if err := rt.RegisterActivity(doubleActivity); !errors.Is(err, ErrRuntimeStopped) {
		t.Fatalf("Register after Stop: expected ErrRuntimeStopped, got %v", err)
	}
}

func TestRuntimeSurfacesReplicaFailure(t *testing.T) {
	rt, err := NewRuntime(RuntimeConfig{Address: "localhost:1", TaskQueue: "nowhere", NumWorkers: 2})
	if err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := rt.Wait(); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection from Wait, got %v", err)
	}
}

func spreadActivity(ctx ActivityContext, n int) (int, error) {
	time.Sleep(150 * time.Millisecond)
	return n, nil
}

func spreadWorkflow(ctx WorkflowContext, n int) (int, error) {
	futures := make([]Future, 0, n)
	for i := 0; i < n; i++ {
		futures = append(futures, ctx.ExecuteActivity(spreadActivity, &ActivityOptions{StartToClose: 10 * time.Second}, i))
	}
	total := 0
	for _, future := range futures {
		var echoed int
		if err := future.Get(&echoed); err != nil {
			return 0, err
		}
		total += echoed
	}
	return total, nil
}

// Six activities against three single-slot replicas: the invocations must
// land on more than one replica, and only on replicas of this runtime.
func TestRuntimeSpreadsLoad(t *testing.T) {
	srv := startBroker(t)

	rt, err := NewRuntime(RuntimeConfig{
		Address:                 srv.Addr(),
		TaskQueue:               "spread-queue",
		NumWorkers:              3,
		MaxConcurrentActivities: 1,
	})
	if err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}
	if err := rt.RegisterWorkflow(spreadWorkflow); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}
	if err := rt.RegisterActivity(spreadActivity); err != nil {
		t.Fatalf("failed to register activity: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil && !errors.Is(err, ErrRuntimeStopped) {
			t.Errorf("runtime stop failed: %v", err)
		}
	})

	client := dialClient(t, srv.Addr())
	future, err := client.ExecuteWorkflow(context.Background(),
		StartWorkflowOptions{ID: "spread-1", TaskQueue: "spread-queue"}, spreadWorkflow, 6)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	var total int
	if err := future.Get(&total); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if total != 15 {
		t.Fatalf("expected 15, got %d", total)
	}

	_, invocations, err := client.DescribeExecution(context.Background(), "spread-1")
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if len(invocations) != 6 {
		t.Fatalf("expected 6 invocations, got %d", len(invocations))
	}

	replicas := make(map[string]bool)
	for _, id := range rt.WorkerIDs() {
		replicas[id] = true
	}
	seen := make(map[string]bool)
	for _, inv := range invocations {
		if !replicas[inv.WorkerID] {
			t.Fatalf("invocation %d ran on unknown worker %q", inv.Seq, inv.WorkerID)
		}
		seen[inv.WorkerID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected the load spread over replicas, saw only %d", len(seen))
	}
}

func TestRuntimesCoexist(t *testing.T) {
	srv := startBroker(t)

	first, err := NewRuntime(RuntimeConfig{Address: srv.Addr(), TaskQueue: "coexist-a", NumWorkers: 1})
	if err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}
	if err := first.RegisterWorkflow(pureWorkflow); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}
	second, err := NewRuntime(RuntimeConfig{Address: srv.Addr(), TaskQueue: "coexist-b", NumWorkers: 1})
	if err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}
	if err := second.RegisterWorkflow(chainedWorkflow); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}
	if err := second.RegisterActivity(doubleActivity); err != nil {
		t.Fatalf("failed to register activity: %v", err)
	}

	for _, rt := range []*Runtime{first, second} {
		rt := rt
		if err := rt.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		t.Cleanup(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.Stop(stopCtx); err != nil {
				t.Errorf("runtime stop failed: %v", err)
			}
		})
	}

	client := dialClient(t, srv.Addr())

	futureA, err := client.ExecuteWorkflow(context.Background(),
		StartWorkflowOptions{TaskQueue: "coexist-a"}, pureWorkflow, 20, 22)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	futureB, err := client.ExecuteWorkflow(context.Background(),
		StartWorkflowOptions{TaskQueue: "coexist-b"}, chainedWorkflow, 3)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	var sum int
	if err := futureA.Get(&sum); err != nil {
		t.Fatalf("first runtime workflow failed: %v", err)
	}
	if sum != 42 {
		t.Fatalf("expected 42, got %d", sum)
	}
	var doubled int
	if err := futureB.Get(&doubled); err != nil {
		t.Fatalf("second runtime workflow failed: %v", err)
	}
	if doubled != 12 {
		t.Fatalf("expected 12, got %d", doubled)
	}
}
