package flowlite

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerConfigDefaults(t *testing.T) {
	cfg := WorkerConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config must validate: %v", err)
	}
	if cfg.Address != DefaultAddress {
		t.Fatalf("expected default address, got %q", cfg.Address)
	}
	if cfg.TaskQueue != DefaultQueue {
		t.Fatalf("expected default queue, got %q", cfg.TaskQueue)
	}
	if cfg.MaxConcurrentActivities != DefaultMaxConcurrentActivities {
		t.Fatalf("expected %d activity slots, got %d", DefaultMaxConcurrentActivities, cfg.MaxConcurrentActivities)
	}
	if cfg.MaxConcurrentWorkflowTasks != DefaultMaxConcurrentWorkflowTasks {
		t.Fatalf("expected %d workflow slots, got %d", DefaultMaxConcurrentWorkflowTasks, cfg.MaxConcurrentWorkflowTasks)
	}
	if cfg.PollTimeout != DefaultPollTimeout {
		t.Fatalf("expected default poll timeout, got %v", cfg.PollTimeout)
	}
	if cfg.DrainTimeout != DefaultDrainTimeout {
		t.Fatalf("expected default drain timeout, got %v", cfg.DrainTimeout)
	}
}

func TestWorkerConfigRejectsNegatives(t *testing.T) {
	bad := []WorkerConfig{
		{MaxConcurrentActivities: -1},
		{MaxConcurrentWorkflowTasks: -2},
		{PollTimeout: -time.Second},
		{DrainTimeout: -time.Second},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("config %d: expected ErrBadRequest, got %v", i, err)
		}
	}
}

func TestWorkerIDOption(t *testing.T) {
	worker, err := NewWorker(WorkerConfig{}, WithWorkerID("replica-7"))
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	if worker.ID() != "replica-7" {
		t.Fatalf("expected replica-7, got %q", worker.ID())
	}

	generated, err := NewWorker(WorkerConfig{})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	if generated.ID() == "" {
		t.Fatal("expected a generated worker id")
	}
}

func TestWorkerRejectsBadHandlers(t *testing.T) {
	worker, err := NewWorker(WorkerConfig{})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	if err := worker.RegisterWorkflow(42); !errors.Is(err, ErrRegistry) {
		t.Fatalf("expected ErrRegistry, got %v", err)
	}
	if err := worker.RegisterActivity(nil); !errors.Is(err, ErrRegistry) {
		t.Fatalf("expected ErrRegistry, got %v", err)
	}
}

func TestWorkerRunFailsWithoutBroker(t *testing.T) {
	worker, err := NewWorker(WorkerConfig{Address: "localhost:1"})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = worker.Run(ctx)
	if err == nil {
		t.Fatal("expected the initial connection to fail")
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestWorkerRunTwice(t *testing.T) {
	srv := startBroker(t)
	worker := startWorker(t, srv.Addr(), "run-twice-queue", func(w *Worker) {})

	err := worker.Run(context.Background())
	if !errors.Is(err, ErrWorkerStarted) {
		t.Fatalf("expected ErrWorkerStarted, got %v", err)
	}
}

var (
	gaugeCurrent atomic.Int32
	gaugeMax     atomic.Int32
)

func gaugedActivity(ctx ActivityContext, n int) (int, error) {
	current := gaugeCurrent.Add(1)
	for {
		max := gaugeMax.Load()
		if current <= max || gaugeMax.CompareAndSwap(max, current) {
			break
		}
	}
	time.Sleep(100 * time.Millisecond)
	gaugeCurrent.Add(-1)
	return n, nil
}

func fanOutWorkflow(ctx WorkflowContext, n int) (int, error) {
	futures := make([]Future, 0, n)
	for i := 0; i < n; i++ {
		futures = append(futures, ctx.ExecuteActivity(gaugedActivity, &ActivityOptions{StartToClose: 10 * time.Second}, i))
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

// Six activities, two slots: the gauge must reach two and never pass it.
func TestActivityConcurrencyIsBounded(t *testing.T) {
	gaugeCurrent.Store(0)
	gaugeMax.Store(0)

	srv := startBroker(t)
	worker, err := NewWorker(WorkerConfig{
		Address:                 srv.Addr(),
		TaskQueue:               "gauge-queue",
		MaxConcurrentActivities: 2,
		DrainTimeout:            2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	if err := worker.RegisterWorkflow(fanOutWorkflow); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}
	if err := worker.RegisterActivity(gaugedActivity); err != nil {
		t.Fatalf("failed to register activity: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("worker stopped with error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop in time")
		}
	})

	client := dialClient(t, srv.Addr())
	future, err := client.ExecuteWorkflow(context.Background(),
		StartWorkflowOptions{TaskQueue: "gauge-queue"}, fanOutWorkflow, 6)
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
	if max := gaugeMax.Load(); max != 2 {
		t.Fatalf("expected peak concurrency 2, observed %d", max)
	}
}
