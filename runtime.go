package flowlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/errgroup"
)

// RuntimeConfig sizes a worker replica set.
type RuntimeConfig struct {
	// Address of the broker, host:port. Empty means DefaultAddress.
	Address string

	// TaskQueue every replica polls. Empty means DefaultQueue.
	TaskQueue string

	// MaxConcurrentActivities bounds simultaneous activity executions per
	// replica, so the whole set can run NumWorkers times this many.
	MaxConcurrentActivities int

	// NumWorkers is how many independent replicas Start spawns. Each gets its
	// own connection, registry copy and slot pool.
	NumWorkers int
}

// Validate fills defaults in place and rejects values no configuration can
// mean.
func (c *RuntimeConfig) Validate() error {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.TaskQueue == "" {
		c.TaskQueue = DefaultQueue
	}
	if c.MaxConcurrentActivities < 0 {
		return errors.Join(ErrBadRequest, fmt.Errorf("max concurrent activities cannot be negative"))
	}
	if c.MaxConcurrentActivities == 0 {
		c.MaxConcurrentActivities = DefaultMaxConcurrentActivities
	}
	if c.NumWorkers < 0 {
		return errors.Join(ErrBadRequest, fmt.Errorf("num workers cannot be negative"))
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = DefaultNumWorkers
	}
	return nil
}

type runtimeState int

const (
	runtimeCreated runtimeState = iota
	runtimeRunning
	runtimeStopped
)

// Runtime runs a replica set of workers against one task queue. It is an
// explicit lifecycle object, not ambient state: independent runtimes coexist
// in one process, each goes created, running, stopped exactly once.
type Runtime struct {
	config RuntimeConfig

	// prototype validates registrations before any replica exists; replicas
	// replay the recorded functions at Start
	prototype  *Registry
	workflows  []interface{}
	activities []interface{}

	mu      deadlock.Mutex
	state   runtimeState
	workers []*Worker
	cancel  context.CancelFunc
	done    chan struct{}
	waitErr error
}

func NewRuntime(config RuntimeConfig) (*Runtime, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{
		config:    config,
		prototype: NewRegistry(),
		done:      make(chan struct{}),
	}, nil
}

// RegisterWorkflow records a workflow function for every replica. Signatures
// are validated now so a bad handler fails at wiring time, not at dispatch.
func (rt *Runtime) RegisterWorkflow(workflowFunc interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.registrable(); err != nil {
		return err
	}
	if _, err := rt.prototype.RegisterWorkflow(workflowFunc); err != nil {
		return err
	}
	rt.workflows = append(rt.workflows, workflowFunc)
	return nil
}

// RegisterActivity records an activity function for every replica.
func (rt *Runtime) RegisterActivity(activityFunc interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.registrable(); err != nil {
		return err
	}
	if _, err := rt.prototype.RegisterActivity(activityFunc); err != nil {
		return err
	}
	rt.activities = append(rt.activities, activityFunc)
	return nil
}

func (rt *Runtime) registrable() error {
	switch rt.state {
	case runtimeRunning:
		return ErrRuntimeStarted
	case runtimeStopped:
		return ErrRuntimeStopped
	}
	return nil
}

// Start spawns the replicas and returns without blocking. Replica lifetimes
// derive from ctx, so cancelling it drains the whole set just like Stop. A
// replica that stops on its own is logged and the others keep going; the
// error surfaces from Wait.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	switch rt.state {
	case runtimeRunning:
		rt.mu.Unlock()
		return ErrRuntimeStarted
	case runtimeStopped:
		rt.mu.Unlock()
		return ErrRuntimeStopped
	}

	workers := make([]*Worker, 0, rt.config.NumWorkers)
	for i := 0; i < rt.config.NumWorkers; i++ {
		worker, err := NewWorker(WorkerConfig{
			Address:                 rt.config.Address,
			TaskQueue:               rt.config.TaskQueue,
			MaxConcurrentActivities: rt.config.MaxConcurrentActivities,
		})
		if err != nil {
			rt.mu.Unlock()
			return err
		}
		for _, fn := range rt.workflows {
			if err := worker.RegisterWorkflow(fn); err != nil {
				rt.mu.Unlock()
				return err
			}
		}
		for _, fn := range rt.activities {
			if err := worker.RegisterActivity(fn); err != nil {
				rt.mu.Unlock()
				return err
			}
		}
		workers = append(workers, worker)
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.state = runtimeRunning
	rt.workers = workers
	rt.cancel = cancel
	rt.mu.Unlock()

	// Plain group on purpose: one replica failing must not cancel the rest.
	var g errgroup.Group
	for _, worker := range workers {
		worker := worker
		g.Go(func() error {
			if err := worker.Run(runCtx); err != nil {
				logger.Error(runCtx, "worker replica stopped",
					"worker_id", worker.ID(), "task_queue", rt.config.TaskQueue, "error", err)
				return err
			}
			return nil
		})
	}
	go func() {
		rt.waitErr = g.Wait()
		close(rt.done)
	}()

	logger.Info(ctx, "runtime started",
		"task_queue", rt.config.TaskQueue, "num_workers", rt.config.NumWorkers,
		"max_concurrent_activities", rt.config.MaxConcurrentActivities, "address", rt.config.Address)
	return nil
}

// Wait blocks until every replica loop has exited and reports the first
// replica failure, if any.
func (rt *Runtime) Wait() error {
	rt.mu.Lock()
	if rt.state == runtimeCreated {
		rt.mu.Unlock()
		return ErrRuntimeNotStarted
	}
	rt.mu.Unlock()
	<-rt.done
	return rt.waitErr
}

// Stop cancels the replicas and waits for them to drain. ctx bounds the wait
// only; replicas keep their own drain deadline.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	switch rt.state {
	case runtimeCreated:
		rt.mu.Unlock()
		return ErrRuntimeNotStarted
	case runtimeStopped:
		rt.mu.Unlock()
		return ErrRuntimeStopped
	}
	rt.state = runtimeStopped
	cancel := rt.cancel
	rt.mu.Unlock()

	logger.Info(ctx, "runtime stopping", "task_queue", rt.config.TaskQueue, "num_workers", len(rt.workers))
	cancel()

	select {
	case <-rt.done:
		logger.Info(ctx, "runtime stopped", "task_queue", rt.config.TaskQueue)
		return nil
	case <-ctx.Done():
		return errors.Join(ErrWorkerShutdown, ctx.Err())
	}
}

// WorkerIDs lists the replica identities, in spawn order. Empty before Start.
func (rt *Runtime) WorkerIDs() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]string, 0, len(rt.workers))
	for _, worker := range rt.workers {
		ids = append(ids, worker.ID())
	}
	return ids
}
