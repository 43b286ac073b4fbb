package flowlite

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
)

/// flowlite is a small durable-workflow toolkit shaped like the client surface of a
/// workflow orchestration service: a broker owns named task queues and the state of
/// workflow executions, workers connect to the broker, register workflow and activity
/// handlers, then compete for tasks on a queue. A workflow function stays deterministic
/// and reaches the outside world only through activities; every activity invocation
/// round-trips through the broker so any worker on the queue may pick it up.
///
/// The broker keeps no event history and replays nothing: an execution lives exactly
/// once, from Scheduled to Completed or Failed. What it does enforce is the contract
/// around that single life: activity start-to-close timeouts, terminal-state delivery
/// to the submitter, and typed failures that keep their original cause.

var logger Logger = NewDefaultLogger(slog.LevelInfo, TextFormat)

// SetDefaultLogger replaces the package-level logger used by components that
// were not given one explicitly.
func SetDefaultLogger(l Logger) {
	if l != nil {
		logger = l
	}
}

func init() {
	maxprocs.Set()
	deadlock.Opts.DeadlockTimeout = time.Second * 2
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Error(context.Background(), "POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, true)
	}
}

const (
	// DefaultAddress is where a broker listens and clients/workers dial when
	// no address is configured.
	DefaultAddress = "localhost:7233"

	// DefaultMaxConcurrentActivities bounds simultaneous activity executions
	// on one worker.
	DefaultMaxConcurrentActivities = 5

	// DefaultNumWorkers is the replica count a Runtime spawns.
	DefaultNumWorkers = 3

	// DefaultMaxConcurrentWorkflowTasks bounds simultaneously hosted workflow
	// executions on one worker. Workflow tasks hold their slot while awaiting
	// activity results, so this pool is separate from the activity pool.
	DefaultMaxConcurrentWorkflowTasks = 10

	// DefaultPollTimeout is how long a poll request parks on the broker before
	// returning empty and being reissued.
	DefaultPollTimeout = 30 * time.Second

	// DefaultDrainTimeout bounds how long a stopping worker waits for in-flight
	// executions.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultDialTimeout bounds one connection attempt to the broker.
	DefaultDialTimeout = 5 * time.Second

	// DefaultReconnectBase and DefaultReconnectCap shape the exponential
	// backoff a worker uses when an established broker session is lost.
	DefaultReconnectBase = 250 * time.Millisecond
	DefaultReconnectCap  = 5 * time.Second

	// DefaultReconnectAttempts is how many reconnects a worker tries before
	// giving up and stopping.
	DefaultReconnectAttempts = 10
)
