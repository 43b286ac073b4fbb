package flowlite

import (
	"time"
)

// ExecutionStatus defines the status of a workflow execution.
type ExecutionStatus string

const (
	StatusScheduled ExecutionStatus = "Scheduled"
	StatusRunning   ExecutionStatus = "Running"
	StatusCompleted ExecutionStatus = "Completed"
	StatusFailed    ExecutionStatus = "Failed"
)

// IsTerminal reports whether no further transition is admitted.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InvocationStatus defines the status of an activity invocation.
type InvocationStatus string

const (
	InvocationScheduled InvocationStatus = "Scheduled"
	InvocationRunning   InvocationStatus = "Running"
	InvocationCompleted InvocationStatus = "Completed"
	InvocationFailed    InvocationStatus = "Failed"
	InvocationTimedOut  InvocationStatus = "TimedOut"
)

func (s InvocationStatus) IsTerminal() bool {
	switch s {
	case InvocationCompleted, InvocationFailed, InvocationTimedOut:
		return true
	}
	return false
}

// WorkflowExecution is one life of a workflow: created Scheduled when a client
// submits it, Running once a worker hosts it, then exactly one terminal state.
type WorkflowExecution struct {
	ID           string          `json:"id"`
	WorkflowType string          `json:"workflow_type"`
	TaskQueue    string          `json:"task_queue"`
	Status       ExecutionStatus `json:"status"`
	Input        [][]byte        `json:"input,omitempty"`
	Result       [][]byte        `json:"result,omitempty"`
	Failure      *Failure        `json:"failure,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
}

// ActivityInvocation is one activity request made by a workflow execution,
// keyed by (execution id, sequence number). WorkerID records which worker
// replica executed it.
type ActivityInvocation struct {
	ExecutionID  string           `json:"execution_id"`
	Seq          int              `json:"seq"`
	ActivityType string           `json:"activity_type"`
	Input        [][]byte         `json:"input,omitempty"`
	StartToClose time.Duration    `json:"start_to_close"`
	Status       InvocationStatus `json:"status"`
	Result       [][]byte         `json:"result,omitempty"`
	Failure      *Failure         `json:"failure,omitempty"`
	WorkerID     string           `json:"worker_id,omitempty"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	StartedAt    time.Time        `json:"started_at,omitempty"`
	CompletedAt  time.Time        `json:"completed_at,omitempty"`
}

// Queue is the registered record of a task queue. The dispatch structures
// (pending tasks, parked pollers) live on the broker, not in the store.
type Queue struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RetryPolicy bounds how often an activity is re-attempted by the worker that
// holds it. All attempts share one start-to-close window.
type RetryPolicy struct {
	MaxAttempts uint64
	MaxInterval time.Duration
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 1, // 1 means no retries
		MaxInterval: 100 * time.Millisecond,
	}
}

func getRetryPolicyOrDefault(options *RetryPolicy) (maxAttempts uint64, maxInterval time.Duration) {
	def := DefaultRetryPolicy()
	maxAttempts = def.MaxAttempts
	maxInterval = def.MaxInterval
	if options != nil {
		if options.MaxAttempts > 0 {
			maxAttempts = options.MaxAttempts
		}
		if options.MaxInterval > 0 {
			maxInterval = options.MaxInterval
		}
	}
	return
}

func retryPolicyToInfo(policy *RetryPolicy) *RetryPolicyInfo {
	if policy == nil {
		return nil
	}
	return &RetryPolicyInfo{
		MaxAttempts:   policy.MaxAttempts,
		MaxIntervalMs: policy.MaxInterval.Milliseconds(),
	}
}

func retryPolicyFromInfo(info *RetryPolicyInfo) *RetryPolicy {
	if info == nil {
		return nil
	}
	return &RetryPolicy{
		MaxAttempts: info.MaxAttempts,
		MaxInterval: time.Duration(info.MaxIntervalMs) * time.Millisecond,
	}
}

// ActivityOptions configure one ExecuteActivity call.
type ActivityOptions struct {
	// StartToClose bounds the invocation from dispatch to result. Zero means
	// no broker-enforced timeout.
	StartToClose time.Duration
	RetryPolicy  *RetryPolicy
}

// StartWorkflowOptions configure one client submission.
type StartWorkflowOptions struct {
	// ID identifies the execution. Empty gets a generated uuid.
	ID string
	// TaskQueue binds the execution to worker pollers. Required.
	TaskQueue string
}
