package flowlite

import (
	"errors"
	"fmt"
)

// DefaultQueue is the task queue used when a submission or worker names none.
var DefaultQueue string = "default"

// Database persists the broker's view of workflow executions and activity
// invocations. Implementations are safe for concurrent use and enforce the
// status transitions themselves: Scheduled -> Running -> Completed or Failed
// for executions, Scheduled -> Running -> Completed, Failed or TimedOut for
// invocations. Mutating a record that already reached a terminal status
// returns ErrTerminalState, which is how a late activity result loses the
// race against a broker-side timeout instead of rewriting history.
//
// The dispatch structures (pending tasks, parked pollers) are not stored
// here; they live on the broker and are rebuilt from scratch on restart.
type Database interface {
	// Queue operations
	AddQueue(queue *Queue) error
	GetQueue(name string) (*Queue, error)
	ListQueues() ([]*Queue, error)

	// Workflow execution operations
	AddWorkflowExecution(exec *WorkflowExecution) error
	GetWorkflowExecution(id string) (*WorkflowExecution, error)
	MarkWorkflowExecutionRunning(id string) error
	CompleteWorkflowExecution(id string, results [][]byte) error
	FailWorkflowExecution(id string, failure *Failure) error
	ListWorkflowExecutions(taskQueue string) ([]*WorkflowExecution, error)

	// Activity invocation operations
	AddActivityInvocation(inv *ActivityInvocation) error
	GetActivityInvocation(executionID string, seq int) (*ActivityInvocation, error)
	MarkActivityInvocationRunning(executionID string, seq int, workerID string) error
	CompleteActivityInvocation(executionID string, seq int, results [][]byte) error
	FailActivityInvocation(executionID string, seq int, failure *Failure) error
	TimeoutActivityInvocation(executionID string, seq int, failure *Failure) error
	ListActivityInvocations(executionID string) ([]*ActivityInvocation, error)

	Close() error
}

// checkExecutionTransition validates one status move for a workflow
// execution. Failed is reachable from both Scheduled and Running; Completed
// only from Running.
func checkExecutionTransition(exec *WorkflowExecution, to ExecutionStatus) error {
	if exec.Status.IsTerminal() {
		return errors.Join(ErrTerminalState, fmt.Errorf("workflow execution %s is already %s", exec.ID, exec.Status))
	}
	switch to {
	case StatusRunning:
		if exec.Status != StatusScheduled {
			return errors.Join(ErrInternal, fmt.Errorf("workflow execution %s cannot move from %s to %s", exec.ID, exec.Status, to))
		}
	case StatusCompleted:
		if exec.Status != StatusRunning {
			return errors.Join(ErrInternal, fmt.Errorf("workflow execution %s cannot move from %s to %s", exec.ID, exec.Status, to))
		}
	case StatusFailed:
		// reachable from Scheduled and Running
	default:
		return errors.Join(ErrInternal, fmt.Errorf("workflow execution %s cannot move from %s to %s", exec.ID, exec.Status, to))
	}
	return nil
}

// checkInvocationTransition validates one status move for an activity
// invocation. Failed and TimedOut are reachable from both Scheduled and
// Running so an invocation abandoned before dispatch still lands terminal.
func checkInvocationTransition(inv *ActivityInvocation, to InvocationStatus) error {
	if inv.Status.IsTerminal() {
		return errors.Join(ErrTerminalState, fmt.Errorf("activity invocation %s/%d is already %s", inv.ExecutionID, inv.Seq, inv.Status))
	}
	switch to {
	case InvocationRunning:
		if inv.Status != InvocationScheduled {
			return errors.Join(ErrInternal, fmt.Errorf("activity invocation %s/%d cannot move from %s to %s", inv.ExecutionID, inv.Seq, inv.Status, to))
		}
	case InvocationCompleted:
		if inv.Status != InvocationRunning {
			return errors.Join(ErrInternal, fmt.Errorf("activity invocation %s/%d cannot move from %s to %s", inv.ExecutionID, inv.Seq, inv.Status, to))
		}
	case InvocationFailed, InvocationTimedOut:
		// reachable from Scheduled and Running
	default:
		return errors.Join(ErrInternal, fmt.Errorf("activity invocation %s/%d cannot move from %s to %s", inv.ExecutionID, inv.Seq, inv.Status, to))
	}
	return nil
}

func copyPayloads(payloads [][]byte) [][]byte {
	if payloads == nil {
		return nil
	}
	out := make([][]byte, len(payloads))
	for i, p := range payloads {
		if p == nil {
			continue
		}
		out[i] = append([]byte(nil), p...)
	}
	return out
}

func copyFailure(failure *Failure) *Failure {
	if failure == nil {
		return nil
	}
	out := &Failure{
		Message: failure.Message,
	}
	if failure.Codes != nil {
		out.Codes = append([]string(nil), failure.Codes...)
	}
	return out
}

func copyQueue(queue *Queue) *Queue {
	if queue == nil {
		return nil
	}
	return &Queue{
		Name:      queue.Name,
		CreatedAt: queue.CreatedAt,
	}
}

func copyWorkflowExecution(exec *WorkflowExecution) *WorkflowExecution {
	if exec == nil {
		return nil
	}
	out := *exec
	out.Input = copyPayloads(exec.Input)
	out.Result = copyPayloads(exec.Result)
	out.Failure = copyFailure(exec.Failure)
	return &out
}

func copyActivityInvocation(inv *ActivityInvocation) *ActivityInvocation {
	if inv == nil {
		return nil
	}
	out := *inv
	out.Input = copyPayloads(inv.Input)
	out.Result = copyPayloads(inv.Result)
	out.Failure = copyFailure(inv.Failure)
	return &out
}
