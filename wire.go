package flowlite

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// The wire protocol is message-based: every exchange between a client or
// worker and the broker is a Frame carried as one WebSocket text message.

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the message envelope.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type"`

	// Method names the operation for request and event frames.
	Method string `json:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Error carries the failure for error frames.
	Error *Failure `json:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Client methods.
	MethodStartWorkflow     = "workflow.start"
	MethodDescribeExecution = "workflow.describe"

	// Worker methods.
	MethodRegisterWorker   = "worker.register"
	MethodPollTask         = "task.poll"
	MethodScheduleActivity = "activity.schedule"
	MethodCompleteActivity = "activity.complete"
	MethodFailActivity     = "activity.fail"
	MethodCompleteWorkflow = "workflow.complete"
	MethodFailWorkflow     = "workflow.fail"

	// Broker events.
	EventActivityResult = "activity.result"
)

// TaskKind separates the two task streams a worker polls.
type TaskKind string

const (
	TaskKindWorkflow TaskKind = "workflow"
	TaskKindActivity TaskKind = "activity"
)

// ── Request/Response payloads ───────────────────────

// StartWorkflowRequest submits a workflow execution. The response is deferred
// until the execution reaches a terminal state: that is what makes the
// client-side submission blocking.
type StartWorkflowRequest struct {
	WorkflowType string   `json:"workflow_type"`
	ExecutionID  string   `json:"execution_id"`
	TaskQueue    string   `json:"task_queue"`
	Input        [][]byte `json:"input,omitempty"`
}

// StartWorkflowResponse reports the terminal outcome.
type StartWorkflowResponse struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Result      [][]byte        `json:"result,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
}

// DescribeExecutionRequest retrieves an execution record by id.
type DescribeExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
}

// DescribeExecutionResponse carries the record and its invocations.
type DescribeExecutionResponse struct {
	Execution   *WorkflowExecution    `json:"execution"`
	Invocations []*ActivityInvocation `json:"invocations,omitempty"`
}

// RegisterWorkerRequest announces a worker session on a task queue.
type RegisterWorkerRequest struct {
	WorkerID   string   `json:"worker_id"`
	TaskQueue  string   `json:"task_queue"`
	Workflows  []string `json:"workflows,omitempty"`
	Activities []string `json:"activities,omitempty"`
}

type RegisterWorkerResponse struct {
	SessionID string `json:"session_id"`
}

// PollTaskRequest asks for one task of one kind. The broker parks the request
// until a task arrives or WaitMs elapses; an empty response means re-poll.
type PollTaskRequest struct {
	TaskQueue string   `json:"task_queue"`
	WorkerID  string   `json:"worker_id"`
	Kind      TaskKind `json:"kind"`
	WaitMs    int64    `json:"wait_ms,omitempty"`
}

type PollTaskResponse struct {
	Task *TaskMessage `json:"task,omitempty"`
}

// TaskMessage is one unit of dispatched work.
type TaskMessage struct {
	Kind           TaskKind         `json:"kind"`
	ExecutionID    string           `json:"execution_id"`
	Seq            int              `json:"seq,omitempty"`
	Type           string           `json:"type"`
	Input          [][]byte         `json:"input,omitempty"`
	StartToCloseMs int64            `json:"start_to_close_ms,omitempty"`
	RetryPolicy    *RetryPolicyInfo `json:"retry_policy,omitempty"`
}

// RetryPolicyInfo is the wire form of a RetryPolicy. It rides along with the
// task so the replica that ends up executing the invocation applies the
// policy the scheduling workflow chose.
type RetryPolicyInfo struct {
	MaxAttempts   uint64 `json:"max_attempts"`
	MaxIntervalMs int64  `json:"max_interval_ms,omitempty"`
}

// ScheduleActivityRequest records an activity invocation and enqueues its
// task. Sent by the worker hosting the workflow; the result comes back later
// as an activity.result event on the same session.
type ScheduleActivityRequest struct {
	ExecutionID    string           `json:"execution_id"`
	Seq            int              `json:"seq"`
	ActivityType   string           `json:"activity_type"`
	TaskQueue      string           `json:"task_queue"`
	Input          [][]byte         `json:"input,omitempty"`
	StartToCloseMs int64            `json:"start_to_close_ms,omitempty"`
	RetryPolicy    *RetryPolicyInfo `json:"retry_policy,omitempty"`
}

type ScheduleActivityResponse struct {
	Seq int `json:"seq"`
}

type CompleteActivityRequest struct {
	ExecutionID string   `json:"execution_id"`
	Seq         int      `json:"seq"`
	WorkerID    string   `json:"worker_id"`
	Output      [][]byte `json:"output,omitempty"`
}

type FailActivityRequest struct {
	ExecutionID string   `json:"execution_id"`
	Seq         int      `json:"seq"`
	WorkerID    string   `json:"worker_id"`
	Failure     *Failure `json:"failure"`
}

type CompleteWorkflowRequest struct {
	ExecutionID string   `json:"execution_id"`
	Result      [][]byte `json:"result,omitempty"`
}

type FailWorkflowRequest struct {
	ExecutionID string   `json:"execution_id"`
	Failure     *Failure `json:"failure"`
}

// ActivityResultEvent delivers an invocation's terminal outcome to the
// session hosting its workflow execution.
type ActivityResultEvent struct {
	ExecutionID string   `json:"execution_id"`
	Seq         int      `json:"seq"`
	Output      [][]byte `json:"output,omitempty"`
	Failure     *Failure `json:"failure,omitempty"`
}

// Ack is the empty payload for requests whose response carries no data.
type Ack struct{}

// ── Frame constructors ──────────────────────────────

// NewRequestFrame creates a new request frame.
func NewRequestFrame(method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, failure *Failure) *Frame {
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameErr,
		CorrelID:  correlID,
		Error:     failure,
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame.
func NewEventFrame(method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameEvent,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

func newPongFrame(correlID string) *Frame {
	return &Frame{
		ID:        generateFrameID(),
		Type:      FramePong,
		CorrelID:  correlID,
		Timestamp: time.Now().UTC(),
	}
}

func generateFrameID() string {
	return uuid.NewString()
}

func marshalFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}
	return data, nil
}

func unmarshalFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}
	return &f, nil
}

func decodePayload(f *Frame, out any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return errors.Join(ErrSerialization, err)
	}
	return nil
}
