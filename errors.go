package flowlite

import (
	"errors"
)

// Failure kinds. A terminal failure always tests true (errors.Is) for every
// kind present in its chain, locally and after a round-trip over the wire.
var (
	ErrWorkflowFailed   = errors.New("workflow failed")
	ErrActivityFailed   = errors.New("activity failed")
	ErrActivityTimeout  = errors.New("activity timed out")
	ErrWorkflowPanicked = errors.New("workflow panicked")
	ErrActivityPanicked = errors.New("activity panicked")

	// ErrConnection marks broker reachability problems: failing to dial,
	// losing an established session, or a request abandoned mid-flight.
	// Fatal at worker startup.
	ErrConnection = errors.New("broker connection failed")
)

// Registry and serialization errors.
var (
	ErrNotRegistered = errors.New("type not registered")
	ErrRegistry      = errors.New("failed registry operation")
	ErrSerialization = errors.New("failed serialization")
	ErrMustPointer   = errors.New("value must be a pointer")
	ErrEncoding      = errors.New("failed to encode value")
	ErrDecoding      = errors.New("failed to decode value")
)

// Store errors.
var (
	ErrExecutionNotFound  = errors.New("workflow execution not found")
	ErrExecutionExists    = errors.New("workflow execution already exists")
	ErrInvocationNotFound = errors.New("activity invocation not found")
	ErrInvocationExists   = errors.New("activity invocation already exists")
	ErrQueueNotFound      = errors.New("queue not found")
	ErrQueueExists        = errors.New("queue already exists")
	ErrTerminalState      = errors.New("execution is terminal")
)

// Lifecycle errors.
var (
	ErrQueueShutdown     = errors.New("queue shut down")
	ErrWorkerShutdown    = errors.New("worker shut down")
	ErrWorkerStarted     = errors.New("worker already started")
	ErrRuntimeStarted    = errors.New("runtime already started")
	ErrRuntimeStopped    = errors.New("runtime already stopped")
	ErrRuntimeNotStarted = errors.New("runtime not started")
	ErrBadRequest        = errors.New("bad request")
	ErrInternal          = errors.New("internal error")
)

// Wire failure codes. One code per failure kind that crosses the wire.
const (
	CodeWorkflowFailed   = "WORKFLOW_FAILED"
	CodeActivityFailed   = "ACTIVITY_FAILED"
	CodeActivityTimeout  = "ACTIVITY_TIMEOUT"
	CodeWorkflowPanicked = "WORKFLOW_PANICKED"
	CodeActivityPanicked = "ACTIVITY_PANICKED"
	CodeNotRegistered    = "TYPE_NOT_REGISTERED"
	CodeExecutionExists  = "EXECUTION_EXISTS"
	CodeNotFound         = "WORKFLOW_NOT_FOUND"
	CodeQueueShutdown    = "QUEUE_SHUTDOWN"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternal         = "INTERNAL"
)

var codeToKind = map[string]error{
	CodeWorkflowFailed:   ErrWorkflowFailed,
	CodeActivityFailed:   ErrActivityFailed,
	CodeActivityTimeout:  ErrActivityTimeout,
	CodeWorkflowPanicked: ErrWorkflowPanicked,
	CodeActivityPanicked: ErrActivityPanicked,
	CodeNotRegistered:    ErrNotRegistered,
	CodeExecutionExists:  ErrExecutionExists,
	CodeNotFound:         ErrExecutionNotFound,
	CodeQueueShutdown:    ErrQueueShutdown,
	CodeBadRequest:       ErrBadRequest,
	CodeInternal:         ErrInternal,
}

// kindCodes is ordered so the most specific kinds are collected first.
var kindCodes = []struct {
	kind error
	code string
}{
	{ErrActivityTimeout, CodeActivityTimeout},
	{ErrActivityPanicked, CodeActivityPanicked},
	{ErrActivityFailed, CodeActivityFailed},
	{ErrWorkflowPanicked, CodeWorkflowPanicked},
	{ErrWorkflowFailed, CodeWorkflowFailed},
	{ErrNotRegistered, CodeNotRegistered},
	{ErrExecutionExists, CodeExecutionExists},
	{ErrExecutionNotFound, CodeNotFound},
	{ErrQueueShutdown, CodeQueueShutdown},
	{ErrBadRequest, CodeBadRequest},
}

// Failure is the wire and store form of a terminal error. Codes lists every
// taxonomy kind found in the original chain; Message keeps the full original
// text so the root cause survives transport.
type Failure struct {
	Codes   []string `json:"codes,omitempty"`
	Message string   `json:"message"`
}

// NewFailure captures err for transport. Errors matching no known kind are
// carried with CodeInternal so they stay distinguishable from clean results.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	f := &Failure{Message: err.Error()}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			f.Codes = append(f.Codes, kc.code)
		}
	}
	if len(f.Codes) == 0 {
		f.Codes = []string{CodeInternal}
	}
	return f
}

// Err reconstructs the typed error: the message text is the original chain,
// and errors.Is matches every kind recorded in Codes.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	return &wireError{codes: f.Codes, message: f.Message}
}

func (f *Failure) hasCode(code string) bool {
	if f == nil {
		return false
	}
	for _, c := range f.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// wireError carries a reconstructed failure. Is reports kind membership so
// errors.Is(err, ErrActivityTimeout) works on both sides of the wire.
type wireError struct {
	codes   []string
	message string
}

func (e *wireError) Error() string {
	return e.message
}

func (e *wireError) Is(target error) bool {
	for _, c := range e.codes {
		if kind, ok := codeToKind[c]; ok && kind == target {
			return true
		}
	}
	return false
}
