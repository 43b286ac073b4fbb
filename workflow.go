package flowlite

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

// Instance lifecycle states shared by workflow and activity instances. Every
// instance is a small state machine: Idle until started, Executing while the
// handler runs, then exactly one of Completed or Failed.
type state string

const (
	StateIdle      state = "Idle"
	StateExecuting state = "Executing"
	StateCompleted state = "Completed"
	StateFailed    state = "Failed"
)

type trigger string

const (
	TriggerStart    trigger = "Start"
	TriggerComplete trigger = "Complete"
	TriggerFail     trigger = "Fail"
)

// activityScheduler is how a hosted workflow reaches the broker: each
// ExecuteActivity becomes one schedule request whose result arrives later as
// an event. Implemented by Worker.
type activityScheduler interface {
	scheduleActivity(ctx context.Context, req ScheduleActivityRequest) error
}

// WorkflowContext is the first parameter of every workflow function. A
// workflow stays deterministic: it reaches the outside world only through
// ExecuteActivity, never by doing I/O itself. The context satisfies
// context.Context so it can be handed to the logger directly.
type WorkflowContext struct {
	ctx      context.Context
	instance *workflowInstance

	executionID  string
	workflowType string
	taskQueue    string
}

func (ctx WorkflowContext) Deadline() (time.Time, bool) {
	return ctx.ctx.Deadline()
}

func (ctx WorkflowContext) Done() <-chan struct{} {
	return ctx.ctx.Done()
}

func (ctx WorkflowContext) Err() error {
	return ctx.ctx.Err()
}

func (ctx WorkflowContext) Value(key any) any {
	return ctx.ctx.Value(key)
}

func (ctx WorkflowContext) ExecutionID() string {
	return ctx.executionID
}

func (ctx WorkflowContext) WorkflowType() string {
	return ctx.workflowType
}

func (ctx WorkflowContext) TaskQueue() string {
	return ctx.taskQueue
}

// Logger returns the package logger bound to this execution's identity.
func (ctx WorkflowContext) Logger() Logger {
	return logger.WithFields(map[string]interface{}{
		"execution_id":  ctx.executionID,
		"workflow_type": ctx.workflowType,
	})
}

// ExecuteActivity schedules one activity invocation through the broker and
// returns a Future for its outcome. The invocation lands on the task queue,
// so any worker replica polling it may execute the activity; the result is
// routed back to this execution wherever it is hosted. Errors never return
// directly, they resolve the Future.
func (ctx WorkflowContext) ExecuteActivity(activityFunc interface{}, options *ActivityOptions, args ...interface{}) Future {
	return ctx.instance.executeActivity(activityFunc, options, args...)
}

// workflowInstance hosts one workflow execution on a worker, from the moment
// its task is dequeued until the terminal report goes back to the broker.
type workflowInstance struct {
	ctx     context.Context
	fsm     *stateless.StateMachine
	handler HandlerInfo

	executionID  string
	workflowType string
	taskQueue    string

	scheduler activityScheduler

	// future resolves with the local outcome; outputs keeps the encoded
	// results for the completion report.
	future  *runtimeFuture
	outputs [][]byte

	// mu guards the invocation counter and the futures awaiting results.
	mu      deadlock.Mutex
	nextSeq int
	pending map[int]*runtimeFuture
}

func newWorkflowInstance(ctx context.Context, handler HandlerInfo, task *TaskMessage, taskQueue string, scheduler activityScheduler) *workflowInstance {
	future := newFuture()
	future.setExecutionID(task.ExecutionID)
	return &workflowInstance{
		ctx:          ctx,
		handler:      handler,
		executionID:  task.ExecutionID,
		workflowType: task.Type,
		taskQueue:    taskQueue,
		scheduler:    scheduler,
		future:       future,
		pending:      make(map[int]*runtimeFuture),
	}
}

var ErrWorkflowInstance = errors.New("failed workflow instance")

// Start runs the instance through its state machine. Everything is
// synchronous on the calling goroutine: the workflow function executes inside
// the Executing entry and blocks on activity futures, which is why workflow
// tasks hold their pool slot until terminal.
func (wi *workflowInstance) Start(inputs []interface{}) error {
	wi.fsm = stateless.NewStateMachine(StateIdle)

	wi.fsm.Configure(StateIdle).
		Permit(TriggerStart, StateExecuting)

	wi.fsm.Configure(StateExecuting).
		OnEntry(wi.executeWorkflow).
		Permit(TriggerComplete, StateCompleted).
		Permit(TriggerFail, StateFailed)

	wi.fsm.Configure(StateCompleted).
		OnEntry(wi.onCompleted)

	wi.fsm.Configure(StateFailed).
		OnEntry(wi.onFailed)

	logger.Debug(wi.ctx, "workflow instance starting", "execution_id", wi.executionID, "workflow_type", wi.workflowType)

	if err := wi.fsm.Fire(TriggerStart, inputs); err != nil {
		err := errors.Join(ErrWorkflowInstance, fmt.Errorf("failed to start: %w", err))
		logger.Error(wi.ctx, err.Error(), "execution_id", wi.executionID)
		return err
	}
	return nil
}

var ErrWorkflowInstanceExecution = errors.New("failed to execute workflow instance")

func (wi *workflowInstance) executeWorkflow(_ context.Context, args ...interface{}) error {
	if len(args) != 1 {
		err := errors.Join(ErrWorkflowInstanceExecution, fmt.Errorf("expected 1 argument, got %d", len(args)))
		logger.Error(wi.ctx, err.Error(), "execution_id", wi.executionID)
		wi.fsm.Fire(TriggerFail, err)
		return nil
	}
	inputs, ok := args[0].([]interface{})
	if !ok {
		err := errors.Join(ErrWorkflowInstanceExecution, fmt.Errorf("expected arguments to be []interface{}, got %T", args[0]))
		logger.Error(wi.ctx, err.Error(), "execution_id", wi.executionID)
		wi.fsm.Fire(TriggerFail, err)
		return nil
	}

	output, workflowErr := wi.runWorkflow(inputs)
	if workflowErr != nil {
		logger.Debug(wi.ctx, "workflow instance failed", "execution_id", wi.executionID, "error", workflowErr)
		wi.fsm.Fire(TriggerFail, workflowErr)
		return nil
	}

	logger.Debug(wi.ctx, "workflow instance completed", "execution_id", wi.executionID)
	wi.fsm.Fire(TriggerComplete, output)
	return nil
}

type workflowOutput struct {
	Outputs  []interface{}
	Payloads [][]byte
}

var ErrWorkflowInstanceRun = errors.New("failed to run workflow instance")

// runWorkflow invokes the workflow function through reflection. A panic in
// the function is recovered and surfaced as ErrWorkflowPanicked; the worker
// process never dies for a bad handler.
func (wi *workflowInstance) runWorkflow(inputs []interface{}) (output *workflowOutput, err error) {
	logger.Debug(wi.ctx, "workflow instance run", "execution_id", wi.executionID, "workflow_type", wi.workflowType)

	if ctxErr := wi.ctx.Err(); ctxErr != nil {
		return nil, errors.Join(ErrWorkflowInstanceRun, ctxErr)
	}

	handler := wi.handler

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			stackTrace := string(buf[:n])
			err = errors.Join(ErrWorkflowInstanceRun, ErrWorkflowPanicked, fmt.Errorf("%v", r))
			output = nil
			logger.Error(wi.ctx, fmt.Sprintf("workflow panicked: %v", r),
				"execution_id", wi.executionID, "workflow_type", wi.workflowType, "stack_trace", stackTrace)
		}
	}()

	wfCtx := WorkflowContext{
		ctx:          wi.ctx,
		instance:     wi,
		executionID:  wi.executionID,
		workflowType: wi.workflowType,
		taskQueue:    wi.taskQueue,
	}

	argsValues := []reflect.Value{reflect.ValueOf(wfCtx)}
	for _, v := range inputs {
		argsValues = append(argsValues, reflect.ValueOf(v))
	}

	returnedValues := reflect.ValueOf(handler.Handler).Call(argsValues)

	numOut := len(returnedValues)
	if numOut == 0 {
		return nil, errors.Join(ErrWorkflowInstanceRun,
			fmt.Errorf("function %s should return at least an error", handler.HandlerName))
	}

	if errInterface := returnedValues[numOut-1].Interface(); errInterface != nil {
		workflowErr, ok := errInterface.(error)
		if !ok {
			workflowErr = fmt.Errorf("workflow %s returned non-error value %v", handler.HandlerName, errInterface)
		}
		return nil, workflowErr
	}

	outputs := []interface{}{}
	for i := 0; i < numOut-1; i++ {
		outputs = append(outputs, returnedValues[i].Interface())
	}
	payloads, serErr := convertArgsForSerialization(outputs)
	if serErr != nil {
		return nil, errors.Join(ErrWorkflowInstanceRun, serErr)
	}

	return &workflowOutput{Outputs: outputs, Payloads: payloads}, nil
}

func (wi *workflowInstance) onCompleted(_ context.Context, args ...interface{}) error {
	if len(args) != 1 {
		err := errors.Join(ErrWorkflowInstance, fmt.Errorf("onCompleted expected 1 argument, got %d", len(args)))
		logger.Error(wi.ctx, err.Error(), "execution_id", wi.executionID)
		wi.future.setError(err)
		return nil
	}
	output, ok := args[0].(*workflowOutput)
	if !ok {
		err := errors.Join(ErrWorkflowInstance, fmt.Errorf("onCompleted expected *workflowOutput, got %T", args[0]))
		logger.Error(wi.ctx, err.Error(), "execution_id", wi.executionID)
		wi.future.setError(err)
		return nil
	}
	wi.outputs = output.Payloads
	wi.future.setResult(output.Outputs)
	return nil
}

func (wi *workflowInstance) onFailed(_ context.Context, args ...interface{}) error {
	if len(args) != 1 {
		wi.future.setError(errors.Join(ErrWorkflowInstance, fmt.Errorf("onFailed expected 1 argument, got %d", len(args))))
		return nil
	}
	err, ok := args[0].(error)
	if !ok {
		err = fmt.Errorf("workflow instance failed with %v", args[0])
	}
	wi.future.setError(err)
	return nil
}

var ErrActivitySchedule = errors.New("failed to schedule activity")

func (wi *workflowInstance) executeActivity(activityFunc interface{}, options *ActivityOptions, args ...interface{}) Future {
	future := newFuture()
	future.setExecutionID(wi.executionID)

	activityType, err := resolveTypeName(activityFunc)
	if err != nil {
		future.setError(errors.Join(ErrActivitySchedule, err))
		return future
	}

	// The executing replica may be a different process; result types come
	// from the local function signature when one was given, so GetResults
	// works without a registry lookup.
	if fnType := reflect.TypeOf(activityFunc); fnType != nil && fnType.Kind() == reflect.Func && fnType.NumOut() > 0 {
		returnTypes := make([]reflect.Type, 0, fnType.NumOut()-1)
		for i := 0; i < fnType.NumOut()-1; i++ {
			returnTypes = append(returnTypes, fnType.Out(i))
		}
		future.setReturnTypes(returnTypes)
	}

	input, err := convertArgsForSerialization(args)
	if err != nil {
		future.setError(errors.Join(ErrActivitySchedule, err))
		return future
	}

	wi.mu.Lock()
	wi.nextSeq++
	seq := wi.nextSeq
	wi.pending[seq] = future
	wi.mu.Unlock()

	var startToCloseMs int64
	var policy *RetryPolicyInfo
	if options != nil {
		startToCloseMs = options.StartToClose.Milliseconds()
		policy = retryPolicyToInfo(options.RetryPolicy)
	}

	req := ScheduleActivityRequest{
		ExecutionID:    wi.executionID,
		Seq:            seq,
		ActivityType:   activityType,
		TaskQueue:      wi.taskQueue,
		Input:          input,
		StartToCloseMs: startToCloseMs,
		RetryPolicy:    policy,
	}

	logger.Debug(wi.ctx, "workflow scheduling activity",
		"execution_id", wi.executionID, "seq", seq, "activity_type", activityType)

	if err := wi.scheduler.scheduleActivity(wi.ctx, req); err != nil {
		wi.mu.Lock()
		delete(wi.pending, seq)
		wi.mu.Unlock()
		future.setError(errors.Join(ErrActivitySchedule, err))
		return future
	}

	return future
}

// resolveActivityResult completes the future awaiting (executionID, seq).
// Called from the worker's read loop when the broker routes a result event.
func (wi *workflowInstance) resolveActivityResult(seq int, output [][]byte, failure *Failure) {
	wi.mu.Lock()
	future, ok := wi.pending[seq]
	if ok {
		delete(wi.pending, seq)
	}
	wi.mu.Unlock()

	if !ok {
		logger.Debug(wi.ctx, "activity result for unknown invocation", "execution_id", wi.executionID, "seq", seq)
		return
	}
	if failure != nil {
		future.setError(failure.Err())
		return
	}
	future.setPayloads(output)
}

// connectionLost fails every pending activity future. The broker can no
// longer route results to this session, so the workflow function observes
// the error and terminates; its failure report rides the next session.
func (wi *workflowInstance) connectionLost(cause error) {
	wi.mu.Lock()
	pending := wi.pending
	wi.pending = make(map[int]*runtimeFuture)
	wi.mu.Unlock()

	for seq, future := range pending {
		logger.Warn(wi.ctx, "failing pending activity after session loss",
			"execution_id", wi.executionID, "seq", seq)
		future.setError(cause)
	}
}
