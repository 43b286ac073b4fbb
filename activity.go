package flowlite

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sethvargo/go-retry"
)

// ActivityContext is the first parameter of every activity function. It
// satisfies context.Context and carries the start-to-close deadline, so
// handlers pass it straight into blocking calls and stop wasting work once
// the window is spent. The broker stays the timeout authority either way.
type ActivityContext struct {
	ctx context.Context

	executionID string
	seq         int
	attempt     int
}

func (ac ActivityContext) Deadline() (time.Time, bool) {
	return ac.ctx.Deadline()
}

func (ac ActivityContext) Done() <-chan struct{} {
	return ac.ctx.Done()
}

func (ac ActivityContext) Err() error {
	return ac.ctx.Err()
}

func (ac ActivityContext) Value(key any) any {
	return ac.ctx.Value(key)
}

func (ac ActivityContext) ExecutionID() string {
	return ac.executionID
}

// Seq is the invocation's sequence number within its execution.
func (ac ActivityContext) Seq() int {
	return ac.seq
}

// Attempt is 1 on the first try and increments per retry.
func (ac ActivityContext) Attempt() int {
	return ac.attempt
}

// Logger returns the package logger bound to this invocation's identity.
func (ac ActivityContext) Logger() Logger {
	return logger.WithFields(map[string]interface{}{
		"execution_id": ac.executionID,
		"seq":          ac.seq,
		"attempt":      ac.attempt,
	})
}

// activityInstance runs one activity invocation on the worker that dequeued
// its task, retrying per the policy the scheduling workflow chose. All
// attempts share the one start-to-close window carried by ctx.
type activityInstance struct {
	ctx     context.Context
	fsm     *stateless.StateMachine
	handler HandlerInfo

	executionID  string
	seq          int
	activityType string
	retryPolicy  *RetryPolicy
	attempt      int

	future  *runtimeFuture
	outputs [][]byte
}

func newActivityInstance(ctx context.Context, handler HandlerInfo, task *TaskMessage) *activityInstance {
	future := newFuture()
	future.setExecutionID(task.ExecutionID)
	return &activityInstance{
		ctx:          ctx,
		handler:      handler,
		executionID:  task.ExecutionID,
		seq:          task.Seq,
		activityType: task.Type,
		retryPolicy:  retryPolicyFromInfo(task.RetryPolicy),
		future:       future,
	}
}

var ErrActivityInstance = errors.New("failed activity instance")

func (ai *activityInstance) Start(inputs []interface{}) error {
	ai.fsm = stateless.NewStateMachine(StateIdle)

	ai.fsm.Configure(StateIdle).
		Permit(TriggerStart, StateExecuting)

	ai.fsm.Configure(StateExecuting).
		OnEntry(ai.executeActivity).
		Permit(TriggerComplete, StateCompleted).
		Permit(TriggerFail, StateFailed)

	ai.fsm.Configure(StateCompleted).
		OnEntry(ai.onCompleted)

	ai.fsm.Configure(StateFailed).
		OnEntry(ai.onFailed)

	logger.Debug(ai.ctx, "activity instance starting",
		"execution_id", ai.executionID, "seq", ai.seq, "activity_type", ai.activityType)

	if err := ai.fsm.Fire(TriggerStart, inputs); err != nil {
		err := errors.Join(ErrActivityInstance, fmt.Errorf("failed to start: %w", err))
		logger.Error(ai.ctx, err.Error(), "execution_id", ai.executionID, "seq", ai.seq)
		return err
	}
	return nil
}

var ErrActivityInstanceExecute = errors.New("failed to execute activity instance")

func (ai *activityInstance) executeActivity(_ context.Context, args ...interface{}) error {
	if len(args) != 1 {
		err := errors.Join(ErrActivityInstanceExecute, fmt.Errorf("expected 1 argument, got %d", len(args)))
		logger.Error(ai.ctx, err.Error(), "execution_id", ai.executionID, "seq", ai.seq)
		ai.fsm.Fire(TriggerFail, err)
		return nil
	}
	inputs, ok := args[0].([]interface{})
	if !ok {
		err := errors.Join(ErrActivityInstanceExecute, fmt.Errorf("expected arguments to be []interface{}, got %T", args[0]))
		logger.Error(ai.ctx, err.Error(), "execution_id", ai.executionID, "seq", ai.seq)
		ai.fsm.Fire(TriggerFail, err)
		return nil
	}

	maxAttempts, maxInterval := getRetryPolicyOrDefault(ai.retryPolicy)
	// MaxAttempts counts the first attempt, WithMaxRetries counts retries.
	var retries uint64
	if maxAttempts > 0 {
		retries = maxAttempts - 1
	}

	var output *activityOutput
	if err := retry.Do(
		ai.ctx,
		retry.WithMaxRetries(retries, retry.NewConstant(maxInterval)),
		func(_ context.Context) error {
			ai.attempt++

			out, activityErr := ai.runActivity(inputs)
			if activityErr == nil {
				output = out
				return nil
			}

			// A spent start-to-close window admits no further attempt. The
			// broker's timer owns the authoritative verdict, marking it here
			// keeps the local report distinct from a plain failure.
			if ctxErr := ai.ctx.Err(); ctxErr != nil {
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					return errors.Join(ErrActivityTimeout, activityErr)
				}
				return errors.Join(ctxErr, activityErr)
			}

			logger.Debug(ai.ctx, "activity attempt failed",
				"execution_id", ai.executionID, "seq", ai.seq, "attempt", ai.attempt, "error", activityErr)
			return retry.RetryableError(activityErr)
		}); err != nil {
		logger.Debug(ai.ctx, "activity instance failed",
			"execution_id", ai.executionID, "seq", ai.seq, "attempts", ai.attempt, "error", err)
		ai.fsm.Fire(TriggerFail, err)
		return nil
	}

	logger.Debug(ai.ctx, "activity instance completed",
		"execution_id", ai.executionID, "seq", ai.seq, "attempts", ai.attempt)
	ai.fsm.Fire(TriggerComplete, output)
	return nil
}

type activityOutput struct {
	Outputs  []interface{}
	Payloads [][]byte
}

var ErrActivityInstanceRun = errors.New("failed to run activity instance")

// runActivity invokes the activity function through reflection, recovering
// panics as ErrActivityPanicked.
func (ai *activityInstance) runActivity(inputs []interface{}) (output *activityOutput, err error) {
	logger.Debug(ai.ctx, "activity instance run",
		"execution_id", ai.executionID, "seq", ai.seq, "attempt", ai.attempt)

	handler := ai.handler

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			stackTrace := string(buf[:n])
			err = errors.Join(ErrActivityInstanceRun, ErrActivityPanicked, fmt.Errorf("%v", r))
			output = nil
			logger.Error(ai.ctx, fmt.Sprintf("activity panicked: %v", r),
				"execution_id", ai.executionID, "seq", ai.seq, "stack_trace", stackTrace)
		}
	}()

	actCtx := ActivityContext{
		ctx:         ai.ctx,
		executionID: ai.executionID,
		seq:         ai.seq,
		attempt:     ai.attempt,
	}

	argsValues := []reflect.Value{reflect.ValueOf(actCtx)}
	for _, v := range inputs {
		argsValues = append(argsValues, reflect.ValueOf(v))
	}

	returnedValues := reflect.ValueOf(handler.Handler).Call(argsValues)

	numOut := len(returnedValues)
	if numOut == 0 {
		return nil, errors.Join(ErrActivityInstanceRun,
			fmt.Errorf("function %s should return at least an error", handler.HandlerName))
	}

	if errInterface := returnedValues[numOut-1].Interface(); errInterface != nil {
		activityErr, ok := errInterface.(error)
		if !ok {
			activityErr = fmt.Errorf("activity %s returned non-error value %v", handler.HandlerName, errInterface)
		}
		return nil, activityErr
	}

	outputs := []interface{}{}
	for i := 0; i < numOut-1; i++ {
		outputs = append(outputs, returnedValues[i].Interface())
	}
	payloads, serErr := convertArgsForSerialization(outputs)
	if serErr != nil {
		return nil, errors.Join(ErrActivityInstanceRun, serErr)
	}

	return &activityOutput{Outputs: outputs, Payloads: payloads}, nil
}

func (ai *activityInstance) onCompleted(_ context.Context, args ...interface{}) error {
	if len(args) != 1 {
		err := errors.Join(ErrActivityInstance, fmt.Errorf("onCompleted expected 1 argument, got %d", len(args)))
		logger.Error(ai.ctx, err.Error(), "execution_id", ai.executionID, "seq", ai.seq)
		ai.future.setError(err)
		return nil
	}
	output, ok := args[0].(*activityOutput)
	if !ok {
		err := errors.Join(ErrActivityInstance, fmt.Errorf("onCompleted expected *activityOutput, got %T", args[0]))
		logger.Error(ai.ctx, err.Error(), "execution_id", ai.executionID, "seq", ai.seq)
		ai.future.setError(err)
		return nil
	}
	ai.outputs = output.Payloads
	ai.future.setResult(output.Outputs)
	return nil
}

func (ai *activityInstance) onFailed(_ context.Context, args ...interface{}) error {
	if len(args) != 1 {
		ai.future.setError(errors.Join(ErrActivityInstance, fmt.Errorf("onFailed expected 1 argument, got %d", len(args))))
		return nil
	}
	err, ok := args[0].(error)
	if !ok {
		err = fmt.Errorf("activity instance failed with %v", args[0])
	}
	ai.future.setError(err)
	return nil
}
