package flowlite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/k0kubun/pp/v3"
	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// WorkerConfig is the explicit configuration tuple of one worker replica.
type WorkerConfig struct {
	// Address of the broker, host:port. Empty means DefaultAddress.
	Address string

	// TaskQueue the worker polls. Empty means DefaultQueue.
	TaskQueue string

	// MaxConcurrentActivities bounds simultaneous activity executions. The
	// bound also gates polling: a saturated worker stops taking activity
	// tasks so the queue holds them for other replicas.
	MaxConcurrentActivities int

	// MaxConcurrentWorkflowTasks bounds simultaneously hosted workflow
	// executions. Workflow tasks hold their slot while awaiting activity
	// results, so this pool is separate from the activity pool.
	MaxConcurrentWorkflowTasks int

	// PollTimeout is how long one poll request parks on the broker.
	PollTimeout time.Duration

	// DrainTimeout bounds how long Run waits for in-flight executions after
	// its context is cancelled.
	DrainTimeout time.Duration
}

// Validate fills defaults in place and rejects values no configuration can
// mean.
func (c *WorkerConfig) Validate() error {
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
	if c.MaxConcurrentWorkflowTasks < 0 {
		return errors.Join(ErrBadRequest, fmt.Errorf("max concurrent workflow tasks cannot be negative"))
	}
	if c.MaxConcurrentWorkflowTasks == 0 {
		c.MaxConcurrentWorkflowTasks = DefaultMaxConcurrentWorkflowTasks
	}
	if c.PollTimeout < 0 {
		return errors.Join(ErrBadRequest, fmt.Errorf("poll timeout cannot be negative"))
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.DrainTimeout < 0 {
		return errors.Join(ErrBadRequest, fmt.Errorf("drain timeout cannot be negative"))
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return nil
}

// workerSession is one live WebSocket connection to the broker. done closes
// when its read loop exits, which is how in-flight requests learn the session
// is gone.
type workerSession struct {
	conn net.Conn
	done chan struct{}
}

type workflowTaskItem struct {
	task    *TaskMessage
	release func()
}

type activityTaskItem struct {
	task    *TaskMessage
	release func()
}

type workflowTask = retrypool.RequestResponse[*workflowTaskItem, struct{}]
type activityTask = retrypool.RequestResponse[*activityTaskItem, struct{}]

// Worker is one replica: it connects to the broker, registers its handler
// types on a task queue, then competes with every other replica on that queue
// for workflow and activity tasks. Run blocks for the worker's lifetime.
type Worker struct {
	id       string
	config   WorkerConfig
	opts     workerOptions
	registry *Registry

	mu           deadlock.Mutex
	started      bool
	closed       bool
	sess         *workerSession
	ready        chan struct{}
	reconnecting bool

	closedCh chan struct{}

	pendingMu deadlock.Mutex
	pending   map[string]chan *Frame

	writeMu deadlock.Mutex

	hostMu deadlock.RWMutex
	hosted map[string]*workflowInstance

	runCtx     context.Context
	cancelRun  context.CancelFunc
	execCtx    context.Context
	cancelExec context.CancelFunc

	fatalCh chan error

	workflowPool *retrypool.Pool[*workflowTask]
	activityPool *retrypool.Pool[*activityTask]

	workflowSlots chan struct{}
	activitySlots chan struct{}
}

func NewWorker(config WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := workerOptions{
		reconnectBase: DefaultReconnectBase,
		reconnectCap:  DefaultReconnectCap,
		reconnectMax:  DefaultReconnectAttempts,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	return &Worker{
		id:       id,
		config:   config,
		opts:     o,
		registry: NewRegistry(),
		ready:    make(chan struct{}),
		closedCh: make(chan struct{}),
		pending:  make(map[string]chan *Frame),
		hosted:   make(map[string]*workflowInstance),
		fatalCh:  make(chan error, 1),
	}, nil
}

// ID is the worker identity the broker records on every invocation this
// replica executes.
func (w *Worker) ID() string {
	return w.id
}

// RegisterWorkflow validates and records a workflow function so tasks of its
// type may execute here. Bad signatures are rejected now, not at dispatch.
func (w *Worker) RegisterWorkflow(workflowFunc interface{}) error {
	_, err := w.registry.RegisterWorkflow(workflowFunc)
	return err
}

// RegisterActivity validates and records an activity function.
func (w *Worker) RegisterActivity(activityFunc interface{}) error {
	_, err := w.registry.RegisterActivity(activityFunc)
	return err
}

// Run connects, registers, then polls for tasks until ctx is cancelled. The
// initial connection does not retry: an unreachable broker is fatal. A lost
// established session reconnects with capped exponential backoff and
// re-registers; only exhausted reconnects make Run return an error.
//
// Cancelling ctx drains: polling stops immediately, in-flight executions get
// until the drain deadline, then their contexts die.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.Join(ErrWorkerStarted, fmt.Errorf("worker %s", w.id))
	}
	w.started = true
	w.mu.Unlock()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	w.runCtx = runCtx
	w.cancelRun = cancelRun

	// Execution work outlives runCtx so it can drain after a stop is
	// requested; its context dies at the drain deadline.
	execCtx, cancelExec := context.WithCancel(context.Background())
	w.execCtx = execCtx
	w.cancelExec = cancelExec

	if err := w.connect(runCtx); err != nil {
		cancelExec()
		w.markClosed()
		return err
	}

	w.buildPools()

	var loops errgroup.Group
	loops.Go(func() error {
		w.pollLoop(runCtx, TaskKindWorkflow, w.workflowSlots, w.dispatchWorkflowTask)
		return nil
	})
	loops.Go(func() error {
		w.pollLoop(runCtx, TaskKindActivity, w.activitySlots, w.dispatchActivityTask)
		return nil
	})

	logger.Info(runCtx, "worker running",
		"worker_id", w.id, "task_queue", w.config.TaskQueue, "address", w.config.Address,
		"max_concurrent_activities", w.config.MaxConcurrentActivities,
		"max_concurrent_workflow_tasks", w.config.MaxConcurrentWorkflowTasks)

	var fatal error
	select {
	case <-runCtx.Done():
	case fatal = <-w.fatalCh:
		cancelRun()
	}
	loops.Wait()

	if fatal == nil {
		w.drain()
	}
	w.markClosed()
	cancelExec()
	w.closePools()
	w.closeConn()

	if fatal != nil {
		logger.Error(context.Background(), "worker stopped on fatal error", "worker_id", w.id, "error", fatal)
		return fatal
	}
	logger.Info(context.Background(), "worker stopped", "worker_id", w.id)
	return nil
}

func (w *Worker) buildPools() {
	w.workflowSlots = make(chan struct{}, w.config.MaxConcurrentWorkflowTasks)
	for i := 0; i < w.config.MaxConcurrentWorkflowTasks; i++ {
		w.workflowSlots <- struct{}{}
	}
	w.activitySlots = make(chan struct{}, w.config.MaxConcurrentActivities)
	for i := 0; i < w.config.MaxConcurrentActivities; i++ {
		w.activitySlots <- struct{}{}
	}

	wfWorkers := []retrypool.Worker[*workflowTask]{}
	for i := 0; i < w.config.MaxConcurrentWorkflowTasks; i++ {
		wfWorkers = append(wfWorkers, &workflowTaskWorker{ID: i, worker: w})
	}
	w.workflowPool = retrypool.New(
		w.execCtx,
		wfWorkers,
		retrypool.WithAttempts[*workflowTask](1),
		retrypool.WithDelay[*workflowTask](time.Second/2),
		retrypool.WithOnNewDeadTask[*workflowTask](w.onDeadWorkflowTask),
	)

	actWorkers := []retrypool.Worker[*activityTask]{}
	for i := 0; i < w.config.MaxConcurrentActivities; i++ {
		actWorkers = append(actWorkers, &activityTaskWorker{ID: i, worker: w})
	}
	w.activityPool = retrypool.New(
		w.execCtx,
		actWorkers,
		retrypool.WithAttempts[*activityTask](1),
		retrypool.WithDelay[*activityTask](time.Second/2),
		retrypool.WithOnNewDeadTask[*activityTask](w.onDeadActivityTask),
	)
}

// ── Connection management ───────────────────────────

// connect dials, installs the session, then registers the worker on it. The
// caller decides what a failure means: fatal at startup, retryable during
// reconnect.
func (w *Worker) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(dialCtx, wsURL(w.config.Address))
	if err != nil {
		return errors.Join(ErrConnection, fmt.Errorf("failed to dial broker at %s: %w", w.config.Address, err))
	}

	sess := &workerSession{conn: conn, done: make(chan struct{})}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return errors.Join(ErrConnection, ErrWorkerShutdown)
	}
	w.sess = sess
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
	w.mu.Unlock()

	go w.readLoop(sess)

	if err := w.register(ctx); err != nil {
		// demote before closing so the read loop treats this as a failed
		// handshake, not a lost session
		w.mu.Lock()
		if w.sess == sess {
			w.sess = nil
			w.ready = make(chan struct{})
		}
		w.mu.Unlock()
		conn.Close()
		return err
	}

	logger.Debug(ctx, "worker connected", "worker_id", w.id, "address", w.config.Address)
	return nil
}

func (w *Worker) register(ctx context.Context) error {
	req := RegisterWorkerRequest{
		WorkerID:   w.id,
		TaskQueue:  w.config.TaskQueue,
		Workflows:  w.registry.WorkflowNames(),
		Activities: w.registry.ActivityNames(),
	}
	reqCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	resp, err := w.request(reqCtx, MethodRegisterWorker, req)
	if err != nil {
		return errors.Join(ErrConnection, fmt.Errorf("failed to register worker %s: %w", w.id, err))
	}
	var out RegisterWorkerResponse
	if err := decodePayload(resp, &out); err != nil {
		return err
	}
	logger.Info(ctx, "worker registered",
		"worker_id", w.id, "session_id", out.SessionID, "task_queue", w.config.TaskQueue)
	return nil
}

func (w *Worker) readLoop(sess *workerSession) {
	var readErr error
	for {
		data, err := wsutil.ReadServerText(sess.conn)
		if err != nil {
			readErr = err
			break
		}
		frame, err := unmarshalFrame(data)
		if err != nil {
			logger.Warn(w.runCtx, "worker received malformed frame", "worker_id", w.id, "error", err)
			continue
		}
		switch frame.Type {
		case FrameResponse, FrameErr, FramePong:
			w.deliver(frame)
		case FrameEvent:
			w.handleEvent(frame)
		default:
			logger.Debug(w.runCtx, "worker ignoring frame", "worker_id", w.id, "type", string(frame.Type))
		}
	}
	close(sess.done)
	w.onSessionLost(sess, readErr)
}

func (w *Worker) onSessionLost(sess *workerSession, cause error) {
	w.mu.Lock()
	wasCurrent := w.sess == sess
	if wasCurrent {
		w.sess = nil
		w.ready = make(chan struct{})
	}
	closed := w.closed
	w.mu.Unlock()

	sess.conn.Close()

	if !wasCurrent {
		return // failed handshake or deliberate teardown, its initiator handles it
	}

	// Results can no longer be routed to this session, so every hosted
	// workflow's pending activity future fails now. The workflow functions
	// observe the error, terminate, and their failure reports ride the next
	// session.
	w.failHosted(errors.Join(ErrConnection, fmt.Errorf("broker session lost: %w", cause)))

	if closed || w.runCtx.Err() != nil {
		return
	}

	logger.Warn(w.runCtx, "broker session lost, reconnecting", "worker_id", w.id, "error", cause)
	go w.reconnect()
}

// reconnect re-establishes the session with capped exponential backoff. Each
// successful dial re-registers, since the broker forgot this worker with the
// old session. Exhausted attempts are fatal to Run.
func (w *Worker) reconnect() {
	w.mu.Lock()
	if w.reconnecting {
		w.mu.Unlock()
		return
	}
	w.reconnecting = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.reconnecting = false
		w.mu.Unlock()
	}()

	backoff := retry.WithCappedDuration(w.opts.reconnectCap, retry.NewExponential(w.opts.reconnectBase))
	backoff = retry.WithMaxRetries(w.opts.reconnectMax, backoff)

	if err := retry.Do(w.runCtx, backoff, func(ctx context.Context) error {
		if err := w.connect(ctx); err != nil {
			logger.Warn(ctx, "reconnect attempt failed", "worker_id", w.id, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		if w.runCtx.Err() != nil {
			return
		}
		w.fail(errors.Join(ErrConnection, fmt.Errorf("reconnect gave up: %w", err)))
	}
}

func (w *Worker) fail(err error) {
	select {
	case w.fatalCh <- err:
	default:
	}
}

// awaitSession blocks until a live session exists. During a reconnect this is
// where polls and result reports park.
func (w *Worker) awaitSession(ctx context.Context) (*workerSession, error) {
	for {
		w.mu.Lock()
		sess, ready, closed := w.sess, w.ready, w.closed
		w.mu.Unlock()

		if closed {
			return nil, errors.Join(ErrConnection, ErrWorkerShutdown)
		}
		if sess != nil {
			select {
			case <-sess.done:
				// stale, loop for the replacement
			default:
				return sess, nil
			}
		}
		select {
		case <-ready:
		case <-w.closedCh:
			return nil, errors.Join(ErrConnection, ErrWorkerShutdown)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *Worker) deliver(frame *Frame) {
	w.pendingMu.Lock()
	ch, ok := w.pending[frame.CorrelID]
	if ok {
		delete(w.pending, frame.CorrelID)
	}
	w.pendingMu.Unlock()
	if ok {
		ch <- frame
		return
	}

	// A poll abandoned at shutdown can still win a task on the broker, and
	// the broker already counts that task as ours. It runs instead of
	// vanishing.
	if frame.Type == FrameResponse {
		var out PollTaskResponse
		if err := decodePayload(frame, &out); err == nil && out.Task != nil {
			w.dispatchLateTask(out.Task)
		}
	}
}

func (w *Worker) dispatchLateTask(task *TaskMessage) {
	logger.Debug(w.runCtx, "dispatching task from abandoned poll",
		"worker_id", w.id, "execution_id", task.ExecutionID, "kind", string(task.Kind))
	// No slot token was held for this task; the pools bound concurrency on
	// their own.
	switch task.Kind {
	case TaskKindWorkflow:
		w.dispatchWorkflowTask(task, func() {})
	case TaskKindActivity:
		w.dispatchActivityTask(task, func() {})
	}
}

func (w *Worker) registerPending(frameID string) chan *Frame {
	ch := make(chan *Frame, 1)
	w.pendingMu.Lock()
	w.pending[frameID] = ch
	w.pendingMu.Unlock()
	return ch
}

func (w *Worker) forgetPending(frameID string) {
	w.pendingMu.Lock()
	delete(w.pending, frameID)
	w.pendingMu.Unlock()
}

func (w *Worker) writeTo(sess *workerSession, frame *Frame) error {
	data, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := wsutil.WriteClientText(sess.conn, data); err != nil {
		sess.conn.Close() // wake the read loop so the session is torn down
		return errors.Join(ErrConnection, err)
	}
	return nil
}

// request performs one correlated round-trip on the current session, waiting
// one out if none is up.
func (w *Worker) request(ctx context.Context, method string, payload interface{}) (*Frame, error) {
	sess, err := w.awaitSession(ctx)
	if err != nil {
		return nil, err
	}

	frame, err := NewRequestFrame(method, payload)
	if err != nil {
		return nil, err
	}
	ch := w.registerPending(frame.ID)
	if err := w.writeTo(sess, frame); err != nil {
		w.forgetPending(frame.ID)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Type == FrameErr {
			if resp.Error != nil {
				return nil, resp.Error.Err()
			}
			return nil, errors.Join(ErrInternal, fmt.Errorf("error frame without failure for %s", method))
		}
		return resp, nil
	case <-sess.done:
		w.forgetPending(frame.ID)
		return nil, errors.Join(ErrConnection, fmt.Errorf("connection lost awaiting %s response", method))
	case <-ctx.Done():
		w.forgetPending(frame.ID)
		return nil, ctx.Err()
	}
}

func (w *Worker) handleEvent(frame *Frame) {
	switch frame.Method {
	case EventActivityResult:
		var ev ActivityResultEvent
		if err := decodePayload(frame, &ev); err != nil {
			logger.Warn(w.runCtx, "malformed activity result event", "worker_id", w.id, "error", err)
			return
		}
		w.hostMu.RLock()
		instance, ok := w.hosted[ev.ExecutionID]
		w.hostMu.RUnlock()
		if !ok {
			logger.Debug(w.runCtx, "activity result for unhosted execution",
				"worker_id", w.id, "execution_id", ev.ExecutionID, "seq", ev.Seq)
			return
		}
		instance.resolveActivityResult(ev.Seq, ev.Output, ev.Failure)
	default:
		logger.Debug(w.runCtx, "worker ignoring event", "worker_id", w.id, "method", frame.Method)
	}
}

// scheduleActivity implements activityScheduler for hosted workflows.
func (w *Worker) scheduleActivity(ctx context.Context, req ScheduleActivityRequest) error {
	if _, err := w.request(ctx, MethodScheduleActivity, req); err != nil {
		return err
	}
	return nil
}

// ── Polling and dispatch ────────────────────────────

// pollLoop takes a slot before polling, so the worker never asks for work it
// cannot start. Tasks beyond capacity stay queued on the broker where other
// replicas can take them.
func (w *Worker) pollLoop(ctx context.Context, kind TaskKind, slots chan struct{}, dispatch func(*TaskMessage, func())) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-slots:
		}

		task, err := w.pollOnce(ctx, kind)
		if err != nil || task == nil {
			slots <- struct{}{}
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.Debug(ctx, "poll failed", "worker_id", w.id, "kind", string(kind), "error", err)
				select {
				case <-time.After(time.Second / 2):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		var once sync.Once
		release := func() {
			once.Do(func() { slots <- struct{}{} })
		}
		dispatch(task, release)
	}
}

func (w *Worker) pollOnce(ctx context.Context, kind TaskKind) (*TaskMessage, error) {
	wait := w.config.PollTimeout
	reqCtx, cancel := context.WithTimeout(ctx, wait+DefaultDialTimeout)
	defer cancel()

	resp, err := w.request(reqCtx, MethodPollTask, PollTaskRequest{
		TaskQueue: w.config.TaskQueue,
		WorkerID:  w.id,
		Kind:      kind,
		WaitMs:    wait.Milliseconds(),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	var out PollTaskResponse
	if err := decodePayload(resp, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

func (w *Worker) dispatchWorkflowTask(task *TaskMessage, release func()) {
	item := retrypool.NewRequestResponse[*workflowTaskItem, struct{}](&workflowTaskItem{task: task, release: release})
	queued := retrypool.NewQueuedNotification()
	if err := w.workflowPool.Submit(item, retrypool.WithQueued[*workflowTask](queued)); err != nil {
		release()
		w.reportWorkflowFailure(w.execCtx, task.ExecutionID, errors.Join(ErrInternal, fmt.Errorf("failed to submit workflow task: %w", err)))
		return
	}
	<-queued.Done()
}

func (w *Worker) dispatchActivityTask(task *TaskMessage, release func()) {
	item := retrypool.NewRequestResponse[*activityTaskItem, struct{}](&activityTaskItem{task: task, release: release})
	queued := retrypool.NewQueuedNotification()
	if err := w.activityPool.Submit(item, retrypool.WithQueued[*activityTask](queued)); err != nil {
		release()
		w.reportActivityFailure(w.execCtx, task, errors.Join(ErrInternal, fmt.Errorf("failed to submit activity task: %w", err)))
		return
	}
	<-queued.Done()
}

// workflowTaskWorker implements the retrypool.Worker interface for hosting
// workflow executions.
type workflowTaskWorker struct {
	ID     int
	worker *Worker
}

func (tw *workflowTaskWorker) OnStart(ctx context.Context) {
	logger.Debug(ctx, "workflow task worker started", "worker_id", tw.worker.id, "pool_worker", tw.ID)
}

func (tw *workflowTaskWorker) Run(ctx context.Context, item *workflowTask) error {
	defer item.Request.release()
	tw.worker.runWorkflowTask(ctx, item.Request.task)
	item.Complete(struct{}{})
	return nil
}

// activityTaskWorker implements the retrypool.Worker interface for executing
// activity invocations.
type activityTaskWorker struct {
	ID     int
	worker *Worker
}

func (tw *activityTaskWorker) OnStart(ctx context.Context) {
	logger.Debug(ctx, "activity task worker started", "worker_id", tw.worker.id, "pool_worker", tw.ID)
}

func (tw *activityTaskWorker) Run(ctx context.Context, item *activityTask) error {
	defer item.Request.release()
	tw.worker.runActivityTask(ctx, item.Request.task)
	item.Complete(struct{}{})
	return nil
}

func (w *Worker) onDeadWorkflowTask(task *retrypool.DeadTask[*workflowTask], idx int) {
	errs := errors.New("workflow task died in pool")
	for _, e := range task.Errors {
		errs = errors.Join(errs, e)
	}
	logger.Error(w.execCtx, errs.Error(), "worker_id", w.id)
	if data := task.Data; data != nil && data.Request != nil {
		pp.Println(data.Request.task)
		item := data.Request
		go w.reportWorkflowFailure(w.execCtx, item.task.ExecutionID, errors.Join(ErrInternal, errs))
		item.release()
		data.CompleteWithError(errs)
	}
	if _, err := w.workflowPool.PullDeadTask(idx); err != nil {
		logger.Warn(w.execCtx, "failed to pull dead workflow task", "worker_id", w.id, "error", err)
	}
}

func (w *Worker) onDeadActivityTask(task *retrypool.DeadTask[*activityTask], idx int) {
	errs := errors.New("activity task died in pool")
	for _, e := range task.Errors {
		errs = errors.Join(errs, e)
	}
	logger.Error(w.execCtx, errs.Error(), "worker_id", w.id)
	if data := task.Data; data != nil && data.Request != nil {
		pp.Println(data.Request.task)
		item := data.Request
		go w.reportActivityFailure(w.execCtx, item.task, errors.Join(ErrInternal, errs))
		item.release()
		data.CompleteWithError(errs)
	}
	if _, err := w.activityPool.PullDeadTask(idx); err != nil {
		logger.Warn(w.execCtx, "failed to pull dead activity task", "worker_id", w.id, "error", err)
	}
}

// ── Task execution ──────────────────────────────────

func (w *Worker) runWorkflowTask(ctx context.Context, task *TaskMessage) {
	logger.Info(ctx, "workflow task received",
		"worker_id", w.id, "execution_id", task.ExecutionID, "workflow_type", task.Type)

	handler, ok := w.registry.GetWorkflow(task.Type)
	if !ok {
		w.reportWorkflowFailure(ctx, task.ExecutionID,
			errors.Join(ErrNotRegistered, fmt.Errorf("workflow type %q is not registered on worker %s", task.Type, w.id)))
		return
	}
	inputs, err := convertInputsFromSerialization(handler, task.Input)
	if err != nil {
		w.reportWorkflowFailure(ctx, task.ExecutionID, err)
		return
	}

	instance := newWorkflowInstance(ctx, handler, task, w.config.TaskQueue, w)
	w.addHosted(instance)
	defer w.removeHosted(task.ExecutionID)

	if err := instance.Start(inputs); err != nil {
		w.reportWorkflowFailure(ctx, task.ExecutionID, err)
		return
	}
	if err := instance.future.Get(); err != nil {
		w.reportWorkflowFailure(ctx, task.ExecutionID, err)
		return
	}
	w.reportWorkflowCompletion(ctx, task.ExecutionID, instance.outputs)
}

func (w *Worker) runActivityTask(ctx context.Context, task *TaskMessage) {
	logger.Debug(ctx, "activity task received",
		"worker_id", w.id, "execution_id", task.ExecutionID, "seq", task.Seq, "activity_type", task.Type)

	handler, ok := w.registry.GetActivity(task.Type)
	if !ok {
		w.reportActivityFailure(ctx, task,
			errors.Join(ErrNotRegistered, fmt.Errorf("activity type %q is not registered on worker %s", task.Type, w.id)))
		return
	}
	inputs, err := convertInputsFromSerialization(handler, task.Input)
	if err != nil {
		w.reportActivityFailure(ctx, task, err)
		return
	}

	// The local deadline mirrors the broker's authoritative timer so a spent
	// window stops wasting this replica's slot.
	execCtx := ctx
	if task.StartToCloseMs > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(task.StartToCloseMs)*time.Millisecond)
		defer cancel()
	}

	instance := newActivityInstance(execCtx, handler, task)
	if err := instance.Start(inputs); err != nil {
		w.reportActivityFailure(ctx, task, err)
		return
	}
	if err := instance.future.Get(); err != nil {
		w.reportActivityFailure(ctx, task, err)
		return
	}
	w.reportActivityCompletion(ctx, task, instance.outputs)
}

// ── Result reporting ────────────────────────────────

func (w *Worker) reportWorkflowCompletion(ctx context.Context, executionID string, result [][]byte) {
	req := CompleteWorkflowRequest{ExecutionID: executionID, Result: result}
	if _, err := w.request(ctx, MethodCompleteWorkflow, req); err != nil {
		logger.Warn(ctx, "failed to report workflow completion",
			"worker_id", w.id, "execution_id", executionID, "error", err)
		return
	}
	logger.Info(ctx, "workflow execution completed", "worker_id", w.id, "execution_id", executionID)
}

func (w *Worker) reportWorkflowFailure(ctx context.Context, executionID string, cause error) {
	if !errors.Is(cause, ErrWorkflowFailed) {
		cause = errors.Join(ErrWorkflowFailed, cause)
	}
	logger.Info(ctx, "workflow execution failed",
		"worker_id", w.id, "execution_id", executionID, "error", cause)
	req := FailWorkflowRequest{ExecutionID: executionID, Failure: NewFailure(cause)}
	if _, err := w.request(ctx, MethodFailWorkflow, req); err != nil {
		logger.Warn(ctx, "failed to report workflow failure",
			"worker_id", w.id, "execution_id", executionID, "error", err)
	}
}

func (w *Worker) reportActivityCompletion(ctx context.Context, task *TaskMessage, output [][]byte) {
	req := CompleteActivityRequest{ExecutionID: task.ExecutionID, Seq: task.Seq, WorkerID: w.id, Output: output}
	if _, err := w.request(ctx, MethodCompleteActivity, req); err != nil {
		// losing to the broker's timeout verdict lands here; the result is
		// known to be discarded
		logger.Debug(ctx, "activity completion not accepted",
			"worker_id", w.id, "execution_id", task.ExecutionID, "seq", task.Seq, "error", err)
	}
}

func (w *Worker) reportActivityFailure(ctx context.Context, task *TaskMessage, cause error) {
	if errors.Is(cause, context.DeadlineExceeded) && !errors.Is(cause, ErrActivityTimeout) {
		cause = errors.Join(ErrActivityTimeout, cause)
	}
	if !errors.Is(cause, ErrActivityTimeout) {
		cause = errors.Join(ErrActivityFailed, cause)
	}
	logger.Info(ctx, "activity invocation failed",
		"worker_id", w.id, "execution_id", task.ExecutionID, "seq", task.Seq, "error", cause)
	req := FailActivityRequest{ExecutionID: task.ExecutionID, Seq: task.Seq, WorkerID: w.id, Failure: NewFailure(cause)}
	if _, err := w.request(ctx, MethodFailActivity, req); err != nil {
		logger.Debug(ctx, "activity failure report not accepted",
			"worker_id", w.id, "execution_id", task.ExecutionID, "seq", task.Seq, "error", err)
	}
}

// ── Hosted executions ───────────────────────────────

func (w *Worker) addHosted(wi *workflowInstance) {
	w.hostMu.Lock()
	w.hosted[wi.executionID] = wi
	w.hostMu.Unlock()
}

func (w *Worker) removeHosted(executionID string) {
	w.hostMu.Lock()
	delete(w.hosted, executionID)
	w.hostMu.Unlock()
}

func (w *Worker) failHosted(cause error) {
	w.hostMu.RLock()
	instances := make([]*workflowInstance, 0, len(w.hosted))
	for _, wi := range w.hosted {
		instances = append(instances, wi)
	}
	w.hostMu.RUnlock()
	for _, wi := range instances {
		wi.connectionLost(cause)
	}
}

// ── Shutdown ────────────────────────────────────────

// drain waits for in-flight executions with the session still up so their
// terminal reports reach the broker. Workflow tasks first: their completion
// is what retires the activity results they wait on.
func (w *Worker) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), w.config.DrainTimeout)
	defer cancel()

	err := w.workflowPool.WaitWithCallback(drainCtx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 100*time.Millisecond)
	if err == nil {
		err = w.activityPool.WaitWithCallback(drainCtx, func(queueSize, processingCount, deadTaskCount int) bool {
			return queueSize > 0 || processingCount > 0
		}, 100*time.Millisecond)
	}
	if err != nil {
		logger.Warn(context.Background(), "drain deadline reached, cancelling in-flight executions",
			"worker_id", w.id, "error", err)
	}
}

func (w *Worker) markClosed() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.closedCh)
	}
	w.mu.Unlock()
}

func (w *Worker) closePools() {
	if w.workflowPool != nil {
		if err := w.workflowPool.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn(context.Background(), "failed to close workflow pool", "worker_id", w.id, "error", err)
		}
	}
	if w.activityPool != nil {
		if err := w.activityPool.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn(context.Background(), "failed to close activity pool", "worker_id", w.id, "error", err)
		}
	}
}

func (w *Worker) closeConn() {
	w.mu.Lock()
	sess := w.sess
	w.sess = nil
	w.mu.Unlock()
	if sess != nil {
		sess.conn.Close()
	}
}
