package flowlite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// session is one live WebSocket connection, client or worker. Writes are
// serialized because long-poll responses, deferred submit responses and
// activity result events all target the same connection from different
// goroutines.
type session struct {
	id     string
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu deadlock.Mutex

	mu        deadlock.Mutex
	workerID  string
	taskQueue string
}

func (sess *session) write(frame *Frame) error {
	data, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := wsutil.WriteServerText(sess.conn, data); err != nil {
		return errors.Join(ErrConnection, err)
	}
	return nil
}

func (sess *session) setWorker(workerID, taskQueue string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.workerID = workerID
	sess.taskQueue = taskQueue
}

func (sess *session) worker() (string, string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.workerID, sess.taskQueue
}

// completionWatch is one parked submitter: the session and request to answer
// when the watched execution reaches a terminal state.
type completionWatch struct {
	sess     *session
	correlID string
}

// Server is the broker. It owns the store, the dispatch queues, the
// start-to-close timers and every connected session. Clients submit
// executions and block; workers poll tasks and report results; the broker is
// the single authority on execution state and on activity timeouts.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	addr        string
	db          Database
	ownsDB      bool
	queues      *queueSet
	pollTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener

	mu       deadlock.RWMutex
	sessions map[string]*session
	hosts    map[string]*session            // execution id -> session hosting its workflow task
	watchers map[string][]completionWatch   // execution id -> parked submitters
	timers   map[string]map[int]*time.Timer // execution id -> seq -> start-to-close timer
	started  bool
	stopped  bool
}

// NewServer builds a broker bound to cfg. The default store is the in-memory
// database; pass WithServerDatabase to persist. The server owns a store it
// created and closes it on Stop; a store handed in stays the caller's.
func NewServer(ctx context.Context, opts ...ServerOption) (*Server, error) {
	cfg := &serverConfig{
		addr:        DefaultAddress,
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	ownsDB := false
	if cfg.db == nil {
		db, err := NewMemoryDatabase()
		if err != nil {
			return nil, err
		}
		cfg.db = db
		ownsDB = true
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:         ctx,
		cancel:      cancel,
		addr:        cfg.addr,
		db:          cfg.db,
		ownsDB:      ownsDB,
		queues:      newQueueSet(),
		pollTimeout: cfg.pollTimeout,
		sessions:    make(map[string]*session),
		hosts:       make(map[string]*session),
		watchers:    make(map[string][]completionWatch),
		timers:      make(map[string]map[int]*time.Timer),
	}, nil
}

// Start binds the listener and begins accepting sessions. It does not block.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrRuntimeStarted
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Join(ErrConnection, fmt.Errorf("failed to listen on %s: %w", s.addr, err))
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler: http.HandlerFunc(s.handleUpgrade),
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(s.ctx, "broker serve loop ended", "error", err)
		}
	}()

	logger.Info(s.ctx, "broker listening", "address", ln.Addr().String())
	return nil
}

// Addr reports the bound listener address, useful when starting on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the broker down: no new sessions, parked pollers and submitters
// released, timers stopped, sessions closed. ctx bounds the listener drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrRuntimeStopped
	}
	s.stopped = true
	s.mu.Unlock()

	logger.Info(s.ctx, "broker stopping", "address", s.addr)
	s.cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Warn(s.ctx, "broker listener shutdown", "error", err)
		}
	}

	s.queues.closeAll()

	s.mu.Lock()
	for executionID, seqTimers := range s.timers {
		for _, timer := range seqTimers {
			timer.Stop()
		}
		delete(s.timers, executionID)
	}
	pending := s.watchers
	s.watchers = make(map[string][]completionWatch)
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	// Parked submitters must not hang on a dead broker.
	for executionID, watches := range pending {
		failure := NewFailure(errors.Join(ErrQueueShutdown, fmt.Errorf("broker stopped before execution %s finished", executionID)))
		for _, w := range watches {
			if err := w.sess.write(NewErrorFrame(w.correlID, failure)); err != nil {
				logger.Debug(s.ctx, "failed to release parked submitter", "execution_id", executionID, "error", err)
			}
		}
	}

	for _, sess := range sessions {
		sess.cancel()
		sess.conn.Close()
	}

	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logger.Warn(s.ctx, "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	logger.Debug(s.ctx, "session connected", "session_id", sess.id, "remote", r.RemoteAddr)
	go s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer s.dropSession(sess)

	for {
		data, err := wsutil.ReadClientText(sess.conn)
		if err != nil {
			return
		}

		frame, err := unmarshalFrame(data)
		if err != nil {
			if werr := sess.write(NewErrorFrame("", NewFailure(errors.Join(ErrBadRequest, err)))); werr != nil {
				return
			}
			continue
		}

		if frame.Type == FramePing {
			if werr := sess.write(newPongFrame(frame.ID)); werr != nil {
				return
			}
			continue
		}

		// Handlers run in their own goroutine: poll parks for seconds and
		// workflow submission answers only at terminal state, and neither
		// may stall the read loop.
		go s.dispatchFrame(sess, frame)
	}
}

func (s *Server) dispatchFrame(sess *session, frame *Frame) {
	switch frame.Method {
	case MethodStartWorkflow:
		s.handleStartWorkflow(sess, frame)
		return
	case MethodPollTask:
		s.handlePollTask(sess, frame)
		return
	}

	var (
		data interface{}
		err  error
	)
	switch frame.Method {
	case MethodDescribeExecution:
		data, err = s.handleDescribeExecution(frame)
	case MethodRegisterWorker:
		data, err = s.handleRegisterWorker(sess, frame)
	case MethodScheduleActivity:
		data, err = s.handleScheduleActivity(frame)
	case MethodCompleteActivity:
		data, err = s.handleCompleteActivity(frame)
	case MethodFailActivity:
		data, err = s.handleFailActivity(frame)
	case MethodCompleteWorkflow:
		data, err = s.handleCompleteWorkflow(frame)
	case MethodFailWorkflow:
		data, err = s.handleFailWorkflow(frame)
	default:
		err = errors.Join(ErrBadRequest, fmt.Errorf("unknown method %q", frame.Method))
	}

	if err != nil {
		s.writeError(sess, frame.ID, err)
		return
	}
	if werr := s.writeResponse(sess, frame.ID, data); werr != nil {
		logger.Debug(s.ctx, "failed to write response", "session_id", sess.id, "method", frame.Method, "error", werr)
	}
}

// handleStartWorkflow records the execution, enqueues its workflow task and
// parks the submitter. The response frame is written by finalizeExecution
// once the execution reaches a terminal state.
func (s *Server) handleStartWorkflow(sess *session, frame *Frame) {
	var req StartWorkflowRequest
	if err := decodePayload(frame, &req); err != nil {
		s.writeError(sess, frame.ID, errors.Join(ErrBadRequest, err))
		return
	}
	if req.WorkflowType == "" {
		s.writeError(sess, frame.ID, errors.Join(ErrBadRequest, fmt.Errorf("workflow type is required")))
		return
	}
	if req.TaskQueue == "" {
		req.TaskQueue = DefaultQueue
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}

	if err := s.db.AddQueue(&Queue{Name: req.TaskQueue}); err != nil && !errors.Is(err, ErrQueueExists) {
		s.writeError(sess, frame.ID, err)
		return
	}
	q, err := s.queues.getOrCreate(req.TaskQueue)
	if err != nil {
		s.writeError(sess, frame.ID, err)
		return
	}

	exec := &WorkflowExecution{
		ID:           req.ExecutionID,
		WorkflowType: req.WorkflowType,
		TaskQueue:    req.TaskQueue,
		Status:       StatusScheduled,
		Input:        req.Input,
	}
	if err := s.db.AddWorkflowExecution(exec); err != nil {
		s.writeError(sess, frame.ID, err)
		return
	}

	s.addWatcher(exec.ID, completionWatch{sess: sess, correlID: frame.ID})

	task := &TaskMessage{
		Kind:        TaskKindWorkflow,
		ExecutionID: exec.ID,
		Type:        exec.WorkflowType,
		Input:       exec.Input,
	}
	if err := q.Enqueue(TaskKindWorkflow, task); err != nil {
		failure := NewFailure(errors.Join(err, fmt.Errorf("failed to enqueue workflow task for %s", exec.ID)))
		if dbErr := s.db.FailWorkflowExecution(exec.ID, failure); dbErr != nil {
			logger.Error(s.ctx, "failed to record enqueue failure", "execution_id", exec.ID, "error", dbErr)
		}
		s.finalizeExecution(exec.ID)
		return
	}

	logger.Info(s.ctx, "workflow execution scheduled",
		"execution_id", exec.ID, "workflow_type", exec.WorkflowType, "task_queue", exec.TaskQueue)
}

// handlePollTask serves one long poll. The status flip and the
// start-to-close timer happen only after the task frame reached the worker;
// a failed write puts the task back at the head of the line.
func (s *Server) handlePollTask(sess *session, frame *Frame) {
	var req PollTaskRequest
	if err := decodePayload(frame, &req); err != nil {
		s.writeError(sess, frame.ID, errors.Join(ErrBadRequest, err))
		return
	}
	if req.Kind != TaskKindWorkflow && req.Kind != TaskKindActivity {
		s.writeError(sess, frame.ID, errors.Join(ErrBadRequest, fmt.Errorf("unknown task kind %q", req.Kind)))
		return
	}
	if req.TaskQueue == "" {
		req.TaskQueue = DefaultQueue
	}

	q, err := s.queues.getOrCreate(req.TaskQueue)
	if err != nil {
		s.writeError(sess, frame.ID, err)
		return
	}

	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait <= 0 || wait > s.pollTimeout {
		wait = s.pollTimeout
	}

	task, err := q.Poll(sess.ctx, req.Kind, wait)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return // session is going away, nothing to answer
		}
		s.writeError(sess, frame.ID, err)
		return
	}
	if task == nil {
		if werr := s.writeResponse(sess, frame.ID, PollTaskResponse{}); werr != nil {
			logger.Debug(s.ctx, "failed to answer empty poll", "session_id", sess.id, "error", werr)
		}
		return
	}

	if werr := s.writeResponse(sess, frame.ID, PollTaskResponse{Task: task}); werr != nil {
		q.Requeue(req.Kind, task)
		return
	}

	switch task.Kind {
	case TaskKindWorkflow:
		s.setHost(task.ExecutionID, sess)
		if err := s.db.MarkWorkflowExecutionRunning(task.ExecutionID); err != nil {
			logger.Warn(s.ctx, "failed to mark execution running", "execution_id", task.ExecutionID, "error", err)
		}
	case TaskKindActivity:
		if err := s.db.MarkActivityInvocationRunning(task.ExecutionID, task.Seq, req.WorkerID); err != nil {
			logger.Warn(s.ctx, "failed to mark invocation running",
				"execution_id", task.ExecutionID, "seq", task.Seq, "error", err)
		}
		if task.StartToCloseMs > 0 {
			s.armTimer(task.ExecutionID, task.Seq, time.Duration(task.StartToCloseMs)*time.Millisecond)
		}
	}
}

func (s *Server) handleDescribeExecution(frame *Frame) (interface{}, error) {
	var req DescribeExecutionRequest
	if err := decodePayload(frame, &req); err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	exec, err := s.db.GetWorkflowExecution(req.ExecutionID)
	if err != nil {
		return nil, err
	}
	invocations, err := s.db.ListActivityInvocations(req.ExecutionID)
	if err != nil {
		return nil, err
	}
	return DescribeExecutionResponse{Execution: exec, Invocations: invocations}, nil
}

func (s *Server) handleRegisterWorker(sess *session, frame *Frame) (interface{}, error) {
	var req RegisterWorkerRequest
	if err := decodePayload(frame, &req); err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	if req.WorkerID == "" {
		return nil, errors.Join(ErrBadRequest, fmt.Errorf("worker id is required"))
	}
	if req.TaskQueue == "" {
		req.TaskQueue = DefaultQueue
	}

	if err := s.db.AddQueue(&Queue{Name: req.TaskQueue}); err != nil && !errors.Is(err, ErrQueueExists) {
		return nil, err
	}
	if _, err := s.queues.getOrCreate(req.TaskQueue); err != nil {
		return nil, err
	}

	sess.setWorker(req.WorkerID, req.TaskQueue)
	logger.Info(s.ctx, "worker registered",
		"worker_id", req.WorkerID, "task_queue", req.TaskQueue,
		"workflows", len(req.Workflows), "activities", len(req.Activities))
	return RegisterWorkerResponse{SessionID: sess.id}, nil
}

func (s *Server) handleScheduleActivity(frame *Frame) (interface{}, error) {
	var req ScheduleActivityRequest
	if err := decodePayload(frame, &req); err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	if req.ActivityType == "" {
		return nil, errors.Join(ErrBadRequest, fmt.Errorf("activity type is required"))
	}

	queueName := req.TaskQueue
	if queueName == "" {
		exec, err := s.db.GetWorkflowExecution(req.ExecutionID)
		if err != nil {
			return nil, err
		}
		queueName = exec.TaskQueue
	}
	q, err := s.queues.getOrCreate(queueName)
	if err != nil {
		return nil, err
	}

	inv := &ActivityInvocation{
		ExecutionID:  req.ExecutionID,
		Seq:          req.Seq,
		ActivityType: req.ActivityType,
		Input:        req.Input,
		StartToClose: time.Duration(req.StartToCloseMs) * time.Millisecond,
		Status:       InvocationScheduled,
	}
	if err := s.db.AddActivityInvocation(inv); err != nil {
		return nil, err
	}

	task := &TaskMessage{
		Kind:           TaskKindActivity,
		ExecutionID:    inv.ExecutionID,
		Seq:            inv.Seq,
		Type:           inv.ActivityType,
		Input:          inv.Input,
		StartToCloseMs: req.StartToCloseMs,
		RetryPolicy:    req.RetryPolicy,
	}
	if err := q.Enqueue(TaskKindActivity, task); err != nil {
		failure := NewFailure(errors.Join(err, fmt.Errorf("failed to enqueue activity task %s/%d", inv.ExecutionID, inv.Seq)))
		if dbErr := s.db.FailActivityInvocation(inv.ExecutionID, inv.Seq, failure); dbErr != nil {
			logger.Error(s.ctx, "failed to record enqueue failure",
				"execution_id", inv.ExecutionID, "seq", inv.Seq, "error", dbErr)
		}
		return nil, err
	}

	logger.Debug(s.ctx, "activity invocation scheduled",
		"execution_id", inv.ExecutionID, "seq", inv.Seq, "activity_type", inv.ActivityType)
	return ScheduleActivityResponse{Seq: inv.Seq}, nil
}

func (s *Server) handleCompleteActivity(frame *Frame) (interface{}, error) {
	var req CompleteActivityRequest
	if err := decodePayload(frame, &req); err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	if err := s.db.CompleteActivityInvocation(req.ExecutionID, req.Seq, req.Output); err != nil {
		// A terminal invocation means the timeout already won the race; the
		// worker is told so its result is known to be discarded.
		return nil, err
	}
	s.stopTimer(req.ExecutionID, req.Seq)
	s.routeActivityResult(req.ExecutionID, req.Seq, req.Output, nil)
	return Ack{}, nil
}

func (s *Server) handleFailActivity(frame *Frame) (interface{}, error) {
	var req FailActivityRequest
	if err := decodePayload(frame, &req); err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	if err := s.db.FailActivityInvocation(req.ExecutionID, req.Seq, req.Failure); err != nil {
		return nil, err
	}
	s.stopTimer(req.ExecutionID, req.Seq)
	s.routeActivityResult(req.ExecutionID, req.Seq, nil, req.Failure)
	return Ack{}, nil
}

func (s *Server) handleCompleteWorkflow(frame *Frame) (interface{}, error) {
	var req CompleteWorkflowRequest
	if err := decodePayload(frame, &req); err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	if err := s.db.CompleteWorkflowExecution(req.ExecutionID, req.Result); err != nil {
		return nil, err
	}
	logger.Info(s.ctx, "workflow execution completed", "execution_id", req.ExecutionID)
	s.finalizeExecution(req.ExecutionID)
	return Ack{}, nil
}

func (s *Server) handleFailWorkflow(frame *Frame) (interface{}, error) {
	var req FailWorkflowRequest
	if err := decodePayload(frame, &req); err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	if err := s.db.FailWorkflowExecution(req.ExecutionID, req.Failure); err != nil {
		return nil, err
	}
	message := ""
	if req.Failure != nil {
		message = req.Failure.Message
	}
	logger.Info(s.ctx, "workflow execution failed", "execution_id", req.ExecutionID, "failure", message)
	s.finalizeExecution(req.ExecutionID)
	return Ack{}, nil
}

// finalizeExecution releases everything parked on a now-terminal execution:
// submitters get their deferred response, timers die, the host entry goes.
func (s *Server) finalizeExecution(executionID string) {
	exec, err := s.db.GetWorkflowExecution(executionID)
	if err != nil {
		logger.Error(s.ctx, "failed to load terminal execution", "execution_id", executionID, "error", err)
		return
	}

	s.mu.Lock()
	if seqTimers, ok := s.timers[executionID]; ok {
		for _, timer := range seqTimers {
			timer.Stop()
		}
		delete(s.timers, executionID)
	}
	delete(s.hosts, executionID)
	watches := s.watchers[executionID]
	delete(s.watchers, executionID)
	s.mu.Unlock()

	resp := StartWorkflowResponse{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Result:      exec.Result,
		Failure:     exec.Failure,
	}
	for _, w := range watches {
		if err := s.writeResponse(w.sess, w.correlID, resp); err != nil {
			logger.Debug(s.ctx, "failed to answer parked submitter", "execution_id", executionID, "error", err)
		}
	}
}

// timeoutInvocation fires when an invocation's start-to-close window closes
// before its result arrived. Losing the race against a result that is being
// recorded right now shows up as ErrTerminalState and is not an error.
func (s *Server) timeoutInvocation(executionID string, seq int, timeout time.Duration) {
	failure := NewFailure(errors.Join(ErrActivityTimeout,
		fmt.Errorf("activity invocation %s/%d exceeded start-to-close timeout of %s", executionID, seq, timeout)))
	if err := s.db.TimeoutActivityInvocation(executionID, seq, failure); err != nil {
		if !errors.Is(err, ErrTerminalState) {
			logger.Warn(s.ctx, "failed to time out invocation", "execution_id", executionID, "seq", seq, "error", err)
		}
		return
	}

	s.mu.Lock()
	if seqTimers, ok := s.timers[executionID]; ok {
		delete(seqTimers, seq)
	}
	s.mu.Unlock()

	logger.Info(s.ctx, "activity invocation timed out",
		"execution_id", executionID, "seq", seq, "start_to_close", timeout.String())
	s.routeActivityResult(executionID, seq, nil, failure)
}

// routeActivityResult delivers an invocation outcome to the session hosting
// its workflow execution.
func (s *Server) routeActivityResult(executionID string, seq int, output [][]byte, failure *Failure) {
	s.mu.RLock()
	host := s.hosts[executionID]
	s.mu.RUnlock()
	if host == nil {
		logger.Warn(s.ctx, "no hosting session for activity result", "execution_id", executionID, "seq", seq)
		return
	}

	evt, err := NewEventFrame(EventActivityResult, ActivityResultEvent{
		ExecutionID: executionID,
		Seq:         seq,
		Output:      output,
		Failure:     failure,
	})
	if err != nil {
		logger.Error(s.ctx, "failed to build activity result event", "execution_id", executionID, "seq", seq, "error", err)
		return
	}
	if err := host.write(evt); err != nil {
		logger.Warn(s.ctx, "failed to route activity result",
			"execution_id", executionID, "seq", seq, "session_id", host.id, "error", err)
	}
}

func (s *Server) armTimer(executionID string, seq int, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqTimers, ok := s.timers[executionID]
	if !ok {
		seqTimers = make(map[int]*time.Timer)
		s.timers[executionID] = seqTimers
	}
	seqTimers[seq] = time.AfterFunc(timeout, func() {
		s.timeoutInvocation(executionID, seq, timeout)
	})
}

func (s *Server) stopTimer(executionID string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seqTimers, ok := s.timers[executionID]; ok {
		if timer, ok := seqTimers[seq]; ok {
			timer.Stop()
			delete(seqTimers, seq)
		}
	}
}

func (s *Server) setHost(executionID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[executionID] = sess
}

func (s *Server) addWatcher(executionID string, w completionWatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[executionID] = append(s.watchers[executionID], w)
}

func (s *Server) dropSession(sess *session) {
	sess.cancel()
	sess.conn.Close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	for executionID, host := range s.hosts {
		if host == sess {
			delete(s.hosts, executionID)
			logger.Warn(s.ctx, "hosting session lost before execution finished", "execution_id", executionID)
		}
	}
	for executionID, watches := range s.watchers {
		kept := watches[:0]
		for _, w := range watches {
			if w.sess != sess {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(s.watchers, executionID)
		} else {
			s.watchers[executionID] = kept
		}
	}
	s.mu.Unlock()

	workerID, _ := sess.worker()
	logger.Debug(s.ctx, "session disconnected", "session_id", sess.id, "worker_id", workerID)
}

func (s *Server) writeResponse(sess *session, correlID string, data interface{}) error {
	resp, err := NewResponseFrame(correlID, data)
	if err != nil {
		return err
	}
	return sess.write(resp)
}

func (s *Server) writeError(sess *session, correlID string, err error) {
	if werr := sess.write(NewErrorFrame(correlID, NewFailure(err))); werr != nil {
		logger.Debug(s.ctx, "failed to write error frame", "session_id", sess.id, "error", werr)
	}
}
