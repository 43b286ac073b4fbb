package flowlite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// Client talks to a broker over one WebSocket session. ExecuteWorkflow hands
// back a Future whose Get blocks until the execution is terminal: the broker
// defers the submission's response frame until then, which is what makes the
// submission path blocking end to end.
//
// The client does not reconnect: a lost session surfaces as ErrConnection on
// every in-flight and subsequent call. Reconnecting is worker behavior.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	addr   string

	conn    net.Conn
	writeMu deadlock.Mutex

	mu      deadlock.Mutex
	pending map[string]chan *Frame
	closed  bool

	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects to the broker at address (host:port, ws:// optional). A
// failure to connect is fatal to the caller by design: there is no silent
// retry at dial time.
func Dial(ctx context.Context, address string, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if address == "" {
		address = DefaultAddress
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancelDial()

	conn, _, _, err := ws.Dial(dialCtx, wsURL(address))
	if err != nil {
		return nil, errors.Join(ErrConnection, fmt.Errorf("failed to dial broker at %s: %w", address, err))
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		ctx:     ctx,
		cancel:  cancel,
		addr:    address,
		conn:    conn,
		pending: make(map[string]chan *Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	logger.Debug(ctx, "client connected", "address", address)
	return c, nil
}

// wsURL normalizes host:port into a ws:// url, leaving explicit schemes be.
func wsURL(address string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address
	}
	return "ws://" + address
}

func (c *Client) readLoop() {
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}
		frame, err := unmarshalFrame(data)
		if err != nil {
			logger.Warn(c.ctx, "client received malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case FrameResponse, FrameErr, FramePong:
			c.deliver(frame)
		default:
			logger.Debug(c.ctx, "client ignoring frame", "type", string(frame.Type), "method", frame.Method)
		}
	}
}

func (c *Client) deliver(frame *Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.CorrelID]
	if ok {
		delete(c.pending, frame.CorrelID)
	}
	c.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (c *Client) register(frameID string) (chan *Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Join(ErrConnection, fmt.Errorf("client is closed"))
	}
	ch := make(chan *Frame, 1)
	c.pending[frameID] = ch
	return ch, nil
}

func (c *Client) forget(frameID string) {
	c.mu.Lock()
	delete(c.pending, frameID)
	c.mu.Unlock()
}

func (c *Client) write(frame *Frame) error {
	data, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return errors.Join(ErrConnection, err)
	}
	return nil
}

// request performs one round-trip: write the frame, wait for the correlated
// response. Error frames come back as typed errors via Failure.Err.
func (c *Client) request(ctx context.Context, method string, payload interface{}) (*Frame, error) {
	frame, err := NewRequestFrame(method, payload)
	if err != nil {
		return nil, err
	}

	ch, err := c.register(frame.ID)
	if err != nil {
		return nil, err
	}
	if err := c.write(frame); err != nil {
		c.forget(frame.ID)
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
	case <-c.done:
		return nil, errors.Join(ErrConnection, fmt.Errorf("connection lost awaiting %s response", method))
	case <-ctx.Done():
		c.forget(frame.ID)
		return nil, ctx.Err()
	}
}

// ExecuteWorkflow submits one workflow execution. The returned Future's Get
// blocks until the execution completes or fails on a worker somewhere; the
// error it yields tests true for the taxonomy kinds the failure carries.
func (c *Client) ExecuteWorkflow(ctx context.Context, options StartWorkflowOptions, workflow interface{}, args ...interface{}) (Future, error) {
	workflowType, err := resolveTypeName(workflow)
	if err != nil {
		return nil, err
	}
	input, err := convertArgsForSerialization(args)
	if err != nil {
		return nil, err
	}

	executionID := options.ID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	if options.TaskQueue == "" {
		return nil, errors.Join(ErrBadRequest, fmt.Errorf("task queue is required"))
	}
	taskQueue := options.TaskQueue

	future := newFuture()
	future.setExecutionID(executionID)
	if fnType := reflect.TypeOf(workflow); fnType != nil && fnType.Kind() == reflect.Func && fnType.NumOut() > 0 {
		returnTypes := make([]reflect.Type, 0, fnType.NumOut()-1)
		for i := 0; i < fnType.NumOut()-1; i++ {
			returnTypes = append(returnTypes, fnType.Out(i))
		}
		future.setReturnTypes(returnTypes)
	}

	req := StartWorkflowRequest{
		WorkflowType: workflowType,
		ExecutionID:  executionID,
		TaskQueue:    taskQueue,
		Input:        input,
	}

	logger.Info(c.ctx, "submitting workflow execution",
		"execution_id", executionID, "workflow_type", workflowType, "task_queue", taskQueue)

	go func() {
		resp, err := c.request(ctx, MethodStartWorkflow, req)
		if err != nil {
			future.setError(err)
			return
		}
		var result StartWorkflowResponse
		if err := decodePayload(resp, &result); err != nil {
			future.setError(err)
			return
		}
		if result.Failure != nil {
			future.setError(result.Failure.Err())
			return
		}
		future.setPayloads(result.Result)
	}()

	return future, nil
}

// DescribeExecution fetches the stored record of one execution together with
// its activity invocations.
func (c *Client) DescribeExecution(ctx context.Context, executionID string) (*WorkflowExecution, []*ActivityInvocation, error) {
	resp, err := c.request(ctx, MethodDescribeExecution, DescribeExecutionRequest{ExecutionID: executionID})
	if err != nil {
		return nil, nil, err
	}
	var out DescribeExecutionResponse
	if err := decodePayload(resp, &out); err != nil {
		return nil, nil, err
	}
	return out.Execution, out.Invocations, nil
}

// Ping round-trips one ping frame, proving the session is alive.
func (c *Client) Ping(ctx context.Context) error {
	frame := &Frame{
		ID:        generateFrameID(),
		Type:      FramePing,
		Timestamp: time.Now().UTC(),
	}
	ch, err := c.register(frame.ID)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		c.forget(frame.ID)
		return err
	}
	select {
	case <-ch:
		return nil
	case <-c.done:
		return errors.Join(ErrConnection, fmt.Errorf("connection lost awaiting pong"))
	case <-ctx.Done():
		c.forget(frame.ID)
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.conn.Close()
	c.doneOnce.Do(func() { close(c.done) })
	logger.Debug(c.ctx, "client closed", "address", c.addr)
	return err
}
