package flowlite

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// taskQueue is the broker-side dispatch structure for one named queue: a FIFO
// of pending tasks per kind plus the pollers parked on each kind. A task and
// a poller meet exactly once; a poller that gives up removes itself from the
// parked list or, when it lost that race, walks away with the task that was
// already handed to it.
type taskQueue struct {
	name string

	mu       deadlock.Mutex
	pending  map[TaskKind][]*TaskMessage
	waiters  map[TaskKind][]*taskWaiter
	shutdown chan struct{}
	closed   bool
}

type taskWaiter struct {
	ch chan *TaskMessage // capacity 1 so handoff never blocks
}

func newTaskQueue(name string) *taskQueue {
	return &taskQueue{
		name: name,
		pending: map[TaskKind][]*TaskMessage{
			TaskKindWorkflow: {},
			TaskKindActivity: {},
		},
		waiters: map[TaskKind][]*taskWaiter{
			TaskKindWorkflow: {},
			TaskKindActivity: {},
		},
		shutdown: make(chan struct{}),
	}
}

// Enqueue adds one task, handing it straight to the longest-parked poller
// when one is available.
func (q *taskQueue) Enqueue(kind TaskKind, task *TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueShutdown
	}

	if ws := q.waiters[kind]; len(ws) > 0 {
		w := ws[0]
		q.waiters[kind] = ws[1:]
		w.ch <- task
		return nil
	}

	q.pending[kind] = append(q.pending[kind], task)
	return nil
}

// Requeue returns a task to the head of the line after a failed handoff, so
// a worker session dying mid-dispatch does not cost the task its turn.
func (q *taskQueue) Requeue(kind TaskKind, task *TaskMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if ws := q.waiters[kind]; len(ws) > 0 {
		w := ws[0]
		q.waiters[kind] = ws[1:]
		w.ch <- task
		return
	}

	q.pending[kind] = append([]*TaskMessage{task}, q.pending[kind]...)
}

// Poll returns the next task of the given kind, parking for up to wait when
// none is pending. A nil task with nil error means the wait elapsed and the
// caller should re-poll.
func (q *taskQueue) Poll(ctx context.Context, kind TaskKind, wait time.Duration) (*TaskMessage, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueShutdown
	}
	if ts := q.pending[kind]; len(ts) > 0 {
		task := ts[0]
		q.pending[kind] = ts[1:]
		q.mu.Unlock()
		return task, nil
	}
	w := &taskWaiter{ch: make(chan *TaskMessage, 1)}
	q.waiters[kind] = append(q.waiters[kind], w)
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case task := <-w.ch:
		return task, nil
	case <-timer.C:
		// Either we leave the parked list clean, or a handoff beat the
		// timer and we take that task after all.
		return q.abandon(kind, w), nil
	case <-ctx.Done():
		if task := q.abandon(kind, w); task != nil {
			q.Requeue(kind, task)
		}
		return nil, ctx.Err()
	case <-q.shutdown:
		return nil, ErrQueueShutdown
	}
}

// abandon removes w from the parked list. When w already received a task the
// handoff wins and that task is returned instead.
func (q *taskQueue) abandon(kind TaskKind, w *taskWaiter) *TaskMessage {
	q.mu.Lock()
	ws := q.waiters[kind]
	for i, cand := range ws {
		if cand == w {
			q.waiters[kind] = append(ws[:i], ws[i+1:]...)
			q.mu.Unlock()
			return nil
		}
	}
	q.mu.Unlock()

	select {
	case task := <-w.ch:
		return task
	default:
		return nil
	}
}

// Depth reports how many tasks of a kind sit unclaimed.
func (q *taskQueue) Depth(kind TaskKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[kind])
}

// Parked reports how many pollers wait on a kind.
func (q *taskQueue) Parked(kind TaskKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters[kind])
}

func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.shutdown)
	for kind := range q.waiters {
		q.waiters[kind] = nil
	}
	for kind := range q.pending {
		q.pending[kind] = nil
	}
}

// queueSet tracks the live dispatch queues by name.
type queueSet struct {
	mu     deadlock.RWMutex
	queues map[string]*taskQueue
	closed bool
}

func newQueueSet() *queueSet {
	return &queueSet{
		queues: make(map[string]*taskQueue),
	}
}

func (s *queueSet) getOrCreate(name string) (*taskQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrQueueShutdown
	}
	q, ok := s.queues[name]
	if !ok {
		q = newTaskQueue(name)
		s.queues[name] = q
	}
	return q, nil
}

func (s *queueSet) get(name string) (*taskQueue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[name]
	return q, ok
}

func (s *queueSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, q := range s.queues {
		q.Close()
	}
}
