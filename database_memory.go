package flowlite

import (
	"errors"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
)

const (
	tableQueues      = "queues"
	tableExecutions  = "executions"
	tableInvocations = "invocations"

	idIndex        = "id"
	queueIndex     = "queue"
	executionIndex = "execution"
)

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableQueues: {
				Name: tableQueues,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			tableExecutions: {
				Name: tableExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					queueIndex: {
						Name:    queueIndex,
						Indexer: &memdb.StringFieldIndex{Field: "TaskQueue"},
					},
				},
			},
			tableInvocations: {
				Name: tableInvocations,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:   idIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "ExecutionID"},
								&memdb.IntFieldIndex{Field: "Seq"},
							},
						},
					},
					executionIndex: {
						Name:    executionIndex,
						Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"},
					},
				},
			},
		},
	}
}

// MemoryDatabase is the default store, backed by hashicorp/go-memdb. Objects
// inside memdb are immutable once inserted, so every read copies out and
// every update inserts a fresh copy built under a write transaction.
type MemoryDatabase struct {
	db *memdb.MemDB
}

// NewMemoryDatabase initializes a new memory database with the default queue.
func NewMemoryDatabase() (*MemoryDatabase, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	m := &MemoryDatabase{db: db}

	txn := db.Txn(true)
	if err := txn.Insert(tableQueues, &Queue{Name: DefaultQueue, CreatedAt: time.Now()}); err != nil {
		txn.Abort()
		return nil, errors.Join(ErrInternal, err)
	}
	txn.Commit()

	return m, nil
}

func (db *MemoryDatabase) AddQueue(queue *Queue) error {
	txn := db.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableQueues, idIndex, queue.Name)
	if err != nil {
		return errors.Join(ErrInternal, err)
	}
	if raw != nil {
		return ErrQueueExists
	}

	if queue.CreatedAt.IsZero() {
		queue.CreatedAt = time.Now()
	}
	if err := txn.Insert(tableQueues, copyQueue(queue)); err != nil {
		return errors.Join(ErrInternal, err)
	}

	txn.Commit()
	return nil
}

func (db *MemoryDatabase) GetQueue(name string) (*Queue, error) {
	txn := db.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableQueues, idIndex, name)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	if raw == nil {
		return nil, ErrQueueNotFound
	}
	return copyQueue(raw.(*Queue)), nil
}

func (db *MemoryDatabase) ListQueues() ([]*Queue, error) {
	txn := db.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableQueues, idIndex)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}

	queues := make([]*Queue, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		queues = append(queues, copyQueue(raw.(*Queue)))
	}
	return queues, nil
}

func (db *MemoryDatabase) AddWorkflowExecution(exec *WorkflowExecution) error {
	txn := db.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, idIndex, exec.ID)
	if err != nil {
		return errors.Join(ErrInternal, err)
	}
	if raw != nil {
		return ErrExecutionExists
	}

	if exec.Status == "" {
		exec.Status = StatusScheduled
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	if err := txn.Insert(tableExecutions, copyWorkflowExecution(exec)); err != nil {
		return errors.Join(ErrInternal, err)
	}

	txn.Commit()
	return nil
}

func (db *MemoryDatabase) GetWorkflowExecution(id string) (*WorkflowExecution, error) {
	txn := db.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, idIndex, id)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	if raw == nil {
		return nil, ErrExecutionNotFound
	}
	return copyWorkflowExecution(raw.(*WorkflowExecution)), nil
}

// updateWorkflowExecution applies mutate to a fresh copy of the stored row
// and swaps it in, all under one write transaction.
func (db *MemoryDatabase) updateWorkflowExecution(id string, mutate func(*WorkflowExecution) error) error {
	txn := db.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, idIndex, id)
	if err != nil {
		return errors.Join(ErrInternal, err)
	}
	if raw == nil {
		return ErrExecutionNotFound
	}

	updated := copyWorkflowExecution(raw.(*WorkflowExecution))
	if err := mutate(updated); err != nil {
		return err
	}
	if err := txn.Insert(tableExecutions, updated); err != nil {
		return errors.Join(ErrInternal, err)
	}

	txn.Commit()
	return nil
}

func (db *MemoryDatabase) MarkWorkflowExecutionRunning(id string) error {
	return db.updateWorkflowExecution(id, func(exec *WorkflowExecution) error {
		if err := checkExecutionTransition(exec, StatusRunning); err != nil {
			return err
		}
		exec.Status = StatusRunning
		exec.StartedAt = time.Now()
		return nil
	})
}

func (db *MemoryDatabase) CompleteWorkflowExecution(id string, results [][]byte) error {
	return db.updateWorkflowExecution(id, func(exec *WorkflowExecution) error {
		if err := checkExecutionTransition(exec, StatusCompleted); err != nil {
			return err
		}
		exec.Status = StatusCompleted
		exec.Result = copyPayloads(results)
		exec.CompletedAt = time.Now()
		return nil
	})
}

func (db *MemoryDatabase) FailWorkflowExecution(id string, failure *Failure) error {
	return db.updateWorkflowExecution(id, func(exec *WorkflowExecution) error {
		if err := checkExecutionTransition(exec, StatusFailed); err != nil {
			return err
		}
		exec.Status = StatusFailed
		exec.Failure = copyFailure(failure)
		exec.CompletedAt = time.Now()
		return nil
	})
}

func (db *MemoryDatabase) ListWorkflowExecutions(taskQueue string) ([]*WorkflowExecution, error) {
	txn := db.db.Txn(false)
	defer txn.Abort()

	var it memdb.ResultIterator
	var err error
	if taskQueue == "" {
		it, err = txn.Get(tableExecutions, idIndex)
	} else {
		it, err = txn.Get(tableExecutions, queueIndex, taskQueue)
	}
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}

	executions := make([]*WorkflowExecution, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		executions = append(executions, copyWorkflowExecution(raw.(*WorkflowExecution)))
	}
	sort.Slice(executions, func(i, j int) bool {
		if executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].ID < executions[j].ID
		}
		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})
	return executions, nil
}

func (db *MemoryDatabase) AddActivityInvocation(inv *ActivityInvocation) error {
	txn := db.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInvocations, idIndex, inv.ExecutionID, inv.Seq)
	if err != nil {
		return errors.Join(ErrInternal, err)
	}
	if raw != nil {
		return ErrInvocationExists
	}

	// The parent execution must exist so a stray schedule request cannot
	// invent invocations out of thin air.
	parent, err := txn.First(tableExecutions, idIndex, inv.ExecutionID)
	if err != nil {
		return errors.Join(ErrInternal, err)
	}
	if parent == nil {
		return ErrExecutionNotFound
	}

	if inv.Status == "" {
		inv.Status = InvocationScheduled
	}
	if inv.ScheduledAt.IsZero() {
		inv.ScheduledAt = time.Now()
	}
	if err := txn.Insert(tableInvocations, copyActivityInvocation(inv)); err != nil {
		return errors.Join(ErrInternal, err)
	}

	txn.Commit()
	return nil
}

func (db *MemoryDatabase) GetActivityInvocation(executionID string, seq int) (*ActivityInvocation, error) {
	txn := db.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableInvocations, idIndex, executionID, seq)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	if raw == nil {
		return nil, ErrInvocationNotFound
	}
	return copyActivityInvocation(raw.(*ActivityInvocation)), nil
}

func (db *MemoryDatabase) updateActivityInvocation(executionID string, seq int, mutate func(*ActivityInvocation) error) error {
	txn := db.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInvocations, idIndex, executionID, seq)
	if err != nil {
		return errors.Join(ErrInternal, err)
	}
	if raw == nil {
		return ErrInvocationNotFound
	}

	updated := copyActivityInvocation(raw.(*ActivityInvocation))
	if err := mutate(updated); err != nil {
		return err
	}
	if err := txn.Insert(tableInvocations, updated); err != nil {
		return errors.Join(ErrInternal, err)
	}

	txn.Commit()
	return nil
}

func (db *MemoryDatabase) MarkActivityInvocationRunning(executionID string, seq int, workerID string) error {
	return db.updateActivityInvocation(executionID, seq, func(inv *ActivityInvocation) error {
		if err := checkInvocationTransition(inv, InvocationRunning); err != nil {
			return err
		}
		inv.Status = InvocationRunning
		inv.WorkerID = workerID
		inv.StartedAt = time.Now()
		return nil
	})
}

func (db *MemoryDatabase) CompleteActivityInvocation(executionID string, seq int, results [][]byte) error {
	return db.updateActivityInvocation(executionID, seq, func(inv *ActivityInvocation) error {
		if err := checkInvocationTransition(inv, InvocationCompleted); err != nil {
			return err
		}
		inv.Status = InvocationCompleted
		inv.Result = copyPayloads(results)
		inv.CompletedAt = time.Now()
		return nil
	})
}

func (db *MemoryDatabase) FailActivityInvocation(executionID string, seq int, failure *Failure) error {
	return db.updateActivityInvocation(executionID, seq, func(inv *ActivityInvocation) error {
		if err := checkInvocationTransition(inv, InvocationFailed); err != nil {
			return err
		}
		inv.Status = InvocationFailed
		inv.Failure = copyFailure(failure)
		inv.CompletedAt = time.Now()
		return nil
	})
}

func (db *MemoryDatabase) TimeoutActivityInvocation(executionID string, seq int, failure *Failure) error {
	return db.updateActivityInvocation(executionID, seq, func(inv *ActivityInvocation) error {
		if err := checkInvocationTransition(inv, InvocationTimedOut); err != nil {
			return err
		}
		inv.Status = InvocationTimedOut
		inv.Failure = copyFailure(failure)
		inv.CompletedAt = time.Now()
		return nil
	})
}

func (db *MemoryDatabase) ListActivityInvocations(executionID string) ([]*ActivityInvocation, error) {
	txn := db.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableInvocations, executionIndex, executionID)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}

	invocations := make([]*ActivityInvocation, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		invocations = append(invocations, copyActivityInvocation(raw.(*ActivityInvocation)))
	}
	sort.Slice(invocations, func(i, j int) bool {
		return invocations[i].Seq < invocations[j].Seq
	})
	return invocations, nil
}

func (db *MemoryDatabase) Close() error {
	return nil
}
