package flowlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/davidroman0O/comfylite3"
	"github.com/sasha-s/go-deadlock"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queues (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id            TEXT PRIMARY KEY,
	workflow_type TEXT NOT NULL,
	task_queue    TEXT NOT NULL,
	status        TEXT NOT NULL,
	input         BLOB,
	result        BLOB,
	failure       BLOB,
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_workflow_executions_task_queue
	ON workflow_executions (task_queue);

CREATE TABLE IF NOT EXISTS activity_invocations (
	execution_id      TEXT NOT NULL REFERENCES workflow_executions (id),
	seq               INTEGER NOT NULL,
	activity_type     TEXT NOT NULL,
	input             BLOB,
	start_to_close_ms INTEGER NOT NULL,
	status            TEXT NOT NULL,
	result            BLOB,
	failure           BLOB,
	worker_id         TEXT,
	scheduled_at      TIMESTAMP NOT NULL,
	started_at        TIMESTAMP,
	completed_at      TIMESTAMP,
	PRIMARY KEY (execution_id, seq)
);
`

// SQLiteDatabase persists through comfylite3, which schedules every write
// onto one SQLite connection so concurrent broker goroutines never trip over
// SQLITE_BUSY. An empty path opens an in-memory database.
type SQLiteDatabase struct {
	ctx   context.Context
	comfy *comfylite3.ComfyDB
	db    *sql.DB
	mu    deadlock.RWMutex
}

func NewSQLiteDatabase(ctx context.Context, path string) (*SQLiteDatabase, error) {
	comfyOptions := []comfylite3.ComfyOption{}
	if path == "" {
		logger.Debug(ctx, "Memory database option")
		comfyOptions = append(comfyOptions, comfylite3.WithMemory())
	} else {
		logger.Debug(ctx, "Database got a path", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Join(ErrInternal, err)
		}
		comfyOptions = append(comfyOptions, comfylite3.WithPath(path))
	}

	comfy, err := comfylite3.New(comfyOptions...)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)

	s := &SQLiteDatabase{
		ctx:   ctx,
		comfy: comfy,
		db:    db,
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		comfy.Close()
		return nil, errors.Join(ErrInternal, err)
	}

	// if not exists, create default queue
	if err := s.AddQueue(&Queue{Name: DefaultQueue}); err != nil && !errors.Is(err, ErrQueueExists) {
		db.Close()
		comfy.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteDatabase) AddQueue(queue *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(s.ctx, `SELECT 1 FROM queues WHERE name = ?`, queue.Name).Scan(&one)
	if err == nil {
		return ErrQueueExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errors.Join(ErrInternal, err)
	}

	if queue.CreatedAt.IsZero() {
		queue.CreatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(s.ctx, `INSERT INTO queues (name, created_at) VALUES (?, ?)`, queue.Name, queue.CreatedAt); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (s *SQLiteDatabase) GetQueue(name string) (*Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var queue Queue
	err := s.db.QueryRowContext(s.ctx, `SELECT name, created_at FROM queues WHERE name = ?`, name).Scan(&queue.Name, &queue.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	return &queue, nil
}

func (s *SQLiteDatabase) ListQueues() ([]*Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(s.ctx, `SELECT name, created_at FROM queues ORDER BY name`)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	defer rows.Close()

	queues := make([]*Queue, 0)
	for rows.Next() {
		var queue Queue
		if err := rows.Scan(&queue.Name, &queue.CreatedAt); err != nil {
			return nil, errors.Join(ErrInternal, err)
		}
		queues = append(queues, &queue)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	return queues, nil
}

func (s *SQLiteDatabase) AddWorkflowExecution(exec *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(s.ctx, `SELECT 1 FROM workflow_executions WHERE id = ?`, exec.ID).Scan(&one)
	if err == nil {
		return ErrExecutionExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errors.Join(ErrInternal, err)
	}

	if exec.Status == "" {
		exec.Status = StatusScheduled
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}

	input, err := encodePayloadsBlob(exec.Input)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(s.ctx,
		`INSERT INTO workflow_executions (id, workflow_type, task_queue, status, input, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowType, exec.TaskQueue, exec.Status, input, exec.CreatedAt); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

const selectWorkflowExecution = `SELECT id, workflow_type, task_queue, status, input, result, failure, created_at, started_at, completed_at FROM workflow_executions`

func (s *SQLiteDatabase) GetWorkflowExecution(id string) (*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWorkflowExecution(id)
}

func (s *SQLiteDatabase) getWorkflowExecution(id string) (*WorkflowExecution, error) {
	row := s.db.QueryRowContext(s.ctx, selectWorkflowExecution+` WHERE id = ?`, id)
	exec, err := scanWorkflowExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (s *SQLiteDatabase) MarkWorkflowExecutionRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, err := s.getWorkflowExecution(id)
	if err != nil {
		return err
	}
	if err := checkExecutionTransition(exec, StatusRunning); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(s.ctx,
		`UPDATE workflow_executions SET status = ?, started_at = ? WHERE id = ?`,
		StatusRunning, time.Now(), id); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (s *SQLiteDatabase) CompleteWorkflowExecution(id string, results [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, err := s.getWorkflowExecution(id)
	if err != nil {
		return err
	}
	if err := checkExecutionTransition(exec, StatusCompleted); err != nil {
		return err
	}
	result, err := encodePayloadsBlob(results)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(s.ctx,
		`UPDATE workflow_executions SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		StatusCompleted, result, time.Now(), id); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (s *SQLiteDatabase) FailWorkflowExecution(id string, failure *Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, err := s.getWorkflowExecution(id)
	if err != nil {
		return err
	}
	if err := checkExecutionTransition(exec, StatusFailed); err != nil {
		return err
	}
	blob, err := encodeFailureBlob(failure)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(s.ctx,
		`UPDATE workflow_executions SET status = ?, failure = ?, completed_at = ? WHERE id = ?`,
		StatusFailed, blob, time.Now(), id); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListWorkflowExecutions(taskQueue string) ([]*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectWorkflowExecution + ` ORDER BY created_at, id`
	args := []interface{}{}
	if taskQueue != "" {
		query = selectWorkflowExecution + ` WHERE task_queue = ? ORDER BY created_at, id`
		args = append(args, taskQueue)
	}

	rows, err := s.db.QueryContext(s.ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	defer rows.Close()

	executions := make([]*WorkflowExecution, 0)
	for rows.Next() {
		exec, err := scanWorkflowExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	return executions, nil
}

func (s *SQLiteDatabase) AddActivityInvocation(inv *ActivityInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(s.ctx, `SELECT 1 FROM activity_invocations WHERE execution_id = ? AND seq = ?`, inv.ExecutionID, inv.Seq).Scan(&one)
	if err == nil {
		return ErrInvocationExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errors.Join(ErrInternal, err)
	}

	if _, err := s.getWorkflowExecution(inv.ExecutionID); err != nil {
		return err
	}

	if inv.Status == "" {
		inv.Status = InvocationScheduled
	}
	if inv.ScheduledAt.IsZero() {
		inv.ScheduledAt = time.Now()
	}

	input, err := encodePayloadsBlob(inv.Input)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(s.ctx,
		`INSERT INTO activity_invocations (execution_id, seq, activity_type, input, start_to_close_ms, status, scheduled_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ExecutionID, inv.Seq, inv.ActivityType, input, inv.StartToClose.Milliseconds(), inv.Status, inv.ScheduledAt); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

const selectActivityInvocation = `SELECT execution_id, seq, activity_type, input, start_to_close_ms, status, result, failure, worker_id, scheduled_at, started_at, completed_at FROM activity_invocations`

func (s *SQLiteDatabase) GetActivityInvocation(executionID string, seq int) (*ActivityInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getActivityInvocation(executionID, seq)
}

func (s *SQLiteDatabase) getActivityInvocation(executionID string, seq int) (*ActivityInvocation, error) {
	row := s.db.QueryRowContext(s.ctx, selectActivityInvocation+` WHERE execution_id = ? AND seq = ?`, executionID, seq)
	inv, err := scanActivityInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvocationNotFound
	}
	return inv, err
}

func (s *SQLiteDatabase) MarkActivityInvocationRunning(executionID string, seq int, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.getActivityInvocation(executionID, seq)
	if err != nil {
		return err
	}
	if err := checkInvocationTransition(inv, InvocationRunning); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(s.ctx,
		`UPDATE activity_invocations SET status = ?, worker_id = ?, started_at = ? WHERE execution_id = ? AND seq = ?`,
		InvocationRunning, workerID, time.Now(), executionID, seq); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (s *SQLiteDatabase) CompleteActivityInvocation(executionID string, seq int, results [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.getActivityInvocation(executionID, seq)
	if err != nil {
		return err
	}
	if err := checkInvocationTransition(inv, InvocationCompleted); err != nil {
		return err
	}
	result, err := encodePayloadsBlob(results)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(s.ctx,
		`UPDATE activity_invocations SET status = ?, result = ?, completed_at = ? WHERE execution_id = ? AND seq = ?`,
		InvocationCompleted, result, time.Now(), executionID, seq); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (s *SQLiteDatabase) FailActivityInvocation(executionID string, seq int, failure *Failure) error {
	return s.finishActivityInvocation(executionID, seq, InvocationFailed, failure)
}

func (s *SQLiteDatabase) TimeoutActivityInvocation(executionID string, seq int, failure *Failure) error {
	return s.finishActivityInvocation(executionID, seq, InvocationTimedOut, failure)
}

func (s *SQLiteDatabase) finishActivityInvocation(executionID string, seq int, status InvocationStatus, failure *Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.getActivityInvocation(executionID, seq)
	if err != nil {
		return err
	}
	if err := checkInvocationTransition(inv, status); err != nil {
		return err
	}
	blob, err := encodeFailureBlob(failure)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(s.ctx,
		`UPDATE activity_invocations SET status = ?, failure = ?, completed_at = ? WHERE execution_id = ? AND seq = ?`,
		status, blob, time.Now(), executionID, seq); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListActivityInvocations(executionID string) ([]*ActivityInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(s.ctx, selectActivityInvocation+` WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	defer rows.Close()

	invocations := make([]*ActivityInvocation, 0)
	for rows.Next() {
		inv, err := scanActivityInvocation(rows)
		if err != nil {
			return nil, err
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	return invocations, nil
}

func (s *SQLiteDatabase) Close() error {
	if err := s.db.Close(); err != nil {
		s.comfy.Close()
		return err
	}
	s.comfy.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflowExecution(row rowScanner) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	var input, result, failure []byte
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&exec.ID, &exec.WorkflowType, &exec.TaskQueue, &exec.Status,
		&input, &result, &failure, &exec.CreatedAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Join(ErrInternal, err)
	}

	var err error
	if exec.Input, err = decodePayloadsBlob(input); err != nil {
		return nil, err
	}
	if exec.Result, err = decodePayloadsBlob(result); err != nil {
		return nil, err
	}
	if exec.Failure, err = decodeFailureBlob(failure); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		exec.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = completedAt.Time
	}
	return &exec, nil
}

func scanActivityInvocation(row rowScanner) (*ActivityInvocation, error) {
	var inv ActivityInvocation
	var input, result, failure []byte
	var startToCloseMs int64
	var workerID sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&inv.ExecutionID, &inv.Seq, &inv.ActivityType, &input, &startToCloseMs,
		&inv.Status, &result, &failure, &workerID, &inv.ScheduledAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Join(ErrInternal, err)
	}

	var err error
	if inv.Input, err = decodePayloadsBlob(input); err != nil {
		return nil, err
	}
	if inv.Result, err = decodePayloadsBlob(result); err != nil {
		return nil, err
	}
	if inv.Failure, err = decodeFailureBlob(failure); err != nil {
		return nil, err
	}
	inv.StartToClose = time.Duration(startToCloseMs) * time.Millisecond
	if workerID.Valid {
		inv.WorkerID = workerID.String
	}
	if startedAt.Valid {
		inv.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		inv.CompletedAt = completedAt.Time
	}
	return &inv, nil
}

func encodePayloadsBlob(payloads [][]byte) ([]byte, error) {
	if payloads == nil {
		return nil, nil
	}
	data, err := json.Marshal(payloads)
	if err != nil {
		return nil, errors.Join(ErrEncoding, err)
	}
	return data, nil
}

func decodePayloadsBlob(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var payloads [][]byte
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, errors.Join(ErrDecoding, err)
	}
	return payloads, nil
}

func encodeFailureBlob(failure *Failure) ([]byte, error) {
	if failure == nil {
		return nil, nil
	}
	data, err := json.Marshal(failure)
	if err != nil {
		return nil, errors.Join(ErrEncoding, err)
	}
	return data, nil
}

func decodeFailureBlob(data []byte) (*Failure, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var failure Failure
	if err := json.Unmarshal(data, &failure); err != nil {
		return nil, errors.Join(ErrDecoding, err)
	}
	return &failure, nil
}
