package flowlite

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Future resolves with the terminal outcome of a workflow execution or an
// activity invocation. Get blocks until then.
type Future interface {
	// Get waits for the terminal state, then decodes results into the given
	// pointers. With no arguments it only reports the terminal error.
	Get(out ...interface{}) error
	// GetResults waits and returns the decoded result values. It needs the
	// result types, so it only works where the handler signature is known;
	// otherwise use Get with typed pointers.
	GetResults() ([]interface{}, error)
	ExecutionID() string

	setExecutionID(id string)
	setError(err error)
	setResult(results []interface{})
	setPayloads(payloads [][]byte)
	setReturnTypes(types []reflect.Type)
}

var ErrGetResults = errors.New("cannot get results")

// runtimeFuture completes either locally (decoded values) or from the wire
// (rtl payloads). First completion wins; later ones are ignored.
type runtimeFuture struct {
	mu          sync.Mutex
	results     []interface{}
	payloads    [][]byte
	returnTypes []reflect.Type
	err         error
	done        chan struct{}
	executionID string
	once        sync.Once
}

func newFuture() *runtimeFuture {
	return &runtimeFuture{
		done: make(chan struct{}),
	}
}

func (f *runtimeFuture) ExecutionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executionID
}

func (f *runtimeFuture) setExecutionID(id string) {
	f.mu.Lock()
	f.executionID = id
	f.mu.Unlock()
}

func (f *runtimeFuture) setReturnTypes(types []reflect.Type) {
	f.mu.Lock()
	f.returnTypes = types
	f.mu.Unlock()
}

func (f *runtimeFuture) setResult(results []interface{}) {
	f.mu.Lock()
	f.results = results
	logger.Debug(context.Background(), "future set results", "future.results", len(results), "future.execution_id", f.executionID)
	f.mu.Unlock()
	f.once.Do(func() {
		close(f.done)
	})
}

func (f *runtimeFuture) setPayloads(payloads [][]byte) {
	f.mu.Lock()
	f.payloads = payloads
	logger.Debug(context.Background(), "future set payloads", "future.payloads", len(payloads), "future.execution_id", f.executionID)
	f.mu.Unlock()
	f.once.Do(func() {
		close(f.done)
	})
}

func (f *runtimeFuture) setError(err error) {
	f.mu.Lock()
	f.err = err
	logger.Debug(context.Background(), "future set error", "future.error", err, "future.execution_id", f.executionID)
	f.mu.Unlock()
	f.once.Do(func() {
		close(f.done)
	})
}

func (f *runtimeFuture) GetResults() ([]interface{}, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	if f.results == nil && f.payloads != nil {
		if f.returnTypes == nil {
			err := errors.Join(ErrGetResults, fmt.Errorf("result types unknown; use Get with typed pointers"))
			logger.Error(context.Background(), err.Error(), "future.execution_id", f.executionID)
			return nil, err
		}
		decoded, err := convertArgsFromSerialization(f.returnTypes, f.payloads)
		if err != nil {
			return nil, errors.Join(ErrGetResults, err)
		}
		f.results = decoded
	}

	// Return a copy of results to prevent modification
	results := make([]interface{}, len(f.results))
	copy(results, f.results)

	return results, nil
}

func (f *runtimeFuture) Get(out ...interface{}) error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	if len(out) == 0 {
		return nil
	}

	if f.results == nil && f.payloads != nil {
		if err := convertResultsIntoPointers(f.payloads, out...); err != nil {
			err := errors.Join(ErrGetResults, err)
			logger.Error(context.Background(), err.Error(), "future.execution_id", f.executionID)
			return err
		}
		return nil
	}

	if len(out) > len(f.results) {
		err := errors.Join(ErrGetResults, fmt.Errorf("number of outputs (%d) exceeds number of results (%d)", len(out), len(f.results)))
		logger.Error(context.Background(), err.Error(), "future.execution_id", f.executionID)
		return err
	}

	for i := 0; i < len(out); i++ {
		val := reflect.ValueOf(out[i])
		if val.Kind() != reflect.Ptr {
			err := errors.Join(ErrGetResults, ErrMustPointer)
			logger.Error(context.Background(), err.Error(), "future.execution_id", f.executionID)
			return err
		}
		val = val.Elem()

		result := reflect.ValueOf(f.results[i])
		if !result.Type().AssignableTo(val.Type()) {
			err := errors.Join(ErrGetResults, fmt.Errorf("cannot assign type %v to %v for parameter %d", result.Type(), val.Type(), i))
			logger.Error(context.Background(), err.Error(), "future.execution_id", f.executionID)
			return err
		}

		val.Set(result)
	}

	return nil
}
