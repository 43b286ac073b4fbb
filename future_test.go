package flowlite

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestFutureGetBlocksUntilResolved(t *testing.T) {
	f := newFuture()
	f.setExecutionID("exec-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.setResult([]interface{}{"done"})
	}()

	var out string
	start := time.Now()
	if err := f.Get(&out); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if out != "done" {
		t.Fatalf("wrong result: %q", out)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("get returned before the future resolved")
	}
	if f.ExecutionID() != "exec-1" {
		t.Fatalf("execution id lost: %q", f.ExecutionID())
	}
}

func TestFutureFirstCompletionWins(t *testing.T) {
	f := newFuture()
	f.setError(errors.Join(ErrActivityTimeout, fmt.Errorf("too slow")))
	f.setResult([]interface{}{"late result"})

	err := f.Get()
	if err == nil {
		t.Fatal("expected the first completion, an error")
	}
	if !errors.Is(err, ErrActivityTimeout) {
		t.Fatalf("wrong error kind: %v", err)
	}
}

func TestFutureDecodesPayloads(t *testing.T) {
	payloads, err := convertArgsForSerialization([]interface{}{"pong"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	f := newFuture()
	f.setPayloads(payloads)

	var body string
	if err := f.Get(&body); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if body != "pong" {
		t.Fatalf("wrong decoded result: %q", body)
	}
}

func TestFutureGetResultsNeedsReturnTypes(t *testing.T) {
	payloads, err := convertArgsForSerialization([]interface{}{"pong"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	f := newFuture()
	f.setPayloads(payloads)
	if _, err := f.GetResults(); !errors.Is(err, ErrGetResults) {
		t.Fatalf("expected ErrGetResults without return types, got %v", err)
	}

	g := newFuture()
	g.setReturnTypes([]reflect.Type{reflect.TypeOf("")})
	g.setPayloads(payloads)
	results, err := g.GetResults()
	if err != nil {
		t.Fatalf("get results failed: %v", err)
	}
	if len(results) != 1 || results[0].(string) != "pong" {
		t.Fatalf("wrong results: %v", results)
	}
}

func TestFutureGetRejectsNonPointer(t *testing.T) {
	f := newFuture()
	f.setResult([]interface{}{"x"})

	if err := f.Get("not a pointer"); !errors.Is(err, ErrMustPointer) {
		t.Fatalf("expected pointer requirement, got %v", err)
	}
}

func TestFutureGetWithoutOutputsReportsOnlyError(t *testing.T) {
	f := newFuture()
	f.setResult([]interface{}{"ignored"})
	if err := f.Get(); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	g := newFuture()
	g.setError(fmt.Errorf("went wrong"))
	if err := g.Get(); err == nil {
		t.Fatal("expected the stored error")
	}
}
