package flowlite

import (
	"errors"
	"reflect"
	"testing"
)

func regOrderWorkflow(ctx WorkflowContext, id string, qty int) (string, error) {
	return id, nil
}

func regNoInputWorkflow(ctx WorkflowContext) error {
	return nil
}

func regFetchActivity(ctx ActivityContext, url string) (string, error) {
	return url, nil
}

func regMissingContext(id string) (string, error) {
	return id, nil
}

func regWrongContext(ctx ActivityContext, id string) (string, error) {
	return id, nil
}

func regNoReturn(ctx WorkflowContext) {
}

func regNoError(ctx WorkflowContext) string {
	return ""
}

func TestRegistryRegisterWorkflow(t *testing.T) {
	r := NewRegistry()

	handler, err := r.RegisterWorkflow(regOrderWorkflow)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if handler.HandlerName != "regOrderWorkflow" {
		t.Fatalf("wrong handler name: %q", handler.HandlerName)
	}
	if handler.NumIn != 2 || handler.NumOut != 1 {
		t.Fatalf("wrong arity: in=%d out=%d", handler.NumIn, handler.NumOut)
	}
	if handler.ParamTypes[0] != reflect.TypeOf("") || handler.ParamTypes[1] != reflect.TypeOf(0) {
		t.Fatalf("wrong param types: %v", handler.ParamTypes)
	}
	if handler.ReturnTypes[0] != reflect.TypeOf("") {
		t.Fatalf("wrong return types: %v", handler.ReturnTypes)
	}

	got, ok := r.GetWorkflow("regOrderWorkflow")
	if !ok {
		t.Fatal("registered workflow not found")
	}
	if got.HandlerName != handler.HandlerName {
		t.Fatalf("lookup returned different handler: %q", got.HandlerName)
	}
}

func TestRegistryDuplicateReturnsExisting(t *testing.T) {
	r := NewRegistry()

	first, err := r.RegisterWorkflow(regNoInputWorkflow)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	second, err := r.RegisterWorkflow(regNoInputWorkflow)
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if first.HandlerLongName != second.HandlerLongName {
		t.Fatal("duplicate registration returned a different handler")
	}
	if len(r.WorkflowNames()) != 1 {
		t.Fatalf("duplicate created a second entry: %v", r.WorkflowNames())
	}
}

func TestRegistryRejectsBadSignatures(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		name string
		fn   interface{}
	}{
		{"not a function", 42},
		{"nil", nil},
		{"missing context", regMissingContext},
		{"wrong context type", regWrongContext},
		{"no return values", regNoReturn},
		{"missing trailing error", regNoError},
	}
	for _, tc := range cases {
		if _, err := r.RegisterWorkflow(tc.fn); !errors.Is(err, ErrRegistry) {
			t.Fatalf("%s: expected ErrRegistry, got %v", tc.name, err)
		}
	}

	// activity validation mirrors workflow validation with its own context
	if _, err := r.RegisterActivity(regNoInputWorkflow); !errors.Is(err, ErrRegistry) {
		t.Fatal("activity with workflow context accepted")
	}
	if len(r.WorkflowNames()) != 0 || len(r.ActivityNames()) != 0 {
		t.Fatal("rejected handlers must not be recorded")
	}
}

func TestRegistryActivityLookup(t *testing.T) {
	r := NewRegistry()

	if _, err := r.RegisterActivity(regFetchActivity); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok := r.GetActivity("regFetchActivity"); !ok {
		t.Fatal("registered activity not found")
	}
	if _, ok := r.GetActivity("Unknown"); ok {
		t.Fatal("unknown activity reported present")
	}
	if _, ok := r.GetWorkflow("regFetchActivity"); ok {
		t.Fatal("activity leaked into the workflow namespace")
	}
}

func TestResolveTypeName(t *testing.T) {
	name, err := resolveTypeName(regOrderWorkflow)
	if err != nil {
		t.Fatalf("resolve from function failed: %v", err)
	}
	if name != "regOrderWorkflow" {
		t.Fatalf("wrong name from function: %q", name)
	}

	name, err = resolveTypeName("ExplicitName")
	if err != nil {
		t.Fatalf("resolve from string failed: %v", err)
	}
	if name != "ExplicitName" {
		t.Fatalf("wrong name from string: %q", name)
	}

	if _, err := resolveTypeName(""); !errors.Is(err, ErrRegistry) {
		t.Fatalf("empty name accepted: %v", err)
	}
	if _, err := resolveTypeName(struct{}{}); !errors.Is(err, ErrRegistry) {
		t.Fatalf("non-function accepted: %v", err)
	}
}
