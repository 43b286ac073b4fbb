package flowlite

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

type HandlerIdentity string

func (h HandlerIdentity) String() string {
	return string(h)
}

type HandlerInfo struct {
	HandlerName     string
	HandlerLongName HandlerIdentity
	Handler         interface{}
	ParamsKinds     []reflect.Kind
	ParamTypes      []reflect.Type
	ReturnTypes     []reflect.Type
	ReturnKinds     []reflect.Kind
	NumIn           int
	NumOut          int
}

// Registry holds the workflow and activity types a worker may execute. Tasks
// for types outside the registry fail non-retryably.
type Registry struct {
	workflows  map[string]HandlerInfo
	activities map[string]HandlerInfo
	mu         sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]HandlerInfo),
		activities: make(map[string]HandlerInfo),
	}
}

// RegisterWorkflow validates and records a workflow function: first parameter
// WorkflowContext, last return error. Registering the same function twice
// returns the existing handler.
func (r *Registry) RegisterWorkflow(workflowFunc interface{}) (HandlerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t := reflect.TypeOf(workflowFunc); t == nil || t.Kind() != reflect.Func {
		return HandlerInfo{}, errors.Join(ErrRegistry, fmt.Errorf("workflow must be a function, got %T", workflowFunc))
	}

	funcName := getFunctionName(workflowFunc)
	if handler, ok := r.workflows[funcName]; ok {
		return handler, nil
	}

	handler, err := buildHandler(workflowFunc, reflect.TypeOf(WorkflowContext{}), "workflow")
	if err != nil {
		return HandlerInfo{}, errors.Join(ErrRegistry, err)
	}

	r.workflows[funcName] = handler
	return handler, nil
}

// RegisterActivity validates and records an activity function: first parameter
// ActivityContext, last return error.
func (r *Registry) RegisterActivity(activityFunc interface{}) (HandlerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t := reflect.TypeOf(activityFunc); t == nil || t.Kind() != reflect.Func {
		return HandlerInfo{}, errors.Join(ErrRegistry, fmt.Errorf("activity must be a function, got %T", activityFunc))
	}

	funcName := getFunctionName(activityFunc)
	if handler, ok := r.activities[funcName]; ok {
		return handler, nil
	}

	handler, err := buildHandler(activityFunc, reflect.TypeOf(ActivityContext{}), "activity")
	if err != nil {
		return HandlerInfo{}, errors.Join(ErrRegistry, err)
	}

	r.activities[funcName] = handler
	return handler, nil
}

func (r *Registry) GetWorkflow(name string) (HandlerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workflows[name]
	return h, ok
}

func (r *Registry) GetActivity(name string) (HandlerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.activities[name]
	return h, ok
}

func (r *Registry) WorkflowNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		names = append(names, n)
	}
	return names
}

func (r *Registry) ActivityNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.activities))
	for n := range r.activities {
		names = append(names, n)
	}
	return names
}

func buildHandler(fn interface{}, contextType reflect.Type, kind string) (HandlerInfo, error) {
	handlerType := reflect.TypeOf(fn)
	if handlerType == nil || handlerType.Kind() != reflect.Func {
		return HandlerInfo{}, fmt.Errorf("%s must be a function", kind)
	}

	if handlerType.NumIn() < 1 {
		return HandlerInfo{}, fmt.Errorf("%s function must have at least one input parameter (%s)", kind, contextType.Name())
	}

	if handlerType.In(0) != contextType {
		return HandlerInfo{}, fmt.Errorf("first parameter of %s function must be %s", kind, contextType.Name())
	}

	paramsKinds := []reflect.Kind{}
	paramTypes := []reflect.Type{}
	for i := 1; i < handlerType.NumIn(); i++ {
		paramTypes = append(paramTypes, handlerType.In(i))
		paramsKinds = append(paramsKinds, handlerType.In(i).Kind())
	}

	numOut := handlerType.NumOut()
	if numOut == 0 {
		return HandlerInfo{}, fmt.Errorf("%s function must return at least an error", kind)
	}

	returnKinds := []reflect.Kind{}
	returnTypes := []reflect.Type{}
	for i := 0; i < numOut-1; i++ {
		returnTypes = append(returnTypes, handlerType.Out(i))
		returnKinds = append(returnKinds, handlerType.Out(i).Kind())
	}

	if handlerType.Out(numOut-1) != reflect.TypeOf((*error)(nil)).Elem() {
		return HandlerInfo{}, fmt.Errorf("last return value of %s function must be error", kind)
	}

	funcName := getFunctionName(fn)

	return HandlerInfo{
		HandlerName:     funcName,
		HandlerLongName: HandlerIdentity(runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()),
		Handler:         fn,
		ParamTypes:      paramTypes,
		ParamsKinds:     paramsKinds,
		ReturnTypes:     returnTypes,
		ReturnKinds:     returnKinds,
		NumIn:           handlerType.NumIn() - 1,
		NumOut:          numOut - 1,
	}, nil
}

// getFunctionName returns the bare function name. Type names must match
// between the process that submits by name and the process that registered
// the function, so the package path is stripped.
func getFunctionName(i interface{}) string {
	full := runtime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
	if idx := strings.LastIndex(full, "."); idx >= 0 {
		full = full[idx+1:]
	}
	return strings.TrimSuffix(full, "-fm")
}

// resolveTypeName accepts either a registered function or a string type name.
func resolveTypeName(workflow interface{}) (string, error) {
	switch v := workflow.(type) {
	case string:
		if v == "" {
			return "", errors.Join(ErrRegistry, fmt.Errorf("empty workflow type name"))
		}
		return v, nil
	default:
		t := reflect.TypeOf(workflow)
		if t == nil || t.Kind() != reflect.Func {
			return "", errors.Join(ErrRegistry, fmt.Errorf("workflow must be a function or a type name, got %T", workflow))
		}
		return getFunctionName(workflow), nil
	}
}
