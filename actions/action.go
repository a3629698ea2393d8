package actions

import (
	"context"
	"fmt"
	"sort"

	"github.com/glimte/shelfbridge/contracts"
)

// Result is the successful outcome of an action
type Result struct {
	Data       contracts.Payload
	Pagination *contracts.Pagination
}

// Object returns a result holding a single object
func Object(obj map[string]any) *Result {
	return &Result{Data: contracts.ObjectPayload(obj)}
}

// List returns a result holding a page of objects
func List(items []map[string]any, pagination *contracts.Pagination) *Result {
	return &Result{Data: contracts.ListPayload(items), Pagination: pagination}
}

// Action executes one named operation. Implementations return a
// *BusinessError or *ValidationError for expected failures; any other
// error is treated as unexpected and retried by the dispatcher.
type Action interface {
	Execute(ctx context.Context, data map[string]any, version, fields string) (*Result, error)
}

// Func adapts a function to the Action interface
type Func func(ctx context.Context, data map[string]any, version, fields string) (*Result, error)

// Execute implements Action
func (f Func) Execute(ctx context.Context, data map[string]any, version, fields string) (*Result, error) {
	return f(ctx, data, version, fields)
}

// Registry maps action names to actions. It is built once and never
// modified, so it is safe for concurrent use.
type Registry struct {
	actions map[string]Action
	names   []string
}

// NewRegistry copies actions into a new registry
func NewRegistry(actions map[string]Action) *Registry {
	r := &Registry{
		actions: make(map[string]Action, len(actions)),
		names:   make([]string, 0, len(actions)),
	}
	for name, action := range actions {
		if action == nil {
			continue
		}
		r.actions[name] = action
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// Lookup returns the action registered under name
func (r *Registry) Lookup(name string) (Action, bool) {
	action, ok := r.actions[name]
	return action, ok
}

// Names returns the registered action names in sorted order
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of registered actions
func (r *Registry) Len() int {
	return len(r.actions)
}

// Dispatch runs the action named by req
func (r *Registry) Dispatch(ctx context.Context, req *contracts.RequestMessage) (*Result, error) {
	action, ok := r.Lookup(req.Action)
	if !ok {
		return nil, &ValidationError{Field: "action", Message: fmt.Sprintf("Unknown action: %s", req.Action)}
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}

	result, err := action.Execute(ctx, data, req.Version, req.Fields)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = Object(map[string]any{})
	}
	return result, nil
}
