package interceptors

import (
	"context"
	"fmt"

	"github.com/glimte/shelfbridge/actions"
	"github.com/glimte/shelfbridge/contracts"
)

// ActionFilter decides whether a request may reach its action
type ActionFilter interface {
	// ShouldProcess returns true if the request should be dispatched
	ShouldProcess(ctx context.Context, req *contracts.RequestMessage) (bool, error)
}

// ActionFilterFunc is a function adapter for ActionFilter
type ActionFilterFunc func(ctx context.Context, req *contracts.RequestMessage) (bool, error)

// ShouldProcess implements ActionFilter
func (f ActionFilterFunc) ShouldProcess(ctx context.Context, req *contracts.RequestMessage) (bool, error) {
	return f(ctx, req)
}

// AllowActions passes only the named actions
func AllowActions(names ...string) ActionFilter {
	set := toSet(names)
	return ActionFilterFunc(func(_ context.Context, req *contracts.RequestMessage) (bool, error) {
		_, ok := set[req.Action]
		return ok, nil
	})
}

// DenyActions passes every action except the named ones
func DenyActions(names ...string) ActionFilter {
	set := toSet(names)
	return ActionFilterFunc(func(_ context.Context, req *contracts.RequestMessage) (bool, error) {
		_, denied := set[req.Action]
		return !denied, nil
	})
}

// ReadOnly passes actions whose name starts with "get_"
func ReadOnly() ActionFilter {
	return ActionFilterFunc(func(_ context.Context, req *contracts.RequestMessage) (bool, error) {
		return len(req.Action) > 4 && req.Action[:4] == "get_", nil
	})
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// FilteringInterceptor answers filtered requests with a business error
// instead of running the action
type FilteringInterceptor struct {
	filter ActionFilter
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter ActionFilter) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, req *contracts.RequestMessage, next Handler) (*actions.Result, error) {
	process, err := i.filter.ShouldProcess(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}
	if !process {
		return nil, &actions.BusinessError{
			Code:    contracts.CodeBusiness,
			Message: fmt.Sprintf("Action %s is disabled", req.Action),
			Details: map[string]any{"action": req.Action},
		}
	}
	return next.Handle(ctx, req)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}
