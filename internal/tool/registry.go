package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/forgeworks/agentd/pkg/cerr"
	"github.com/forgeworks/agentd/pkg/panicerr"
)

// Registry is read-mostly after start-up and safely shared across all
// concurrent task executions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return cerr.NewError(cerr.InvalidArgument, "tool name is required", nil)
	}
	if t.Execute == nil {
		return cerr.NewError(cerr.InvalidArgument, "tool executor is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return cerr.NewError(cerr.AlreadyExists,
			fmt.Sprintf("tool %q already registered", t.Name),
			fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name))
	}
	r.tools[t.Name] = t
	return nil
}

func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound,
			fmt.Sprintf("tool %q is not registered", name),
			fmt.Errorf("%w: %s", ErrUnknownTool, name))
	}
	return t, nil
}

// Execute runs the named executor, converting every failure mode
// (missing args, executor error, panic) into a failed Result. The
// only error return is ErrUnknownTool, which the loop records as a
// failed step and feeds back to the model.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, call CallContext) (Result, error) {
	t, err := r.Get(name)
	if err != nil {
		return Result{}, err
	}

	if missing := missingParams(t.Parameters, args); len(missing) > 0 {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("missing required parameters: %v", missing),
		}, nil
	}

	var result Result
	run := panicerr.SafeContext(func(ctx context.Context) error {
		var execErr error
		result, execErr = t.Execute(ctx, args, call)
		return execErr
	})
	if err := run(ctx); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	return result, nil
}

// ListAll returns descriptors sorted by name; executors are not
// exposed.
func (r *Registry) ListAll() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		descriptors = append(descriptors, t.Descriptor)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}

// RequiresConfirmation reports whether the named tool is high-risk.
// Unknown tools never require confirmation; their calls fail at
// execution instead.
func (r *Registry) RequiresConfirmation(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.Descriptor.RequiresConfirmation
}

func missingParams(params map[string]ParamSpec, args map[string]any) []string {
	var missing []string
	for name, spec := range params {
		if !spec.Required {
			continue
		}
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
