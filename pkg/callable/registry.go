package callable

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Registry holds in-process callable modules. A function may carry a JSON
// schema for its inputs; when present the schema is validated before every
// invocation.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]map[string]*entry
}

type entry struct {
	fn     Func
	schema *gojsonschema.Schema
}

// NewRegistry creates an empty callable registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]map[string]*entry)}
}

// Register adds a callable under module/name, replacing any previous
// registration.
func (r *Registry) Register(module, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.modules[module] == nil {
		r.modules[module] = make(map[string]*entry)
	}

	r.modules[module][name] = &entry{fn: fn}
}

// RegisterWithSchema adds a callable whose inputs are validated against the
// given JSON schema document before each call.
func (r *Registry) RegisterWithSchema(module, name string, fn Func, schema map[string]any) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("failed to compile input schema for %s.%s: %w", module, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.modules[module] == nil {
		r.modules[module] = make(map[string]*entry)
	}

	r.modules[module][name] = &entry{fn: fn, schema: compiled}

	return nil
}

// Modules lists the registered module names.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}

	return names
}

// Resolve returns the callable registered under module/name. Subprocess
// modules use the "exec:" prefix and spawn the named executable per call.
func (r *Registry) Resolve(module, name string) (Func, error) {
	if path, ok := strings.CutPrefix(module, "exec:"); ok {
		return NewSubprocess(path).Resolve(path, name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	functions, ok := r.modules[module]
	if !ok {
		return nil, &MissingCallableError{Module: module, Name: name}
	}

	registered, ok := functions[name]
	if !ok {
		return nil, &MissingCallableError{Module: module, Name: name}
	}

	if registered.schema == nil {
		return registered.fn, nil
	}

	schema := registered.schema
	fn := registered.fn

	return func(ctx context.Context, inputs map[string]any, config map[string]any) (map[string]any, error) {
		result, err := schema.Validate(gojsonschema.NewGoLoader(inputs))
		if err != nil {
			return nil, fmt.Errorf("failed to validate inputs for %s.%s: %w", module, name, err)
		}

		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				details = append(details, desc.String())
			}

			return nil, fmt.Errorf("invalid inputs for %s.%s: %s", module, name, strings.Join(details, "; "))
		}

		return fn(ctx, inputs, config)
	}, nil
}
