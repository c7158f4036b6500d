// Package callable resolves node call targets to executable functions. Two
// binding modes are supported: in-process modules registered from Go code,
// and per-call subprocesses speaking JSON over stdio.
package callable

import (
	"context"
	"errors"
	"fmt"
)

// Func is the narrow interface every node callable implements. inputs keys
// match the node's declared input names; config carries the node's const
// block merged with the runner-supplied configurable submap. The returned
// keys must be a subset of the node's declared output names.
type Func func(ctx context.Context, inputs map[string]any, config map[string]any) (map[string]any, error)

// Resolver resolves a (module, name) pair to a callable.
type Resolver interface {
	Resolve(module, name string) (Func, error)
}

// MissingCallableError reports a call target absent from the resolved module.
type MissingCallableError struct {
	Module string
	Name   string
}

func (e *MissingCallableError) Error() string {
	return fmt.Sprintf("module %q has no callable %q", e.Module, e.Name)
}

// IsMissingCallable reports whether err is a MissingCallableError.
func IsMissingCallable(err error) bool {
	var missing *MissingCallableError

	return errors.As(err, &missing)
}
