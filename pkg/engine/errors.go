package engine

import (
	"errors"
	"fmt"
)

// Node error kinds.
const (
	ErrKindCall            = "call"
	ErrKindReducer         = "reducer"
	ErrKindMissingCallable = "missing_callable"
	ErrKindWhen            = "when"
	ErrKindGuard           = "guard"
	ErrKindOutput          = "output"
)

// NodeError reports a failure attributed to one node invocation. The engine
// never retries; retry policy belongs to the orchestrator.
type NodeError struct {
	Node    string
	Kind    string
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q failed (%s): %s", e.Node, e.Kind, e.Message)
}

// ReducerError reports a type mismatch while combining a channel write, e.g.
// append applied to a non-list value.
type ReducerError struct {
	Channel string
	Reducer string
	Message string
}

func (e *ReducerError) Error() string {
	return fmt.Sprintf("reducer (%s) on channel %q: %s", e.Reducer, e.Channel, e.Message)
}

// IsReducerError reports whether err is a ReducerError.
func IsReducerError(err error) bool {
	var reducerErr *ReducerError

	return errors.As(err, &reducerErr)
}
