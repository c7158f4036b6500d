package compiler

import (
	"fmt"
	"strings"
)

// ErrorKind classifies one compile-time invariant violation.
type ErrorKind string

const (
	KindNoInputs            ErrorKind = "no_inputs"
	KindNoOutputs           ErrorKind = "no_outputs"
	KindDeadStart           ErrorKind = "dead_start"
	KindDuplicateName       ErrorKind = "duplicate_name"
	KindUnknownReference    ErrorKind = "unknown_reference"
	KindUnknownOutputSource ErrorKind = "unknown_output_source"
	KindNonDottedInCycle    ErrorKind = "non_dotted_in_cycle"
	KindCrossCycleReference ErrorKind = "cross_cycle_reference"
	KindIllegalReducer      ErrorKind = "illegal_reducer"
	KindCyclicDependency    ErrorKind = "cyclic_dependency"
	KindBadMaxIterations    ErrorKind = "bad_max_iterations"
	KindBadExpression       ErrorKind = "bad_expression"
	KindHITLInCycle         ErrorKind = "hitl_in_cycle"
)

// Error is one compile error with the scope (workflow, node, or cycle) it was
// found in.
type Error struct {
	Kind    ErrorKind
	Scope   string
	Message string
}

func (e *Error) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}

	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Scope, e.Message)
}

// ErrorList batches every violation found in one compile pass.
type ErrorList []*Error

func (l ErrorList) Error() string {
	messages := make([]string, len(l))
	for i, err := range l {
		messages[i] = err.Error()
	}

	return fmt.Sprintf("%d compile error(s): %s", len(l), strings.Join(messages, "; "))
}

// HasKind reports whether the list contains an error of the given kind.
func (l ErrorList) HasKind(kind ErrorKind) bool {
	for _, err := range l {
		if err.Kind == kind {
			return true
		}
	}

	return false
}

func (l *ErrorList) addf(kind ErrorKind, scope, format string, args ...any) {
	*l = append(*l, &Error{Kind: kind, Scope: scope, Message: fmt.Sprintf(format, args...)})
}
