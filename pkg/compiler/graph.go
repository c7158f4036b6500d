// Package compiler lowers a parsed WIRL file into a validated executable
// graph: channels with reducers, per-node dependency sets, and a
// deterministic topological execution order.
package compiler

import (
	"github.com/expr-lang/expr/vm"

	"github.com/wirl-dev/wirlflow/pkg/wirl"
)

// Graph is the compiled, immutable form of a workflow. Nodes and cycles are
// arenas indexed by integer id; Order lists the workflow-level execution
// steps in topological order with lexicographic tie-break.
type Graph struct {
	Name     string
	Metadata map[string]any
	Inputs   []Input
	Outputs  []Output
	Nodes    []*Node
	Cycles   []*Cycle
	Order    []Step
	Channels map[string]Channel
}

// Input is a declared workflow input.
type Input struct {
	Name string
	Type string
}

// Output maps a declared workflow output to the channel it reads.
type Output struct {
	Name    string
	Type    string
	Channel string
}

// Channel carries the reducer and documentary type of one state slot.
type Channel struct {
	Reducer wirl.Reducer
	Type    string
}

// Binding binds an input or output name to the value expression feeding it.
type Binding struct {
	Name  string
	Value wirl.ValueExpr
}

// Expr is a compiled when/guard expression.
type Expr struct {
	Source  string
	Refs    []wirl.Ref
	Program *vm.Program
}

// Node is one compiled computation node.
type Node struct {
	ID          int
	Name        string
	Call        string
	Inputs      []Binding
	Outputs     []string
	OutputTypes map[string]string
	Const       map[string]any
	When        *Expr
	HITL        map[string]any
	Deps        []string
}

// IsHITL reports whether the node suspends for human input.
func (n *Node) IsHITL() bool { return n.HITL != nil }

// Cycle is a compiled iterative sub-graph. Nodes holds its internal nodes in
// topological order. Deps lists the outer channels its input bindings read.
type Cycle struct {
	ID            int
	Name          string
	Inputs        []Binding
	Outputs       []Binding
	Nodes         []*Node
	Guard         *Expr
	MaxIterations int
	Deps          []string
}

// Step is one workflow-level execution step: either a node or a cycle
// super-node. Exactly one index is non-negative.
type Step struct {
	Node  int
	Cycle int
}

// IsCycle reports whether the step executes a cycle super-node.
func (s Step) IsCycle() bool { return s.Cycle >= 0 }

// HasInput reports whether name is a declared workflow input.
func (g *Graph) HasInput(name string) bool {
	for _, input := range g.Inputs {
		if input.Name == name {
			return true
		}
	}

	return false
}

// StepName returns the display name of a step.
func (g *Graph) StepName(s Step) string {
	if s.IsCycle() {
		return g.Cycles[s.Cycle].Name
	}

	return g.Nodes[s.Node].Name
}
