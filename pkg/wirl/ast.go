// Package wirl implements the lexer, parser, and printer for the WIRL
// workflow description language.
package wirl

// File is the root of a parsed WIRL source file.
type File struct {
	Workflow *Workflow
}

// Workflow is a named graph of nodes and cycles with declared inputs and
// outputs.
type Workflow struct {
	Name     string
	Metadata []ConstEntry
	Inputs   []ParamDecl
	Outputs  []OutputBinding
	Nodes    []*Node
	Cycles   []*Cycle
}

// ParamDecl declares a name with an optional documentary type, e.g. the
// entries of a workflow inputs block or a node outputs block.
type ParamDecl struct {
	Type string
	Name string
}

// InputBinding binds a name to a value expression, e.g. a node input.
type InputBinding struct {
	Type  string
	Name  string
	Value ValueExpr
}

// OutputBinding binds an output name to its source expression, e.g. the
// entries of a workflow or cycle outputs block.
type OutputBinding struct {
	Type  string
	Name  string
	Value ValueExpr
}

// ConstEntry is a key/literal pair inside a const, metadata, or hitl block.
type ConstEntry struct {
	Key   string
	Value Literal
}

// Node wraps one callable with its input bindings and declared outputs.
type Node struct {
	Name    string
	Call    string
	Inputs  []InputBinding
	Outputs []ParamDecl
	Const   []ConstEntry
	When    *Expr
	HITL    *HITLBlock
}

// HITLBlock marks a node as a human-in-the-loop suspension point. Its entries
// are correlation data surfaced with the suspension.
type HITLBlock struct {
	Entries []ConstEntry
}

// Cycle is a named sub-graph executed iteratively until its guard falsifies
// or MaxIterations is reached.
type Cycle struct {
	Name          string
	Inputs        []InputBinding
	Outputs       []OutputBinding
	Nodes         []*Node
	Guard         *Expr
	MaxIterations int
}

// Reducer names how successive writes to a channel combine.
type Reducer string

const (
	ReducerReplace Reducer = "replace"
	ReducerAppend  Reducer = "append"
	ReducerMerge   Reducer = "merge"
)

// ValueExpr is one of: a literal, a plain identifier bound to a workflow
// input, or a dotted reference Node.output with an optional reducer tag.
type ValueExpr struct {
	Lit     *Literal
	Ident   string
	Node    string
	Output  string
	Reducer Reducer
}

// IsLiteral reports whether the expression is a literal value.
func (v ValueExpr) IsLiteral() bool { return v.Lit != nil }

// IsRef reports whether the expression references a channel, dotted or plain.
func (v ValueExpr) IsRef() bool { return v.Lit == nil }

// IsDotted reports whether the expression is a dotted Node.output reference.
func (v ValueExpr) IsDotted() bool { return v.Node != "" }

// Channel returns the channel name the expression reads, or "" for literals.
func (v ValueExpr) Channel() string {
	switch {
	case v.Lit != nil:
		return ""
	case v.Node != "":
		return v.Node + "." + v.Output
	default:
		return v.Ident
	}
}

// LiteralKind tags the variant held by a Literal.
type LiteralKind int

const (
	LiteralNull LiteralKind = iota
	LiteralBool
	LiteralInt
	LiteralFloat
	LiteralString
	LiteralList
	LiteralObject
)

// ObjectField is one ordered key/value pair of an object literal.
type ObjectField struct {
	Key   string
	Value Literal
}

// Literal is a WIRL literal: null, booleans, numbers, strings, lists, and
// objects.
type Literal struct {
	Kind   LiteralKind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	List   []Literal
	Object []ObjectField
}

// Value converts the literal to its JSON-shaped Go representation.
func (l Literal) Value() any {
	switch l.Kind {
	case LiteralNull:
		return nil
	case LiteralBool:
		return l.Bool
	case LiteralInt:
		return l.Int
	case LiteralFloat:
		return l.Float
	case LiteralString:
		return l.Str
	case LiteralList:
		out := make([]any, len(l.List))
		for i, item := range l.List {
			out[i] = item.Value()
		}

		return out
	case LiteralObject:
		out := make(map[string]any, len(l.Object))
		for _, field := range l.Object {
			out[field.Key] = field.Value.Value()
		}

		return out
	}

	return nil
}

// Ref is a channel reference appearing in a when or guard expression. Node is
// empty for plain identifiers.
type Ref struct {
	Node string
	Name string
}

// Channel returns the referenced channel name.
func (r Ref) Channel() string {
	if r.Node == "" {
		return r.Name
	}

	return r.Node + "." + r.Name
}

// Expr is a boolean when/guard expression. Source holds the canonical text
// produced by the parser; Eval is the same expression with WIRL literal
// spellings adjusted for expression engines (null becomes nil). Refs lists
// every channel reference the expression reads.
type Expr struct {
	Source string
	Eval   string
	Refs   []Ref
}
