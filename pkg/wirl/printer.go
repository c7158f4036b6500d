package wirl

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Format renders the AST in canonical form. Parsing the output yields an AST
// structurally equal to the input.
func Format(file *File) []byte {
	var sb strings.Builder

	pr := &printer{w: &sb}
	pr.file(file)

	return []byte(sb.String())
}

// Fprint writes the canonical form of the AST to w.
func Fprint(w io.Writer, file *File) error {
	_, err := w.Write(Format(file))

	return err
}

const indentUnit = "    "

type printer struct {
	w      io.StringWriter
	indent int
}

func (p *printer) line(format string, args ...any) {
	if format != "" {
		_, _ = p.w.WriteString(strings.Repeat(indentUnit, p.indent))
		_, _ = p.w.WriteString(fmt.Sprintf(format, args...))
	}

	_, _ = p.w.WriteString("\n")
}

func (p *printer) file(file *File) {
	w := file.Workflow

	p.line("workflow %s {", w.Name)
	p.indent++

	if len(w.Metadata) > 0 {
		p.constBlock("metadata", w.Metadata)
	}

	p.line("inputs {")
	p.indent++

	for _, decl := range w.Inputs {
		p.line("%s;", typedName(decl.Type, decl.Name))
	}

	p.indent--
	p.line("}")

	p.outputBlock(w.Outputs)

	for _, node := range w.Nodes {
		p.line("")
		p.node(node)
	}

	for _, cycle := range w.Cycles {
		p.line("")
		p.cycle(cycle)
	}

	p.indent--
	p.line("}")
}

func (p *printer) node(node *Node) {
	p.line("node %s {", node.Name)
	p.indent++

	p.line("call %s;", node.Call)

	p.line("inputs {")
	p.indent++

	for _, binding := range node.Inputs {
		p.line("%s = %s;", typedName(binding.Type, binding.Name), valueExpr(binding.Value))
	}

	p.indent--
	p.line("}")

	p.line("outputs {")
	p.indent++

	for _, decl := range node.Outputs {
		p.line("%s;", typedName(decl.Type, decl.Name))
	}

	p.indent--
	p.line("}")

	if len(node.Const) > 0 {
		p.constBlock("const", node.Const)
	}

	if node.When != nil {
		p.line("when %s", node.When.Source)
	}

	if node.HITL != nil {
		p.constBlock("hitl", node.HITL.Entries)
	}

	p.indent--
	p.line("}")
}

func (p *printer) cycle(cycle *Cycle) {
	p.line("cycle %s {", cycle.Name)
	p.indent++

	p.line("inputs {")
	p.indent++

	for _, binding := range cycle.Inputs {
		p.line("%s = %s;", typedName(binding.Type, binding.Name), valueExpr(binding.Value))
	}

	p.indent--
	p.line("}")

	p.outputBlock(cycle.Outputs)

	p.line("nodes {")
	p.indent++

	for _, node := range cycle.Nodes {
		p.node(node)
	}

	p.indent--
	p.line("}")

	p.line("guard %s", cycle.Guard.Source)
	p.line("max_iterations %d", cycle.MaxIterations)

	p.indent--
	p.line("}")
}

func (p *printer) outputBlock(outputs []OutputBinding) {
	p.line("outputs {")
	p.indent++

	for _, binding := range outputs {
		p.line("%s = %s;", typedName(binding.Type, binding.Name), valueExpr(binding.Value))
	}

	p.indent--
	p.line("}")
}

func (p *printer) constBlock(keyword string, entries []ConstEntry) {
	p.line("%s {", keyword)
	p.indent++

	for _, entry := range entries {
		p.line("%s: %s,", constKey(entry.Key), literal(entry.Value))
	}

	p.indent--
	p.line("}")
}

func typedName(typeName, name string) string {
	if typeName == "" {
		return name
	}

	return typeName + " " + name
}

func valueExpr(v ValueExpr) string {
	if v.Lit != nil {
		return literal(*v.Lit)
	}

	ref := v.Channel()
	if v.Reducer != "" {
		return ref + " (" + string(v.Reducer) + ")"
	}

	return ref
}

func constKey(key string) string {
	if isIdent(key) {
		return key
	}

	return strconv.Quote(key)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}

	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}

	return true
}

func literal(l Literal) string {
	switch l.Kind {
	case LiteralNull:
		return "null"
	case LiteralBool:
		return strconv.FormatBool(l.Bool)
	case LiteralInt:
		return strconv.FormatInt(l.Int, 10)
	case LiteralFloat:
		return formatFloat(l.Float)
	case LiteralString:
		return strconv.Quote(l.Str)
	case LiteralList:
		items := make([]string, len(l.List))
		for i, item := range l.List {
			items[i] = literal(item)
		}

		return "[" + strings.Join(items, ", ") + "]"
	case LiteralObject:
		fields := make([]string, len(l.Object))
		for i, field := range l.Object {
			fields[i] = constKey(field.Key) + ": " + literal(field.Value)
		}

		return "{" + strings.Join(fields, ", ") + "}"
	}

	return "null"
}

// formatFloat keeps a decimal point or exponent so the value re-lexes as a
// float token.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}

	return s
}
