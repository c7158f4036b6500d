package wirl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Parse parses WIRL source into its AST. The returned error is a *ParseError
// carrying the position of the first offending token.
func Parse(src []byte) (*File, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.fill(); err != nil {
		return nil, err
	}

	workflow, err := p.parseWorkflow()
	if err != nil {
		return nil, err
	}

	if p.tok.Kind != TokenEOF {
		return nil, p.unexpected("end of input")
	}

	return &File{Workflow: workflow}, nil
}

// ParseFile reads and parses the WIRL file at path.
func ParseFile(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	return Parse(src)
}

type parser struct {
	lex *lexer
	tok Token
}

func (p *parser) fill() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}

	p.tok = tok

	return nil
}

func (p *parser) next() error {
	return p.fill()
}

func (p *parser) unexpected(want string) error {
	got := p.tok.Kind.String()
	if p.tok.Kind == TokenIdent || p.tok.Kind == TokenInt || p.tok.Kind == TokenFloat {
		got = fmt.Sprintf("%q", p.tok.Text)
	} else if p.tok.Kind == TokenString {
		got = "string literal"
	}

	return &ParseError{Line: p.tok.Line, Col: p.tok.Col, Got: got, Want: want}
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	if p.tok.Kind != kind {
		return Token{}, p.unexpected(kind.String())
	}

	tok := p.tok
	if err := p.next(); err != nil {
		return Token{}, err
	}

	return tok, nil
}

func (p *parser) expectKeyword(keyword string) error {
	if p.tok.Kind != TokenIdent || p.tok.Text != keyword {
		return p.unexpected("'" + keyword + "'")
	}

	return p.next()
}

func (p *parser) atKeyword(keyword string) bool {
	return p.tok.Kind == TokenIdent && p.tok.Text == keyword
}

func (p *parser) parseWorkflow() (*Workflow, error) {
	if err := p.expectKeyword("workflow"); err != nil {
		return nil, err
	}

	name, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	workflow := &Workflow{Name: name.Text}

	if p.atKeyword("metadata") {
		if err := p.next(); err != nil {
			return nil, err
		}

		workflow.Metadata, err = p.parseConstBlock()
		if err != nil {
			return nil, err
		}
	}

	if err := p.expectKeyword("inputs"); err != nil {
		return nil, err
	}

	workflow.Inputs, err = p.parseParamBlock()
	if err != nil {
		return nil, err
	}

	if err := p.expectKeyword("outputs"); err != nil {
		return nil, err
	}

	workflow.Outputs, err = p.parseOutputBindings()
	if err != nil {
		return nil, err
	}

	for p.tok.Kind != TokenRBrace {
		switch {
		case p.atKeyword("node"):
			node, err := p.parseNode()
			if err != nil {
				return nil, err
			}

			workflow.Nodes = append(workflow.Nodes, node)
		case p.atKeyword("cycle"):
			cycle, err := p.parseCycle()
			if err != nil {
				return nil, err
			}

			workflow.Cycles = append(workflow.Cycles, cycle)
		default:
			return nil, p.unexpected("'node', 'cycle', or '}'")
		}
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}

	return workflow, nil
}

// parseParamBlock parses "{ TYPE? NAME ; ... }".
func (p *parser) parseParamBlock() ([]ParamDecl, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	var decls []ParamDecl

	for p.tok.Kind != TokenRBrace {
		typeName, name, err := p.parseTypedName()
		if err != nil {
			return nil, err
		}

		if _, err := p.expect(TokenSemicolon); err != nil {
			return nil, err
		}

		decls = append(decls, ParamDecl{Type: typeName, Name: name})
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}

	return decls, nil
}

// parseTypedName parses "TYPE? NAME" where the type is a single identifier
// optionally parameterized with brackets, e.g. "list[str] items".
func (p *parser) parseTypedName() (typeName, name string, err error) {
	first, err := p.expect(TokenIdent)
	if err != nil {
		return "", "", err
	}

	// "list[str] items": brackets always belong to a type.
	if p.tok.Kind == TokenLBracket {
		inner, err := p.parseTypeSuffix(first.Text)
		if err != nil {
			return "", "", err
		}

		nameTok, err := p.expect(TokenIdent)
		if err != nil {
			return "", "", err
		}

		return inner, nameTok.Text, nil
	}

	// Two bare identifiers: the first is the type.
	if p.tok.Kind == TokenIdent {
		nameTok := p.tok
		if err := p.next(); err != nil {
			return "", "", err
		}

		return first.Text, nameTok.Text, nil
	}

	return "", first.Text, nil
}

func (p *parser) parseTypeSuffix(base string) (string, error) {
	var sb strings.Builder
	sb.WriteString(base)

	for p.tok.Kind == TokenLBracket {
		sb.WriteByte('[')

		if err := p.next(); err != nil {
			return "", err
		}

		inner, err := p.expect(TokenIdent)
		if err != nil {
			return "", err
		}

		innerType, err := p.parseTypeSuffix(inner.Text)
		if err != nil {
			return "", err
		}

		sb.WriteString(innerType)

		if _, err := p.expect(TokenRBracket); err != nil {
			return "", err
		}

		sb.WriteByte(']')
	}

	return sb.String(), nil
}

// parseInputBindings parses "{ TYPE? NAME = EXPR ; ... }".
func (p *parser) parseInputBindings() ([]InputBinding, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	var bindings []InputBinding

	for p.tok.Kind != TokenRBrace {
		typeName, name, err := p.parseBindingName()
		if err != nil {
			return nil, err
		}

		if _, err := p.expect(TokenAssign); err != nil {
			return nil, err
		}

		value, err := p.parseValueExpr()
		if err != nil {
			return nil, err
		}

		if _, err := p.expect(TokenSemicolon); err != nil {
			return nil, err
		}

		bindings = append(bindings, InputBinding{Type: typeName, Name: name, Value: value})
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}

	return bindings, nil
}

func (p *parser) parseOutputBindings() ([]OutputBinding, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	var bindings []OutputBinding

	for p.tok.Kind != TokenRBrace {
		typeName, name, err := p.parseBindingName()
		if err != nil {
			return nil, err
		}

		if _, err := p.expect(TokenAssign); err != nil {
			return nil, err
		}

		value, err := p.parseValueExpr()
		if err != nil {
			return nil, err
		}

		if _, err := p.expect(TokenSemicolon); err != nil {
			return nil, err
		}

		bindings = append(bindings, OutputBinding{Type: typeName, Name: name, Value: value})
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}

	return bindings, nil
}

// parseBindingName parses "TYPE? NAME" in a position followed by '='.
func (p *parser) parseBindingName() (typeName, name string, err error) {
	first, err := p.expect(TokenIdent)
	if err != nil {
		return "", "", err
	}

	if p.tok.Kind == TokenLBracket {
		inner, err := p.parseTypeSuffix(first.Text)
		if err != nil {
			return "", "", err
		}

		nameTok, err := p.expect(TokenIdent)
		if err != nil {
			return "", "", err
		}

		return inner, nameTok.Text, nil
	}

	if p.tok.Kind == TokenIdent {
		nameTok := p.tok
		if err := p.next(); err != nil {
			return "", "", err
		}

		return first.Text, nameTok.Text, nil
	}

	return "", first.Text, nil
}

// parseValueExpr parses a literal, a plain identifier, or a dotted reference
// with an optional reducer tag.
func (p *parser) parseValueExpr() (ValueExpr, error) {
	if p.tok.Kind != TokenIdent || isLiteralKeyword(p.tok.Text) {
		lit, err := p.parseLiteral()
		if err != nil {
			return ValueExpr{}, err
		}

		return ValueExpr{Lit: &lit}, nil
	}

	first := p.tok.Text
	if err := p.next(); err != nil {
		return ValueExpr{}, err
	}

	if p.tok.Kind != TokenDot {
		return ValueExpr{Ident: first}, nil
	}

	if err := p.next(); err != nil {
		return ValueExpr{}, err
	}

	output, err := p.expect(TokenIdent)
	if err != nil {
		return ValueExpr{}, err
	}

	expr := ValueExpr{Node: first, Output: output.Text}

	if p.tok.Kind == TokenLParen {
		if err := p.next(); err != nil {
			return ValueExpr{}, err
		}

		tag, err := p.expect(TokenIdent)
		if err != nil {
			return ValueExpr{}, err
		}

		switch tag.Text {
		case string(ReducerReplace), string(ReducerAppend), string(ReducerMerge):
			expr.Reducer = Reducer(tag.Text)
		default:
			return ValueExpr{}, &ParseError{
				Line: tag.Line, Col: tag.Col,
				Got: fmt.Sprintf("%q", tag.Text), Want: "'replace', 'append', or 'merge'",
			}
		}

		if _, err := p.expect(TokenRParen); err != nil {
			return ValueExpr{}, err
		}
	}

	return expr, nil
}

func isLiteralKeyword(text string) bool {
	return text == "true" || text == "false" || text == "null"
}

func (p *parser) parseLiteral() (Literal, error) {
	switch p.tok.Kind {
	case TokenString:
		lit := Literal{Kind: LiteralString, Str: p.tok.Text}

		return lit, p.next()
	case TokenInt:
		value, err := strconv.ParseInt(p.tok.Text, 10, 64)
		if err != nil {
			return Literal{}, p.unexpected("integer")
		}

		lit := Literal{Kind: LiteralInt, Int: value}

		return lit, p.next()
	case TokenFloat:
		value, err := strconv.ParseFloat(p.tok.Text, 64)
		if err != nil {
			return Literal{}, p.unexpected("float")
		}

		lit := Literal{Kind: LiteralFloat, Float: value}

		return lit, p.next()
	case TokenIdent:
		switch p.tok.Text {
		case "true":
			return Literal{Kind: LiteralBool, Bool: true}, p.next()
		case "false":
			return Literal{Kind: LiteralBool, Bool: false}, p.next()
		case "null":
			return Literal{Kind: LiteralNull}, p.next()
		}

		return Literal{}, p.unexpected("literal")
	case TokenLBracket:
		return p.parseListLiteral()
	case TokenLBrace:
		return p.parseObjectLiteral()
	default:
		return Literal{}, p.unexpected("literal")
	}
}

func (p *parser) parseListLiteral() (Literal, error) {
	if _, err := p.expect(TokenLBracket); err != nil {
		return Literal{}, err
	}

	lit := Literal{Kind: LiteralList, List: []Literal{}}

	for p.tok.Kind != TokenRBracket {
		item, err := p.parseLiteral()
		if err != nil {
			return Literal{}, err
		}

		lit.List = append(lit.List, item)

		if p.tok.Kind == TokenComma {
			if err := p.next(); err != nil {
				return Literal{}, err
			}
		} else if p.tok.Kind != TokenRBracket {
			return Literal{}, p.unexpected("',' or ']'")
		}
	}

	return lit, p.next()
}

func (p *parser) parseObjectLiteral() (Literal, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return Literal{}, err
	}

	lit := Literal{Kind: LiteralObject, Object: []ObjectField{}}

	for p.tok.Kind != TokenRBrace {
		if p.tok.Kind != TokenIdent && p.tok.Kind != TokenString {
			return Literal{}, p.unexpected("object key")
		}

		key := p.tok.Text
		if err := p.next(); err != nil {
			return Literal{}, err
		}

		if _, err := p.expect(TokenColon); err != nil {
			return Literal{}, err
		}

		value, err := p.parseLiteral()
		if err != nil {
			return Literal{}, err
		}

		lit.Object = append(lit.Object, ObjectField{Key: key, Value: value})

		if p.tok.Kind == TokenComma {
			if err := p.next(); err != nil {
				return Literal{}, err
			}
		} else if p.tok.Kind != TokenRBrace {
			return Literal{}, p.unexpected("',' or '}'")
		}
	}

	return lit, p.next()
}

// parseConstBlock parses "{ KEY : LITERAL , ... }" with an optional trailing
// comma, shared by const, metadata, and hitl blocks.
func (p *parser) parseConstBlock() ([]ConstEntry, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	var entries []ConstEntry

	for p.tok.Kind != TokenRBrace {
		if p.tok.Kind != TokenIdent && p.tok.Kind != TokenString {
			return nil, p.unexpected("key")
		}

		key := p.tok.Text
		if err := p.next(); err != nil {
			return nil, err
		}

		if _, err := p.expect(TokenColon); err != nil {
			return nil, err
		}

		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}

		entries = append(entries, ConstEntry{Key: key, Value: value})

		if p.tok.Kind == TokenComma {
			if err := p.next(); err != nil {
				return nil, err
			}
		} else if p.tok.Kind != TokenRBrace {
			return nil, p.unexpected("',' or '}'")
		}
	}

	return entries, p.next()
}

func (p *parser) parseNode() (*Node, error) {
	if err := p.expectKeyword("node"); err != nil {
		return nil, err
	}

	name, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	node := &Node{Name: name.Text}

	if err := p.expectKeyword("call"); err != nil {
		return nil, err
	}

	node.Call, err = p.parseCallTarget()
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(TokenSemicolon); err != nil {
		return nil, err
	}

	if err := p.expectKeyword("inputs"); err != nil {
		return nil, err
	}

	node.Inputs, err = p.parseInputBindings()
	if err != nil {
		return nil, err
	}

	if err := p.expectKeyword("outputs"); err != nil {
		return nil, err
	}

	node.Outputs, err = p.parseParamBlock()
	if err != nil {
		return nil, err
	}

	if p.atKeyword("const") {
		if err := p.next(); err != nil {
			return nil, err
		}

		node.Const, err = p.parseConstBlock()
		if err != nil {
			return nil, err
		}
	}

	if p.atKeyword("when") {
		if err := p.next(); err != nil {
			return nil, err
		}

		node.When, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}

	if p.atKeyword("hitl") {
		if err := p.next(); err != nil {
			return nil, err
		}

		entries, err := p.parseConstBlock()
		if err != nil {
			return nil, err
		}

		node.HITL = &HITLBlock{Entries: entries}
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}

	return node, nil
}

func (p *parser) parseCallTarget() (string, error) {
	first, err := p.expect(TokenIdent)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(first.Text)

	for p.tok.Kind == TokenDot {
		if err := p.next(); err != nil {
			return "", err
		}

		part, err := p.expect(TokenIdent)
		if err != nil {
			return "", err
		}

		sb.WriteByte('.')
		sb.WriteString(part.Text)
	}

	return sb.String(), nil
}

func (p *parser) parseCycle() (*Cycle, error) {
	if err := p.expectKeyword("cycle"); err != nil {
		return nil, err
	}

	name, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	cycle := &Cycle{Name: name.Text}

	if err := p.expectKeyword("inputs"); err != nil {
		return nil, err
	}

	cycle.Inputs, err = p.parseInputBindings()
	if err != nil {
		return nil, err
	}

	if err := p.expectKeyword("outputs"); err != nil {
		return nil, err
	}

	cycle.Outputs, err = p.parseOutputBindings()
	if err != nil {
		return nil, err
	}

	if err := p.expectKeyword("nodes"); err != nil {
		return nil, err
	}

	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	for p.atKeyword("node") {
		node, err := p.parseNode()
		if err != nil {
			return nil, err
		}

		cycle.Nodes = append(cycle.Nodes, node)
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}

	if err := p.expectKeyword("guard"); err != nil {
		return nil, err
	}

	cycle.Guard, err = p.parseExpr()
	if err != nil {
		return nil, err
	}

	if err := p.expectKeyword("max_iterations"); err != nil {
		return nil, err
	}

	maxIter, err := p.expect(TokenInt)
	if err != nil {
		return nil, err
	}

	cycle.MaxIterations, err = strconv.Atoi(maxIter.Text)
	if err != nil {
		return nil, &ParseError{Line: maxIter.Line, Col: maxIter.Col, Got: maxIter.Text, Want: "positive integer"}
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}

	return cycle, nil
}
