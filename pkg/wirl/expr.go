package wirl

import (
	"strconv"
	"strings"
)

// parseExpr parses a boolean when/guard expression and records the canonical
// source text plus every channel reference. Precedence, tightest first:
// unary '!', comparisons, '&&', '||'.
func (p *parser) parseExpr() (*Expr, error) {
	b := &exprBuilder{}

	if err := p.parseOr(b); err != nil {
		return nil, err
	}

	return &Expr{Source: b.source.String(), Eval: b.eval.String(), Refs: b.refs}, nil
}

// exprBuilder accumulates two renderings of the expression: the canonical
// WIRL text and the evaluable text, which differ only in literal spelling.
type exprBuilder struct {
	source strings.Builder
	eval   strings.Builder
	refs   []Ref
}

func (b *exprBuilder) write(text string) {
	b.source.WriteString(text)
	b.eval.WriteString(text)
}

func (b *exprBuilder) writeLiteral(source, eval string) {
	b.source.WriteString(source)
	b.eval.WriteString(eval)
}

func (p *parser) parseOr(b *exprBuilder) error {
	if err := p.parseAnd(b); err != nil {
		return err
	}

	for p.tok.Kind == TokenOrOr {
		if err := p.next(); err != nil {
			return err
		}

		b.write(" || ")

		if err := p.parseAnd(b); err != nil {
			return err
		}
	}

	return nil
}

func (p *parser) parseAnd(b *exprBuilder) error {
	if err := p.parseComparison(b); err != nil {
		return err
	}

	for p.tok.Kind == TokenAndAnd {
		if err := p.next(); err != nil {
			return err
		}

		b.write(" && ")

		if err := p.parseComparison(b); err != nil {
			return err
		}
	}

	return nil
}

func (p *parser) parseComparison(b *exprBuilder) error {
	if err := p.parseUnary(b); err != nil {
		return err
	}

	var op string

	switch p.tok.Kind {
	case TokenEq:
		op = "=="
	case TokenNeq:
		op = "!="
	case TokenLt:
		op = "<"
	case TokenLte:
		op = "<="
	case TokenGt:
		op = ">"
	case TokenGte:
		op = ">="
	default:
		return nil
	}

	if err := p.next(); err != nil {
		return err
	}

	b.write(" " + op + " ")

	return p.parseUnary(b)
}

func (p *parser) parseUnary(b *exprBuilder) error {
	if p.tok.Kind == TokenBang {
		if err := p.next(); err != nil {
			return err
		}

		b.write("!")

		return p.parseUnary(b)
	}

	return p.parsePrimary(b)
}

func (p *parser) parsePrimary(b *exprBuilder) error {
	switch p.tok.Kind {
	case TokenLParen:
		if err := p.next(); err != nil {
			return err
		}

		b.write("(")

		if err := p.parseOr(b); err != nil {
			return err
		}

		if _, err := p.expect(TokenRParen); err != nil {
			return err
		}

		b.write(")")

		return nil
	case TokenString:
		b.write(strconv.Quote(p.tok.Text))

		return p.next()
	case TokenInt, TokenFloat:
		b.write(p.tok.Text)

		return p.next()
	case TokenIdent:
		if isLiteralKeyword(p.tok.Text) {
			if p.tok.Text == "null" {
				b.writeLiteral("null", "nil")
			} else {
				b.write(p.tok.Text)
			}

			return p.next()
		}

		first := p.tok.Text
		if err := p.next(); err != nil {
			return err
		}

		if p.tok.Kind != TokenDot {
			b.write(first)
			b.refs = append(b.refs, Ref{Name: first})

			return nil
		}

		if err := p.next(); err != nil {
			return err
		}

		name, err := p.expect(TokenIdent)
		if err != nil {
			return err
		}

		b.write(first + "." + name.Text)
		b.refs = append(b.refs, Ref{Node: first, Name: name.Text})

		return nil
	default:
		return p.unexpected("expression")
	}
}
