package condition

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '_' || c == '/' || c == '.' || c == '-'
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i, n := 0, len(s)
	for i < n {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '>' || c == '<' || c == '=' || c == '!':
			if i+1 < n && s[i+1] == '=' {
				toks = append(toks, token{tokOp, s[i : i+2]})
				i += 2
			} else if c == '>' || c == '<' {
				toks = append(toks, token{tokOp, string(c)})
				i++
			} else {
				return nil, fmt.Errorf("condition: invalid operator at position %d", i)
			}
		case isDigit(c) || (c == '-' && i+1 < n && isDigit(s[i+1])):
			start := i
			i++
			for i < n && (isDigit(s[i]) || s[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, s[start:i]})
		case isIdentStart(c):
			start := i
			i++
			for i < n && isIdentPart(s[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, s[start:i]})
		default:
			return nil, fmt.Errorf("condition: unexpected character %q at position %d", c, i)
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind) error {
	t := p.next()
	if t.kind != k {
		return fmt.Errorf("condition: unexpected token %q", t.text)
	}
	return nil
}

// Parse compiles a predicate string into an evaluator tree.
func Parse(s string) (Expr, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("condition: unexpected trailing input at %q", p.peek().text)
	}
	return expr, nil
}

func (p *parser) parseExpr() (Expr, error) {
	t := p.peek()
	if t.kind == tokIdent {
		switch strings.ToUpper(t.text) {
		case "AND":
			return p.parseJunction("AND")
		case "OR":
			return p.parseJunction("OR")
		case "NOT":
			return p.parseNot()
		}
	}
	return p.parseComparison()
}

func (p *parser) parseJunction(kind string) (Expr, error) {
	p.next()
	if err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	children := []Expr{first}
	for p.peek().kind == tokComma {
		p.next()
		child, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) < 2 {
		return nil, fmt.Errorf("condition: %s requires at least two operands", kind)
	}
	if err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	if kind == "AND" {
		return &And{Children: children}, nil
	}
	return &Or{Children: children}, nil
}

func (p *parser) parseNot() (Expr, error) {
	p.next()
	if err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	child, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return &Not{Child: child}, nil
}

func (p *parser) parseComparison() (Expr, error) {
	operand, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.next()
	switch t.kind {
	case tokOp:
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &Comparison{Operand: operand, Op: t.text, Value: val}, nil
	case tokIdent:
		dir := strings.ToLower(t.text)
		if dir != "crosses_above" && dir != "crosses_below" {
			return nil, fmt.Errorf("condition: expected operator or crosses_above/crosses_below, got %q", t.text)
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		direction := "above"
		if dir == "crosses_below" {
			direction = "below"
		}
		return &Crossing{Operand: operand, Direction: direction, Value: val}, nil
	default:
		return nil, fmt.Errorf("condition: expected operator after operand, got %q", t.text)
	}
}

func (p *parser) parseValue() (decimal.Decimal, error) {
	t := p.next()
	if t.kind != tokNumber {
		return decimal.Zero, fmt.Errorf("condition: expected numeric value, got %q", t.text)
	}
	val, err := decimal.NewFromString(t.text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("condition: invalid number %q: %w", t.text, err)
	}
	return val, nil
}

func (p *parser) parseOperand() (Operand, error) {
	t := p.next()
	if t.kind != tokIdent {
		return nil, fmt.Errorf("condition: expected identifier, got %q", t.text)
	}
	name := t.text
	if err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	firstArg, err := p.parseOperandArg()
	if err != nil {
		return nil, err
	}
	args := []string{firstArg}
	for p.peek().kind == tokComma {
		p.next()
		arg, err := p.parseOperandArg()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	asset := args[len(args)-1]
	if strings.EqualFold(name, "price") {
		if len(args) != 1 {
			return nil, fmt.Errorf("condition: price() takes exactly one argument")
		}
		return PriceOperand{Asset: asset}, nil
	}
	periods := args[:len(args)-1]
	keyParts := append([]string{strings.ToUpper(name)}, periods...)
	return IndicatorOperand{Asset: asset, Key: strings.Join(keyParts, "_")}, nil
}

func (p *parser) parseOperandArg() (string, error) {
	t := p.next()
	if t.kind == tokIdent || t.kind == tokNumber {
		return t.text, nil
	}
	return "", fmt.Errorf("condition: expected argument, got %q", t.text)
}
