package fhirpath

import (
	"fmt"
	"strconv"
	"strings"
)

type nodeKind int

const (
	ndLiteral  nodeKind = iota // string, number, bool, datetime
	ndPath                     // identifier (field name or resource type)
	ndVar                      // $this, $index
	ndEnv                      // %constant
	ndDot                      // a.b
	ndIndex                    // a[n]
	ndFunction                 // a.fn(args...) or fn(args...)
	ndCompare                  // a op b  (=, !=, <, >, <=, >=)
	ndAnd                      // a and b
	ndOr                       // a or b
	ndImplies                  // a implies b
	ndUnion                    // a | b
)

type astNode struct {
	kind     nodeKind
	value    interface{} // literal value, identifier name, or operator string
	receiver *astNode    // function receiver; nil for standalone calls
	children []*astNode  // operands / arguments
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("expected token kind %d but got %q at position %d", kind, t.value, t.pos)
	}
	return t, nil
}

// Operator precedence (lowest to highest):
//   implies  (1)
//   or       (2)
//   and      (3)
//   |        (4)  — union
//   = != < > <= >= (5)
//   . [] () (postfix)

func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind, opValue := p.infixInfo(tok)
		if prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		node := &astNode{kind: kind, children: []*astNode{left, right}}
		if kind == ndCompare {
			node.value = opValue
		}
		left = node
	}
	return left, nil
}

func (p *parser) infixInfo(tok token) (int, nodeKind, string) {
	switch {
	case tok.kind == tkIdent && tok.value == "implies":
		return 1, ndImplies, "implies"
	case tok.kind == tkIdent && tok.value == "or":
		return 2, ndOr, "or"
	case tok.kind == tkIdent && tok.value == "and":
		return 3, ndAnd, "and"
	case tok.kind == tkPipe:
		return 4, ndUnion, "|"
	case tok.kind == tkEq:
		return 5, ndCompare, "="
	case tok.kind == tkNe:
		return 5, ndCompare, "!="
	case tok.kind == tkLt:
		return 5, ndCompare, "<"
	case tok.kind == tkGt:
		return 5, ndCompare, ">"
	case tok.kind == tkLe:
		return 5, ndCompare, "<="
	case tok.kind == tkGe:
		return 5, ndCompare, ">="
	}
	return -1, 0, ""
}

func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		if tok.kind == tkDot {
			p.advance()
			next := p.peek()
			if next.kind != tkIdent {
				return nil, fmt.Errorf("expected identifier after '.' at position %d", next.pos)
			}
			ident := p.advance()

			if p.peek().kind == tkLParen {
				p.advance()
				args, err := p.parseArgList()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(tkRParen); err != nil {
					return nil, err
				}
				node = &astNode{kind: ndFunction, value: ident.value, receiver: node, children: args}
			} else {
				right := &astNode{kind: ndPath, value: ident.value}
				node = &astNode{kind: ndDot, children: []*astNode{node, right}}
			}
		} else if tok.kind == tkLBrack {
			p.advance()
			idxTok, err := p.expect(tkNumber)
			if err != nil {
				return nil, fmt.Errorf("expected number in index at position %d", tok.pos)
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			idx, _ := strconv.ParseInt(idxTok.value, 10, 64)
			node = &astNode{kind: ndIndex, value: idx, children: []*astNode{node}}
		} else {
			break
		}
	}
	return node, nil
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.peek()

	switch tok.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &astNode{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		p.advance()
		if strings.Contains(tok.value, ".") {
			f, err := strconv.ParseFloat(tok.value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q at position %d", tok.value, tok.pos)
			}
			return &astNode{kind: ndLiteral, value: f}, nil
		}
		i, err := strconv.ParseInt(tok.value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at position %d", tok.value, tok.pos)
		}
		return &astNode{kind: ndLiteral, value: i}, nil

	case tkDateTime:
		p.advance()
		t, err := parseDateTimeLiteral(tok.value)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime %q at position %d: %w", tok.value, tok.pos, err)
		}
		return &astNode{kind: ndLiteral, value: t}, nil

	case tkVar:
		p.advance()
		return &astNode{kind: ndVar, value: tok.value}, nil

	case tkEnv:
		p.advance()
		return &astNode{kind: ndEnv, value: tok.value}, nil

	case tkIdent:
		p.advance()
		name := tok.value

		if name == "true" {
			return &astNode{kind: ndLiteral, value: true}, nil
		}
		if name == "false" {
			return &astNode{kind: ndLiteral, value: false}, nil
		}

		// Standalone call: getResourceKey(), now(), iif(...)
		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRParen); err != nil {
				return nil, err
			}
			return &astNode{kind: ndFunction, value: name, children: args}, nil
		}

		return &astNode{kind: ndPath, value: name}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
}

func (p *parser) parseArgList() ([]*astNode, error) {
	var args []*astNode
	if p.peek().kind == tkRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	return args, nil
}
