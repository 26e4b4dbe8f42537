package sigma

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// condNode is one node of a parsed condition expression.
type condNode interface {
	eval(results map[string]bool) (bool, error)
}

type nameNode struct{ name string }

func (n nameNode) eval(results map[string]bool) (bool, error) {
	v, ok := results[n.name]
	if !ok {
		return false, fmt.Errorf("condition references unknown selection %q", n.name)
	}
	return v, nil
}

// ofNode is "all of X" / "1 of X" where X is "them" or a glob over
// selection names.
type ofNode struct {
	all     bool
	pattern string
	g       glob.Glob
}

func (n ofNode) eval(results map[string]bool) (bool, error) {
	matchedAny := false
	for name, v := range results {
		if n.pattern != "them" && !n.g.Match(name) {
			continue
		}
		matchedAny = true
		if n.all && !v {
			return false, nil
		}
		if !n.all && v {
			return true, nil
		}
	}
	if !matchedAny {
		return false, fmt.Errorf("condition %q of %q matches no selections",
			map[bool]string{true: "all", false: "1"}[n.all], n.pattern)
	}
	return n.all, nil
}

type notNode struct{ inner condNode }

func (n notNode) eval(results map[string]bool) (bool, error) {
	v, err := n.inner.eval(results)
	return !v, err
}

type andNode struct{ left, right condNode }

func (n andNode) eval(results map[string]bool) (bool, error) {
	l, err := n.left.eval(results)
	if err != nil {
		return false, err
	}
	r, err := n.right.eval(results)
	if err != nil {
		return false, err
	}
	return l && r, nil
}

type orNode struct{ left, right condNode }

func (n orNode) eval(results map[string]bool) (bool, error) {
	l, err := n.left.eval(results)
	if err != nil {
		return false, err
	}
	r, err := n.right.eval(results)
	if err != nil {
		return false, err
	}
	return l || r, nil
}

// condParser is a recursive-descent parser over whitespace/paren tokens.
// Precedence: not > and > or.
type condParser struct {
	tokens []string
	pos    int
}

// parseCondition compiles a condition expression.
func parseCondition(expr string) (condNode, error) {
	tokens := tokenizeCondition(expr)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	p := &condParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("condition: unexpected token %q at position %d", p.tokens[p.pos], p.pos)
	}
	return node, nil
}

func tokenizeCondition(expr string) []string {
	expr = strings.ReplaceAll(expr, "(", " ( ")
	expr = strings.ReplaceAll(expr, ")", " ) ")
	return strings.Fields(expr)
}

func (p *condParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	if strings.EqualFold(p.peek(), "not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (condNode, error) {
	tok := p.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("condition: unexpected end of expression")
	case tok == "(":
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("condition: missing closing parenthesis")
		}
		return node, nil
	case tok == ")":
		return nil, fmt.Errorf("condition: unexpected closing parenthesis")
	case strings.EqualFold(tok, "all") || tok == "1":
		if !strings.EqualFold(p.peek(), "of") {
			return nil, fmt.Errorf("condition: expected 'of' after %q", tok)
		}
		p.next()
		target := p.next()
		if target == "" {
			return nil, fmt.Errorf("condition: expected selection pattern after 'of'")
		}
		node := ofNode{all: strings.EqualFold(tok, "all"), pattern: target}
		if target != "them" {
			g, err := glob.Compile(target)
			if err != nil {
				return nil, fmt.Errorf("condition: bad selection glob %q: %w", target, err)
			}
			node.g = g
		}
		return node, nil
	case strings.EqualFold(tok, "and"), strings.EqualFold(tok, "or"), strings.EqualFold(tok, "of"), strings.EqualFold(tok, "them"):
		return nil, fmt.Errorf("condition: unexpected keyword %q", tok)
	default:
		return nameNode{name: tok}, nil
	}
}
