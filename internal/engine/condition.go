package engine

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/rendis/chispa/pkg/schema"
)

// Condition is a compiled `if` expression. The language is deliberately
// closed: boolean connectives over string comparisons where one side is a
// `tasks.<name>.status` reference and each side may also be a quoted literal.
// Nothing in it can call out, loop or touch anything but sibling statuses.
type Condition struct {
	root node
	refs []string
}

// ParseCondition compiles an expression. The referenced task names are
// collected during the parse so the scheduler can derive ordering edges.
func ParseCondition(src string) (*Condition, error) {
	toks, err := lexCondition(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "unexpected token %q", p.peek().text)
	}

	seen := map[string]bool{}
	var refs []string
	collectRefs(root, func(name string) {
		if !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	})
	return &Condition{root: root, refs: refs}, nil
}

// References returns the task names the expression reads, in first-use order.
func (c *Condition) References() []string {
	return c.refs
}

// Eval evaluates the expression against the statuses of sibling tasks.
// A reference to a task absent from the map is an evaluation error.
func (c *Condition) Eval(statuses map[string]schema.TaskStatus) (bool, error) {
	return c.root.eval(statuses)
}

// --- AST ---

type node interface {
	eval(statuses map[string]schema.TaskStatus) (bool, error)
}

type andNode struct{ lhs, rhs node }

func (n andNode) eval(s map[string]schema.TaskStatus) (bool, error) {
	l, err := n.lhs.eval(s)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return n.rhs.eval(s)
}

type orNode struct{ lhs, rhs node }

func (n orNode) eval(s map[string]schema.TaskStatus) (bool, error) {
	l, err := n.lhs.eval(s)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.rhs.eval(s)
}

type notNode struct{ inner node }

func (n notNode) eval(s map[string]schema.TaskStatus) (bool, error) {
	v, err := n.inner.eval(s)
	if err != nil {
		return false, err
	}
	return !v, nil
}

type cmpNode struct {
	negated  bool
	lhs, rhs operand
}

func (n cmpNode) eval(s map[string]schema.TaskStatus) (bool, error) {
	l, err := n.lhs.value(s)
	if err != nil {
		return false, err
	}
	r, err := n.rhs.value(s)
	if err != nil {
		return false, err
	}
	if n.negated {
		return l != r, nil
	}
	return l == r, nil
}

type operand interface {
	value(statuses map[string]schema.TaskStatus) (string, error)
}

type refOperand struct{ task string }

func (o refOperand) value(s map[string]schema.TaskStatus) (string, error) {
	st, ok := s[o.task]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeCondition, "unknown task reference: tasks.%s.status", o.task)
	}
	return string(st), nil
}

type litOperand struct{ text string }

func (o litOperand) value(map[string]schema.TaskStatus) (string, error) {
	return o.text, nil
}

func collectRefs(n node, visit func(string)) {
	switch v := n.(type) {
	case andNode:
		collectRefs(v.lhs, visit)
		collectRefs(v.rhs, visit)
	case orNode:
		collectRefs(v.lhs, visit)
		collectRefs(v.rhs, visit)
	case notNode:
		collectRefs(v.inner, visit)
	case cmpNode:
		if r, ok := v.lhs.(refOperand); ok {
			visit(r.task)
		}
		if r, ok := v.rhs.(refOperand); ok {
			visit(r.task)
		}
	}
}

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokRef
	tokString
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

func lexCondition(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, schema.NewError(schema.ErrCodeCondition, "single '=' is not an operator, use '=='")
			}
			toks = append(toks, token{tokEq, "=="})
			i += 2
		case c == '!':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, schema.NewError(schema.ErrCodeCondition, "expected '!='")
			}
			toks = append(toks, token{tokNeq, "!="})
			i += 2
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, schema.NewError(schema.ErrCodeCondition, "unterminated string literal")
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end]})
			i += end + 2
		case isWordByte(c):
			j := i
			for j < len(src) && isWordByte(src[j]) {
				j++
			}
			word := src[i:j]
			i = j
			switch word {
			case "and":
				toks = append(toks, token{tokAnd, word})
			case "or":
				toks = append(toks, token{tokOr, word})
			case "not":
				toks = append(toks, token{tokNot, word})
			default:
				name, ok := strings.CutPrefix(word, "tasks.")
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeCondition, "unknown identifier %q", word)
				}
				name, ok = strings.CutSuffix(name, ".status")
				if !ok || name == "" || strings.Contains(name, ".") {
					return nil, schema.NewErrorf(schema.ErrCodeCondition, "malformed reference %q, expected tasks.<name>.status", word)
				}
				toks = append(toks, token{tokRef, name})
			}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeCondition, "unexpected character %q", string(rune(c)))
		}
	}
	return append(toks, token{tokEOF, ""}), nil
}

func isWordByte(c byte) bool {
	return c == '.' || c == '_' || c == '-' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

// --- parser ---

type condParser struct {
	toks []token
	pos  int
}

func (p *condParser) peek() token {
	return p.toks[p.pos]
}

func (p *condParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *condParser) parseOr() (node, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = orNode{lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *condParser) parseAnd() (node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = andNode{lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *condParser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (node, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, schema.NewError(schema.ErrCodeCondition, "missing closing parenthesis")
		}
		p.next()
		return inner, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (node, error) {
	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	op := p.next()
	if op.kind != tokEq && op.kind != tokNeq {
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "expected '==' or '!=', got %q", op.text)
	}
	rhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return cmpNode{negated: op.kind == tokNeq, lhs: lhs, rhs: rhs}, nil
}

func (p *condParser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokRef:
		return refOperand{task: t.text}, nil
	case tokString:
		return litOperand{text: t.text}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "expected status reference or string literal, got %s", describeToken(t))
	}
}

func describeToken(t token) string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q", t.text)
}
