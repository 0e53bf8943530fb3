package scenario

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseExpr parses the compact condition syntax:
//
//	plan == "pro" && (age in [18, 21] || !vip)
//	city not in ["Paris"] or name exists
//
// Bare identifiers test truthiness. Both symbolic (&&, ||, !) and word
// (and, or, not) combinators are accepted.
func ParseExpr(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, src: src}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return e, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokPunct
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '"' || c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				ch := src[i]
				if ch == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if rune(ch) == c {
					closed = true
					i++
					break
				}
				sb.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated string at %d in %q", ErrBadCondition, start, src)
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})
		case c == '-' || unicode.IsDigit(c):
			start := i
			i++
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || src[i] == '.' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case strings.HasPrefix(src[i:], "==") || strings.HasPrefix(src[i:], "!=") ||
			strings.HasPrefix(src[i:], "&&") || strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{kind: tokOp, text: src[i : i+2], pos: i})
			i += 2
		case c == '!':
			toks = append(toks, token{kind: tokOp, text: "!", pos: i})
			i++
		case strings.ContainsRune("()[],", c):
			toks = append(toks, token{kind: tokPunct, text: string(c), pos: i})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d in %q", ErrBadCondition, c, i, src)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

type parser struct {
	toks []token
	pos  int
	src  string
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return fmt.Errorf("%w: %s at %d in %q", ErrBadCondition, fmt.Sprintf(format, args...), t.pos, p.src)
}

func (p *parser) isWord(t token, w string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, w)
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	args := []Expr{left}
	for {
		t := p.peek()
		if !(t.kind == tokOp && t.text == "||") && !p.isWord(t, "or") {
			break
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return &Logical{Op: OpOr, Args: args}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	args := []Expr{left}
	for {
		t := p.peek()
		if !(t.kind == tokOp && t.text == "&&") && !p.isWord(t, "and") {
			break
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return &Logical{Op: OpAnd, Args: args}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	t := p.peek()
	if (t.kind == tokOp && t.text == "!") || p.isWord(t, "not") {
		p.next()
		arg, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Arg: arg}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch {
	case t.kind == tokPunct && t.text == "(":
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokPunct || c.text != ")" {
			return nil, p.errorf(c, "expected )")
		}
		return e, nil
	case p.isWord(t, "true"):
		return Const(true), nil
	case p.isWord(t, "false"):
		return Const(false), nil
	case t.kind == tokIdent:
		return p.parseComparison(t.text)
	case t.kind == tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	default:
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
}

func (p *parser) parseComparison(name string) (Expr, error) {
	t := p.peek()
	switch {
	case t.kind == tokOp && (t.text == "==" || t.text == "!="):
		p.next()
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		op := OpEq
		if t.text == "!=" {
			op = OpNe
		}
		return &Compare{Var: name, Op: op, Value: lit}, nil
	case p.isWord(t, "in"):
		p.next()
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &Compare{Var: name, Op: OpIn, Value: list}, nil
	case p.isWord(t, "not") && p.isWord(p.toks[p.pos+1], "in"):
		p.pos += 2
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &Compare{Var: name, Op: OpNotIn, Value: list}, nil
	case p.isWord(t, "exists"):
		p.next()
		return &Exists{Var: name}, nil
	}
	return &Exists{Var: name, Truthy: true}, nil
}

func (p *parser) parseList() ([]any, error) {
	if t := p.next(); t.kind != tokPunct || t.text != "[" {
		return nil, p.errorf(t, "expected [")
	}
	list := []any{}
	if t := p.peek(); t.kind == tokPunct && t.text == "]" {
		p.next()
		return list, nil
	}
	for {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		list = append(list, lit)
		t := p.next()
		if t.kind == tokPunct && t.text == "]" {
			return list, nil
		}
		if t.kind != tokPunct || t.text != "," {
			return nil, p.errorf(t, "expected , or ]")
		}
	}
}

func (p *parser) parseLiteral() (any, error) {
	t := p.next()
	switch {
	case t.kind == tokString:
		return t.text, nil
	case t.kind == tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "bad number %q", t.text)
		}
		return f, nil
	case p.isWord(t, "true"):
		return true, nil
	case p.isWord(t, "false"):
		return false, nil
	case p.isWord(t, "null"):
		return nil, nil
	}
	return nil, p.errorf(t, "expected literal, got %q", t.text)
}
