package scenario

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op names a condition operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpIn     Op = "in"
	OpNotIn  Op = "not_in"
	OpExists Op = "exists"
	OpAnd    Op = "and"
	OpOr     Op = "or"
	OpNot    Op = "not"
)

// ErrBadCondition is wrapped by every condition construction or evaluation failure.
var ErrBadCondition = errors.New("bad condition")

// Expr is a node of the closed condition AST. Eval never panics; an error
// means the expression could not be evaluated and callers must treat it as false.
type Expr interface {
	Eval(data map[string]any) (bool, error)
	String() string
}

// Const is a literal true/false.
type Const bool

func (c Const) Eval(map[string]any) (bool, error) { return bool(c), nil }
func (c Const) String() string                    { return strconv.FormatBool(bool(c)) }

// Compare tests a collected variable against a literal (eq, ne) or a list
// of literals (in, not_in).
type Compare struct {
	Var   string
	Op    Op
	Value any
}

func (c *Compare) Eval(data map[string]any) (bool, error) {
	got, ok := Lookup(data, c.Var)
	switch c.Op {
	case OpEq:
		return ok && looseEqual(got, c.Value), nil
	case OpNe:
		return !ok || !looseEqual(got, c.Value), nil
	case OpIn, OpNotIn:
		list, isList := c.Value.([]any)
		if !isList {
			return false, fmt.Errorf("%w: %s operand for %q is not a list", ErrBadCondition, c.Op, c.Var)
		}
		found := false
		if ok {
			for _, v := range list {
				if looseEqual(got, v) {
					found = true
					break
				}
			}
		}
		if c.Op == OpIn {
			return found, nil
		}
		return !found, nil
	default:
		return false, fmt.Errorf("%w: unsupported operator %q", ErrBadCondition, c.Op)
	}
}

func (c *Compare) String() string {
	switch c.Op {
	case OpEq:
		return fmt.Sprintf("%s == %s", c.Var, literalString(c.Value))
	case OpNe:
		return fmt.Sprintf("%s != %s", c.Var, literalString(c.Value))
	case OpIn:
		return fmt.Sprintf("%s in %s", c.Var, literalString(c.Value))
	case OpNotIn:
		return fmt.Sprintf("%s not in %s", c.Var, literalString(c.Value))
	}
	return fmt.Sprintf("%s %s %s", c.Var, c.Op, literalString(c.Value))
}

// Exists is true when the variable is set. With Truthy it additionally
// requires a non-empty, non-false, non-zero value.
type Exists struct {
	Var    string
	Truthy bool
}

func (e *Exists) Eval(data map[string]any) (bool, error) {
	v, ok := Lookup(data, e.Var)
	if !ok {
		return false, nil
	}
	if !e.Truthy {
		return true, nil
	}
	return truthy(v), nil
}

func (e *Exists) String() string {
	if e.Truthy {
		return e.Var
	}
	return e.Var + " exists"
}

// Logical combines sub-expressions with and/or. An error in any operand
// fails the whole expression.
type Logical struct {
	Op   Op
	Args []Expr
}

func (l *Logical) Eval(data map[string]any) (bool, error) {
	switch l.Op {
	case OpAnd:
		for _, a := range l.Args {
			ok, err := a.Eval(data)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, a := range l.Args {
			ok, err := a.Eval(data)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unsupported combinator %q", ErrBadCondition, l.Op)
	}
}

func (l *Logical) String() string {
	sep := " && "
	if l.Op == OpOr {
		sep = " || "
	}
	parts := make([]string, 0, len(l.Args))
	for _, a := range l.Args {
		parts = append(parts, a.String())
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Not negates its operand. Errors propagate so that a broken operand does
// not turn into a true result.
type Not struct {
	Arg Expr
}

func (n *Not) Eval(data map[string]any) (bool, error) {
	ok, err := n.Arg.Eval(data)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n *Not) String() string { return "!" + n.Arg.String() }

// BuildExpr converts a decoded JSON/YAML condition into an Expr. Strings are
// parsed with ParseExpr; objects use the structured form.
func BuildExpr(raw any) (Expr, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty condition", ErrBadCondition)
	case bool:
		return Const(v), nil
	case string:
		return ParseExpr(v)
	case map[string]any:
		return buildObject(v)
	default:
		return nil, fmt.Errorf("%w: unsupported condition of type %T", ErrBadCondition, raw)
	}
}

func buildObject(m map[string]any) (Expr, error) {
	for _, key := range []string{"all", "and", "any", "or"} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		items, isList := raw.([]any)
		if !isList || len(items) == 0 {
			return nil, fmt.Errorf("%w: %q needs a non-empty list", ErrBadCondition, key)
		}
		op := OpAnd
		if key == "any" || key == "or" {
			op = OpOr
		}
		l := &Logical{Op: op}
		for i, item := range items {
			e, err := BuildExpr(item)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
			}
			l.Args = append(l.Args, e)
		}
		return l, nil
	}

	if raw, ok := m["not"]; ok {
		e, err := BuildExpr(raw)
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		return &Not{Arg: e}, nil
	}

	name, _ := m["var"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: condition object needs \"var\"", ErrBadCondition)
	}
	opName, _ := m["op"].(string)
	switch Op(opName) {
	case OpEq, OpNe:
		return &Compare{Var: name, Op: Op(opName), Value: normalizeLiteral(m["value"])}, nil
	case OpIn, OpNotIn:
		list, isList := m["value"].([]any)
		if !isList {
			return nil, fmt.Errorf("%w: %q on %q needs a list value", ErrBadCondition, opName, name)
		}
		norm := make([]any, len(list))
		for i, v := range list {
			norm[i] = normalizeLiteral(v)
		}
		return &Compare{Var: name, Op: Op(opName), Value: norm}, nil
	case OpExists:
		return &Exists{Var: name}, nil
	case "":
		return &Exists{Var: name, Truthy: true}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported operator %q", ErrBadCondition, opName)
	}
}

// Lookup resolves a dotted variable path against collected data.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func normalizeLiteral(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// looseEqual compares collected values with literals. User input arrives as
// text, so a numeric literal matches a numeric string.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !(aStr && bStr) {
		if x, ok := asNumber(a); ok {
			if y, ok := asNumber(b); ok {
				return x == y
			}
		}
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return x == y
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if n, ok := asNumber(v); ok {
		return n != 0
	}
	return true
}

func literalString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case []any:
		parts := make([]string, len(t))
		for i, x := range t {
			parts[i] = literalString(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
