// Package condition implements the breakpoint condition expression
// language: a small, sandboxed boolean expression interpreter evaluated
// against an execution context's variable map. Expressions can compare
// and combine variables, numbers, strings, booleans and NULL; they can
// never reach host code.
//
// Supported syntax:
//
//	amount > 100 AND region = 'emea'
//	NOT (retries >= 3 OR failed)
//	price * quantity <= budget
//
// Operators: AND, OR, NOT (upper or lower case), = == != <> < <= > >=,
// + - * /, parentheses. Strings are single or double quoted.
package condition

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/sqlstep/sqlstep/core/errors"
)

// condLexer tokenizes condition expressions. Multi-character operators
// must be single tokens so the grammar can match them by value.
var condLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Float", Pattern: `[0-9]+\.[0-9]+`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "String", Pattern: `'(?:[^']|'')*'|"(?:[^"]|"")*"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z0-9_]+)*`},
	{Name: "Op", Pattern: `==|!=|<>|<=|>=|[-+*/()<>=]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

//nolint:govet // participle grammar tags are not standard struct tags
type orExpr struct {
	Left  *andExpr   `@@`
	Right []*andExpr `( ( "OR" | "or" ) @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type andExpr struct {
	Left  *notExpr   `@@`
	Right []*notExpr `( ( "AND" | "and" ) @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type notExpr struct {
	Not *notExpr    `( "NOT" | "not" ) @@`
	Cmp *comparison `| @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type comparison struct {
	Left  *additive `@@`
	Op    string    `( @( "==" | "=" | "!=" | "<>" | "<=" | ">=" | "<" | ">" )`
	Right *additive `  @@ )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type additive struct {
	Left  *multiplicative `@@`
	Terms []*addTerm      `( @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type addTerm struct {
	Op      string          `@( "+" | "-" )`
	Operand *multiplicative `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type multiplicative struct {
	Left  *primary    `@@`
	Terms []*multTerm `( @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type multTerm struct {
	Op      string   `@( "*" | "/" )`
	Operand *primary `@@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type primary struct {
	Float *float64 `  @Float`
	Int   *int64   `| @Int`
	Str   *string  `| @String`
	Ident *string  `| @Ident`
	Sub   *orExpr  `| "(" @@ ")"`
}

var condParser = participle.MustBuild[orExpr](
	participle.Lexer(condLexer),
	participle.Elide("Whitespace"),
)

// Program is a compiled condition expression, safe for reuse across
// evaluations and goroutines.
type Program struct {
	expr *orExpr
	src  string
}

// Compile parses an expression into a reusable Program.
func Compile(expr string) (*Program, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, errors.NewCondition(expr, "empty expression", nil)
	}
	parsed, err := condParser.ParseString("", src)
	if err != nil {
		return nil, errors.NewCondition(expr, "parse error", err)
	}
	return &Program{expr: parsed, src: src}, nil
}

// Source returns the original expression text.
func (p *Program) Source() string {
	return p.src
}

// Eval evaluates the program against a variable map. The result must be
// boolean; any type mismatch or unknown identifier is an error.
func (p *Program) Eval(vars map[string]any) (bool, error) {
	v, err := evalOr(p.expr, vars)
	if err != nil {
		return false, errors.NewCondition(p.src, err.Error(), err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.NewCondition(p.src, fmt.Sprintf("expression is not boolean (got %T)", v), nil)
	}
	return b, nil
}

// Evaluate compiles and evaluates an expression in one step.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	prog, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return prog.Eval(vars)
}

func evalOr(e *orExpr, vars map[string]any) (any, error) {
	left, err := evalAnd(e.Left, vars)
	if err != nil {
		return nil, err
	}
	if len(e.Right) == 0 {
		return left, nil
	}
	b, err := asBool(left)
	if err != nil {
		return nil, err
	}
	for _, term := range e.Right {
		if b {
			// Short-circuit: remaining terms are not evaluated.
			return true, nil
		}
		v, err := evalAnd(term, vars)
		if err != nil {
			return nil, err
		}
		b, err = asBool(v)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func evalAnd(e *andExpr, vars map[string]any) (any, error) {
	left, err := evalNot(e.Left, vars)
	if err != nil {
		return nil, err
	}
	if len(e.Right) == 0 {
		return left, nil
	}
	b, err := asBool(left)
	if err != nil {
		return nil, err
	}
	for _, term := range e.Right {
		if !b {
			return false, nil
		}
		v, err := evalNot(term, vars)
		if err != nil {
			return nil, err
		}
		b, err = asBool(v)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func evalNot(e *notExpr, vars map[string]any) (any, error) {
	if e.Not != nil {
		v, err := evalNot(e.Not, vars)
		if err != nil {
			return nil, err
		}
		b, err := asBool(v)
		if err != nil {
			return nil, err
		}
		return !b, nil
	}
	return evalComparison(e.Cmp, vars)
}

func evalComparison(e *comparison, vars map[string]any) (any, error) {
	left, err := evalAdditive(e.Left, vars)
	if err != nil {
		return nil, err
	}
	if e.Op == "" {
		return left, nil
	}
	right, err := evalAdditive(e.Right, vars)
	if err != nil {
		return nil, err
	}
	return compare(e.Op, left, right)
}

func evalAdditive(e *additive, vars map[string]any) (any, error) {
	acc, err := evalMultiplicative(e.Left, vars)
	if err != nil {
		return nil, err
	}
	for _, term := range e.Terms {
		rhs, err := evalMultiplicative(term.Operand, vars)
		if err != nil {
			return nil, err
		}
		acc, err = arith(term.Op, acc, rhs)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func evalMultiplicative(e *multiplicative, vars map[string]any) (any, error) {
	acc, err := evalPrimary(e.Left, vars)
	if err != nil {
		return nil, err
	}
	for _, term := range e.Terms {
		rhs, err := evalPrimary(term.Operand, vars)
		if err != nil {
			return nil, err
		}
		acc, err = arith(term.Op, acc, rhs)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func evalPrimary(e *primary, vars map[string]any) (any, error) {
	switch {
	case e.Float != nil:
		return *e.Float, nil
	case e.Int != nil:
		return float64(*e.Int), nil
	case e.Str != nil:
		return unquote(*e.Str), nil
	case e.Ident != nil:
		return resolveIdent(*e.Ident, vars)
	case e.Sub != nil:
		return evalOr(e.Sub, vars)
	default:
		return nil, fmt.Errorf("empty expression term")
	}
}

// resolveIdent looks up an identifier in the variable map. TRUE, FALSE
// and NULL are reserved words, matched case-insensitively the way SQL
// treats them.
func resolveIdent(name string, vars map[string]any) (any, error) {
	switch strings.ToUpper(name) {
	case "TRUE":
		return true, nil
	case "FALSE":
		return false, nil
	case "NULL":
		return nil, nil
	}
	v, ok := vars[name]
	if !ok {
		return nil, fmt.Errorf("unknown variable %q", name)
	}
	return normalize(v), nil
}

// normalize folds all numeric variable values to float64 so comparisons
// between e.g. an int variable and an integer literal work.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// unquote strips the surrounding quotes and collapses doubled quote
// escapes ('' or "") the way SQL string literals do.
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	body := s[1 : len(s)-1]
	if q == '\'' {
		return strings.ReplaceAll(body, "''", "'")
	}
	return strings.ReplaceAll(body, `""`, `"`)
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected boolean operand, got %T", v)
	}
	return b, nil
}

func compare(op string, left, right any) (any, error) {
	// NULL compares equal only to NULL, and orders against nothing.
	if left == nil || right == nil {
		switch op {
		case "=", "==":
			return left == nil && right == nil, nil
		case "!=", "<>":
			return !(left == nil && right == nil), nil
		default:
			return nil, fmt.Errorf("cannot order NULL with %s", op)
		}
	}

	if lf, lok := left.(float64); lok {
		rf, rok := right.(float64)
		if !rok {
			return nil, fmt.Errorf("cannot compare number with %T", right)
		}
		switch op {
		case "=", "==":
			return lf == rf, nil
		case "!=", "<>":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		if !rok {
			return nil, fmt.Errorf("cannot compare string with %T", right)
		}
		switch op {
		case "=", "==":
			return ls == rs, nil
		case "!=", "<>":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	if lb, lok := left.(bool); lok {
		rb, rok := right.(bool)
		if !rok {
			return nil, fmt.Errorf("cannot compare boolean with %T", right)
		}
		switch op {
		case "=", "==":
			return lb == rb, nil
		case "!=", "<>":
			return lb != rb, nil
		default:
			return nil, fmt.Errorf("cannot order booleans with %s", op)
		}
	}

	return nil, fmt.Errorf("cannot compare %T values", left)
}

func arith(op string, left, right any) (any, error) {
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic requires numbers, got %T %s %T", left, op, right)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}
