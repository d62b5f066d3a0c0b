// Package expr evaluates boolean filter expressions over event payloads.
//
// Expressions use Go syntax and are parsed with go/parser, so the grammar
// is exactly the Go expression grammar restricted to: identifiers, selector
// chains (payload.amount, payload.deal.stage), literals, unary !/-, and
// the operators && || == != < <= > >=. An expression is compiled once into
// a Program (validation time) and evaluated many times against payload
// maps (match time).
package expr

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"github.com/pkg/errors"
)

// ErrEval marks evaluation failures: unknown fields, non-boolean results,
// type mismatches. Callers evaluate fail-closed: any error counts as
// "does not match".
var ErrEval = errors.New("expr: evaluation error")

// ErrParse marks expressions rejected at compile time.
var ErrParse = errors.New("expr: parse error")

// Program is a compiled expression, safe for concurrent evaluation.
type Program struct {
	src  string
	root ast.Expr
}

// Compile parses an expression and verifies that every node is in the
// supported subset. Rejected expressions never reach the matcher.
func Compile(src string) (*Program, error) {
	root, err := parser.ParseExpr(src)
	if err != nil {
		return nil, errors.Wrapf(ErrParse, "%q: %v", src, err)
	}
	if err := checkNode(root); err != nil {
		return nil, errors.Wrapf(ErrParse, "%q: %v", src, err)
	}
	return &Program{src: src, root: root}, nil
}

// Check reports whether src compiles. Used by model validation so the
// model package needs no expr dependency beyond a func value.
func Check(src string) error {
	_, err := Compile(src)
	return err
}

// String returns the source the program was compiled from.
func (p *Program) String() string { return p.src }

// EvalBool evaluates the program against the given scope (top-level
// identifiers, typically {"payload": event payload}). The result must be
// a boolean; anything else is an ErrEval.
func (p *Program) EvalBool(scope map[string]any) (bool, error) {
	v, err := evalNode(p.root, scope)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Wrapf(ErrEval, "%q: result is %T, not bool", p.src, v)
	}
	return b, nil
}

var supportedBinaryOps = map[token.Token]bool{
	token.LAND: true, token.LOR: true,
	token.EQL: true, token.NEQ: true,
	token.LSS: true, token.LEQ: true,
	token.GTR: true, token.GEQ: true,
}

// checkNode walks the AST once at compile time, rejecting anything outside
// the supported subset so evaluation errors can only be data-shape errors.
func checkNode(n ast.Expr) error {
	switch e := n.(type) {
	case *ast.BinaryExpr:
		if !supportedBinaryOps[e.Op] {
			return errors.Errorf("unsupported operator %q", e.Op)
		}
		if err := checkNode(e.X); err != nil {
			return err
		}
		return checkNode(e.Y)
	case *ast.UnaryExpr:
		if e.Op != token.NOT && e.Op != token.SUB {
			return errors.Errorf("unsupported unary operator %q", e.Op)
		}
		return checkNode(e.X)
	case *ast.ParenExpr:
		return checkNode(e.X)
	case *ast.SelectorExpr:
		return checkNode(e.X)
	case *ast.Ident:
		return nil
	case *ast.BasicLit:
		switch e.Kind {
		case token.INT, token.FLOAT, token.STRING:
			return nil
		}
		return errors.Errorf("unsupported literal %q", e.Value)
	default:
		return errors.Errorf("unsupported expression node %T", n)
	}
}

func evalNode(n ast.Expr, scope map[string]any) (any, error) {
	switch e := n.(type) {
	case *ast.BinaryExpr:
		return evalBinary(e, scope)
	case *ast.UnaryExpr:
		return evalUnary(e, scope)
	case *ast.ParenExpr:
		return evalNode(e.X, scope)
	case *ast.SelectorExpr:
		return evalSelector(e, scope)
	case *ast.Ident:
		return evalIdent(e, scope)
	case *ast.BasicLit:
		return evalLit(e)
	default:
		return nil, errors.Wrapf(ErrEval, "unsupported node %T", n)
	}
}

func evalIdent(e *ast.Ident, scope map[string]any) (any, error) {
	switch e.Name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil":
		return nil, nil
	}
	v, ok := scope[e.Name]
	if !ok {
		return nil, errors.Wrapf(ErrEval, "unknown identifier %q", e.Name)
	}
	return v, nil
}

// evalSelector resolves a field access on a payload map. Struct access is
// deliberately unsupported: everything the matcher sees is decoded JSON.
func evalSelector(e *ast.SelectorExpr, scope map[string]any) (any, error) {
	base, err := evalNode(e.X, scope)
	if err != nil {
		return nil, err
	}
	m, ok := base.(map[string]any)
	if !ok {
		return nil, errors.Wrapf(ErrEval, "cannot select %q from %T", e.Sel.Name, base)
	}
	v, ok := m[e.Sel.Name]
	if !ok {
		return nil, errors.Wrapf(ErrEval, "field %q not present", e.Sel.Name)
	}
	return v, nil
}

func evalLit(e *ast.BasicLit) (any, error) {
	switch e.Kind {
	case token.INT:
		n, err := strconv.ParseInt(e.Value, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrEval, "bad int literal %q", e.Value)
		}
		return n, nil
	case token.FLOAT:
		f, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrEval, "bad float literal %q", e.Value)
		}
		return f, nil
	case token.STRING:
		s, err := strconv.Unquote(e.Value)
		if err != nil {
			return nil, errors.Wrapf(ErrEval, "bad string literal %s", e.Value)
		}
		return s, nil
	}
	return nil, errors.Wrapf(ErrEval, "unsupported literal %q", e.Value)
}
