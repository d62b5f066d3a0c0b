package expr

import (
	"go/ast"
	"go/token"

	"github.com/pkg/errors"
)

func evalUnary(e *ast.UnaryExpr, scope map[string]any) (any, error) {
	v, err := evalNode(e.X, scope)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case token.NOT:
		b, ok := v.(bool)
		if !ok {
			return nil, errors.Wrapf(ErrEval, "operand of ! is %T, not bool", v)
		}
		return !b, nil
	case token.SUB:
		if n, ok := toInt(v); ok {
			return -n, nil
		}
		if f, ok := toFloat(v); ok {
			return -f, nil
		}
		return nil, errors.Wrapf(ErrEval, "operand of - is %T, not numeric", v)
	}
	return nil, errors.Wrapf(ErrEval, "unsupported unary operator %q", e.Op)
}

func evalBinary(e *ast.BinaryExpr, scope map[string]any) (any, error) {
	// && and || short-circuit: the right side is not evaluated when the
	// left side decides, so a missing field on the dead branch is not an
	// error.
	if e.Op == token.LAND || e.Op == token.LOR {
		lv, err := evalNode(e.X, scope)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, errors.Wrapf(ErrEval, "left operand of %q is %T, not bool", e.Op, lv)
		}
		if e.Op == token.LAND && !lb {
			return false, nil
		}
		if e.Op == token.LOR && lb {
			return true, nil
		}
		rv, err := evalNode(e.Y, scope)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, errors.Wrapf(ErrEval, "right operand of %q is %T, not bool", e.Op, rv)
		}
		return rb, nil
	}

	lv, err := evalNode(e.X, scope)
	if err != nil {
		return nil, err
	}
	rv, err := evalNode(e.Y, scope)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case token.EQL:
		return valuesEqual(lv, rv)
	case token.NEQ:
		eq, err := valuesEqual(lv, rv)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		return compareOrdered(e.Op, lv, rv)
	}
	return nil, errors.Wrapf(ErrEval, "unsupported operator %q", e.Op)
}

// valuesEqual compares across the JSON scalar types: numbers compare
// numerically regardless of int/float representation, strings and bools
// compare directly, nil equals only nil.
func valuesEqual(x, y any) (bool, error) {
	if x == nil || y == nil {
		return x == nil && y == nil, nil
	}
	if fx, ok := toFloat(x); ok {
		fy, ok := toFloat(y)
		if !ok {
			return false, errors.Wrapf(ErrEval, "cannot compare %T with %T", x, y)
		}
		return fx == fy, nil
	}
	switch xv := x.(type) {
	case string:
		yv, ok := y.(string)
		if !ok {
			return false, errors.Wrapf(ErrEval, "cannot compare string with %T", y)
		}
		return xv == yv, nil
	case bool:
		yv, ok := y.(bool)
		if !ok {
			return false, errors.Wrapf(ErrEval, "cannot compare bool with %T", y)
		}
		return xv == yv, nil
	}
	return false, errors.Wrapf(ErrEval, "cannot compare %T with %T", x, y)
}

func compareOrdered(op token.Token, x, y any) (bool, error) {
	if nx, ok := toInt(x); ok {
		if ny, ok := toInt(y); ok {
			return intCmp(op, nx, ny)
		}
	}
	fx, okx := toFloat(x)
	fy, oky := toFloat(y)
	if okx && oky {
		return floatCmp(op, fx, fy)
	}
	sx, okx := x.(string)
	sy, oky := y.(string)
	if okx && oky {
		return stringCmp(op, sx, sy)
	}
	return false, errors.Wrapf(ErrEval, "cannot order %T against %T", x, y)
}

func intCmp(op token.Token, x, y int64) (bool, error) {
	switch op {
	case token.LSS:
		return x < y, nil
	case token.LEQ:
		return x <= y, nil
	case token.GTR:
		return x > y, nil
	case token.GEQ:
		return x >= y, nil
	}
	return false, errors.Wrapf(ErrEval, "unsupported comparison %q", op)
}

func floatCmp(op token.Token, x, y float64) (bool, error) {
	switch op {
	case token.LSS:
		return x < y, nil
	case token.LEQ:
		return x <= y, nil
	case token.GTR:
		return x > y, nil
	case token.GEQ:
		return x >= y, nil
	}
	return false, errors.Wrapf(ErrEval, "unsupported comparison %q", op)
}

func stringCmp(op token.Token, x, y string) (bool, error) {
	switch op {
	case token.LSS:
		return x < y, nil
	case token.LEQ:
		return x <= y, nil
	case token.GTR:
		return x > y, nil
	case token.GEQ:
		return x >= y, nil
	}
	return false, errors.Wrapf(ErrEval, "unsupported comparison %q", op)
}

// toInt accepts the integer shapes JSON decoding and Go callers produce.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// toFloat widens any numeric value to float64. JSON numbers decode as
// float64, but shaped payloads built in Go may carry ints.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
