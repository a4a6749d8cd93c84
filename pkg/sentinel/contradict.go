package sentinel

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/operators"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// rangeConstraint is one linear comparison of a variable against an integer
// literal, normalized so the variable sits on the left.
type rangeConstraint struct {
	variable string
	op       string
	value    int64
}

// collectConstraints gathers range constraints from the top-level
// conjunction of the expression. Comparisons under a disjunction or a
// negation are not asserted and are skipped.
func collectConstraints(ast *cel.Ast, out []rangeConstraint) []rangeConstraint {
	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return out
	}
	return collectExpr(parsed.GetExpr(), out)
}

func collectExpr(e *exprpb.Expr, out []rangeConstraint) []rangeConstraint {
	call := e.GetCallExpr()
	if call == nil {
		return out
	}
	switch call.Function {
	case operators.LogicalAnd:
		for _, arg := range call.Args {
			out = collectExpr(arg, out)
		}
	case operators.Greater, operators.GreaterEquals, operators.Less, operators.LessEquals, operators.Equals:
		if len(call.Args) != 2 {
			return out
		}
		if v, ok := pathOf(call.Args[0]); ok {
			if n, ok := intOf(call.Args[1]); ok {
				out = append(out, rangeConstraint{variable: v, op: call.Function, value: n})
			}
			return out
		}
		if n, ok := intOf(call.Args[0]); ok {
			if v, ok := pathOf(call.Args[1]); ok {
				out = append(out, rangeConstraint{variable: v, op: mirrorOp(call.Function), value: n})
			}
		}
	}
	return out
}

func pathOf(e *exprpb.Expr) (string, bool) {
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_IdentExpr:
		return k.IdentExpr.Name, true
	case *exprpb.Expr_SelectExpr:
		base, ok := pathOf(k.SelectExpr.Operand)
		if !ok {
			return "", false
		}
		return base + "." + k.SelectExpr.Field, true
	}
	return "", false
}

func intOf(e *exprpb.Expr) (int64, bool) {
	if call := e.GetCallExpr(); call != nil && call.Function == operators.Negate && len(call.Args) == 1 {
		n, ok := intOf(call.Args[0])
		return -n, ok
	}
	c := e.GetConstExpr()
	if c == nil {
		return 0, false
	}
	switch k := c.ConstantKind.(type) {
	case *exprpb.Constant_Int64Value:
		return k.Int64Value, true
	case *exprpb.Constant_Uint64Value:
		return int64(k.Uint64Value), true
	}
	return 0, false
}

func mirrorOp(op string) string {
	switch op {
	case operators.Greater:
		return operators.Less
	case operators.GreaterEquals:
		return operators.LessEquals
	case operators.Less:
		return operators.Greater
	case operators.LessEquals:
		return operators.GreaterEquals
	}
	return op
}

// interval tracks the feasible range of one variable over the reals.
type interval struct {
	lo, hi             int64
	hasLo, hasHi       bool
	loStrict, hiStrict bool
}

func (iv *interval) apply(op string, v int64) {
	switch op {
	case operators.Greater:
		iv.tightenLo(v, true)
	case operators.GreaterEquals:
		iv.tightenLo(v, false)
	case operators.Less:
		iv.tightenHi(v, true)
	case operators.LessEquals:
		iv.tightenHi(v, false)
	case operators.Equals:
		iv.tightenLo(v, false)
		iv.tightenHi(v, false)
	}
}

func (iv *interval) tightenLo(v int64, strict bool) {
	switch {
	case !iv.hasLo || v > iv.lo:
		iv.lo, iv.loStrict, iv.hasLo = v, strict, true
	case v == iv.lo && strict:
		iv.loStrict = true
	}
}

func (iv *interval) tightenHi(v int64, strict bool) {
	switch {
	case !iv.hasHi || v < iv.hi:
		iv.hi, iv.hiStrict, iv.hasHi = v, strict, true
	case v == iv.hi && strict:
		iv.hiStrict = true
	}
}

func (iv *interval) empty() bool {
	if !iv.hasLo || !iv.hasHi {
		return false
	}
	if iv.lo > iv.hi {
		return true
	}
	return iv.lo == iv.hi && (iv.loStrict || iv.hiStrict)
}

// contradicts intersects all constraints per variable and names the first
// variable whose range becomes empty.
func contradicts(cs []rangeConstraint) (string, bool) {
	intervals := make(map[string]*interval)
	for _, c := range cs {
		iv := intervals[c.variable]
		if iv == nil {
			iv = &interval{}
			intervals[c.variable] = iv
		}
		iv.apply(c.op, c.value)
		if iv.empty() {
			return c.variable, true
		}
	}
	return "", false
}
