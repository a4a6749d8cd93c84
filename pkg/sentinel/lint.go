package sentinel

import (
	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// lintDeterminism walks the parsed expression and reports constructs whose
// result can differ between evaluations of the same input: clock access,
// map iteration order, and floating-point literals.
func lintDeterminism(ast *cel.Ast) []string {
	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return []string{"expression has no parsed representation"}
	}
	var issues []string
	walkExpr(parsed.GetExpr(), &issues)
	return issues
}

func walkExpr(e *exprpb.Expr, issues *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*issues = append(*issues, "floating-point literal")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*issues = append(*issues, "now() reads the clock")
		case "keys", "values":
			*issues = append(*issues, call.Function+"() iterates a map in unspecified order")
		}
		walkExpr(call.Target, issues)
		for _, arg := range call.Args {
			walkExpr(arg, issues)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, issues)

	case *exprpb.Expr_IdentExpr:

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, issues)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if mk := entry.GetMapKey(); mk != nil {
				walkExpr(mk, issues)
			}
			walkExpr(entry.Value, issues)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, issues)
		walkExpr(comp.AccuInit, issues)
		walkExpr(comp.LoopCondition, issues)
		walkExpr(comp.LoopStep, issues)
		walkExpr(comp.Result, issues)
	}
}
