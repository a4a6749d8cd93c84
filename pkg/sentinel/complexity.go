package sentinel

import (
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

var decisionTokens = regexp.MustCompile(`\b(?:if|for|while|case|elif|catch|except|when)\b|&&|\|\|`)

// MaxComplexity reports the highest cyclomatic complexity found in the
// content and the name of the function carrying it. Go sources get a real
// AST walk; everything else falls back to decision-token counting over the
// whole change.
func MaxComplexity(path, content string) (string, int, bool) {
	if strings.HasSuffix(path, ".go") {
		if name, cc, ok := goComplexity(content); ok {
			return name, cc, true
		}
	}
	n := len(decisionTokens.FindAllStringIndex(content, -1))
	if n == 0 {
		return "", 0, false
	}
	return "change", 1 + n, true
}

func goComplexity(src string) (string, int, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "input.go", src, 0)
	if err != nil {
		return "", 0, false
	}

	var name string
	var max int
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		cc := 1
		ast.Inspect(fn.Body, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.CaseClause, *ast.CommClause:
				cc++
			case *ast.BinaryExpr:
				if n.Op == token.LAND || n.Op == token.LOR {
					cc++
				}
			}
			return true
		})
		if cc > max {
			name, max = fn.Name.Name, cc
		}
	}
	if name == "" {
		return "", 0, false
	}
	return name, max, true
}
