package steps

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// EvalBool evaluates a boolean expression over env. An empty expression is true.
func EvalBool(src string, env map[string]any) (bool, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return true, nil
	}
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", src, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", src, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", src, output)
	}
	return result, nil
}
