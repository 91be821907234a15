package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// guardCostLimit bounds the work a single guard evaluation may do.
const guardCostLimit = 100000

// guard is a compiled CEL expression over the evaluation context, exposed to
// the expression as the map variable ctx.
type guard struct {
	expr string
	prog cel.Program
}

// NewGuardEnv returns the CEL environment guards are compiled against.
func NewGuardEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileGuard(env *cel.Env, expr string) (*guard, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast, cel.CostLimit(guardCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return &guard{expr: expr, prog: prog}, nil
}

// eval runs the guard. Missing keys and type errors surface as errors; a
// non-boolean result is treated as false.
func (g *guard) eval(ctx Values) (bool, error) {
	out, _, err := g.prog.Eval(map[string]any{"ctx": ctx.Map()})
	if err != nil {
		return false, fmt.Errorf("guard %q: %w", g.expr, err)
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}
