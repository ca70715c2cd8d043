package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// Rule conditions see a single "request" map:
//
//	request.mod_type, request.target, request.authority,
//	request.reason, request.new_value, request.old_value
//
// e.g. `request.new_value.startsWith("/data/")`.
func newConditionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}
	return env, nil
}

func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition must be boolean, got %s", out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

func evalCondition(prg cel.Program, req model.ModificationRequest, target string) (bool, error) {
	old := ""
	if req.OldValue != nil {
		old = *req.OldValue
	}
	out, _, err := prg.Eval(map[string]any{
		"request": map[string]any{
			"mod_type":  req.ModType.String(),
			"target":    target,
			"authority": string(req.Authority),
			"reason":    req.Reason,
			"new_value": req.NewValue,
			"old_value": old,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("condition result is %T, not bool", out.Value())
	}
	return ok, nil
}
