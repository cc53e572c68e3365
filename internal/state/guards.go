package state

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// guardEngine compiles and evaluates transition guards.
//
// Guards see four variables: from, to, data (the payload of the requested
// transition) and previous (the payload of the current state).
type guardEngine struct {
	env *cel.Env
}

func newGuardEngine() (*guardEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("previous", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &guardEngine{env: env}, nil
}

// compile turns every guard expression into a program keyed like Schema.Guards.
func (g *guardEngine) compile(guards map[string]string) (map[string]cel.Program, error) {
	programs := make(map[string]cel.Program, len(guards))
	for key, expr := range guards {
		ast, issues := g.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidGuard, key, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("%w %s: expression must return a bool", ErrInvalidGuard, key)
		}

		program, err := g.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("creating program for %s: %w", key, err)
		}
		programs[key] = program
	}
	return programs, nil
}

func evalGuard(program cel.Program, from, to string, data, previous map[string]any) (bool, error) {
	if data == nil {
		data = map[string]any{}
	}
	if previous == nil {
		previous = map[string]any{}
	}

	result, _, err := program.Eval(map[string]any{
		"from":     from,
		"to":       to,
		"data":     data,
		"previous": previous,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrGuardFailed, err)
	}

	allowed, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: guard did not return boolean", ErrGuardFailed)
	}
	return allowed, nil
}
