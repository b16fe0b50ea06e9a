package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Programs are compiled once per expression and cached.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	derived map[string]func(map[string]any) any
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		derived: make(map[string]func(map[string]any) any),
	}
}

// AddDerived registers a variable computed from the environment at
// evaluation time, e.g. a count over a list held in state.
func (e *ExprEvaluator) AddDerived(name string, f func(map[string]any) any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
}

// Validate compiles expression without running it.
func (e *ExprEvaluator) Validate(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against env. env is not modified.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	scope := make(map[string]any, len(env)+len(e.derived))
	for k, v := range env {
		scope[k] = v
	}
	e.mu.RLock()
	for k, f := range e.derived {
		scope[k] = f(env)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
