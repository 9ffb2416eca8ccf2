// Package cel evaluates best-practice rule conditions with CEL.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/arrgate/arrgate/internal/domain/rules"
)

// maxConditionLength is the maximum allowed length for rule conditions.
const maxConditionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single condition evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// maxCachedPrograms bounds the compiled-program cache. Audits re-run the
// same small rule set, so the cache normally holds one entry per rule.
const maxCachedPrograms = 256

// Evaluator compiles and evaluates rule conditions. Conditions are
// operator input, so they are bounded before compilation (length,
// nesting) and at runtime (cost budget, timeout).
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// Compile-time interface check.
var _ rules.ConditionEvaluator = (*Evaluator)(nil)

// NewEvaluator creates a CEL evaluator with the audit environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := newAuditEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create audit environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// compile parses and type-checks a condition, returning a runnable program.
func (e *Evaluator) compile(condition string) (cel.Program, error) {
	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// program returns a cached compiled program, compiling on first use.
func (e *Evaluator) program(condition string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := e.compile(condition)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.programs) >= maxCachedPrograms {
		e.programs = make(map[string]cel.Program, maxCachedPrograms)
	}
	e.programs[condition] = prg
	e.mu.Unlock()
	return prg, nil
}

// validateNesting checks that the condition does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("condition nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateCondition checks that a condition is syntactically valid, safe
// to evaluate, and yields a boolean. Called before a rule is saved.
func (e *Evaluator) ValidateCondition(condition string) error {
	if condition == "" {
		return errors.New("condition is empty")
	}
	if len(condition) > maxConditionLength {
		return fmt.Errorf("condition too long: %d characters (max %d)", len(condition), maxConditionLength)
	}
	if err := validateNesting(condition); err != nil {
		return err
	}

	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid CEL condition: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("condition must yield a boolean, got %s", ast.OutputType())
	}
	return nil
}

// EvaluateCondition runs a condition against one audit input. A true
// result raises a finding. Evaluation errors (missing config keys, type
// mismatches) are returned for the caller to record as skipped.
func (e *Evaluator) EvaluateCondition(ctx context.Context, condition string, input rules.Input) (bool, error) {
	prg, err := e.program(condition)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation(input))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	raised, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return a boolean, got %T", result.Value())
	}
	return raised, nil
}
