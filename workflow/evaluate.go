package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates condition lists against entity snapshots.
//
// The fixed operators are pure functions over the snapshots. The
// expression operator compiles CEL sources lazily and caches the
// compiled programs, so repeated dispatches do not recompile.
// Thread-safe for concurrent evaluation (RWMutex around the cache).
type Evaluator struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewEvaluator creates an evaluator with a CEL environment exposing the
// current and previous snapshots as dynamic values.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("current", cel.DynType),
		cel.Variable("previous", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate returns true iff every condition holds against the snapshots.
// An empty condition list is vacuously true. Conditions combine with
// logical AND and evaluation stops at the first failure. previous may be
// nil for contexts without a transition (the conversion gate).
//
// Unknown operators and non-numeric operands to the numeric comparisons
// are evaluation errors, not silent pass/fail.
func (ev *Evaluator) Evaluate(conditions []Condition, current, previous Snapshot) (bool, error) {
	for _, c := range conditions {
		ok, err := ev.evalCondition(c, current, previous)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (ev *Evaluator) evalCondition(c Condition, current, previous Snapshot) (bool, error) {
	switch c.Operator {
	case OpEquals:
		return valueEquals(current[c.Field], c.Value), nil
	case OpNotEquals:
		return !valueEquals(current[c.Field], c.Value), nil
	case OpIsNotEmpty:
		return !isEmpty(current[c.Field]), nil
	case OpIsEmpty:
		return isEmpty(current[c.Field]), nil
	case OpChangesFrom:
		if previous == nil {
			return false, nil
		}
		return valueEquals(previous[c.Field], c.Value), nil
	case OpChangesTo:
		return valueEquals(current[c.Field], c.Value), nil
	case OpContains:
		field := current[c.Field]
		if field == nil {
			return false, nil
		}
		return strings.Contains(
			strings.ToLower(stringify(field)),
			strings.ToLower(stringify(c.Value)),
		), nil
	case OpGreaterThan, OpLessThan:
		left, ok := coerceNumber(current[c.Field])
		if !ok {
			return false, fmt.Errorf("condition on field %q: operand %v is not numeric", c.Field, current[c.Field])
		}
		right, ok := coerceNumber(c.Value)
		if !ok {
			return false, fmt.Errorf("condition on field %q: comparison value %v is not numeric", c.Field, c.Value)
		}
		if c.Operator == OpGreaterThan {
			return left > right, nil
		}
		return left < right, nil
	case OpExpression:
		return ev.evalExpression(c, current, previous)
	default:
		return false, fmt.Errorf("unknown condition operator %q", c.Operator)
	}
}

func (ev *Evaluator) evalExpression(c Condition, current, previous Snapshot) (bool, error) {
	source, ok := c.Value.(string)
	if !ok || strings.TrimSpace(source) == "" {
		return false, fmt.Errorf("expression condition requires a non-empty string value")
	}

	prog, err := ev.program(source)
	if err != nil {
		return false, err
	}

	if previous == nil {
		previous = Snapshot{}
	}
	out, _, err := prog.Eval(map[string]any{
		"current":  current,
		"previous": previous,
	})
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean", source)
	}
	return matched, nil
}

// CompileExpression validates an expression condition's CEL source and
// caches the compiled program. Used by ruleset validation at load time.
func (ev *Evaluator) CompileExpression(source string) error {
	_, err := ev.program(source)
	return err
}

func (ev *Evaluator) program(source string) (cel.Program, error) {
	ev.mu.RLock()
	prog, exists := ev.programs[source]
	ev.mu.RUnlock()
	if exists {
		return prog, nil
	}

	ast, issues := ev.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compile error: %w", issues.Err())
	}

	// Cost limit bounds runaway expressions from tenant-supplied rulesets.
	prog, err := ev.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("expression program creation error: %w", err)
	}

	ev.mu.Lock()
	ev.programs[source] = prog
	ev.mu.Unlock()

	return prog, nil
}

// valueEquals compares two field values strictly: numbers compare
// numerically across integer/float representations, everything else
// compares by type and value. Strings never compare equal to numbers.
func valueEquals(a, b any) bool {
	fa, aNum := numericValue(a)
	fb, bNum := numericValue(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return a == b
}

// isEmpty reports whether a field is nil or its trimmed string form is empty.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	return strings.TrimSpace(stringify(v)) == ""
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// numericValue converts numeric types to float64. Strings do not count
// as numeric here; see coerceNumber for the comparison operators.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// coerceNumber converts numeric types and numeric strings to float64
// for greater_than/less_than comparisons.
func coerceNumber(v any) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}
