package workflow

import (
	"strings"
	"testing"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() failed: %v", err)
	}
	return ev
}

func TestEvaluateEmptyConditionsIsTrue(t *testing.T) {
	ev := newTestEvaluator(t)

	ok, err := ev.Evaluate(nil, Snapshot{"status": "new"}, nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if !ok {
		t.Error("empty condition list should evaluate to true")
	}
}

func TestEvaluateOperators(t *testing.T) {
	ev := newTestEvaluator(t)

	current := Snapshot{
		"status": "qualified",
		"email":  "jane@example.com",
		"phone":  "  ",
		"score":  45,
		"amount": 1500.0,
		"notes":  "Follow Up Monday",
		"empty":  nil,
	}
	previous := Snapshot{
		"status": "contacted",
		"score":  20,
	}

	testCases := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"equals match", Condition{Field: "status", Operator: OpEquals, Value: "qualified"}, true},
		{"equals mismatch", Condition{Field: "status", Operator: OpEquals, Value: "new"}, false},
		{"equals int vs float", Condition{Field: "score", Operator: OpEquals, Value: 45.0}, true},
		{"equals string vs number", Condition{Field: "score", Operator: OpEquals, Value: "45"}, false},
		{"not_equals", Condition{Field: "status", Operator: OpNotEquals, Value: "new"}, true},
		{"is_not_empty on value", Condition{Field: "email", Operator: OpIsNotEmpty}, true},
		{"is_not_empty on whitespace", Condition{Field: "phone", Operator: OpIsNotEmpty}, false},
		{"is_not_empty on nil", Condition{Field: "empty", Operator: OpIsNotEmpty}, false},
		{"is_not_empty on missing field", Condition{Field: "missing", Operator: OpIsNotEmpty}, false},
		{"is_empty on whitespace", Condition{Field: "phone", Operator: OpIsEmpty}, true},
		{"is_empty on value", Condition{Field: "email", Operator: OpIsEmpty}, false},
		{"changes_from match", Condition{Field: "status", Operator: OpChangesFrom, Value: "contacted"}, true},
		{"changes_from mismatch", Condition{Field: "status", Operator: OpChangesFrom, Value: "new"}, false},
		{"changes_to match", Condition{Field: "status", Operator: OpChangesTo, Value: "qualified"}, true},
		{"changes_to mismatch", Condition{Field: "status", Operator: OpChangesTo, Value: "converted"}, false},
		{"contains case-insensitive", Condition{Field: "notes", Operator: OpContains, Value: "follow up"}, true},
		{"contains mismatch", Condition{Field: "notes", Operator: OpContains, Value: "tuesday"}, false},
		{"contains on nil field", Condition{Field: "empty", Operator: OpContains, Value: "x"}, false},
		{"greater_than true", Condition{Field: "amount", Operator: OpGreaterThan, Value: 1000}, true},
		{"greater_than false", Condition{Field: "amount", Operator: OpGreaterThan, Value: 2000}, false},
		{"greater_than numeric string operand", Condition{Field: "amount", Operator: OpGreaterThan, Value: "1000"}, true},
		{"less_than true", Condition{Field: "score", Operator: OpLessThan, Value: 50}, true},
		{"less_than false", Condition{Field: "score", Operator: OpLessThan, Value: 45}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.Evaluate([]Condition{tc.condition}, current, previous)
			if err != nil {
				t.Fatalf("Evaluate() failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tc.condition, got, tc.want)
			}
		})
	}
}

func TestEvaluateConjunction(t *testing.T) {
	ev := newTestEvaluator(t)

	current := Snapshot{"status": "qualified", "email": "a@b.co"}

	conditions := []Condition{
		{Field: "status", Operator: OpEquals, Value: "qualified"},
		{Field: "email", Operator: OpIsNotEmpty},
	}
	ok, err := ev.Evaluate(conditions, current, nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if !ok {
		t.Error("all conditions hold, want true")
	}

	conditions = append(conditions, Condition{Field: "status", Operator: OpEquals, Value: "new"})
	ok, err = ev.Evaluate(conditions, current, nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if ok {
		t.Error("one condition fails, want false")
	}
}

func TestEvaluateShortCircuitsOnError(t *testing.T) {
	ev := newTestEvaluator(t)

	// The failing equals comes first; the invalid numeric comparison
	// after it must never be reached.
	conditions := []Condition{
		{Field: "status", Operator: OpEquals, Value: "other"},
		{Field: "status", Operator: OpGreaterThan, Value: "not-a-number"},
	}
	ok, err := ev.Evaluate(conditions, Snapshot{"status": "new"}, nil)
	if err != nil {
		t.Fatalf("short-circuit should have skipped the invalid condition: %v", err)
	}
	if ok {
		t.Error("want false")
	}
}

func TestEvaluateUnknownOperatorIsError(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate([]Condition{
		{Field: "status", Operator: OperatorKind("matches"), Value: "x"},
	}, Snapshot{"status": "new"}, nil)
	if err == nil {
		t.Fatal("unknown operator should be an evaluation error")
	}
	if !strings.Contains(err.Error(), "unknown condition operator") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEvaluateNonNumericOperandIsError(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate([]Condition{
		{Field: "status", Operator: OpGreaterThan, Value: 10},
	}, Snapshot{"status": "new"}, nil)
	if err == nil {
		t.Fatal("non-numeric operand should be an evaluation error")
	}
}

func TestEvaluateChangesFromWithoutPrevious(t *testing.T) {
	ev := newTestEvaluator(t)

	ok, err := ev.Evaluate([]Condition{
		{Field: "status", Operator: OpChangesFrom, Value: "new"},
	}, Snapshot{"status": "contacted"}, nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if ok {
		t.Error("changes_from without a previous snapshot should be false")
	}
}

func TestEvaluateExpression(t *testing.T) {
	ev := newTestEvaluator(t)

	current := Snapshot{"score": 45.0, "status": "qualified"}
	previous := Snapshot{"score": 20.0}

	testCases := []struct {
		name       string
		expression string
		want       bool
	}{
		{"current field", `current.score > 40.0`, true},
		{"previous field", `previous.score < 25.0`, true},
		{"both snapshots", `current.score > previous.score && current.status == "qualified"`, true},
		{"false outcome", `current.score > 100.0`, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.Evaluate([]Condition{
				{Operator: OpExpression, Value: tc.expression},
			}, current, previous)
			if err != nil {
				t.Fatalf("Evaluate() failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("expression %q = %v, want %v", tc.expression, got, tc.want)
			}
		})
	}
}

func TestEvaluateExpressionCompileError(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate([]Condition{
		{Operator: OpExpression, Value: `current.score >`},
	}, Snapshot{"score": 1}, nil)
	if err == nil {
		t.Fatal("invalid expression should be an evaluation error")
	}
}

func TestCompileExpressionCaches(t *testing.T) {
	ev := newTestEvaluator(t)

	if err := ev.CompileExpression(`current.score > 10.0`); err != nil {
		t.Fatalf("CompileExpression() failed: %v", err)
	}

	ev.mu.RLock()
	_, cached := ev.programs[`current.score > 10.0`]
	ev.mu.RUnlock()
	if !cached {
		t.Error("compiled program should be cached")
	}
}
