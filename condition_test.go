package decision

import (
	"testing"
	"time"
)

func testContext() *EvaluationContext {
	return &EvaluationContext{
		Subject: Subject{
			UserID: "user-42",
			Roles:  []string{"editor", "reviewer"},
			Attributes: map[string]any{
				"department": "engineering",
				"clearance":  3,
				"manager":    map[string]any{"id": "user-7"},
			},
		},
		Resource:   "documents",
		Action:     "edit",
		ResourceID: "doc-9",
		Environment: EnvironmentInfo{
			Timestamp: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
			Hour:      14,
			DayOfWeek: 2,
			Timezone:  "UTC",
		},
		Risk:    RiskScores{Overall: 35, Device: 10},
		Session: SessionInfo{ID: "sess-1", DeviceTrusted: true},
		Custom:  map[string]any{"project": "atlas", "tags": []any{"alpha", "beta"}},
	}
}

func TestConditionOperators(t *testing.T) {
	ctx := testContext()
	ev := NewConditionEvaluator()

	cases := []struct {
		name string
		cond PolicyCondition
		want bool
	}{
		{"eq string", PolicyCondition{Field: "subject.attributes.department", Operator: OpEq, Value: "engineering", Type: TypeString}, true},
		{"eq string miss", PolicyCondition{Field: "subject.attributes.department", Operator: OpEq, Value: "sales", Type: TypeString}, false},
		{"ne", PolicyCondition{Field: "action", Operator: OpNe, Value: "delete", Type: TypeString}, true},
		{"eq number coerced from string", PolicyCondition{Field: "subject.attributes.clearance", Operator: OpEq, Value: "3", Type: TypeNumber}, true},
		{"lt number", PolicyCondition{Field: "risk.overall", Operator: OpLt, Value: 50, Type: TypeNumber}, true},
		{"lt number miss", PolicyCondition{Field: "risk.overall", Operator: OpLt, Value: 20, Type: TypeNumber}, false},
		{"ge boundary", PolicyCondition{Field: "environment.hour", Operator: OpGe, Value: 14, Type: TypeNumber}, true},
		{"le boundary", PolicyCondition{Field: "environment.hour", Operator: OpLe, Value: 14, Type: TypeNumber}, true},
		{"gt date", PolicyCondition{Field: "environment.timestamp", Operator: OpGt, Value: "2026-01-01", Type: TypeDate}, true},
		{"in", PolicyCondition{Field: "subject.attributes.department", Operator: OpIn, Value: []any{"engineering", "design"}, Type: TypeString}, true},
		{"nin", PolicyCondition{Field: "subject.attributes.department", Operator: OpNin, Value: []any{"sales", "hr"}, Type: TypeString}, true},
		{"in non-array rhs", PolicyCondition{Field: "subject.attributes.department", Operator: OpIn, Value: "engineering", Type: TypeString}, false},
		{"contains", PolicyCondition{Field: "custom.project", Operator: OpContains, Value: "tla", Type: TypeString}, true},
		{"regex", PolicyCondition{Field: "subject.user_id", Operator: OpRegex, Value: `^user-\d+$`, Type: TypeString}, true},
		{"regex invalid pattern", PolicyCondition{Field: "subject.user_id", Operator: OpRegex, Value: `(`, Type: TypeString}, false},
		{"exists", PolicyCondition{Field: "subject.attributes.manager.id", Operator: OpExists, Type: TypeString}, true},
		{"exists absent", PolicyCondition{Field: "subject.attributes.missing", Operator: OpExists, Type: TypeString}, false},
		{"not_exists absent", PolicyCondition{Field: "custom.nonexistent", Operator: OpNotExists, Type: TypeString}, true},
		{"absent field fails closed", PolicyCondition{Field: "custom.nonexistent", Operator: OpEq, Value: "x", Type: TypeString}, false},
		{"unknown head fails closed", PolicyCondition{Field: "wat.field", Operator: OpEq, Value: "x", Type: TypeString}, false},
		{"bool eq", PolicyCondition{Field: "session.device_trusted", Operator: OpEq, Value: true, Type: TypeBoolean}, true},
		{"bool coerced from string", PolicyCondition{Field: "session.device_trusted", Operator: OpEq, Value: "true", Type: TypeBoolean}, true},
		{"nested custom path", PolicyCondition{Field: "subject.attributes.manager.id", Operator: OpEq, Value: "user-7", Type: TypeString}, true},
	}
	for _, tc := range cases {
		if got := ev.Evaluate(tc.cond, ctx); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConditionIncomparableCoercion(t *testing.T) {
	ctx := testContext()
	ev := NewConditionEvaluator()

	// department is not a number; lt must fail closed, not panic.
	cond := PolicyCondition{Field: "subject.attributes.department", Operator: OpLt, Value: 10, Type: TypeNumber}
	if ev.Evaluate(cond, ctx) {
		t.Fatal("incomparable coercion should evaluate to false")
	}
}

func TestEvaluateAllAny(t *testing.T) {
	ctx := testContext()
	ev := NewConditionEvaluator()

	pass := PolicyCondition{Field: "action", Operator: OpEq, Value: "edit", Type: TypeString}
	fail := PolicyCondition{Field: "action", Operator: OpEq, Value: "delete", Type: TypeString}

	if !ev.EvaluateAll(nil, ctx) {
		t.Fatal("empty set should hold vacuously")
	}
	if !ev.EvaluateAll([]PolicyCondition{pass, pass}, ctx) {
		t.Fatal("all passing should hold")
	}
	if ev.EvaluateAll([]PolicyCondition{pass, fail}, ctx) {
		t.Fatal("one failing should break all")
	}
	if !ev.EvaluateAny([]PolicyCondition{fail, pass}, ctx) {
		t.Fatal("one passing should satisfy any")
	}
	if ev.EvaluateAny([]PolicyCondition{fail, fail}, ctx) {
		t.Fatal("none passing should fail any")
	}
	if ev.EvaluateAny(nil, ctx) {
		t.Fatal("empty any should fail")
	}
}

func TestRegexCacheReuse(t *testing.T) {
	ctx := testContext()
	ev := NewConditionEvaluator()
	cond := PolicyCondition{Field: "subject.user_id", Operator: OpRegex, Value: `^user-`, Type: TypeString}

	for i := 0; i < 3; i++ {
		if !ev.Evaluate(cond, ctx) {
			t.Fatalf("iteration %d: regex should match", i)
		}
	}
	if _, ok := ev.regexes.Load(`^user-`); !ok {
		t.Fatal("compiled pattern should be cached")
	}
}
