package decision

import (
	"context"
	"testing"
	"time"

	"github.com/authzkit/decision/logger"
)

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithLogger(logger.NewNullLogger())}, opts...)
	eng, err := NewEngine(opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func docContext(userID string, roles ...string) *EvaluationContext {
	return &EvaluationContext{
		Subject:  Subject{UserID: userID, Roles: roles},
		Resource: "documents",
		Action:   "edit",
		Environment: EnvironmentInfo{
			Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
			Hour:      14,
			DayOfWeek: 2,
		},
	}
}

func activePolicy(id string, subjects []string) Policy {
	return Policy{
		ID:            id,
		Name:          id,
		Status:        PolicyStatusActive,
		Subjects:      subjects,
		Resources:     []string{"documents"},
		Actions:       []string{"*"},
		DefaultEffect: EffectDeny,
	}
}

func TestDefaultDenyNoApplicablePolicies(t *testing.T) {
	eng := newTestEngine(t)

	res := eng.Evaluate(docContext("nobody"))
	if res.Allowed() {
		t.Fatal("empty policy set must deny")
	}
	if res.Reason != "no applicable policies" {
		t.Fatalf("unexpected reason: %q", res.Reason)
	}
	if res.Confidence != 1.0 {
		t.Fatalf("default deny confidence should be 1.0, got %v", res.Confidence)
	}
	if len(res.MatchedPolicies) != 0 {
		t.Fatalf("no policies should be matched: %v", res.MatchedPolicies)
	}
}

func TestRuleMatchAllows(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	p := activePolicy("pol-edit", []string{"user-1"})
	p.Rules = []PolicyRule{{
		ID:     "r-allow-edit",
		Effect: EffectAllow,
		Conditions: []PolicyCondition{
			{Field: "action", Operator: OpEq, Value: "edit", Type: TypeString},
		},
	}}
	if _, err := eng.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	res := eng.Evaluate(docContext("user-1"))
	if !res.Allowed() {
		t.Fatalf("rule should allow: %+v", res)
	}
	if res.Confidence != 0.9 {
		t.Fatalf("rule match confidence should be 0.9, got %v", res.Confidence)
	}
	if len(res.MatchedRules) != 1 || res.MatchedRules[0] != "r-allow-edit" {
		t.Fatalf("matched rules wrong: %v", res.MatchedRules)
	}
}

func TestDefaultEffectWhenNoRuleMatches(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// Business-hours allow; outside the window the policy's default deny
	// applies at reduced confidence.
	p := activePolicy("pol-hours", []string{"user-1"})
	p.Rules = []PolicyRule{{
		ID:     "r-business-hours",
		Effect: EffectAllow,
		Conditions: []PolicyCondition{
			{Field: "environment.hour", Operator: OpGe, Value: 9, Type: TypeNumber},
			{Field: "environment.hour", Operator: OpLt, Value: 17, Type: TypeNumber},
		},
	}}
	if _, err := eng.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	evening := docContext("user-1")
	evening.Environment.Hour = 20
	res := eng.Evaluate(evening)
	if res.Allowed() {
		t.Fatal("outside business hours should deny")
	}
	if res.Confidence != 0.5 {
		t.Fatalf("default effect confidence should be 0.5, got %v", res.Confidence)
	}

	day := docContext("user-1")
	if res := eng.Evaluate(day); !res.Allowed() {
		t.Fatalf("inside business hours should allow: %+v", res)
	}
}

func TestFirstAllowWinsAcrossPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// High-priority policy denies, low-priority allows. The deny never stops
	// the scan, so the allow prevails.
	deny := activePolicy("pol-deny", []string{"user-1"})
	deny.Rules = []PolicyRule{{ID: "r-deny", Effect: EffectDeny, Priority: 100}}
	allow := activePolicy("pol-allow", []string{"user-1"})
	allow.Rules = []PolicyRule{{ID: "r-allow", Effect: EffectAllow, Priority: 10}}

	if _, err := eng.CreatePolicy(ctx, deny); err != nil {
		t.Fatalf("create deny: %v", err)
	}
	if _, err := eng.CreatePolicy(ctx, allow); err != nil {
		t.Fatalf("create allow: %v", err)
	}

	res := eng.Evaluate(docContext("user-1"))
	if !res.Allowed() {
		t.Fatalf("lower-priority allow should override deny: %+v", res)
	}
	if len(res.MatchedPolicies) != 2 {
		t.Fatalf("both policies should have been evaluated: %v", res.MatchedPolicies)
	}
}

func TestAllDenyKeepsFirstReasonMinConfidence(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	one := activePolicy("pol-one", []string{"user-1"})
	one.Rules = []PolicyRule{{ID: "r-deny-1", Effect: EffectDeny, Priority: 50}}
	two := activePolicy("pol-two", []string{"user-1"})
	// No rules: falls to default deny at confidence 0.5.

	if _, err := eng.CreatePolicy(ctx, one); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.CreatePolicy(ctx, two); err != nil {
		t.Fatalf("create: %v", err)
	}

	res := eng.Evaluate(docContext("user-1"))
	if res.Allowed() {
		t.Fatal("all-deny should deny")
	}
	if res.Reason != "rule r-deny-1 matched in policy pol-one" {
		t.Fatalf("expected first deny's reason, got %q", res.Reason)
	}
	if res.Confidence != 0.5 {
		t.Fatalf("confidence should be the minimum seen, got %v", res.Confidence)
	}
}

func TestPolicyApplicabilityFilters(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	inactive := activePolicy("pol-inactive", []string{"user-1"})
	inactive.Status = PolicyStatusInactive
	inactive.Rules = []PolicyRule{{ID: "r", Effect: EffectAllow}}

	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	expired := activePolicy("pol-expired", []string{"user-1"})
	expired.EffectiveUntil = &past
	expired.Rules = []PolicyRule{{ID: "r", Effect: EffectAllow}}

	wrongSubject := activePolicy("pol-other", []string{"someone-else"})
	wrongSubject.Rules = []PolicyRule{{ID: "r", Effect: EffectAllow}}

	for _, p := range []Policy{inactive, expired, wrongSubject} {
		if _, err := eng.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}

	res := eng.Evaluate(docContext("user-1"))
	if res.Allowed() || res.Reason != "no applicable policies" {
		t.Fatalf("none should apply: %+v", res)
	}
}

func TestPolicySubjectMatchesAssignedRoleName(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.CreateRole(ctx, Role{ID: "editor", Name: "Editor"}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if _, err := eng.AssignRole(ctx, "user-1", "editor", "system", nil, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	p := activePolicy("pol-editors", []string{"Editor"})
	p.Rules = []PolicyRule{{ID: "r-allow", Effect: EffectAllow}}
	if _, err := eng.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	// Caller supplies no roles; the engine derives Editor from assignments.
	res := eng.Evaluate(docContext("user-1"))
	if !res.Allowed() {
		t.Fatalf("assigned role name should satisfy the subject pattern: %+v", res)
	}
}

func TestLogicNotNegatesConjunction(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	p := activePolicy("pol-not", []string{"user-1"})
	p.Rules = []PolicyRule{{
		ID:             "r-not",
		Effect:         EffectAllow,
		ConditionLogic: LogicNot,
		Conditions: []PolicyCondition{
			{Field: "risk.overall", Operator: OpGt, Value: 50, Type: TypeNumber},
			{Field: "session.device_trusted", Operator: OpEq, Value: false, Type: TypeBoolean},
		},
	}}
	if _, err := eng.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	// Both conditions hold: the NAND fails, default deny applies.
	risky := docContext("user-1")
	risky.Risk.Overall = 80
	risky.Session.DeviceTrusted = false
	if res := eng.Evaluate(risky); res.Allowed() {
		t.Fatal("NAND of an all-true set should not match")
	}

	// One condition fails: the NAND holds.
	safe := docContext("user-1")
	safe.Risk.Overall = 80
	safe.Session.DeviceTrusted = true
	if res := eng.Evaluate(safe); !res.Allowed() {
		t.Fatalf("NAND with one false member should match: %+v", res)
	}
}

func TestRulePriorityWithinPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	p := activePolicy("pol-prio", []string{"user-1"})
	p.Rules = []PolicyRule{
		{ID: "r-low-allow", Effect: EffectAllow, Priority: 1},
		{ID: "r-high-deny", Effect: EffectDeny, Priority: 99},
	}
	if _, err := eng.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	res := eng.Evaluate(docContext("user-1"))
	if res.Allowed() {
		t.Fatal("highest-priority rule decides within a policy")
	}
	if len(res.MatchedRules) != 1 || res.MatchedRules[0] != "r-high-deny" {
		t.Fatalf("wrong matched rule: %v", res.MatchedRules)
	}
}

func TestDecisionCacheTransparency(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	p := activePolicy("pol-cache", []string{"user-1"})
	p.Rules = []PolicyRule{{ID: "r-allow", Effect: EffectAllow}}
	p.Cacheable = true
	p.CacheTimeoutMs = 60_000
	if _, err := eng.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	first := eng.Evaluate(docContext("user-1"))
	if first.CacheHit {
		t.Fatal("first evaluation cannot be a cache hit")
	}
	eng.policy.cache.Wait()

	second := eng.Evaluate(docContext("user-1"))
	if !second.CacheHit {
		t.Fatal("second evaluation should hit the cache")
	}
	if second.Decision != first.Decision || second.Reason != first.Reason {
		t.Fatalf("cache changed the decision: %+v vs %+v", first, second)
	}

	// Any administrative mutation flushes the cache.
	if _, err := eng.CreatePolicy(ctx, activePolicy("pol-unrelated", []string{"zz"})); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	third := eng.Evaluate(docContext("user-1"))
	if third.CacheHit {
		t.Fatal("mutation should have flushed the cache")
	}
}

func TestNonCacheableNeverCached(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	p := activePolicy("pol-fresh", []string{"user-1"})
	p.Rules = []PolicyRule{{ID: "r-allow", Effect: EffectAllow}}
	if _, err := eng.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	_ = eng.Evaluate(docContext("user-1"))
	eng.policy.cache.Wait()
	if res := eng.Evaluate(docContext("user-1")); res.CacheHit {
		t.Fatal("non-cacheable policy must force fresh evaluation")
	}
}

func TestEvaluateBatchOrder(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	p := activePolicy("pol-batch", []string{"user-allow"})
	p.Rules = []PolicyRule{{ID: "r-allow", Effect: EffectAllow}}
	if _, err := eng.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	results := eng.EvaluateBatch([]*EvaluationContext{
		docContext("user-allow"),
		docContext("user-deny"),
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Allowed() || results[1].Allowed() {
		t.Fatalf("batch order broken: %+v", results)
	}
}

func TestNilContextFailsClosed(t *testing.T) {
	eng := newTestEngine(t)
	res := eng.Evaluate(nil)
	if res.Allowed() {
		t.Fatal("nil context must deny")
	}
	if res.Reason != "policy evaluation error" {
		t.Fatalf("unexpected reason: %q", res.Reason)
	}
}

func TestAuditPipelineDelivers(t *testing.T) {
	sink := NewMemoryAuditSink(100)
	eng := newTestEngine(t, WithAuditSink(sink))

	_ = eng.Evaluate(docContext("user-1"))
	_ = eng.Evaluate(docContext("user-2"))
	eng.Close()

	if got := sink.Len(); got != 2 {
		t.Fatalf("expected 2 audit records, got %d", got)
	}
	recs := sink.Query(AuditFilter{UserID: "user-1"})
	if len(recs) != 1 {
		t.Fatalf("filter should find user-1's record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Decision != EffectDeny || rec.ContextHash == "" || rec.ID == "" {
		t.Fatalf("audit record incomplete: %+v", rec)
	}
}

func TestDeleteRoleCascadesAssignments(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.CreateRole(ctx, Role{ID: "temp", Name: "Temp"}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if _, err := eng.AssignRole(ctx, "user-1", "temp", "system", nil, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	removed, err := eng.DeleteRole(ctx, "temp")
	if err != nil || !removed {
		t.Fatalf("delete role: removed=%v err=%v", removed, err)
	}
	if got := eng.EffectiveRoles("user-1"); len(got) != 0 {
		t.Fatalf("assignment should be gone: %+v", got)
	}
}

func TestContextHashProperties(t *testing.T) {
	base := docContext("user-1", "editor", "viewer")
	same := docContext("user-1", "viewer", "editor") // role order differs

	if ContextHash(base) != ContextHash(same) {
		t.Fatal("hash must be insensitive to role order")
	}

	otherUser := docContext("user-2", "editor", "viewer")
	if ContextHash(base) == ContextHash(otherUser) {
		t.Fatal("different users must hash differently")
	}

	nextMinute := docContext("user-1", "editor", "viewer")
	nextMinute.Environment.Timestamp = base.Environment.Timestamp.Add(time.Minute)
	if ContextHash(base) == ContextHash(nextMinute) {
		t.Fatal("hash must roll over with the minute bucket")
	}
}

func TestSnapshotExportImport(t *testing.T) {
	src := newTestEngine(t)
	ctx := context.Background()

	if _, err := src.CreatePermission(ctx, Permission{ID: "perm-read", Resource: "documents", Action: "read"}); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	// parent defined after child exercises the two-pass load.
	if _, err := src.CreateRole(ctx, Role{ID: "base", Name: "Base", Permissions: []string{"perm-read"}}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if _, err := src.CreateRole(ctx, Role{ID: "derived", Name: "Derived", InheritsFrom: []string{"base"}}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	expires := time.Now().Add(time.Hour)
	if _, err := src.AssignRole(ctx, "user-1", "derived", "system", &expires, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := src.CreatePolicy(ctx, activePolicy("pol-1", []string{"Derived"})); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	snap := src.Export()

	dst := newTestEngine(t)
	if err := dst.Import(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := dst.ResolvePermissions("derived"); len(got) != 1 {
		t.Fatalf("inheritance lost on import: %v", got)
	}
	a, ok := dst.assignments.Get("user-1", "derived")
	if !ok || a.ExpiresAt == nil {
		t.Fatalf("assignment not restored faithfully: %+v", a)
	}
	if _, ok := dst.GetPolicy("pol-1"); !ok {
		t.Fatal("policy missing after import")
	}

	// Importing into a non-empty engine fails on the duplicate.
	if err := dst.Import(snap); err == nil {
		t.Fatal("duplicate import should fail")
	}
}
