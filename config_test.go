package decision

import (
	"context"
	"strings"
	"testing"
)

const sampleConfigYAML = `
version: 1
permissions:
  - id: perm-read
    resource: documents
    action: read
  - id: perm-edit
    resource: documents
    action: edit
roles:
  - id: senior-editor
    name: Senior Editor
    permissions: [perm-edit]
    inherits_from: [editor]
  - id: editor
    name: Editor
    permissions: [perm-read]
assignments:
  - user_id: user-1
    role_id: senior-editor
    assigned_by: bootstrap
policies:
  - id: pol-editors
    name: Editors can edit
    status: active
    subjects: ["Senior Editor", "Editor"]
    resources: [documents]
    actions: ["*"]
    default_effect: deny
    rules:
      - id: r-allow
        effect: allow
        priority: 10
engine:
  decision_cache_ttl_ms: 30000
`

func TestConfigLoadAndApply(t *testing.T) {
	loader := NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(sampleConfigYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	eng := newTestEngine(t)
	if err := eng.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// senior-editor is declared before its parent; the two-pass load links it.
	if got := eng.ResolvePermissions("senior-editor"); len(got) != 2 {
		t.Fatalf("inheritance not linked: %v", got)
	}

	if !eng.HasPermission("user-1", "documents", "edit", nil) {
		t.Fatal("bootstrap assignment should grant edit")
	}

	res := eng.Evaluate(docContext("user-1"))
	if !res.Allowed() {
		t.Fatalf("policy from config should allow: %+v", res)
	}
}

func TestConfigApplyIsIdempotent(t *testing.T) {
	loader := NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(sampleConfigYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}

	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := eng.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if got := len(eng.ListRoles()); got != 2 {
		t.Fatalf("reapply duplicated roles: %d", got)
	}
	if got := len(eng.ListPolicies("")); got != 1 {
		t.Fatalf("reapply duplicated policies: %d", got)
	}
}

func TestConfigValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Permissions: []*Permission{{ID: "p", Resource: "", Action: ""}},
		Roles: []*Role{
			{ID: "r", Name: "R", Permissions: []string{"nope"}},
			{ID: "r2", Name: "R2", InheritsFrom: []string{"ghost"}},
		},
		Assignments: []AssignmentConfig{{UserID: "u", RoleID: "unknown"}},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"resource, and action", "unknown permission nope", "unknown parent ghost", "unknown role unknown"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestConfigRoundtripYAMLJSON(t *testing.T) {
	loader := NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(sampleConfigYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}

	jsonBytes, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	back, err := loader.LoadJSON(jsonBytes)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if len(back.Roles) != 2 || len(back.Policies) != 1 || len(back.Permissions) != 2 {
		t.Fatalf("roundtrip dropped objects: %+v", back)
	}
	if back.Engine.DecisionCacheTTL != 30000 {
		t.Fatalf("engine tuning lost: %+v", back.Engine)
	}
}
