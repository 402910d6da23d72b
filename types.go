package decision

import (
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect is the terminal outcome of a rule or policy.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether the effect is one of the two known values.
func (e Effect) Valid() bool { return e == EffectAllow || e == EffectDeny }

// Permission grants an action on a resource pattern. Identity is ID; the
// "resource:action" name is derived and not authoritative.
type Permission struct {
	ID          string            `json:"id" yaml:"id"`
	Resource    string            `json:"resource" yaml:"resource"`
	Action      string            `json:"action" yaml:"action"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []PolicyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Name returns the derived "resource:action" pair.
func (p *Permission) Name() string { return p.Resource + ":" + p.Action }

// Role is a named collection of permission ids plus inheritance edges.
// The inheritance graph is a DAG; cycle creation is rejected at mutation time.
type Role struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions  []string  `json:"permissions" yaml:"permissions"`
	InheritsFrom []string  `json:"inherits_from,omitempty" yaml:"inherits_from,omitempty"`
	IsSystemRole bool      `json:"is_system_role,omitempty" yaml:"is_system_role,omitempty"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

// RolePatch carries the mutable fields of UpdateRole. Nil fields are left
// untouched.
type RolePatch struct {
	Name         *string
	Permissions  *[]string
	InheritsFrom *[]string
}

// UserRoleAssignment links a user to a role. One assignment exists per
// (user, role) pair; re-assigning overwrites in place.
type UserRoleAssignment struct {
	UserID     string            `json:"user_id" yaml:"user_id"`
	RoleID     string            `json:"role_id" yaml:"role_id"`
	AssignedAt time.Time         `json:"assigned_at" yaml:"assigned_at"`
	AssignedBy string            `json:"assigned_by" yaml:"assigned_by"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	IsActive   bool              `json:"is_active" yaml:"is_active"`
	Conditions []PolicyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Expired reports whether the assignment has passed its expiry at the given
// instant. Assignments without ExpiresAt never expire.
func (a *UserRoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// ============================================================================
// POLICY SYSTEM
// ============================================================================

// PolicyStatus gates whether a policy participates in evaluation.
type PolicyStatus string

const (
	PolicyStatusActive   PolicyStatus = "active"
	PolicyStatusInactive PolicyStatus = "inactive"
	PolicyStatusDraft    PolicyStatus = "draft"
)

// Valid reports whether the status is a known value.
func (s PolicyStatus) Valid() bool {
	return s == PolicyStatusActive || s == PolicyStatusInactive || s == PolicyStatusDraft
}

// ConditionLogic combines a rule's condition set.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
	// LogicNot negates the conjunction of the condition set (NAND), not each
	// condition individually.
	LogicNot ConditionLogic = "not"
)

// ConditionOperator is the comparison applied by a single condition.
type ConditionOperator string

const (
	OpEq        ConditionOperator = "eq"
	OpNe        ConditionOperator = "ne"
	OpLt        ConditionOperator = "lt"
	OpLe        ConditionOperator = "le"
	OpGt        ConditionOperator = "gt"
	OpGe        ConditionOperator = "ge"
	OpIn        ConditionOperator = "in"
	OpNin       ConditionOperator = "nin"
	OpContains  ConditionOperator = "contains"
	OpRegex     ConditionOperator = "regex"
	OpExists    ConditionOperator = "exists"
	OpNotExists ConditionOperator = "not_exists"
)

// ValueType drives coercion of both sides before a condition compares them.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeDate    ValueType = "date"
	TypeArray   ValueType = "array"
	TypeObject  ValueType = "object"
)

// PolicyCondition is a single predicate over a dotted field path in the
// evaluation context.
type PolicyCondition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    any               `json:"value,omitempty" yaml:"value,omitempty"`
	Type     ValueType         `json:"type" yaml:"type"`
}

// PolicyRule is a condition set plus logic, effect, and priority, evaluated
// within one policy. A rule with zero conditions always matches.
type PolicyRule struct {
	ID             string            `json:"id" yaml:"id"`
	Conditions     []PolicyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ConditionLogic ConditionLogic    `json:"condition_logic" yaml:"condition_logic"`
	Effect         Effect            `json:"effect" yaml:"effect"`
	Priority       int               `json:"priority" yaml:"priority"`
}

// Policy is an ordered, pattern-scoped bundle of rules plus a default effect.
type Policy struct {
	ID             string       `json:"id" yaml:"id"`
	Name           string       `json:"name" yaml:"name"`
	Status         PolicyStatus `json:"status" yaml:"status"`
	Subjects       []string     `json:"subjects" yaml:"subjects"`
	Resources      []string     `json:"resources" yaml:"resources"`
	Actions        []string     `json:"actions" yaml:"actions"`
	Rules          []PolicyRule `json:"rules,omitempty" yaml:"rules,omitempty"`
	DefaultEffect  Effect       `json:"default_effect" yaml:"default_effect"`
	EffectiveFrom  *time.Time   `json:"effective_from,omitempty" yaml:"effective_from,omitempty"`
	EffectiveUntil *time.Time   `json:"effective_until,omitempty" yaml:"effective_until,omitempty"`
	Cacheable      bool         `json:"cacheable" yaml:"cacheable"`
	CacheTimeoutMs int64        `json:"cache_timeout_ms,omitempty" yaml:"cache_timeout_ms,omitempty"`
	CreatedAt      time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" yaml:"updated_at"`
}

// maxRulePriority is the sort key for cross-policy ordering. A policy with no
// rules sorts at zero, riding on its default effect alone.
func (p *Policy) maxRulePriority() int {
	max := 0
	for i, r := range p.Rules {
		if i == 0 || r.Priority > max {
			max = r.Priority
		}
	}
	return max
}

// InWindow reports whether now falls inside [EffectiveFrom, EffectiveUntil].
// Either bound may be absent.
func (p *Policy) InWindow(now time.Time) bool {
	if p.EffectiveFrom != nil && now.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && now.After(*p.EffectiveUntil) {
		return false
	}
	return true
}

// ============================================================================
// EVALUATION CONTEXT & RESULT
// ============================================================================

// Subject identifies who is requesting access.
type Subject struct {
	UserID      string         `json:"user_id"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// EnvironmentInfo carries wall-clock context supplied by the caller.
type EnvironmentInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Hour      int       `json:"hour"`
	DayOfWeek int       `json:"day_of_week"`
	Timezone  string    `json:"timezone,omitempty"`
}

// RiskScores are externally computed, each on a 0-100 scale.
type RiskScores struct {
	User     float64 `json:"user"`
	Device   float64 `json:"device"`
	Location float64 `json:"location"`
	Behavior float64 `json:"behavior"`
	Overall  float64 `json:"overall"`
}

// SessionInfo describes the caller's session and device trust, computed
// outside this core.
type SessionInfo struct {
	ID            string    `json:"id"`
	DeviceTrusted bool      `json:"device_trusted"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
}

// EvaluationContext is supplied by the caller and never mutated by the core.
type EvaluationContext struct {
	Subject     Subject         `json:"subject"`
	Resource    string          `json:"resource"`
	Action      string          `json:"action"`
	ResourceID  string          `json:"resource_id,omitempty"`
	Environment EnvironmentInfo `json:"environment"`
	Risk        RiskScores      `json:"risk"`
	Session     SessionInfo     `json:"session"`
	Custom      map[string]any  `json:"custom,omitempty"`
}

// now returns the evaluation instant: the caller-supplied timestamp when set,
// wall clock otherwise.
func (c *EvaluationContext) now() time.Time {
	if !c.Environment.Timestamp.IsZero() {
		return c.Environment.Timestamp
	}
	return time.Now()
}

// AuditInfo ties a result back to the inputs that produced it.
type AuditInfo struct {
	ContextHash string    `json:"context_hash"`
	PolicyIDs   []string  `json:"policy_ids,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EvaluationResult is the auditable outcome of a policy evaluation. It is a
// pure value; caching affects CacheHit and EvaluationTimeMs only.
type EvaluationResult struct {
	Decision         Effect    `json:"decision"`
	Reason           string    `json:"reason"`
	Confidence       float64   `json:"confidence"`
	MatchedPolicies  []string  `json:"matched_policies,omitempty"`
	MatchedRules     []string  `json:"matched_rules,omitempty"`
	EvaluationTimeMs float64   `json:"evaluation_time_ms"`
	CacheHit         bool      `json:"cache_hit"`
	AuditInfo        AuditInfo `json:"audit_info"`
}

// Allowed is a convenience accessor for Decision == allow.
func (r *EvaluationResult) Allowed() bool { return r.Decision == EffectAllow }
