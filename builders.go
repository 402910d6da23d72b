package decision

import "time"

// Builders provide a fluent API for assembling policies and roles.

// PolicyBuilder builds a Policy.
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder(id, name string) *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{
		ID:            id,
		Name:          name,
		Status:        PolicyStatusActive,
		DefaultEffect: EffectDeny,
	}}
}

func (b *PolicyBuilder) Status(s PolicyStatus) *PolicyBuilder { b.p.Status = s; return b }
func (b *PolicyBuilder) Subjects(s ...string) *PolicyBuilder {
	b.p.Subjects = append(b.p.Subjects, s...)
	return b
}
func (b *PolicyBuilder) Resources(r ...string) *PolicyBuilder {
	b.p.Resources = append(b.p.Resources, r...)
	return b
}
func (b *PolicyBuilder) Actions(a ...string) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, a...)
	return b
}
func (b *PolicyBuilder) DefaultEffect(e Effect) *PolicyBuilder { b.p.DefaultEffect = e; return b }
func (b *PolicyBuilder) Rule(r PolicyRule) *PolicyBuilder {
	b.p.Rules = append(b.p.Rules, r)
	return b
}
func (b *PolicyBuilder) Window(from, until *time.Time) *PolicyBuilder {
	b.p.EffectiveFrom = from
	b.p.EffectiveUntil = until
	return b
}
func (b *PolicyBuilder) Cacheable(timeoutMs int64) *PolicyBuilder {
	b.p.Cacheable = true
	b.p.CacheTimeoutMs = timeoutMs
	return b
}
func (b *PolicyBuilder) Build() Policy { return *b.p }

// RuleBuilder builds a PolicyRule.
type RuleBuilder struct {
	r *PolicyRule
}

func NewRuleBuilder(id string, effect Effect) *RuleBuilder {
	return &RuleBuilder{r: &PolicyRule{ID: id, Effect: effect, ConditionLogic: LogicAnd}}
}

func (b *RuleBuilder) Logic(l ConditionLogic) *RuleBuilder { b.r.ConditionLogic = l; return b }
func (b *RuleBuilder) Priority(p int) *RuleBuilder         { b.r.Priority = p; return b }
func (b *RuleBuilder) Condition(field string, op ConditionOperator, value any, t ValueType) *RuleBuilder {
	b.r.Conditions = append(b.r.Conditions, PolicyCondition{Field: field, Operator: op, Value: value, Type: t})
	return b
}
func (b *RuleBuilder) Build() PolicyRule { return *b.r }

// RoleBuilder builds a Role.
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder(id, name string) *RoleBuilder {
	return &RoleBuilder{r: &Role{ID: id, Name: name}}
}

func (b *RoleBuilder) Description(d string) *RoleBuilder { b.r.Description = d; return b }
func (b *RoleBuilder) Permissions(ids ...string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, ids...)
	return b
}
func (b *RoleBuilder) InheritsFrom(ids ...string) *RoleBuilder {
	b.r.InheritsFrom = append(b.r.InheritsFrom, ids...)
	return b
}
func (b *RoleBuilder) System() *RoleBuilder { b.r.IsSystemRole = true; return b }
func (b *RoleBuilder) Build() Role          { return *b.r }
