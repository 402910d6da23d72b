package decision

import (
	"strings"

	"github.com/authzkit/decision/utils"
)

// ============================================================================
// RBAC CHECKER
// ============================================================================

// RBACChecker answers coarse-grained "does user U hold permission
// resource:action" queries over the role graph and assignment store.
//
// Semantics are OR across all effective roles and all matching permissions:
// any single match grants. There is no explicit deny in this subsystem;
// absence of a match is the only deny path. Internal faults fail closed.
type RBACChecker struct {
	graph       *RoleGraph
	assignments *AssignmentStore
	conditions  *ConditionEvaluator
}

// NewRBACChecker wires a checker over shared stores.
func NewRBACChecker(graph *RoleGraph, assignments *AssignmentStore, conditions *ConditionEvaluator) *RBACChecker {
	return &RBACChecker{graph: graph, assignments: assignments, conditions: conditions}
}

// HasPermission reports whether any of the user's effective roles grants the
// (resource, action) pair. Permission patterns match exactly, by "*", or by
// trailing-wildcard prefix. Permission- and assignment-level conditions, when
// present, must all hold against the supplied context.
func (c *RBACChecker) HasPermission(userID, resource, action string, ctx *EvaluationContext) (granted bool) {
	defer func() {
		if r := recover(); r != nil {
			granted = false
		}
	}()

	for _, assignment := range c.assignments.EffectiveRoles(userID) {
		if len(assignment.Conditions) > 0 && !c.conditions.EvaluateAll(assignment.Conditions, ctx) {
			continue
		}
		for pid := range c.graph.ResolvePermissions(assignment.RoleID) {
			perm, ok := c.graph.GetPermission(pid)
			if !ok {
				continue
			}
			if !utils.MatchPair(resource, action, perm.Resource, perm.Action) {
				continue
			}
			if len(perm.Conditions) > 0 && !c.conditions.EvaluateAll(perm.Conditions, ctx) {
				continue
			}
			return true
		}
	}
	return false
}

// HasAnyPermission short-circuits over "resource:action" specs.
func (c *RBACChecker) HasAnyPermission(userID string, permissions []string, ctx *EvaluationContext) bool {
	for _, spec := range permissions {
		resource, action := splitPermissionSpec(spec)
		if c.HasPermission(userID, resource, action, ctx) {
			return true
		}
	}
	return false
}

// HasAllPermissions short-circuits on the first miss.
func (c *RBACChecker) HasAllPermissions(userID string, permissions []string, ctx *EvaluationContext) bool {
	for _, spec := range permissions {
		resource, action := splitPermissionSpec(spec)
		if !c.HasPermission(userID, resource, action, ctx) {
			return false
		}
	}
	return true
}

// EffectiveRoleNames returns the role names behind the user's effective
// assignments, used for policy subject matching. Unknown role ids contribute
// nothing.
func (c *RBACChecker) EffectiveRoleNames(userID string) []string {
	assignments := c.assignments.EffectiveRoles(userID)
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if name := c.graph.RoleName(a.RoleID); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// splitPermissionSpec parses "resource:action"; a spec without a colon is a
// resource with a wildcard action.
func splitPermissionSpec(spec string) (resource, action string) {
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, "*"
}
