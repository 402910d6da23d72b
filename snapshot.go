package decision

import (
	"fmt"
)

// ============================================================================
// STATE SNAPSHOTS
// ============================================================================

// Snapshot is a point-in-time copy of every administrative object. It is the
// unit of export for backups and the unit of bootstrap for a fresh engine.
type Snapshot struct {
	Permissions []*Permission         `json:"permissions" yaml:"permissions"`
	Roles       []*Role               `json:"roles" yaml:"roles"`
	Assignments []*UserRoleAssignment `json:"assignments" yaml:"assignments"`
	Policies    []*Policy             `json:"policies" yaml:"policies"`
}

// Export copies the full administrative state. The copy shares nothing with
// the live engine.
func (e *Engine) Export() *Snapshot {
	return &Snapshot{
		Permissions: e.graph.ListPermissions(),
		Roles:       e.graph.ListRoles(),
		Assignments: e.assignments.List(),
		Policies:    e.policies.List(""),
	}
}

// Import loads a snapshot into the engine. It is meant for a freshly
// constructed engine; objects whose ids already exist fail the import.
//
// Roles load in two passes so a role may inherit from one defined later in
// the snapshot: pass one creates every role without inheritance edges, pass
// two patches the edges in. Cycle detection still applies on the second
// pass.
func (e *Engine) Import(snap *Snapshot) error {
	for _, p := range snap.Permissions {
		if _, err := e.graph.CreatePermission(*p); err != nil {
			return fmt.Errorf("import permission %s: %w", p.ID, err)
		}
	}
	for _, r := range snap.Roles {
		bare := *r
		bare.InheritsFrom = nil
		if _, err := e.graph.CreateRole(bare); err != nil {
			return fmt.Errorf("import role %s: %w", r.ID, err)
		}
	}
	for _, r := range snap.Roles {
		if len(r.InheritsFrom) == 0 {
			continue
		}
		parents := append([]string(nil), r.InheritsFrom...)
		if _, err := e.graph.UpdateRole(r.ID, RolePatch{InheritsFrom: &parents}); err != nil {
			return fmt.Errorf("import role %s inheritance: %w", r.ID, err)
		}
	}
	for _, a := range snap.Assignments {
		if err := e.assignments.Restore(*a); err != nil {
			return fmt.Errorf("import assignment %s/%s: %w", a.UserID, a.RoleID, err)
		}
	}
	for _, p := range snap.Policies {
		if _, err := e.policies.Create(*p); err != nil {
			return fmt.Errorf("import policy %s: %w", p.ID, err)
		}
	}
	e.policy.InvalidateCache()
	return nil
}
