package decision

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// ROLE GRAPH (roles + permissions authority)
// ============================================================================

// RoleGraph is the in-memory authority for permissions, roles, and role
// inheritance. The inheritance graph is kept acyclic: every mutation that
// would introduce a cycle is rejected before any state changes.
//
// Transitive permission resolution is memoized per role. A reverse-dependency
// index (role -> direct inheritors) keeps invalidation proportional to the
// affected subgraph instead of the whole graph. The memo table lives under its
// own lock so a cache fill never blocks unrelated reads of the structure.
type RoleGraph struct {
	mu          sync.RWMutex
	permissions map[string]*Permission
	roles       map[string]*Role
	dependents  map[string]map[string]bool // parent id -> ids of roles inheriting from it

	memoMu sync.RWMutex
	memo   map[string]map[string]struct{} // role id -> resolved permission id set
}

// NewRoleGraph returns an empty graph.
func NewRoleGraph() *RoleGraph {
	return &RoleGraph{
		permissions: make(map[string]*Permission),
		roles:       make(map[string]*Role),
		dependents:  make(map[string]map[string]bool),
		memo:        make(map[string]map[string]struct{}),
	}
}

// ----------------------------------------------------------------------------
// Permission CRUD
// ----------------------------------------------------------------------------

// CreatePermission stores a new permission. The id must be unique; resource
// and action are required.
func (g *RoleGraph) CreatePermission(p Permission) (*Permission, error) {
	if p.ID == "" || p.Resource == "" || p.Action == "" {
		return nil, fmt.Errorf("%w: id, resource, and action are required", ErrInvalidPermission)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.permissions[p.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPermissionExists, p.ID)
	}
	stored := clonePermission(&p)
	g.permissions[p.ID] = stored
	return clonePermission(stored), nil
}

// UpdatePermission replaces the stored permission's resource, action,
// description, and conditions. Changing a permission's content does not
// disturb role memos, which track ids only.
func (g *RoleGraph) UpdatePermission(id string, p Permission) (*Permission, error) {
	if p.Resource == "" || p.Action == "" {
		return nil, fmt.Errorf("%w: resource and action are required", ErrInvalidPermission)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.permissions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPermissionNotFound, id)
	}
	existing.Resource = p.Resource
	existing.Action = p.Action
	existing.Description = p.Description
	existing.Conditions = append([]PolicyCondition(nil), p.Conditions...)
	return clonePermission(existing), nil
}

// DeletePermission removes the permission and strips its id from every role's
// permission set, so no dangling references survive. Returns false if the id
// was unknown.
func (g *RoleGraph) DeletePermission(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.permissions[id]; !ok {
		return false
	}
	delete(g.permissions, id)

	touched := make([]string, 0)
	for _, role := range g.roles {
		kept := role.Permissions[:0]
		removed := false
		for _, pid := range role.Permissions {
			if pid == id {
				removed = true
				continue
			}
			kept = append(kept, pid)
		}
		if removed {
			role.Permissions = kept
			role.UpdatedAt = time.Now()
			touched = append(touched, role.ID)
		}
	}
	for _, rid := range touched {
		g.invalidateLocked(rid)
	}
	return true
}

// GetPermission returns a copy of the permission, or false if unknown.
func (g *RoleGraph) GetPermission(id string) (*Permission, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.permissions[id]
	if !ok {
		return nil, false
	}
	return clonePermission(p), true
}

// ListPermissions returns all permissions sorted by id.
func (g *RoleGraph) ListPermissions() []*Permission {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Permission, 0, len(g.permissions))
	for _, p := range g.permissions {
		out = append(out, clonePermission(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ----------------------------------------------------------------------------
// Role CRUD
// ----------------------------------------------------------------------------

// CreateRole validates permission and parent references, rejects inheritance
// cycles, and stores the role.
func (g *RoleGraph) CreateRole(role Role) (*Role, error) {
	if role.ID == "" || role.Name == "" {
		return nil, fmt.Errorf("%w: id and name are required", ErrInvalidRole)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.roles[role.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleExists, role.ID)
	}
	if err := g.validateRefsLocked(role.Permissions, role.InheritsFrom); err != nil {
		return nil, err
	}
	if g.wouldCycleLocked(role.ID, role.InheritsFrom) {
		return nil, fmt.Errorf("%w: role %s", ErrCycleDetected, role.ID)
	}

	stored := cloneRole(&role)
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	g.roles[stored.ID] = stored
	for _, parent := range stored.InheritsFrom {
		g.addDependentLocked(parent, stored.ID)
	}
	return cloneRole(stored), nil
}

// UpdateRole applies a patch. System roles reject name changes; permission and
// inheritance changes re-validate references and acyclicity, then invalidate
// the memo of the role and of everything inheriting from it.
func (g *RoleGraph) UpdateRole(id string, patch RolePatch) (*Role, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	role, ok := g.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	if patch.Name != nil && *patch.Name != role.Name && role.IsSystemRole {
		return nil, fmt.Errorf("%w: cannot rename %s", ErrSystemRole, id)
	}

	newPerms := role.Permissions
	if patch.Permissions != nil {
		newPerms = append([]string(nil), (*patch.Permissions)...)
	}
	newParents := role.InheritsFrom
	if patch.InheritsFrom != nil {
		newParents = append([]string(nil), (*patch.InheritsFrom)...)
	}
	if err := g.validateRefsLocked(newPerms, newParents); err != nil {
		return nil, err
	}
	if patch.InheritsFrom != nil && g.wouldCycleLocked(id, newParents) {
		return nil, fmt.Errorf("%w: role %s", ErrCycleDetected, id)
	}

	structural := patch.Permissions != nil || patch.InheritsFrom != nil
	if patch.InheritsFrom != nil {
		for _, parent := range role.InheritsFrom {
			g.removeDependentLocked(parent, id)
		}
		for _, parent := range newParents {
			g.addDependentLocked(parent, id)
		}
	}
	if patch.Name != nil {
		role.Name = *patch.Name
	}
	role.Permissions = newPerms
	role.InheritsFrom = newParents
	role.UpdatedAt = time.Now()

	if structural {
		g.invalidateLocked(id)
	}
	return cloneRole(role), nil
}

// DeleteRole removes a role, strips it from every other role's inheritance
// list, and invalidates affected memos. System roles cannot be deleted;
// deleting an unknown id returns false with no error.
func (g *RoleGraph) DeleteRole(id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	role, ok := g.roles[id]
	if !ok {
		return false, nil
	}
	if role.IsSystemRole {
		return false, fmt.Errorf("%w: cannot delete %s", ErrSystemRole, id)
	}

	// Children lose the edge; their effective sets shrink.
	g.invalidateLocked(id)
	for childID := range g.dependents[id] {
		child, ok := g.roles[childID]
		if !ok {
			continue
		}
		kept := child.InheritsFrom[:0]
		for _, parent := range child.InheritsFrom {
			if parent != id {
				kept = append(kept, parent)
			}
		}
		child.InheritsFrom = kept
		child.UpdatedAt = time.Now()
	}
	delete(g.dependents, id)
	for _, parent := range role.InheritsFrom {
		g.removeDependentLocked(parent, id)
	}
	delete(g.roles, id)
	return true, nil
}

// GetRole returns a copy of the role, or false if unknown.
func (g *RoleGraph) GetRole(id string) (*Role, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	role, ok := g.roles[id]
	if !ok {
		return nil, false
	}
	return cloneRole(role), true
}

// ListRoles returns all roles sorted by id.
func (g *RoleGraph) ListRoles() []*Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Role, 0, len(g.roles))
	for _, r := range g.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoleName returns the display name for a role id, or "" if unknown.
func (g *RoleGraph) RoleName(id string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if r, ok := g.roles[id]; ok {
		return r.Name
	}
	return ""
}

// ----------------------------------------------------------------------------
// Resolution
// ----------------------------------------------------------------------------

// ResolvePermissions returns the transitive permission id set for a role: its
// own permissions unioned with those of every ancestor. Results are memoized
// per role id; structural mutations invalidate the affected memos. An unknown
// role resolves to an empty set.
func (g *RoleGraph) ResolvePermissions(roleID string) map[string]struct{} {
	g.memoMu.RLock()
	cached, ok := g.memo[roleID]
	g.memoMu.RUnlock()
	if ok {
		return copySet(cached)
	}

	g.mu.RLock()
	resolved := make(map[string]struct{})
	// Iterative DFS; the visited set guarantees termination even if the
	// acyclicity invariant were ever violated.
	visited := map[string]bool{}
	stack := []string{roleID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		role, ok := g.roles[cur]
		if !ok {
			continue
		}
		for _, pid := range role.Permissions {
			resolved[pid] = struct{}{}
		}
		stack = append(stack, role.InheritsFrom...)
	}
	_, known := g.roles[roleID]
	g.mu.RUnlock()

	if known {
		g.memoMu.Lock()
		g.memo[roleID] = copySet(resolved)
		g.memoMu.Unlock()
	}
	return resolved
}

// ----------------------------------------------------------------------------
// Internals (g.mu held)
// ----------------------------------------------------------------------------

func (g *RoleGraph) validateRefsLocked(permIDs, parentIDs []string) error {
	for _, pid := range permIDs {
		if _, ok := g.permissions[pid]; !ok {
			return fmt.Errorf("%w: %s", ErrPermissionNotFound, pid)
		}
	}
	for _, rid := range parentIDs {
		if _, ok := g.roles[rid]; !ok {
			return fmt.Errorf("%w: inherited role %s", ErrRoleNotFound, rid)
		}
	}
	return nil
}

// wouldCycleLocked reports whether giving roleID the proposed parents would
// let any ancestor chain reach back to roleID. Iterative DFS from each
// proposed ancestor.
func (g *RoleGraph) wouldCycleLocked(roleID string, parents []string) bool {
	visited := map[string]bool{}
	stack := append([]string(nil), parents...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == roleID {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if role, ok := g.roles[cur]; ok {
			stack = append(stack, role.InheritsFrom...)
		}
	}
	return false
}

// invalidateLocked drops the memo of the role and of every role that directly
// or transitively inherits from it, walking the reverse-dependency index.
func (g *RoleGraph) invalidateLocked(roleID string) {
	affected := []string{}
	visited := map[string]bool{}
	stack := []string{roleID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		affected = append(affected, cur)
		for child := range g.dependents[cur] {
			stack = append(stack, child)
		}
	}
	g.memoMu.Lock()
	for _, id := range affected {
		delete(g.memo, id)
	}
	g.memoMu.Unlock()
}

func (g *RoleGraph) addDependentLocked(parent, child string) {
	set, ok := g.dependents[parent]
	if !ok {
		set = make(map[string]bool)
		g.dependents[parent] = set
	}
	set[child] = true
}

func (g *RoleGraph) removeDependentLocked(parent, child string) {
	if set, ok := g.dependents[parent]; ok {
		delete(set, child)
		if len(set) == 0 {
			delete(g.dependents, parent)
		}
	}
}

func clonePermission(p *Permission) *Permission {
	dup := *p
	dup.Conditions = append([]PolicyCondition(nil), p.Conditions...)
	return &dup
}

func cloneRole(r *Role) *Role {
	dup := *r
	dup.Permissions = append([]string(nil), r.Permissions...)
	dup.InheritsFrom = append([]string(nil), r.InheritsFrom...)
	return &dup
}

func copySet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
