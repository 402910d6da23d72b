package decision

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// USER-ROLE ASSIGNMENTS
// ============================================================================

// AssignmentStore holds user-role assignments. One assignment exists per
// (user, role); assigning again overwrites in place. Expiry is lazy: a read
// that encounters a past-due assignment flips it inactive as a side effect,
// so no background sweep is required for correctness.
type AssignmentStore struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*UserRoleAssignment
	graph  *RoleGraph
}

// NewAssignmentStore returns a store validating role ids against the graph.
func NewAssignmentStore(graph *RoleGraph) *AssignmentStore {
	return &AssignmentStore{
		byUser: make(map[string]map[string]*UserRoleAssignment),
		graph:  graph,
	}
}

// Assign upserts an assignment. Unknown role ids are rejected.
func (s *AssignmentStore) Assign(userID, roleID, assignedBy string, expiresAt *time.Time, conditions []PolicyCondition) (*UserRoleAssignment, error) {
	if _, ok := s.graph.GetRole(roleID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userRoles, ok := s.byUser[userID]
	if !ok {
		userRoles = make(map[string]*UserRoleAssignment)
		s.byUser[userID] = userRoles
	}
	a := &UserRoleAssignment{
		UserID:     userID,
		RoleID:     roleID,
		AssignedAt: time.Now(),
		AssignedBy: assignedBy,
		IsActive:   true,
		Conditions: append([]PolicyCondition(nil), conditions...),
	}
	if expiresAt != nil {
		t := *expiresAt
		a.ExpiresAt = &t
	}
	userRoles[roleID] = a
	dup := *a
	return &dup, nil
}

// Restore upserts an assignment verbatim, preserving its timestamps and
// active flag. Used when loading a snapshot or durable store.
func (s *AssignmentStore) Restore(a UserRoleAssignment) error {
	if _, ok := s.graph.GetRole(a.RoleID); !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, a.RoleID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userRoles, ok := s.byUser[a.UserID]
	if !ok {
		userRoles = make(map[string]*UserRoleAssignment)
		s.byUser[a.UserID] = userRoles
	}
	dup := a
	dup.Conditions = append([]PolicyCondition(nil), a.Conditions...)
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		dup.ExpiresAt = &t
	}
	userRoles[a.RoleID] = &dup
	return nil
}

// Revoke removes the assignment, reporting whether one existed.
func (s *AssignmentStore) Revoke(userID, roleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	userRoles, ok := s.byUser[userID]
	if !ok {
		return false
	}
	if _, ok := userRoles[roleID]; !ok {
		return false
	}
	delete(userRoles, roleID)
	if len(userRoles) == 0 {
		delete(s.byUser, userID)
	}
	return true
}

// EffectiveRoles returns the user's active, non-expired assignments sorted by
// role id. Expired assignments are marked inactive in place.
func (s *AssignmentStore) EffectiveRoles(userID string) []*UserRoleAssignment {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*UserRoleAssignment, 0)
	for _, a := range s.byUser[userID] {
		if a.Expired(now) {
			a.IsActive = false
		}
		if !a.IsActive {
			continue
		}
		dup := *a
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out
}

// Get returns the assignment for (user, role) if present, without touching
// expiry state.
func (s *AssignmentStore) Get(userID, roleID string) (*UserRoleAssignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byUser[userID][roleID]
	if !ok {
		return nil, false
	}
	dup := *a
	return &dup, true
}

// List returns every assignment, sorted by user then role.
func (s *AssignmentStore) List() []*UserRoleAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UserRoleAssignment, 0)
	for _, userRoles := range s.byUser {
		for _, a := range userRoles {
			dup := *a
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].RoleID < out[j].RoleID
	})
	return out
}

// RemoveRole strips every assignment referencing the role. Called when a role
// is deleted so no user keeps a dangling grant.
func (s *AssignmentStore) RemoveRole(roleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for userID, userRoles := range s.byUser {
		if _, ok := userRoles[roleID]; ok {
			delete(userRoles, roleID)
			removed++
			if len(userRoles) == 0 {
				delete(s.byUser, userID)
			}
		}
	}
	return removed
}

// Sweep drops expired assignments eagerly. Optional cache hygiene; lazy
// expiry on read already keeps results correct.
func (s *AssignmentStore) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for userID, userRoles := range s.byUser {
		for roleID, a := range userRoles {
			if a.Expired(now) {
				delete(userRoles, roleID)
				removed++
			}
		}
		if len(userRoles) == 0 {
			delete(s.byUser, userID)
		}
	}
	return removed
}
