package decision

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// POLICY STORE
// ============================================================================

// PolicyStore holds policies in memory. Insertion order is preserved: it is
// the tie-break when priorities collide, keeping evaluation order fully
// deterministic.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	order    []string
}

// NewPolicyStore returns an empty store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]*Policy)}
}

// ValidatePolicy checks the structural invariants enforced at mutation time.
func ValidatePolicy(p *Policy) error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPolicy, p.Status)
	}
	if len(p.Subjects) == 0 || len(p.Resources) == 0 || len(p.Actions) == 0 {
		return fmt.Errorf("%w: subjects, resources, and actions are required", ErrInvalidPolicy)
	}
	if !p.DefaultEffect.Valid() {
		return fmt.Errorf("%w: default effect must be allow or deny", ErrInvalidPolicy)
	}
	if p.EffectiveFrom != nil && p.EffectiveUntil != nil && p.EffectiveUntil.Before(*p.EffectiveFrom) {
		return fmt.Errorf("%w: effective window is inverted", ErrInvalidPolicy)
	}
	for _, r := range p.Rules {
		if !r.Effect.Valid() {
			return fmt.Errorf("%w: rule %s must carry allow or deny", ErrInvalidPolicy, r.ID)
		}
		switch r.ConditionLogic {
		case LogicAnd, LogicOr, LogicNot, "":
		default:
			return fmt.Errorf("%w: rule %s has unknown condition logic %q", ErrInvalidPolicy, r.ID, r.ConditionLogic)
		}
	}
	return nil
}

// Create stores a validated policy. Duplicate ids are rejected.
func (s *PolicyStore) Create(p Policy) (*Policy, error) {
	if err := ValidatePolicy(&p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyExists, p.ID)
	}
	stored := clonePolicy(&p)
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	s.policies[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return clonePolicy(stored), nil
}

// Update replaces the stored policy wholesale after validation. The policy
// keeps its position in the stable order.
func (s *PolicyStore) Update(p Policy) (*Policy, error) {
	if err := ValidatePolicy(&p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.policies[p.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, p.ID)
	}
	stored := clonePolicy(&p)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	s.policies[p.ID] = stored
	return clonePolicy(stored), nil
}

// Delete removes a policy, reporting whether it existed.
func (s *PolicyStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return false
	}
	delete(s.policies, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the policy, or false if unknown.
func (s *PolicyStore) Get(id string) (*Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, false
	}
	return clonePolicy(p), true
}

// List returns all policies in stable insertion order, optionally filtered by
// status ("" means all).
func (s *PolicyStore) List(status PolicyStatus) []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.order))
	for _, id := range s.order {
		p := s.policies[id]
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	return out
}

// SetStatus flips a policy's status in place.
func (s *PolicyStore) SetStatus(id string, status PolicyStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPolicy, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

// snapshot returns the live policies in stable order for one evaluation pass.
func (s *PolicyStore) snapshot() []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, clonePolicy(s.policies[id]))
	}
	return out
}

func clonePolicy(p *Policy) *Policy {
	dup := *p
	dup.Subjects = append([]string(nil), p.Subjects...)
	dup.Resources = append([]string(nil), p.Resources...)
	dup.Actions = append([]string(nil), p.Actions...)
	dup.Rules = make([]PolicyRule, len(p.Rules))
	for i, r := range p.Rules {
		rr := r
		rr.Conditions = append([]PolicyCondition(nil), r.Conditions...)
		dup.Rules[i] = rr
	}
	if p.EffectiveFrom != nil {
		t := *p.EffectiveFrom
		dup.EffectiveFrom = &t
	}
	if p.EffectiveUntil != nil {
		t := *p.EffectiveUntil
		dup.EffectiveUntil = &t
	}
	return &dup
}
