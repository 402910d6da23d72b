package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/authzkit/decision"
)

// SQLStore mirrors engine state into SQL (squealx). It implements
// decision.Persister for write-through on administrative mutations and can
// reload the full state as a snapshot at bootstrap.
type SQLStore struct {
	db *squealx.DB
}

func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// ----------------------------------------------------------------------------
// Permissions
// ----------------------------------------------------------------------------

func (s *SQLStore) SavePermission(ctx context.Context, p *decision.Permission) error {
	conds, _ := json.Marshal(p.Conditions)
	args := map[string]any{
		"id":              p.ID,
		"resource":        p.Resource,
		"action":          p.Action,
		"description":     p.Description,
		"conditions_json": string(conds),
	}
	return s.upsert(ctx,
		`UPDATE permissions SET resource=:resource, action=:action, description=:description, conditions_json=:conditions_json WHERE id=:id`,
		`INSERT INTO permissions(id, resource, action, description, conditions_json) VALUES(:id, :resource, :action, :description, :conditions_json)`,
		args)
}

func (s *SQLStore) DeletePermission(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM permissions WHERE id=:id`, map[string]any{"id": id})
	return err
}

// ----------------------------------------------------------------------------
// Roles
// ----------------------------------------------------------------------------

func (s *SQLStore) SaveRole(ctx context.Context, r *decision.Role) error {
	perms, _ := json.Marshal(r.Permissions)
	inherits, _ := json.Marshal(r.InheritsFrom)
	args := map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"description":      r.Description,
		"permissions_json": string(perms),
		"inherits_json":    string(inherits),
		"is_system_role":   boolToInt(r.IsSystemRole),
		"created_at":       r.CreatedAt,
		"updated_at":       r.UpdatedAt,
	}
	return s.upsert(ctx,
		`UPDATE roles SET name=:name, description=:description, permissions_json=:permissions_json, inherits_json=:inherits_json, is_system_role=:is_system_role, updated_at=:updated_at WHERE id=:id`,
		`INSERT INTO roles(id, name, description, permissions_json, inherits_json, is_system_role, created_at, updated_at) VALUES(:id, :name, :description, :permissions_json, :inherits_json, :is_system_role, :created_at, :updated_at)`,
		args)
}

func (s *SQLStore) DeleteRole(ctx context.Context, id string) error {
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM role_assignments WHERE role_id=:id`, map[string]any{"id": id}); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM roles WHERE id=:id`, map[string]any{"id": id})
	return err
}

// ----------------------------------------------------------------------------
// Assignments
// ----------------------------------------------------------------------------

func (s *SQLStore) SaveAssignment(ctx context.Context, a *decision.UserRoleAssignment) error {
	conds, _ := json.Marshal(a.Conditions)
	args := map[string]any{
		"user_id":         a.UserID,
		"role_id":         a.RoleID,
		"assigned_at":     a.AssignedAt,
		"assigned_by":     a.AssignedBy,
		"expires_at":      nullableTime(a.ExpiresAt),
		"is_active":       boolToInt(a.IsActive),
		"conditions_json": string(conds),
	}
	return s.upsert(ctx,
		`UPDATE role_assignments SET assigned_at=:assigned_at, assigned_by=:assigned_by, expires_at=:expires_at, is_active=:is_active, conditions_json=:conditions_json WHERE user_id=:user_id AND role_id=:role_id`,
		`INSERT INTO role_assignments(user_id, role_id, assigned_at, assigned_by, expires_at, is_active, conditions_json) VALUES(:user_id, :role_id, :assigned_at, :assigned_by, :expires_at, :is_active, :conditions_json)`,
		args)
}

func (s *SQLStore) DeleteAssignment(ctx context.Context, userID, roleID string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM role_assignments WHERE user_id=:user_id AND role_id=:role_id`,
		map[string]any{"user_id": userID, "role_id": roleID})
	return err
}

// ----------------------------------------------------------------------------
// Policies
// ----------------------------------------------------------------------------

func (s *SQLStore) SavePolicy(ctx context.Context, p *decision.Policy) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	args := map[string]any{"id": p.ID, "policy_json": string(body)}
	return s.upsert(ctx,
		`UPDATE policies SET policy_json=:policy_json WHERE id=:id`,
		`INSERT INTO policies(id, policy_json) VALUES(:id, :policy_json)`,
		args)
}

func (s *SQLStore) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM policies WHERE id=:id`, map[string]any{"id": id})
	return err
}

// ----------------------------------------------------------------------------
// Snapshot load
// ----------------------------------------------------------------------------

// LoadSnapshot reads the full persisted state, suitable for
// decision.Engine.Import at bootstrap.
func (s *SQLStore) LoadSnapshot(ctx context.Context) (*decision.Snapshot, error) {
	snap := &decision.Snapshot{}

	r, err := s.db.NamedQueryContext(ctx, `SELECT id, resource, action, description, conditions_json FROM permissions`, map[string]any{})
	if err != nil {
		return nil, err
	}
	for r.Next() {
		var id, resource, action, description, condsJSON string
		if err := r.Scan(&id, &resource, &action, &description, &condsJSON); err != nil {
			r.Close()
			return nil, err
		}
		p := &decision.Permission{ID: id, Resource: resource, Action: action, Description: description}
		_ = json.Unmarshal([]byte(condsJSON), &p.Conditions)
		snap.Permissions = append(snap.Permissions, p)
	}
	r.Close()

	r, err = s.db.NamedQueryContext(ctx, `SELECT id, name, description, permissions_json, inherits_json, is_system_role, created_at, updated_at FROM roles`, map[string]any{})
	if err != nil {
		return nil, err
	}
	for r.Next() {
		var id, name, description, permsJSON, inheritsJSON string
		var systemInt int
		var createdRaw, updatedRaw any
		if err := r.Scan(&id, &name, &description, &permsJSON, &inheritsJSON, &systemInt, &createdRaw, &updatedRaw); err != nil {
			r.Close()
			return nil, err
		}
		role := &decision.Role{
			ID:           id,
			Name:         name,
			Description:  description,
			IsSystemRole: systemInt != 0,
			CreatedAt:    scanTime(createdRaw),
			UpdatedAt:    scanTime(updatedRaw),
		}
		_ = json.Unmarshal([]byte(permsJSON), &role.Permissions)
		_ = json.Unmarshal([]byte(inheritsJSON), &role.InheritsFrom)
		snap.Roles = append(snap.Roles, role)
	}
	r.Close()

	r, err = s.db.NamedQueryContext(ctx, `SELECT user_id, role_id, assigned_at, assigned_by, expires_at, is_active, conditions_json FROM role_assignments`, map[string]any{})
	if err != nil {
		return nil, err
	}
	for r.Next() {
		var userID, roleID, assignedBy, condsJSON string
		var assignedRaw, expiresRaw any
		var activeInt int
		if err := r.Scan(&userID, &roleID, &assignedRaw, &assignedBy, &expiresRaw, &activeInt, &condsJSON); err != nil {
			r.Close()
			return nil, err
		}
		a := &decision.UserRoleAssignment{
			UserID:     userID,
			RoleID:     roleID,
			AssignedAt: scanTime(assignedRaw),
			AssignedBy: assignedBy,
			IsActive:   activeInt != 0,
		}
		if expiresRaw != nil {
			if t := scanTime(expiresRaw); !t.IsZero() {
				a.ExpiresAt = &t
			}
		}
		_ = json.Unmarshal([]byte(condsJSON), &a.Conditions)
		snap.Assignments = append(snap.Assignments, a)
	}
	r.Close()

	r, err = s.db.NamedQueryContext(ctx, `SELECT policy_json FROM policies`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		var body string
		if err := r.Scan(&body); err != nil {
			return nil, err
		}
		p := &decision.Policy{}
		if err := json.Unmarshal([]byte(body), p); err != nil {
			continue
		}
		snap.Policies = append(snap.Policies, p)
	}
	return snap, nil
}

// upsert tries the UPDATE first, falling back to INSERT when no row matched.
func (s *SQLStore) upsert(ctx context.Context, update, insert string, args map[string]any) error {
	res, err := s.db.NamedExecContext(ctx, update, args)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.db.NamedExecContext(ctx, insert, args)
	return err
}

var _ decision.Persister = (*SQLStore)(nil)
