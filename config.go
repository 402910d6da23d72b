package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// DECLARATIVE CONFIGURATION
// ============================================================================

// Config is the declarative bootstrap format: permissions, roles,
// assignments, and policies in one document, plus engine tuning. Apply it
// with Engine.ApplyConfig.
type Config struct {
	Version     uint16             `json:"version" yaml:"version"`
	Permissions []*Permission      `json:"permissions" yaml:"permissions"`
	Roles       []*Role            `json:"roles" yaml:"roles"`
	Assignments []AssignmentConfig `json:"assignments" yaml:"assignments"`
	Policies    []*Policy          `json:"policies" yaml:"policies"`
	Engine      EngineConfig       `json:"engine" yaml:"engine"`
}

// AssignmentConfig declares a user-role grant.
type AssignmentConfig struct {
	UserID     string            `json:"user_id" yaml:"user_id"`
	RoleID     string            `json:"role_id" yaml:"role_id"`
	AssignedBy string            `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Conditions []PolicyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// EngineConfig carries runtime tuning. Zero values leave the engine's
// current settings untouched.
type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	AuditBuffer         int   `json:"audit_buffer" yaml:"audit_buffer"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// ConfigLoader parses configuration documents.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a config file, choosing the codec by extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}
}

// ToYAML exports the config document.
func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

// ToJSON exports the config document.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// Validate reports every structural problem in the document at once.
func (c *Config) Validate() error {
	var errs []error
	perms := make(map[string]bool, len(c.Permissions))
	for i, p := range c.Permissions {
		if p.ID == "" || p.Resource == "" || p.Action == "" {
			errs = append(errs, fmt.Errorf("permission[%d]: id, resource, and action are required", i))
			continue
		}
		if perms[p.ID] {
			errs = append(errs, fmt.Errorf("permission[%d]: duplicate id %s", i, p.ID))
		}
		perms[p.ID] = true
	}
	roles := make(map[string]bool, len(c.Roles))
	for i, r := range c.Roles {
		if r.ID == "" || r.Name == "" {
			errs = append(errs, fmt.Errorf("role[%d]: id and name are required", i))
			continue
		}
		if roles[r.ID] {
			errs = append(errs, fmt.Errorf("role[%d]: duplicate id %s", i, r.ID))
		}
		roles[r.ID] = true
		for _, pid := range r.Permissions {
			if !perms[pid] {
				errs = append(errs, fmt.Errorf("role %s: unknown permission %s", r.ID, pid))
			}
		}
	}
	for i, r := range c.Roles {
		for _, parent := range r.InheritsFrom {
			if !roles[parent] {
				errs = append(errs, fmt.Errorf("role[%d] %s: unknown parent %s", i, r.ID, parent))
			}
		}
	}
	for i, a := range c.Assignments {
		if a.UserID == "" || a.RoleID == "" {
			errs = append(errs, fmt.Errorf("assignment[%d]: user_id and role_id are required", i))
			continue
		}
		if !roles[a.RoleID] {
			errs = append(errs, fmt.Errorf("assignment[%d]: unknown role %s", i, a.RoleID))
		}
	}
	for i, p := range c.Policies {
		if err := ValidatePolicy(p); err != nil {
			errs = append(errs, fmt.Errorf("policy[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyConfig upserts the document's objects into the engine. Roles load in
// two passes so forward inheritance references work; existing objects are
// updated rather than duplicated. Engine tuning fields apply first.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Engine.DecisionCacheTTL > 0 {
		e.policy.SetDefaultCacheTTL(time.Duration(cfg.Engine.DecisionCacheTTL) * time.Millisecond)
	}
	if cfg.Engine.RistrettoNumCounter > 0 {
		if err := e.policy.ConfigureCache(cfg.Engine.RistrettoNumCounter, cfg.Engine.RistrettoMaxCost, cfg.Engine.RistrettoBuffer); err != nil {
			return err
		}
	}

	for _, p := range cfg.Permissions {
		if _, ok := e.graph.GetPermission(p.ID); ok {
			if _, err := e.UpdatePermission(ctx, p.ID, *p); err != nil {
				return fmt.Errorf("update permission %s: %w", p.ID, err)
			}
			continue
		}
		if _, err := e.CreatePermission(ctx, *p); err != nil {
			return fmt.Errorf("create permission %s: %w", p.ID, err)
		}
	}

	for _, r := range cfg.Roles {
		bare := *r
		bare.InheritsFrom = nil
		if _, ok := e.graph.GetRole(r.ID); ok {
			perms := append([]string(nil), r.Permissions...)
			if _, err := e.UpdateRole(ctx, r.ID, RolePatch{Name: &bare.Name, Permissions: &perms}); err != nil {
				return fmt.Errorf("update role %s: %w", r.ID, err)
			}
			continue
		}
		if _, err := e.CreateRole(ctx, bare); err != nil {
			return fmt.Errorf("create role %s: %w", r.ID, err)
		}
	}
	for _, r := range cfg.Roles {
		parents := append([]string(nil), r.InheritsFrom...)
		if _, err := e.UpdateRole(ctx, r.ID, RolePatch{InheritsFrom: &parents}); err != nil {
			return fmt.Errorf("role %s inheritance: %w", r.ID, err)
		}
	}

	for _, a := range cfg.Assignments {
		if _, err := e.AssignRole(ctx, a.UserID, a.RoleID, a.AssignedBy, a.ExpiresAt, a.Conditions); err != nil {
			return fmt.Errorf("assign %s to %s: %w", a.RoleID, a.UserID, err)
		}
	}

	for _, p := range cfg.Policies {
		if _, ok := e.policies.Get(p.ID); ok {
			if _, err := e.UpdatePolicy(ctx, *p); err != nil {
				return fmt.Errorf("update policy %s: %w", p.ID, err)
			}
			continue
		}
		if _, err := e.CreatePolicy(ctx, *p); err != nil {
			return fmt.Errorf("create policy %s: %w", p.ID, err)
		}
	}
	return nil
}
