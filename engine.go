package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/authzkit/decision/logger"
)

// ============================================================================
// AUTHORIZATION ENGINE
// ============================================================================

// Persister mirrors administrative state to durable storage. Calls happen
// after the in-memory mutation commits; a persist failure is surfaced to the
// administrative caller but never touches the evaluation path.
type Persister interface {
	SavePermission(ctx context.Context, p *Permission) error
	DeletePermission(ctx context.Context, id string) error
	SaveRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error
	SavePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	SaveAssignment(ctx context.Context, a *UserRoleAssignment) error
	DeleteAssignment(ctx context.Context, userID, roleID string) error
}

// AssignmentReplicator pushes user-role membership changes to an external
// system (e.g. redis sets) for out-of-process consumers.
type AssignmentReplicator interface {
	AssignRole(ctx context.Context, userID, roleID string) error
	RevokeRole(ctx context.Context, userID, roleID string) error
}

// Engine is the single authorization authority: role graph, assignments,
// policies, the RBAC checker, and the policy engine, constructed once at
// process start and passed by reference. There is no package-level state.
type Engine struct {
	graph       *RoleGraph
	assignments *AssignmentStore
	policies    *PolicyStore
	conditions  *ConditionEvaluator
	rbac        *RBACChecker
	policy      *PolicyEngine

	logger     logger.Logger
	persister  Persister
	replicator AssignmentReplicator

	auditSink   AuditSink
	auditCh     chan *AuditRecord
	auditBuffer int
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once

	cacheCfg ristretto.Config
	cacheTTL time.Duration
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// WithLogger installs a structured logger. Defaults to the phuslu-backed
// logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithAuditSink installs the external audit sink. Defaults to a bounded
// in-memory sink.
func WithAuditSink(sink AuditSink) EngineOption {
	return func(e *Engine) error {
		e.auditSink = sink
		return nil
	}
}

// WithAuditBuffer sizes the async audit channel. Records are dropped, never
// blocked on, when the buffer is full.
func WithAuditBuffer(n int) EngineOption {
	return func(e *Engine) error {
		if n > 0 {
			e.auditBuffer = n
		}
		return nil
	}
}

// WithDecisionCache tunes the ristretto decision cache.
func WithDecisionCache(numCounters, maxCost, bufferItems int64) EngineOption {
	return func(e *Engine) error {
		e.cacheCfg = ristretto.Config{NumCounters: numCounters, MaxCost: maxCost, BufferItems: bufferItems}
		return nil
	}
}

// WithDefaultCacheTTL sets the TTL used for cacheable policies that do not
// declare their own timeout.
func WithDefaultCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
		return nil
	}
}

// WithPersister mirrors administrative mutations to durable storage.
func WithPersister(p Persister) EngineOption {
	return func(e *Engine) error {
		e.persister = p
		return nil
	}
}

// WithAssignmentReplicator mirrors assignment changes to an external store.
func WithAssignmentReplicator(r AssignmentReplicator) EngineOption {
	return func(e *Engine) error {
		e.replicator = r
		return nil
	}
}

// NewEngine constructs the engine and starts its audit worker.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		logger:      logger.NewPhusluLogger(),
		auditBuffer: 1024,
		cacheCfg:    ristretto.Config{NumCounters: 100_000, MaxCost: 10_000, BufferItems: 64},
		cacheTTL:    time.Minute,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.auditSink == nil {
		e.auditSink = NewMemoryAuditSink(10_000)
	}

	e.graph = NewRoleGraph()
	e.assignments = NewAssignmentStore(e.graph)
	e.policies = NewPolicyStore()
	e.conditions = NewConditionEvaluator()
	e.rbac = NewRBACChecker(e.graph, e.assignments, e.conditions)

	pe, err := newPolicyEngine(e.policies, e.rbac, e.conditions, e.cacheCfg, e.cacheTTL, e.logger)
	if err != nil {
		return nil, err
	}
	e.policy = pe
	e.policy.emit = e.enqueueAudit

	e.auditCh = make(chan *AuditRecord, e.auditBuffer)
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.auditWorker()
	return e, nil
}

// Close stops the audit worker after draining buffered records.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
	})
}

// RBAC exposes the coarse-grained checker.
func (e *Engine) RBAC() *RBACChecker { return e.rbac }

// PolicyEngine exposes the fine-grained evaluator.
func (e *Engine) PolicyEngine() *PolicyEngine { return e.policy }

// Evaluate runs the policy decision pipeline.
func (e *Engine) Evaluate(ctx *EvaluationContext) *EvaluationResult {
	return e.policy.Evaluate(ctx)
}

// EvaluateBatch evaluates contexts in order.
func (e *Engine) EvaluateBatch(ctxs []*EvaluationContext) []*EvaluationResult {
	return e.policy.EvaluateBatch(ctxs)
}

// HasPermission answers a coarse RBAC query.
func (e *Engine) HasPermission(userID, resource, action string, ctx *EvaluationContext) bool {
	return e.rbac.HasPermission(userID, resource, action, ctx)
}

// ----------------------------------------------------------------------------
// Permission administration
// ----------------------------------------------------------------------------

func (e *Engine) CreatePermission(ctx context.Context, p Permission) (*Permission, error) {
	stored, err := e.graph.CreatePermission(p)
	if err != nil {
		return nil, err
	}
	e.policy.InvalidateCache()
	return stored, e.persistPermission(ctx, stored)
}

func (e *Engine) UpdatePermission(ctx context.Context, id string, p Permission) (*Permission, error) {
	stored, err := e.graph.UpdatePermission(id, p)
	if err != nil {
		return nil, err
	}
	e.policy.InvalidateCache()
	return stored, e.persistPermission(ctx, stored)
}

// DeletePermission removes the permission and strips it from every role.
func (e *Engine) DeletePermission(ctx context.Context, id string) (bool, error) {
	if !e.graph.DeletePermission(id) {
		return false, nil
	}
	e.policy.InvalidateCache()
	if e.persister != nil {
		if err := e.persister.DeletePermission(ctx, id); err != nil {
			return true, fmt.Errorf("persist permission delete: %w", err)
		}
	}
	return true, nil
}

func (e *Engine) GetPermission(id string) (*Permission, bool) { return e.graph.GetPermission(id) }
func (e *Engine) ListPermissions() []*Permission              { return e.graph.ListPermissions() }

// ----------------------------------------------------------------------------
// Role administration
// ----------------------------------------------------------------------------

func (e *Engine) CreateRole(ctx context.Context, role Role) (*Role, error) {
	stored, err := e.graph.CreateRole(role)
	if err != nil {
		return nil, err
	}
	e.policy.InvalidateCache()
	return stored, e.persistRole(ctx, stored)
}

func (e *Engine) UpdateRole(ctx context.Context, id string, patch RolePatch) (*Role, error) {
	stored, err := e.graph.UpdateRole(id, patch)
	if err != nil {
		return nil, err
	}
	e.policy.InvalidateCache()
	return stored, e.persistRole(ctx, stored)
}

// DeleteRole removes the role, its inheritance edges, and every assignment
// referencing it.
func (e *Engine) DeleteRole(ctx context.Context, id string) (bool, error) {
	removed, err := e.graph.DeleteRole(id)
	if err != nil || !removed {
		return removed, err
	}
	if n := e.assignments.RemoveRole(id); n > 0 {
		e.logger.Info("stripped assignments for deleted role", "role", id, "count", n)
	}
	e.policy.InvalidateCache()
	if e.persister != nil {
		if err := e.persister.DeleteRole(ctx, id); err != nil {
			return true, fmt.Errorf("persist role delete: %w", err)
		}
	}
	return true, nil
}

func (e *Engine) GetRole(id string) (*Role, bool) { return e.graph.GetRole(id) }
func (e *Engine) ListRoles() []*Role              { return e.graph.ListRoles() }

// ResolvePermissions returns the memoized transitive permission set for a
// role.
func (e *Engine) ResolvePermissions(roleID string) map[string]struct{} {
	return e.graph.ResolvePermissions(roleID)
}

// ----------------------------------------------------------------------------
// Assignment administration
// ----------------------------------------------------------------------------

func (e *Engine) AssignRole(ctx context.Context, userID, roleID, assignedBy string, expiresAt *time.Time, conditions []PolicyCondition) (*UserRoleAssignment, error) {
	a, err := e.assignments.Assign(userID, roleID, assignedBy, expiresAt, conditions)
	if err != nil {
		return nil, err
	}
	e.policy.InvalidateCache()
	if e.replicator != nil {
		if err := e.replicator.AssignRole(ctx, userID, roleID); err != nil {
			e.logger.Error("assignment replication failed", "user", userID, "role", roleID, "error", err.Error())
		}
	}
	if e.persister != nil {
		if err := e.persister.SaveAssignment(ctx, a); err != nil {
			return a, fmt.Errorf("persist assignment: %w", err)
		}
	}
	return a, nil
}

func (e *Engine) RevokeRole(ctx context.Context, userID, roleID string) (bool, error) {
	if !e.assignments.Revoke(userID, roleID) {
		return false, nil
	}
	e.policy.InvalidateCache()
	if e.replicator != nil {
		if err := e.replicator.RevokeRole(ctx, userID, roleID); err != nil {
			e.logger.Error("assignment replication failed", "user", userID, "role", roleID, "error", err.Error())
		}
	}
	if e.persister != nil {
		if err := e.persister.DeleteAssignment(ctx, userID, roleID); err != nil {
			return true, fmt.Errorf("persist assignment delete: %w", err)
		}
	}
	return true, nil
}

func (e *Engine) EffectiveRoles(userID string) []*UserRoleAssignment {
	return e.assignments.EffectiveRoles(userID)
}

func (e *Engine) ListAssignments() []*UserRoleAssignment { return e.assignments.List() }

// ----------------------------------------------------------------------------
// Policy administration
// ----------------------------------------------------------------------------

func (e *Engine) CreatePolicy(ctx context.Context, p Policy) (*Policy, error) {
	stored, err := e.policies.Create(p)
	if err != nil {
		return nil, err
	}
	e.policy.InvalidateCache()
	return stored, e.persistPolicy(ctx, stored)
}

func (e *Engine) UpdatePolicy(ctx context.Context, p Policy) (*Policy, error) {
	stored, err := e.policies.Update(p)
	if err != nil {
		return nil, err
	}
	e.policy.InvalidateCache()
	return stored, e.persistPolicy(ctx, stored)
}

func (e *Engine) DeletePolicy(ctx context.Context, id string) (bool, error) {
	if !e.policies.Delete(id) {
		return false, nil
	}
	e.policy.InvalidateCache()
	if e.persister != nil {
		if err := e.persister.DeletePolicy(ctx, id); err != nil {
			return true, fmt.Errorf("persist policy delete: %w", err)
		}
	}
	return true, nil
}

func (e *Engine) GetPolicy(id string) (*Policy, bool)        { return e.policies.Get(id) }
func (e *Engine) ListPolicies(status PolicyStatus) []*Policy { return e.policies.List(status) }

// SetPolicyStatus flips a policy between active/inactive/draft.
func (e *Engine) SetPolicyStatus(ctx context.Context, id string, status PolicyStatus) error {
	if err := e.policies.SetStatus(id, status); err != nil {
		return err
	}
	e.policy.InvalidateCache()
	if e.persister != nil {
		if p, ok := e.policies.Get(id); ok {
			return e.persistPolicy(ctx, p)
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Audit pipeline
// ----------------------------------------------------------------------------

// enqueueAudit hands a record to the async worker, dropping it if the buffer
// is full. Evaluation latency never depends on sink latency or failure.
func (e *Engine) enqueueAudit(rec *AuditRecord) {
	select {
	case e.auditCh <- rec:
	default:
		e.logger.Error("audit buffer full, dropping record", "user", rec.UserID, "resource", rec.Resource)
	}
}

func (e *Engine) auditWorker() {
	defer e.wg.Done()
	for {
		select {
		case rec := <-e.auditCh:
			if err := e.auditSink.Record(rec); err != nil {
				e.logger.Error("audit sink write failed", "error", err.Error())
			}
		case <-e.stopCh:
			for {
				select {
				case rec := <-e.auditCh:
					if err := e.auditSink.Record(rec); err != nil {
						e.logger.Error("audit sink write failed", "error", err.Error())
					}
				default:
					return
				}
			}
		}
	}
}

// ----------------------------------------------------------------------------
// Persistence hooks
// ----------------------------------------------------------------------------

func (e *Engine) persistPermission(ctx context.Context, p *Permission) error {
	if e.persister == nil {
		return nil
	}
	if err := e.persister.SavePermission(ctx, p); err != nil {
		return fmt.Errorf("persist permission: %w", err)
	}
	return nil
}

func (e *Engine) persistRole(ctx context.Context, r *Role) error {
	if e.persister == nil {
		return nil
	}
	if err := e.persister.SaveRole(ctx, r); err != nil {
		return fmt.Errorf("persist role: %w", err)
	}
	return nil
}

func (e *Engine) persistPolicy(ctx context.Context, p *Policy) error {
	if e.persister == nil {
		return nil
	}
	if err := e.persister.SavePolicy(ctx, p); err != nil {
		return fmt.Errorf("persist policy: %w", err)
	}
	return nil
}
