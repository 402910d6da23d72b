package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/authzkit/decision/logger"
	"github.com/authzkit/decision/utils"
)

// ============================================================================
// POLICY ENGINE
// ============================================================================

const (
	reasonNoApplicablePolicies = "no applicable policies"
	reasonEvaluationError      = "policy evaluation error"

	// Confidence levels attached to the three decision paths: an explicit
	// rule match, a policy's default effect, and the global default deny.
	confidenceRuleMatch     = 0.9
	confidenceDefaultEffect = 0.5
	confidenceNoPolicies    = 1.0
)

// PolicyEngine evaluates an EvaluationContext against the policy set:
// cache lookup, applicability filtering, priority ordering, rule evaluation,
// cross-policy composition, cache store, audit emit. Every call is a pure
// function of (policy snapshot, context) except the cache, whose presence
// never changes the decision, only latency.
type PolicyEngine struct {
	policies   *PolicyStore
	rbac       *RBACChecker
	conditions *ConditionEvaluator

	cacheMu    sync.RWMutex
	cache      *ristretto.Cache
	defaultTTL time.Duration

	emit func(*AuditRecord)
	log  logger.Logger
}

// policyDecision is the per-policy outcome inside one evaluation pass.
type policyDecision struct {
	effect     Effect
	reason     string
	confidence float64
	ruleID     string
}

func newPolicyEngine(policies *PolicyStore, rbac *RBACChecker, conditions *ConditionEvaluator, cacheCfg ristretto.Config, defaultTTL time.Duration, log logger.Logger) (*PolicyEngine, error) {
	cache, err := ristretto.NewCache(&cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("decision cache: %w", err)
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &PolicyEngine{
		policies:   policies,
		rbac:       rbac,
		conditions: conditions,
		cache:      cache,
		defaultTTL: defaultTTL,
		emit:       func(*AuditRecord) {},
		log:        log,
	}, nil
}

// Evaluate runs the full decision pipeline. It never panics past this
// boundary: any internal fault degrades to a deny with an evaluation-error
// reason, so a fault can never be mistaken for "no decision".
func (pe *PolicyEngine) Evaluate(ctx *EvaluationContext) (result *EvaluationResult) {
	if ctx == nil {
		return &EvaluationResult{
			Decision:   EffectDeny,
			Reason:     reasonEvaluationError,
			Confidence: confidenceNoPolicies,
			AuditInfo:  AuditInfo{Timestamp: time.Now()},
		}
	}
	start := time.Now()
	hash := ""
	defer func() {
		if r := recover(); r != nil {
			result = &EvaluationResult{
				Decision:   EffectDeny,
				Reason:     reasonEvaluationError,
				Confidence: confidenceNoPolicies,
				AuditInfo:  AuditInfo{ContextHash: hash, Timestamp: time.Now()},
			}
			result.EvaluationTimeMs = elapsedMs(start)
			pe.log.Error("policy evaluation panic", "user", ctx.Subject.UserID, "panic", fmt.Sprint(r))
			pe.audit(ctx, result)
		}
	}()

	hash = ContextHash(ctx)

	if cached := pe.cacheLookup(hash); cached != nil {
		cached.CacheHit = true
		cached.EvaluationTimeMs = elapsedMs(start)
		pe.audit(ctx, cached)
		return cached
	}

	now := ctx.now()
	applicable := pe.applicablePolicies(ctx, now)

	if len(applicable) == 0 {
		result = &EvaluationResult{
			Decision:   EffectDeny,
			Reason:     reasonNoApplicablePolicies,
			Confidence: confidenceNoPolicies,
			AuditInfo:  AuditInfo{ContextHash: hash, Timestamp: now},
		}
		result.EvaluationTimeMs = elapsedMs(start)
		pe.audit(ctx, result)
		return result
	}

	// Highest maximum rule priority first; stable order breaks ties.
	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].maxRulePriority() > applicable[j].maxRulePriority()
	})

	// Cross-policy composition: the first allow wins outright. A deny is
	// remembered but never stops the scan, so a lower-priority allow can
	// still override it.
	var (
		firstDeny       *policyDecision
		minConfidence   = 1.0
		matchedPolicies []string
		matchedRules    []string
	)
	for _, p := range applicable {
		dec := pe.evaluatePolicy(p, ctx)
		matchedPolicies = append(matchedPolicies, p.ID)
		if dec.ruleID != "" {
			matchedRules = append(matchedRules, dec.ruleID)
		}
		if dec.confidence < minConfidence {
			minConfidence = dec.confidence
		}
		if dec.effect == EffectAllow {
			result = &EvaluationResult{
				Decision:   EffectAllow,
				Reason:     dec.reason,
				Confidence: dec.confidence,
			}
			break
		}
		if firstDeny == nil {
			firstDeny = &dec
		}
	}
	if result == nil {
		result = &EvaluationResult{
			Decision:   EffectDeny,
			Reason:     firstDeny.reason,
			Confidence: minConfidence,
		}
	}
	result.MatchedPolicies = matchedPolicies
	result.MatchedRules = matchedRules
	result.AuditInfo = AuditInfo{ContextHash: hash, PolicyIDs: matchedPolicies, Timestamp: now}
	result.EvaluationTimeMs = elapsedMs(start)

	pe.cacheStore(hash, result, applicable, matchedPolicies)
	pe.audit(ctx, result)
	return result
}

// EvaluateBatch evaluates contexts in order.
func (pe *PolicyEngine) EvaluateBatch(ctxs []*EvaluationContext) []*EvaluationResult {
	out := make([]*EvaluationResult, len(ctxs))
	for i, c := range ctxs {
		out[i] = pe.Evaluate(c)
	}
	return out
}

// applicablePolicies selects active policies whose effective window covers
// now and whose subject/resource/action patterns all match. A subject pattern
// may match the literal user id or any of the subject's role names, including
// names derived from effective assignments.
func (pe *PolicyEngine) applicablePolicies(ctx *EvaluationContext, now time.Time) []*Policy {
	candidates := append([]string{ctx.Subject.UserID}, ctx.Subject.Roles...)
	if ctx.Subject.UserID != "" {
		candidates = append(candidates, pe.rbac.EffectiveRoleNames(ctx.Subject.UserID)...)
	}

	out := make([]*Policy, 0)
	for _, p := range pe.policies.snapshot() {
		if p.Status != PolicyStatusActive || !p.InWindow(now) {
			continue
		}
		if !matchAnyCandidate(candidates, p.Subjects) {
			continue
		}
		if !utils.MatchAny(ctx.Resource, p.Resources) {
			continue
		}
		if !utils.MatchAny(ctx.Action, p.Actions) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// evaluatePolicy walks the policy's rules in descending priority; the first
// matching rule decides. With no match the policy falls back to its default
// effect at reduced confidence.
func (pe *PolicyEngine) evaluatePolicy(p *Policy, ctx *EvaluationContext) policyDecision {
	rules := append([]PolicyRule(nil), p.Rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		if !pe.ruleMatches(&rule, ctx) {
			continue
		}
		return policyDecision{
			effect:     rule.Effect,
			reason:     fmt.Sprintf("rule %s matched in policy %s", rule.ID, p.Name),
			confidence: confidenceRuleMatch,
			ruleID:     rule.ID,
		}
	}
	return policyDecision{
		effect:     p.DefaultEffect,
		reason:     fmt.Sprintf("no rules matched in policy %s; default effect %s", p.Name, p.DefaultEffect),
		confidence: confidenceDefaultEffect,
	}
}

// ruleMatches applies the rule's condition logic. A rule with zero conditions
// always matches. LogicNot negates the conjunction of the set (NAND), not
// each condition individually.
func (pe *PolicyEngine) ruleMatches(rule *PolicyRule, ctx *EvaluationContext) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	switch rule.ConditionLogic {
	case LogicOr:
		return pe.conditions.EvaluateAny(rule.Conditions, ctx)
	case LogicNot:
		return !pe.conditions.EvaluateAll(rule.Conditions, ctx)
	default: // and
		return pe.conditions.EvaluateAll(rule.Conditions, ctx)
	}
}

// ----------------------------------------------------------------------------
// Decision cache
// ----------------------------------------------------------------------------

func (pe *PolicyEngine) cacheLookup(hash string) *EvaluationResult {
	pe.cacheMu.RLock()
	defer pe.cacheMu.RUnlock()
	v, ok := pe.cache.Get(hash)
	if !ok {
		return nil
	}
	cached, ok := v.(*EvaluationResult)
	if !ok {
		return nil
	}
	dup := *cached
	return &dup
}

// cacheStore writes the result keyed by context hash when at least one
// evaluated policy is cacheable, with TTL = the minimum cache timeout among
// the cacheable ones. A non-cacheable match forces fresh evaluation next
// call.
func (pe *PolicyEngine) cacheStore(hash string, result *EvaluationResult, applicable []*Policy, evaluated []string) {
	ttl := time.Duration(0)
	cacheable := false
	evaluatedSet := make(map[string]bool, len(evaluated))
	for _, id := range evaluated {
		evaluatedSet[id] = true
	}
	for _, p := range applicable {
		if !evaluatedSet[p.ID] || !p.Cacheable {
			continue
		}
		pTTL := pe.defaultTTL
		if p.CacheTimeoutMs > 0 {
			pTTL = time.Duration(p.CacheTimeoutMs) * time.Millisecond
		}
		if !cacheable || pTTL < ttl {
			ttl = pTTL
		}
		cacheable = true
	}
	if !cacheable || ttl <= 0 {
		return
	}
	dup := *result
	dup.CacheHit = false
	pe.cacheMu.RLock()
	pe.cache.SetWithTTL(hash, &dup, 1, ttl)
	pe.cacheMu.RUnlock()
}

// InvalidateCache flushes every cached decision. Called on any administrative
// mutation so stale grants can never outlive a config change.
func (pe *PolicyEngine) InvalidateCache() {
	pe.cacheMu.RLock()
	pe.cache.Clear()
	pe.cacheMu.RUnlock()
}

// ConfigureCache rebuilds the decision cache with new ristretto sizing.
// Cached decisions are discarded.
func (pe *PolicyEngine) ConfigureCache(numCounters, maxCost, bufferItems int64) error {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return fmt.Errorf("decision cache: %w", err)
	}
	pe.cacheMu.Lock()
	old := pe.cache
	pe.cache = cache
	pe.cacheMu.Unlock()
	old.Close()
	return nil
}

// SetDefaultCacheTTL changes the TTL used for cacheable policies without an
// explicit timeout.
func (pe *PolicyEngine) SetDefaultCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		pe.defaultTTL = ttl
	}
}

func (pe *PolicyEngine) audit(ctx *EvaluationContext, result *EvaluationResult) {
	rec := &AuditRecord{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		UserID:      ctx.Subject.UserID,
		Resource:    ctx.Resource,
		Action:      ctx.Action,
		Decision:    result.Decision,
		Reason:      result.Reason,
		Confidence:  result.Confidence,
		PolicyIDs:   append([]string(nil), result.MatchedPolicies...),
		ContextHash: result.AuditInfo.ContextHash,
		CacheHit:    result.CacheHit,
		DurationMs:  result.EvaluationTimeMs,
	}
	pe.log.Info("authorization decision",
		"user", rec.UserID,
		"resource", rec.Resource,
		"action", rec.Action,
		"decision", string(rec.Decision),
		"reason", rec.Reason,
		"cache_hit", rec.CacheHit,
	)
	pe.emit(rec)
}

// ----------------------------------------------------------------------------
// Context hash
// ----------------------------------------------------------------------------

// ContextHash derives the minute-granular cache key: two requests inside the
// same minute with identical subject, resource, action, and roles are
// cache-equivalent.
func ContextHash(ctx *EvaluationContext) string {
	roles := append([]string(nil), ctx.Subject.Roles...)
	sort.Strings(roles)
	minute := ctx.now().Unix() / 60
	payload := strings.Join([]string{
		ctx.Subject.UserID,
		ctx.Resource,
		ctx.Action,
		strings.Join(roles, ","),
		strconv.FormatInt(minute, 10),
	}, "\x1f")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func matchAnyCandidate(candidates, patterns []string) bool {
	for _, c := range candidates {
		if utils.MatchAny(c, patterns) {
			return true
		}
	}
	return false
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / 1e6
}
