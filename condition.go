package decision

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// CONDITION EVALUATION
// ============================================================================

// ConditionEvaluator evaluates typed predicates against an EvaluationContext.
// Compiled regexes are cached so pathological user-supplied patterns are paid
// for once.
type ConditionEvaluator struct {
	regexes sync.Map // pattern -> *regexp.Regexp
}

// NewConditionEvaluator returns an evaluator with an empty pattern cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{}
}

// Evaluate applies a single condition to the context. Absent fields fail
// closed for every operator except exists/not_exists. Any internal fault
// (bad regex, non-comparable coercion, panic) also evaluates to false.
func (e *ConditionEvaluator) Evaluate(cond PolicyCondition, ctx *EvaluationContext) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			result = false
		}
	}()

	val, present := resolveField(ctx, cond.Field)

	switch cond.Operator {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	}
	if !present {
		return false
	}

	switch cond.Operator {
	case OpEq:
		return e.compareEq(val, cond.Value, cond.Type)
	case OpNe:
		return !e.compareEq(val, cond.Value, cond.Type)
	case OpLt:
		c, ok := e.compareOrd(val, cond.Value, cond.Type)
		return ok && c < 0
	case OpLe:
		c, ok := e.compareOrd(val, cond.Value, cond.Type)
		return ok && c <= 0
	case OpGt:
		c, ok := e.compareOrd(val, cond.Value, cond.Type)
		return ok && c > 0
	case OpGe:
		c, ok := e.compareOrd(val, cond.Value, cond.Type)
		return ok && c >= 0
	case OpIn:
		return e.containsMember(cond.Value, val, cond.Type)
	case OpNin:
		return !e.containsMember(cond.Value, val, cond.Type)
	case OpContains:
		return strings.Contains(stringify(val), stringify(cond.Value))
	case OpRegex:
		re, err := e.compile(stringify(cond.Value))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(val))
	}
	return false
}

// EvaluateAll reports whether every condition holds. An empty set holds
// vacuously.
func (e *ConditionEvaluator) EvaluateAll(conds []PolicyCondition, ctx *EvaluationContext) bool {
	for _, c := range conds {
		if !e.Evaluate(c, ctx) {
			return false
		}
	}
	return true
}

// EvaluateAny reports whether at least one condition holds.
func (e *ConditionEvaluator) EvaluateAny(conds []PolicyCondition, ctx *EvaluationContext) bool {
	for _, c := range conds {
		if e.Evaluate(c, ctx) {
			return true
		}
	}
	return false
}

func (e *ConditionEvaluator) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.regexes.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexes.Store(pattern, re)
	return re, nil
}

// compareEq coerces both sides to the condition's declared type and tests
// equality.
func (e *ConditionEvaluator) compareEq(field, expected any, t ValueType) bool {
	switch t {
	case TypeNumber:
		a, aok := toNumber(field)
		b, bok := toNumber(expected)
		return aok && bok && a == b
	case TypeBoolean:
		a, aok := toBool(field)
		b, bok := toBool(expected)
		return aok && bok && a == b
	case TypeDate:
		a, aok := toDate(field)
		b, bok := toDate(expected)
		return aok && bok && a.Equal(b)
	case TypeArray:
		return reflect.DeepEqual(toArray(field), toArray(expected))
	case TypeObject:
		return reflect.DeepEqual(field, expected)
	default:
		return stringify(field) == stringify(expected)
	}
}

// compareOrd returns the ordering of the coerced field value relative to the
// coerced expected value, plus whether the pair is comparable at all.
func (e *ConditionEvaluator) compareOrd(field, expected any, t ValueType) (int, bool) {
	switch t {
	case TypeNumber:
		a, aok := toNumber(field)
		b, bok := toNumber(expected)
		if !aok || !bok {
			return 0, false
		}
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	case TypeDate:
		a, aok := toDate(field)
		b, bok := toDate(expected)
		if !aok || !bok {
			return 0, false
		}
		switch {
		case a.Before(b):
			return -1, true
		case a.After(b):
			return 1, true
		default:
			return 0, true
		}
	case TypeString:
		return strings.Compare(stringify(field), stringify(expected)), true
	default:
		return 0, false
	}
}

// containsMember reports whether the coerced field value equals any member of
// the expected array. A non-array expected value never matches.
func (e *ConditionEvaluator) containsMember(expected, field any, t ValueType) bool {
	members := toArray(expected)
	if members == nil {
		return false
	}
	for _, m := range members {
		if e.compareEq(field, m, t) {
			return true
		}
	}
	return false
}

// ============================================================================
// FIELD RESOLUTION
// ============================================================================

// resolveField walks a dotted path against the context. Missing intermediate
// segments make the field absent rather than an error.
func resolveField(ctx *EvaluationContext, path string) (any, bool) {
	if ctx == nil || path == "" {
		return nil, false
	}
	segs := strings.Split(path, ".")
	head, rest := segs[0], segs[1:]

	switch head {
	case "subject":
		return resolveSubject(&ctx.Subject, rest)
	case "resource":
		return leafOnly(ctx.Resource, rest)
	case "action":
		return leafOnly(ctx.Action, rest)
	case "resource_id":
		return leafOnly(ctx.ResourceID, rest)
	case "environment":
		return resolveEnvironment(&ctx.Environment, rest)
	case "risk":
		return resolveRisk(&ctx.Risk, rest)
	case "session":
		return resolveSession(&ctx.Session, rest)
	case "custom":
		return descendMap(ctx.Custom, rest)
	}
	return nil, false
}

func leafOnly(v string, rest []string) (any, bool) {
	if len(rest) != 0 {
		return nil, false
	}
	return v, true
}

func resolveSubject(s *Subject, rest []string) (any, bool) {
	if len(rest) == 0 {
		return nil, false
	}
	switch rest[0] {
	case "user_id":
		return leafOnly(s.UserID, rest[1:])
	case "roles":
		if len(rest) == 1 {
			return s.Roles, true
		}
	case "permissions":
		if len(rest) == 1 {
			return s.Permissions, true
		}
	case "attributes":
		return descendMap(s.Attributes, rest[1:])
	}
	return nil, false
}

func resolveEnvironment(env *EnvironmentInfo, rest []string) (any, bool) {
	if len(rest) != 1 {
		return nil, false
	}
	switch rest[0] {
	case "timestamp":
		return env.Timestamp, true
	case "hour":
		return env.Hour, true
	case "day_of_week":
		return env.DayOfWeek, true
	case "timezone":
		return env.Timezone, true
	}
	return nil, false
}

func resolveRisk(r *RiskScores, rest []string) (any, bool) {
	if len(rest) != 1 {
		return nil, false
	}
	switch rest[0] {
	case "user":
		return r.User, true
	case "device":
		return r.Device, true
	case "location":
		return r.Location, true
	case "behavior":
		return r.Behavior, true
	case "overall":
		return r.Overall, true
	}
	return nil, false
}

func resolveSession(s *SessionInfo, rest []string) (any, bool) {
	if len(rest) != 1 {
		return nil, false
	}
	switch rest[0] {
	case "id":
		return s.ID, true
	case "device_trusted":
		return s.DeviceTrusted, true
	case "created_at":
		return s.CreatedAt, true
	case "last_activity":
		return s.LastActivity, true
	}
	return nil, false
}

// descendMap walks the remaining segments through nested string-keyed maps.
func descendMap(m map[string]any, rest []string) (any, bool) {
	if m == nil || len(rest) == 0 {
		return nil, false
	}
	var cur any = m
	for _, seg := range rest {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ============================================================================
// COERCION HELPERS
// ============================================================================

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, false
		}
		return parsed, true
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	}
	return false, false
}

func toDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, d); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.Unix(int64(d), 0).UTC(), true
	case int64:
		return time.Unix(d, 0).UTC(), true
	case int:
		return time.Unix(int64(d), 0).UTC(), true
	}
	return time.Time{}, false
}

// toArray normalizes slice values of any element type into []any; non-slices
// return nil.
func toArray(v any) []any {
	if v == nil {
		return nil
	}
	if arr, ok := v.([]any); ok {
		return arr
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
