package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/authzkit/decision"
)

// SQLAuditSink persists decision records in SQL. It implements
// decision.AuditSink; the engine's audit worker is the only writer.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Record(entry *decision.AuditRecord) error {
	policyIDs, _ := json.Marshal(entry.PolicyIDs)
	q := `INSERT INTO audit_log(id, timestamp, user_id, resource, action, decision, reason, confidence, policy_ids_json, context_hash, cache_hit, duration_ms)
VALUES(:id, :timestamp, :user_id, :resource, :action, :decision, :reason, :confidence, :policy_ids_json, :context_hash, :cache_hit, :duration_ms)`
	_, err := s.db.NamedExecContext(context.Background(), q, map[string]any{
		"id":              entry.ID,
		"timestamp":       entry.Timestamp,
		"user_id":         entry.UserID,
		"resource":        entry.Resource,
		"action":          entry.Action,
		"decision":        string(entry.Decision),
		"reason":          entry.Reason,
		"confidence":      entry.Confidence,
		"policy_ids_json": string(policyIDs),
		"context_hash":    entry.ContextHash,
		"cache_hit":       boolToInt(entry.CacheHit),
		"duration_ms":     entry.DurationMs,
	})
	return err
}

// Query returns persisted records matching the filter, oldest first.
func (s *SQLAuditSink) Query(ctx context.Context, filter decision.AuditFilter) ([]*decision.AuditRecord, error) {
	q := `SELECT id, timestamp, user_id, resource, action, decision, reason, confidence, policy_ids_json, context_hash, cache_hit, duration_ms FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = filter.Resource
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if filter.Decision != "" {
		q += " AND decision = :decision"
		params["decision"] = string(filter.Decision)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*decision.AuditRecord, 0)
	for r.Next() {
		var id, userID, resource, action, effect, reason, policyIDsJSON, contextHash string
		var timestampRaw any
		var confidence, durationMs float64
		var cacheHitInt int
		if err := r.Scan(&id, &timestampRaw, &userID, &resource, &action, &effect, &reason, &confidence, &policyIDsJSON, &contextHash, &cacheHitInt, &durationMs); err != nil {
			return nil, err
		}
		rec := &decision.AuditRecord{
			ID:          id,
			Timestamp:   scanTime(timestampRaw),
			UserID:      userID,
			Resource:    resource,
			Action:      action,
			Decision:    decision.Effect(effect),
			Reason:      reason,
			Confidence:  confidence,
			ContextHash: contextHash,
			CacheHit:    cacheHitInt != 0,
			DurationMs:  durationMs,
		}
		_ = json.Unmarshal([]byte(policyIDsJSON), &rec.PolicyIDs)
		out = append(out, rec)
	}
	return out, nil
}

var _ decision.AuditSink = (*SQLAuditSink)(nil)
