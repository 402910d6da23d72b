package decision

import (
	"sync"
	"time"
)

// ============================================================================
// AUDIT
// ============================================================================

// AuditRecord captures one authorization decision for the audit trail.
type AuditRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"user_id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Decision    Effect    `json:"decision"`
	Reason      string    `json:"reason"`
	Confidence  float64   `json:"confidence"`
	PolicyIDs   []string  `json:"policy_ids,omitempty"`
	ContextHash string    `json:"context_hash"`
	CacheHit    bool      `json:"cache_hit"`
	DurationMs  float64   `json:"duration_ms"`
}

// AuditSink receives decision records. Implementations must tolerate bursts;
// the engine emits fire-and-forget and drops records rather than block the
// evaluation path.
type AuditSink interface {
	Record(entry *AuditRecord) error
}

// AuditFilter narrows queries on the in-memory sink.
type AuditFilter struct {
	UserID    string
	Resource  string
	Action    string
	Decision  Effect
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// MemoryAuditSink keeps records in memory, bounded to the most recent maxSize
// entries. Useful for tests and embedded deployments.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []*AuditRecord
	maxSize int
}

// NewMemoryAuditSink returns a sink bounded to maxSize entries (0 means
// unbounded).
func NewMemoryAuditSink(maxSize int) *MemoryAuditSink {
	return &MemoryAuditSink{maxSize: maxSize}
}

func (s *MemoryAuditSink) Record(entry *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if s.maxSize > 0 && len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
	return nil
}

// Query returns matching records oldest-first.
func (s *MemoryAuditSink) Query(filter AuditFilter) []*AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditRecord, 0)
	for _, e := range s.entries {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Resource != "" && e.Resource != filter.Resource {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Decision != "" && e.Decision != filter.Decision {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp.After(filter.EndTime) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Len reports the number of buffered records.
func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
