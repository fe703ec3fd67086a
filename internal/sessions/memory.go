package sessions

import (
	"context"
	"sync"
	"time"
)

// MemoryRecorder keeps the most recent records in memory.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records []*RunRecord
	max     int
	now     func() time.Time
}

// NewMemoryRecorder creates a recorder holding at most max records. A max
// <= 0 uses DefaultMaxRecords.
func NewMemoryRecorder(max int) *MemoryRecorder {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	return &MemoryRecorder{max: max, now: time.Now}
}

// Record appends rec, dropping the oldest entries beyond the cap.
func (m *MemoryRecorder) Record(_ context.Context, rec *RunRecord) error {
	if rec == nil {
		return nil
	}
	cp := *rec
	prepare(&cp, m.now())
	rec.ID = cp.ID

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, &cp)
	if over := len(m.records) - m.max; over > 0 {
		clear(m.records[:over])
		m.records = m.records[over:]
	}
	return nil
}

// List returns matching records, newest first.
func (m *MemoryRecorder) List(_ context.Context, opts ListOptions) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RunRecord, 0)
	skipped := 0
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if !matches(rec, opts) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Prune drops records that ended before olderThan.
func (m *MemoryRecorder) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var removed int64
	for _, rec := range m.records {
		if rec.EndedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	clear(m.records[len(kept):])
	m.records = kept
	return removed, nil
}

// Len returns the number of stored records.
func (m *MemoryRecorder) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close is a no-op.
func (m *MemoryRecorder) Close() error { return nil }
