package qc

import (
	"sync"
	"time"
)

// Audit entry kinds.
const (
	AuditDisturbance   = "disturbance"
	AuditPlanProposed  = "plan_proposed"
	AuditPlanSimulated = "plan_simulated"
	AuditPlanApplied   = "plan_applied"
)

// AuditEntry is a write-once record of a control-pipeline event.
type AuditEntry struct {
	Timestamp time.Time              `json:"ts"`
	Kind      string                 `json:"kind"`
	Detail    map[string]interface{} `json:"detail"`
}

// Store persists samples and audit entries. Both streams are append-only;
// samples come back oldest to newest, audits newest to oldest.
type Store interface {
	AppendSample(s Sample) error
	RecentSamples(window time.Duration) ([]Sample, error)
	LatestSample() (Sample, bool, error)
	AppendAudit(e AuditEntry) error
	RecentAudits(limit int) ([]AuditEntry, error)
}

// MemoryStore is the default in-process Store: bounded rings guarded by a
// RWMutex so the tick path's writes serialize while readers proceed
// concurrently.
type MemoryStore struct {
	mu        sync.RWMutex
	samples   []Sample
	audits    []AuditEntry
	sampleCap int
	auditCap  int
}

// NewMemoryStore creates a store holding at most sampleCap samples and
// auditCap audit entries; older records are discarded.
func NewMemoryStore(sampleCap, auditCap int) *MemoryStore {
	return &MemoryStore{sampleCap: sampleCap, auditCap: auditCap}
}

func (m *MemoryStore) AppendSample(s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	if len(m.samples) > m.sampleCap {
		m.samples = m.samples[len(m.samples)-m.sampleCap:]
	}
	return nil
}

func (m *MemoryStore) RecentSamples(window time.Duration) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	// samples are appended in time order; find the first one inside the window
	start := len(m.samples)
	for i := len(m.samples) - 1; i >= 0; i-- {
		if m.samples[i].Timestamp.Before(cutoff) {
			break
		}
		start = i
	}
	out := make([]Sample, len(m.samples)-start)
	copy(out, m.samples[start:])
	return out, nil
}

func (m *MemoryStore) LatestSample() (Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.samples) == 0 {
		return Sample{}, false, nil
	}
	return m.samples[len(m.samples)-1], true, nil
}

func (m *MemoryStore) AppendAudit(e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	if len(m.audits) > m.auditCap {
		m.audits = m.audits[len(m.audits)-m.auditCap:]
	}
	return nil
}

func (m *MemoryStore) RecentAudits(limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.audits)
	if limit > n {
		limit = n
	}
	out := make([]AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.audits[i])
	}
	return out, nil
}
