package health

import (
	"sync"
	"time"
)

// Stats captures runtime latency and error metrics for a single key.
type Stats struct {
	KeyID         string    `json:"key_id"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// Tracker tracks runtime latency and error rates per key. The latency
// routing strategy reads from it; the Router feeds it after every
// adapter call.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*Stats
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]*Stats)}
}

// RecordSuccess records a successful request through a key.
func (t *Tracker) RecordSuccess(keyID string, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(keyID)
	s.TotalRequests++
	s.LastSuccessAt = time.Now()

	// Running average (simple weighted).
	if s.TotalRequests == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}
}

// RecordError records a failed request through a key.
func (t *Tracker) RecordError(keyID string, errClass string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(keyID)
	s.TotalRequests++
	s.TotalErrors++
	s.LastError = errClass
	s.LastErrorTime = time.Now()
}

// AvgLatencyMs returns the average observed latency for a key, or 0
// when the key has no samples.
func (t *Tracker) AvgLatencyMs(keyID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[keyID]; ok {
		return s.AvgLatencyMs
	}
	return 0
}

// ErrorRate returns the error rate for a key.
func (t *Tracker) ErrorRate(keyID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[keyID]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

// GetStats returns a copy of the stats for a key.
func (t *Tracker) GetStats(keyID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[keyID]; ok {
		cp := *s
		return &cp
	}
	return &Stats{KeyID: keyID}
}

// AllStats returns a copy of stats for all tracked keys.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	return out
}

func (t *Tracker) getOrCreate(keyID string) *Stats {
	s, ok := t.stats[keyID]
	if !ok {
		s = &Stats{KeyID: keyID}
		t.stats[keyID] = s
	}
	return s
}
