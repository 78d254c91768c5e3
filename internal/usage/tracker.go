// Package usage keeps a rolling in-process accumulator of model spend
// for the stats endpoint. Durable accounting lives in the budget
// tables; this is the cheap at-a-glance view.
package usage

import (
	"sort"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// Record is one model call's usage sample.
type Record struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Usage     models.Usage `json:"usage"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// Totals aggregates records for one key.
type Totals struct {
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Stats is the snapshot served by the stats endpoint.
type Stats struct {
	Since    time.Time         `json:"since"`
	Total    Totals            `json:"total"`
	ByModel  map[string]Totals `json:"by_model"`
	ByTenant map[string]Totals `json:"by_tenant"`
}

// Tracker accumulates records with age and count bounds.
type Tracker struct {
	mu       sync.RWMutex
	records  []Record
	maxAge   time.Duration
	maxCount int
	started  time.Time
}

// NewTracker builds a tracker. Zero bounds select 24h / 10000 records.
func NewTracker(maxAge time.Duration, maxCount int) *Tracker {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if maxCount <= 0 {
		maxCount = 10000
	}
	return &Tracker{maxAge: maxAge, maxCount: maxCount, started: time.Now().UTC()}
}

// Track appends a sample and prunes expired records.
func (t *Tracker) Track(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, rec)
	t.prune()
}

// prune drops records past maxAge and trims to maxCount. Caller holds
// the lock.
func (t *Tracker) prune() {
	cutoff := time.Now().Add(-t.maxAge)
	idx := sort.Search(len(t.records), func(i int) bool {
		return t.records[i].Timestamp.After(cutoff)
	})
	if idx > 0 {
		t.records = append(t.records[:0], t.records[idx:]...)
	}
	if len(t.records) > t.maxCount {
		t.records = append(t.records[:0], t.records[len(t.records)-t.maxCount:]...)
	}
}

// Snapshot aggregates the current window.
func (t *Tracker) Snapshot() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{
		Since:    t.started,
		ByModel:  make(map[string]Totals),
		ByTenant: make(map[string]Totals),
	}
	for _, rec := range t.records {
		stats.Total = accumulate(stats.Total, rec)
		key := rec.Provider + "/" + rec.Model
		stats.ByModel[key] = accumulate(stats.ByModel[key], rec)
		if rec.TenantID != "" {
			stats.ByTenant[rec.TenantID] = accumulate(stats.ByTenant[rec.TenantID], rec)
		}
	}
	return stats
}

func accumulate(t Totals, rec Record) Totals {
	t.Requests++
	t.PromptTokens += rec.Usage.PromptTokens
	t.CompletionTokens += rec.Usage.CompletionTokens
	t.Cost += rec.Cost
	return t
}
