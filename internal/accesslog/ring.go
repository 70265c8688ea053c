// Package accesslog keeps a bounded-age ring of chat-completions accesses
// for the dashboard. Entries older than the retention window are evicted
// from the front on every insert and on every stats read; nothing here is
// an audit trail.
package accesslog

import (
	"sync"
	"time"
)

// DefaultRetention is how long entries are kept.
const DefaultRetention = time.Hour

// Entry records one chat-completions request.
type Entry struct {
	IP        string
	Model     string
	Timestamp time.Time
	Username  string // "" when no username was extracted
}

// Stats is the aggregate view served from /access-log-stats.
type Stats struct {
	TotalRequests  int            `json:"total_requests"`
	UniqueIPs      int            `json:"unique_ips"`
	UniqueModels   int            `json:"unique_models"`
	UniqueUsers    int            `json:"unique_usernames"`
	IPCounts       map[string]int `json:"ip_counts"`
	ModelCounts    map[string]int `json:"model_counts"`
	UsernameCounts map[string]int `json:"username_counts"`
	TimeSeries     map[string]int `json:"time_series"` // 1-minute UTC bins
	RetentionHours float64        `json:"retention_hours"`
	OldestLog      *string        `json:"oldest_log"`
	NewestLog      *string        `json:"newest_log"`
}

// Ring is the access log. Safe for concurrent use.
type Ring struct {
	retention time.Duration

	mu      sync.Mutex
	entries []Entry
}

// New creates a Ring with the given retention (DefaultRetention when <= 0).
func New(retention time.Duration) *Ring {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ring{retention: retention}
}

// Log appends one access and evicts expired entries.
func (r *Ring) Log(ip, model, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, Entry{
		IP:        ip,
		Model:     model,
		Timestamp: time.Now().UTC(),
		Username:  username,
	})
	r.evictLocked()
}

// Recent returns all entries within the retention window, oldest first.
func (r *Ring) Recent() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Stats aggregates the live entries for the dashboard.
func (r *Ring) Stats() Stats {
	logs := r.Recent()

	s := Stats{
		TotalRequests:  len(logs),
		IPCounts:       make(map[string]int),
		ModelCounts:    make(map[string]int),
		UsernameCounts: make(map[string]int),
		TimeSeries:     make(map[string]int),
		RetentionHours: r.retention.Hours(),
	}
	for _, e := range logs {
		s.IPCounts[e.IP]++
		s.ModelCounts[e.Model]++
		if e.Username != "" {
			s.UsernameCounts[e.Username]++
		}
		bin := e.Timestamp.Truncate(time.Minute).Format(time.RFC3339)
		s.TimeSeries[bin]++
	}
	s.UniqueIPs = len(s.IPCounts)
	s.UniqueModels = len(s.ModelCounts)
	s.UniqueUsers = len(s.UsernameCounts)
	if len(logs) > 0 {
		oldest := logs[0].Timestamp.Format(time.RFC3339)
		newest := logs[len(logs)-1].Timestamp.Format(time.RFC3339)
		s.OldestLog = &oldest
		s.NewestLog = &newest
	}
	return s
}

// evictLocked drops entries older than the retention window. Entries are
// appended in time order, so scanning from the front is enough.
func (r *Ring) evictLocked() {
	cutoff := time.Now().UTC().Add(-r.retention)
	i := 0
	for i < len(r.entries) && r.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.entries = append(r.entries[:0:0], r.entries[i:]...)
	}
}
