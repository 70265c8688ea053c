// Package sticky keeps short-lived affinity from (client identity, model) to
// a backend server, so a client keeps hitting the backend that already holds
// its context. Values reference servers by name rather than URL so health
// and capacity lookups go through the catalog instead of string surgery.
package sticky

import (
	"sync"
	"time"
)

// DefaultTTL is how long an unused binding survives.
const DefaultTTL = 3 * time.Minute

// Key couples the client identity with the model it asked for. Structured
// rather than string-concatenated so an ident containing "|" cannot collide.
type Key struct {
	Ident string
	Model string
}

type value struct {
	server    string
	updatedAt time.Time
}

// Entry is the dashboard view of one binding.
type Entry struct {
	Ident     string
	Model     string
	Server    string
	UpdatedAt time.Time
}

// Table is the sticky-session map. Safe for concurrent use.
type Table struct {
	ttl time.Duration

	mu sync.Mutex
	m  map[Key]value
}

// New creates a Table with the given TTL (DefaultTTL when <= 0).
func New(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{ttl: ttl, m: make(map[Key]value)}
}

// Get returns the bound server name for (ident, model) if the binding is
// still live. Expired bindings are removed on read.
func (t *Table) Get(ident, model string) (string, bool) {
	now := time.Now()
	key := Key{Ident: ident, Model: model}

	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.m[key]
	if !ok {
		return "", false
	}
	if now.Sub(v.updatedAt) > t.ttl {
		delete(t.m, key)
		return "", false
	}
	return v.server, true
}

// Update binds (ident, model) to server. Any other ident bound to the same
// (model, server) pair is evicted first, so each (model, server) has at most
// one current sticky ident. Repeating the same call only refreshes the
// timestamp.
func (t *Table) Update(ident, server, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, v := range t.m {
		if k.Model == model && v.server == server && k.Ident != ident {
			delete(t.m, k)
		}
	}
	t.m[Key{Ident: ident, Model: model}] = value{server: server, updatedAt: time.Now()}
}

// Cleanup sweeps all expired bindings.
func (t *Table) Cleanup() {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, v := range t.m {
		if now.Sub(v.updatedAt) > t.ttl {
			delete(t.m, k)
		}
	}
}

// Len returns the number of live bindings (expired ones included until the
// next Cleanup or Get touches them).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Entries returns a snapshot of all bindings for the dashboard.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.m))
	for k, v := range t.m {
		out = append(out, Entry{
			Ident:     k.Ident,
			Model:     k.Model,
			Server:    v.server,
			UpdatedAt: v.updatedAt,
		})
	}
	return out
}
