// Package modelcache caches the set of model IDs each backend advertises on
// /v1/models and derives replica-instance facts from it. A backend exposing
// "m", "m-2", "m-3" carries three instances of model m; instance discovery
// stops at the first gap in the numbering.
package modelcache

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultTTL is how long a fetched model set stays fresh. Fetch failures are
// cached as empty sets for the same TTL, which caps the error rate against a
// down backend.
const DefaultTTL = 10 * time.Second

// Counts is the in-flight view the replica helpers consult.
type Counts interface {
	Get(backend, model string) int
}

type entry struct {
	models    map[string]bool
	expiresAt time.Time
}

// Cache is a per-backend TTL cache of advertised model sets. The network
// fetch happens outside the lock; concurrent misses may each fetch and the
// last writer wins, which is acceptable at this TTL.
type Cache struct {
	ttl    time.Duration
	client *http.Client
	counts Counts

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a Cache with the given TTL (DefaultTTL when <= 0). Probe
// timeouts match the health poller: 5 s connect, 2 s read.
func New(ttl time.Duration, counts Counts) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl: ttl,
		client: &http.Client{
			Timeout: 7 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		counts:  counts,
		entries: make(map[string]entry),
	}
}

// AvailableModels returns the model IDs advertised by backend, fetching
// through the cache. The returned map is the caller's to keep.
func (c *Cache) AvailableModels(backend string) map[string]bool {
	if backend == "" {
		return map[string]bool{}
	}

	now := time.Now()
	c.mu.Lock()
	if e, ok := c.entries[backend]; ok && e.expiresAt.After(now) {
		c.mu.Unlock()
		return copySet(e.models)
	}
	c.mu.Unlock()

	models := c.fetch(backend)

	c.mu.Lock()
	c.entries[backend] = entry{models: models, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return copySet(models)
}

// fetch GETs <backend>/v1/models and parses both accepted shapes:
// {"data":[…]} and a bare top-level list, with items that are strings or
// objects carrying "id" or "name". Any failure yields an empty set.
func (c *Cache) fetch(backend string) map[string]bool {
	models := make(map[string]bool)

	url := strings.TrimRight(backend, "/") + "/v1/models"
	resp, err := c.client.Get(url)
	if err != nil {
		return models
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return models
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil || !gjson.ValidBytes(body) {
		return models
	}

	doc := gjson.ParseBytes(body)
	items := doc
	if !doc.IsArray() {
		items = doc.Get("data")
	}
	if !items.IsArray() {
		return models
	}
	for _, item := range items.Array() {
		switch {
		case item.Type == gjson.String:
			models[item.String()] = true
		case item.IsObject():
			id := item.Get("id")
			if id.Type != gjson.String {
				id = item.Get("name")
			}
			if id.Type == gjson.String {
				models[id.String()] = true
			}
		}
	}
	return models
}

// CountInstances returns how many replicas of model the backend carries:
// 1 for the base name plus 1 for each contiguous "model-2", "model-3", ….
func (c *Cache) CountInstances(backend, model string) int {
	models := c.AvailableModels(backend)
	count := 0
	if models[model] {
		count++
	}
	for i := 2; models[fmt.Sprintf("%s-%d", model, i)]; i++ {
		count++
	}
	return count
}

// InstancesInflightStatus sums the in-flight counts across the contiguous
// replicas of model at backend and lists the replicas whose in-flight count
// is zero, base name first then in ascending replica number.
func (c *Cache) InstancesInflightStatus(backend, model string) (total int, idle []string) {
	models := c.AvailableModels(backend)

	name := model
	for i := 2; models[name]; i++ {
		n := c.counts.Get(backend, name)
		total += n
		if n == 0 {
			idle = append(idle, name)
		}
		name = fmt.Sprintf("%s-%d", model, i)
	}
	return total, idle
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}
