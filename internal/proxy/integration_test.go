package proxy_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"llmrouter/internal/accesslog"
	"llmrouter/internal/config"
	"llmrouter/internal/health"
	"llmrouter/internal/inflight"
	"llmrouter/internal/modelcache"
	"llmrouter/internal/proxy"
	"llmrouter/internal/selector"
	"llmrouter/internal/sticky"
)

// fakeBackend plays a full inference backend on one port: /llmhealth,
// /v1/models, and chat completions that echo the model they were given.
type fakeBackend struct {
	srv *httptest.Server

	mu        sync.Mutex
	status    string
	models    []string
	lastModel string
}

func newFakeBackend(t *testing.T, status string, models ...string) *fakeBackend {
	t.Helper()
	b := &fakeBackend{status: status, models: models}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/llmhealth":
			b.mu.Lock()
			s := b.status
			b.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":%q,"gpu_util_max5s":42}`, s)
		case "/v1/models":
			b.mu.Lock()
			ids := make([]string, len(b.models))
			copy(ids, b.models)
			b.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = fmt.Sprintf(`{"id":%q,"object":"model"}`, id)
			}
			fmt.Fprintf(w, `{"object":"list","data":[%s]}`, strings.Join(parts, ","))
		case "/v1/chat/completions":
			body, _ := io.ReadAll(r.Body)
			b.mu.Lock()
			b.lastModel = gjson.GetBytes(body, "model").String()
			b.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"choices":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) base() string {
	return b.srv.URL
}

func (b *fakeBackend) gotModel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastModel
}

// wire assembles the full stack — registry, health monitor, tracker, cache,
// sticky, selector, proxy — against real fake backends.
func wire(t *testing.T, backend *fakeBackend) (*httptest.Server, *inflight.Tracker, *sticky.Table) {
	t.Helper()

	parsed, err := url.Parse(backend.base())
	require.NoError(t, err)
	doc := fmt.Sprintf(`{
	  "servers": {"a": {"addr": "http://%s", "health-port": %s, "model-port": %s}},
	  "models": {"llama.*": ["a"]},
	  "fallback_server": "a"
	}`, parsed.Hostname(), parsed.Port(), parsed.Port())
	path := filepath.Join(t.TempDir(), "server-list.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	reg, _, err := config.Load(path)
	require.NoError(t, err)
	registry := func() *config.Registry { return reg }

	mon := health.New(func() []string { return reg.HealthBases() }, health.Config{
		Interval: 10 * time.Millisecond,
	})
	mon.Start()
	t.Cleanup(mon.Stop)

	tracker := inflight.New()
	cache := modelcache.New(modelcache.DefaultTTL, tracker)
	table := sticky.New(sticky.DefaultTTL)
	access := accesslog.New(accesslog.DefaultRetention)

	picker := selector.New(registry, mon, tracker, cache, table)
	handler := proxy.New(registry, picker, tracker, table, access, cache)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// Let the monitor fill a window before the first request.
	require.Eventually(t, func() bool {
		return mon.ConservativeStatus(backend.base()) != health.StatusInvalid &&
			mon.ConservativeStatus(backend.base()) == health.Status(backendStatus(backend))
	}, 2*time.Second, 5*time.Millisecond)

	return srv, tracker, table
}

func backendStatus(b *fakeBackend) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func TestIntegration_IdleBackendRoutesUnchanged(t *testing.T) {
	backend := newFakeBackend(t, "idle", "llama3")
	srv, tracker, _ := wire(t, backend)

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(chatBody("llama3")))
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "llama3", backend.gotModel())

	require.Eventually(t, func() bool {
		return tracker.Total(backend.base()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestIntegration_BusyBackendPicksIdleReplica(t *testing.T) {
	backend := newFakeBackend(t, "busy", "llama3", "llama3-2", "llama3-3")
	srv, tracker, _ := wire(t, backend)

	// llama3 and llama3-3 are occupied; llama3-2 is the only free replica.
	tracker.Inc(backend.base(), "llama3")
	tracker.Inc(backend.base(), "llama3-3")

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(chatBody("llama3")))
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "llama3-2", backend.gotModel(), "body must be rewritten to the idle replica")

	// Only the two pre-seeded counts remain once the request releases.
	require.Eventually(t, func() bool {
		return tracker.Total(backend.base()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestIntegration_StickyBindingSurvivesSecondRequest(t *testing.T) {
	backend := newFakeBackend(t, "idle", "llama3")
	srv, _, table := wire(t, backend)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(chatBody("llama3")))
		require.NoError(t, err)
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		name, ok := table.Get("127.0.0.1", "llama3")
		return ok && name == "a"
	}, time.Second, 5*time.Millisecond)
}

func TestIntegration_SuffixedModelRoutesByBaseName(t *testing.T) {
	backend := newFakeBackend(t, "idle", "llama3")
	srv, _, _ := wire(t, backend)

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(chatBody("llama3-high")))
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "llama3-high", backend.gotModel(),
		"capacity is checked on the base name, the suffixed name goes upstream")
}
