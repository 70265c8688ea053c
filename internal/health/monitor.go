// Package health implements active health polling for upstream backends.
// A Monitor runs in the background and once per interval probes each
// backend's /llmhealth endpoint, collapsing a short rolling window of
// samples into a conservative ternary status (idle, busy, invalid). An
// empty window and every probe failure both read as "not idle", so the
// selector only trusts a backend that has recently proven itself.
package health

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"llmrouter/internal/metrics"
)

// WindowSeconds is the length of the per-backend sample window.
const WindowSeconds = 5

// SampleInterval is the cadence of the poll loop.
const SampleInterval = time.Second

// Sample values stored in the window.
const (
	sampleIdle    = 0
	sampleBusy    = 1
	sampleInvalid = -1
)

// Status is the collapsed ternary health state of a backend.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusInvalid Status = "invalid"
)

// Metrics is the last observation recorded for a backend. GPUUtilMax5s is
// nil when the probe failed or the backend did not report it.
type Metrics struct {
	Status       Status     `json:"status"`
	GPUUtilMax5s *float64   `json:"gpu_util_max5s"`
	UpdatedAt    time.Time  `json:"updated_at"`
	URL          string     `json:"url"`
}

// Config holds the parameters for the health monitor.
type Config struct {
	Interval       time.Duration // poll cadence; default SampleInterval
	ConnectTimeout time.Duration // default 5s
	ReadTimeout    time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = SampleInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	return c
}

// Monitor polls every health base returned by the bases provider. It is safe
// for concurrent use; the provider is re-invoked each sweep so a hot-reloaded
// catalog is picked up without restarting the worker.
type Monitor struct {
	cfg    Config
	bases  func() []string
	client *http.Client
	pacer  *rate.Limiter

	mu      sync.Mutex
	windows map[string][]int
	last    map[string]Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor but does not start it; call Start to begin polling.
func New(bases func() []string, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:   cfg,
		bases: bases,
		client: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
		// The limiter paces sweeps so the next one begins one interval after
		// the previous sweep's start, regardless of how long the sweep took.
		pacer:   rate.NewLimiter(rate.Every(cfg.Interval), 1),
		windows: make(map[string][]int),
		last:    make(map[string]Metrics),
	}
}

// Start begins the background poll loop. The first sweep runs immediately.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if err := m.pacer.Wait(ctx); err != nil {
				return
			}
			m.sweep()
		}
	}()
}

// Stop shuts down the background goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// ConservativeStatus collapses the window for base. An empty or unknown
// window reads busy; any invalid sample reads invalid; any busy sample reads
// busy; only an all-idle window reads idle.
func (m *Monitor) ConservativeStatus(base string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.windows[base]
	if len(window) == 0 {
		return StatusBusy
	}
	busy := false
	for _, s := range window {
		switch {
		case s == sampleInvalid:
			return StatusInvalid
		case s >= sampleBusy:
			busy = true
		}
	}
	if busy {
		return StatusBusy
	}
	return StatusIdle
}

// SnapshotMetrics returns the last observation for each requested base. Bases
// never probed map to nil.
func (m *Monitor) SnapshotMetrics(bases []string) map[string]*Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*Metrics, len(bases))
	for _, b := range bases {
		if last, ok := m.last[b]; ok {
			cp := last
			out[b] = &cp
		} else {
			out[b] = nil
		}
	}
	return out
}

// sweep probes every current health base once, sequentially.
func (m *Monitor) sweep() {
	for _, base := range m.bases() {
		sample, util, url := m.probe(base)
		m.record(base, sample, util, url)
	}
}

// probe issues one GET <base>/llmhealth and interprets the response.
func (m *Monitor) probe(base string) (sample int, util *float64, url string) {
	url = strings.TrimRight(base, "/") + "/llmhealth"

	resp, err := m.client.Get(url)
	if err != nil {
		metrics.HealthProbeFailures.WithLabelValues(base).Inc()
		slog.Debug("health: probe failed", "backend", base, "error", err)
		return sampleInvalid, nil, url
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.HealthProbeFailures.WithLabelValues(base).Inc()
		return sampleInvalid, nil, url
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if !gjson.ValidBytes(body) {
			metrics.HealthProbeFailures.WithLabelValues(base).Inc()
			return sampleInvalid, nil, url
		}
		doc := gjson.ParseBytes(body)
		if u := doc.Get("gpu_util_max5s"); u.Type == gjson.Number {
			v := u.Num
			util = &v
		}
		if s := doc.Get("status"); s.Type == gjson.String {
			return interpretStatus(s.String()), util, url
		}
	}
	return interpretStatus(string(body)), util, url
}

// interpretStatus maps the /llmhealth status text to a window sample.
// Anything other than "idle" counts as busy.
func interpretStatus(text string) int {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "idle":
		return sampleIdle
	case "busy":
		return sampleBusy
	default:
		return sampleBusy
	}
}

func (m *Monitor) record(base string, sample int, util *float64, url string) {
	status := StatusBusy
	switch sample {
	case sampleInvalid:
		status = StatusInvalid
	case sampleIdle:
		status = StatusIdle
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.windows[base], sample)
	if len(window) > WindowSeconds {
		window = window[len(window)-WindowSeconds:]
	}
	m.windows[base] = window
	m.last[base] = Metrics{
		Status:       status,
		GPUUtilMax5s: util,
		UpdatedAt:    time.Now().UTC(),
		URL:          url,
	}
}
