// Package admin provides the router's local endpoints: the /llmhealth
// self-report, the JSON snapshot and access-log statistics consumed by the
// monitoring page, the page itself, and Prometheus metrics. Everything here
// is read-only; the catalog cannot be mutated at runtime.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmrouter/internal/accesslog"
	"llmrouter/internal/config"
	"llmrouter/internal/gpu"
	"llmrouter/internal/health"
	"llmrouter/internal/inflight"
	"llmrouter/internal/sticky"
)

// busyThreshold is the local GPU utilization at or above which the proxy
// reports itself busy.
const busyThreshold = 50.0

// Server bundles the read-only views the dashboard needs.
type Server struct {
	registry func() *config.Registry
	gpu      *gpu.Monitor
	health   *health.Monitor
	tracker  *inflight.Tracker
	sticky   *sticky.Table
	access   *accesslog.Ring
}

// New creates a Server; call Register to mount its routes.
func New(
	registry func() *config.Registry,
	gpuMon *gpu.Monitor,
	healthMon *health.Monitor,
	tracker *inflight.Tracker,
	stickyTable *sticky.Table,
	access *accesslog.Ring,
) *Server {
	return &Server{
		registry: registry,
		gpu:      gpuMon,
		health:   healthMon,
		tracker:  tracker,
		sticky:   stickyTable,
		access:   access,
	}
}

// Register mounts the reserved local routes on mux. Everything else on the
// mux falls through to the proxy.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/llmhealth", s.handleLLMHealth)
	mux.HandleFunc("/llmhealth-snapshot", s.handleSnapshot)
	mux.HandleFunc("/access-log-stats", s.handleAccessLogStats)
	mux.HandleFunc("/llmhealth-monitor", s.handleMonitorPage)
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/metrics", promhttp.Handler())
}

// localStatus collapses the local gauge the same way backends report theirs.
func (s *Server) localStatus() (string, float64) {
	util := s.gpu.Max()
	if util >= busyThreshold {
		return "busy", util
	}
	return "idle", util
}

// handleLLMHealth is the proxy's own health self-report, shaped like the
// backends' /llmhealth so routers can be chained.
func (s *Server) handleLLMHealth(w http.ResponseWriter, _ *http.Request) {
	status, util := s.localStatus()
	jsonOK(w, map[string]any{
		"status":         status,
		"gpu_util_max5s": util,
		"window_seconds": gpu.WindowSeconds,
	})
}

// ── snapshot ────────────────────────────────────────────────────────────────

type localView struct {
	Status       string  `json:"status"`
	GPUUtilMax5s float64 `json:"gpu_util_max5s"`
	WindowSecs   int     `json:"window_seconds"`
}

type backendView struct {
	Base          string          `json:"base"`
	Status        health.Status   `json:"status"`
	Last          *health.Metrics `json:"last"`
	TotalInflight int             `json:"total_inflight"`
	ModelInflight map[string]int  `json:"model_inflight"`
	RequestMax    *int            `json:"request_max"`
}

type serverView struct {
	HealthBase string `json:"health_base"`
	ModelBase  string `json:"model_base"`
	RequestMax int    `json:"request_max,omitempty"`
}

type stickyView struct {
	Key       string `json:"key"`
	IP        string `json:"ip"`
	Model     string `json:"model"`
	Backend   string `json:"backend"`
	UpdatedAt string `json:"updated_at"`
}

type snapshotView struct {
	Local       localView             `json:"local"`
	Backends    []backendView         `json:"backends"`
	Servers     map[string]serverView `json:"servers"`
	Models      map[string][]string   `json:"models"`
	StickyCount int                   `json:"sticky_count"`
	Sticky      []stickyView          `json:"sticky"`
	Now         string                `json:"now"`
}

// handleSnapshot is the structured JSON behind the monitoring page.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	reg := s.registry()

	status, util := s.localStatus()
	snap := snapshotView{
		Local: localView{
			Status:       status,
			GPUUtilMax5s: util,
			WindowSecs:   gpu.WindowSeconds,
		},
		Servers: make(map[string]serverView),
		Models:  make(map[string][]string),
		Now:     time.Now().UTC().Format(time.RFC3339),
	}

	healthBases := reg.HealthBases()
	lastMetrics := s.health.SnapshotMetrics(healthBases)
	snap.Backends = make([]backendView, 0, len(healthBases))
	for _, base := range healthBases {
		bv := backendView{
			Base:   base,
			Status: s.health.ConservativeStatus(base),
			Last:   lastMetrics[base],
		}
		if srv, ok := reg.ServerByHealthBase(base); ok {
			bv.ModelInflight = s.tracker.Snapshot(srv.ModelBase())
			bv.TotalInflight = s.tracker.Total(srv.ModelBase())
			if srv.RequestMax > 0 {
				rm := srv.RequestMax
				bv.RequestMax = &rm
			}
		}
		snap.Backends = append(snap.Backends, bv)
	}

	for _, name := range reg.ServerNames() {
		srv, _ := reg.Server(name)
		snap.Servers[name] = serverView{
			HealthBase: srv.HealthBase(),
			ModelBase:  srv.ModelBase(),
			RequestMax: srv.RequestMax,
		}
	}
	for _, rule := range reg.Rules() {
		snap.Models[rule.Source] = rule.Servers
	}

	s.sticky.Cleanup()
	for _, e := range s.sticky.Entries() {
		backend := e.Server
		if srv, ok := reg.Server(e.Server); ok {
			backend = srv.ModelBase()
		}
		snap.Sticky = append(snap.Sticky, stickyView{
			Key:       e.Ident + "|" + e.Model,
			IP:        e.Ident,
			Model:     e.Model,
			Backend:   backend,
			UpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	snap.StickyCount = len(snap.Sticky)

	jsonOK(w, snap)
}

// handleAccessLogStats serves the aggregated access-log view.
func (s *Server) handleAccessLogStats(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, s.access.Stats())
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
