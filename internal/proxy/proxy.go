// Package proxy is the request-forwarding core of the router.
//
// Handler serves every path that is not a reserved local route. Chat
// completions get the full treatment — body peek, backend/instance
// selection, sticky affinity, in-flight accounting, grammar injection —
// while everything else is relayed verbatim to the fallback backend.
//
// The proxy streams: upstream bodies are copied to the client in 8 KiB
// chunks with a flush after each, and are never parsed. Accounting release
// is deferred in the handler, which returns only once the relay has ended
// (normal end, client disconnect, or mid-stream error), so a dropped SSE
// stream still releases its slot exactly once.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"llmrouter/internal/accesslog"
	"llmrouter/internal/config"
	"llmrouter/internal/inflight"
	"llmrouter/internal/metrics"
	"llmrouter/internal/modelcache"
	"llmrouter/internal/selector"
	"llmrouter/internal/sticky"
)

// streamChunkSize is the relay buffer size.
const streamChunkSize = 8 * 1024

// upstreamConnectTimeout bounds dialing only; streamed reads have no
// deadline because token streams can legitimately run for minutes.
const upstreamConnectTimeout = 300 * time.Second

// hopByHopHeaders must not be forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Picker is the routing decision the handler delegates to.
type Picker interface {
	Select(ident, model string) selector.Result
}

// Handler is the catch-all streaming proxy. Safe for concurrent use.
type Handler struct {
	registry func() *config.Registry
	picker   Picker
	tracker  *inflight.Tracker
	sticky   *sticky.Table
	access   *accesslog.Ring
	cache    *modelcache.Cache
	client   *http.Client
}

// New creates a Handler. The upstream client never follows redirects and
// has no read timeout.
func New(
	registry func() *config.Registry,
	picker Picker,
	tracker *inflight.Tracker,
	stickyTable *sticky.Table,
	access *accesslog.Ring,
	cache *modelcache.Cache,
) *Handler {
	return &Handler{
		registry: registry,
		picker:   picker,
		tracker:  tracker,
		sticky:   stickyTable,
		access:   access,
		cache:    cache,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: upstreamConnectTimeout}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)
	ident := clientIP

	var rawBody []byte
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		rawBody, _ = io.ReadAll(r.Body)
	}

	var (
		backend       string
		serverName    string
		selectedModel string
		body          = rawBody
		mutated       bool
		isChat        = r.Method == http.MethodPost &&
			strings.TrimRight(r.URL.Path, "/") == "/v1/chat/completions"
	)

	if isChat && gjson.ValidBytes(rawBody) && gjson.ParseBytes(rawBody).IsObject() {
		username := extractUsername(gjson.GetBytes(rawBody, "messages"))
		if username != "" {
			ident = username
		}

		requestedModel := ""
		if m := gjson.GetBytes(rawBody, "model"); m.Type == gjson.String && m.String() != "" {
			requestedModel = m.String()
			res := h.picker.Select(ident, requestedModel)
			backend = res.Backend
			serverName = res.Server
			selectedModel = res.Model
			if res.Instance {
				body, _ = sjson.SetBytes(body, "model", res.Model)
				mutated = true
				slog.Info("selected replica instance",
					"backend", backend,
					"model", res.Model,
					"ident", ident,
				)
			}
		}

		if out, changed := applyGrammarHook(body); changed {
			body = out
			mutated = true
		}

		if requestedModel != "" {
			h.access.Log(clientIP, requestedModel, username)
		}
	}

	if backend == "" {
		backend = h.registry().Fallback()
	}
	if backend == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "No backend configured",
		})
		return
	}

	target := strings.TrimRight(backend, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var upstreamBody io.Reader
	if mutated {
		upstreamBody = bytes.NewReader(body)
	} else if rawBody != nil {
		upstreamBody = bytes.NewReader(rawBody)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, upstreamBody)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "Upstream request failed",
			"details": err.Error(),
		})
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	// Account before dispatch so the cap sees this request immediately.
	accounted := selectedModel != "" && backend != ""
	if accounted {
		h.tracker.Inc(backend, selectedModel)
		metrics.InflightRequests.Inc()
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if accounted {
			h.tracker.Dec(backend, selectedModel)
			metrics.InflightRequests.Dec()
		}
		metrics.UpstreamErrors.Inc()
		slog.Error("upstream dispatch failed",
			"backend", backend,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "Upstream request failed",
			"details": err.Error(),
		})
		return
	}

	if isChat && accounted && serverName != "" {
		h.sticky.Update(ident, serverName, selectedModel)
	}

	// The release hook must fire exactly once per Inc, on every
	// termination path, including a client that goes away mid-stream.
	var once sync.Once
	release := func() {
		once.Do(func() {
			if accounted {
				h.tracker.Dec(backend, selectedModel)
				metrics.InflightRequests.Dec()
			}
			if isChat && accounted && serverName != "" {
				h.sticky.Update(ident, serverName, selectedModel)
			}
			metrics.RequestsTotal.
				WithLabelValues(backend, selectedModel, strconv.Itoa(resp.StatusCode)).
				Inc()
		})
	}
	defer release()
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	relay(w, resp.Body)
}

// relay copies upstream to the client in fixed-size chunks, flushing after
// each so token streams reach the client as they arrive. Headers are flushed
// up front: SSE clients expect the status line before the first token.
func relay(w http.ResponseWriter, upstream io.Reader) {
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	buf := make([]byte, streamChunkSize)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// copyRequestHeaders forwards everything except hop-by-hop headers, Host,
// and Content-Length (the transport recomputes it from the body).
func copyRequestHeaders(dst, src http.Header) {
	for k, vals := range src {
		lk := strings.ToLower(k)
		if hopByHopHeaders[lk] || lk == "host" || lk == "content-length" {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// copyResponseHeaders forwards everything except hop-by-hop headers and
// Content-Length, which is wrong once the body is chunked through.
func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		lk := strings.ToLower(k)
		if hopByHopHeaders[lk] || lk == "content-length" {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// clientIP extracts the caller's address: first X-Forwarded-For token if
// present, else the connection peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
