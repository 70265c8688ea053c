// Package config loads the server catalog and model routing rules from
// server-list.json via Viper. The resulting Registry is immutable; hot
// reloads build a fresh Registry and the caller swaps it in.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
)

// DefaultPath is used when neither the -config flag nor the
// SERVER_LIST_JSON environment variable names a file.
const DefaultPath = "server-list.json"

// Path resolves the config file location: SERVER_LIST_JSON env var, else
// DefaultPath.
func Path() string {
	if p := os.Getenv("SERVER_LIST_JSON"); p != "" {
		return p
	}
	return DefaultPath
}

// Server is one inference backend. Addr carries the origin prefix without a
// trailing slash; the health and model endpoints live on separate ports.
type Server struct {
	Name       string
	Addr       string
	HealthPort int
	ModelPort  int
	RequestMax int // 0 = unbounded
}

// HealthBase returns the base URL of the backend's health endpoint.
func (s Server) HealthBase() string {
	return fmt.Sprintf("%s:%d", s.Addr, s.HealthPort)
}

// ModelBase returns the base URL requests are proxied to.
func (s Server) ModelBase() string {
	return fmt.Sprintf("%s:%d", s.Addr, s.ModelPort)
}

// Rule maps a model-name regex to an ordered list of server names. Pattern
// matches the full model name. Source keeps the pattern as written in the
// config file for display.
type Rule struct {
	Pattern *regexp.Regexp
	Servers []string
	Source  string
}

// Registry is the loaded catalog: servers, ordered routing rules, and the
// fallback backend (model-base form). Read-only after Load.
type Registry struct {
	servers  map[string]Server
	order    []string // server names in document order
	rules    []Rule
	fallback string
}

// Empty returns a Registry with no servers and no rules. The proxy keeps
// running with it and answers 503 until a config is loaded.
func Empty() *Registry {
	return &Registry{servers: map[string]Server{}}
}

// Load reads and parses the JSON file at path using Viper. It returns the
// Registry and the Viper instance (needed for Watch). Malformed servers,
// invalid regexes, and rules referencing unknown servers are skipped with a
// warning; only an unreadable or unparseable file is an error.
func Load(path string) (*Registry, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	reg, err := build(v)
	if err != nil {
		return nil, nil, err
	}
	return reg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file
// is saved. The callback receives a freshly built Registry. Invalid reloads
// are logged and skipped (the previous Registry stays active).
func Watch(v *viper.Viper, onChange func(*Registry)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		reg, err := build(v)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		slog.Info("config hot-reloaded",
			"servers", len(reg.order),
			"rules", len(reg.rules),
		)
		onChange(reg)
	})
}

// build assembles a Registry from an already-read Viper instance. The raw
// document is re-read for the "servers" and "models" objects because Go maps
// do not preserve key order and rule order is significant.
func build(v *viper.Viper) (*Registry, error) {
	raw, err := os.ReadFile(v.ConfigFileUsed())
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", v.ConfigFileUsed(), err)
	}
	doc := gjson.ParseBytes(raw)

	reg := Empty()
	parseServers(reg, doc.Get("servers"))
	fallbackName := v.GetString("fallback_server")

	if len(reg.servers) > 0 {
		parseRules(reg, doc.Get("models"), reg.lookupName)
		reg.fallback = reg.resolveFallback(fallbackName)
		return reg, nil
	}

	// Legacy schema: no server catalog, models values are base URLs. Rules
	// cannot resolve to servers, so the selector always falls back.
	if doc.Get("models").IsObject() {
		parseRules(reg, doc.Get("models"), func(string) bool { return true })
		reg.fallback = fallbackName
	}
	return reg, nil
}

func parseServers(reg *Registry, servers gjson.Result) {
	if !servers.IsObject() {
		return
	}
	servers.ForEach(func(key, val gjson.Result) bool {
		name := key.String()
		if !val.IsObject() {
			slog.Warn("config: skipping malformed server entry", "server", name)
			return true
		}
		addr := val.Get("addr")
		hport := val.Get("health-port")
		mport := val.Get("model-port")
		if addr.Type != gjson.String || !isInt(hport) || !isInt(mport) {
			slog.Warn("config: skipping malformed server entry", "server", name)
			return true
		}
		srv := Server{
			Name:       name,
			Addr:       strings.TrimRight(addr.String(), "/"),
			HealthPort: int(hport.Int()),
			ModelPort:  int(mport.Int()),
		}
		if rm := val.Get("request-max"); isInt(rm) && rm.Int() > 0 {
			srv.RequestMax = int(rm.Int())
		}
		reg.servers[name] = srv
		reg.order = append(reg.order, name)
		return true
	})
}

func parseRules(reg *Registry, models gjson.Result, known func(string) bool) {
	if !models.IsObject() {
		return
	}
	models.ForEach(func(key, val gjson.Result) bool {
		source := key.String()
		if !val.IsArray() {
			slog.Warn("config: skipping malformed routing rule", "pattern", source)
			return true
		}
		var names []string
		for _, item := range val.Array() {
			if item.Type == gjson.String && known(item.String()) {
				names = append(names, item.String())
			}
		}
		if len(names) == 0 {
			slog.Warn("config: skipping rule with no valid servers", "pattern", source)
			return true
		}
		// Full-string match, per the routing table contract.
		re, err := regexp.Compile(`\A(?:` + source + `)\z`)
		if err != nil {
			slog.Warn("config: skipping invalid regex", "pattern", source, "error", err)
			return true
		}
		reg.rules = append(reg.rules, Rule{Pattern: re, Servers: names, Source: source})
		return true
	})
}

func (r *Registry) lookupName(name string) bool {
	_, ok := r.servers[name]
	return ok
}

// resolveFallback turns the configured fallback server name into its model
// base, defaulting to the first server in document order.
func (r *Registry) resolveFallback(name string) string {
	if srv, ok := r.servers[name]; ok {
		return srv.ModelBase()
	}
	if len(r.order) > 0 {
		return r.servers[r.order[0]].ModelBase()
	}
	return ""
}

func isInt(res gjson.Result) bool {
	return res.Type == gjson.Number && res.Num == float64(int64(res.Num))
}

// ── accessors ────────────────────────────────────────────────────────────────

// Server returns the catalog entry for name.
func (r *Registry) Server(name string) (Server, bool) {
	s, ok := r.servers[name]
	return s, ok
}

// ServerNames returns all server names in document order.
func (r *Registry) ServerNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// HealthBases returns the health base URL of every server, document order.
func (r *Registry) HealthBases() []string {
	out := make([]string, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.servers[n].HealthBase())
	}
	return out
}

// ModelBases returns the model base URL of every server, document order.
func (r *Registry) ModelBases() []string {
	out := make([]string, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.servers[n].ModelBase())
	}
	return out
}

// Rules returns the routing rules in file order.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// BackendsForModel returns the server names of the first rule whose pattern
// matches the full model name, or nil when no rule matches.
func (r *Registry) BackendsForModel(model string) []string {
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(model) {
			return rule.Servers
		}
	}
	return nil
}

// Fallback returns the fallback backend in model-base form ("" if none).
func (r *Registry) Fallback() string {
	return r.fallback
}

// ServerByModelBase finds the server whose model base equals base.
func (r *Registry) ServerByModelBase(base string) (Server, bool) {
	for _, n := range r.order {
		if r.servers[n].ModelBase() == base {
			return r.servers[n], true
		}
	}
	return Server{}, false
}

// ServerByHealthBase finds the server whose health base equals base.
func (r *Registry) ServerByHealthBase(base string) (Server, bool) {
	for _, n := range r.order {
		if r.servers[n].HealthBase() == base {
			return r.servers[n], true
		}
	}
	return Server{}, false
}
