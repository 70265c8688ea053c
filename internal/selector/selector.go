// Package selector picks the backend and model instance for a chat request.
// It combines the routing table, the health window, the in-flight counts,
// the replica inventory, and the sticky table into a single decision:
// sticky affinity wins when the bound backend is still usable, otherwise
// candidates are walked in rule order under a three-tier preference
// (fully idle backend, idle replica, idle status), and a request that
// matches no usable backend still goes somewhere (first match, then the
// configured fallback).
package selector

import (
	"strings"

	"llmrouter/internal/config"
	"llmrouter/internal/health"
)

// rankingSuffixes are quality hints callers append to the model name. They
// are stripped (one only, in this probe order) before capacity and replica
// checks, but the upstream still receives the suffixed name.
var rankingSuffixes = []string{"-low", "-medium", "-high"}

// Health is the monitor view the selector needs.
type Health interface {
	ConservativeStatus(base string) health.Status
}

// Counts is the in-flight view the selector needs.
type Counts interface {
	CanAccept(backend, model string, requestMax int) bool
}

// Models is the replica-inventory view the selector needs.
type Models interface {
	CountInstances(backend, model string) int
	InstancesInflightStatus(backend, model string) (total int, idle []string)
}

// Sticky is the affinity view the selector needs.
type Sticky interface {
	Get(ident, model string) (server string, ok bool)
}

// Result is one routing decision.
type Result struct {
	Backend  string // model-base URL; "" when nothing is configured
	Model    string // model name to send upstream
	Server   string // chosen server name; "" when unresolvable (legacy fallback)
	Instance bool   // true when Model names a specific replica to splice into the body
}

// Selector is stateless apart from its dependencies; Select may be called
// concurrently. The registry accessor is a func so a hot-reloaded catalog
// takes effect immediately.
type Selector struct {
	registry func() *config.Registry
	health   Health
	counts   Counts
	models   Models
	sticky   Sticky
}

func New(registry func() *config.Registry, h Health, c Counts, m Models, s Sticky) *Selector {
	return &Selector{registry: registry, health: h, counts: c, models: m, sticky: s}
}

// Select picks (backend, model instance) for ident's request. It never
// returns an empty Model; Backend is empty only when no fallback exists.
func (s *Selector) Select(ident, model string) Result {
	reg := s.registry()

	names := reg.BackendsForModel(model)
	if len(names) == 0 {
		return s.fallback(reg, model)
	}

	// Resolve rule targets against the catalog, preserving declared order.
	type candidate struct {
		name string
		srv  config.Server
	}
	candidates := make([]candidate, 0, len(names))
	for _, n := range names {
		if srv, ok := reg.Server(n); ok {
			candidates = append(candidates, candidate{name: n, srv: srv})
		}
	}
	if len(candidates) == 0 {
		return s.fallback(reg, model)
	}

	// Sticky affinity short-circuits everything else as long as the bound
	// backend is matched by the rule, not invalid, and under its cap.
	if name, ok := s.sticky.Get(ident, model); ok {
		for _, c := range candidates {
			if c.name != name {
				continue
			}
			if s.health.ConservativeStatus(c.srv.HealthBase()) != health.StatusInvalid &&
				s.counts.CanAccept(c.srv.ModelBase(), model, c.srv.RequestMax) {
				return Result{Backend: c.srv.ModelBase(), Model: model, Server: c.name}
			}
			break
		}
	}

	baseModel := stripRankingSuffix(model)

	for _, c := range candidates {
		mbase := c.srv.ModelBase()
		status := s.health.ConservativeStatus(c.srv.HealthBase())
		if status == health.StatusInvalid {
			continue
		}
		if !s.counts.CanAccept(mbase, baseModel, c.srv.RequestMax) {
			continue
		}
		if s.models.CountInstances(mbase, baseModel) == 0 {
			continue
		}
		total, idle := s.models.InstancesInflightStatus(mbase, baseModel)

		// Nothing running anywhere on an idle backend: the requested name
		// (ranking suffix included) goes through untouched.
		if total == 0 && status == health.StatusIdle {
			return Result{Backend: mbase, Model: model, Server: c.name}
		}
		// A free replica takes the request under its own instance name.
		if len(idle) > 0 {
			return Result{Backend: mbase, Model: idle[0], Server: c.name, Instance: true}
		}
		// Backend reads idle even though replicas are occupied.
		if status == health.StatusIdle {
			return Result{Backend: mbase, Model: model, Server: c.name}
		}
	}

	// Every candidate was skipped: send to the first matched backend anyway.
	first := candidates[0]
	return Result{Backend: first.srv.ModelBase(), Model: model, Server: first.name}
}

func (s *Selector) fallback(reg *config.Registry, model string) Result {
	base := reg.Fallback()
	res := Result{Backend: base, Model: model}
	if srv, ok := reg.ServerByModelBase(base); ok {
		res.Server = srv.Name
	}
	return res
}

// stripRankingSuffix removes a single trailing ranking suffix, if any.
func stripRankingSuffix(model string) string {
	for _, suffix := range rankingSuffixes {
		if strings.HasSuffix(model, suffix) {
			return strings.TrimSuffix(model, suffix)
		}
	}
	return model
}
