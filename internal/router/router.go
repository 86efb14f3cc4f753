// Package router implements the Router component: restricting the
// upstream pool by host and longest path-prefix match, then picking
// among survivors by weighted round-robin.
//
// Grounded on original_source/waf_proxy/proxy/router.py for matching
// priority (host, then path prefix, then round-robin fallback); the
// weighted round-robin ratio rule of spec §4.4 step 3 is new relative to
// the Python source's plain cycling and is expressed here with one
// atomic counter per upstream, per spec §5/§9.
package router

import (
	"strings"
	"sync/atomic"

	"github.com/astracat2022/waf-proxy/internal/waferrors"
	"github.com/astracat2022/waf-proxy/internal/waftypes"
)

// ErrNoUpstream is returned when no upstream matches; the orchestrator
// maps it to a 502 with X-WAF-Decision: ALLOW (spec §4.4 empty-pool
// semantics: the WAF did not block, routing failed).
var ErrNoUpstream = waferrors.New(waferrors.UpstreamUnavailable, "router.Select", nil)

type counter struct {
	n atomic.Uint64
}

// Router selects an upstream for a request.
type Router struct {
	upstreams []waftypes.Upstream
	counters  []*counter
}

// New builds a Router over an immutable upstream list snapshot.
func New(upstreams []waftypes.Upstream) *Router {
	counters := make([]*counter, len(upstreams))
	for i := range counters {
		counters[i] = &counter{}
	}
	return &Router{upstreams: upstreams, counters: counters}
}

// Select returns the chosen upstream for host H and normalized path P,
// per spec §4.4: restrict by host, then by longest path-prefix match,
// then weighted round-robin among survivors.
func (r *Router) Select(host, path string) (waftypes.Upstream, error) {
	if r == nil || len(r.upstreams) == 0 {
		return waftypes.Upstream{}, ErrNoUpstream
	}
	host = strings.ToLower(strings.TrimSpace(host))

	candidates := r.byHost(host)
	if len(candidates) == 0 {
		return waftypes.Upstream{}, ErrNoUpstream
	}

	byPath, exact := r.byLongestPrefix(candidates, path)
	if exact {
		candidates = byPath
	}

	return r.pickWeighted(candidates), nil
}

type indexed struct {
	idx int
	u   waftypes.Upstream
}

// byHost restricts to upstreams whose Hosts contains host, or which have
// no host constraint at all.
func (r *Router) byHost(host string) []indexed {
	out := make([]indexed, 0, len(r.upstreams))
	for i, u := range r.upstreams {
		if len(u.Hosts) == 0 {
			out = append(out, indexed{i, u})
			continue
		}
		if _, ok := u.Hosts[host]; ok {
			out = append(out, indexed{i, u})
		}
	}
	return out
}

// byLongestPrefix further restricts candidates to those whose longest
// PathPrefixes entry is a prefix of path. Upstreams with no prefixes
// configured lose to any upstream with a matching prefix-specific entry,
// per spec §4.4 step 2. Returns (restricted, true) only when at least
// one candidate has a matching prefix; otherwise the original candidate
// set is preserved unchanged.
func (r *Router) byLongestPrefix(candidates []indexed, path string) ([]indexed, bool) {
	bestLen := -1
	var best []indexed
	for _, c := range candidates {
		for _, prefix := range c.u.PathPrefixes {
			if strings.HasPrefix(path, prefix) {
				if len(prefix) > bestLen {
					bestLen = len(prefix)
					best = []indexed{c}
				} else if len(prefix) == bestLen {
					best = append(best, c)
				}
			}
		}
	}
	if bestLen < 0 {
		return candidates, false
	}
	return best, true
}

// pickWeighted selects among candidates by the largest
// weight/(counter+1) ratio, incrementing the winner's counter after
// selection. Ties are broken by configuration order.
func (r *Router) pickWeighted(candidates []indexed) waftypes.Upstream {
	if len(candidates) == 1 {
		r.counters[candidates[0].idx].n.Add(1)
		return candidates[0].u
	}

	bestRatio := -1.0
	var winner indexed
	for _, c := range candidates {
		weight := c.u.Weight
		if weight <= 0 {
			weight = 1
		}
		n := r.counters[c.idx].n.Load()
		ratio := float64(weight) / float64(n+1)
		if ratio > bestRatio {
			bestRatio = ratio
			winner = c
		}
	}
	r.counters[winner.idx].n.Add(1)
	return winner.u
}
