// Package middleware implements the Middleware Orchestrator component:
// it sequences the Normalizer, Rate Limiter, Rule Engine, Router, and
// Forward Proxy, applies the verdict policy, stamps response headers,
// and drives logging/metrics.
//
// Grounded 1:1 on original_source/waf_proxy/middleware/waf_middleware.py's
// __call__ control flow, translated from ASGI middleware into an
// http.Handler chain.
package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astracat2022/waf-proxy/internal/challenge"
	"github.com/astracat2022/waf-proxy/internal/forward"
	"github.com/astracat2022/waf-proxy/internal/metrics"
	"github.com/astracat2022/waf-proxy/internal/normalize"
	"github.com/astracat2022/waf-proxy/internal/router"
	"github.com/astracat2022/waf-proxy/internal/rules"
	"github.com/astracat2022/waf-proxy/internal/waferrors"
	"github.com/astracat2022/waf-proxy/internal/waflog"
	"github.com/astracat2022/waf-proxy/internal/waftypes"
)

// live bundles the objects derived from one configuration Snapshot that
// a request captures once at entry and uses for its entire lifetime, so
// a reload mid-request observes neither tearing nor partial updates
// (spec §9 "Config hot-swap").
type live struct {
	snapshot   *waftypes.Snapshot
	ruleEngine *rules.Engine
	router     *router.Router
	penalty    *challenge.PenaltyBox
}

// Orchestrator is the http.Handler that drives the WAF pipeline.
type Orchestrator struct {
	current atomic.Pointer[live]
	limiter RateLimiter
	proxy   ForwardProxy
	metrics *metrics.Registry
	logger  *zap.Logger
}

// RateLimiter is the subset of ratelimit.Limiter the orchestrator needs,
// extracted as an interface for test doubles.
type RateLimiter interface {
	Allow(key string) bool
}

// ForwardProxy is the subset of forward.Proxy the orchestrator needs.
type ForwardProxy interface {
	Forward(ctx context.Context, baseURL, rawPath, rawQuery, method string, header http.Header, body io.Reader, clientIP, scheme, originalHost string) (*forward.Result, error)
}

// New builds an Orchestrator. limiter and proxy are injected so
// cmd/wafproxy can wire real implementations while tests use fakes.
func New(limiter RateLimiter, proxy ForwardProxy, reg *metrics.Registry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{limiter: limiter, proxy: proxy, metrics: reg, logger: logger}
}

// Reload atomically publishes a new configuration snapshot. Requests in
// flight keep using the live bundle they captured at entry.
func (o *Orchestrator) Reload(snap *waftypes.Snapshot) {
	l := &live{
		snapshot:   snap,
		ruleEngine: rules.New(snap.Rules, snap.WAFSettings.MaxInspectBytes),
		router:     router.New(snap.Upstreams),
		penalty:    challenge.New(snap.Penalty.Threshold, snap.Penalty.Window, snap.Penalty.BanFor),
	}
	o.current.Store(l)
}

func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := o.current.Load()
	if l == nil {
		http.Error(w, "waf not configured", http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	requestID := uuid.NewString()

	ctx := &waftypes.RequestContext{
		RequestID: requestID,
		StartTime: start,
		Method:    r.Method,
		PathRaw:   r.URL.Path,
	}

	peer := peerIP(r)
	xff := r.Header.Get("X-Forwarded-For")
	ctx.ClientIP = normalize.ClientIP(peer, xff, l.snapshot.TrustedPeers)
	ctx.PathNorm = normalize.NormalizePath(r.URL.Path)
	ctx.QueryNorm = normalize.NormalizeQuery(r.URL.RawQuery)
	ctx.Headers = normalize.HeaderSubset(r.Header)

	o.handle(w, r, l, ctx)

	ctx.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	o.logger.Info("request",
		waflog.RequestFields(ctx.RequestID, ctx.ClientIP, ctx.Method, ctx.PathRaw, string(ctx.Verdict), ctx.Score, ctx.RuleHits, ctx.ChosenUpstream, ctx.Status, ctx.LatencyMS)...,
	)
}

func (o *Orchestrator) handle(w http.ResponseWriter, r *http.Request, l *live, ctx *waftypes.RequestContext) {
	// IP allow-list: immediate ALLOW, skip straight to routing. This is
	// unconditional per spec §4.6's fixed canonical ordering — nothing
	// below, including the penalty box, may override it.
	if _, ok := l.snapshot.IPAllowlist[ctx.ClientIP]; ok {
		ctx.Verdict = waftypes.VerdictAllow
		ctx.Score = 0
		o.route(w, r, l, ctx)
		return
	}

	// IP block-list: immediate BLOCK.
	if _, ok := l.snapshot.IPBlocklist[ctx.ClientIP]; ok {
		ctx.Verdict = waftypes.VerdictBlock
		ctx.Score = 0
		ctx.RuleHits = []string{rules.IPBlocklistRuleID}
		o.writeBlocked(w, ctx)
		return
	}

	// Penalty box: an IP that has repeatedly tripped the rate limiter
	// may already be under an escalated temporary ban (supplements
	// spec §4.6 without altering any of its documented outcomes for
	// non-banned IPs — in particular it never runs ahead of the
	// allow-list, so a hot-swapped allow-list entry takes effect
	// immediately instead of waiting out an existing ban).
	if banned, until := l.penalty.IsBanned(ctx.ClientIP); banned {
		o.writeRateLimited(w, ctx, until)
		return
	}

	// Rate limiter: on deny, shed load before any rule evaluation.
	if !o.limiter.Allow(ctx.ClientIP) {
		if banned, until := l.penalty.RegisterViolation(ctx.ClientIP); banned {
			o.metrics.RecordPenaltyBan()
			o.writeRateLimited(w, ctx, until)
			return
		}
		o.metrics.RecordRateLimited(ctx.ClientIP)
		o.writeRateLimited(w, ctx, time.Time{})
		return
	}

	// Rule engine.
	score, hits := l.ruleEngine.Evaluate(ctx)
	ctx.Score = score
	ctx.RuleHits = hits
	rawVerdict := rules.DecideVerdict(score, l.snapshot.Thresholds)
	ctx.Verdict = rawVerdict
	o.metrics.RecordRuleHits(hits)

	forwardVerdict := rules.Downgrade(rawVerdict, l.snapshot.WAFSettings.Mode)

	if forwardVerdict == waftypes.VerdictBlock {
		o.writeBlocked(w, ctx)
		return
	}

	o.route(w, r, l, ctx)
}

func (o *Orchestrator) route(w http.ResponseWriter, r *http.Request, l *live, ctx *waftypes.RequestContext) {
	upstream, err := l.router.Select(r.Host, ctx.PathNorm)
	if err != nil {
		// Spec §4.4: an empty pool is a routing failure, not a WAF
		// block — X-WAF-Decision reports ALLOW regardless of the
		// verdict the rule engine actually reached.
		ctx.Status = http.StatusBadGateway
		ctx.Verdict = waftypes.VerdictAllow
		o.stampHeaders(w, ctx)
		w.WriteHeader(http.StatusBadGateway)
		_ = writeJSON(w, map[string]any{"error": "no_upstream", "request_id": ctx.RequestID})
		o.metrics.RecordRequest("ERROR", http.StatusBadGateway)
		return
	}
	ctx.ChosenUpstream = upstream.Name

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	reqHeader := r.Header.Clone()
	if !o.xffTrusted(l, r) {
		forward.DropInboundXFF(reqHeader)
	}

	upstreamStart := time.Now()
	result, err := o.proxy.Forward(r.Context(), upstream.BaseURL, ctx.PathRaw, r.URL.RawQuery, ctx.Method, reqHeader, r.Body, ctx.ClientIP, scheme, r.Host)
	latency := time.Since(upstreamStart)

	if err != nil {
		o.handleForwardError(w, ctx, err)
		return
	}
	defer result.Body.Close()

	o.metrics.RecordUpstreamLatencySeconds(latency.Seconds())

	ctx.Status = result.StatusCode
	o.stampHeaders(w, ctx)
	copyHeader(w.Header(), result.Header)
	w.WriteHeader(result.StatusCode)

	if err := forward.Stream(r.Context(), w, result.Body); err != nil {
		switch waferrors.KindOf(err) {
		case waferrors.ClientAbort:
			o.metrics.RecordClientAbort()
			return
		case waferrors.UpstreamRead:
			// Headers were already flushed; the client connection is
			// simply truncated rather than re-signaled with a new
			// status, per spec §4.5.
			o.metrics.RecordUpstreamError("read")
		}
	}

	o.metrics.RecordRequest(string(ctx.Verdict), result.StatusCode)
}

func (o *Orchestrator) handleForwardError(w http.ResponseWriter, ctx *waftypes.RequestContext, err error) {
	switch waferrors.KindOf(err) {
	case waferrors.ClientAbort:
		o.metrics.RecordClientAbort()
		return
	case waferrors.UpstreamTimeout:
		ctx.Status = http.StatusGatewayTimeout
		o.metrics.RecordUpstreamError("timeout")
	case waferrors.UpstreamConnect:
		ctx.Status = http.StatusBadGateway
		o.metrics.RecordUpstreamError("connect")
	case waferrors.UpstreamRead:
		ctx.Status = http.StatusBadGateway
		o.metrics.RecordUpstreamError("read")
	default:
		ctx.Status = http.StatusBadGateway
		o.metrics.RecordUpstreamError("connect")
	}
	o.stampHeaders(w, ctx)
	w.WriteHeader(ctx.Status)
	_ = writeJSON(w, map[string]any{"error": "upstream_error", "request_id": ctx.RequestID})
	o.metrics.RecordRequest(string(ctx.Verdict), ctx.Status)
}

func (o *Orchestrator) writeBlocked(w http.ResponseWriter, ctx *waftypes.RequestContext) {
	ctx.Status = http.StatusForbidden
	o.stampHeaders(w, ctx)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = writeJSON(w, map[string]any{
		"blocked":  true,
		"reason":   "waf",
		"score":    ctx.Score,
		"rule_ids": ctx.RuleHits,
	})
	o.metrics.RecordRequest(string(ctx.Verdict), http.StatusForbidden)
}

func (o *Orchestrator) writeRateLimited(w http.ResponseWriter, ctx *waftypes.RequestContext, retryAfter time.Time) {
	ctx.Status = http.StatusTooManyRequests
	// Rate limiting is a policy gate ahead of the rule engine: no rule
	// evaluation occurred, so there is no BLOCK verdict to report here.
	ctx.Verdict = waftypes.VerdictAllow
	o.stampHeaders(w, ctx)
	if !retryAfter.IsZero() {
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(retryAfter).Seconds())))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = writeJSON(w, map[string]any{"error": "rate_limited"})
	o.metrics.RecordRequest(string(ctx.Verdict), http.StatusTooManyRequests)
}

// stampHeaders sets X-WAF-Decision, X-WAF-Score, X-Request-ID — present
// on every exit path, including synthesized responses (spec §6/§4.6).
func (o *Orchestrator) stampHeaders(w http.ResponseWriter, ctx *waftypes.RequestContext) {
	h := w.Header()
	h.Set("X-WAF-Decision", string(ctx.Verdict))
	h.Set("X-WAF-Score", strconv.Itoa(ctx.Score))
	h.Set("X-Request-ID", ctx.RequestID)
}

// xffTrusted reports whether r's peer is a trusted proxy, i.e. whether
// an inbound X-Forwarded-For may be relayed onward.
func (o *Orchestrator) xffTrusted(l *live, r *http.Request) bool {
	return normalize.IsTrustedPeer(peerIP(r), l.snapshot.TrustedPeers)
}

// RunPenaltyReaper starts a background goroutine that calls Cleanup on
// the currently live penalty box every interval, bounding the memory a
// long-running process accumulates in banned/violating IP entries.
// Reload swaps in a fresh penalty box, so this always reaps whichever
// one is current rather than holding a stale reference. Returns a stop
// function, mirroring ratelimit.Limiter.RunReaper.
func (o *Orchestrator) RunPenaltyReaper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if l := o.current.Load(); l != nil {
					l.penalty.Cleanup()
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}
