// Package waftypes holds the data shapes shared across the WAF pipeline:
// rules, upstreams, thresholds, the per-request context, and the
// immutable configuration snapshot that every request captures once at
// entry.
package waftypes

import (
	"net/netip"
	"regexp"
	"time"
)

// Verdict is the three-valued outcome of the rule engine.
type Verdict string

const (
	VerdictAllow      Verdict = "ALLOW"
	VerdictSuspicious Verdict = "SUSPICIOUS"
	VerdictBlock      Verdict = "BLOCK"
)

// Target identifies what part of a request a rule inspects.
type Target string

const (
	TargetPath      Target = "path"
	TargetQuery     Target = "query"
	TargetHeader    Target = "header"
	TargetMethod    Target = "method"
	TargetUserAgent Target = "user_agent"
)

// Rule is an immutable, pre-compiled WAF rule.
type Rule struct {
	ID          string
	Target      Target
	HeaderName  string // set when Target == TargetHeader, already lower-cased
	Pattern     *regexp.Regexp
	Score       int
	Description string
}

// Thresholds are the three integer cut-points of the verdict mapping.
// Invariant: Allow < Challenge <= Block.
type Thresholds struct {
	Allow     int
	Challenge int
	Block     int
}

// Upstream is a candidate origin server.
type Upstream struct {
	Name         string
	BaseURL      string
	Weight       int
	Hosts        map[string]struct{} // lower-cased, nil means "no host constraint"
	PathPrefixes []string            // ordered, longest-prefix wins on ties
}

// ProxySettings configure the forward proxy's shared HTTP client.
type ProxySettings struct {
	RequestTimeout  time.Duration
	MaxConns        int
	MaxKeepalive    int
	KeepaliveExpiry time.Duration
}

// WAFSettings are behavioral settings of the rule engine.
type WAFSettings struct {
	Mode            string // "block" or "monitor"
	MaxInspectBytes int
}

// PenaltyConfig configures the IP penalty box (escalating temporary ban
// layered above the rate limiter; see DESIGN.md).
type PenaltyConfig struct {
	Threshold int // rate-limit violations before a ban
	Window    time.Duration
	BanFor    time.Duration
}

// Snapshot is the immutable configuration bundle a request captures once
// at entry. Published via an atomic pointer swap on reload.
type Snapshot struct {
	Upstreams     []Upstream
	Rules         []Rule
	Thresholds    Thresholds
	TrustedPeers  []netip.Prefix
	IPAllowlist   map[string]struct{}
	IPBlocklist   map[string]struct{}
	RateLimitRPM  int
	ProxySettings ProxySettings
	WAFSettings   WAFSettings
	Penalty       PenaltyConfig
}

// RequestContext is the per-request, mutable, stack-allocated state
// threaded through the pipeline. Exclusively owned by the handling flow.
type RequestContext struct {
	RequestID      string
	ClientIP       string
	Method         string
	PathRaw        string
	PathNorm       string
	QueryNorm      string
	Headers        map[string]string // canonical subset, lower-cased keys
	StartTime      time.Time
	Verdict        Verdict
	Score          int
	RuleHits       []string
	ChosenUpstream string
	Status         int
	LatencyMS      float64
}
