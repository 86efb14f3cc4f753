// Package rules implements the Rule Engine component: compiling regex
// rules and evaluating a RequestContext against them to produce a score
// and an ordered list of matched rule IDs.
//
// Grounded on the teacher's internal/waf/waf.go (tagged-variant rule
// targets, pre-compiled patterns) and on
// original_source/waf_proxy/waf/engine.py's evaluate/_decide_verdict for
// the exact threshold and monitor-mode semantics.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/astracat2022/waf-proxy/internal/waferrors"
	"github.com/astracat2022/waf-proxy/internal/waftypes"
)

// IPBlocklistRuleID is the synthetic rule ID recorded when a request is
// short-circuited by the IP block-list policy gate.
const IPBlocklistRuleID = "IPBL"

// RuleSpec is the uncompiled, user-facing form of a rule, as loaded from
// configuration.
type RuleSpec struct {
	ID          string
	Target      string // "path", "query", "header:<NAME>", "method", "user_agent"
	Pattern     string
	Score       int
	Description string
}

// Compile validates and compiles a slice of RuleSpec into immutable
// waftypes.Rule values. Duplicate IDs or invalid regexes are
// ConfigFatal: the engine refuses to start.
func Compile(specs []RuleSpec) ([]waftypes.Rule, error) {
	seen := make(map[string]struct{}, len(specs))
	out := make([]waftypes.Rule, 0, len(specs))
	for _, s := range specs {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, waferrors.New(waferrors.ConfigFatal, "rules.Compile", fmt.Errorf("rule has empty id"))
		}
		if _, dup := seen[id]; dup {
			return nil, waferrors.New(waferrors.ConfigFatal, "rules.Compile", fmt.Errorf("duplicate rule id %q", id))
		}
		seen[id] = struct{}{}

		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, waferrors.New(waferrors.ConfigFatal, "rules.Compile", fmt.Errorf("rule %s: invalid pattern: %w", id, err))
		}

		target, headerName, err := parseTarget(s.Target)
		if err != nil {
			return nil, waferrors.New(waferrors.ConfigFatal, "rules.Compile", fmt.Errorf("rule %s: %w", id, err))
		}

		score := s.Score
		if score < 0 {
			score = 0
		}

		out = append(out, waftypes.Rule{
			ID:          id,
			Target:      target,
			HeaderName:  headerName,
			Pattern:     re,
			Score:       score,
			Description: s.Description,
		})
	}
	return out, nil
}

func parseTarget(raw string) (waftypes.Target, string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case v == "path":
		return waftypes.TargetPath, "", nil
	case v == "query":
		return waftypes.TargetQuery, "", nil
	case v == "method":
		return waftypes.TargetMethod, "", nil
	case v == "user_agent":
		return waftypes.TargetUserAgent, "", nil
	case strings.HasPrefix(v, "header:"):
		name := strings.TrimSpace(strings.TrimPrefix(v, "header:"))
		if name == "" {
			return "", "", fmt.Errorf("header target requires a name, got %q", raw)
		}
		return waftypes.TargetHeader, strings.ToLower(name), nil
	default:
		return "", "", fmt.Errorf("unknown rule target %q", raw)
	}
}

// Engine evaluates an immutable rule set against a RequestContext.
type Engine struct {
	rules           []waftypes.Rule
	maxInspectBytes int
}

// New builds an Engine over a compiled, immutable rule set. compiled is a
// snapshot reference and must not be mutated by the caller afterward.
func New(compiled []waftypes.Rule, maxInspectBytes int) *Engine {
	if maxInspectBytes <= 0 {
		maxInspectBytes = 10000
	}
	return &Engine{rules: compiled, maxInspectBytes: maxInspectBytes}
}

// Evaluate projects each rule's target out of ctx, truncated to the
// inspection budget, and tests the pre-compiled pattern. Rules are
// evaluated in load order; a single rule contributes at most once per
// request even if its target matches more than one underlying value.
func (e *Engine) Evaluate(ctx *waftypes.RequestContext) (score int, hits []string) {
	if e == nil {
		return 0, nil
	}
	for _, r := range e.rules {
		value := e.project(r, ctx)
		if value == "" {
			continue
		}
		if r.Pattern.MatchString(value) {
			score += r.Score
			hits = append(hits, r.ID)
		}
	}
	return score, hits
}

func (e *Engine) project(r waftypes.Rule, ctx *waftypes.RequestContext) string {
	var raw string
	switch r.Target {
	case waftypes.TargetPath:
		raw = ctx.PathNorm
	case waftypes.TargetQuery:
		raw = ctx.QueryNorm
	case waftypes.TargetMethod:
		raw = ctx.Method
	case waftypes.TargetUserAgent:
		raw = ctx.Headers["user-agent"]
	case waftypes.TargetHeader:
		raw = ctx.Headers[r.HeaderName]
	}
	if raw == "" {
		return ""
	}
	if len(raw) > e.maxInspectBytes {
		raw = raw[:e.maxInspectBytes]
	}
	return raw
}

// DecideVerdict maps a total score to a Verdict per the three
// thresholds. It does not apply monitor mode: the returned verdict is
// the raw one, and callers pass it to Downgrade to get the verdict used
// for forwarding while keeping the raw one for logging/metrics (see
// Orchestrator).
func DecideVerdict(score int, t waftypes.Thresholds) waftypes.Verdict {
	switch {
	case score >= t.Block:
		return waftypes.VerdictBlock
	case score >= t.Challenge:
		return waftypes.VerdictSuspicious
	default:
		return waftypes.VerdictAllow
	}
}

// Downgrade applies monitor-mode's sole behavioral difference: BLOCK
// becomes SUSPICIOUS for forwarding purposes only.
func Downgrade(v waftypes.Verdict, mode string) waftypes.Verdict {
	if mode == "monitor" && v == waftypes.VerdictBlock {
		return waftypes.VerdictSuspicious
	}
	return v
}
