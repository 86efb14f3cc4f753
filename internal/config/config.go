// Package config loads the YAML configuration collaborator described in
// spec §6 into an immutable waftypes.Snapshot. Deliberately thin per
// spec §1's explicit scope exclusion of "the configuration file loader"
// as a subsystem — this package performs the minimum validation needed
// to classify bad input as ConfigFatal before the listener opens.
//
// Grounded on the teacher's own gopkg.in/yaml.v3 dependency and
// original_source/waf_proxy/config.py / models.py for the shape and the
// CIDR/rule-id validation performed at load time.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astracat2022/waf-proxy/internal/rules"
	"github.com/astracat2022/waf-proxy/internal/waferrors"
	"github.com/astracat2022/waf-proxy/internal/waftypes"
)

// File is the on-disk YAML shape, mirroring spec §6's configuration
// collaborator plus a penalty_box section for the IP penalty box.
type File struct {
	Upstreams      []UpstreamFile    `yaml:"upstreams"`
	Rules          []RuleFile        `yaml:"rules"`
	Thresholds     ThresholdsFile    `yaml:"thresholds"`
	RateLimits     RateLimitsFile    `yaml:"rate_limits"`
	TrustedProxies []string          `yaml:"trusted_proxies"`
	IPAllowlist    []string          `yaml:"ip_allowlist"`
	IPBlocklist    []string          `yaml:"ip_blocklist"`
	ProxySettings  ProxySettingsFile `yaml:"proxy_settings"`
	WAFSettings    WAFSettingsFile   `yaml:"waf_settings"`
	PenaltyBox     PenaltyBoxFile    `yaml:"penalty_box"`
}

type UpstreamFile struct {
	Name         string   `yaml:"name"`
	BaseURL      string   `yaml:"base_url"`
	Weight       int      `yaml:"weight"`
	Hosts        []string `yaml:"hosts"`
	PathPrefixes []string `yaml:"path_prefixes"`
}

type RuleFile struct {
	ID          string `yaml:"id"`
	Target      string `yaml:"target"`
	Pattern     string `yaml:"pattern"`
	Score       int    `yaml:"score"`
	Description string `yaml:"description"`
}

type ThresholdsFile struct {
	Allow     int `yaml:"allow"`
	Challenge int `yaml:"challenge"`
	Block     int `yaml:"block"`
}

type RateLimitsFile struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type ProxySettingsFile struct {
	RequestTimeoutSeconds float64 `yaml:"request_timeout_seconds"`
	MaxConns              int     `yaml:"max_conns"`
	MaxKeepalive          int     `yaml:"max_keepalive"`
	KeepaliveExpirySecs   float64 `yaml:"keepalive_expiry_seconds"`
}

type WAFSettingsFile struct {
	Mode            string `yaml:"mode"`
	MaxInspectBytes int    `yaml:"max_inspect_bytes"`
}

type PenaltyBoxFile struct {
	Threshold     int     `yaml:"threshold"`
	WindowSeconds float64 `yaml:"window_seconds"`
	BanForSeconds float64 `yaml:"ban_for_seconds"`
}

// Load reads and validates path, returning a ready-to-publish Snapshot.
// Any malformed CIDR, duplicate rule ID, or bad regex is returned as a
// ConfigFatal error; callers should refuse to start the listener.
func Load(path string) (*waftypes.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, waferrors.New(waferrors.ConfigFatal, "config.Load", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, waferrors.New(waferrors.ConfigFatal, "config.Load", err)
	}
	return Build(f)
}

// Build validates and converts a parsed File into a Snapshot.
func Build(f File) (*waftypes.Snapshot, error) {
	upstreams, err := buildUpstreams(f.Upstreams)
	if err != nil {
		return nil, err
	}

	specs := make([]rules.RuleSpec, 0, len(f.Rules))
	for _, r := range f.Rules {
		specs = append(specs, rules.RuleSpec{
			ID:          r.ID,
			Target:      r.Target,
			Pattern:     r.Pattern,
			Score:       r.Score,
			Description: r.Description,
		})
	}
	compiled, err := rules.Compile(specs)
	if err != nil {
		return nil, err
	}

	thresholds := waftypes.Thresholds{
		Allow:     f.Thresholds.Allow,
		Challenge: f.Thresholds.Challenge,
		Block:     f.Thresholds.Block,
	}
	if thresholds.Block == 0 && thresholds.Challenge == 0 && thresholds.Allow == 0 {
		thresholds = waftypes.Thresholds{Allow: 5, Challenge: 6, Block: 10}
	}
	if !(thresholds.Allow < thresholds.Challenge && thresholds.Challenge <= thresholds.Block) {
		return nil, waferrors.New(waferrors.ConfigFatal, "config.Build", fmt.Errorf("invalid thresholds: allow=%d challenge=%d block=%d", thresholds.Allow, thresholds.Challenge, thresholds.Block))
	}

	trusted, err := buildPrefixes(f.TrustedProxies)
	if err != nil {
		return nil, err
	}

	allowlist, err := buildIPSet(f.IPAllowlist)
	if err != nil {
		return nil, err
	}
	blocklist, err := buildIPSet(f.IPBlocklist)
	if err != nil {
		return nil, err
	}

	rpm := f.RateLimits.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	mode := strings.ToLower(strings.TrimSpace(f.WAFSettings.Mode))
	if mode == "" {
		mode = "block"
	}
	if mode != "block" && mode != "monitor" {
		return nil, waferrors.New(waferrors.ConfigFatal, "config.Build", fmt.Errorf("invalid waf mode %q", f.WAFSettings.Mode))
	}
	maxInspect := f.WAFSettings.MaxInspectBytes
	if maxInspect <= 0 {
		maxInspect = 10000
	}

	return &waftypes.Snapshot{
		Upstreams:    upstreams,
		Rules:        compiled,
		Thresholds:   thresholds,
		TrustedPeers: trusted,
		IPAllowlist:  allowlist,
		IPBlocklist:  blocklist,
		RateLimitRPM: rpm,
		ProxySettings: waftypes.ProxySettings{
			RequestTimeout:  secondsOrDefault(f.ProxySettings.RequestTimeoutSeconds, 30*time.Second),
			MaxConns:        defaultInt(f.ProxySettings.MaxConns, 100),
			MaxKeepalive:    defaultInt(f.ProxySettings.MaxKeepalive, 20),
			KeepaliveExpiry: secondsOrDefault(f.ProxySettings.KeepaliveExpirySecs, 5*time.Second),
		},
		WAFSettings: waftypes.WAFSettings{
			Mode:            mode,
			MaxInspectBytes: maxInspect,
		},
		Penalty: waftypes.PenaltyConfig{
			Threshold: f.PenaltyBox.Threshold,
			Window:    secondsOrDefault(f.PenaltyBox.WindowSeconds, 0),
			BanFor:    secondsOrDefault(f.PenaltyBox.BanForSeconds, 0),
		},
	}, nil
}

func buildUpstreams(files []UpstreamFile) ([]waftypes.Upstream, error) {
	out := make([]waftypes.Upstream, 0, len(files))
	seen := map[string]struct{}{}
	for _, u := range files {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return nil, waferrors.New(waferrors.ConfigFatal, "config.buildUpstreams", fmt.Errorf("upstream has empty name"))
		}
		if _, dup := seen[name]; dup {
			return nil, waferrors.New(waferrors.ConfigFatal, "config.buildUpstreams", fmt.Errorf("duplicate upstream name %q", name))
		}
		seen[name] = struct{}{}

		weight := u.Weight
		if weight <= 0 {
			weight = 1
		}
		var hosts map[string]struct{}
		if len(u.Hosts) > 0 {
			hosts = make(map[string]struct{}, len(u.Hosts))
			for _, h := range u.Hosts {
				hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
			}
		}
		out = append(out, waftypes.Upstream{
			Name:         name,
			BaseURL:      u.BaseURL,
			Weight:       weight,
			Hosts:        hosts,
			PathPrefixes: append([]string(nil), u.PathPrefixes...),
		})
	}
	return out, nil
}

func buildPrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, waferrors.New(waferrors.ConfigFatal, "config.buildPrefixes", fmt.Errorf("invalid CIDR %q: %w", c, err))
		}
		out = append(out, p)
	}
	return out, nil
}

func buildIPSet(entries []string) (map[string]struct{}, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[strings.TrimSpace(e)] = struct{}{}
	}
	return out, nil
}

func secondsOrDefault(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
