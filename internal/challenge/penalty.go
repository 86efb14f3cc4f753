// Package challenge implements the IP penalty box: an escalating
// temporary ban layered above the rate limiter, keyed by client IP.
//
// Adapted from the teacher's internal/limits.PenaltyBox (threshold,
// window, and banFor bookkeeping, renamed to this package's vocabulary).
// The teacher also has an internal/challenge.RiskTracker with its own
// per-request heuristic scoring (missing User-Agent/Accept headers,
// repeated 4xx responses); that scoring model is not used here — see
// DESIGN.md for why. The teacher's HMAC clearance-cookie and HTML
// CAPTCHA interstitial (challenge.Manager in the original) have no
// counterpart in the WAF's ALLOW/SUSPICIOUS/BLOCK verdict space and were
// dropped too; see DESIGN.md. What this package does is the
// violation-count/ban bookkeeping, repurposed as a gate an IP reaches
// only after the allow-list and block-list checks: an IP that
// repeatedly trips the rate limiter earns an escalating temporary ban.
package challenge

import (
	"sync"
	"time"
)

type entry struct {
	violations int
	windowFrom time.Time
	bannedTill time.Time
}

// PenaltyBox tracks rate-limit-violation counts per IP and escalates to
// a temporary ban after Threshold violations within Window.
type PenaltyBox struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	window    time.Duration
	banFor    time.Duration
	now       func() time.Time
}

// New builds a PenaltyBox. A threshold, window, or banFor of zero
// disables the box entirely (IsBanned always reports false).
func New(threshold int, window, banFor time.Duration) *PenaltyBox {
	return &PenaltyBox{
		entries:   map[string]*entry{},
		threshold: threshold,
		window:    window,
		banFor:    banFor,
		now:       time.Now,
	}
}

func (pb *PenaltyBox) enabled() bool {
	return pb != nil && pb.threshold > 0 && pb.window > 0 && pb.banFor > 0
}

// IsBanned reports whether ip is currently under an active ban.
func (pb *PenaltyBox) IsBanned(ip string) (bool, time.Time) {
	if !pb.enabled() {
		return false, time.Time{}
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	e := pb.entries[ip]
	if e == nil || pb.now().After(e.bannedTill) {
		return false, time.Time{}
	}
	return true, e.bannedTill
}

// RegisterViolation records a rate-limit violation for ip. It returns
// (true, until) if this violation triggered a ban, or if ip is already
// under an active ban (that ban's expiry is returned unchanged; it is
// not extended).
func (pb *PenaltyBox) RegisterViolation(ip string) (banned bool, until time.Time) {
	if !pb.enabled() {
		return false, time.Time{}
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()

	now := pb.now()
	e := pb.entries[ip]
	if e == nil {
		e = &entry{windowFrom: now}
		pb.entries[ip] = e
	}
	if now.Before(e.bannedTill) {
		return true, e.bannedTill
	}
	if now.Sub(e.windowFrom) > pb.window {
		e.windowFrom = now
		e.violations = 0
	}
	e.violations++
	if e.violations >= pb.threshold {
		e.bannedTill = now.Add(pb.banFor)
		e.violations = 0
		e.windowFrom = now
		return true, e.bannedTill
	}
	return false, time.Time{}
}

// Cleanup removes entries that are neither banned nor inside an active
// violation window, bounding memory growth.
func (pb *PenaltyBox) Cleanup() {
	if !pb.enabled() {
		return
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	now := pb.now()
	for ip, e := range pb.entries {
		if now.After(e.bannedTill) && now.Sub(e.windowFrom) > pb.window*2 {
			delete(pb.entries, ip)
		}
	}
}
