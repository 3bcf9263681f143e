// Package correlation implements the Correlation / Concentration
// Limiter: underlying->group mapping, phase-dependent caps, VIX-regime
// cap decrement, the combined A1+A2 equity cap (the August 2024
// lesson), and emergency-token bypass.
package correlation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Decision is the result of a can_add query.
type Decision struct {
	Allowed bool
	Reason  string
	Current int
	Cap     int
}

// Limiter tracks open-position counts per correlation group and enforces
// the phase/VIX-regime-dependent caps.
type Limiter struct {
	log *zap.Logger
	c   *config.Constants

	mu     sync.RWMutex
	counts map[types.CorrelationGroupTag]int

	// usedTokens records emergency bypass tokens already consumed, so a
	// token can authorize exactly one bypass.
	usedTokens map[string]bool
}

func New(log *zap.Logger, c *config.Constants) *Limiter {
	return &Limiter{
		log:        log.Named("correlation-limiter"),
		c:          c,
		counts:     make(map[types.CorrelationGroupTag]int),
		usedTokens: make(map[string]bool),
	}
}

// groupCap returns the per-group cap for a phase, linearly stepping
// between GroupCap.Phase1 and GroupCap.Phase4, then decrementing by 1
// (floored at 1) when the VIX regime is more severe than ELEVATED.
func (l *Limiter) groupCap(phase types.AccountPhase, regime types.VIXRegime) int {
	span := l.c.GroupCap.Phase4 - l.c.GroupCap.Phase1
	step := 0
	if span > 0 {
		step = span * (int(phase) - 1) / 3
	}
	cap := l.c.GroupCap.Phase1 + step

	if severerThanElevated(regime) {
		cap--
	}
	if cap < 1 {
		cap = 1
	}
	return cap
}

func severerThanElevated(r types.VIXRegime) bool {
	switch r {
	case types.RegimeHigh, types.RegimeExtreme, types.RegimeCrisis, types.RegimeHistoric:
		return true
	default:
		return false
	}
}

// CanAdd answers whether underlying can be added given phase and the
// current VIX regime. Unknown underlyings are denied by default.
func (l *Limiter) CanAdd(underlying string, phase types.AccountPhase, regime types.VIXRegime) Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()

	group, known := l.c.UnderlyingGroup[underlying]
	if !known {
		l.log.Warn("unknown underlying denied by default", zap.String("underlying", underlying))
		return Decision{Allowed: false, Reason: "unknown underlying"}
	}

	cap := l.groupCap(phase, regime)
	current := l.counts[group]

	if group == types.CorrGroupA1 || group == types.CorrGroupA2 {
		combined := l.counts[types.CorrGroupA1] + l.counts[types.CorrGroupA2]
		if combined >= l.c.CombinedA1A2Cap {
			return Decision{Allowed: false, Reason: "Total equity exposure at limit", Current: combined, Cap: l.c.CombinedA1A2Cap}
		}
	}

	if current >= cap {
		return Decision{Allowed: false, Reason: "correlation group at capacity", Current: current, Cap: cap}
	}
	return Decision{Allowed: true, Current: current, Cap: cap}
}

// Add records a new open position in underlying's group. The engine calls
// it once CanAdd returned Allowed and the entry is placed; Remove releases
// the slot when the entry rolls back or the position closes.
func (l *Limiter) Add(underlying string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if group, known := l.c.UnderlyingGroup[underlying]; known {
		l.counts[group]++
	}
}

// Remove reverses Add when a position closes.
func (l *Limiter) Remove(underlying string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if group, known := l.c.UnderlyingGroup[underlying]; known && l.counts[group] > 0 {
		l.counts[group]--
	}
}

// GroupOf exposes the underlying->group mapping for callers that need it
// (e.g. the defensive-exit "weakest position in the breached group"
// selection).
func (l *Limiter) GroupOf(underlying string) (types.CorrelationGroupTag, bool) {
	g, ok := l.c.UnderlyingGroup[underlying]
	return g, ok
}

// Bypass attempts an emergency override of the cap for one entry. Any
// bypass attempt — successful or not — records an audit entry (via the
// caller's RiskEvent emission); a token is consumed on first use and
// denies all subsequent uses: two sequential bypass attempts with the
// same token yield one success and one denial.
func (l *Limiter) Bypass(token string) (ok bool, reason string) {
	if token == "" {
		return false, "no emergency token presented"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.usedTokens[token] {
		return false, "emergency token already consumed"
	}
	l.usedTokens[token] = true
	return true, "emergency token consumed"
}

// Snapshot returns the current per-group counts for status reporting.
func (l *Limiter) Snapshot() map[types.CorrelationGroupTag]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[types.CorrelationGroupTag]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}
