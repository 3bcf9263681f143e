// Package vixgate implements the VIX Regime Gate: it turns a single
// scalar VIX level into a regime classification, buying-power caps, a
// position-size multiplier, and 0DTE eligibility.
package vixgate

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// EmergencyLevel surfaces the emergency-action thresholds.
type EmergencyLevel int

const (
	EmergencyNone EmergencyLevel = iota
	EmergencyConditions              // VIX > 40: block new premium-selling entries
	EmergencyHalt                     // VIX > 50: close vulnerable positions
)

// Reading is the gate's answer for a given VIX level and account phase.
type Reading struct {
	VIX            decimal.Decimal
	Regime         types.VIXRegime
	MaxBP          decimal.Decimal
	SizeMultiplier decimal.Decimal
	ZeroDTEAllowed config.ZeroDTEEligibility
	Emergency      EmergencyLevel
	Percentile     decimal.Decimal // telemetry only
	NextThreshold  decimal.Decimal // telemetry only
}

// Gate is a pure query surface over the Constants VIX table. It never
// closes positions itself.
type Gate struct {
	log *zap.Logger
	c   *config.Constants

	cachedAt  time.Time
	cachedVIX decimal.Decimal
}

func New(log *zap.Logger, c *config.Constants) *Gate {
	return &Gate{log: log.Named("vix-gate"), c: c}
}

// Update caches the latest VIX reading.
func (g *Gate) Update(vix decimal.Decimal, at time.Time) {
	g.cachedVIX = vix
	g.cachedAt = at
}

// Evaluate classifies the cached VIX level for the given account phase.
// Per the fail-fast policy, during trading hours a missing or zero
// VIX returns an error and callers must treat the answer as "deny";
// outside trading hours a cached value up to 15 minutes old is
// acceptable.
func (g *Gate) Evaluate(phase types.AccountPhase, now time.Time) (Reading, error) {
	if err := marketdata.CheckFreshness(g.c, marketdata.DatumVIX, g.cachedAt, now); err != nil {
		return Reading{}, err
	}
	if g.cachedVIX.IsZero() {
		return Reading{}, &staleVIXError{}
	}
	return g.evaluate(g.cachedVIX, phase), nil
}

type staleVIXError struct{}

func (e *staleVIXError) Error() string { return "vix stale or zero during trading hours" }

func (g *Gate) evaluate(vix decimal.Decimal, phase types.AccountPhase) Reading {
	bands := g.c.VIXBands
	idx := len(bands) - 1
	for i, b := range bands {
		// Boundary behaviors: VIX exactly at a threshold uses the
		// lower (inclusive) regime.
		if b.Ceiling.IsZero() && i == len(bands)-1 {
			idx = i
			break
		}
		if vix.LessThanOrEqual(b.Ceiling) {
			idx = i
			break
		}
	}
	band := bands[idx]

	r := Reading{
		VIX:            vix,
		Regime:         band.Regime,
		MaxBP:          band.BPCap[phase-1],
		ZeroDTEAllowed: band.ZeroDTE,
		Emergency:      emergencyLevel(vix),
	}
	r.SizeMultiplier = interpolateMultiplier(band, vix, bands, idx)
	r.Percentile = percentile(vix)
	r.NextThreshold = nextThreshold(vix, bands, idx)
	return r
}

// emergencyLevel maps the VIX level onto emergency actions: VIX > 40
// signals EMERGENCY_CONDITIONS, VIX > 50 signals HALT_TRADING.
func emergencyLevel(vix decimal.Decimal) EmergencyLevel {
	if vix.GreaterThan(decimal.NewFromInt(50)) {
		return EmergencyHalt
	}
	if vix.GreaterThan(decimal.NewFromInt(40)) {
		return EmergencyConditions
	}
	return EmergencyNone
}

// interpolateMultiplier linearly interpolates the size multiplier across
// a band's [min,max) range by the VIX's position within the band.
// Bands with a flat multiplier
// (min==max) return that constant.
func interpolateMultiplier(band config.VIXBand, vix decimal.Decimal, bands []config.VIXBand, idx int) decimal.Decimal {
	min, max := band.SizeMinMax[0], band.SizeMinMax[1]
	if min.Equal(max) {
		return min
	}

	floor := decimal.Zero
	if idx > 0 {
		floor = bands[idx-1].Ceiling
	}
	ceiling := band.Ceiling
	if ceiling.IsZero() {
		return max
	}

	span := ceiling.Sub(floor)
	if span.IsZero() {
		return min
	}
	frac := vix.Sub(floor).Div(span)
	if frac.LessThan(decimal.Zero) {
		frac = decimal.Zero
	}
	if frac.GreaterThan(decimal.NewFromInt(1)) {
		frac = decimal.NewFromInt(1)
	}
	// min at the band floor, trending to max at the band ceiling.
	return min.Add(max.Sub(min).Mul(frac))
}

// percentile is a coarse proxy for "how elevated is VIX historically",
// using the fixed band thresholds as a stand-in distribution since the
// engine has no rolling VIX history of its own. Telemetry only, never
// used in a gating decision.
func percentile(vix decimal.Decimal) decimal.Decimal {
	const histMax = 85.0 // approx. historical VIX ceiling (2008/2020 spikes)
	f, _ := vix.Float64()
	pct := f / histMax * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return decimal.NewFromFloat(pct).Round(1)
}

func nextThreshold(vix decimal.Decimal, bands []config.VIXBand, idx int) decimal.Decimal {
	if idx >= len(bands)-1 {
		return decimal.Zero
	}
	return bands[idx].Ceiling
}

// MarginMultiplier scales baseline margin requirements up as the regime
// worsens, consumed by the risk manager's margin-utilization defensive
// check. Brokers raise option margin in stressed markets; the engine
// models that coarsely per regime.
func MarginMultiplier(regime types.VIXRegime) decimal.Decimal {
	switch regime {
	case types.RegimeExtremelyLow, types.RegimeLow, types.RegimeNormal:
		return decimal.NewFromInt(1)
	case types.RegimeElevated:
		return decimal.NewFromFloat(1.25)
	case types.RegimeHigh:
		return decimal.NewFromFloat(1.5)
	case types.RegimeExtreme:
		return decimal.NewFromInt(2)
	default:
		return decimal.NewFromInt(3)
	}
}
