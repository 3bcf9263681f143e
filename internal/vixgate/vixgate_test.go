package vixgate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/pkg/types"
)

func newTestGate() *Gate {
	return New(zap.NewNop(), config.Default())
}

// tradingTime is a weekday timestamp inside regular hours.
var tradingTime = time.Date(2026, 3, 6, 11, 0, 0, 0, marketdata.ET)

func evaluate(t *testing.T, vix string, phase types.AccountPhase) Reading {
	t.Helper()
	g := newTestGate()
	g.Update(decimal.RequireFromString(vix), tradingTime)
	r, err := g.Evaluate(phase, tradingTime)
	require.NoError(t, err)
	return r
}

func TestRegimeClassification(t *testing.T) {
	cases := []struct {
		vix    string
		regime types.VIXRegime
	}{
		{"10", types.RegimeExtremelyLow},
		{"12", types.RegimeExtremelyLow},
		{"14", types.RegimeLow},
		{"18", types.RegimeNormal},
		{"22", types.RegimeElevated},
		{"28", types.RegimeHigh},
		{"35", types.RegimeExtreme},
		{"45", types.RegimeCrisis},
		{"55", types.RegimeHistoric},
	}
	for _, tc := range cases {
		r := evaluate(t, tc.vix, types.Phase2)
		assert.Equal(t, tc.regime, r.Regime, "vix %s", tc.vix)
	}
}

func TestBoundaryUsesLowerRegime(t *testing.T) {
	// VIX exactly at a threshold belongs to the lower band.
	r := evaluate(t, "25", types.Phase1)
	assert.Equal(t, types.RegimeElevated, r.Regime)

	r = evaluate(t, "30", types.Phase1)
	assert.Equal(t, types.RegimeHigh, r.Regime)

	r = evaluate(t, "50", types.Phase1)
	assert.Equal(t, types.RegimeCrisis, r.Regime)
}

func TestBPCapsByPhase(t *testing.T) {
	r := evaluate(t, "18", types.Phase1)
	assert.True(t, r.MaxBP.Equal(decimal.RequireFromString("0.50")))

	r = evaluate(t, "18", types.Phase4)
	assert.True(t, r.MaxBP.Equal(decimal.RequireFromString("0.70")))

	r = evaluate(t, "55", types.Phase1)
	assert.True(t, r.MaxBP.Equal(decimal.RequireFromString("0.15")))
}

func TestEmergencyLevels(t *testing.T) {
	assert.Equal(t, EmergencyNone, evaluate(t, "40", types.Phase2).Emergency)
	assert.Equal(t, EmergencyConditions, evaluate(t, "41", types.Phase2).Emergency)
	assert.Equal(t, EmergencyHalt, evaluate(t, "51", types.Phase2).Emergency)
}

func TestSizeMultiplierInterpolation(t *testing.T) {
	// ELEVATED band spans 20-25 with a 1.0 -> 0.75 linear multiplier.
	atFloor := evaluate(t, "20.01", types.Phase2).SizeMultiplier
	atCeiling := evaluate(t, "25", types.Phase2).SizeMultiplier

	assert.True(t, atFloor.GreaterThan(decimal.RequireFromString("0.95")), "got %s", atFloor)
	assert.True(t, atCeiling.LessThanOrEqual(decimal.RequireFromString("0.75")), "got %s", atCeiling)
}

func TestZeroDTEEligibility(t *testing.T) {
	assert.Equal(t, config.ZeroDTENo, evaluate(t, "18", types.Phase2).ZeroDTEAllowed)
	assert.Equal(t, config.ZeroDTEYes, evaluate(t, "24", types.Phase2).ZeroDTEAllowed)
	assert.Equal(t, config.ZeroDTEEmergencyOnly, evaluate(t, "35", types.Phase2).ZeroDTEAllowed)
	assert.Equal(t, config.ZeroDTENo, evaluate(t, "45", types.Phase2).ZeroDTEAllowed)
}

func TestStaleVIXFailsFastDuringTradingHours(t *testing.T) {
	g := newTestGate()
	g.Update(decimal.NewFromInt(20), tradingTime.Add(-70*time.Second))

	_, err := g.Evaluate(types.Phase2, tradingTime)
	assert.Error(t, err)
}

func TestZeroVIXFailsFast(t *testing.T) {
	g := newTestGate()
	g.Update(decimal.Zero, tradingTime)

	_, err := g.Evaluate(types.Phase2, tradingTime)
	assert.Error(t, err)
}

func TestCachedVIXAcceptedOutsideTradingHours(t *testing.T) {
	g := newTestGate()
	evening := time.Date(2026, 3, 6, 19, 0, 0, 0, marketdata.ET)
	g.Update(decimal.NewFromInt(20), evening.Add(-10*time.Minute))

	r, err := g.Evaluate(types.Phase2, evening)
	require.NoError(t, err)
	assert.Equal(t, types.RegimeNormal, r.Regime)
}

func TestMarginMultiplierByRegime(t *testing.T) {
	assert.True(t, MarginMultiplier(types.RegimeNormal).Equal(decimal.NewFromInt(1)))
	assert.True(t, MarginMultiplier(types.RegimeExtreme).Equal(decimal.NewFromInt(2)))
	assert.True(t, MarginMultiplier(types.RegimeHistoric).Equal(decimal.NewFromInt(3)))
}
