package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/pkg/types"
)

func newTestSizer() *Sizer {
	return New(zap.NewNop(), config.Default())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestKellyFraction(t *testing.T) {
	// f = (p*b - (1-p)) / b with p=0.6, b=2: (1.2 - 0.4) / 2 = 0.4
	f := kellyFraction(d("0.6"), d("2"))
	assert.True(t, f.Equal(d("0.4")), "got %s", f)
}

func TestKellyFractionZeroPayoff(t *testing.T) {
	f := kellyFraction(d("0.6"), decimal.Zero)
	assert.True(t, f.IsZero())
}

func TestKellyClampedToCeiling(t *testing.T) {
	// Raw Kelly 0.4 clamps to the 0.25 ceiling, then x0.25 factor.
	res := newTestSizer().Size(Request{
		Strategy:     types.StrategyLT112,
		WinRate:      d("0.6"),
		WinLossRatio: d("2"),
		AccountValue: d("100000"),
	})
	assert.True(t, res.KellyFraction.Equal(d("0.25")))
	assert.True(t, res.Conservative.Equal(d("0.0625")))
}

func TestNegativeEdgeClampsToFloor(t *testing.T) {
	res := newTestSizer().Size(Request{
		Strategy:     types.StrategyLT112,
		WinRate:      d("0.3"),
		WinLossRatio: d("1"),
		AccountValue: d("100000"),
	})
	assert.True(t, res.KellyFraction.Equal(d("0.01")))
	// (100000/10000) * 0.01*0.25 = 0.025 -> floor 0 -> clamped to 1
	assert.Equal(t, 1, res.Contracts)
}

func TestVIXMultiplierShrinksSize(t *testing.T) {
	s := newTestSizer()
	base := s.Size(Request{
		Strategy: types.StrategyIPMCC, WinRate: d("0.8"), WinLossRatio: d("2"),
		AccountValue: d("400000"),
	})
	halved := s.Size(Request{
		Strategy: types.StrategyIPMCC, WinRate: d("0.8"), WinLossRatio: d("2"),
		AccountValue: d("400000"), SizeMultiplier: d("0.5"),
	})
	assert.Less(t, halved.Contracts, base.Contracts)
}

func TestStrategyHardCap(t *testing.T) {
	// FuturesStrangle caps at 3 regardless of account size.
	res := newTestSizer().Size(Request{
		Strategy: types.StrategyFuturesStrangle, WinRate: d("0.9"), WinLossRatio: d("3"),
		AccountValue: d("2000000"),
	})
	assert.Equal(t, 3, res.Contracts)
	assert.Equal(t, "strategy_cap", res.LimitingFactor)
}

func TestAccountTierCap(t *testing.T) {
	// A 60k account sits in the 40k-75k tier, capped at 5.
	res := newTestSizer().Size(Request{
		Strategy: types.StrategyIPMCC, WinRate: d("0.9"), WinLossRatio: d("3"),
		AccountValue: d("60000"),
	})
	assert.LessOrEqual(t, res.Contracts, 5)
}

func TestFloorOneContract(t *testing.T) {
	res := newTestSizer().Size(Request{
		Strategy: types.Strategy0DTE, WinRate: d("0.5"), WinLossRatio: d("1"),
		AccountValue: d("5000"),
	})
	assert.Equal(t, 1, res.Contracts)
}
