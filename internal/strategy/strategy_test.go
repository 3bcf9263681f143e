package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// buildChain synthesizes a dense option chain around spot with plausible
// premiums, IV, and deltas so the strike/delta selectors have targets.
func buildChain(underlying string, spot decimal.Decimal, expiry, at time.Time) types.OptionChain {
	chain := types.OptionChain{
		Underlying: underlying,
		Expiry:     expiry,
		SnapshotAt: at,
		QuotesAt:   at,
	}

	spotF, _ := spot.Float64()
	for pct := -30; pct <= 30; pct++ {
		strike := spotF * (1 + float64(pct)/100)
		dist := float64(pct) / 100

		callDelta := 0.5 - dist*4
		if callDelta < 0.02 {
			callDelta = 0.02
		}
		if callDelta > 0.98 {
			callDelta = 0.98
		}
		putDelta := callDelta - 1

		callPremium := spotF * 0.02 * callDelta / 0.5
		putPremium := spotF * 0.02 * (-putDelta) / 0.5

		chain.Contracts = append(chain.Contracts,
			types.OptionContract{
				Instrument: types.Instrument{
					Key: fmt.Sprintf("%s_C%.0f", underlying, strike), Kind: types.InstrumentEquityOption,
					Underlying: underlying, Expiry: expiry, Strike: decimal.NewFromFloat(strike).Round(2),
					Right: types.RightCall, Multiplier: decimal.NewFromInt(100),
				},
				Bid: decimal.NewFromFloat(callPremium * 0.95).Round(2),
				Ask: decimal.NewFromFloat(callPremium * 1.05).Round(2),
				Greeks: &types.Greeks{
					Delta: decimal.NewFromFloat(callDelta).Round(4),
					IV:    d("0.20"),
				},
			},
			types.OptionContract{
				Instrument: types.Instrument{
					Key: fmt.Sprintf("%s_P%.0f", underlying, strike), Kind: types.InstrumentEquityOption,
					Underlying: underlying, Expiry: expiry, Strike: decimal.NewFromFloat(strike).Round(2),
					Right: types.RightPut, Multiplier: decimal.NewFromInt(100),
				},
				Bid: decimal.NewFromFloat(putPremium * 0.95).Round(2),
				Ask: decimal.NewFromFloat(putPremium * 1.05).Round(2),
				Greeks: &types.Greeks{
					Delta: decimal.NewFromFloat(putDelta).Round(4),
					IV:    d("0.20"),
				},
			},
		)
	}
	return chain
}

func barAt(ts time.Time, underlying string, spot, vix decimal.Decimal, expiry time.Time) types.Bar {
	return types.Bar{
		Timestamp: ts,
		VIX:       vix,
		VIXAt:     ts,
		Prices: map[string]types.Quote{
			underlying: {Price: spot, Bid: spot.Sub(d("0.05")), Ask: spot.Add(d("0.05")), Timestamp: ts},
		},
		Chains: map[string]types.OptionChain{
			underlying: buildChain(underlying, spot, expiry, ts),
		},
	}
}

var (
	friday1030    = time.Date(2026, 3, 6, 10, 30, 0, 0, marketdata.ET)
	wednesday1000 = time.Date(2026, 3, 4, 10, 0, 0, 0, marketdata.ET)
	thursday1015  = time.Date(2026, 3, 5, 10, 15, 0, 0, marketdata.ET)
	monday1030    = time.Date(2026, 3, 2, 10, 30, 0, 0, marketdata.ET)
)

func TestZeroDTEProposesIronCondor(t *testing.T) {
	bar := barAt(friday1030, "SPY", d("500"), d("24"), friday1030)

	p, ok := NewZeroDTE().Propose(bar, "SPY", nil, config.Default())
	require.True(t, ok)
	require.Len(t, p.Legs, 4)

	shorts, longs := 0, 0
	for _, leg := range p.Legs {
		if leg.Quantity < 0 {
			shorts++
		} else {
			longs++
		}
	}
	assert.Equal(t, 2, shorts)
	assert.Equal(t, 2, longs)
	assert.True(t, p.CreditEstimate.GreaterThan(d("0.10")), "credit %s", p.CreditEstimate)
}

func TestZeroDTERequiresFridayAfter1030(t *testing.T) {
	c := config.Default()
	z := NewZeroDTE()

	early := barAt(time.Date(2026, 3, 6, 10, 0, 0, 0, marketdata.ET), "SPY", d("500"), d("24"), friday1030)
	_, ok := z.Propose(early, "SPY", nil, c)
	assert.False(t, ok)

	thursday := barAt(thursday1015, "SPY", d("500"), d("24"), thursday1015)
	_, ok = z.Propose(thursday, "SPY", nil, c)
	assert.False(t, ok)
}

func TestZeroDTERequiresVIXAbove22(t *testing.T) {
	bar := barAt(friday1030, "SPY", d("500"), d("18"), friday1030)
	_, ok := NewZeroDTE().Propose(bar, "SPY", nil, config.Default())
	assert.False(t, ok)
}

func TestLT112ProposesOnFirstWednesday(t *testing.T) {
	expiry := wednesday1000.AddDate(0, 0, 120)
	bar := barAt(wednesday1000, "SPY", d("500"), d("20"), expiry)

	p, ok := NewLT112().Propose(bar, "SPY", nil, config.Default())
	require.True(t, ok)
	require.Len(t, p.Legs, 4)

	// Two naked short puts plus a long/short debit spread.
	assert.Equal(t, [2]int{0, 2}, p.SubPositionTags["naked_puts"])
	assert.Equal(t, [2]int{2, 4}, p.SubPositionTags["debit_spread"])
	for _, leg := range p.Legs[:2] {
		assert.Negative(t, leg.Quantity)
		assert.Equal(t, types.RightPut, leg.Instrument.Right)
	}
}

func TestLT112SkipsLaterWednesdays(t *testing.T) {
	// March 11 2026 is the second Wednesday.
	later := time.Date(2026, 3, 11, 10, 0, 0, 0, marketdata.ET)
	bar := barAt(later, "SPY", d("500"), d("20"), later.AddDate(0, 0, 120))
	_, ok := NewLT112().Propose(bar, "SPY", nil, config.Default())
	assert.False(t, ok)
}

func TestFuturesStranglePicksLowDeltaWings(t *testing.T) {
	expiry := thursday1015.AddDate(0, 0, 90)
	bar := barAt(thursday1015, "ES", d("5000"), d("20"), expiry)

	p, ok := NewFuturesStrangle().Propose(bar, "ES", nil, config.Default())
	require.True(t, ok)
	require.Len(t, p.Legs, 2)
	for _, leg := range p.Legs {
		assert.Negative(t, leg.Quantity)
	}
	assert.True(t, p.CreditEstimate.IsPositive())
}

// TestIPMCCReentryAddsOnlyShortCall: with an active
// LEAP already on the book, the monthly schedule adds a one-leg group.
func TestIPMCCReentryAddsOnlyShortCall(t *testing.T) {
	firstTradingDay := time.Date(2026, 3, 2, 10, 30, 0, 0, marketdata.ET)
	expiry := firstTradingDay.AddDate(1, 1, 0)
	bar := barAt(firstTradingDay, "AAPL", d("200"), d("20"), expiry)

	existing := []*types.Position{{
		ID: "pos-leap", Strategy: types.StrategyIPMCC, Underlying: "AAPL",
		State: types.StateManaging,
	}}

	p, ok := NewIPMCC().Propose(bar, "AAPL", existing, config.Default())
	require.True(t, ok)
	require.Len(t, p.Legs, 1)
	assert.Negative(t, p.Legs[0].Quantity)
	assert.Equal(t, types.RightCall, p.Legs[0].Instrument.Right)
}

func TestIPMCCFullEntryWithoutLEAP(t *testing.T) {
	firstTradingDay := time.Date(2026, 3, 2, 10, 30, 0, 0, marketdata.ET)
	expiry := firstTradingDay.AddDate(1, 1, 0)
	bar := barAt(firstTradingDay, "AAPL", d("200"), d("20"), expiry)

	p, ok := NewIPMCC().Propose(bar, "AAPL", nil, config.Default())
	require.True(t, ok)
	require.Len(t, p.Legs, 2)
	assert.Positive(t, p.Legs[0].Quantity, "LEAP call is long")
	assert.Negative(t, p.Legs[1].Quantity, "weekly call is short")
	assert.True(t, p.CreditEstimate.IsNegative(), "IPMCC enters at a net debit")
}

func TestLEAPLadderBuysPutOnMonday(t *testing.T) {
	expiry := monday1030.AddDate(1, 6, 0)
	bar := barAt(monday1030, "SPY", d("500"), d("20"), expiry)

	p, ok := NewLEAPLadder().Propose(bar, "SPY", nil, config.Default())
	require.True(t, ok)
	require.Len(t, p.Legs, 1)
	assert.Positive(t, p.Legs[0].Quantity)
	assert.Equal(t, types.RightPut, p.Legs[0].Instrument.Right)
}

func TestLEAPLadderStopsBuildingAboveVIX40(t *testing.T) {
	expiry := monday1030.AddDate(1, 6, 0)
	bar := barAt(monday1030, "SPY", d("500"), d("45"), expiry)

	_, ok := NewLEAPLadder().Propose(bar, "SPY", nil, config.Default())
	assert.False(t, ok)
}

func TestRegistryHasAllFiveStrategies(t *testing.T) {
	r := NewRegistry()
	kinds := make(map[types.StrategyKind]bool)
	for _, c := range r.Controllers {
		kinds[c.Kind()] = true
	}
	assert.Len(t, kinds, 5)
}
