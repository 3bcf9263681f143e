package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/broker"
	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/events"
	"github.com/kingtrader/optionsengine/internal/fsm"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/internal/metrics"
	"github.com/kingtrader/optionsengine/internal/store"
	"github.com/kingtrader/optionsengine/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	eng   *Engine
	paper *broker.PaperAdapter
	bus   *events.Bus
	st    *store.Store
}

func newHarness(t *testing.T, startValue string) *harness {
	t.Helper()
	log := zap.NewNop()
	st, err := store.New(log, t.TempDir())
	require.NoError(t, err)

	bus := events.NewBus(log, events.Config{Workers: 1, BufferSize: 256})
	t.Cleanup(bus.Close)

	paper := broker.NewPaperAdapter(log, broker.DefaultPaperConfig())
	ec := &Context{
		Log:       log,
		Constants: config.Default(),
		Broker:    paper,
		Store:     st,
		Bus:       bus,
		Metrics:   metrics.New(),
		Blackout:  NoopBlackout{},
	}

	eng := New(ec, d(startValue))
	eng.PreBar = func(bar types.Bar) {
		for key, q := range bar.Prices {
			paper.SetQuote(key, q)
		}
		for _, chain := range bar.Chains {
			for _, oc := range chain.Contracts {
				paper.SetQuote(oc.Instrument.Key, types.Quote{
					Price: oc.Last, Bid: oc.Bid, Ask: oc.Ask, Timestamp: chain.QuotesAt,
				})
			}
		}
		paper.Tick()
	}
	eng.Start()

	return &harness{eng: eng, paper: paper, bus: bus, st: st}
}

// buildChain synthesizes a chain with zero-spread quotes so smart limit
// orders are immediately marketable against the paper adapter.
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

		callPremium := decimal.NewFromFloat(spotF * 0.02 * callDelta / 0.5).Round(2)
		putPremium := decimal.NewFromFloat(spotF * 0.02 * (-putDelta) / 0.5).Round(2)

		chain.Contracts = append(chain.Contracts,
			types.OptionContract{
				Instrument: types.Instrument{
					Key: fmt.Sprintf("%s_C%.0f", underlying, strike), Kind: types.InstrumentEquityOption,
					Underlying: underlying, Expiry: expiry, Strike: decimal.NewFromFloat(strike).Round(2),
					Right: types.RightCall, Multiplier: decimal.NewFromInt(100),
				},
				Bid: callPremium, Ask: callPremium, Last: callPremium,
				Greeks: &types.Greeks{Delta: decimal.NewFromFloat(callDelta).Round(4), IV: d("0.20")},
			},
			types.OptionContract{
				Instrument: types.Instrument{
					Key: fmt.Sprintf("%s_P%.0f", underlying, strike), Kind: types.InstrumentEquityOption,
					Underlying: underlying, Expiry: expiry, Strike: decimal.NewFromFloat(strike).Round(2),
					Right: types.RightPut, Multiplier: decimal.NewFromInt(100),
				},
				Bid: putPremium, Ask: putPremium, Last: putPremium,
				Greeks: &types.Greeks{Delta: decimal.NewFromFloat(putDelta).Round(4), IV: d("0.20")},
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
			underlying: {Price: spot, Bid: spot, Ask: spot, Timestamp: ts},
		},
		Chains: map[string]types.OptionChain{
			underlying: buildChain(underlying, spot, expiry, ts),
		},
	}
}

var friday1030 = time.Date(2026, 3, 6, 10, 30, 0, 0, marketdata.ET)

// TestGreenPathFriday0DTE, end to end: Friday 10:30 ET,
// VIX 24, 60k account. The 0DTE controller proposes a SPY iron condor,
// the risk manager approves, the atomic executor fills all four legs,
// and the FSM reaches POSITION_OPEN with a positive entry credit.
func TestGreenPathFriday0DTE(t *testing.T) {
	h := newHarness(t, "60000")
	ctx := context.Background()

	h.eng.OnBar(ctx, barAt(friday1030, "SPY", d("500"), d("24"), friday1030))

	// The entry group is in flight after the first bar.
	require.Len(t, h.eng.pendingEntries, 1)

	// The next bar's poll observes the fills.
	h.eng.OnBar(ctx, barAt(friday1030.Add(time.Minute), "SPY", d("500"), d("24"), friday1030))

	open := h.eng.Book().Open()
	require.Len(t, open, 1)
	p := open[0]
	assert.Equal(t, types.Strategy0DTE, p.Strategy)
	assert.Equal(t, "SPY", p.Underlying)
	assert.Len(t, p.Legs, 4)
	assert.True(t, p.EntryCredit.GreaterThan(d("10")), "total credit %s", p.EntryCredit)

	_, m, ok := h.eng.Book().Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatePositionOpen, m.State())

	// The correlation slot is reserved.
	assert.Equal(t, 1, h.eng.corr.Snapshot()[types.CorrGroupA1])
}

// TestDuplicateEntryBlockedByCorrelation: with the SPY condor open, the
// next Friday bar proposes again and the limiter denies the duplicate.
func TestDuplicateEntryBlockedByCorrelation(t *testing.T) {
	h := newHarness(t, "60000")
	ctx := context.Background()

	h.eng.OnBar(ctx, barAt(friday1030, "SPY", d("500"), d("24"), friday1030))
	h.eng.OnBar(ctx, barAt(friday1030.Add(time.Minute), "SPY", d("500"), d("24"), friday1030))
	require.Len(t, h.eng.Book().Open(), 1)

	h.eng.OnBar(ctx, barAt(friday1030.Add(2*time.Minute), "SPY", d("500"), d("24"), friday1030))
	assert.Len(t, h.eng.Book().Open(), 1)
	assert.Empty(t, h.eng.pendingEntries)
}

// seedPosition installs an already-open position directly in the book.
func seedPosition(h *harness, id string, kind types.StrategyKind, underlying string,
	group types.CorrelationGroupTag, legs []types.FilledLeg, entryCredit string) *types.Position {

	p := &types.Position{
		ID: id, Strategy: kind, Underlying: underlying, CorrelationGroup: group,
		EntryAt: friday1030, EntryCredit: d(entryCredit), CurrentValue: d(entryCredit),
		Legs: legs,
	}
	m := fsm.Restore(zap.NewNop(), id, types.StatePositionOpen)
	h.eng.Book().Add(p, m, d("10000"))
	h.eng.corr.Add(underlying)
	return p
}

func strangleLegs(underlying string, expiry time.Time) []types.FilledLeg {
	mk := func(key string, right types.Right, strike string) types.FilledLeg {
		return types.FilledLeg{
			Leg: types.Leg{
				Instrument: types.Instrument{
					Key: key, Kind: types.InstrumentEquityOption, Underlying: underlying,
					Expiry: expiry, Strike: d(strike), Right: right, Multiplier: decimal.NewFromInt(100),
				},
				Quantity: -1,
			},
			AvgFillPrice: d("2.00"),
			FilledAt:     friday1030,
		}
	}
	return []types.FilledLeg{
		mk(underlying+"_C555", types.RightCall, "555"),
		mk(underlying+"_P445", types.RightPut, "445"),
	}
}

// TestVIXCrisisExit: VIX jumps 20 -> 55 in one bar.
// Within that bar the strangle receives a close action as market flatten
// orders; the next bar's poll realizes the close. Manual mode trips on
// the halt threshold.
func TestVIXCrisisExit(t *testing.T) {
	h := newHarness(t, "60000")
	ctx := context.Background()

	expiry := friday1030.AddDate(0, 0, 60)
	seedPosition(h, "pos-strangle", types.StrategyFuturesStrangle, "SPY",
		types.CorrGroupA1, strangleLegs("SPY", expiry), "400")

	calm := barAt(friday1030, "SPY", d("500"), d("20"), expiry)
	h.eng.OnBar(ctx, calm)
	require.Len(t, h.eng.Book().Open(), 1)

	crisis := barAt(friday1030.Add(time.Minute), "SPY", d("480"), d("55"), expiry)
	h.eng.OnBar(ctx, crisis)

	// Exit signalled within the crisis bar.
	assert.Len(t, h.eng.pendingCloses, 1)
	assert.True(t, h.eng.manual.Active(), "VIX over 50 trips manual mode")

	settle := barAt(friday1030.Add(2*time.Minute), "SPY", d("480"), d("55"), expiry)
	h.eng.OnBar(ctx, settle)

	assert.Empty(t, h.eng.Book().Open())
	assert.Equal(t, 1, h.eng.perf.Snapshot().Trades)
	assert.Equal(t, 0, h.eng.corr.Snapshot()[types.CorrGroupA1])
}

// TestManualModeBlocksEntries: once manual mode is on, a perfectly good
// Friday 0DTE setup places nothing.
func TestManualModeBlocksEntries(t *testing.T) {
	h := newHarness(t, "60000")
	ctx := context.Background()

	h.eng.EnterManualMode("operator hold")
	h.eng.OnBar(ctx, barAt(friday1030, "SPY", d("500"), d("24"), friday1030))

	assert.Empty(t, h.eng.pendingEntries)
	assert.Empty(t, h.eng.Book().Open())
}

func TestPauseStopsBarProcessing(t *testing.T) {
	h := newHarness(t, "60000")
	ctx := context.Background()

	h.eng.Pause()
	h.eng.OnBar(ctx, barAt(friday1030, "SPY", d("500"), d("24"), friday1030))
	assert.Empty(t, h.eng.pendingEntries)

	h.eng.Resume()
	h.eng.OnBar(ctx, barAt(friday1030.Add(time.Minute), "SPY", d("500"), d("24"), friday1030))
	assert.Len(t, h.eng.pendingEntries, 1)
}

func TestForceCloseAll(t *testing.T) {
	h := newHarness(t, "60000")
	ctx := context.Background()

	expiry := friday1030.AddDate(0, 0, 60)
	seedPosition(h, "pos-1", types.StrategyFuturesStrangle, "SPY",
		types.CorrGroupA1, strangleLegs("SPY", expiry), "400")

	calm := barAt(friday1030, "SPY", d("500"), d("20"), expiry)
	h.eng.OnBar(ctx, calm)

	h.eng.ForceCloseAll(ctx, "operator flatten", friday1030.Add(time.Minute))
	require.Len(t, h.eng.pendingCloses, 1)

	h.eng.OnBar(ctx, barAt(friday1030.Add(2*time.Minute), "SPY", d("500"), d("20"), expiry))
	assert.Empty(t, h.eng.Book().Open())
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, "60000")

	snap := h.eng.Status()
	assert.Equal(t, StateRunning, snap.State)
	assert.False(t, snap.ManualMode)
	assert.Equal(t, types.Phase2, snap.AccountPhase)
	assert.True(t, snap.PortfolioValue.Equal(d("60000")))
	assert.Empty(t, snap.Positions)
}

func TestAccountPhaseBoundaries(t *testing.T) {
	h := newHarness(t, "60000")

	assert.Equal(t, types.Phase1, h.eng.phaseFor(d("50000")))
	// Exactly at the boundary takes the lower phase.
	assert.Equal(t, types.Phase1, h.eng.phaseFor(d("51000")))
	assert.Equal(t, types.Phase2, h.eng.phaseFor(d("51001")))
	assert.Equal(t, types.Phase3, h.eng.phaseFor(d("80000")))
	assert.Equal(t, types.Phase4, h.eng.phaseFor(d("100000")))
}

// TestRestartRecoversPositions: positions persisted by one engine are
// visible to a fresh engine over the same store.
func TestRestartRecoversPositions(t *testing.T) {
	log := zap.NewNop()
	dir := t.TempDir()

	st1, err := store.New(log, dir)
	require.NoError(t, err)
	bus1 := events.NewBus(log, events.Config{Workers: 1, BufferSize: 64})
	defer bus1.Close()
	ec1 := &Context{Log: log, Constants: config.Default(),
		Broker: broker.NewPaperAdapter(log, broker.DefaultPaperConfig()),
		Store:  st1, Bus: bus1, Metrics: metrics.New(), Blackout: NoopBlackout{}}
	eng1 := New(ec1, d("60000"))
	eng1.Start()

	expiry := friday1030.AddDate(0, 0, 60)
	p := &types.Position{
		ID: "pos-restore", Strategy: types.StrategyFuturesStrangle, Underlying: "SPY",
		CorrelationGroup: types.CorrGroupA1, EntryCredit: d("400"), CurrentValue: d("400"),
		Legs: strangleLegs("SPY", expiry),
	}
	eng1.Book().Add(p, fsm.Restore(log, p.ID, types.StatePositionOpen), d("10000"))

	st2, err := store.New(log, dir)
	require.NoError(t, err)
	bus2 := events.NewBus(log, events.Config{Workers: 1, BufferSize: 64})
	defer bus2.Close()
	ec2 := &Context{Log: log, Constants: config.Default(),
		Broker: broker.NewPaperAdapter(log, broker.DefaultPaperConfig()),
		Store:  st2, Bus: bus2, Metrics: metrics.New(), Blackout: NoopBlackout{}}
	eng2 := New(ec2, d("60000"))
	require.NoError(t, eng2.Recover(context.Background()))

	open := eng2.Book().Open()
	require.Len(t, open, 1)
	assert.Equal(t, "pos-restore", open[0].ID)
	assert.Equal(t, 1, eng2.corr.Snapshot()[types.CorrGroupA1])
}
