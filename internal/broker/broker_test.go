package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/pkg/types"
)

func newTestAdapter() *PaperAdapter {
	return NewPaperAdapter(zap.NewNop(), DefaultPaperConfig())
}

func testInstrument(key string) types.Instrument {
	return types.Instrument{Key: key, Kind: types.InstrumentEquityOption, Underlying: "SPY",
		Multiplier: decimal.NewFromInt(100)}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMarketOrderFillsAtQuote(t *testing.T) {
	a := newTestAdapter()
	a.SetQuote("SPY_C500", types.Quote{Bid: d("1.00"), Ask: d("1.20")})

	id, err := a.PlaceMarket(context.Background(), testInstrument("SPY_C500"), 2)
	require.NoError(t, err)

	st, err := a.QueryOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, st.State)
	assert.True(t, st.AvgPrice.Equal(d("1.20")), "buys lift the ask")
	assert.Equal(t, 2, st.FilledQty)
}

func TestSellFillsAtBid(t *testing.T) {
	a := newTestAdapter()
	a.SetQuote("SPY_C500", types.Quote{Bid: d("1.00"), Ask: d("1.20")})

	id, err := a.PlaceMarket(context.Background(), testInstrument("SPY_C500"), -1)
	require.NoError(t, err)

	st, _ := a.QueryOrder(context.Background(), id)
	assert.True(t, st.AvgPrice.Equal(d("1.00")))
}

func TestMarketableLimitFillsImmediately(t *testing.T) {
	a := newTestAdapter()
	a.SetQuote("SPY_C500", types.Quote{Bid: d("1.00"), Ask: d("1.20")})

	id, err := a.PlaceLimit(context.Background(), testInstrument("SPY_C500"), 1, d("1.25"))
	require.NoError(t, err)

	st, _ := a.QueryOrder(context.Background(), id)
	assert.Equal(t, StateFilled, st.State)
}

func TestRestingLimitFillsOnTick(t *testing.T) {
	a := newTestAdapter()
	a.SetQuote("SPY_C500", types.Quote{Bid: d("1.00"), Ask: d("1.20")})

	id, err := a.PlaceLimit(context.Background(), testInstrument("SPY_C500"), 1, d("1.10"))
	require.NoError(t, err)

	st, _ := a.QueryOrder(context.Background(), id)
	require.Equal(t, StateSubmitted, st.State)

	// The market comes to the order.
	a.SetQuote("SPY_C500", types.Quote{Bid: d("0.95"), Ask: d("1.08")})
	a.Tick()

	st, _ = a.QueryOrder(context.Background(), id)
	assert.Equal(t, StateFilled, st.State)
	assert.True(t, st.AvgPrice.Equal(d("1.10")))
}

func TestCancelRestingOrder(t *testing.T) {
	a := newTestAdapter()
	a.SetQuote("SPY_C500", types.Quote{Bid: d("1.00"), Ask: d("1.20")})

	id, err := a.PlaceLimit(context.Background(), testInstrument("SPY_C500"), 1, d("0.80"))
	require.NoError(t, err)
	require.NoError(t, a.Cancel(context.Background(), id))

	st, _ := a.QueryOrder(context.Background(), id)
	assert.Equal(t, StateCanceled, st.State)
}

func TestCancelFilledOrderIsNoOp(t *testing.T) {
	a := newTestAdapter()
	a.SetQuote("SPY_C500", types.Quote{Bid: d("1.00"), Ask: d("1.20")})

	id, err := a.PlaceMarket(context.Background(), testInstrument("SPY_C500"), 1)
	require.NoError(t, err)
	require.NoError(t, a.Cancel(context.Background(), id))

	st, _ := a.QueryOrder(context.Background(), id)
	assert.Equal(t, StateFilled, st.State)
}

func TestFillEventsEmitted(t *testing.T) {
	a := newTestAdapter()
	a.SetQuote("SPY_C500", types.Quote{Bid: d("1.00"), Ask: d("1.20")})

	_, err := a.PlaceMarket(context.Background(), testInstrument("SPY_C500"), 1)
	require.NoError(t, err)

	select {
	case ev := <-a.Fills():
		assert.Equal(t, 1, ev.Qty)
		assert.True(t, ev.Price.Equal(d("1.20")))
	default:
		t.Fatal("expected a fill event")
	}
}

func TestUnknownOrderQuery(t *testing.T) {
	a := newTestAdapter()
	_, err := a.QueryOrder(context.Background(), "nope")
	assert.Error(t, err)
}
