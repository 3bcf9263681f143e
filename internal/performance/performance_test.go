package performance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestTracker() *Tracker {
	return New(zap.NewNop())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func entry(pnl string) Entry {
	v := d(pnl)
	return Entry{At: time.Now(), Strategy: "0DTE", PnL: v, Win: v.IsPositive()}
}

func TestCumulativeAndWinRate(t *testing.T) {
	tr := newTestTracker()
	tr.Record(entry("100"))
	tr.Record(entry("-50"))
	tr.Record(entry("200"))

	assert.True(t, tr.Cumulative().Equal(d("250")))
	assert.True(t, tr.WinRate().Round(4).Equal(d("0.6667")))
}

func TestOverflowGuardClamps(t *testing.T) {
	tr := newTestTracker()
	tr.Record(entry("999999999"))
	tr.Record(entry("999999999"))

	assert.True(t, tr.Cumulative().Abs().LessThan(d("1000000000")))
}

func TestHistoryBounded(t *testing.T) {
	tr := newTestTracker()
	for i := 0; i < maxHistory+50; i++ {
		tr.Record(entry("1"))
	}
	assert.LessOrEqual(t, len(tr.History()), maxHistory)
}

func TestWinLossRatio(t *testing.T) {
	tr := newTestTracker()
	tr.Record(entry("300"))
	tr.Record(entry("-100"))

	assert.True(t, tr.WinLossRatio().Equal(d("3")))
}

func TestWinLossRatioFallsBackWithoutHistory(t *testing.T) {
	tr := newTestTracker()
	assert.True(t, tr.WinLossRatio().Equal(decimal.NewFromInt(1)))

	tr.Record(entry("100"))
	// Only wins, no losses: still the fallback.
	assert.True(t, tr.WinLossRatio().Equal(decimal.NewFromInt(1)))
}

func TestSeedRestoresState(t *testing.T) {
	tr := newTestTracker()
	tr.Seed(d("5000"), []Entry{entry("100"), entry("-20")})

	assert.True(t, tr.Cumulative().Equal(d("5000")))
	snap := tr.Snapshot()
	assert.Equal(t, 2, snap.Trades)
	assert.Equal(t, 1, snap.Wins)
}
