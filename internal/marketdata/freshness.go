package marketdata

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/errs"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Datum identifies a freshness-tiered quantity.
type Datum string

const (
	DatumUnderlyingPrice Datum = "underlying_price"
	DatumBidAsk          Datum = "bid_ask"
	DatumOptionChain     Datum = "option_chain"
	DatumGreeks          Datum = "greeks"
	DatumIV              Datum = "iv"
	DatumVIX             Datum = "vix"
)

func maxAge(c *config.Constants, d Datum) time.Duration {
	switch d {
	case DatumUnderlyingPrice:
		return c.Freshness.UnderlyingPrice
	case DatumBidAsk:
		return c.Freshness.BidAsk
	case DatumOptionChain:
		return c.Freshness.OptionChain
	case DatumGreeks:
		return c.Freshness.Greeks
	case DatumIV:
		return c.Freshness.IV
	case DatumVIX:
		return 5 * time.Second
	default:
		return 0
	}
}

// CheckFreshness applies the fail-fast staleness policy: during trading hours
// a value exceeding its tier is a denial, not a defaulted value. Outside
// trading hours a cached value up to OutsideHoursCap passes; this check
// does not distinguish reporting reads from entry approvals.
func CheckFreshness(c *config.Constants, d Datum, updatedAt, now time.Time) error {
	age := now.Sub(updatedAt)
	if age < 0 {
		age = 0
	}
	tier := maxAge(c, d)

	if TradingHours(now) {
		if age > tier {
			return &errs.ValidationError{Component: "marketdata", Reason: string(d) + " stale"}
		}
		return nil
	}

	if age > c.Freshness.OutsideHoursCap {
		return &errs.ValidationError{Component: "marketdata", Reason: string(d) + " stale beyond outside-hours cap"}
	}
	return nil
}

// StaleTracker counts consecutive stale reads per underlying and emits a
// CRITICAL event plus a manual-mode trigger after three in a row.
type StaleTracker struct {
	mu       sync.Mutex
	log      *zap.Logger
	counts   map[string]int
	OnThreeStrikes func(underlying string)
}

func NewStaleTracker(log *zap.Logger) *StaleTracker {
	return &StaleTracker{log: log.Named("stale-tracker"), counts: make(map[string]int)}
}

// Record marks a read for underlying as stale or fresh, returning the
// RiskEvent to emit when a stale read occurs (nil when fresh).
func (t *StaleTracker) Record(underlying string, stale bool, now time.Time) *types.RiskEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !stale {
		t.counts[underlying] = 0
		return nil
	}

	t.counts[underlying]++
	ev := &types.RiskEvent{
		Kind: "data_stale", Level: types.RiskCritical, Timestamp: now,
		Message: "stale market data read for " + underlying,
		Payload: map[string]interface{}{"underlying": underlying, "consecutive": t.counts[underlying]},
	}

	if t.counts[underlying] >= 3 {
		t.log.Error("three consecutive stale reads, activating manual mode", zap.String("underlying", underlying))
		if t.OnThreeStrikes != nil {
			t.OnThreeStrikes(underlying)
		}
		t.counts[underlying] = 0
	}
	return ev
}

// ChainFresh reports whether an OptionChain snapshot is fresh: chain
// age within its tier and bid/ask age within its own, under the
// trading-hours policy.
func ChainFresh(c *config.Constants, chain types.OptionChain, now time.Time) bool {
	if err := CheckFreshness(c, DatumOptionChain, chain.SnapshotAt, now); err != nil {
		return false
	}
	if err := CheckFreshness(c, DatumBidAsk, chain.QuotesAt, now); err != nil {
		return false
	}
	return true
}
