// Package strategy implements the five Strategy Controllers: 0DTE,
// LT112, FuturesStrangle, IPMCC, and LEAPLadder. Each is a stateless
// decision function: given the current bar, an underlying, and the
// caller's existing open positions for that underlying, it proposes a
// leg structure or declines.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Proposal is what a controller hands to the engine for sizing and
// atomic execution: a single-contract leg structure plus the entry
// credit (positive) or debit (negative) estimated per contract.
type Proposal struct {
	Strategy       types.StrategyKind
	Underlying     string
	Legs           []types.Leg
	CreditEstimate decimal.Decimal
	// SubPositionTags labels independently-managed slices of Legs by
	// index range, e.g. LT112's "naked_puts" vs "debit_spread".
	SubPositionTags map[string][2]int
}

// Controller is the shared surface every strategy implements.
type Controller interface {
	Kind() types.StrategyKind
	// Propose evaluates the schedule window, VIX eligibility, and
	// structure-specific entry conditions. It returns (nil, false) when
	// any gate fails; the engine never calls the risk manager for a
	// declined proposal.
	Propose(bar types.Bar, underlying string, existing []*types.Position, c *config.Constants) (*Proposal, bool)
}

func vixEligible(vix decimal.Decimal, sc config.StrategyConstants) bool {
	if !sc.MinVIX.IsZero() && vix.LessThan(sc.MinVIX) {
		return false
	}
	if !sc.MaxVIX.IsZero() && vix.GreaterThan(sc.MaxVIX) {
		return false
	}
	return true
}

// impliedDailyMove is the S*IV*factor 1-sigma move estimate used for
// 0DTE strike placement.
func impliedDailyMove(spot, iv, factor decimal.Decimal) decimal.Decimal {
	return spot.Mul(iv).Mul(factor)
}

// nearestContract returns the contract of the given right whose strike
// is closest to target.
func nearestContract(chain types.OptionChain, right types.Right, target decimal.Decimal) (types.OptionContract, bool) {
	var best types.OptionContract
	found := false
	bestDist := decimal.Decimal{}
	for _, oc := range chain.Contracts {
		if oc.Instrument.Right != right {
			continue
		}
		dist := oc.Instrument.Strike.Sub(target).Abs()
		if !found || dist.LessThan(bestDist) {
			best, bestDist, found = oc, dist, true
		}
	}
	return best, found
}

// nearestByDelta returns the contract of the given right whose absolute
// delta is closest to targetAbsDelta (greeks required).
func nearestByDelta(chain types.OptionChain, right types.Right, targetAbsDelta decimal.Decimal) (types.OptionContract, bool) {
	var best types.OptionContract
	found := false
	bestDist := decimal.Decimal{}
	for _, oc := range chain.Contracts {
		if oc.Instrument.Right != right || oc.Greeks == nil {
			continue
		}
		dist := oc.Greeks.Delta.Abs().Sub(targetAbsDelta).Abs()
		if !found || dist.LessThan(bestDist) {
			best, bestDist, found = oc, dist, true
		}
	}
	return best, found
}

// chainIV returns a representative annualized IV for a chain, using the
// nearest-to-spot call's IV as a single-number proxy; the engine has no
// vol-surface model.
func chainIV(chain types.OptionChain, spot decimal.Decimal) decimal.Decimal {
	c, ok := nearestContract(chain, types.RightCall, spot)
	if !ok || c.Greeks == nil {
		return decimal.Zero
	}
	return c.Greeks.IV
}

// ---------------------------------------------------------------------
// 0DTE: Friday >= 10:30 ET short iron condor, strikes at the implied
// 1-sigma daily move.
// ---------------------------------------------------------------------

type ZeroDTE struct {
	WingWidth decimal.Decimal // points between short and long strike
}

func NewZeroDTE() *ZeroDTE { return &ZeroDTE{WingWidth: decimal.NewFromInt(5)} }

func (z *ZeroDTE) Kind() types.StrategyKind { return types.Strategy0DTE }

func (z *ZeroDTE) Propose(bar types.Bar, underlying string, existing []*types.Position, c *config.Constants) (*Proposal, bool) {
	sc := c.Strategies[types.Strategy0DTE]
	if bar.Timestamp.Weekday() != time.Friday {
		return nil, false
	}
	if !marketdata.AfterHour(bar.Timestamp, 10, 30) {
		return nil, false
	}
	if !vixEligible(bar.VIX, sc) {
		return nil, false
	}

	chain, ok := bar.Chains[underlying]
	if !ok || len(chain.Contracts) == 0 {
		return nil, false
	}
	quote, ok := bar.Prices[underlying]
	if !ok || quote.Price.IsZero() {
		return nil, false
	}

	iv := chainIV(chain, quote.Price)
	if iv.IsZero() {
		return nil, false
	}
	move := impliedDailyMove(quote.Price, iv, c.ImpliedDailyMoveFactor)

	shortCall, ok := nearestContract(chain, types.RightCall, quote.Price.Add(move))
	if !ok {
		return nil, false
	}
	shortPut, ok := nearestContract(chain, types.RightPut, quote.Price.Sub(move))
	if !ok {
		return nil, false
	}
	longCall, ok := nearestContract(chain, types.RightCall, shortCall.Instrument.Strike.Add(z.WingWidth))
	if !ok {
		return nil, false
	}
	longPut, ok := nearestContract(chain, types.RightPut, shortPut.Instrument.Strike.Sub(z.WingWidth))
	if !ok {
		return nil, false
	}

	credit := shortCall.Mid().Add(shortPut.Mid()).Sub(longCall.Mid()).Sub(longPut.Mid())

	return &Proposal{
		Strategy:   types.Strategy0DTE,
		Underlying: underlying,
		Legs: []types.Leg{
			{Instrument: shortCall.Instrument, Quantity: -1},
			{Instrument: longCall.Instrument, Quantity: 1},
			{Instrument: shortPut.Instrument, Quantity: -1},
			{Instrument: longPut.Instrument, Quantity: 1},
		},
		CreditEstimate: credit,
	}, true
}

// ---------------------------------------------------------------------
// LT112: 1st Wednesday 10:00 ET. Short put @ 0.95*S, short put @ 0.90*S,
// plus a long debit put spread. Naked puts and the debit spread are
// tagged so the exit engine (via the engine's position manager) can
// manage them independently.
// ---------------------------------------------------------------------

type LT112 struct {
	SpreadWidth decimal.Decimal
}

func NewLT112() *LT112 { return &LT112{SpreadWidth: decimal.NewFromInt(10)} }

func (l *LT112) Kind() types.StrategyKind { return types.StrategyLT112 }

func (l *LT112) Propose(bar types.Bar, underlying string, existing []*types.Position, c *config.Constants) (*Proposal, bool) {
	sc := c.Strategies[types.StrategyLT112]
	t := bar.Timestamp
	// First Wednesday of the month: any Wednesday landing on day 1-7.
	if t.Weekday() != time.Wednesday || t.Day() > 7 {
		return nil, false
	}
	if !marketdata.AfterHour(t, 10, 0) {
		return nil, false
	}
	if !vixEligible(bar.VIX, sc) {
		return nil, false
	}

	chain, ok := bar.Chains[underlying]
	if !ok {
		return nil, false
	}
	quote, ok := bar.Prices[underlying]
	if !ok || quote.Price.IsZero() {
		return nil, false
	}

	nakedStrike1 := quote.Price.Mul(decimal.NewFromFloat(0.95))
	nakedStrike2 := quote.Price.Mul(decimal.NewFromFloat(0.90))

	naked1, ok := nearestContract(chain, types.RightPut, nakedStrike1)
	if !ok {
		return nil, false
	}
	naked2, ok := nearestContract(chain, types.RightPut, nakedStrike2)
	if !ok {
		return nil, false
	}
	spreadLong, ok := nearestContract(chain, types.RightPut, nakedStrike2)
	if !ok {
		return nil, false
	}
	spreadShort, ok := nearestContract(chain, types.RightPut, spreadLong.Instrument.Strike.Sub(l.SpreadWidth))
	if !ok {
		return nil, false
	}

	nakedCredit := naked1.Mid().Add(naked2.Mid())
	spreadCredit := spreadLong.Mid().Sub(spreadShort.Mid()).Neg() // a debit spread costs money

	return &Proposal{
		Strategy:   types.StrategyLT112,
		Underlying: underlying,
		Legs: []types.Leg{
			{Instrument: naked1.Instrument, Quantity: -1},
			{Instrument: naked2.Instrument, Quantity: -1},
			{Instrument: spreadLong.Instrument, Quantity: 1},
			{Instrument: spreadShort.Instrument, Quantity: -1},
		},
		CreditEstimate: nakedCredit.Add(spreadCredit),
		SubPositionTags: map[string][2]int{
			"naked_puts":   {0, 2},
			"debit_spread": {2, 4},
		},
	}, true
}

// ---------------------------------------------------------------------
// FuturesStrangle: Thursday 10:15 ET, short strangle at ~5-7 delta each
// wing.
// ---------------------------------------------------------------------

type FuturesStrangle struct{}

func NewFuturesStrangle() *FuturesStrangle { return &FuturesStrangle{} }

func (f *FuturesStrangle) Kind() types.StrategyKind { return types.StrategyFuturesStrangle }

func (f *FuturesStrangle) Propose(bar types.Bar, underlying string, existing []*types.Position, c *config.Constants) (*Proposal, bool) {
	sc := c.Strategies[types.StrategyFuturesStrangle]
	if bar.Timestamp.Weekday() != time.Thursday {
		return nil, false
	}
	if !marketdata.AfterHour(bar.Timestamp, 10, 15) {
		return nil, false
	}
	if !vixEligible(bar.VIX, sc) {
		return nil, false
	}

	chain, ok := bar.Chains[underlying]
	if !ok {
		return nil, false
	}

	targetDelta := decimal.NewFromFloat(0.06) // midpoint of the 5-7 delta band
	shortCall, ok := nearestByDelta(chain, types.RightCall, targetDelta)
	if !ok {
		return nil, false
	}
	shortPut, ok := nearestByDelta(chain, types.RightPut, targetDelta)
	if !ok {
		return nil, false
	}

	credit := shortCall.Mid().Add(shortPut.Mid())

	return &Proposal{
		Strategy:   types.StrategyFuturesStrangle,
		Underlying: underlying,
		Legs: []types.Leg{
			{Instrument: shortCall.Instrument, Quantity: -1},
			{Instrument: shortPut.Instrument, Quantity: -1},
		},
		CreditEstimate: credit,
	}, true
}

// ---------------------------------------------------------------------
// IPMCC: monthly, 1st trading day. Long LEAP call (~0.80 delta) + short
// call at the strike nearest 1.03x spot, taken from the same chain as the
// LEAP; the short strike is not checked against the LEAP strike. Re-entry rule:
// if an active LEAP already exists for the underlying, propose only the
// weekly short call.
// ---------------------------------------------------------------------

type IPMCC struct{}

func NewIPMCC() *IPMCC { return &IPMCC{} }

func (i *IPMCC) Kind() types.StrategyKind { return types.StrategyIPMCC }

func (i *IPMCC) isFirstTradingDayOfMonth(t types.Bar) bool {
	if !marketdata.TradingHours(t.Timestamp) {
		return false
	}
	// The 1st, or the Monday after a month that began on a weekend.
	local := t.Timestamp.In(marketdata.ET)
	return local.Day() == 1 || (local.Day() <= 3 && local.Weekday() == time.Monday)
}

func (i *IPMCC) existingLEAP(existing []*types.Position, underlying string) *types.Position {
	for _, p := range existing {
		if p.Strategy == types.StrategyIPMCC && p.Underlying == underlying && p.State != types.StateClosed && p.State != types.StateTerminated {
			return p
		}
	}
	return nil
}

func (i *IPMCC) Propose(bar types.Bar, underlying string, existing []*types.Position, c *config.Constants) (*Proposal, bool) {
	if !i.isFirstTradingDayOfMonth(bar) {
		return nil, false
	}

	chain, ok := bar.Chains[underlying]
	if !ok {
		return nil, false
	}
	quote, ok := bar.Prices[underlying]
	if !ok || quote.Price.IsZero() {
		return nil, false
	}

	leap := i.existingLEAP(existing, underlying)

	shortCall, ok := nearestContract(chain, types.RightCall, quote.Price.Mul(decimal.NewFromFloat(1.03)))
	if !ok {
		return nil, false
	}

	if leap != nil {
		// Weekly re-entry only: a single short call, no new LEAP.
		return &Proposal{
			Strategy:       types.StrategyIPMCC,
			Underlying:     underlying,
			Legs:           []types.Leg{{Instrument: shortCall.Instrument, Quantity: -1}},
			CreditEstimate: shortCall.Mid(),
		}, true
	}

	leapCall, ok := nearestByDelta(chain, types.RightCall, decimal.NewFromFloat(0.80))
	if !ok {
		return nil, false
	}

	debit := leapCall.Mid().Sub(shortCall.Mid())

	return &Proposal{
		Strategy:   types.StrategyIPMCC,
		Underlying: underlying,
		Legs: []types.Leg{
			{Instrument: leapCall.Instrument, Quantity: 1},
			{Instrument: shortCall.Instrument, Quantity: -1},
		},
		CreditEstimate: debit.Neg(),
	}, true
}

// ---------------------------------------------------------------------
// LEAPLadder: Monday entries, laddered long puts as portfolio hedge,
// 365-730 DTE, builds while VIX < 40.
// ---------------------------------------------------------------------

type LEAPLadder struct{}

func NewLEAPLadder() *LEAPLadder { return &LEAPLadder{} }

func (l *LEAPLadder) Kind() types.StrategyKind { return types.StrategyLEAPLadder }

func (l *LEAPLadder) Propose(bar types.Bar, underlying string, existing []*types.Position, c *config.Constants) (*Proposal, bool) {
	sc := c.Strategies[types.StrategyLEAPLadder]
	if bar.Timestamp.Weekday() != time.Monday {
		return nil, false
	}
	if !vixEligible(bar.VIX, sc) {
		return nil, false
	}

	chain, ok := bar.Chains[underlying]
	if !ok {
		return nil, false
	}
	if dte := types.DTEFromExpiry(bar.Timestamp, chain.Expiry); dte < 365 || dte > 730 {
		return nil, false
	}
	quote, ok := bar.Prices[underlying]
	if !ok || quote.Price.IsZero() {
		return nil, false
	}

	put, ok := nearestByDelta(chain, types.RightPut, decimal.NewFromFloat(0.30))
	if !ok {
		return nil, false
	}

	return &Proposal{
		Strategy:       types.StrategyLEAPLadder,
		Underlying:     underlying,
		Legs:           []types.Leg{{Instrument: put.Instrument, Quantity: 1}},
		CreditEstimate: put.Mid().Neg(),
	}, true
}

// Registry is the fixed set of controllers the engine drives each bar,
// in no particular priority order (the Unified Risk Manager serializes
// entries across them within a bar).
type Registry struct {
	Controllers []Controller
}

func NewRegistry() *Registry {
	return &Registry{Controllers: []Controller{
		NewZeroDTE(), NewLT112(), NewFuturesStrangle(), NewIPMCC(), NewLEAPLadder(),
	}}
}
