// Package exitengine implements the Exit Rule Engine and Defensive
// Exits. For each open Position it evaluates, in fixed order, profit
// target -> stop loss -> DTE rule -> time-of-day (0DTE only) ->
// defensive conditions, and returns the first matching action.
package exitengine

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/correlation"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Action is what an exit rule prescribes.
type Action string

const (
	ActionNone  Action = ""
	ActionClose Action = "close"
	ActionRoll  Action = "roll"
)

// Verdict is the result of evaluating a Position's exit rules. Urgent
// closes go to the executor as market orders, bypassing limit-price
// waiting; non-urgent closes may work a smart limit.
type Verdict struct {
	Exit   bool
	Reason string
	Action Action
	Urgent bool
}

// DefensiveInputs carries the portfolio-wide state the defensive checks
// need beyond a single Position.
type DefensiveInputs struct {
	VIX               decimal.Decimal
	PortfolioValue    decimal.Decimal
	MarginUsed        decimal.Decimal
	CorrelationBreach bool // true once combined A1+A2 exceeds its cap
}

// Engine evaluates exit rules against the frozen Constants table.
type Engine struct {
	log  *zap.Logger
	c    *config.Constants
	corr *correlation.Limiter
}

func New(log *zap.Logger, c *config.Constants, corr *correlation.Limiter) *Engine {
	return &Engine{log: log.Named("exit-engine"), c: c, corr: corr}
}

// Evaluate runs the check-in-order cascade for one Position.
// dte is the position's current days-to-expiry for its governing leg
// (for multi-expiry strategies like LT112 the nearest-expiry leg).
func (e *Engine) Evaluate(p *types.Position, dte int, now time.Time, defensive DefensiveInputs) Verdict {
	if v := e.checkProfitTarget(p); v.Exit {
		return v
	}
	if v := e.checkStopLoss(p); v.Exit {
		return v
	}
	if v := e.checkDTERule(p, dte); v.Exit {
		return v
	}
	if p.Strategy == types.Strategy0DTE {
		if v := e.checkTimeExit(now); v.Exit {
			return v
		}
	}
	if v := e.checkDefensiveExit(p, defensive); v.Exit {
		return v
	}
	return Verdict{}
}

// checkProfitTarget compares realized profit against the credit actually
// received at entry, never against mid-price estimates.
func (e *Engine) checkProfitTarget(p *types.Position) Verdict {
	sc, ok := e.c.Strategies[p.Strategy]
	if !ok || p.EntryCredit.IsZero() {
		return Verdict{}
	}
	// LT112 slices are profit-managed independently via EvaluateLT112;
	// a combined-credit target would close the structure early.
	if p.Strategy == types.StrategyLT112 && len(p.SubPositions) > 0 {
		return Verdict{}
	}

	profitPct := p.EntryCredit.Sub(p.CurrentValue).Div(p.EntryCredit)
	if profitPct.GreaterThanOrEqual(sc.ProfitTargetPct) {
		return Verdict{Exit: true, Reason: "profit target reached", Action: ActionClose}
	}
	return Verdict{}
}

func (e *Engine) checkStopLoss(p *types.Position) Verdict {
	sc, ok := e.c.Strategies[p.Strategy]
	if !ok || sc.StopLossMult.IsZero() || p.EntryCredit.IsZero() {
		return Verdict{}
	}

	maxLossValue := p.EntryCredit.Mul(decimal.NewFromInt(1).Add(sc.StopLossMult))
	if p.CurrentValue.GreaterThanOrEqual(maxLossValue) {
		return Verdict{Exit: true, Reason: "stop loss hit", Action: ActionClose, Urgent: true}
	}
	return Verdict{}
}

// checkDTERule applies the cross-cutting defensive-exit-DTE rule for
// strangles/LT112 and the LEAP/IPMCC roll-at-DTE rules; 0DTE is exempt.
func (e *Engine) checkDTERule(p *types.Position, dte int) Verdict {
	switch p.Strategy {
	case types.Strategy0DTE:
		return Verdict{} // same-day; governed by the time exit, not a DTE threshold
	case types.StrategyIPMCC:
		if dte <= e.c.DefensiveExitDTE && dte > 0 {
			return Verdict{Exit: true, Reason: "roll short call at defensive DTE", Action: ActionRoll}
		}
	case types.StrategyLEAPLadder:
		if dte <= 150 && dte > 0 {
			return Verdict{Exit: true, Reason: "roll LEAP at 150 DTE", Action: ActionRoll}
		}
	default:
		if dte <= e.c.DefensiveExitDTE && dte > 0 {
			return Verdict{Exit: true, Reason: "defensive exit DTE rule", Action: ActionClose}
		}
	}
	return Verdict{}
}

// checkTimeExit implements the 0DTE time-based exit: a working
// close at 15:00 ET, escalating to a defensive market close at 15:30 ET.
func (e *Engine) checkTimeExit(now time.Time) Verdict {
	if marketdata.AfterHour(now, 15, 30) {
		return Verdict{Exit: true, Reason: "3:30 PM ET defensive time exit", Action: ActionClose, Urgent: true}
	}
	if marketdata.AfterHour(now, 15, 0) {
		return Verdict{Exit: true, Reason: "3:00 PM ET time exit", Action: ActionClose}
	}
	return Verdict{}
}

// checkDefensiveExit checks the four defensive triggers in order:
// VIX-spiked strangle losses, correlation breach, margin pressure, and
// the halt-trading threshold.
func (e *Engine) checkDefensiveExit(p *types.Position, d DefensiveInputs) Verdict {
	if d.VIX.GreaterThan(decimal.NewFromInt(30)) && isStrangle(p.Strategy) {
		if p.EntryCredit.IsPositive() {
			lossPct := p.CurrentValue.Sub(p.EntryCredit).Div(p.EntryCredit)
			if lossPct.GreaterThan(decimal.NewFromInt(2)) {
				return Verdict{Exit: true, Reason: "defensive VIX exit", Action: ActionClose, Urgent: true}
			}
		}
	}

	if d.CorrelationBreach && p.Strategy != types.StrategyLEAPLadder {
		return Verdict{Exit: true, Reason: "correlation breach", Action: ActionClose, Urgent: true}
	}

	if d.PortfolioValue.IsPositive() {
		utilization := d.MarginUsed.Div(d.PortfolioValue)
		if utilization.GreaterThan(decimal.NewFromFloat(0.85)) && p.UnrealizedPnL().IsNegative() {
			return Verdict{Exit: true, Reason: "margin pressure", Action: ActionClose, Urgent: true}
		}
	}

	if d.VIX.GreaterThan(decimal.NewFromInt(50)) && isPremiumSelling(p.Strategy) {
		return Verdict{Exit: true, Reason: "VIX halt-trading threshold, closing premium-selling position", Action: ActionClose, Urgent: true}
	}

	return Verdict{}
}

func isStrangle(s types.StrategyKind) bool {
	return s == types.StrategyFuturesStrangle
}

func isPremiumSelling(s types.StrategyKind) bool {
	switch s {
	case types.Strategy0DTE, types.StrategyLT112, types.StrategyFuturesStrangle:
		return true
	default:
		return false
	}
}

// SubVerdict prescribes action on one independently-managed slice of an
// LT112 position; the naked puts and the debit spread are managed
// independently after entry.
type SubVerdict struct {
	Tag      string
	CloseAll bool
	Reason   string
}

const (
	SubTagNakedPuts   = "naked_puts"
	SubTagDebitSpread = "debit_spread"
)

// EvaluateLT112 checks the per-leg LT112 rules: close the naked puts at
// 90% of their own entry credit, close the debit spread at 50% of its
// credit, and force the whole position closed if either slice reaches a
// 200% loss. Profit on each slice is computed against that slice's own
// entry credit (per-leg, not combined).
func (e *Engine) EvaluateLT112(p *types.Position) []SubVerdict {
	if p.Strategy != types.StrategyLT112 || len(p.SubPositions) == 0 {
		return nil
	}

	var out []SubVerdict
	for tag, sub := range p.SubPositions {
		if sub.Closed || sub.EntryCredit.IsZero() {
			continue
		}
		pnl := sub.EntryCredit.Sub(sub.CurrentValue)
		basis := sub.EntryCredit.Abs()
		frac := pnl.Div(basis)

		if frac.LessThan(decimal.NewFromInt(-2)) {
			return []SubVerdict{{Tag: tag, CloseAll: true, Reason: "LT112 leg at 200% loss, closing full position"}}
		}

		switch tag {
		case SubTagNakedPuts:
			if frac.GreaterThanOrEqual(decimal.NewFromFloat(0.90)) {
				out = append(out, SubVerdict{Tag: tag, Reason: "naked puts at 90% profit"})
			}
		case SubTagDebitSpread:
			if frac.GreaterThanOrEqual(decimal.NewFromFloat(0.50)) {
				out = append(out, SubVerdict{Tag: tag, Reason: "debit spread at 50% profit"})
			}
		}
	}
	return out
}

// WeakestInGroup picks the close candidate when a correlation-group
// breach forces one: the weakest (most negative unrealized P&L)
// position in the breached group, not every position in it.
func WeakestInGroup(positions []*types.Position, group types.CorrelationGroupTag) *types.Position {
	var weakest *types.Position
	for _, p := range positions {
		if p.CorrelationGroup != group {
			continue
		}
		if weakest == nil || p.UnrealizedPnL().LessThan(weakest.UnrealizedPnL()) {
			weakest = p
		}
	}
	return weakest
}
