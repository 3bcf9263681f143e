// Package sizing implements the Position Sizer: a Kelly-capped contract
// count modulated by the VIX size multiplier and clamped by strategy
// and account-tier hard caps. Conservative Kelly prevents ruin under a
// mis-estimated edge; the dual VIX and tier clamps ensure no single
// knob can blow up sizing.
package sizing

import (
	"go.uber.org/zap"

	"github.com/shopspring/decimal"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Request carries the inputs for one sizing decision.
type Request struct {
	Strategy         types.StrategyKind
	WinRate          decimal.Decimal // p
	WinLossRatio     decimal.Decimal // b
	KellyFactor      decimal.Decimal // override; zero means use Constants default
	AccountValue     decimal.Decimal
	SizeMultiplier   decimal.Decimal // from vixgate.Reading.SizeMultiplier
}

// Result is the sizer's answer, with an audit trail of every
// adjustment applied along the way.
type Result struct {
	Contracts      int
	KellyFraction  decimal.Decimal
	Conservative   decimal.Decimal
	BaseContracts  int
	LimitingFactor string
	Adjustments    []string
}

// Sizer computes contract counts through the six-step cascade.
type Sizer struct {
	log *zap.Logger
	c   *config.Constants
}

func New(log *zap.Logger, c *config.Constants) *Sizer {
	return &Sizer{log: log.Named("position-sizer"), c: c}
}

// Size runs the full cascade and returns a final integer contract
// count, floored at 1.
func (s *Sizer) Size(req Request) Result {
	res := Result{Adjustments: make([]string, 0, 4)}

	kellyFactor := req.KellyFactor
	if kellyFactor.IsZero() {
		kellyFactor = s.c.KellyFactor
	}

	// Step 1: Kelly fraction f = (p*b - (1-p)) / b, clamped to [0.01, 0.25].
	f := kellyFraction(req.WinRate, req.WinLossRatio)
	f = clamp(f, s.c.KellyFractionFloor, s.c.KellyFractionCeiling)
	res.KellyFraction = f

	// Step 2: conservative fraction = f * Kelly factor.
	conservative := f.Mul(kellyFactor)
	res.Conservative = conservative
	res.Adjustments = append(res.Adjustments, "kelly_factor:"+kellyFactor.String())

	// Step 3: base contracts = floor((account_value / 10000) * conservative), floor 1.
	units := req.AccountValue.Div(decimal.NewFromInt(10000))
	base := units.Mul(conservative).Floor()
	baseContracts := int(base.IntPart())
	if baseContracts < 1 {
		baseContracts = 1
	}
	res.BaseContracts = baseContracts
	res.LimitingFactor = "kelly"

	// Step 4: multiply by VIX size multiplier.
	mult := req.SizeMultiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}
	sized := decimal.NewFromInt(int64(baseContracts)).Mul(mult).Floor()
	contracts := int(sized.IntPart())
	if contracts < 1 {
		contracts = 1
	}
	if !mult.Equal(decimal.NewFromInt(1)) {
		res.Adjustments = append(res.Adjustments, "vix_multiplier:"+mult.String())
	}

	// Step 5: clamp to strategy hard cap.
	if sc, ok := s.c.Strategies[req.Strategy]; ok && contracts > sc.HardContractCap {
		contracts = sc.HardContractCap
		res.LimitingFactor = "strategy_cap"
		res.Adjustments = append(res.Adjustments, "capped_strategy_hard_cap")
	}

	// Step 6: clamp to account-tier cap.
	tierCap := s.accountTierCap(req.AccountValue)
	if contracts > tierCap {
		contracts = tierCap
		res.LimitingFactor = "account_tier"
		res.Adjustments = append(res.Adjustments, "capped_account_tier")
	}

	if contracts < 1 {
		contracts = 1
	}
	res.Contracts = contracts
	return res
}

// kellyFraction computes f = (p*b - (1-p)) / b, returning zero when
// b <= 0 (no payoff data) so the result clamps to the floor rather than
// dividing by zero.
func kellyFraction(p, b decimal.Decimal) decimal.Decimal {
	if b.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	q := decimal.NewFromInt(1).Sub(p)
	numerator := p.Mul(b).Sub(q)
	return numerator.Div(b)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// accountTierCap finds the highest-MinValue tier row not exceeding
// accountValue.
func (s *Sizer) accountTierCap(accountValue decimal.Decimal) int {
	cap := 1
	for _, tier := range s.c.AccountTierCaps {
		if accountValue.GreaterThanOrEqual(tier.MinValue) {
			cap = tier.Cap
		}
	}
	return cap
}
