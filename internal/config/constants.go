// Package config provides the engine's frozen Constants table plus a
// thin viper overlay for the handful of operational knobs that are not
// part of that table. The table itself never changes at runtime.
package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kingtrader/optionsengine/pkg/types"
)

// VIXBand is one row of the VIX Regime Gate table.
type VIXBand struct {
	Regime     types.VIXRegime
	Ceiling    decimal.Decimal // inclusive upper bound; last band has no ceiling
	BPCap      [4]decimal.Decimal // indexed by AccountPhase-1
	SizeMinMax [2]decimal.Decimal // [min,max) multiplier across the band, linearly interpolated
	ZeroDTE    ZeroDTEEligibility
}

// ZeroDTEEligibility classifies whether 0DTE entries are allowed in a band.
type ZeroDTEEligibility int

const (
	ZeroDTENo ZeroDTEEligibility = iota
	ZeroDTEYes
	ZeroDTEEmergencyOnly
)

// StrategyConstants holds one strategy's numeric rules.
type StrategyConstants struct {
	Kind           types.StrategyKind
	DTETarget      int
	DTETolerance   int // ±N days, 0 if exact
	ProfitTargetPct decimal.Decimal // fraction of credit, e.g. 0.50
	StopLossMult    decimal.Decimal // multiple of credit, e.g. 2.00; zero means "no stop"
	HardContractCap int
	MinVIX          decimal.Decimal // zero means unbounded below
	MaxVIX          decimal.Decimal // zero means unbounded above
}

// AccountPhaseBand maps a portfolio-value lower bound to a phase.
type AccountPhaseBand struct {
	Phase    types.AccountPhase
	MinValue decimal.Decimal // inclusive
}

// CorrelationCap is the per-group, per-phase position cap.
type CorrelationCap struct {
	Phase1 int
	Phase4 int // Phase2/3 are linearly interpolated between these by the correlation package
}

// Constants is the complete frozen configuration table.
type Constants struct {
	// VIX Regime Gate
	VIXBands []VIXBand

	// Correlation / Concentration Limiter
	UnderlyingGroup map[string]types.CorrelationGroupTag
	GroupCap        CorrelationCap
	CombinedA1A2Cap int

	// Position Sizer
	KellyFactor          decimal.Decimal
	KellyFractionFloor   decimal.Decimal
	KellyFractionCeiling decimal.Decimal
	AccountTierCaps      []AccountTierCap

	// Strategies
	Strategies map[types.StrategyKind]StrategyConstants

	// Cross-cutting DTE rule: all strategies except 0DTE and
	// LEAPLadder force an exit at this DTE regardless of profit status.
	DefensiveExitDTE int

	// Implied daily move factor for 0DTE strike selection.
	ImpliedDailyMoveFactor decimal.Decimal

	// Account phase thresholds
	AccountPhases []AccountPhaseBand

	// Drawdown & Circuit Breaker
	DrawdownWarningPct   decimal.Decimal
	DrawdownCriticalPct  decimal.Decimal
	DrawdownEmergencyPct decimal.Decimal

	// Manual mode
	ManualModeOrderFailureCount int
	ManualModeOrderFailureWindow time.Duration
	ManualModeVIXThreshold       decimal.Decimal

	// Atomic executor
	DefaultGroupTimeout time.Duration
	StaleGroupSweep     time.Duration
	SmartLimitFraction  decimal.Decimal // 0.40

	// Data freshness tiers, trading hours.
	Freshness FreshnessTiers

	// Commission schedule.
	Commission CommissionSchedule
}

// AccountTierCap is one row of the account-value-band contract cap.
type AccountTierCap struct {
	MinValue decimal.Decimal
	Cap      int
}

// FreshnessTiers holds max-age tolerances for each datum kind.
type FreshnessTiers struct {
	UnderlyingPrice time.Duration
	BidAsk          time.Duration
	OptionChain     time.Duration
	Greeks          time.Duration
	IV              time.Duration
	OutsideHoursCap time.Duration // 15 min cached tolerance outside trading hours
}

// CommissionSchedule is the per-fill fee function's inputs.
type CommissionSchedule struct {
	OptionOpen         decimal.Decimal
	OptionClose        decimal.Decimal
	OptionMaxPerLeg    decimal.Decimal
	FuturesOptionFlat  decimal.Decimal
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Default returns the frozen Constants table.
func Default() *Constants {
	return &Constants{
		VIXBands: []VIXBand{
			{Regime: types.RegimeExtremelyLow, Ceiling: d("12"),
				BPCap: [4]decimal.Decimal{d("0.45"), d("0.50"), d("0.55"), d("0.60")},
				SizeMinMax: [2]decimal.Decimal{d("1.0"), d("1.0")}, ZeroDTE: ZeroDTENo},
			{Regime: types.RegimeLow, Ceiling: d("16"),
				BPCap: [4]decimal.Decimal{d("0.45"), d("0.50"), d("0.55"), d("0.60")},
				SizeMinMax: [2]decimal.Decimal{d("1.0"), d("1.0")}, ZeroDTE: ZeroDTENo},
			{Regime: types.RegimeNormal, Ceiling: d("20"),
				BPCap: [4]decimal.Decimal{d("0.50"), d("0.60"), d("0.65"), d("0.70")},
				SizeMinMax: [2]decimal.Decimal{d("1.0"), d("1.0")}, ZeroDTE: ZeroDTENo},
			{Regime: types.RegimeElevated, Ceiling: d("25"),
				BPCap: [4]decimal.Decimal{d("0.40"), d("0.50"), d("0.55"), d("0.60")},
				SizeMinMax: [2]decimal.Decimal{d("1.0"), d("0.75")}, ZeroDTE: ZeroDTEYes},
			{Regime: types.RegimeHigh, Ceiling: d("30"),
				BPCap: [4]decimal.Decimal{d("0.30"), d("0.35"), d("0.40"), d("0.45")},
				SizeMinMax: [2]decimal.Decimal{d("0.75"), d("0.5")}, ZeroDTE: ZeroDTEYes},
			{Regime: types.RegimeExtreme, Ceiling: d("40"),
				BPCap: [4]decimal.Decimal{d("0.20"), d("0.25"), d("0.30"), d("0.35")},
				SizeMinMax: [2]decimal.Decimal{d("0.5"), d("0.25")}, ZeroDTE: ZeroDTEEmergencyOnly},
			{Regime: types.RegimeCrisis, Ceiling: d("50"),
				BPCap: [4]decimal.Decimal{d("0.20"), d("0.25"), d("0.30"), d("0.35")},
				SizeMinMax: [2]decimal.Decimal{d("0.25"), d("0.25")}, ZeroDTE: ZeroDTENo},
			{Regime: types.RegimeHistoric, Ceiling: decimal.Decimal{}, // no ceiling
				BPCap: [4]decimal.Decimal{d("0.15"), d("0.20"), d("0.25"), d("0.30")},
				SizeMinMax: [2]decimal.Decimal{d("0.25"), d("0.25")}, ZeroDTE: ZeroDTENo},
		},

		UnderlyingGroup: defaultUnderlyingGroups(),
		GroupCap:        CorrelationCap{Phase1: 1, Phase4: 3},
		CombinedA1A2Cap: 3,

		KellyFactor:          d("0.25"),
		KellyFractionFloor:   d("0.01"),
		KellyFractionCeiling: d("0.25"),
		AccountTierCaps: []AccountTierCap{
			{MinValue: d("0"), Cap: 1},
			{MinValue: d("10000"), Cap: 2},
			{MinValue: d("20000"), Cap: 3},
			{MinValue: d("40000"), Cap: 5},
			{MinValue: d("75000"), Cap: 10},
			{MinValue: d("150000"), Cap: 15},
			{MinValue: d("300000"), Cap: 20},
		},

		Strategies: map[types.StrategyKind]StrategyConstants{
			types.Strategy0DTE: {
				Kind: types.Strategy0DTE, DTETarget: 0, DTETolerance: 0,
				ProfitTargetPct: d("0.50"), StopLossMult: d("2.00"),
				HardContractCap: 10, MinVIX: d("22"),
			},
			types.StrategyLT112: {
				Kind: types.StrategyLT112, DTETarget: 120, DTETolerance: 10,
				ProfitTargetPct: d("0.50"), StopLossMult: d("2.00"),
				HardContractCap: 5, MinVIX: d("12"), MaxVIX: d("35"),
			},
			types.StrategyFuturesStrangle: {
				Kind: types.StrategyFuturesStrangle, DTETarget: 90, DTETolerance: 0,
				ProfitTargetPct: d("0.50"), StopLossMult: d("2.50"),
				HardContractCap: 3, MinVIX: d("15"), MaxVIX: d("40"),
			},
			types.StrategyIPMCC: {
				Kind: types.StrategyIPMCC, DTETarget: 45, DTETolerance: 0,
				ProfitTargetPct: d("0.50"), StopLossMult: decimal.Zero,
				HardContractCap: 100,
			},
			types.StrategyLEAPLadder: {
				Kind: types.StrategyLEAPLadder, DTETarget: 548, DTETolerance: 182,
				ProfitTargetPct: d("0.30"), StopLossMult: decimal.Zero,
				HardContractCap: 10, MaxVIX: d("40"),
			},
		},
		DefensiveExitDTE:       21,
		ImpliedDailyMoveFactor: d("0.0397"),

		AccountPhases: []AccountPhaseBand{
			{Phase: types.Phase1, MinValue: d("0")},
			{Phase: types.Phase2, MinValue: d("51000")},
			{Phase: types.Phase3, MinValue: d("76000")},
			{Phase: types.Phase4, MinValue: d("95000")},
		},

		DrawdownWarningPct:   d("0.10"),
		DrawdownCriticalPct:  d("0.15"),
		DrawdownEmergencyPct: d("0.20"),

		ManualModeOrderFailureCount:  3,
		ManualModeOrderFailureWindow: 30 * time.Minute,
		ManualModeVIXThreshold:       d("50"),

		DefaultGroupTimeout: 30 * time.Second,
		StaleGroupSweep:     5 * time.Minute,
		SmartLimitFraction:  d("0.40"),

		Freshness: FreshnessTiers{
			UnderlyingPrice: 30 * time.Second,
			BidAsk:          45 * time.Second,
			OptionChain:     60 * time.Second,
			Greeks:          120 * time.Second,
			IV:              180 * time.Second,
			OutsideHoursCap: 15 * time.Minute,
		},

		Commission: CommissionSchedule{
			OptionOpen:        d("0.65"),
			OptionClose:       d("0.65"),
			OptionMaxPerLeg:   d("10.00"),
			FuturesOptionFlat: d("2.50"),
		},
	}
}

func defaultUnderlyingGroups() map[string]types.CorrelationGroupTag {
	return map[string]types.CorrelationGroupTag{
		"SPY": types.CorrGroupA1, "SPX": types.CorrGroupA1, "ES": types.CorrGroupA1, "MES": types.CorrGroupA1,
		"QQQ": types.CorrGroupA2, "NQ": types.CorrGroupA2, "MNQ": types.CorrGroupA2, "IWM": types.CorrGroupA2,
		"GLD": types.CorrGroupB1, "GC": types.CorrGroupB1, "SLV": types.CorrGroupB1,
		"HG": types.CorrGroupB2,
		"CL": types.CorrGroupC1, "USO": types.CorrGroupC1,
		"NG": types.CorrGroupC2,
		"ZC": types.CorrGroupD1, "ZS": types.CorrGroupD1, "ZW": types.CorrGroupD1,
		"LE": types.CorrGroupD2, "HE": types.CorrGroupD2,
		"6E": types.CorrGroupE, "6J": types.CorrGroupE, "6B": types.CorrGroupE,
	}
}
