// Package types provides shared domain types for the options trade
// lifecycle engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind identifies the kind of tradable instrument.
type InstrumentKind string

const (
	InstrumentEquity       InstrumentKind = "equity"
	InstrumentIndex        InstrumentKind = "index"
	InstrumentEquityOption InstrumentKind = "equity_option"
	InstrumentFuture       InstrumentKind = "future"
	InstrumentFutureOption InstrumentKind = "future_option"
	InstrumentVIXIndex     InstrumentKind = "vix_index"
)

// Right is the option right: call or put.
type Right string

const (
	RightCall Right = "call"
	RightPut  Right = "put"
)

// Instrument is a tradable symbol, identified by a stable opaque Key.
type Instrument struct {
	Key        string          `json:"key"`
	Kind       InstrumentKind  `json:"kind"`
	Underlying string          `json:"underlying,omitempty"`
	Expiry     time.Time       `json:"expiry,omitempty"`
	Strike     decimal.Decimal `json:"strike,omitempty"`
	Right      Right           `json:"right,omitempty"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// IsOption reports whether the instrument is an option contract.
func (i Instrument) IsOption() bool {
	return i.Kind == InstrumentEquityOption || i.Kind == InstrumentFutureOption
}

// OptionContract is one line of an OptionChain snapshot.
type OptionContract struct {
	Instrument   Instrument      `json:"instrument"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Last         decimal.Decimal `json:"last"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"openInterest"`
	Greeks       *Greeks         `json:"greeks,omitempty"`
}

// Greeks holds option sensitivities, optional on a chain snapshot.
type Greeks struct {
	Delta decimal.Decimal `json:"delta"`
	Gamma decimal.Decimal `json:"gamma"`
	Vega  decimal.Decimal `json:"vega"`
	Theta decimal.Decimal `json:"theta"`
	IV    decimal.Decimal `json:"iv"`
}

// Mid returns the midpoint of bid/ask, or zero if either side is missing.
func (c OptionContract) Mid() decimal.Decimal {
	if c.Bid.IsZero() || c.Ask.IsZero() {
		return decimal.Zero
	}
	return c.Bid.Add(c.Ask).Div(decimal.NewFromInt(2))
}

// OptionChain is a snapshot of contracts for one (underlying, expiry)
// pair, timestamped for freshness checks.
type OptionChain struct {
	Underlying string           `json:"underlying"`
	Expiry     time.Time        `json:"expiry"`
	Contracts  []OptionContract `json:"contracts"`
	SnapshotAt time.Time        `json:"snapshotAt"`
	QuotesAt   time.Time        `json:"quotesAt"`
}

// Leg is (instrument, signed quantity). Positive is long, negative short.
type Leg struct {
	Instrument Instrument `json:"instrument"`
	Quantity   int        `json:"quantity"`
}

// FilledLeg records the realized fill for a Leg.
type FilledLeg struct {
	Leg          Leg             `json:"leg"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	FilledAt     time.Time       `json:"filledAt"`
}

// GroupStatus is the lifecycle status of an OrderGroup.
type GroupStatus string

const (
	GroupPending     GroupStatus = "pending"
	GroupPlacing     GroupStatus = "placing"
	GroupMonitoring  GroupStatus = "monitoring"
	GroupFilled      GroupStatus = "filled"
	GroupPartial     GroupStatus = "partial"
	GroupFailed      GroupStatus = "failed"
	GroupRollingBack GroupStatus = "rolling_back"
	GroupRolledBack  GroupStatus = "rolled_back"
)

// IsTerminal reports whether status is a lifecycle-ending state. A
// group must never be observed in GroupPartial once its lifecycle ends:
// only GroupFilled/GroupRolledBack are terminal.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupFilled || s == GroupRolledBack
}

// StrategyKind enumerates the five strategies the engine runs.
type StrategyKind string

const (
	Strategy0DTE            StrategyKind = "0DTE"
	StrategyLT112           StrategyKind = "LT112"
	StrategyFuturesStrangle StrategyKind = "FuturesStrangle"
	StrategyIPMCC           StrategyKind = "IPMCC"
	StrategyLEAPLadder      StrategyKind = "LEAPLadder"
)

// OrderGroup is an atomic bundle of Legs.
type OrderGroup struct {
	GroupID    int64        `json:"groupId"`
	Strategy   StrategyKind `json:"strategy"`
	Legs       []Leg        `json:"legs"`
	CreatedAt  time.Time    `json:"createdAt"`
	Timeout    time.Duration `json:"timeout"`
	Status     GroupStatus  `json:"status"`
	Filled     []FilledLeg  `json:"filled,omitempty"`
	PositionID string       `json:"positionId,omitempty"`
}

// CorrelationGroupTag labels a correlation group.
type CorrelationGroupTag string

const (
	CorrGroupA1 CorrelationGroupTag = "A1"
	CorrGroupA2 CorrelationGroupTag = "A2"
	CorrGroupB1 CorrelationGroupTag = "B1"
	CorrGroupB2 CorrelationGroupTag = "B2"
	CorrGroupC1 CorrelationGroupTag = "C1"
	CorrGroupC2 CorrelationGroupTag = "C2"
	CorrGroupD1 CorrelationGroupTag = "D1"
	CorrGroupD2 CorrelationGroupTag = "D2"
	CorrGroupE  CorrelationGroupTag = "E"
)

// FSMState is one of the 15 strategy-position states. The enum
// lives in pkg/types, alongside Position, so internal/fsm can depend on
// pkg/types without Position needing to depend on internal/fsm.
type FSMState string

const (
	StateInitializing FSMState = "INITIALIZING"
	StateReady        FSMState = "READY"
	StateAnalyzing    FSMState = "ANALYZING"
	StatePendingEntry FSMState = "PENDING_ENTRY"
	StateEntering     FSMState = "ENTERING"
	StatePositionOpen FSMState = "POSITION_OPEN"
	StateManaging     FSMState = "MANAGING"
	StateAdjusting    FSMState = "ADJUSTING"
	StatePendingExit  FSMState = "PENDING_EXIT"
	StateExiting      FSMState = "EXITING"
	StatePartialExit  FSMState = "PARTIAL_EXIT"
	StateClosed       FSMState = "CLOSED"
	StateError        FSMState = "ERROR"
	StateSuspended    FSMState = "SUSPENDED"
	StateTerminated   FSMState = "TERMINATED"
)

// Trigger is the closed set of transition causes.
type Trigger string

const (
	TriggerMarketOpen          Trigger = "MARKET_OPEN"
	TriggerEntryConditionsMet  Trigger = "ENTRY_CONDITIONS_MET"
	TriggerOrderFilled         Trigger = "ORDER_FILLED"
	TriggerOrderRejected       Trigger = "ORDER_REJECTED"
	TriggerPartialFill         Trigger = "PARTIAL_FILL"
	TriggerProfitTargetHit     Trigger = "PROFIT_TARGET_HIT"
	TriggerStopLossHit         Trigger = "STOP_LOSS_HIT"
	TriggerDefensiveExitDTE    Trigger = "DEFENSIVE_EXIT_DTE"
	TriggerAdjustmentNeeded    Trigger = "ADJUSTMENT_NEEDED"
	TriggerMarginCall          Trigger = "MARGIN_CALL"
	TriggerVIXSpike            Trigger = "VIX_SPIKE"
	TriggerEmergencyExit       Trigger = "EMERGENCY_EXIT"
	TriggerManualOverride      Trigger = "MANUAL_OVERRIDE"
	TriggerSystemError         Trigger = "SYSTEM_ERROR"
	TriggerDataStale           Trigger = "DATA_STALE"
	TriggerReset               Trigger = "RESET"
)

// SubPosition tracks an independently managed slice of a Position's legs
// (e.g. LT112's naked puts vs. its debit spread).
type SubPosition struct {
	Tag          string          `json:"tag"`
	Legs         []FilledLeg     `json:"legs"`
	EntryCredit  decimal.Decimal `json:"entryCredit"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	Closed       bool            `json:"closed"`
}

// Position is one open strategy instance.
type Position struct {
	ID               string              `json:"id"`
	Strategy         StrategyKind        `json:"strategy"`
	Underlying       string              `json:"underlying"`
	CorrelationGroup CorrelationGroupTag `json:"correlationGroup"`
	EntryAt          time.Time           `json:"entryAt"`
	EntryCredit      decimal.Decimal     `json:"entryCredit"` // negative for LEAP debit
	CurrentValue     decimal.Decimal     `json:"currentValue"`
	State            FSMState            `json:"state"`
	Legs             []FilledLeg         `json:"legs"`
	OrderGroupID     int64               `json:"orderGroupId"`
	SubPositions     map[string]*SubPosition `json:"subPositions,omitempty"`
}

// UnrealizedPnL returns the credit retained (positive) or lost (negative)
// relative to entry.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.EntryCredit.Sub(p.CurrentValue)
}

// DTEFromExpiry returns calendar days between now and expiry, floored
// at zero. DTE is computed on calendar days, not trading days.
func DTEFromExpiry(now, expiry time.Time) int {
	d := expiry.Sub(now)
	days := int(d.Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// AccountPhase is a coarse account-size tier.
type AccountPhase int

const (
	Phase1 AccountPhase = 1
	Phase2 AccountPhase = 2
	Phase3 AccountPhase = 3
	Phase4 AccountPhase = 4
)

// VIXRegime classifies the market per a scalar VIX level.
type VIXRegime string

const (
	RegimeExtremelyLow VIXRegime = "EXTREMELY_LOW"
	RegimeLow          VIXRegime = "LOW"
	RegimeNormal       VIXRegime = "NORMAL"
	RegimeElevated     VIXRegime = "ELEVATED"
	RegimeHigh         VIXRegime = "HIGH"
	RegimeExtreme      VIXRegime = "EXTREME"
	RegimeCrisis       VIXRegime = "CRISIS"
	RegimeHistoric     VIXRegime = "HISTORIC"
)

// RiskLevel is the severity of a RiskEvent.
type RiskLevel string

const (
	RiskInfo      RiskLevel = "INFO"
	RiskWarning   RiskLevel = "WARNING"
	RiskCritical  RiskLevel = "CRITICAL"
	RiskEmergency RiskLevel = "EMERGENCY"
)

// RiskEvent is both a log record and a gating signal.
type RiskEvent struct {
	Kind      string                 `json:"kind"`
	Level     RiskLevel              `json:"level"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Quote is the per-underlying price/bid/ask/volume slice of a Bar.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bar is a single per-tick market data slice delivered by the external
// clock/data feed.
type Bar struct {
	Timestamp time.Time              `json:"timestamp"`
	VIX       decimal.Decimal        `json:"vix"`
	VIXAt     time.Time              `json:"vixAt"`
	Prices    map[string]Quote       `json:"prices"`
	Chains    map[string]OptionChain `json:"chains"` // keyed by underlying
}
