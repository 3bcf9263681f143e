// Package riskmanager implements the Unified Risk Manager
// and Manual Mode. It is the only path through which strategy
// controllers may request entry, composing manual-mode -> drawdown ->
// vixgate -> correlation in order and stopping at the first deny. The
// dependency is one-way: this package holds references to the sub-gates;
// none of them ever reference it or the strategy controllers.
package riskmanager

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/correlation"
	"github.com/kingtrader/optionsengine/internal/drawdown"
	"github.com/kingtrader/optionsengine/internal/vixgate"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Decision is the answer to can_open.
type Decision struct {
	Allowed      bool
	Reason       string
	Events       []types.RiskEvent
	SizeMultiplier decimal.Decimal // compounded drawdown x VIX multiplier, for the sizer
}

// Manager composes the four risk sub-gates into the single entry-gating
// surface strategy controllers are permitted to call.
type Manager struct {
	log *zap.Logger

	vix    *vixgate.Gate
	corr   *correlation.Limiter
	dd     *drawdown.Monitor
	manual *ManualMode
}

func New(log *zap.Logger, vix *vixgate.Gate, corr *correlation.Limiter, dd *drawdown.Monitor, manual *ManualMode) *Manager {
	return &Manager{log: log.Named("risk-manager"), vix: vix, corr: corr, dd: dd, manual: manual}
}

// Request carries one can_open query: the proposal's identity
// plus the portfolio-wide numbers the buying-power check needs.
type Request struct {
	Underlying     string
	Strategy       types.StrategyKind
	Phase          types.AccountPhase
	PortfolioValue decimal.Decimal
	MarginUsed     decimal.Decimal
	ProposedMargin decimal.Decimal
}

// CanOpen answers whether a proposed entry may proceed, stopping at the
// first deny in order: manual mode -> drawdown -> VIX (regime
// eligibility, emergency level, buying-power cap) -> correlation.
func (m *Manager) CanOpen(req Request, now time.Time) Decision {
	var events []types.RiskEvent

	if m.manual.Active() {
		return Decision{Allowed: false, Reason: "manual mode active: " + m.manual.Reason(), Events: events}
	}

	ddResp, ddEvent := m.dd.Update(req.PortfolioValue, now)
	if ddEvent != nil {
		events = append(events, *ddEvent)
	}
	if ddResp.BlockNewEntries {
		return Decision{Allowed: false, Reason: "drawdown level blocks new entries: " + string(ddResp.Level), Events: events}
	}

	vixReading, err := m.vix.Evaluate(req.Phase, now)
	if err != nil {
		events = append(events, types.RiskEvent{
			Kind: "vix_gate_deny", Level: types.RiskCritical, Timestamp: now, Message: err.Error(),
		})
		return Decision{Allowed: false, Reason: "VIX stale", Events: events}
	}
	if vixReading.Emergency == vixgate.EmergencyConditions && isPremiumSelling(req.Strategy) {
		return Decision{Allowed: false, Reason: "emergency VIX conditions block new premium-selling entries", Events: events}
	}
	if vixReading.Emergency == vixgate.EmergencyHalt {
		return Decision{Allowed: false, Reason: "VIX halt-trading threshold breached", Events: events}
	}
	if req.Strategy == types.Strategy0DTE && vixReading.ZeroDTEAllowed != config.ZeroDTEYes {
		return Decision{Allowed: false, Reason: "0DTE not eligible in regime " + string(vixReading.Regime), Events: events}
	}

	if req.PortfolioValue.IsPositive() {
		utilization := req.MarginUsed.Add(req.ProposedMargin).Div(req.PortfolioValue)
		if utilization.GreaterThan(vixReading.MaxBP) {
			events = append(events, types.RiskEvent{
				Kind: "bp_cap_deny", Level: types.RiskWarning, Timestamp: now,
				Message: "buying-power cap would be exceeded",
				Payload: map[string]interface{}{
					"utilization": utilization.String(), "maxBP": vixReading.MaxBP.String(),
					"regime": string(vixReading.Regime),
				},
			})
			return Decision{Allowed: false, Reason: "buying-power cap exceeded for regime " + string(vixReading.Regime), Events: events}
		}
	}

	corrDecision := m.corr.CanAdd(req.Underlying, req.Phase, vixReading.Regime)
	if !corrDecision.Allowed {
		events = append(events, types.RiskEvent{
			Kind: "correlation_deny", Level: types.RiskWarning, Timestamp: now, Message: corrDecision.Reason,
			Payload: map[string]interface{}{"underlying": req.Underlying, "current": corrDecision.Current, "cap": corrDecision.Cap},
		})
		return Decision{Allowed: false, Reason: corrDecision.Reason, Events: events}
	}

	return Decision{Allowed: true, Events: events, SizeMultiplier: ddResp.SizeMultiplier.Mul(vixReading.SizeMultiplier)}
}

func isPremiumSelling(s types.StrategyKind) bool {
	switch s {
	case types.Strategy0DTE, types.StrategyLT112, types.StrategyFuturesStrangle:
		return true
	default:
		return false
	}
}

// ManualMode is the engine's safety interlock. Activated on 3
// consecutive order failures within 30 minutes, VIX > 50, three
// consecutive stale reads for one underlying, an invariant violation, or
// a direct operator call; a portfolio-delta breach or a drawdown
// circuit-breaker trip does not activate it. Effects: cancel all
// pending orders, block new entries, and log intended trades as
// suggestions instead of placing them.
type ManualMode struct {
	log *zap.Logger

	mu     sync.Mutex
	active bool
	reason string

	failureWindow  time.Duration
	failureCount   int
	firstFailureAt time.Time

	OnActivate func(reason string)
}

func NewManualMode(log *zap.Logger, failureWindow time.Duration) *ManualMode {
	return &ManualMode{log: log.Named("manual-mode"), failureWindow: failureWindow}
}

func (mm *ManualMode) Active() bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.active
}

func (mm *ManualMode) Reason() string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.reason
}

// Activate forces manual mode on, e.g. via a direct operator call
// (control-plane enter_manual_mode) or an internal trigger.
func (mm *ManualMode) Activate(reason string) {
	mm.mu.Lock()
	already := mm.active
	mm.active = true
	mm.reason = reason
	mm.mu.Unlock()

	if !already {
		mm.log.Warn("manual mode activated", zap.String("reason", reason))
		if mm.OnActivate != nil {
			mm.OnActivate(reason)
		}
	}
}

// Resume requires an explicit operator call; it is never automatic.
func (mm *ManualMode) Resume() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.active = false
	mm.reason = ""
	mm.log.Info("manual mode resumed by operator")
}

// RecordOrderFailure tracks the "3 consecutive order failures within 30
// min" trigger.
func (mm *ManualMode) RecordOrderFailure(now time.Time) {
	mm.mu.Lock()
	if mm.failureCount == 0 || now.Sub(mm.firstFailureAt) > mm.failureWindow {
		mm.firstFailureAt = now
		mm.failureCount = 1
	} else {
		mm.failureCount++
	}
	trip := mm.failureCount >= 3
	mm.mu.Unlock()

	if trip {
		mm.Activate("3 consecutive order failures within 30 minutes")
	}
}

// RecordOrderSuccess resets the consecutive-failure counter.
func (mm *ManualMode) RecordOrderSuccess() {
	mm.mu.Lock()
	mm.failureCount = 0
	mm.mu.Unlock()
}
