// Package drawdown implements the Drawdown & Circuit Breaker:
// peak-value tracking, the four-level response ladder, and
// level-improvement reversion.
package drawdown

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Level is the four-tier drawdown response ladder.
type Level string

const (
	LevelNormal    Level = "NORMAL"
	LevelWarning   Level = "WARNING"
	LevelCritical  Level = "CRITICAL"
	LevelEmergency Level = "EMERGENCY"
)

// Response bundles the ladder's prescribed actions at a level.
type Response struct {
	Level               Level
	Drawdown            decimal.Decimal
	BlockNewEntries      bool
	SizeMultiplier       decimal.Decimal // applied to new-entry sizing
	TightenedProfitPct   decimal.Decimal // zero means "use strategy default"
	CloseLossThreshold   decimal.Decimal // unrealized-loss % that forces a close; zero means none
	HalveRemainingSizes  bool
}

// Monitor tracks portfolio peak value and current drawdown level.
type Monitor struct {
	log *zap.Logger
	c   *config.Constants

	peak    decimal.Decimal
	level   Level
}

func New(log *zap.Logger, c *config.Constants) *Monitor {
	return &Monitor{log: log.Named("drawdown"), c: c, level: LevelNormal}
}

// Seed restores the peak value from persisted state on restart.
func (m *Monitor) Seed(peak decimal.Decimal) { m.peak = peak }

// Peak returns the current tracked peak, for persistence.
func (m *Monitor) Peak() decimal.Decimal { return m.peak }

// Level returns the current response level.
func (m *Monitor) Level() Level { return m.level }

// Update advances peak tracking and recomputes the level for the given
// current portfolio value. It returns the new Response and, if the level
// changed, a RiskEvent recording the transition; the event is nil when
// the level is unchanged.
func (m *Monitor) Update(portfolioValue decimal.Decimal, now time.Time) (Response, *types.RiskEvent) {
	if portfolioValue.GreaterThan(m.peak) {
		m.peak = portfolioValue
	}

	dd := decimal.Zero
	if m.peak.GreaterThan(decimal.Zero) {
		dd = m.peak.Sub(portfolioValue).Div(m.peak)
	}

	newLevel := classify(dd, m.c)
	var ev *types.RiskEvent
	if newLevel != m.level {
		ev = &types.RiskEvent{
			Kind: "drawdown_transition", Level: levelSeverity(newLevel), Timestamp: now,
			Message: "drawdown level changed from " + string(m.level) + " to " + string(newLevel),
			Payload: map[string]interface{}{"from": string(m.level), "to": string(newLevel), "drawdownPct": dd.String()},
		}
		m.log.Warn("drawdown level transition", zap.String("from", string(m.level)), zap.String("to", string(newLevel)),
			zap.String("drawdownPct", dd.StringFixed(4)))
		m.level = newLevel
	}

	return m.response(newLevel, dd), ev
}

func classify(dd decimal.Decimal, c *config.Constants) Level {
	switch {
	case dd.GreaterThan(c.DrawdownEmergencyPct):
		return LevelEmergency
	case dd.GreaterThan(c.DrawdownCriticalPct):
		return LevelCritical
	case dd.GreaterThan(c.DrawdownWarningPct):
		return LevelWarning
	default:
		return LevelNormal
	}
}

func levelSeverity(l Level) types.RiskLevel {
	switch l {
	case LevelEmergency:
		return types.RiskEmergency
	case LevelCritical:
		return types.RiskCritical
	case LevelWarning:
		return types.RiskWarning
	default:
		return types.RiskInfo
	}
}

func (m *Monitor) response(level Level, dd decimal.Decimal) Response {
	r := Response{Level: level, Drawdown: dd, SizeMultiplier: decimal.NewFromInt(1)}
	switch level {
	case LevelWarning:
		r.SizeMultiplier = decimal.NewFromFloat(0.5)
	case LevelCritical:
		r.BlockNewEntries = true
		r.TightenedProfitPct = decimal.NewFromFloat(0.25)
	case LevelEmergency:
		r.BlockNewEntries = true
		r.CloseLossThreshold = decimal.NewFromInt(1) // 100% of credit
		r.HalveRemainingSizes = true
		r.SizeMultiplier = decimal.NewFromFloat(0.5)
	}
	return r
}
