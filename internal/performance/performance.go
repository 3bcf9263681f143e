// Package performance implements the Performance Tracker:
// overflow-safe cumulative P&L, win rate, and a bounded history window.
package performance

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxHistory bounds the rolling P&L history.
const maxHistory = 1000

// overflowGuard caps |cumulative P&L| below 10^9.
var overflowGuard = decimal.RequireFromString("1000000000")

// Entry is one realized-P&L history record.
type Entry struct {
	At       time.Time
	Strategy string
	PnL      decimal.Decimal
	Win      bool
}

// Tracker accumulates realized P&L, feeding internal/drawdown's peak
// tracking and exposing win-rate statistics to internal/sizing.
type Tracker struct {
	log *zap.Logger

	mu         sync.RWMutex
	cumulative decimal.Decimal
	wins       int
	losses     int
	history    []Entry
}

func New(log *zap.Logger) *Tracker {
	return &Tracker{log: log.Named("performance")}
}

// Seed restores cumulative P&L and history from persisted state.
func (t *Tracker) Seed(cumulative decimal.Decimal, history []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cumulative = cumulative
	t.history = history
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	for _, e := range t.history {
		if e.Win {
			t.wins++
		} else {
			t.losses++
		}
	}
}

// Record adds a realized trade outcome. The cumulative sum is clamped to
// the overflow guard rather than allowed to grow unbounded: the bound
// must hold at all times, so a pathological input is clamped, not just
// logged.
func (t *Tracker) Record(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cumulative = t.cumulative.Add(e.PnL)
	if t.cumulative.Abs().GreaterThanOrEqual(overflowGuard) {
		t.log.Error("cumulative pnl approached overflow guard, clamping",
			zap.String("cumulative", t.cumulative.String()))
		if t.cumulative.IsPositive() {
			t.cumulative = overflowGuard.Sub(decimal.NewFromInt(1))
		} else {
			t.cumulative = overflowGuard.Neg().Add(decimal.NewFromInt(1))
		}
	}

	if e.Win {
		t.wins++
	} else {
		t.losses++
	}

	t.history = append(t.history, e)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
}

// Cumulative returns the current cumulative realized P&L.
func (t *Tracker) Cumulative() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cumulative
}

// WinRate returns wins / (wins+losses), or zero with no trades yet.
func (t *Tracker) WinRate() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := t.wins + t.losses
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(t.wins)).Div(decimal.NewFromInt(int64(total)))
}

// WinLossRatio returns the average-win/average-loss ratio `b` the
// position sizer's Kelly formula needs. Falls back to 1 with
// insufficient history.
func (t *Tracker) WinLossRatio() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sumWin, sumLoss decimal.Decimal
	var nWin, nLoss int
	for _, e := range t.history {
		if e.Win {
			sumWin = sumWin.Add(e.PnL)
			nWin++
		} else {
			sumLoss = sumLoss.Add(e.PnL.Abs())
			nLoss++
		}
	}
	if nWin == 0 || nLoss == 0 {
		return decimal.NewFromInt(1)
	}
	avgWin := sumWin.Div(decimal.NewFromInt(int64(nWin)))
	avgLoss := sumLoss.Div(decimal.NewFromInt(int64(nLoss)))
	if avgLoss.IsZero() {
		return decimal.NewFromInt(1)
	}
	return avgWin.Div(avgLoss)
}

// History returns a copy of the bounded P&L history, oldest first.
func (t *Tracker) History() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.history))
	copy(out, t.history)
	return out
}

// Snapshot is a point-in-time summary for the status query.
type Snapshot struct {
	Cumulative decimal.Decimal
	Wins       int
	Losses     int
	WinRate    decimal.Decimal
	Trades     int
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	wins, losses, cumulative := t.wins, t.losses, t.cumulative
	t.mu.RUnlock()

	winRate := decimal.Zero
	if total := wins + losses; total > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(total)))
	}
	return Snapshot{
		Cumulative: cumulative,
		Wins:       wins,
		Losses:     losses,
		WinRate:    winRate,
		Trades:     wins + losses,
	}
}
