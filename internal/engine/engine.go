package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/correlation"
	"github.com/kingtrader/optionsengine/internal/drawdown"
	"github.com/kingtrader/optionsengine/internal/events"
	"github.com/kingtrader/optionsengine/internal/execution"
	"github.com/kingtrader/optionsengine/internal/exitengine"
	"github.com/kingtrader/optionsengine/internal/fsm"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/internal/performance"
	"github.com/kingtrader/optionsengine/internal/riskmanager"
	"github.com/kingtrader/optionsengine/internal/sizing"
	"github.com/kingtrader/optionsengine/internal/strategy"
	"github.com/kingtrader/optionsengine/internal/vixgate"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// State is the engine's control-plane run state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// pendingEntry tracks an order group placed for a new position until the
// group reaches a terminal status.
type pendingEntry struct {
	position *types.Position
	machine  *fsm.Machine
	proposal *strategy.Proposal
	margin   decimal.Decimal
}

// pendingClose tracks an in-flight close group. Tag is empty for a
// whole-position close, or a sub-position tag for a partial one.
type pendingClose struct {
	positionID string
	tag        string
	reason     string
}

// Engine drives all components in dependency order, one bar at a time.
type Engine struct {
	ec  *Context
	log *zap.Logger

	gate     *vixgate.Gate
	corr     *correlation.Limiter
	dd       *drawdown.Monitor
	manual   *riskmanager.ManualMode
	risk     *riskmanager.Manager
	sizer    *sizing.Sizer
	exec     *execution.Executor
	exits    *exitengine.Engine
	perf     *performance.Tracker
	registry *strategy.Registry
	stale    *marketdata.StaleTracker
	book     *Book

	mu             sync.Mutex
	state          State
	startValue     decimal.Decimal
	pendingEntries map[int64]*pendingEntry
	pendingCloses  map[int64]*pendingClose
	closing        map[string]bool // position ids with a close in flight
	lastSweep      time.Time
	lastQuoter     execution.Quoter // current bar's quotes, for limit-priced closes

	// PreBar, when set, runs before each bar is processed. The default
	// wiring uses it to feed quotes into the paper broker.
	PreBar func(types.Bar)
}

// New wires the full component graph from the shared Context. The caller
// supplies the account's starting value; portfolio value thereafter is
// start + realized + unrealized.
func New(ec *Context, startValue decimal.Decimal) *Engine {
	log := ec.Log
	c := ec.Constants

	gate := vixgate.New(log, c)
	corr := correlation.New(log, c)
	dd := drawdown.New(log, c)
	manual := riskmanager.NewManualMode(log, c.ManualModeOrderFailureWindow)
	risk := riskmanager.New(log, gate, corr, dd, manual)
	exec := execution.New(log, ec.Broker, ec.Store)

	e := &Engine{
		ec:             ec,
		log:            log.Named("engine"),
		gate:           gate,
		corr:           corr,
		dd:             dd,
		manual:         manual,
		risk:           risk,
		sizer:          sizing.New(log, c),
		exec:           exec,
		exits:          exitengine.New(log, c, corr),
		perf:           performance.New(log),
		registry:       strategy.NewRegistry(),
		stale:          marketdata.NewStaleTracker(log),
		book:           NewBook(log, ec.Store),
		state:          StateStopped,
		startValue:     startValue,
		pendingEntries: make(map[int64]*pendingEntry),
		pendingCloses:  make(map[int64]*pendingClose),
		closing:        make(map[string]bool),
	}

	// Manual mode cancels all pending orders on activation.
	manual.OnActivate = func(reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, id := range e.exec.ActiveGroupIDs() {
			if _, err := e.exec.Cancel(ctx, id, time.Now()); err != nil {
				e.log.Error("cancel on manual-mode activation failed", zap.Int64("groupId", id), zap.Error(err))
			}
		}
		e.publishRisk(types.RiskEvent{
			Kind: "manual_mode", Level: types.RiskEmergency, Timestamp: time.Now(),
			Message: "manual mode activated: " + reason,
		})
	}

	// Three consecutive stale reads for one underlying activate manual
	// mode.
	e.stale.OnThreeStrikes = func(underlying string) {
		manual.Activate("three consecutive stale data reads for " + underlying)
	}

	return e
}

// Recover restores persisted positions, the drawdown peak, and
// performance counters, then reconciles non-terminal order groups
// against the broker. Run once before the first bar.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.book.Restore(); err != nil {
		return err
	}

	var peak decimal.Decimal
	if found, err := e.ec.Store.Get("drawdown/peak", &peak); err == nil && found {
		e.dd.Seed(peak)
	}

	var cumulative decimal.Decimal
	var history []performance.Entry
	if found, err := e.ec.Store.Get("performance/cumulative", &cumulative); err == nil && found {
		if _, err := e.ec.Store.Get("performance/history", &history); err != nil {
			history = nil
		}
		e.perf.Seed(cumulative, history)
	}

	// Restored positions re-reserve their correlation slots.
	for _, p := range e.book.Open() {
		e.corr.Add(p.Underlying)
	}

	return execution.Reconcile(ctx, e.log, e.ec.Store, e.exec, time.Now())
}

// Start begins accepting bars.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateRunning
	e.log.Info("engine started")
}

// Pause stops processing new bars without touching open positions.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StatePaused
	e.log.Info("engine paused")
}

// Resume reverses Pause. It does not clear manual mode; that requires
// the explicit ExitManualMode call.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateRunning
	e.log.Info("engine resumed")
}

// EnterManualMode is the operator-invoked manual-mode trigger.
func (e *Engine) EnterManualMode(reason string) {
	e.manual.Activate(reason)
}

// ExitManualMode is the explicit operator resume; manual mode never
// clears itself.
func (e *Engine) ExitManualMode() {
	e.manual.Resume()
}

// ForceCloseAll flattens every open position with market orders and
// cancels all in-flight groups.
func (e *Engine) ForceCloseAll(ctx context.Context, reason string, now time.Time) {
	e.log.Warn("force-closing all positions", zap.String("reason", reason))

	for _, id := range e.exec.ActiveGroupIDs() {
		if _, isClose := e.lookupPendingClose(id); isClose {
			continue
		}
		group, err := e.exec.Cancel(ctx, id, now)
		if err != nil {
			e.log.Error("cancel during force-close failed", zap.Int64("groupId", id), zap.Error(err))
			continue
		}
		e.finishEntry(id, group, now)
	}

	for _, p := range e.book.Open() {
		e.closePosition(ctx, p, reason, true, now)
	}

	e.publishRisk(types.RiskEvent{
		Kind: "force_close_all", Level: types.RiskEmergency, Timestamp: now,
		Message: "force close all: " + reason,
		Payload: map[string]interface{}{"openPositions": len(e.book.Open())},
	})
}

func (e *Engine) lookupPendingClose(groupID int64) (*pendingClose, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc, ok := e.pendingCloses[groupID]
	return pc, ok
}

// PositionSummary is one row of the status snapshot.
type PositionSummary struct {
	ID            string              `json:"id"`
	Strategy      types.StrategyKind  `json:"strategy"`
	Underlying    string              `json:"underlying"`
	State         types.FSMState      `json:"state"`
	EntryCredit   decimal.Decimal     `json:"entryCredit"`
	CurrentValue  decimal.Decimal     `json:"currentValue"`
	UnrealizedPnL decimal.Decimal     `json:"unrealizedPnl"`
	Group         types.CorrelationGroupTag `json:"correlationGroup"`
}

// Snapshot is the control plane's structured status answer.
type Snapshot struct {
	State          State                           `json:"state"`
	ManualMode     bool                            `json:"manualMode"`
	ManualReason   string                          `json:"manualReason,omitempty"`
	PortfolioValue decimal.Decimal                 `json:"portfolioValue"`
	AccountPhase   types.AccountPhase              `json:"accountPhase"`
	DrawdownLevel  drawdown.Level                  `json:"drawdownLevel"`
	Positions      []PositionSummary               `json:"positions"`
	ActiveGroups   []int64                         `json:"activeGroups"`
	Performance    performance.Snapshot            `json:"performance"`
	Correlation    map[types.CorrelationGroupTag]int `json:"correlation"`
	Events         events.Stats                    `json:"events"`
}

// Status returns a point-in-time structured snapshot.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	pv := e.portfolioValue()
	positions := e.book.All()
	summaries := make([]PositionSummary, 0, len(positions))
	for _, p := range positions {
		_, m, _ := e.book.Get(p.ID)
		st := p.State
		if m != nil {
			st = m.State()
		}
		summaries = append(summaries, PositionSummary{
			ID: p.ID, Strategy: p.Strategy, Underlying: p.Underlying, State: st,
			EntryCredit: p.EntryCredit, CurrentValue: p.CurrentValue,
			UnrealizedPnL: p.UnrealizedPnL(), Group: p.CorrelationGroup,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	return Snapshot{
		State:          state,
		ManualMode:     e.manual.Active(),
		ManualReason:   e.manual.Reason(),
		PortfolioValue: pv,
		AccountPhase:   e.phaseFor(pv),
		DrawdownLevel:  e.dd.Level(),
		Positions:      summaries,
		ActiveGroups:   e.exec.ActiveGroupIDs(),
		Performance:    e.perf.Snapshot(),
		Correlation:    e.corr.Snapshot(),
		Events:         e.ec.Bus.Stats(),
	}
}

// portfolioValue is start + realized + unrealized, the shared read-mostly
// portfolio view.
func (e *Engine) portfolioValue() decimal.Decimal {
	return e.startValue.Add(e.perf.Cumulative()).Add(e.book.UnrealizedPnL())
}

// phaseFor maps a portfolio value onto an AccountPhase band. A value
// exactly at a band boundary takes the lower phase.
func (e *Engine) phaseFor(pv decimal.Decimal) types.AccountPhase {
	phase := types.Phase1
	for _, band := range e.ec.Constants.AccountPhases {
		if band.MinValue.IsZero() {
			continue
		}
		if pv.GreaterThan(band.MinValue) {
			phase = band.Phase
		}
	}
	return phase
}

func (e *Engine) publishRisk(re types.RiskEvent) {
	e.persistRiskEvent(re)
	e.ec.Bus.Publish(events.FromRiskEvent("engine", re))
}

func (e *Engine) persistRiskEvent(re types.RiskEvent) {
	key := "risk_events/" + re.Timestamp.UTC().Format("20060102T150405.000000000") + "_" + re.Kind
	if err := e.ec.Store.Put(key, re); err != nil {
		e.log.Warn("failed persisting risk event", zap.Error(err))
	}
}

// Book exposes the position book for tests and the API layer.
func (e *Engine) Book() *Book { return e.book }

// Performance exposes the tracker for the API layer.
func (e *Engine) Performance() *performance.Tracker { return e.perf }
