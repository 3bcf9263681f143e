package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/drawdown"
	"github.com/kingtrader/optionsengine/internal/events"
	"github.com/kingtrader/optionsengine/internal/exitengine"
	"github.com/kingtrader/optionsengine/internal/fsm"
	"github.com/kingtrader/optionsengine/internal/idgen"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/internal/performance"
	"github.com/kingtrader/optionsengine/internal/riskmanager"
	"github.com/kingtrader/optionsengine/internal/sizing"
	"github.com/kingtrader/optionsengine/internal/strategy"
	"github.com/kingtrader/optionsengine/internal/vixgate"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// OnBar processes one market data slice through the full per-bar
// control flow: refresh the risk view, poll in-flight groups, evaluate
// exits, then evaluate entries. Everything runs to completion within
// the bar.
func (e *Engine) OnBar(ctx context.Context, bar types.Bar) {
	e.mu.Lock()
	running := e.state == StateRunning
	e.mu.Unlock()
	if !running {
		return
	}

	barStart := time.Now()
	defer func() {
		if elapsed := time.Since(barStart); elapsed > 5*time.Second {
			e.log.Warn("bar processing exceeded soft limit", zap.Duration("elapsed", elapsed))
		}
	}()

	if e.PreBar != nil {
		e.PreBar(bar)
	}
	e.ec.Metrics.BarsProcessed.Inc()

	e.gate.Update(bar.VIX, bar.VIXAt)
	e.lastQuoter = barQuoter{bar: bar}

	// VIX above the halt threshold trips manual mode in addition
	// to the defensive closes the exit pass will issue.
	if bar.VIX.GreaterThan(e.ec.Constants.ManualModeVIXThreshold) && !e.manual.Active() {
		e.manual.Activate("VIX above halt-trading threshold")
	}

	e.book.Mark(bar)
	pv := e.portfolioValue()
	phase := e.phaseFor(pv)

	ddResp, ddEvent := e.dd.Update(pv, bar.Timestamp)
	if ddEvent != nil {
		e.publishRisk(*ddEvent)
	}
	e.ec.Metrics.DrawdownLevel.Set(drawdownGaugeValue(ddResp.Level))
	if err := e.ec.Store.Put("drawdown/peak", e.dd.Peak()); err != nil {
		e.log.Warn("failed persisting drawdown peak", zap.Error(err))
	}

	e.pollGroups(ctx, bar)
	e.evaluateExits(ctx, bar, pv, ddResp.CloseLossThreshold)
	e.evaluateEntries(ctx, bar, pv, phase)

	if e.lastSweep.IsZero() || bar.Timestamp.Sub(e.lastSweep) >= e.ec.Constants.StaleGroupSweep {
		e.exec.SweepStale(ctx, bar.Timestamp)
		e.lastSweep = bar.Timestamp
	}

	e.book.RecoverErrored()
	e.ec.Metrics.OpenPositions.Set(float64(len(e.book.Open())))
	pnl, _ := e.perf.Cumulative().Float64()
	e.ec.Metrics.RealizedPnL.Set(pnl)
	e.persistPerformance()
}

func (e *Engine) persistPerformance() {
	if err := e.ec.Store.Put("performance/cumulative", e.perf.Cumulative()); err != nil {
		e.log.Warn("failed persisting cumulative pnl", zap.Error(err))
	}
	if err := e.ec.Store.Put("performance/history", e.perf.History()); err != nil {
		e.log.Warn("failed persisting pnl history", zap.Error(err))
	}
}

// ---------------------------------------------------------------------
// Exits
// ---------------------------------------------------------------------

func (e *Engine) evaluateExits(ctx context.Context, bar types.Bar, pv, closeLossThreshold decimal.Decimal) {
	open := e.book.Open()
	marginUsed := e.book.MarginUsed()

	// Correlation breach: A1+A2 over the combined cap closes the weakest
	// position in the breached groups, not every one of them.
	counts := e.corr.Snapshot()
	if counts[types.CorrGroupA1]+counts[types.CorrGroupA2] > e.ec.Constants.CombinedA1A2Cap {
		if weakest := weakestEquityPosition(open); weakest != nil && !e.closing[weakest.ID] {
			e.log.Warn("correlation breach, closing weakest equity position",
				zap.String("positionId", weakest.ID))
			e.closePosition(ctx, weakest, "correlation breach, weakest position", true, bar.Timestamp)
		}
	}

	// Drawdown EMERGENCY: close every position with unrealized loss past
	// the threshold.
	if closeLossThreshold.IsPositive() {
		for _, p := range open {
			if e.closing[p.ID] || p.EntryCredit.IsZero() {
				continue
			}
			lossFrac := p.UnrealizedPnL().Neg().Div(p.EntryCredit.Abs())
			if lossFrac.GreaterThan(closeLossThreshold) {
				e.closePosition(ctx, p, "drawdown emergency, closing losing position", true, bar.Timestamp)
			}
		}
	}

	inputs := exitengine.DefensiveInputs{
		VIX:            bar.VIX,
		PortfolioValue: pv,
		MarginUsed:     marginUsed,
	}

	for _, p := range open {
		if e.closing[p.ID] {
			continue
		}

		// LT112 slices first: they may produce partial exits or force a
		// full close independent of the position-level cascade.
		if subs := e.exits.EvaluateLT112(p); len(subs) > 0 {
			forced := false
			for _, sv := range subs {
				if sv.CloseAll {
					e.closePosition(ctx, p, sv.Reason, true, bar.Timestamp)
					forced = true
					break
				}
				e.closeSubPosition(ctx, p, sv.Tag, sv.Reason, bar.Timestamp)
			}
			if forced || e.closing[p.ID] {
				continue
			}
		}

		v := e.exits.Evaluate(p, nearestDTE(p, bar.Timestamp), bar.Timestamp, inputs)
		if !v.Exit {
			continue
		}
		if v.Action == exitengine.ActionRoll {
			// A roll closes the near-dated legs now; the controller's
			// schedule re-establishes the short side on its next window.
			e.log.Info("roll signalled, closing near-dated legs",
				zap.String("positionId", p.ID), zap.String("reason", v.Reason))
		}
		e.closePosition(ctx, p, v.Reason, v.Urgent, bar.Timestamp)
	}
}

// weakestEquityPosition picks the worst-P&L open position in groups
// A1/A2, sparing the LEAP hedge.
func weakestEquityPosition(open []*types.Position) *types.Position {
	var weakest *types.Position
	for _, p := range open {
		if p.CorrelationGroup != types.CorrGroupA1 && p.CorrelationGroup != types.CorrGroupA2 {
			continue
		}
		if p.Strategy == types.StrategyLEAPLadder {
			continue
		}
		if weakest == nil || p.UnrealizedPnL().LessThan(weakest.UnrealizedPnL()) {
			weakest = p
		}
	}
	return weakest
}

// closePosition submits an atomic close group for every live leg of p.
// Urgent closes (defensive exits, stops, emergencies) flatten at market;
// the rest work a smart limit off the current bar's quotes, falling back
// to market if the quotes can't support one.
func (e *Engine) closePosition(ctx context.Context, p *types.Position, reason string, urgent bool, now time.Time) {
	_, m, ok := e.book.Get(p.ID)
	if !ok || e.closing[p.ID] {
		return
	}

	legs := negateFilled(p.Legs)
	if len(legs) == 0 {
		e.log.Error("position with no legs cannot be closed", zap.String("positionId", p.ID))
		return
	}

	m.Transition(types.StatePendingExit, triggerForReason(reason), map[string]interface{}{"reason": reason})
	m.Transition(types.StateExiting, triggerForReason(reason), nil)

	var group *types.OrderGroup
	var err error
	if !urgent && e.lastQuoter != nil {
		group, err = e.exec.Open(ctx, p.Strategy, legs, e.lastQuoter, e.ec.Constants, now, e.ec.Constants.DefaultGroupTimeout)
	}
	if group == nil {
		group, err = e.exec.OpenMarket(ctx, p.Strategy, legs, now, e.ec.Constants.DefaultGroupTimeout)
	}
	if err != nil {
		e.log.Error("close group placement failed", zap.String("positionId", p.ID), zap.Error(err))
		e.manual.RecordOrderFailure(now)
		m.Transition(types.StateError, types.TriggerSystemError, nil)
		return
	}

	e.mu.Lock()
	e.pendingCloses[group.GroupID] = &pendingClose{positionID: p.ID, reason: reason}
	e.closing[p.ID] = true
	e.mu.Unlock()
}

// closeSubPosition closes one independently-managed slice of p's legs.
func (e *Engine) closeSubPosition(ctx context.Context, p *types.Position, tag, reason string, now time.Time) {
	sub, ok := p.SubPositions[tag]
	if !ok || sub.Closed {
		return
	}
	_, m, ok := e.book.Get(p.ID)
	if !ok {
		return
	}

	m.Transition(types.StatePendingExit, types.TriggerProfitTargetHit, map[string]interface{}{"slice": tag})
	m.Transition(types.StatePartialExit, types.TriggerPartialFill, nil)

	group, err := e.exec.OpenMarket(ctx, p.Strategy, negateFilled(sub.Legs), now, e.ec.Constants.DefaultGroupTimeout)
	if err != nil {
		e.log.Error("sub-position close placement failed",
			zap.String("positionId", p.ID), zap.String("slice", tag), zap.Error(err))
		e.manual.RecordOrderFailure(now)
		m.Transition(types.StateError, types.TriggerSystemError, nil)
		return
	}

	e.mu.Lock()
	e.pendingCloses[group.GroupID] = &pendingClose{positionID: p.ID, tag: tag, reason: reason}
	e.mu.Unlock()
}

// ---------------------------------------------------------------------
// Entries
// ---------------------------------------------------------------------

// defaultEdge supplies (win rate p, win/loss ratio b) priors for the
// Kelly sizer until the live track record is long enough to use.
var defaultEdge = map[types.StrategyKind][2]float64{
	types.Strategy0DTE:            {0.70, 1.2},
	types.StrategyLT112:           {0.75, 1.0},
	types.StrategyFuturesStrangle: {0.70, 1.5},
	types.StrategyIPMCC:           {0.80, 1.0},
	types.StrategyLEAPLadder:      {0.40, 2.5},
}

const minTrackRecord = 30

func (e *Engine) evaluateEntries(ctx context.Context, bar types.Bar, pv decimal.Decimal, phase types.AccountPhase) {
	underlyings := make([]string, 0, len(bar.Chains))
	for u := range bar.Chains {
		underlyings = append(underlyings, u)
	}
	sort.Strings(underlyings)

	for _, ctrl := range e.registry.Controllers {
		for _, u := range underlyings {
			if e.ec.Blackout.Blocked(u, bar.Timestamp) {
				continue
			}

			chain := bar.Chains[u]
			fresh := marketdata.ChainFresh(e.ec.Constants, chain, bar.Timestamp)
			if ev := e.stale.Record(u, !fresh, bar.Timestamp); ev != nil {
				e.publishRisk(*ev)
			}
			if !fresh {
				continue
			}

			proposal, ok := ctrl.Propose(bar, u, e.book.ByUnderlying(u), e.ec.Constants)
			if !ok {
				continue
			}

			// Manual mode logs the intended trade as a suggestion and
			// never places it.
			if e.manual.Active() {
				e.log.Info("trade suggestion (manual mode, not placed)",
					zap.String("underlying", proposal.Underlying),
					zap.String("strategy", string(proposal.Strategy)),
					zap.String("creditEstimate", proposal.CreditEstimate.String()))
				e.publishRisk(types.RiskEvent{
					Kind: "trade_suggestion", Level: types.RiskInfo, Timestamp: bar.Timestamp,
					Message: "manual mode suggestion: " + string(proposal.Strategy) + " on " + proposal.Underlying,
					Payload: map[string]interface{}{
						"underlying": proposal.Underlying,
						"strategy":   string(proposal.Strategy),
						"legs":       len(proposal.Legs),
					},
				})
				continue
			}

			e.tryEnter(ctx, bar, proposal, pv, phase)
		}
	}
}

func (e *Engine) tryEnter(ctx context.Context, bar types.Bar, proposal *strategy.Proposal, pv decimal.Decimal, phase types.AccountPhase) {
	spot := bar.Prices[proposal.Underlying].Price
	reading, err := e.gate.Evaluate(phase, bar.Timestamp)
	regime := types.RegimeNormal
	if err == nil {
		regime = reading.Regime
	}
	perContractMargin := estimateMargin(proposal.Legs, spot, regime)

	decision := e.risk.CanOpen(riskmanager.Request{
		Underlying:     proposal.Underlying,
		Strategy:       proposal.Strategy,
		Phase:          phase,
		PortfolioValue: pv,
		MarginUsed:     e.book.MarginUsed(),
		ProposedMargin: perContractMargin,
	}, bar.Timestamp)
	for _, ev := range decision.Events {
		e.publishRisk(ev)
	}
	if !decision.Allowed {
		e.ec.Metrics.RiskDenials.WithLabelValues(denialGate(decision.Reason)).Inc()
		e.log.Debug("entry denied", zap.String("underlying", proposal.Underlying),
			zap.String("strategy", string(proposal.Strategy)), zap.String("reason", decision.Reason))
		return
	}

	p, b := e.edgeFor(proposal.Strategy)
	sized := e.sizer.Size(sizing.Request{
		Strategy:       proposal.Strategy,
		WinRate:        p,
		WinLossRatio:   b,
		AccountValue:   pv,
		SizeMultiplier: decision.SizeMultiplier,
	})

	// The gate approved one contract's margin; trim the sized count so
	// total utilization stays inside the regime's BP cap.
	contracts := sized.Contracts
	if err == nil && pv.IsPositive() && perContractMargin.IsPositive() {
		available := reading.MaxBP.Mul(pv).Sub(e.book.MarginUsed())
		for contracts > 1 && perContractMargin.Mul(decimal.NewFromInt(int64(contracts))).GreaterThan(available) {
			contracts--
		}
		if perContractMargin.Mul(decimal.NewFromInt(int64(contracts))).GreaterThan(available) {
			e.ec.Metrics.RiskDenials.WithLabelValues("buying_power").Inc()
			return
		}
	}

	legs := scaleLegs(proposal.Legs, contracts)
	totalMargin := perContractMargin.Mul(decimal.NewFromInt(int64(contracts)))

	pos := &types.Position{
		ID:         idgen.NewPositionID(),
		Strategy:   proposal.Strategy,
		Underlying: proposal.Underlying,
		EntryAt:    bar.Timestamp,
	}
	if tag, ok := e.corr.GroupOf(proposal.Underlying); ok {
		pos.CorrelationGroup = tag
	}

	machine := fsm.New(e.ec.Log, pos.ID)
	machine.Transition(types.StateReady, types.TriggerMarketOpen, nil)
	machine.Transition(types.StateAnalyzing, types.TriggerMarketOpen, nil)
	machine.Transition(types.StatePendingEntry, types.TriggerEntryConditionsMet, nil)
	machine.Transition(types.StateEntering, types.TriggerEntryConditionsMet, nil)

	group, err := e.exec.Open(ctx, proposal.Strategy, legs, barQuoter{bar: bar}, e.ec.Constants,
		bar.Timestamp, e.ec.Constants.DefaultGroupTimeout)
	if err != nil {
		e.log.Warn("entry group placement failed", zap.String("underlying", proposal.Underlying),
			zap.String("strategy", string(proposal.Strategy)), zap.Error(err))
		e.manual.RecordOrderFailure(bar.Timestamp)
		machine.Transition(types.StateError, types.TriggerOrderRejected, nil)
		return
	}

	pos.OrderGroupID = group.GroupID

	// Reserve the correlation slot at placement so the next strategy's
	// entry on this same bar sees it. Rolled
	// back groups release it.
	e.corr.Add(proposal.Underlying)

	e.mu.Lock()
	e.pendingEntries[group.GroupID] = &pendingEntry{
		position: pos, machine: machine, proposal: proposal, margin: totalMargin,
	}
	e.mu.Unlock()

	e.log.Info("entry placed", zap.String("underlying", proposal.Underlying),
		zap.String("strategy", string(proposal.Strategy)),
		zap.Int("contracts", contracts), zap.Int64("groupId", group.GroupID))
}

// denialGate buckets a deny reason into the gate that produced it, for
// the risk-denial counter labels.
func denialGate(reason string) string {
	switch {
	case strings.Contains(reason, "manual mode"):
		return "manual_mode"
	case strings.Contains(reason, "drawdown"):
		return "drawdown"
	case strings.Contains(reason, "VIX"), strings.Contains(reason, "0DTE"), strings.Contains(reason, "emergency"):
		return "vix"
	case strings.Contains(reason, "buying-power"):
		return "buying_power"
	default:
		return "correlation"
	}
}

func (e *Engine) edgeFor(kind types.StrategyKind) (decimal.Decimal, decimal.Decimal) {
	snap := e.perf.Snapshot()
	if snap.Trades >= minTrackRecord {
		return snap.WinRate, e.perf.WinLossRatio()
	}
	edge := defaultEdge[kind]
	return decimal.NewFromFloat(edge[0]), decimal.NewFromFloat(edge[1])
}

// ---------------------------------------------------------------------
// Group monitoring
// ---------------------------------------------------------------------

func (e *Engine) pollGroups(ctx context.Context, bar types.Bar) {
	e.mu.Lock()
	entryIDs := make([]int64, 0, len(e.pendingEntries))
	for id := range e.pendingEntries {
		entryIDs = append(entryIDs, id)
	}
	closeIDs := make([]int64, 0, len(e.pendingCloses))
	for id := range e.pendingCloses {
		closeIDs = append(closeIDs, id)
	}
	e.mu.Unlock()
	sort.Slice(entryIDs, func(i, j int) bool { return entryIDs[i] < entryIDs[j] })
	sort.Slice(closeIDs, func(i, j int) bool { return closeIDs[i] < closeIDs[j] })

	for _, id := range entryIDs {
		group, err := e.exec.Poll(ctx, id, bar.Timestamp)
		if err != nil {
			// The executor no longer tracks the group (cancelled out of
			// band, e.g. by manual-mode activation): resolve it as rolled
			// back so the reservation is released.
			e.finishEntry(id, &types.OrderGroup{GroupID: id, Status: types.GroupRolledBack}, bar.Timestamp)
			continue
		}
		if !group.Status.IsTerminal() {
			continue
		}
		e.finishEntry(id, group, bar.Timestamp)
	}

	for _, id := range closeIDs {
		group, err := e.exec.Poll(ctx, id, bar.Timestamp)
		if err != nil {
			e.finishClose(id, &types.OrderGroup{GroupID: id, Status: types.GroupRolledBack}, bar.Timestamp)
			continue
		}
		if !group.Status.IsTerminal() {
			continue
		}
		e.finishClose(id, group, bar.Timestamp)
	}
}

func (e *Engine) finishEntry(groupID int64, group *types.OrderGroup, now time.Time) {
	e.mu.Lock()
	pe, ok := e.pendingEntries[groupID]
	delete(e.pendingEntries, groupID)
	e.mu.Unlock()
	if !ok {
		return
	}

	e.ec.Metrics.GroupOutcomes.WithLabelValues(string(group.Status), string(group.Strategy)).Inc()

	if group.Status == types.GroupRolledBack {
		e.corr.Remove(pe.position.Underlying)
		e.manual.RecordOrderFailure(now)
		pe.machine.Transition(types.StateError, types.TriggerOrderRejected, nil)
		e.publishRisk(types.RiskEvent{
			Kind: "entry_rolled_back", Level: types.RiskWarning, Timestamp: now,
			Message: "entry order group rolled back",
			Payload: map[string]interface{}{"groupId": groupID, "strategy": string(group.Strategy)},
		})
		return
	}

	pos := pe.position
	pos.Legs = group.Filled
	pos.EntryCredit = creditOf(group.Filled)
	pos.CurrentValue = pos.EntryCredit
	pos.EntryAt = now

	if len(pos.Legs) == 0 {
		// A filled group with no legs cannot happen; halt.
		e.manual.Activate("invariant violation: filled entry group with no legs")
		return
	}
	for _, fl := range pos.Legs {
		if fl.Leg.Quantity == 0 {
			e.manual.Activate("invariant violation: filled leg with zero quantity")
			return
		}
	}

	if pe.proposal.SubPositionTags != nil {
		pos.SubPositions = make(map[string]*types.SubPosition, len(pe.proposal.SubPositionTags))
		for tag, span := range pe.proposal.SubPositionTags {
			lo, hi := span[0], span[1]
			if lo < 0 || hi > len(pos.Legs) || lo >= hi {
				continue
			}
			slice := pos.Legs[lo:hi]
			pos.SubPositions[tag] = &types.SubPosition{
				Tag:          tag,
				Legs:         slice,
				EntryCredit:  creditOf(slice),
				CurrentValue: creditOf(slice),
			}
		}
	}

	pe.machine.Transition(types.StatePositionOpen, types.TriggerOrderFilled, nil)
	e.book.Add(pos, pe.machine, pe.margin)
	e.manual.RecordOrderSuccess()
	e.ec.Metrics.FSMTransitions.WithLabelValues(string(types.StatePositionOpen)).Inc()

	for _, fl := range group.Filled {
		e.ec.Bus.Publish(events.FromFill(fl.Leg.Instrument.Key, fl.Leg.Quantity, fl.AvgFillPrice, decimal.Zero, now))
	}
	e.ec.Bus.Publish(events.FromTransition(pos.ID, types.StateEntering, types.StatePositionOpen, types.TriggerOrderFilled, now))
}

func (e *Engine) finishClose(groupID int64, group *types.OrderGroup, now time.Time) {
	e.mu.Lock()
	pc, ok := e.pendingCloses[groupID]
	delete(e.pendingCloses, groupID)
	e.mu.Unlock()
	if !ok {
		return
	}

	e.ec.Metrics.GroupOutcomes.WithLabelValues(string(group.Status), string(group.Strategy)).Inc()

	pos, m, found := e.book.Get(pc.positionID)
	if !found {
		return
	}

	if group.Status == types.GroupRolledBack {
		e.mu.Lock()
		delete(e.closing, pc.positionID)
		e.mu.Unlock()
		e.manual.RecordOrderFailure(now)
		m.Transition(types.StateError, types.TriggerSystemError, nil)
		return
	}

	closeCost := costOf(group.Filled)
	fees := e.commissionFor(group.Filled)

	if pc.tag != "" {
		// Partial: one LT112 slice closed, the rest stays open.
		sub := pos.SubPositions[pc.tag]
		if sub == nil {
			return
		}
		realized := sub.EntryCredit.Sub(closeCost).Sub(fees)
		sub.Closed = true
		pos.EntryCredit = pos.EntryCredit.Sub(sub.EntryCredit)
		pos.Legs = removeLegs(pos.Legs, sub.Legs)
		e.perf.Record(performanceEntry(now, pos.Strategy, realized))
		m.Transition(types.StateManaging, types.TriggerAdjustmentNeeded, map[string]interface{}{"closedSlice": pc.tag})
		e.book.persist(pos)
		e.log.Info("sub-position closed", zap.String("positionId", pos.ID),
			zap.String("slice", pc.tag), zap.String("realized", realized.String()))
		return
	}

	realized := pos.EntryCredit.Sub(closeCost).Sub(fees)
	e.perf.Record(performanceEntry(now, pos.Strategy, realized))
	e.corr.Remove(pos.Underlying)

	m.Transition(types.StateClosed, types.TriggerOrderFilled, map[string]interface{}{"reason": pc.reason})
	m.Transition(types.StateTerminated, types.TriggerReset, nil)
	e.ec.Metrics.FSMTransitions.WithLabelValues(string(types.StateClosed)).Inc()
	e.ec.Bus.Publish(events.FromTransition(pos.ID, types.StateExiting, types.StateClosed, types.TriggerOrderFilled, now))

	e.mu.Lock()
	delete(e.closing, pos.ID)
	e.mu.Unlock()
	e.book.Remove(pos.ID)

	e.log.Info("position closed", zap.String("positionId", pos.ID),
		zap.String("reason", pc.reason), zap.String("realized", realized.String()))
}

// ---------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------

// barQuoter adapts a bar's chains and underlying quotes to the
// executor's Quoter interface.
type barQuoter struct {
	bar types.Bar
}

func (q barQuoter) Quote(instrumentKey string) (types.Quote, bool) {
	if quote, ok := q.bar.Prices[instrumentKey]; ok {
		return quote, true
	}
	for _, chain := range q.bar.Chains {
		for _, oc := range chain.Contracts {
			if oc.Instrument.Key == instrumentKey {
				return types.Quote{
					Price: oc.Last, Bid: oc.Bid, Ask: oc.Ask, Timestamp: chain.QuotesAt,
				}, true
			}
		}
	}
	return types.Quote{}, false
}

func (q barQuoter) QuoteAt(instrumentKey string) time.Time {
	if quote, ok := q.bar.Prices[instrumentKey]; ok {
		return quote.Timestamp
	}
	for _, chain := range q.bar.Chains {
		for _, oc := range chain.Contracts {
			if oc.Instrument.Key == instrumentKey {
				return chain.QuotesAt
			}
		}
	}
	return time.Time{}
}

// estimateMargin is a coarse per-contract margin proxy: 20% of spot per
// short option leg, scaled by the regime's margin multiplier. Long legs
// consume premium, not margin.
func estimateMargin(legs []types.Leg, spot decimal.Decimal, regime types.VIXRegime) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range legs {
		if leg.Quantity >= 0 {
			continue
		}
		qty := decimal.NewFromInt(int64(-leg.Quantity))
		total = total.Add(spot.Mul(decimal.NewFromFloat(0.20)).Mul(leg.Instrument.Multiplier).Mul(qty))
	}
	return total.Mul(vixgate.MarginMultiplier(regime))
}

// nearestDTE returns the calendar days-to-expiry of the position's
// nearest-expiring option leg, the leg the DTE exit rules govern.
func nearestDTE(p *types.Position, now time.Time) int {
	best := -1
	for _, fl := range p.Legs {
		if fl.Leg.Instrument.Expiry.IsZero() {
			continue
		}
		dte := types.DTEFromExpiry(now, fl.Leg.Instrument.Expiry)
		if best < 0 || dte < best {
			best = dte
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

func scaleLegs(legs []types.Leg, contracts int) []types.Leg {
	out := make([]types.Leg, len(legs))
	for i, leg := range legs {
		out[i] = types.Leg{Instrument: leg.Instrument, Quantity: leg.Quantity * contracts}
	}
	return out
}

func negateFilled(legs []types.FilledLeg) []types.Leg {
	out := make([]types.Leg, 0, len(legs))
	for _, fl := range legs {
		out = append(out, types.Leg{Instrument: fl.Leg.Instrument, Quantity: -fl.Leg.Quantity})
	}
	return out
}

// creditOf values an entry fill as cash received: short legs contribute
// premium in, long legs premium out.
func creditOf(filled []types.FilledLeg) decimal.Decimal {
	total := decimal.Zero
	for _, fl := range filled {
		qty := decimal.NewFromInt(int64(-fl.Leg.Quantity))
		total = total.Add(fl.AvgFillPrice.Mul(qty).Mul(fl.Leg.Instrument.Multiplier))
	}
	return total
}

// costOf values a close fill as cash paid out.
func costOf(filled []types.FilledLeg) decimal.Decimal {
	total := decimal.Zero
	for _, fl := range filled {
		qty := decimal.NewFromInt(int64(fl.Leg.Quantity))
		total = total.Add(fl.AvgFillPrice.Mul(qty).Mul(fl.Leg.Instrument.Multiplier))
	}
	return total
}

func removeLegs(legs, toRemove []types.FilledLeg) []types.FilledLeg {
	removed := make(map[string]int, len(toRemove))
	for _, fl := range toRemove {
		removed[fl.Leg.Instrument.Key]++
	}
	out := make([]types.FilledLeg, 0, len(legs))
	for _, fl := range legs {
		if removed[fl.Leg.Instrument.Key] > 0 {
			removed[fl.Leg.Instrument.Key]--
			continue
		}
		out = append(out, fl)
	}
	return out
}

func (e *Engine) commissionFor(filled []types.FilledLeg) decimal.Decimal {
	sched := e.ec.Constants.Commission
	total := decimal.Zero
	for _, fl := range filled {
		qty := decimal.NewFromInt(int64(abs(fl.Leg.Quantity)))
		var per decimal.Decimal
		switch fl.Leg.Instrument.Kind {
		case types.InstrumentFutureOption:
			per = sched.FuturesOptionFlat
		default:
			per = sched.OptionClose
		}
		fee := per.Mul(qty)
		if !sched.OptionMaxPerLeg.IsZero() && fee.GreaterThan(sched.OptionMaxPerLeg) {
			fee = sched.OptionMaxPerLeg
		}
		total = total.Add(fee)
	}
	return total
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func performanceEntry(at time.Time, kind types.StrategyKind, pnl decimal.Decimal) performance.Entry {
	return performance.Entry{At: at, Strategy: string(kind), PnL: pnl, Win: pnl.IsPositive()}
}

func triggerForReason(reason string) types.Trigger {
	switch {
	case strings.Contains(reason, "profit"):
		return types.TriggerProfitTargetHit
	case strings.Contains(reason, "stop loss"):
		return types.TriggerStopLossHit
	case strings.Contains(reason, "DTE"):
		return types.TriggerDefensiveExitDTE
	case strings.Contains(reason, "VIX"):
		return types.TriggerVIXSpike
	case strings.Contains(reason, "margin"):
		return types.TriggerMarginCall
	case strings.Contains(reason, "correlation"), strings.Contains(reason, "drawdown"), strings.Contains(reason, "force close"):
		return types.TriggerEmergencyExit
	default:
		return types.TriggerManualOverride
	}
}

func drawdownGaugeValue(level drawdown.Level) float64 {
	switch level {
	case drawdown.LevelWarning:
		return 1
	case drawdown.LevelCritical:
		return 2
	case drawdown.LevelEmergency:
		return 3
	default:
		return 0
	}
}
