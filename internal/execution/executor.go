// Package execution implements the Atomic Multi-Leg Executor:
// all-or-nothing multi-leg order placement with smart limit pricing,
// idempotent rollback, and crash-recovery reconciliation.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/broker"
	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/errs"
	"github.com/kingtrader/optionsengine/internal/idgen"
	"github.com/kingtrader/optionsengine/internal/marketdata"
	"github.com/kingtrader/optionsengine/internal/store"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Quoter supplies the bid/ask/last a leg needs for smart-limit pricing
// and freshness validation. The engine's per-bar market slice satisfies
// this via a thin adapter.
type Quoter interface {
	Quote(instrumentKey string) (types.Quote, bool)
	QuoteAt(instrumentKey string) time.Time
}

// legOrder tracks one leg's broker order through the monitoring loop.
type legOrder struct {
	leg      types.Leg
	orderID  broker.OrderID
	status   broker.OrderStatus
	isMarket bool
}

// groupDescriptor is the durable crash-recovery record persisted before
// the first leg is placed.
type groupDescriptor struct {
	GroupID   int64
	Strategy  types.StrategyKind
	Legs      []types.Leg
	CreatedAt time.Time
	Status    types.GroupStatus
}

// Executor drives one OrderGroup through placement, monitoring, and
// rollback. One Executor instance serves the whole engine; it is not
// per-group. The monitoring loop is cooperative, driven by repeated
// Poll() calls from the bar loop, not a goroutine.
type Executor struct {
	log    *zap.Logger
	adapter broker.Adapter
	st     *store.Store

	mu     sync.Mutex
	active map[int64]*groupState
}

type groupState struct {
	group   *types.OrderGroup
	legs    []*legOrder
	timeout time.Time
}

func New(log *zap.Logger, adapter broker.Adapter, st *store.Store) *Executor {
	return &Executor{
		log:     log.Named("atomic-executor"),
		adapter: adapter,
		st:      st,
		active:  make(map[int64]*groupState),
	}
}

// smartLimitPrice is bid + 0.40*(ask-bid) when
// buying, ask - 0.40*(ask-bid) when selling.
func smartLimitPrice(q types.Quote, signedQty int, fraction decimal.Decimal) (decimal.Decimal, bool) {
	if q.Bid.IsZero() || q.Ask.IsZero() || q.Ask.LessThan(q.Bid) {
		return decimal.Zero, false
	}
	spread := q.Ask.Sub(q.Bid)
	if signedQty > 0 {
		return q.Bid.Add(spread.Mul(fraction)), true
	}
	return q.Ask.Sub(spread.Mul(fraction)), true
}

// Open validates and places every leg of a new group, persisting the
// crash-recovery descriptor before the first leg goes out. It returns
// immediately after placement; callers must Poll until the group reaches
// a terminal status.
func (e *Executor) Open(ctx context.Context, strategy types.StrategyKind, legs []types.Leg, quoter Quoter,
	c *config.Constants, now time.Time, timeout time.Duration) (*types.OrderGroup, error) {

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for _, leg := range legs {
		if err := marketdata.CheckFreshness(c, marketdata.DatumBidAsk, quoter.QuoteAt(leg.Instrument.Key), now); err != nil {
			return nil, err
		}
	}

	group := &types.OrderGroup{
		GroupID:   idgen.NewGroupID(),
		Strategy:  strategy,
		Legs:      legs,
		CreatedAt: now,
		Timeout:   timeout,
		Status:    types.GroupPending,
	}

	desc := groupDescriptor{GroupID: group.GroupID, Strategy: strategy, Legs: legs, CreatedAt: now, Status: types.GroupPlacing}
	if err := e.st.Put(fmt.Sprintf("order_groups/%d", group.GroupID), desc); err != nil {
		return nil, &errs.ExternalFailure{System: "store", Reason: err.Error()}
	}

	gs := &groupState{group: group, timeout: now.Add(timeout)}
	group.Status = types.GroupPlacing

	for _, leg := range legs {
		lo := &legOrder{leg: leg}
		q, ok := quoter.Quote(leg.Instrument.Key)

		price, priceable := smartLimitPrice(q, leg.Quantity, decimal.NewFromFloat(0.40))
		if ok && priceable {
			id, err := e.adapter.PlaceLimit(ctx, leg.Instrument, leg.Quantity, price)
			if err != nil {
				e.log.Warn("leg placement failed, falling back to market", zap.Error(err))
				id, err = e.adapter.PlaceMarket(ctx, leg.Instrument, leg.Quantity)
				if err != nil {
					return nil, &errs.ExecutionError{GroupID: group.GroupID, Leg: leg.Instrument.Key, Reason: err.Error()}
				}
				lo.isMarket = true
			}
			lo.orderID = id
		} else {
			// Invalid bid/ask falls back to a market order.
			id, err := e.adapter.PlaceMarket(ctx, leg.Instrument, leg.Quantity)
			if err != nil {
				return nil, &errs.ExecutionError{GroupID: group.GroupID, Leg: leg.Instrument.Key, Reason: err.Error()}
			}
			lo.orderID = id
			lo.isMarket = true
		}
		gs.legs = append(gs.legs, lo)
	}

	group.Status = types.GroupMonitoring
	e.mu.Lock()
	e.active[group.GroupID] = gs
	e.mu.Unlock()

	return group, nil
}

// OpenMarket places every leg of a group as a market order, skipping the
// freshness gate and smart limit pricing. Defensive and emergency closes
// go through here, bypassing limit-price waiting.
func (e *Executor) OpenMarket(ctx context.Context, strategy types.StrategyKind, legs []types.Leg,
	now time.Time, timeout time.Duration) (*types.OrderGroup, error) {

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	group := &types.OrderGroup{
		GroupID:   idgen.NewGroupID(),
		Strategy:  strategy,
		Legs:      legs,
		CreatedAt: now,
		Timeout:   timeout,
		Status:    types.GroupPending,
	}

	desc := groupDescriptor{GroupID: group.GroupID, Strategy: strategy, Legs: legs, CreatedAt: now, Status: types.GroupPlacing}
	if err := e.st.Put(fmt.Sprintf("order_groups/%d", group.GroupID), desc); err != nil {
		return nil, &errs.ExternalFailure{System: "store", Reason: err.Error()}
	}

	gs := &groupState{group: group, timeout: now.Add(timeout)}
	group.Status = types.GroupPlacing

	for _, leg := range legs {
		id, err := e.adapter.PlaceMarket(ctx, leg.Instrument, leg.Quantity)
		if err != nil {
			return nil, &errs.ExecutionError{GroupID: group.GroupID, Leg: leg.Instrument.Key, Reason: err.Error()}
		}
		gs.legs = append(gs.legs, &legOrder{leg: leg, orderID: id, isMarket: true})
	}

	group.Status = types.GroupMonitoring
	e.mu.Lock()
	e.active[group.GroupID] = gs
	e.mu.Unlock()

	return group, nil
}

// Poll advances monitoring for an in-flight group: queries every leg's
// order status, detects fill/cancel/invalid combinations that demand
// rollback, and enforces the group timeout. Returns the
// updated group; callers should stop polling once group.Status.IsTerminal().
func (e *Executor) Poll(ctx context.Context, groupID int64, now time.Time) (*types.OrderGroup, error) {
	e.mu.Lock()
	gs, ok := e.active[groupID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown or already-terminal group %d", groupID)
	}

	anyFilled, anyBad, allFilled := false, false, true
	for _, lo := range gs.legs {
		st, err := e.adapter.QueryOrder(ctx, lo.orderID)
		if err != nil {
			e.log.Warn("query_order failed during monitoring", zap.Error(err))
			allFilled = false
			continue
		}
		lo.status = st
		switch st.State {
		case broker.StateFilled:
			anyFilled = true
		case broker.StateCanceled, broker.StateInvalid:
			anyBad = true
			allFilled = false
		default:
			allFilled = false
		}
	}

	timedOut := now.After(gs.timeout)

	switch {
	case allFilled:
		return e.finalizeFilled(gs, now)
	case (anyFilled && anyBad) || timedOut:
		return e.rollback(ctx, gs, now)
	default:
		return gs.group, nil
	}
}

func (e *Executor) finalizeFilled(gs *groupState, now time.Time) (*types.OrderGroup, error) {
	for _, lo := range gs.legs {
		gs.group.Filled = append(gs.group.Filled, types.FilledLeg{
			Leg: lo.leg, AvgFillPrice: lo.status.AvgPrice, FilledAt: now,
		})
	}
	gs.group.Status = types.GroupFilled

	e.mu.Lock()
	delete(e.active, gs.group.GroupID)
	e.mu.Unlock()

	if err := e.st.Put(fmt.Sprintf("order_groups/%d", gs.group.GroupID), gs.group); err != nil {
		e.log.Error("failed persisting filled group", zap.Error(err))
	}
	return gs.group, nil
}

// rollback cancels all still-open orders, flattens every already-filled
// leg with an exact negated-quantity market order, and marks the group
// rolled_back. Legs that were never polled are queried first. Idempotent:
// a group already rolled_back is a no-op on a second call.
func (e *Executor) rollback(ctx context.Context, gs *groupState, now time.Time) (*types.OrderGroup, error) {
	if gs.group.Status == types.GroupRolledBack {
		return gs.group, nil
	}
	gs.group.Status = types.GroupRollingBack

	for _, lo := range gs.legs {
		if lo.status.State == "" {
			if st, err := e.adapter.QueryOrder(ctx, lo.orderID); err == nil {
				lo.status = st
			}
		}
		switch lo.status.State {
		case broker.StateFilled:
			negated := -lo.leg.Quantity
			if _, err := e.adapter.PlaceMarket(ctx, lo.leg.Instrument, negated); err != nil {
				e.log.Error("rollback flatten order failed, best-effort continues", zap.Error(err),
					zap.String("instrument", lo.leg.Instrument.Key))
			}
		case broker.StateSubmitted, broker.StatePartiallyFilled, "":
			if err := e.adapter.Cancel(ctx, lo.orderID); err != nil {
				e.log.Error("rollback cancel failed", zap.Error(err), zap.String("orderId", string(lo.orderID)))
			}
		}
	}

	gs.group.Status = types.GroupRolledBack
	e.mu.Lock()
	delete(e.active, gs.group.GroupID)
	e.mu.Unlock()

	if err := e.st.Put(fmt.Sprintf("order_groups/%d", gs.group.GroupID), gs.group); err != nil {
		e.log.Error("failed persisting rolled-back group", zap.Error(err))
	}
	e.log.Warn("order group rolled back", zap.Int64("groupId", gs.group.GroupID))
	return gs.group, nil
}

// Cancel forces an immediate rollback of an in-flight group, e.g. on an
// emergency or manual-mode signal.
func (e *Executor) Cancel(ctx context.Context, groupID int64, now time.Time) (*types.OrderGroup, error) {
	e.mu.Lock()
	gs, ok := e.active[groupID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown or already-terminal group %d", groupID)
	}
	return e.rollback(ctx, gs, now)
}

// SweepStale is the stale-group sweep: any group whose
// monitoring loop has exceeded its timeout is force-rolled-back, even if
// Poll hasn't been called on it recently (e.g. a died loop). Intended to
// be invoked every 5 minutes by the engine.
func (e *Executor) SweepStale(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var expired []*groupState
	for _, gs := range e.active {
		if now.After(gs.timeout) {
			expired = append(expired, gs)
		}
	}
	e.mu.Unlock()

	for _, gs := range expired {
		if _, err := e.rollback(ctx, gs, now); err != nil {
			e.log.Error("stale sweep rollback failed", zap.Error(err))
		}
	}
}

// ActiveGroupIDs lists groups still in flight, for status reporting.
func (e *Executor) ActiveGroupIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}
