package engine

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/fsm"
	"github.com/kingtrader/optionsengine/internal/store"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// managedPosition pairs a Position record with its state machine and the
// engine-side bookkeeping (margin reservation) the risk checks need.
type managedPosition struct {
	pos     *types.Position
	machine *fsm.Machine
	margin  decimal.Decimal
}

// Book holds every live Position and its FSM. The Unified Risk Manager
// and the exit engine see Positions only through lookups here, never by
// owning them.
type Book struct {
	log *zap.Logger
	st  *store.Store

	mu        sync.RWMutex
	positions map[string]*managedPosition
}

func NewBook(log *zap.Logger, st *store.Store) *Book {
	return &Book{
		log:       log.Named("position-book"),
		st:        st,
		positions: make(map[string]*managedPosition),
	}
}

// Add registers a new managed position and persists it.
func (b *Book) Add(p *types.Position, m *fsm.Machine, margin decimal.Decimal) {
	b.mu.Lock()
	b.positions[p.ID] = &managedPosition{pos: p, machine: m, margin: margin}
	b.mu.Unlock()
	b.persist(p)
}

// Get returns the position and machine for id.
func (b *Book) Get(id string) (*types.Position, *fsm.Machine, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mp, ok := b.positions[id]
	if !ok {
		return nil, nil, false
	}
	return mp.pos, mp.machine, true
}

// Remove deletes a position from the book and from durable storage once
// it reaches a terminal state.
func (b *Book) Remove(id string) {
	b.mu.Lock()
	delete(b.positions, id)
	b.mu.Unlock()
	if err := b.st.Delete("positions/" + id); err != nil {
		b.log.Warn("failed deleting closed position record", zap.String("positionId", id), zap.Error(err))
	}
}

// Open returns every position currently in an open (non-terminal,
// post-fill) state.
func (b *Book) Open() []*types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.Position, 0, len(b.positions))
	for _, mp := range b.positions {
		switch mp.machine.State() {
		case types.StatePositionOpen, types.StateManaging, types.StateAdjusting, types.StatePartialExit:
			out = append(out, mp.pos)
		}
	}
	return out
}

// All returns every managed position regardless of state, for the status
// snapshot.
func (b *Book) All() []*types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.Position, 0, len(b.positions))
	for _, mp := range b.positions {
		out = append(out, mp.pos)
	}
	return out
}

// ByUnderlying returns open positions on one underlying (the IPMCC
// re-entry rule needs this).
func (b *Book) ByUnderlying(underlying string) []*types.Position {
	var out []*types.Position
	for _, p := range b.Open() {
		if p.Underlying == underlying {
			out = append(out, p)
		}
	}
	return out
}

// MarginUsed sums margin reservations across every position in the book,
// whatever its state.
func (b *Book) MarginUsed() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := decimal.Zero
	for _, mp := range b.positions {
		total = total.Add(mp.margin)
	}
	return total
}

// UnrealizedPnL sums unrealized P&L across open positions.
func (b *Book) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range b.Open() {
		total = total.Add(p.UnrealizedPnL())
	}
	return total
}

// Mark re-values every open position's legs against the bar's chains,
// updating CurrentValue (the cost to close) and each sub-position's
// slice of it. Legs with no quote this bar keep their previous mark.
func (b *Book) Mark(bar types.Bar) {
	for _, p := range b.Open() {
		if v, ok := markLegs(bar, p.Legs); ok {
			p.CurrentValue = v
		}
		for _, sub := range p.SubPositions {
			if sub.Closed {
				continue
			}
			if v, ok := markLegs(bar, sub.Legs); ok {
				sub.CurrentValue = v
			}
		}
		b.persist(p)
	}
}

// markLegs prices a leg slice as the cost to close it: a short leg costs
// its mid to buy back, a long leg returns its mid when sold.
func markLegs(bar types.Bar, legs []types.FilledLeg) (decimal.Decimal, bool) {
	total := decimal.Zero
	for _, fl := range legs {
		chain, ok := bar.Chains[fl.Leg.Instrument.Underlying]
		if !ok {
			return decimal.Zero, false
		}
		mid, ok := contractMid(chain, fl.Leg.Instrument.Key)
		if !ok {
			return decimal.Zero, false
		}
		qty := decimal.NewFromInt(int64(-fl.Leg.Quantity))
		total = total.Add(mid.Mul(qty).Mul(fl.Leg.Instrument.Multiplier))
	}
	return total, true
}

func contractMid(chain types.OptionChain, instrumentKey string) (decimal.Decimal, bool) {
	for _, oc := range chain.Contracts {
		if oc.Instrument.Key == instrumentKey {
			mid := oc.Mid()
			if mid.IsZero() {
				return decimal.Zero, false
			}
			return mid, true
		}
	}
	return decimal.Zero, false
}

// RecoverErrored attempts the 30-minute RESET for machines parked in
// ERROR.
func (b *Book) RecoverErrored() {
	b.mu.RLock()
	var ready []*managedPosition
	for _, mp := range b.positions {
		if mp.machine.ReadyForRecovery() {
			ready = append(ready, mp)
		}
	}
	b.mu.RUnlock()

	for _, mp := range ready {
		if mp.machine.Transition(types.StateReady, types.TriggerReset, nil) {
			b.log.Info("position recovered from ERROR", zap.String("positionId", mp.pos.ID))
		}
	}
}

func (b *Book) persist(p *types.Position) {
	p.State = stateOf(b, p.ID)
	if err := b.st.Put("positions/"+p.ID, p); err != nil {
		b.log.Error("failed persisting position", zap.String("positionId", p.ID), zap.Error(err))
	}
}

func stateOf(b *Book, id string) types.FSMState {
	if mp, ok := b.positions[id]; ok {
		return mp.machine.State()
	}
	return types.StateInitializing
}

// Restore reloads persisted positions on startup, recreating each FSM in
// its stored state.
func (b *Book) Restore() error {
	keys, err := b.st.ListNamespace("positions")
	if err != nil {
		return err
	}
	for _, key := range keys {
		var p types.Position
		found, err := b.st.Get(key, &p)
		if err != nil || !found {
			continue
		}
		m := fsm.Restore(b.log, p.ID, p.State)
		b.mu.Lock()
		b.positions[p.ID] = &managedPosition{pos: &p, machine: m}
		b.mu.Unlock()
		b.log.Info("restored position from durable storage",
			zap.String("positionId", p.ID), zap.String("state", string(p.State)))
	}
	return nil
}
