// Package broker defines the outbound Broker Adapter boundary and a
// paper-trading implementation used by tests and default wiring.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/pkg/types"
)

// OrderState is the broker-reported lifecycle of a single order.
type OrderState string

const (
	StateSubmitted       OrderState = "Submitted"
	StatePartiallyFilled OrderState = "PartiallyFilled"
	StateFilled          OrderState = "Filled"
	StateCanceled        OrderState = "Canceled"
	StateInvalid         OrderState = "Invalid"
)

// OrderID is an opaque broker-assigned identifier.
type OrderID string

// OrderStatus is the result of query_order.
type OrderStatus struct {
	State    OrderState
	AvgPrice decimal.Decimal
	FilledQty int
}

// IsTerminal reports whether the order will never change state again.
func (s OrderStatus) IsTerminal() bool {
	return s.State == StateFilled || s.State == StateCanceled || s.State == StateInvalid
}

// FeeFunc is the fee model the engine consults per fill: a function
// of instrument, quantity, and price, returning the fee in base currency.
// The engine does not mandate a specific model.
type FeeFunc func(instrument types.Instrument, qty int, price decimal.Decimal) decimal.Decimal

// FillEvent is an asynchronous fill notification.
type FillEvent struct {
	OrderID  OrderID
	Instrument types.Instrument
	Qty      int
	Price    decimal.Decimal
	Fee      decimal.Decimal
	At       time.Time
}

// Adapter is the four-operation broker boundary. Every method is a
// cancellable suspension point via ctx.
type Adapter interface {
	PlaceMarket(ctx context.Context, instrument types.Instrument, signedQty int) (OrderID, error)
	PlaceLimit(ctx context.Context, instrument types.Instrument, signedQty int, price decimal.Decimal) (OrderID, error)
	Cancel(ctx context.Context, id OrderID) error
	QueryOrder(ctx context.Context, id OrderID) (OrderStatus, error)
	// Fills streams asynchronous fill notifications. Callers must
	// not block the channel; the adapter drops fills if the consumer
	// falls behind rather than stall order placement.
	Fills() <-chan FillEvent
}

// order is the paper adapter's internal bookkeeping for one order.
type order struct {
	id         OrderID
	instrument types.Instrument
	signedQty  int
	limitPrice decimal.Decimal // zero => market
	status     OrderStatus
	placedAt   time.Time
}

// PaperConfig configures the in-memory paper adapter.
type PaperConfig struct {
	// FillDelay simulates broker ack latency before a resting limit order
	// is marked filled against the last-seen quote.
	FillDelay time.Duration
	Fee       FeeFunc
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		FillDelay: 0,
		Fee:       func(types.Instrument, int, decimal.Decimal) decimal.Decimal { return decimal.Zero },
	}
}

// PaperAdapter is an in-memory broker adapter for tests and default
// wiring. Market orders fill immediately at the last quote
// posted via SetQuote; limit orders fill immediately if marketable,
// otherwise remain Submitted until Tick() is called with a crossing
// quote.
type PaperAdapter struct {
	log    *zap.Logger
	cfg    PaperConfig
	mu     sync.Mutex
	orders map[OrderID]*order
	quotes map[string]types.Quote // keyed by instrument key
	fills  chan FillEvent
	seq    int64
}

func NewPaperAdapter(log *zap.Logger, cfg PaperConfig) *PaperAdapter {
	return &PaperAdapter{
		log:    log.Named("paper-broker"),
		cfg:    cfg,
		orders: make(map[OrderID]*order),
		quotes: make(map[string]types.Quote),
		fills:  make(chan FillEvent, 1024),
	}
}

// SetQuote updates the last-seen bid/ask for an instrument, consulted by
// fill simulation. Called by the engine once per bar from the market
// data slice, never concurrently with order placement in the
// single-threaded model.
func (p *PaperAdapter) SetQuote(instrumentKey string, q types.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[instrumentKey] = q
}

func (p *PaperAdapter) nextID() OrderID {
	p.seq++
	return OrderID(fmt.Sprintf("paper-%d", p.seq))
}

func (p *PaperAdapter) PlaceMarket(ctx context.Context, instrument types.Instrument, signedQty int) (OrderID, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID()
	q := p.quotes[instrument.Key]
	price := q.Price
	if signedQty > 0 {
		price = q.Ask
	} else if signedQty < 0 {
		price = q.Bid
	}
	if price.IsZero() {
		price = q.Price
	}

	o := &order{id: id, instrument: instrument, signedQty: signedQty, placedAt: time.Now(),
		status: OrderStatus{State: StateFilled, AvgPrice: price, FilledQty: abs(signedQty)}}
	p.orders[id] = o
	p.emitFill(o, price)
	return id, nil
}

func (p *PaperAdapter) PlaceLimit(ctx context.Context, instrument types.Instrument, signedQty int, price decimal.Decimal) (OrderID, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID()
	q := p.quotes[instrument.Key]
	o := &order{id: id, instrument: instrument, signedQty: signedQty, limitPrice: price, placedAt: time.Now(),
		status: OrderStatus{State: StateSubmitted}}

	if marketable(signedQty, price, q) {
		o.status = OrderStatus{State: StateFilled, AvgPrice: price, FilledQty: abs(signedQty)}
		p.orders[id] = o
		p.emitFill(o, price)
		return id, nil
	}

	p.orders[id] = o
	return id, nil
}

func marketable(signedQty int, limit decimal.Decimal, q types.Quote) bool {
	if q.Ask.IsZero() && q.Bid.IsZero() {
		return false
	}
	if signedQty > 0 {
		return !q.Ask.IsZero() && limit.GreaterThanOrEqual(q.Ask)
	}
	return !q.Bid.IsZero() && limit.LessThanOrEqual(q.Bid)
}

func (p *PaperAdapter) emitFill(o *order, price decimal.Decimal) {
	fee := decimal.Zero
	if p.cfg.Fee != nil {
		fee = p.cfg.Fee(o.instrument, o.signedQty, price)
	}
	ev := FillEvent{OrderID: o.id, Instrument: o.instrument, Qty: o.signedQty, Price: price, Fee: fee, At: time.Now()}
	select {
	case p.fills <- ev:
	default:
		p.log.Warn("fill channel full, dropping fill notification", zap.String("orderId", string(o.id)))
	}
}

// Tick re-evaluates resting limit orders against current quotes,
// filling any that have become marketable. Called once per bar by the
// engine, after SetQuote.
func (p *PaperAdapter) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, o := range p.orders {
		if o.status.State != StateSubmitted || o.limitPrice.IsZero() {
			continue
		}
		q := p.quotes[o.instrument.Key]
		if marketable(o.signedQty, o.limitPrice, q) {
			o.status = OrderStatus{State: StateFilled, AvgPrice: o.limitPrice, FilledQty: abs(o.signedQty)}
			p.emitFill(o, o.limitPrice)
		}
	}
}

func (p *PaperAdapter) Cancel(ctx context.Context, id OrderID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("unknown order %s", id)
	}
	if o.status.IsTerminal() {
		return nil
	}
	o.status = OrderStatus{State: StateCanceled}
	return nil
}

func (p *PaperAdapter) QueryOrder(ctx context.Context, id OrderID) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return OrderStatus{}, fmt.Errorf("unknown order %s", id)
	}
	return o.status, nil
}

func (p *PaperAdapter) Fills() <-chan FillEvent { return p.fills }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
