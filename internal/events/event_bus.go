// Package events provides the reporting sink for the trade lifecycle
// engine: a buffered event bus fanning RiskEvents,
// FSM transitions, and fill notifications out to subscribers (the
// WebSocket hub, the structured log, tests). The bus lives at the I/O
// boundary; the deterministic per-bar decision path never blocks on it.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/pkg/types"
)

// Type categorizes an engine event.
type Type string

const (
	TypeRisk       Type = "risk"
	TypeTransition Type = "transition"
	TypeFill       Type = "fill"
	TypeGroup      Type = "order_group"
	TypeStatus     Type = "status"
)

// Event is the line-oriented record the reporting sink emits: timestamp,
// severity, component, and a machine-readable payload.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  types.RiskLevel        `json:"severity"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// FromRiskEvent wraps a domain RiskEvent for publication.
func FromRiskEvent(component string, re types.RiskEvent) Event {
	return Event{
		Type:      TypeRisk,
		Timestamp: re.Timestamp,
		Severity:  re.Level,
		Component: component,
		Message:   re.Message,
		Payload:   mergePayload(re.Payload, map[string]interface{}{"kind": re.Kind}),
	}
}

// FromTransition records an FSM state change.
func FromTransition(positionID string, from, to types.FSMState, trigger types.Trigger, at time.Time) Event {
	return Event{
		Type:      TypeTransition,
		Timestamp: at,
		Severity:  types.RiskInfo,
		Component: "fsm",
		Message:   "state transition",
		Payload: map[string]interface{}{
			"positionId": positionID,
			"from":       string(from),
			"to":         string(to),
			"trigger":    string(trigger),
		},
	}
}

// FromFill records a realized fill.
func FromFill(instrumentKey string, qty int, price, fee decimal.Decimal, at time.Time) Event {
	return Event{
		Type:      TypeFill,
		Timestamp: at,
		Severity:  types.RiskInfo,
		Component: "executor",
		Message:   "leg filled",
		Payload: map[string]interface{}{
			"instrument": instrumentKey,
			"qty":        qty,
			"price":      price.String(),
			"fee":        fee.String(),
		},
	}
}

func mergePayload(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Handler processes one event. A panic inside a handler is recovered and
// counted; it never takes the bus down.
type Handler func(Event)

type subscription struct {
	id      int64
	evtType Type
	all     bool
	handler Handler
	active  atomic.Bool
}

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription = subscription

// Bus is the engine's event router. Publishing is non-blocking: when the
// buffer is full the event is dropped and counted rather than stalling
// the bar loop.
type Bus struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs []*subscription

	ch     chan Event
	subSeq int64

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config sizes the bus.
type Config struct {
	Workers    int
	BufferSize int
}

func DefaultConfig() Config {
	return Config{Workers: 4, BufferSize: 4096}
}

func NewBus(log *zap.Logger, cfg Config) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		log:    log.Named("event-bus"),
		ch:     make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.ch:
			b.dispatch(ev)
			b.processed.Add(1)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if !sub.all && sub.evtType != ev.Type {
			continue
		}
		b.run(sub, ev)
	}
}

func (b *Bus) run(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.log.Error("event handler panic",
				zap.Int64("subscription", sub.id),
				zap.String("eventType", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	sub.handler(ev)
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) *Subscription {
	return b.add(&subscription{evtType: t, handler: h})
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	return b.add(&subscription{all: true, handler: h})
}

func (b *Bus) add(sub *subscription) *subscription {
	sub.id = atomic.AddInt64(&b.subSeq, 1)
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
}

// Publish enqueues an event without blocking. Full buffer drops the
// event and increments the drop counter.
func (b *Bus) Publish(ev Event) {
	select {
	case b.ch <- ev:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.log.Warn("event dropped, bus buffer full", zap.String("type", string(ev.Type)))
	}
}

// PublishSync dispatches an event inline, bypassing the buffer. Tests use
// it when ordering matters; the engine publishes through Publish.
func (b *Bus) PublishSync(ev Event) {
	b.published.Add(1)
	b.dispatch(ev)
	b.processed.Add(1)
}

// Stats is a point-in-time counter snapshot for the status query.
type Stats struct {
	Published int64 `json:"published"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Panics    int64 `json:"panics"`
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
		Panics:    b.panics.Load(),
	}
}

// Close drains workers and shuts the bus down.
func (b *Bus) Close() {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.log.Warn("event bus shutdown timed out")
	}
}
