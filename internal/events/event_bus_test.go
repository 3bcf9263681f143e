package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/pkg/types"
)

func newTestBus() *Bus {
	return NewBus(zap.NewNop(), Config{Workers: 2, BufferSize: 64})
}

func riskEvent() Event {
	return FromRiskEvent("test", types.RiskEvent{
		Kind: "unit", Level: types.RiskWarning, Timestamp: time.Now(), Message: "hello",
	})
}

func TestPublishSyncReachesSubscriber(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var mu sync.Mutex
	var got []Event
	b.Subscribe(TypeRisk, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	b.PublishSync(riskEvent())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, types.RiskWarning, got[0].Severity)
	assert.Equal(t, "test", got[0].Component)
}

func TestTypeFilteredSubscription(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	count := 0
	b.Subscribe(TypeFill, func(Event) { count++ })

	b.PublishSync(riskEvent())
	assert.Zero(t, count)
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	count := 0
	b.SubscribeAll(func(Event) { count++ })

	b.PublishSync(riskEvent())
	b.PublishSync(FromTransition("pos-1", types.StateEntering, types.StatePositionOpen, types.TriggerOrderFilled, time.Now()))
	assert.Equal(t, 2, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	count := 0
	sub := b.Subscribe(TypeRisk, func(Event) { count++ })
	b.PublishSync(riskEvent())
	b.Unsubscribe(sub)
	b.PublishSync(riskEvent())

	assert.Equal(t, 1, count)
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	b.Subscribe(TypeRisk, func(Event) { panic("boom") })
	delivered := false
	b.Subscribe(TypeRisk, func(Event) { delivered = true })

	b.PublishSync(riskEvent())

	assert.True(t, delivered, "a panic in one handler must not stop the others")
	assert.Equal(t, int64(1), b.Stats().Panics)
}

func TestAsyncPublishDrains(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(10)
	b.Subscribe(TypeRisk, func(Event) { wg.Done() })

	for i := 0; i < 10; i++ {
		b.Publish(riskEvent())
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async events not delivered")
	}
}

func TestDroppedWhenBufferFull(t *testing.T) {
	// One worker, tiny buffer, and a handler that blocks: publishes past
	// capacity are dropped, not blocking.
	b := NewBus(zap.NewNop(), Config{Workers: 1, BufferSize: 1})
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe(TypeRisk, func(Event) { <-block })

	for i := 0; i < 10; i++ {
		b.Publish(riskEvent())
	}
	close(block)

	assert.Greater(t, b.Stats().Dropped, int64(0))
}
