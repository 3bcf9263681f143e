// Package engine wires the engine's components together and drives them
// in dependency order, one market bar at a time. The scheduling model
// is single-threaded and cooperative: every component runs to
// completion within the bar, and no component spawns its own goroutines
// inside the decision path.
package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/broker"
	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/internal/events"
	"github.com/kingtrader/optionsengine/internal/metrics"
	"github.com/kingtrader/optionsengine/internal/store"
)

// Context carries the engine's external collaborators: broker adapter,
// durable store, the immutable constants table, the event bus, and the
// metrics registry. It is passed by reference through constructors,
// never looked up on demand.
type Context struct {
	Log       *zap.Logger
	Constants *config.Constants
	Broker    broker.Adapter
	Store     *store.Store
	Bus       *events.Bus
	Metrics   *metrics.Registry
	Blackout  BlackoutCalendar
}

// BlackoutCalendar answers whether an underlying is inside a
// corporate-event blackout window (earnings, FOMC). The calendar data
// itself is an external source; the default is a no-op provider.
type BlackoutCalendar interface {
	Blocked(underlying string, t time.Time) bool
}

// NoopBlackout never blocks.
type NoopBlackout struct{}

func (NoopBlackout) Blocked(string, time.Time) bool { return false }
