// Package fsm implements the per-Position strategy state machine.
// States and triggers are closed enumerations and the transition table
// is a static map, so an unknown state or trigger cannot exist at
// runtime.
package fsm

import (
	"time"

	"github.com/kingtrader/optionsengine/pkg/types"
	"go.uber.org/zap"
)

// maxHistory bounds the per-instance transition log.
const maxHistory = 1000

// maxConsecutiveErrors forces ERROR after this many enter/exit callback
// failures.
const maxConsecutiveErrors = 3

// errorRecoveryTimeout is the wall-clock duration ERROR must elapse
// before an automatic RESET to READY is attempted.
const errorRecoveryTimeout = 30 * time.Minute

// transitions is the allowed (from -> to) table.
var transitions = map[types.FSMState][]types.FSMState{
	types.StateInitializing: {types.StateReady, types.StateError},
	types.StateReady:        {types.StateAnalyzing, types.StateSuspended, types.StateError},
	types.StateAnalyzing:    {types.StatePendingEntry, types.StateReady, types.StateError},
	types.StatePendingEntry: {types.StateEntering, types.StateReady, types.StateSuspended, types.StateError},
	types.StateEntering:     {types.StatePositionOpen, types.StateError},
	types.StatePositionOpen: {types.StateManaging, types.StatePendingExit, types.StateError},
	types.StateManaging:     {types.StateAdjusting, types.StatePendingExit, types.StateError},
	types.StateAdjusting:    {types.StateManaging, types.StatePendingExit, types.StateError},
	types.StatePendingExit:  {types.StateExiting, types.StatePartialExit, types.StateError},
	types.StateExiting:      {types.StateClosed, types.StatePartialExit, types.StateError},
	types.StatePartialExit:  {types.StateManaging, types.StateExiting, types.StateError},
	types.StateClosed:       {types.StateReady, types.StateTerminated},
	types.StateError:        {types.StateReady, types.StateTerminated},
	types.StateSuspended:    {types.StateReady, types.StateTerminated},
	types.StateTerminated:   {},
}

// Transition is one recorded state change.
type Transition struct {
	Timestamp time.Time
	From      types.FSMState
	To        types.FSMState
	Trigger   types.Trigger
	Payload   map[string]interface{}
}

// Callback runs on entry to or exit from a state. A returned error counts
// toward the 3-strikes ERROR rule.
type Callback func(Transition) error

// Machine is one Position's state machine.
type Machine struct {
	log *zap.Logger

	positionID string
	state      types.FSMState
	history    []Transition

	consecutiveErrors int
	enteredErrorAt    time.Time

	onEnter map[types.FSMState][]Callback
	onExit  map[types.FSMState][]Callback
}

// New creates a Machine for positionID, starting in INITIALIZING.
func New(log *zap.Logger, positionID string) *Machine {
	return &Machine{
		log:        log.Named("fsm").With(zap.String("positionId", positionID)),
		positionID: positionID,
		state:      types.StateInitializing,
		onEnter:    make(map[types.FSMState][]Callback),
		onExit:     make(map[types.FSMState][]Callback),
	}
}

// Restore creates a Machine already parked in state s, for positions
// recovered from durable storage after a restart. The transition history
// is not replayed; it starts empty.
func Restore(log *zap.Logger, positionID string, s types.FSMState) *Machine {
	m := New(log, positionID)
	m.state = s
	if s == types.StateError {
		m.enteredErrorAt = time.Now()
	}
	return m
}

// State returns the current state.
func (m *Machine) State() types.FSMState { return m.state }

// History returns the bounded transition log, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// OnEnter registers a callback fired after entering state s.
func (m *Machine) OnEnter(s types.FSMState, cb Callback) {
	m.onEnter[s] = append(m.onEnter[s], cb)
}

// OnExit registers a callback fired before leaving state s.
func (m *Machine) OnExit(s types.FSMState, cb Callback) {
	m.onExit[s] = append(m.onExit[s], cb)
}

// CanTransition reports whether to is reachable from the current state.
func (m *Machine) CanTransition(to types.FSMState) bool {
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition attempts to move the machine to `to`. An illegal transition
// fails silently (logged, state untouched): it must never corrupt
// state. A legal transition that errors out of an enter/exit
// callback counts toward the 3-strikes ERROR rule.
func (m *Machine) Transition(to types.FSMState, trigger types.Trigger, payload map[string]interface{}) bool {
	if m.state == types.StateError && to == types.StateReady && trigger == types.TriggerReset {
		if time.Since(m.enteredErrorAt) < errorRecoveryTimeout {
			m.log.Debug("reset attempted before recovery timeout elapsed",
				zap.Duration("elapsed", time.Since(m.enteredErrorAt)))
			return false
		}
	}

	if !m.CanTransition(to) {
		m.log.Warn("illegal transition attempted",
			zap.String("from", string(m.state)), zap.String("to", string(to)),
			zap.String("trigger", string(trigger)))
		return false
	}

	t := Transition{Timestamp: time.Now(), From: m.state, To: to, Trigger: trigger, Payload: payload}

	if err := m.runCallbacks(m.onExit[m.state], t); err != nil {
		m.recordError(err, t)
		return false
	}

	from := m.state
	m.state = to

	if err := m.runCallbacks(m.onEnter[to], t); err != nil {
		m.state = from
		m.recordError(err, t)
		return false
	}

	m.appendHistory(t)
	m.consecutiveErrors = 0

	if to == types.StateError {
		m.enteredErrorAt = time.Now()
	}

	m.log.Info("transition", zap.String("from", string(from)), zap.String("to", string(to)),
		zap.String("trigger", string(trigger)))
	return true
}

func (m *Machine) runCallbacks(cbs []Callback, t Transition) error {
	for _, cb := range cbs {
		if err := cb(t); err != nil {
			return err
		}
	}
	return nil
}

// recordError implements the 3-strikes rule: three consecutive callback
// failures force the machine into ERROR regardless of the attempted
// transition.
func (m *Machine) recordError(err error, attempted Transition) {
	m.consecutiveErrors++
	m.log.Error("fsm callback failed", zap.Error(err), zap.Int("consecutiveErrors", m.consecutiveErrors),
		zap.String("attemptedTo", string(attempted.To)))

	if m.consecutiveErrors >= maxConsecutiveErrors && m.state != types.StateError {
		forced := Transition{
			Timestamp: time.Now(),
			From:      m.state,
			To:        types.StateError,
			Trigger:   types.TriggerSystemError,
		}
		m.state = types.StateError
		m.enteredErrorAt = time.Now()
		m.appendHistory(forced)
		m.consecutiveErrors = 0
		m.log.Error("forced into ERROR after repeated callback failures")
	}
}

func (m *Machine) appendHistory(t Transition) {
	m.history = append(m.history, t)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// ReadyForRecovery reports whether a machine parked in ERROR has waited
// out the 30-minute wall-clock window and can attempt RESET.
func (m *Machine) ReadyForRecovery() bool {
	return m.state == types.StateError && time.Since(m.enteredErrorAt) >= errorRecoveryTimeout
}
