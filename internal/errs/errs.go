// Package errs defines the error taxonomy for the trade lifecycle
// engine. Each kind is a concrete Go type rather than a generic wrapped
// string, so callers can branch with errors.As instead of string
// matching, and each kind carries the propagation policy its category
// implies.
package errs

import (
	"fmt"
	"time"
)

// ValidationError is a pre-trade check failure (stale data, unknown
// symbol, correlation cap, VIX gate). Policy: deny-and-log, not fatal.
type ValidationError struct {
	Component string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation [%s]: %s", e.Component, e.Reason)
}

// ExecutionError is an order rejection, partial fill, or timeout.
// Transient executes are attempted up to 3 times in total, 2s apart, before rollback;
// non-transient (Invalid, account-reject) roll back immediately.
type ExecutionError struct {
	GroupID   int64
	Leg       string
	Reason    string
	Transient bool
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution [group %d, leg %s]: %s", e.GroupID, e.Leg, e.Reason)
}

// InvariantViolation is internal state the code believes cannot happen
// (e.g. a POSITION_OPEN Position with no Legs). Always fatal: halts
// trading and enters manual mode.
type InvariantViolation struct {
	Component string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated [%s]: %s", e.Component, e.Detail)
}

// ExternalFailure is a broker-unreachable, data-feed-stalled, or
// persistent-store-unavailable condition. Treated like ExecutionError
// for in-flight trades; three occurrences within 30 minutes trigger
// manual mode.
type ExternalFailure struct {
	System string
	Reason string
}

func (e *ExternalFailure) Error() string {
	return fmt.Sprintf("external failure [%s]: %s", e.System, e.Reason)
}

// ConfigError is a missing or malformed constant. The process must
// refuse to start.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error [%s]: %s", e.Field, e.Reason)
}

// MaxExecutionRetries and RetrySpacing bound the retry-then-rollback
// handling of transient execution errors.
const (
	MaxExecutionRetries = 3
	RetrySpacing        = 2 * time.Second
)
