package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindsImplementError(t *testing.T) {
	var err error = &ValidationError{Component: "vixgate", Reason: "stale"}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vixgate")

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "stale", ve.Reason)
}

func TestExecutionErrorDistinguishesTransient(t *testing.T) {
	transient := &ExecutionError{GroupID: 1, Leg: "SPY240621P500", Reason: "timeout", Transient: true}
	fatal := &ExecutionError{GroupID: 2, Leg: "SPY240621P500", Reason: "invalid", Transient: false}

	assert.True(t, transient.Transient)
	assert.False(t, fatal.Transient)
	assert.NotEqual(t, transient.Error(), fatal.Error())
}

func TestInvariantViolationIsDistinctType(t *testing.T) {
	var err error = &InvariantViolation{Component: "position", Detail: "no legs"}
	var iv *InvariantViolation
	require.True(t, errors.As(err, &iv))

	var ve *ValidationError
	assert.False(t, errors.As(err, &ve))
}
