package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/pkg/types"
)

func newTestLimiter() *Limiter {
	return New(zap.NewNop(), config.Default())
}

func TestUnknownUnderlyingDenied(t *testing.T) {
	l := newTestLimiter()
	d := l.CanAdd("XYZZY", types.Phase4, types.RegimeNormal)
	assert.False(t, d.Allowed)
	assert.Equal(t, "unknown underlying", d.Reason)
}

func TestPhaseCaps(t *testing.T) {
	l := newTestLimiter()

	// Phase 1 cap is 1 per group.
	d := l.CanAdd("GLD", types.Phase1, types.RegimeNormal)
	require.True(t, d.Allowed)
	l.Add("GLD")

	d = l.CanAdd("GC", types.Phase1, types.RegimeNormal)
	assert.False(t, d.Allowed)

	// Phase 4 allows more room in the same group.
	d = l.CanAdd("GC", types.Phase4, types.RegimeNormal)
	assert.True(t, d.Allowed)
}

func TestVIXRegimeDecrementsCap(t *testing.T) {
	l := newTestLimiter()
	l.Add("CL")

	// Phase 4 cap is 3; HIGH regime decrements it to 2.
	d := l.CanAdd("USO", types.Phase4, types.RegimeNormal)
	require.True(t, d.Allowed)
	assert.Equal(t, 3, d.Cap)

	d = l.CanAdd("USO", types.Phase4, types.RegimeHigh)
	require.True(t, d.Allowed)
	assert.Equal(t, 2, d.Cap)
}

// TestCombinedEquityCap replays the August-2024 lesson: two SPY
// positions plus an MES strangle saturate A1/A2, and a QQQ proposal is
// denied before any broker call.
func TestCombinedEquityCap(t *testing.T) {
	l := newTestLimiter()
	l.Add("SPY")
	l.Add("SPY")
	l.Add("MES")

	d := l.CanAdd("QQQ", types.Phase4, types.RegimeNormal)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Total equity exposure at limit", d.Reason)
	assert.Equal(t, 3, d.Current)
	assert.Equal(t, 3, d.Cap)
}

func TestRemoveFreesCapacity(t *testing.T) {
	l := newTestLimiter()
	l.Add("SPY")
	l.Add("SPY")
	l.Add("QQQ")

	require.False(t, l.CanAdd("IWM", types.Phase4, types.RegimeNormal).Allowed)
	l.Remove("SPY")
	assert.True(t, l.CanAdd("IWM", types.Phase4, types.RegimeNormal).Allowed)
}

func TestBypassTokenConsumedOnUse(t *testing.T) {
	l := newTestLimiter()

	ok, _ := l.Bypass("token-1")
	assert.True(t, ok)

	ok, reason := l.Bypass("token-1")
	assert.False(t, ok)
	assert.Equal(t, "emergency token already consumed", reason)
}

func TestBypassWithoutTokenDenied(t *testing.T) {
	l := newTestLimiter()
	ok, _ := l.Bypass("")
	assert.False(t, ok)
}

func TestSnapshotCounts(t *testing.T) {
	l := newTestLimiter()
	l.Add("SPY")
	l.Add("QQQ")
	l.Add("GLD")

	snap := l.Snapshot()
	assert.Equal(t, 1, snap[types.CorrGroupA1])
	assert.Equal(t, 1, snap[types.CorrGroupA2])
	assert.Equal(t, 1, snap[types.CorrGroupB1])
}
