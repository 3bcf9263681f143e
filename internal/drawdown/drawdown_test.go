package drawdown

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/config"
	"github.com/kingtrader/optionsengine/pkg/types"
)

func newTestMonitor() *Monitor {
	return New(zap.NewNop(), config.Default())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPeakTracking(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()

	m.Update(d("100000"), now)
	m.Update(d("110000"), now)
	m.Update(d("105000"), now)

	assert.True(t, m.Peak().Equal(d("110000")))
}

func TestLevelLadder(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	m.Update(d("100000"), now)

	resp, _ := m.Update(d("95000"), now) // 5% down
	assert.Equal(t, LevelNormal, resp.Level)

	resp, ev := m.Update(d("88000"), now) // 12% down
	assert.Equal(t, LevelWarning, resp.Level)
	require.NotNil(t, ev)
	assert.Equal(t, types.RiskWarning, ev.Level)
	assert.True(t, resp.SizeMultiplier.Equal(d("0.5")))

	resp, _ = m.Update(d("83000"), now) // 17% down
	assert.Equal(t, LevelCritical, resp.Level)
	assert.True(t, resp.BlockNewEntries)
	assert.True(t, resp.TightenedProfitPct.Equal(d("0.25")))

	resp, ev = m.Update(d("78000"), now) // 22% down
	assert.Equal(t, LevelEmergency, resp.Level)
	require.NotNil(t, ev)
	assert.Equal(t, types.RiskEmergency, ev.Level)
	assert.True(t, resp.CloseLossThreshold.Equal(decimal.NewFromInt(1)))
	assert.True(t, resp.HalveRemainingSizes)
}

func TestLevelImprovementReverts(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	m.Update(d("100000"), now)
	m.Update(d("83000"), now)
	require.Equal(t, LevelCritical, m.Level())

	resp, ev := m.Update(d("95000"), now)
	assert.Equal(t, LevelNormal, resp.Level)
	assert.False(t, resp.BlockNewEntries)
	require.NotNil(t, ev)
}

func TestSeedRestoresPeak(t *testing.T) {
	m := newTestMonitor()
	m.Seed(d("120000"))

	resp, _ := m.Update(d("100000"), time.Now()) // 16.7% off the seeded peak
	assert.Equal(t, LevelCritical, resp.Level)
}

func TestNoEventWhenLevelUnchanged(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	m.Update(d("100000"), now)

	_, ev := m.Update(d("99000"), now)
	assert.Nil(t, ev)
}
