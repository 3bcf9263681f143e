package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultVIXBandsCoverAllRegimes(t *testing.T) {
	c := Default()
	require.Len(t, c.VIXBands, 8)
	assert.Equal(t, "HISTORIC", string(c.VIXBands[len(c.VIXBands)-1].Regime))
}

func TestAccountTierCapsAreAscending(t *testing.T) {
	c := Default()
	for i := 1; i < len(c.AccountTierCaps); i++ {
		assert.True(t, c.AccountTierCaps[i].MinValue.GreaterThan(c.AccountTierCaps[i-1].MinValue))
		assert.GreaterOrEqual(t, c.AccountTierCaps[i].Cap, c.AccountTierCaps[i-1].Cap)
	}
}

func TestStrategyHardCapsMatchSpec(t *testing.T) {
	c := Default()
	assert.Equal(t, 10, c.Strategies["0DTE"].HardContractCap)
	assert.Equal(t, 5, c.Strategies["LT112"].HardContractCap)
	assert.Equal(t, 3, c.Strategies["FuturesStrangle"].HardContractCap)
	assert.Equal(t, 100, c.Strategies["IPMCC"].HardContractCap)
	assert.Equal(t, 10, c.Strategies["LEAPLadder"].HardContractCap)
}

func TestLoadOperationalConfigDefaultsWhenNoPath(t *testing.T) {
	cfg, err := LoadOperationalConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.True(t, cfg.PaperTrade)
}
