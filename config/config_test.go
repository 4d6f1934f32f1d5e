package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookup(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.MintAttemptTimeout)
	assert.Equal(t, "raw", cfg.ClearNodeAuthMode)
	assert.Equal(t, "SkillCert", cfg.ClearNodeAppName)
	assert.True(t, cfg.MinBalance.IsZero())
	assert.Nil(t, cfg.ChainID)
	assert.False(t, cfg.EventsEnabled)
	assert.False(t, cfg.LedgerConfigured())
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(lookup(map[string]string{
		"CHAIN_ID":                    "80002",
		"MIN_BALANCE_ETH":             "0.05",
		"MINT_ATTEMPT_TIMEOUT":        "3",
		"STORE_DRIVER":                "SQLITE",
		"DATABASE_URL":                "file:certsettle.db",
		"LEDGER_RPC_URL":              "http://localhost:8545",
		"BACKEND_PRIVATE_KEY":         "0x01",
		"CREDENTIAL_CONTRACT_ADDRESS": "0x1000000000000000000000000000000000000001",
		"EVENTS_ENABLED":              "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, int64(80002), cfg.ChainID.Int64())
	assert.Equal(t, "0.05", cfg.MinBalance.String())
	assert.Equal(t, 3*time.Second, cfg.MintAttemptTimeout)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.True(t, cfg.EventsEnabled)
	assert.True(t, cfg.LedgerConfigured())
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"chain id":     {"CHAIN_ID": "polygon"},
		"min balance":  {"MIN_BALANCE_ETH": "lots"},
		"timeout":      {"MINT_ATTEMPT_TIMEOUT": "soon"},
		"store":        {"STORE_DRIVER": "mongo"},
		"missing dsn":  {"STORE_DRIVER": "postgres"},
		"neg duration": {"CONFIRM_TIMEOUT": "-1m"},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromLookup(lookup(values))
			assert.Error(t, err)
		})
	}
}
