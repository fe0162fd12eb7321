package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-ledger/types"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	for i, id := range []string{"node-1", "node-2", "node-3", "node-4"} {
		cfg.Nodes = append(cfg.Nodes, types.NodeProcessConfig{
			ID: id, Hostname: "localhost", Port: 3001 + i, ClientPort: 4001 + i,
		})
	}
	cfg.Clients = []types.ClientProcessConfig{{ID: "client-1", Hostname: "localhost", Port: 5001}}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"three nodes", func(c *Config) { c.Nodes = c.Nodes[:3] }, ErrInsufficientNodes},
		{"duplicate node", func(c *Config) { c.Nodes[1].ID = "node-1" }, ErrDuplicateProcessID},
		{"client reuses node id", func(c *Config) { c.Clients[0].ID = "node-2" }, ErrDuplicateProcessID},
		{"missing port", func(c *Config) { c.Nodes[2].ClientPort = 0 }, ErrMissingAddress},
		{"unknown behavior", func(c *Config) { c.Nodes[0].Behavior = "SLEEPY" }, ErrUnknownBehavior},
		{"crash without timeout", func(c *Config) { c.Nodes[0].Behavior = types.CrashAfterFixedTime }, ErrMissingCrashTimeout},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, ErrUnknownStore},
		{"negative fee", func(c *Config) { c.Ledger.FeeRate = -1 }, ErrNegativeFeeRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConfigDerivedViews(t *testing.T) {
	cfg := validConfig()

	vs := cfg.ValidatorSet()
	assert.Equal(t, 4, vs.Size())
	assert.Equal(t, 3, vs.QuorumSize())
	assert.Equal(t, []string{"client-1", "node-1", "node-2", "node-3", "node-4"}, cfg.AccountIDs())

	n, ok := cfg.NodeByID("node-3")
	require.True(t, ok)
	assert.Equal(t, 4003, n.ClientPort)
	_, ok = cfg.ClientByID("node-3")
	assert.False(t, ok)
}

const testYAML = `
nodes:
  - {id: node-1, hostname: localhost, port: 3001, client_port: 4001, private_key: keys/node-1.key, public_key: keys/node-1.pub}
  - {id: node-2, hostname: localhost, port: 3002, client_port: 4002, private_key: keys/node-2.key, public_key: keys/node-2.pub}
  - {id: node-3, hostname: localhost, port: 3003, client_port: 4003, private_key: keys/node-3.key, public_key: keys/node-3.pub, behavior: corrupt_leader}
  - {id: node-4, hostname: localhost, port: 3004, client_port: 4004, private_key: keys/node-4.key, public_key: keys/node-4.pub, behavior: CRASH_AFTER_FIXED_TIME, crash_timeout: 15s}
clients:
  - {id: client-1, hostname: localhost, port: 5001, private_key: keys/client-1.key, public_key: keys/client-1.pub}
consensus:
  round_change_timeout: 2s
ledger:
  accumulation_threshold: 4
  fee_rate: 0.05
store: BADGER
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o644))

	t.Setenv("LEDGER_LEDGER_INITIAL_BALANCE", "250")
	t.Setenv("LEDGER_METRICS_ENABLED", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Nodes, 4)
	assert.Equal(t, types.Regular, cfg.Nodes[0].Behavior)
	assert.Equal(t, types.CorruptLeader, cfg.Nodes[2].Behavior)
	assert.Equal(t, 15*time.Second, cfg.Nodes[3].CrashTimeout)
	assert.Equal(t, filepath.Join(dir, "keys", "node-1.key"), cfg.Nodes[0].PrivateKeyPath)

	assert.Equal(t, 2*time.Second, cfg.Consensus.RoundChangeTimeout)
	assert.Equal(t, 16, cfg.Consensus.Workers, "unset keys keep their defaults")
	assert.Equal(t, 4, cfg.Ledger.AccumulationThreshold)
	assert.InDelta(t, 0.05, cfg.Ledger.FeeRate, 1e-12)
	assert.InDelta(t, 250, cfg.Ledger.InitialBalance, 1e-12)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, StoreBadger, cfg.Store)
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: []\n"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInsufficientNodes)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
