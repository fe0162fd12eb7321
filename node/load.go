package node

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// EnvPrefix prefixes environment overrides, e.g.
// LEDGER_CONSENSUS_ROUND_CHANGE_TIMEOUT=3s.
const EnvPrefix = "LEDGER"

// LoadConfig reads path (YAML, JSON or TOML by extension) over DefaultConfig,
// applies environment overrides and validates the result. Relative key paths
// are resolved against the directory of path.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.normalize(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// the file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("consensus.round_change_timeout", d.Consensus.RoundChangeTimeout)
	v.SetDefault("consensus.retention_window", d.Consensus.RetentionWindow)
	v.SetDefault("consensus.workers", d.Consensus.Workers)

	v.SetDefault("link.base_timeout", d.Link.BaseTimeout)
	v.SetDefault("link.max_retransmit_interval", d.Link.MaxRetransmitInterval)
	v.SetDefault("link.max_attempts", d.Link.MaxAttempts)

	v.SetDefault("ledger.accumulation_threshold", d.Ledger.AccumulationThreshold)
	v.SetDefault("ledger.accumulation_delay", d.Ledger.AccumulationDelay)
	v.SetDefault("ledger.fee_rate", d.Ledger.FeeRate)
	v.SetDefault("ledger.initial_balance", d.Ledger.InitialBalance)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("status.enabled", d.Status.Enabled)
	v.SetDefault("status.addr", d.Status.Addr)

	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("store", d.Store)
}

// normalize canonicalizes behaviours and resolves key paths against baseDir.
func (c *Config) normalize(baseDir string) error {
	for i := range c.Nodes {
		b, err := types.ParseBehavior(string(c.Nodes[i].Behavior))
		if err != nil {
			return fmt.Errorf("%w: node %s: %v", ErrUnknownBehavior, c.Nodes[i].ID, err)
		}
		c.Nodes[i].Behavior = b
		c.Nodes[i].PrivateKeyPath = resolve(baseDir, c.Nodes[i].PrivateKeyPath)
		c.Nodes[i].PublicKeyPath = resolve(baseDir, c.Nodes[i].PublicKeyPath)
	}
	for i := range c.Clients {
		c.Clients[i].PrivateKeyPath = resolve(baseDir, c.Clients[i].PrivateKeyPath)
		c.Clients[i].PublicKeyPath = resolve(baseDir, c.Clients[i].PublicKeyPath)
	}
	c.Store = strings.ToLower(c.Store)
	return nil
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
