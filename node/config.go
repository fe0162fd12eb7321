// Package node wires a ledger node: links, consensus engine, ledger service,
// storage, metrics and the status service.
package node

import (
	"fmt"
	"time"

	"github.com/ahwlsqja/pbft-ledger/ledger"
	"github.com/ahwlsqja/pbft-ledger/network"
	"github.com/ahwlsqja/pbft-ledger/types"
)

// Store backends
const (
	StoreFile   = "file"
	StoreBadger = "badger"
	StoreNone   = "none"
)

// Config holds the configuration shared by every process of a deployment.
// Each node picks its own entry from Nodes by id.
type Config struct {
	// 프로세스 목록
	Nodes   []types.NodeProcessConfig   `mapstructure:"nodes"`
	Clients []types.ClientProcessConfig `mapstructure:"clients"`

	Consensus ConsensusConfig `mapstructure:"consensus"`
	Link      LinkConfig      `mapstructure:"link"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`

	// Logging
	Log LogConfig `mapstructure:"log"`

	// Prometheus metrics
	Metrics MetricsConfig `mapstructure:"metrics"`

	// gRPC status service
	Status StatusConfig `mapstructure:"status"`

	// Data directory, one subdirectory per node
	DataDir string `mapstructure:"data_dir"`
	Store   string `mapstructure:"store"`
}

// ConsensusConfig tunes the consensus engine.
type ConsensusConfig struct {
	RoundChangeTimeout time.Duration `mapstructure:"round_change_timeout"`
	RetentionWindow    int           `mapstructure:"retention_window"`
	Workers            int           `mapstructure:"workers"`
}

// LinkConfig tunes retransmission on both links.
type LinkConfig struct {
	BaseTimeout           time.Duration `mapstructure:"base_timeout"`
	MaxRetransmitInterval time.Duration `mapstructure:"max_retransmit_interval"`
	MaxAttempts           uint64        `mapstructure:"max_attempts"`
}

// LedgerConfig tunes the ledger and request batching.
type LedgerConfig struct {
	AccumulationThreshold int           `mapstructure:"accumulation_threshold"`
	AccumulationDelay     time.Duration `mapstructure:"accumulation_delay"`
	FeeRate               float64       `mapstructure:"fee_rate"`
	InitialBalance        float64       `mapstructure:"initial_balance"`
}

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// StatusConfig controls the gRPC status service.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultConfig returns a configuration with every tunable set and no
// processes.
func DefaultConfig() *Config {
	service := ledger.DefaultServiceConfig()
	return &Config{
		Nodes:   []types.NodeProcessConfig{},
		Clients: []types.ClientProcessConfig{},
		Consensus: ConsensusConfig{
			RoundChangeTimeout: 7 * time.Second,
			RetentionWindow:    0,
			Workers:            16,
		},
		Link: LinkConfig{
			BaseTimeout:           network.DefaultBaseTimeout,
			MaxRetransmitInterval: network.DefaultMaxRetransmitInterval,
			MaxAttempts:           0,
		},
		Ledger: LedgerConfig{
			AccumulationThreshold: service.AccumulationThreshold,
			AccumulationDelay:     service.AccumulationDelay,
			FeeRate:               ledger.DefaultFeeRate,
			InitialBalance:        ledger.DefaultInitialBalance,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:26660",
		},
		Status: StatusConfig{
			Enabled: false,
			Addr:    "127.0.0.1:26670",
		},
		DataDir: "./data",
		Store:   StoreFile,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Nodes) < 4 {
		return ErrInsufficientNodes
	}

	seen := make(map[string]struct{}, len(c.Nodes)+len(c.Clients))
	for _, n := range c.Nodes {
		if n.ID == "" {
			return ErrEmptyProcessID
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateProcessID, n.ID)
		}
		seen[n.ID] = struct{}{}
		if n.Hostname == "" || n.Port <= 0 || n.ClientPort <= 0 {
			return fmt.Errorf("%w: node %s", ErrMissingAddress, n.ID)
		}
		if _, err := types.ParseBehavior(string(n.Behavior)); err != nil {
			return fmt.Errorf("%w: node %s: %v", ErrUnknownBehavior, n.ID, err)
		}
		if n.Behavior == types.CrashAfterFixedTime && n.CrashTimeout <= 0 {
			return fmt.Errorf("%w: node %s", ErrMissingCrashTimeout, n.ID)
		}
	}
	for _, cl := range c.Clients {
		if cl.ID == "" {
			return ErrEmptyProcessID
		}
		if _, dup := seen[cl.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateProcessID, cl.ID)
		}
		seen[cl.ID] = struct{}{}
		if cl.Hostname == "" || cl.Port <= 0 {
			return fmt.Errorf("%w: client %s", ErrMissingAddress, cl.ID)
		}
	}

	switch c.Store {
	case StoreFile, StoreBadger, StoreNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Store)
	}
	if c.Consensus.RoundChangeTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Ledger.FeeRate < 0 {
		return ErrNegativeFeeRate
	}
	return nil
}

// NodeByID returns the entry of node id.
func (c *Config) NodeByID(id string) (types.NodeProcessConfig, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return types.NodeProcessConfig{}, false
}

// ClientByID returns the entry of client id.
func (c *Config) ClientByID(id string) (types.ClientProcessConfig, bool) {
	for _, cl := range c.Clients {
		if cl.ID == id {
			return cl, true
		}
	}
	return types.ClientProcessConfig{}, false
}

// ValidatorSet builds the static validator set in configuration order.
func (c *Config) ValidatorSet() *types.ValidatorSet {
	vals := make([]*types.Validator, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		vals = append(vals, n.Validator())
	}
	return types.NewValidatorSet(vals)
}

// AccountIDs lists every ledger account: clients first, then nodes.
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.Clients)+len(c.Nodes))
	for _, cl := range c.Clients {
		ids = append(ids, cl.ID)
	}
	for _, n := range c.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrInsufficientNodes   = configError("at least 4 nodes are required for BFT")
	ErrEmptyProcessID      = configError("process ID is required")
	ErrDuplicateProcessID  = configError("duplicate process ID")
	ErrMissingAddress      = configError("hostname and ports are required")
	ErrUnknownBehavior     = configError("unknown behavior")
	ErrMissingCrashTimeout = configError("crash_timeout is required for CRASH_AFTER_FIXED_TIME")
	ErrUnknownStore        = configError("store must be file, badger or none")
	ErrInvalidTimeout      = configError("round change timeout must be positive")
	ErrNegativeFeeRate     = configError("fee rate must not be negative")
	ErrUnknownNode         = configError("node is not in the configuration")
	ErrUnknownClient       = configError("client is not in the configuration")
)
