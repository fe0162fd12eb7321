package types

import (
	"fmt"
	"strings"
	"time"
)

// Behavior selects a fault-injection mode for a process. Everything other
// than Regular exists to exercise the protocol against Byzantine peers.
type Behavior string

const (
	Regular                      Behavior = "REGULAR"
	CorruptBroadcast             Behavior = "CORRUPT_BROADCAST"
	NonLeaderConsensusInitiation Behavior = "NON_LEADER_CONSENSUS_INITIATION"
	LeaderImpersonation          Behavior = "LEADER_IMPERSONATION"
	CrashAfterFixedTime          Behavior = "CRASH_AFTER_FIXED_TIME"
	CorruptLeader                Behavior = "CORRUPT_LEADER"
	RobberLeader                 Behavior = "ROBBER_LEADER"
)

// ParseBehavior maps a configuration string to a Behavior. The empty string
// is Regular.
func ParseBehavior(s string) (Behavior, error) {
	if s == "" {
		return Regular, nil
	}
	b := Behavior(strings.ToUpper(s))
	switch b {
	case Regular, CorruptBroadcast, NonLeaderConsensusInitiation, LeaderImpersonation,
		CrashAfterFixedTime, CorruptLeader, RobberLeader:
		return b, nil
	}
	return "", fmt.Errorf("unknown behavior %q", s)
}

// NodeProcessConfig describes one ledger node.
type NodeProcessConfig struct {
	ID             string        `mapstructure:"id" json:"id"`
	Hostname       string        `mapstructure:"hostname" json:"hostname"`
	Port           int           `mapstructure:"port" json:"port"`
	ClientPort     int           `mapstructure:"client_port" json:"client_port"`
	PrivateKeyPath string        `mapstructure:"private_key" json:"private_key"`
	PublicKeyPath  string        `mapstructure:"public_key" json:"public_key"`
	Behavior       Behavior      `mapstructure:"behavior" json:"behavior"`
	CrashTimeout   time.Duration `mapstructure:"crash_timeout" json:"crash_timeout"`
}

// ClientProcessConfig describes one client (and its ledger account).
type ClientProcessConfig struct {
	ID             string `mapstructure:"id" json:"id"`
	Hostname       string `mapstructure:"hostname" json:"hostname"`
	Port           int    `mapstructure:"port" json:"port"`
	PrivateKeyPath string `mapstructure:"private_key" json:"private_key"`
	PublicKeyPath  string `mapstructure:"public_key" json:"public_key"`
}

// Validator converts the node entry into its consensus identity.
func (c NodeProcessConfig) Validator() *Validator {
	return &Validator{
		ID:         c.ID,
		Hostname:   c.Hostname,
		Port:       c.Port,
		ClientPort: c.ClientPort,
	}
}
