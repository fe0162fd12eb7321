package pbft

import (
	"context"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// ConsensusEngine is what the node and the status service need from an
// engine.
type ConsensusEngine interface {
	// Lifecycle
	Listen(ctx context.Context, receiver Receiver) error
	Stop()

	// Instance submission
	StartConsensus(block *types.Block) (bool, error)
	StartInstance(block *types.Block) (int, bool, error)
	WaitForDecision(ctx context.Context, instance int) (*types.Block, error)

	// State queries
	NodeID() string
	IsLeader(instance, round int) bool
	CurrentInstance() int
	LastDecided() int
	Instance(instance int) (InstanceInfo, bool)
}

var _ ConsensusEngine = (*Engine)(nil)
