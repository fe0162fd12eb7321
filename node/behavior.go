package node

import (
	"math/rand/v2"

	"github.com/hashicorp/go-hclog"

	"github.com/ahwlsqja/pbft-ledger/network"
	"github.com/ahwlsqja/pbft-ledger/types"
)

// ================================================================================
//                          장애 주입 (Byzantine behaviours)
// ================================================================================

// broadcastHook returns the link hook for behavior, or nil when the node
// broadcasts honestly. Copies addressed to self are never altered so the
// faulty node keeps a consistent view of what it proposed.
func broadcastHook(self string, behavior types.Behavior, logger hclog.Logger) network.BroadcastHook {
	switch behavior {
	case types.CorruptBroadcast:
		return func(dest string, msg *types.Message) *types.Message {
			if dest == self || !msg.Type.IsConsensus() {
				return nil
			}
			if corruptAmounts(msg) {
				logger.Warn("byzantine: corrupted transfer amounts", "type", msg.Type, "dest", dest)
			}
			return msg
		}

	case types.CorruptLeader:
		return func(dest string, msg *types.Message) *types.Message {
			if dest == self || msg.Type != types.PrePrepare || msg.PrePrepare == nil || msg.PrePrepare.Round != 1 {
				return nil
			}
			block := msg.PrePrepare.Value
			if block == nil || len(block.Requests) == 0 {
				return nil
			}
			block.Requests = block.Requests[:len(block.Requests)-1]
			logger.Warn("byzantine: dropped last request from PRE-PREPARE", "instance", msg.PrePrepare.Instance, "dest", dest)
			return msg
		}
	}
	return nil
}

// corruptAmounts adds noise to every transfer carried by msg's value. msg is
// a private copy.
func corruptAmounts(msg *types.Message) bool {
	var blocks []*types.Block
	switch {
	case msg.PrePrepare != nil:
		blocks = append(blocks, msg.PrePrepare.Value)
	case msg.Prepare != nil:
		blocks = append(blocks, msg.Prepare.Value)
	case msg.Commit != nil:
		blocks = append(blocks, msg.Commit.Value)
	case msg.RoundChange != nil:
		blocks = append(blocks, msg.RoundChange.PreparedValue)
	}

	changed := false
	for _, b := range blocks {
		if b == nil {
			continue
		}
		for i := range b.Requests {
			if t := b.Requests[i].Transfer; t != nil {
				t.Amount += rand.Float64() * 100
				changed = true
			}
		}
	}
	return changed
}
