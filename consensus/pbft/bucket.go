package pbft

import (
	"sync"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// MessageBucket accumulates signed protocol messages of one kind per
// (instance, round), keeping at most one message per sender. A later message
// from the same sender for the same slot replaces the earlier one; quorums
// count distinct senders so this does not affect safety.
type MessageBucket struct {
	mu         sync.RWMutex
	quorumSize int

	// instance -> round -> sender -> message
	slots map[int]map[int]map[string]*types.SignedMessage
}

// NewMessageBucket creates a bucket certifying values with quorumSize senders.
func NewMessageBucket(quorumSize int) *MessageBucket {
	return &MessageBucket{
		quorumSize: quorumSize,
		slots:      make(map[int]map[int]map[string]*types.SignedMessage),
	}
}

// AddMessage stores sm under its (instance, round, sender) slot.
func (b *MessageBucket) AddMessage(sm *types.SignedMessage) {
	instance, round, ok := sm.Message.Slot()
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rounds, ok := b.slots[instance]
	if !ok {
		rounds = make(map[int]map[string]*types.SignedMessage)
		b.slots[instance] = rounds
	}
	senders, ok := rounds[round]
	if !ok {
		senders = make(map[string]*types.SignedMessage)
		rounds[round] = senders
	}
	senders[sm.Message.SenderID] = sm
}

// GetMessages returns a copy of the messages stored for (instance, round).
func (b *MessageBucket) GetMessages(instance, round int) map[string]*types.SignedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]*types.SignedMessage, len(b.slots[instance][round]))
	for sender, sm := range b.slots[instance][round] {
		out[sender] = sm
	}
	return out
}

// HasValidQuorum groups the messages of (instance, round) by the value they
// carry and returns the value backed by at least quorumSize senders. Since
// quorumSize > N/2 at most one value can qualify.
func (b *MessageBucket) HasValidQuorum(instance, round int) (*types.Block, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int)
	values := make(map[string]*types.Block)
	for _, sm := range b.slots[instance][round] {
		value := sm.Message.Value()
		if value == nil {
			continue
		}
		digest := value.DigestString()
		counts[digest]++
		values[digest] = value
	}
	for digest, n := range counts {
		if n >= b.quorumSize {
			return values[digest], true
		}
	}
	return nil, false
}

// QuorumMessages returns the messages of (instance, round) that carry the
// quorum value, or nil when there is no quorum.
func (b *MessageBucket) QuorumMessages(instance, round int) []*types.SignedMessage {
	value, ok := b.HasValidQuorum(instance, round)
	if !ok {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*types.SignedMessage
	for _, sm := range b.slots[instance][round] {
		if sm.Message.Value().Equal(value) {
			out = append(out, sm)
		}
	}
	return out
}

// HasValidRoundChangeQuorum reports whether at least quorumSize distinct
// senders are stored for (instance, round).
func (b *MessageBucket) HasValidRoundChangeQuorum(instance, round int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.slots[instance][round]) >= b.quorumSize
}

// RoundChangeQuorum returns the stored messages of (instance, round) when they
// form a quorum.
func (b *MessageBucket) RoundChangeQuorum(instance, round int) ([]*types.SignedMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	senders := b.slots[instance][round]
	if len(senders) < b.quorumSize {
		return nil, false
	}
	out := make([]*types.SignedMessage, 0, len(senders))
	for _, sm := range senders {
		out = append(out, sm)
	}
	return out, true
}

// GetMessagesFromRoundGreaterThan returns every message of instance stored
// for a round strictly greater than round.
func (b *MessageBucket) GetMessagesFromRoundGreaterThan(instance, round int) []*types.SignedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*types.SignedMessage
	for r, senders := range b.slots[instance] {
		if r <= round {
			continue
		}
		for _, sm := range senders {
			out = append(out, sm)
		}
	}
	return out
}

// Prune drops every slot of instances <= upTo.
func (b *MessageBucket) Prune(upTo int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for instance := range b.slots {
		if instance <= upTo {
			delete(b.slots, instance)
		}
	}
}

// Instances returns how many instances currently hold messages.
func (b *MessageBucket) Instances() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.slots)
}

// HighestPrepared picks, among round-change messages, the prepared pair with
// the largest prepared round. ok is false when msgs is empty. A pair with
// round -1 and a nil value means nobody in msgs had prepared anything.
func HighestPrepared(msgs []*types.SignedMessage) (round int, value *types.Block, ok bool) {
	round = -1
	for _, sm := range msgs {
		rc := sm.Message.RoundChange
		if rc == nil {
			continue
		}
		ok = true
		if rc.PreparedValue != nil && rc.PreparedRound > round {
			round = rc.PreparedRound
			value = rc.PreparedValue
		}
	}
	return round, value, ok
}

// allUnprepared reports whether every round-change message carries a null
// prepared pair.
func allUnprepared(msgs []*types.SignedMessage) bool {
	for _, sm := range msgs {
		rc := sm.Message.RoundChange
		if rc == nil {
			continue
		}
		if rc.PreparedRound != -1 || rc.PreparedValue != nil {
			return false
		}
	}
	return true
}
