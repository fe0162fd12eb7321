package pbft

import (
	"sync"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// justifyPrePrepare checks that a PRE-PREPARE for round carries evidence.
// Round 1 needs none. A later round needs a round-change quorum for that
// round in which either nobody had prepared, or the highest prepared value is
// backed by a prepare quorum seen locally and equals the proposed value.
func (e *Engine) justifyPrePrepare(instance, round int, value *types.Block) bool {
	if round == 1 {
		return true
	}
	quorum, ok := e.roundChanges.RoundChangeQuorum(instance, round)
	if !ok {
		return false
	}
	if allUnprepared(quorum) {
		return true
	}
	preparedRound, preparedValue, _ := HighestPrepared(quorum)
	if preparedValue == nil {
		return false
	}
	certified, ok := e.prepares.HasValidQuorum(instance, preparedRound)
	return ok && certified.Equal(preparedValue) && value.Equal(preparedValue)
}

// justifyRoundChange checks a round-change quorum before the new leader acts
// on it. Same rule as justifyPrePrepare without a proposed value.
func (e *Engine) justifyRoundChange(instance int, quorum []*types.SignedMessage) bool {
	if allUnprepared(quorum) {
		return true
	}
	preparedRound, preparedValue, ok := HighestPrepared(quorum)
	if !ok || preparedValue == nil {
		return false
	}
	certified, ok := e.prepares.HasValidQuorum(instance, preparedRound)
	return ok && certified.Equal(preparedValue)
}

// deferredPrePrepares keeps the latest unjustified PRE-PREPARE per
// (instance, round). Round-change messages can arrive after the new leader's
// proposal; each new one re-evaluates the parked proposal of its round.
type deferredPrePrepares struct {
	mu    sync.Mutex
	slots map[int]map[int]*types.SignedMessage
}

func newDeferredPrePrepares() *deferredPrePrepares {
	return &deferredPrePrepares{slots: make(map[int]map[int]*types.SignedMessage)}
}

func (d *deferredPrePrepares) put(sm *types.SignedMessage) {
	instance, round, ok := sm.Message.Slot()
	if !ok || round == 1 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rounds, ok := d.slots[instance]
	if !ok {
		rounds = make(map[int]*types.SignedMessage)
		d.slots[instance] = rounds
	}
	rounds[round] = sm
}

// take removes and returns the parked PRE-PREPARE of (instance, round).
func (d *deferredPrePrepares) take(instance, round int) *types.SignedMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	sm := d.slots[instance][round]
	if sm != nil {
		delete(d.slots[instance], round)
		if len(d.slots[instance]) == 0 {
			delete(d.slots, instance)
		}
	}
	return sm
}

func (d *deferredPrePrepares) prune(upTo int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for instance := range d.slots {
		if instance <= upTo {
			delete(d.slots, instance)
		}
	}
}

func (d *deferredPrePrepares) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, rounds := range d.slots {
		n += len(rounds)
	}
	return n
}
