package pbft

import (
	"github.com/ahwlsqja/pbft-ledger/types"
)

// armTimer (re)starts instance's round-change timer for round.
func (e *Engine) armTimer(instance, round int) {
	e.timers.restart(instance, e.config.timeoutFor(round), func() {
		e.onTimeout(instance, round)
	})
}

// onTimeout fires when round made no progress in time: move to round+1 and
// announce it with the prepared pair.
func (e *Engine) onTimeout(instance, armedRound int) {
	if e.ctx.Err() != nil {
		return
	}
	st := e.instances.get(instance)
	if st == nil {
		return
	}

	locks := e.locks.get(instance)
	locks.roundChange.Lock()
	if st.isDecided() || st.round() != armedRound {
		locks.roundChange.Unlock()
		return
	}
	round, preparedRound, preparedValue := st.bumpRound()
	e.armTimer(instance, round)
	locks.roundChange.Unlock()

	e.metrics.RoundChanged(instance, round)
	e.logger.Info("round timer expired", "instance", instance, "round", armedRound, "next_round", round, "prepared_round", preparedRound)

	e.broadcast(NewRoundChangeMsg(e.config.NodeID, instance, round, preparedRound, preparedValue))
}

// moveToRound jumps st forward to round and re-arms its timer.
func (e *Engine) moveToRound(st *instanceState, round int) bool {
	locks := e.locks.get(st.instance)
	locks.roundChange.Lock()
	defer locks.roundChange.Unlock()

	if !st.advanceRound(round) {
		return false
	}
	e.armTimer(st.instance, round)
	e.metrics.RoundChanged(st.instance, round)
	return true
}

// uponRoundChange handles a ROUND-CHANGE. A decided node answers with its
// decision; otherwise the node follows f+1 higher-round messages and, as
// the leader of its current round, proposes once a justified quorum exists.
func (e *Engine) uponRoundChange(sm *types.SignedMessage) {
	msg := sm.Message
	rc := msg.RoundChange
	instance, round := rc.Instance, rc.Round

	if rc.PreparedRound >= round {
		e.logger.Warn("malformed ROUND-CHANGE", "instance", instance, "round", round, "prepared_round", rc.PreparedRound, "sender", msg.SenderID)
		return
	}
	if (rc.PreparedRound == -1) != (rc.PreparedValue == nil) {
		e.logger.Warn("ROUND-CHANGE with partial prepared pair", "instance", instance, "round", round, "sender", msg.SenderID)
		return
	}
	if rc.PreparedValue != nil {
		if err := e.app.ValidateBlock(instance, rc.PreparedValue); err != nil {
			e.logger.Warn("ROUND-CHANGE carries invalid block", "instance", instance, "sender", msg.SenderID, "error", err)
			return
		}
	}

	e.roundChanges.AddMessage(sm)

	st := e.instances.getOrCreate(instance)
	if st == nil {
		return
	}

	// 이미 결정된 인스턴스: 뒤처진 노드가 따라올 수 있도록 결정값으로 COMMIT 전송
	if decidedRound, decidedValue := st.decided(); decidedRound != -1 {
		e.logger.Debug("replying to ROUND-CHANGE with decision", "instance", instance, "to", msg.SenderID)
		e.send(msg.SenderID, NewCommitMsg(e.config.NodeID, instance, decidedRound, decidedValue, msg.SenderID, msg.MessageID))
		return
	}

	e.followHigherRounds(st)
	e.proposeOnQuorum(st)

	// 이 라운드의 근거가 모였을 수 있으니 보류된 PRE-PREPARE를 다시 확인
	if parked := e.deferred.take(instance, round); parked != nil {
		if e.justifyPrePrepare(instance, round, parked.Message.PrePrepare.Value) {
			e.acceptPrePrepare(parked)
		} else {
			e.deferred.put(parked)
		}
	}
}

// followHigherRounds moves to the smallest higher round once f+1 distinct
// validators announced rounds above the current one.
func (e *Engine) followHigherRounds(st *instanceState) {
	locks := e.locks.get(st.instance)
	locks.roundChange.Lock()
	defer locks.roundChange.Unlock()

	current := st.round()
	higher := e.roundChanges.GetMessagesFromRoundGreaterThan(st.instance, current)

	senders := make(map[string]struct{}, len(higher))
	minRound := 0
	for _, sm := range higher {
		senders[sm.Message.SenderID] = struct{}{}
		if r := sm.Message.RoundChange.Round; minRound == 0 || r < minRound {
			minRound = r
		}
	}
	if len(senders) < e.validators.FaultyTolerance()+1 {
		return
	}
	if !st.advanceRound(minRound) {
		return
	}

	e.armTimer(st.instance, minRound)
	e.metrics.RoundChanged(st.instance, minRound)
	preparedRound, preparedValue := st.prepared()
	e.logger.Info("following higher round", "instance", st.instance, "from", current, "to", minRound, "senders", len(senders))

	e.broadcast(NewRoundChangeMsg(e.config.NodeID, st.instance, minRound, preparedRound, preparedValue))
}

// proposeOnQuorum broadcasts the PRE-PREPARE of the current round when this
// node leads it and a justified round-change quorum exists. The proposal
// carries the highest prepared value, else the input value.
func (e *Engine) proposeOnQuorum(st *instanceState) {
	locks := e.locks.get(st.instance)
	locks.roundChange.Lock()
	defer locks.roundChange.Unlock()

	round := st.round()
	if round <= 1 || !e.IsLeader(st.instance, round) {
		return
	}
	quorum, ok := e.roundChanges.RoundChangeQuorum(st.instance, round)
	if !ok {
		return
	}
	if !e.justifyRoundChange(st.instance, quorum) {
		e.logger.Warn("unjustified round-change quorum", "instance", st.instance, "round", round)
		return
	}

	_, value, _ := HighestPrepared(quorum)
	if value == nil {
		value = st.input()
	}
	if value == nil {
		if p, ok := e.app.(Proposer); ok {
			value = p.ProposeBlock(st.instance)
			if value != nil {
				st.adoptInput(value)
			}
		}
	}
	if value == nil {
		e.logger.Warn("nothing to propose after round change", "instance", st.instance, "round", round)
		return
	}
	if !st.markActed(round) {
		return
	}

	e.logger.Info("proposing after round change", "instance", st.instance, "round", round, "value", shortDigest(value))
	e.broadcast(NewPrePrepareMsg(e.config.NodeID, st.instance, round, value))
}
