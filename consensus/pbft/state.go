// Package pbft implements a PBFT/IBFT-style multi-round consensus engine.
package pbft

import (
	"sort"
	"sync"
	"time"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// InstanceInfo is a snapshot of one consensus instance.
type InstanceInfo struct {
	Instance int `json:"instance"`

	// InputValue is what this node proposes when it leads a round without a
	// prepared value to carry forward.
	InputValue *types.Block `json:"input_value,omitempty"`

	CurrentRound int `json:"current_round"`

	// -1 until a prepare quorum was observed
	PreparedRound int          `json:"prepared_round"`
	PreparedValue *types.Block `json:"prepared_value,omitempty"`

	// -1 until a commit quorum was observed
	DecidedRound int          `json:"decided_round"`
	DecidedValue *types.Block `json:"decided_value,omitempty"`

	// rounds in which a justified PRE-PREPARE was accepted
	PrePrepareRounds []int `json:"pre_prepare_rounds,omitempty"`

	Started   bool      `json:"started"`
	StartedAt time.Time `json:"started_at"`
}

// Decided reports whether the instance has decided.
func (i InstanceInfo) Decided() bool {
	return i.DecidedRound != -1
}

// instanceState is the mutable record behind InstanceInfo. Its own mutex
// keeps individual fields consistent; the at-most-once transitions are
// serialized by the per-instance lock domains in locks.go.
type instanceState struct {
	mu sync.RWMutex

	instance      int
	inputValue    *types.Block
	currentRound  int
	preparedRound int
	preparedValue *types.Block
	decidedRound  int
	decidedValue  *types.Block
	started       bool
	startedAt     time.Time

	prePrepared map[int]string // 라운드별로 수락한 PRE-PREPARE 값의 다이제스트
	acted       map[int]bool   // 라운드 체인지 쿼럼으로 PRE-PREPARE를 보낸 라운드
}

func newInstanceState(instance int) *instanceState {
	return &instanceState{
		instance:      instance,
		currentRound:  1,
		preparedRound: -1,
		decidedRound:  -1,
		prePrepared:   make(map[int]string),
		acted:         make(map[int]bool),
	}
}

// start marks the instance as locally started with input. It reports false
// if it had already been started.
func (s *instanceState) start(input *types.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return false
	}
	s.started = true
	s.startedAt = time.Now()
	s.inputValue = input
	return true
}

func (s *instanceState) input() *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputValue
}

// adoptInput sets the input value if none is known yet.
func (s *instanceState) adoptInput(value *types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputValue == nil {
		s.inputValue = value
	}
}

func (s *instanceState) round() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRound
}

// advanceRound moves the current round to round if that is an increase.
func (s *instanceState) advanceRound(round int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if round <= s.currentRound {
		return false
	}
	s.currentRound = round
	return true
}

// bumpRound increments the current round and returns it with the prepared pair.
func (s *instanceState) bumpRound() (round, preparedRound int, preparedValue *types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRound++
	return s.currentRound, s.preparedRound, s.preparedValue
}

func (s *instanceState) prepared() (int, *types.Block) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preparedRound, s.preparedValue
}

func (s *instanceState) setPrepared(round int, value *types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if round > s.preparedRound {
		s.preparedRound = round
		s.preparedValue = value
	}
}

func (s *instanceState) decided() (int, *types.Block) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decidedRound, s.decidedValue
}

func (s *instanceState) isDecided() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decidedRound != -1
}

// decide records the decision. A decided value is never replaced.
func (s *instanceState) decide(round int, value *types.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decidedRound != -1 {
		return false
	}
	s.decidedRound = round
	s.decidedValue = value
	return true
}

// markPrePrepared records the PRE-PREPARE value accepted for round. first
// reports whether this is the first PRE-PREPARE of the instance in any round;
// conflict reports a different value already accepted for the same round.
func (s *instanceState) markPrePrepared(round int, digest string) (first, conflict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.prePrepared[round]; ok {
		return false, prev != digest
	}
	first = len(s.prePrepared) == 0
	s.prePrepared[round] = digest
	return first, false
}

// markActed records that the round-change quorum of round was acted on.
func (s *instanceState) markActed(round int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acted[round] {
		return false
	}
	s.acted[round] = true
	return true
}

func (s *instanceState) snapshot() InstanceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rounds := make([]int, 0, len(s.prePrepared))
	for r := range s.prePrepared {
		rounds = append(rounds, r)
	}
	sort.Ints(rounds)

	return InstanceInfo{
		Instance:         s.instance,
		InputValue:       s.inputValue.Clone(),
		CurrentRound:     s.currentRound,
		PreparedRound:    s.preparedRound,
		PreparedValue:    s.preparedValue.Clone(),
		DecidedRound:     s.decidedRound,
		DecidedValue:     s.decidedValue.Clone(),
		PrePrepareRounds: rounds,
		Started:          s.started,
		StartedAt:        s.startedAt,
	}
}

// InstanceLog는 인스턴스별 상태를 보관한다. 보관 윈도우가 설정되면
// 적용이 끝난 오래된 인스턴스를 지운다.
type InstanceLog struct {
	mu     sync.RWMutex
	states map[int]*instanceState

	// 이 값 이하의 인스턴스는 이미 지워졌음
	prunedUpTo int
}

// NewInstanceLog creates an empty instance log.
func NewInstanceLog() *InstanceLog {
	return &InstanceLog{states: make(map[int]*instanceState)}
}

// getOrCreate returns the state of instance, creating it if necessary. It
// returns nil for instances that were already pruned.
func (il *InstanceLog) getOrCreate(instance int) *instanceState {
	il.mu.Lock()
	defer il.mu.Unlock()

	if instance <= il.prunedUpTo {
		return nil
	}
	if st, ok := il.states[instance]; ok {
		return st
	}
	st := newInstanceState(instance)
	il.states[instance] = st
	return st
}

func (il *InstanceLog) get(instance int) *instanceState {
	il.mu.RLock()
	defer il.mu.RUnlock()
	return il.states[instance]
}

// Snapshot returns a copy of instance's state.
func (il *InstanceLog) Snapshot(instance int) (InstanceInfo, bool) {
	st := il.get(instance)
	if st == nil {
		return InstanceInfo{}, false
	}
	return st.snapshot(), true
}

// Prune removes every instance <= upTo.
func (il *InstanceLog) Prune(upTo int) {
	il.mu.Lock()
	defer il.mu.Unlock()

	if upTo <= il.prunedUpTo {
		return
	}
	il.prunedUpTo = upTo
	for instance := range il.states {
		if instance <= upTo {
			delete(il.states, instance)
		}
	}
}

// PrunedUpTo returns the highest pruned instance.
func (il *InstanceLog) PrunedUpTo() int {
	il.mu.RLock()
	defer il.mu.RUnlock()
	return il.prunedUpTo
}

// Len returns the number of retained instances.
func (il *InstanceLog) Len() int {
	il.mu.RLock()
	defer il.mu.RUnlock()
	return len(il.states)
}
