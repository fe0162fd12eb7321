package pbft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ahwlsqja/pbft-ledger/metrics"
	"github.com/ahwlsqja/pbft-ledger/network"
	"github.com/ahwlsqja/pbft-ledger/types"
	"github.com/ahwlsqja/pbft-ledger/worker"
)

var (
	// ErrAlreadyStarted is returned by StartConsensus when the instance slot
	// was already started locally.
	ErrAlreadyStarted = errors.New("consensus instance already started")

	// ErrEngineStopped is returned once Stop was called.
	ErrEngineStopped = errors.New("consensus engine stopped")
)

var closedSignal = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Engine runs one consensus instance per block: leader election, PREPARE and
// COMMIT quorums, round changes and in-order application of decisions.
// Messages for any number of instances may be handled concurrently; every
// per-instance transition is serialized by that instance's lock domains.
type Engine struct {
	config     *Config
	validators *types.ValidatorSet
	link       Link
	app        Application
	logger     hclog.Logger
	metrics    *metrics.Metrics
	pool       *worker.Pool

	instanceCounter atomic.Int64 // 이 노드가 마지막으로 시작한 인스턴스
	lastDecided     atomic.Int64 // 원장에 적용된 마지막 인스턴스

	instances    *InstanceLog
	locks        *lockTable
	prepares     *MessageBucket
	commits      *MessageBucket
	roundChanges *MessageBucket
	timers       *timerTable
	deferred     *deferredPrePrepares

	applyMu sync.Mutex
	applied map[int]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine for config.NodeID, which must be one of
// validators.
func NewEngine(config *Config, validators *types.ValidatorSet, link Link, app Application, logger hclog.Logger, m *metrics.Metrics) (*Engine, error) {
	if config == nil {
		return nil, errors.New("nil engine config")
	}
	if validators == nil || validators.Size() == 0 {
		return nil, errors.New("empty validator set")
	}
	if validators.GetByID(config.NodeID) == nil {
		return nil, fmt.Errorf("node %s is not a validator", config.NodeID)
	}
	if link == nil || app == nil {
		return nil, errors.New("engine needs a link and an application")
	}
	if config.RoundChangeTimeout <= 0 {
		config.RoundChangeTimeout = DefaultConfig(config.NodeID).RoundChangeTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	quorum := validators.QuorumSize()

	return &Engine{
		config:       config,
		validators:   validators,
		link:         link,
		app:          app,
		logger:       logger,
		metrics:      m,
		pool:         worker.New("consensus", config.Workers, logger.Named("pool"), m),
		instances:    NewInstanceLog(),
		locks:        newLockTable(),
		prepares:     NewMessageBucket(quorum),
		commits:      NewMessageBucket(quorum),
		roundChanges: NewMessageBucket(quorum),
		timers:       newTimerTable(),
		deferred:     newDeferredPrePrepares(),
		applied:      make(map[int]chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// NodeID returns the id of this node.
func (e *Engine) NodeID() string { return e.config.NodeID }

// Validators returns the static validator set.
func (e *Engine) Validators() *types.ValidatorSet { return e.validators }

// CurrentInstance returns the last instance started locally.
func (e *Engine) CurrentInstance() int { return int(e.instanceCounter.Load()) }

// LastDecided returns the last instance applied to the application.
func (e *Engine) LastDecided() int { return int(e.lastDecided.Load()) }

// Instance returns a snapshot of instance's state.
func (e *Engine) Instance(instance int) (InstanceInfo, bool) {
	return e.instances.Snapshot(instance)
}

// IsLeader reports whether this node leads (instance, round).
func (e *Engine) IsLeader(instance, round int) bool {
	return e.validators.Leader(instance, round) == e.config.NodeID
}

// StartConsensus opens the next local instance with block as input value.
// The leader of round 1 broadcasts the PRE-PREPARE; every node arms the
// round-change timer. It reports whether this node acted as leader.
func (e *Engine) StartConsensus(block *types.Block) (bool, error) {
	_, isLeader, err := e.StartInstance(block)
	return isLeader, err
}

// StartInstance is StartConsensus that also returns the instance number.
func (e *Engine) StartInstance(block *types.Block) (int, bool, error) {
	if e.ctx.Err() != nil {
		return 0, false, ErrEngineStopped
	}
	if block == nil {
		return 0, false, errors.New("nil block")
	}

	instance := int(e.instanceCounter.Add(1))
	value := block.Clone()
	value.ConsensusInstance = instance

	st := e.instances.getOrCreate(instance)
	if st == nil {
		return instance, false, fmt.Errorf("instance %d is already pruned", instance)
	}
	if !st.start(value) {
		return instance, false, ErrAlreadyStarted
	}
	e.metrics.InstanceStarted(instance)

	leader := e.validators.Leader(instance, 1)
	isLeader := leader == e.config.NodeID
	e.logger.Info("starting consensus", "instance", instance, "leader", leader, "requests", len(value.Requests))

	switch {
	case isLeader:
		e.broadcast(NewPrePrepareMsg(e.config.NodeID, instance, 1, value))
	case e.config.Behavior == types.NonLeaderConsensusInitiation:
		e.logger.Warn("byzantine: broadcasting PRE-PREPARE without being leader", "instance", instance)
		e.broadcast(NewPrePrepareMsg(e.config.NodeID, instance, 1, value))
	case e.config.Behavior == types.LeaderImpersonation:
		e.logger.Warn("byzantine: impersonating leader", "instance", instance, "leader", leader)
		e.broadcast(NewPrePrepareMsg(leader, instance, 1, value))
	}

	if !e.timers.running(instance) && !st.isDecided() {
		e.armTimer(instance, st.round())
	}
	return instance, isLeader, nil
}

// Listen receives from receiver until ctx is done or the link closes,
// dispatching every consensus message to the worker pool.
func (e *Engine) Listen(ctx context.Context, receiver Receiver) error {
	for {
		sm, err := receiver.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case e.ctx.Err() != nil:
				return ErrEngineStopped
			case errors.Is(err, network.ErrLinkClosed):
				return err
			}
			// 서명 오류나 소켓 오류는 해당 메시지만 버림
			e.logger.Warn("dropping message", "error", err)
			continue
		}

		msg := sm.Message
		if msg.Type == types.Ack || msg.Type == types.Ignore {
			continue
		}
		if !msg.Type.IsConsensus() {
			e.logger.Debug("ignoring non-consensus message", "type", msg.Type, "sender", msg.SenderID)
			continue
		}

		if err := e.pool.Submit(ctx, func() error {
			e.HandleMessage(sm)
			return nil
		}); err != nil {
			return err
		}
	}
}

// HandleMessage processes one verified consensus message.
func (e *Engine) HandleMessage(sm *types.SignedMessage) {
	msg := sm.Message
	start := time.Now()
	defer func() {
		e.metrics.RecordMessageProcessingTime(msg.Type.String(), time.Since(start))
	}()

	if e.ctx.Err() != nil {
		return
	}
	if e.validators.GetByID(msg.SenderID) == nil {
		e.logger.Warn("message from unknown validator", "sender", msg.SenderID, "type", msg.Type)
		return
	}
	if instance, _, ok := msg.Slot(); ok && instance <= e.instances.PrunedUpTo() {
		e.logger.Trace("message for pruned instance", "instance", instance, "type", msg.Type)
		return
	}

	switch msg.Type {
	case types.PrePrepare:
		e.uponPrePrepare(sm)
	case types.Prepare:
		e.uponPrepare(sm)
	case types.Commit:
		e.uponCommit(sm)
	case types.RoundChange:
		e.uponRoundChange(sm)
	default:
		e.logger.Debug("unexpected message type", "type", msg.Type, "sender", msg.SenderID)
	}
}

// uponPrePrepare handles a proposal. Anything but a justified proposal from
// the round's leader gets only the link-level ACK.
func (e *Engine) uponPrePrepare(sm *types.SignedMessage) {
	msg := sm.Message
	pp := msg.PrePrepare
	instance, round, value := pp.Instance, pp.Round, pp.Value

	e.logger.Debug("received PRE-PREPARE", "instance", instance, "round", round, "sender", msg.SenderID)

	// 1. 리더 확인
	if leader := e.validators.Leader(instance, round); msg.SenderID != leader {
		e.logger.Warn("PRE-PREPARE from non-leader", "instance", instance, "round", round, "sender", msg.SenderID, "leader", leader)
		return
	}

	// 2. 정당화 확인. 라운드 체인지 증거가 늦게 도착할 수 있으므로 보류해 둠
	if !e.justifyPrePrepare(instance, round, value) {
		e.logger.Info("unjustified PRE-PREPARE", "instance", instance, "round", round, "sender", msg.SenderID)
		e.deferred.put(sm)
		return
	}
	e.acceptPrePrepare(sm)
}

func (e *Engine) acceptPrePrepare(sm *types.SignedMessage) {
	msg := sm.Message
	pp := msg.PrePrepare
	instance, round, value := pp.Instance, pp.Round, pp.Value

	// 3. 블록 검증
	if err := e.app.ValidateBlock(instance, value); err != nil {
		e.logger.Warn("rejecting proposed block", "instance", instance, "round", round, "error", err)
		return
	}

	st := e.instances.getOrCreate(instance)
	if st == nil {
		return
	}
	st.adoptInput(value)

	first, conflict := st.markPrePrepared(round, value.DigestString())
	if conflict {
		e.logger.Warn("leader proposed two values in one round", "instance", instance, "round", round, "leader", msg.SenderID)
		return
	}
	if first && !st.isDecided() {
		e.metrics.InstanceStarted(instance)
		if !e.timers.running(instance) {
			e.armTimer(instance, st.round())
		}
	}
	if round > st.round() {
		e.moveToRound(st, round)
	}

	e.logger.Debug("broadcasting PREPARE", "instance", instance, "round", round)
	e.broadcast(NewPrepareMsg(e.config.NodeID, instance, round, value, msg.SenderID, msg.MessageID))
}

// uponPrepare collects PREPAREs. On the first prepare quorum of a round it
// sends a COMMIT to every preparer of that round, each COMMIT doubling as
// the acknowledgement of that preparer's PREPARE.
func (e *Engine) uponPrepare(sm *types.SignedMessage) {
	msg := sm.Message
	p := msg.Prepare
	instance, round := p.Instance, p.Round

	e.prepares.AddMessage(sm)

	st := e.instances.getOrCreate(instance)
	if st == nil {
		return
	}

	locks := e.locks.get(instance)
	locks.prepare.Lock()
	defer locks.prepare.Unlock()

	preparedRound, preparedValue := st.prepared()
	if preparedRound >= round {
		// 이미 준비됨. 이 라운드의 모든 PREPARE 송신자에게 COMMIT을 다시 보냄
		e.sendCommits(instance, round, preparedRound, preparedValue)
		return
	}

	value, ok := e.prepares.HasValidQuorum(instance, round)
	if !ok {
		return
	}
	st.setPrepared(round, value)
	e.logger.Info("prepared", "instance", instance, "round", round, "value", shortDigest(value))

	e.sendCommits(instance, round, round, value)
}

// sendCommits answers every PREPARE stored for (instance, round) with a
// COMMIT for the prepared pair. Each COMMIT acknowledges the latest PREPARE
// of its receiver.
func (e *Engine) sendCommits(instance, round, preparedRound int, value *types.Block) {
	for sender, psm := range e.prepares.GetMessages(instance, round) {
		e.send(sender, NewCommitMsg(e.config.NodeID, instance, preparedRound, value, sender, psm.Message.MessageID))
	}
}

// uponCommit collects COMMITs and decides on the first commit quorum.
func (e *Engine) uponCommit(sm *types.SignedMessage) {
	msg := sm.Message
	c := msg.Commit
	instance, round := c.Instance, c.Round

	e.commits.AddMessage(sm)

	st := e.instances.getOrCreate(instance)
	if st == nil {
		return
	}

	locks := e.locks.get(instance)
	locks.decide.Lock()
	defer locks.decide.Unlock()

	if st.isDecided() {
		return
	}
	value, ok := e.commits.HasValidQuorum(instance, round)
	if !ok {
		return
	}

	e.timers.stop(instance)
	st.decide(round, value)
	e.metrics.InstanceDecided(instance)
	e.logger.Info("decided", "instance", instance, "round", round, "value", shortDigest(value), "requests", len(value.Requests))

	e.scheduleApply(instance, value)
}

// scheduleApply applies value once every earlier instance was applied. The
// wait happens on a dedicated goroutine so that pool workers never block on
// ordering.
func (e *Engine) scheduleApply(instance int, value *types.Block) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		select {
		case <-e.appliedSignal(instance - 1):
		case <-e.ctx.Done():
			return
		}

		if err := e.app.ApplyBlock(instance, value); err != nil {
			e.logger.Error("failed to apply decided block", "instance", instance, "error", err)
		}
		e.markApplied(instance)
		e.metrics.SetLastDecided(instance)
		e.prune(instance)
	}()
}

// appliedSignal returns a channel closed once instance has been applied.
func (e *Engine) appliedSignal(instance int) <-chan struct{} {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if instance <= int(e.lastDecided.Load()) {
		return closedSignal
	}
	ch, ok := e.applied[instance]
	if !ok {
		ch = make(chan struct{})
		e.applied[instance] = ch
	}
	return ch
}

func (e *Engine) markApplied(instance int) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.lastDecided.Store(int64(instance))
	if ch, ok := e.applied[instance]; ok {
		close(ch)
		delete(e.applied, instance)
	}
}

// WaitForDecision blocks until instance has been applied and returns its
// decided value.
func (e *Engine) WaitForDecision(ctx context.Context, instance int) (*types.Block, error) {
	select {
	case <-e.appliedSignal(instance):
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrEngineStopped
	}

	info, ok := e.instances.Snapshot(instance)
	if !ok {
		return nil, fmt.Errorf("instance %d is no longer retained", instance)
	}
	return info.DecidedValue, nil
}

// prune drops state that fell out of the retention window after instance
// was applied.
func (e *Engine) prune(applied int) {
	window := e.config.RetentionWindow
	if window <= 0 || applied-window < 1 {
		return
	}
	upTo := applied - window

	e.instances.Prune(upTo)
	e.locks.prune(upTo)
	e.prepares.Prune(upTo)
	e.commits.Prune(upTo)
	e.roundChanges.Prune(upTo)
	e.timers.prune(upTo)
	e.deferred.prune(upTo)
	e.logger.Trace("pruned instances", "up_to", upTo)
}

// Stop cancels timers and appliers and waits for in-flight handlers.
func (e *Engine) Stop() {
	e.cancel()
	e.timers.stopAll()
	e.pool.Close()
	e.wg.Wait()
	e.logger.Info("engine stopped", "last_decided", e.LastDecided())
}

func (e *Engine) broadcast(msg *types.Message) {
	e.metrics.IncrementMessagesSent(msg.Type.String())
	if err := e.link.Broadcast(msg); err != nil {
		e.logger.Warn("broadcast failed", "type", msg.Type, "error", err)
	}
}

func (e *Engine) send(to string, msg *types.Message) {
	e.metrics.IncrementMessagesSent(msg.Type.String())
	if err := e.link.Send(to, msg); err != nil {
		e.logger.Warn("send failed", "to", to, "type", msg.Type, "error", err)
	}
}

func shortDigest(b *types.Block) string {
	d := b.DigestString()
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
