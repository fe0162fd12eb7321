package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ahwlsqja/pbft-ledger/mempool"
	"github.com/ahwlsqja/pbft-ledger/metrics"
	"github.com/ahwlsqja/pbft-ledger/network"
	"github.com/ahwlsqja/pbft-ledger/persistence"
	"github.com/ahwlsqja/pbft-ledger/types"
	"github.com/ahwlsqja/pbft-ledger/worker"
)

// Engine is the part of the consensus engine the service drives.
type Engine interface {
	CurrentInstance() int
	LastDecided() int
	StartInstance(block *types.Block) (int, bool, error)
}

// ClientLink sends responses back to clients.
type ClientLink interface {
	Send(clientID string, msg *types.Message) error
}

// Receiver is the inbound side of the client link.
type Receiver interface {
	Receive(ctx context.Context) (*types.SignedMessage, error)
}

// ServiceConfig controls how client requests are batched into blocks.
type ServiceConfig struct {
	// 블록을 만들기 위해 필요한 대기 요청 수 (기본: 1)
	AccumulationThreshold int

	// 임계값에 못 미쳐도 이 시간이 지나면 블록을 만듦. 0이면 기다리기만 함
	AccumulationDelay time.Duration

	// 블록 하나에 담을 최대 요청 수
	MaxBlockRequests int

	// 블록을 담은 합의 메시지 본문의 최대 바이트. 서명된 봉투가 데이터그램 하나에 들어가야 함
	MaxBlockBytes int

	// 클라이언트 메시지 핸들러 동시 실행 수
	Workers int
}

// envelopeReserve covers the envelope fields around a message body: sender
// id, tags and a signature of up to 4096 bits.
const envelopeReserve = 1024

// DefaultServiceConfig returns the batching defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AccumulationThreshold: 1,
		AccumulationDelay:     200 * time.Millisecond,
		MaxBlockRequests:      100,
		MaxBlockBytes:         network.MaxDatagramSize - envelopeReserve,
		Workers:               8,
	}
}

// Service connects clients, the request pool, consensus and the ledger. It
// is the Application of the consensus engine.
type Service struct {
	nodeID  string
	config  ServiceConfig
	ledger  *Ledger
	mempool *mempool.Mempool
	link    ClientLink
	store   persistence.Store
	pool    *worker.Pool
	logger  hclog.Logger
	metrics *metrics.Metrics

	engineMu sync.RWMutex
	engine   Engine

	flushMu    sync.Mutex
	flushTimer *time.Timer
	stopped    bool
}

// NewService creates the service. store may be nil when the decided-block
// log is disabled; the engine is attached later with SetEngine because the
// engine itself needs the service as its Application.
func NewService(nodeID string, cfg ServiceConfig, l *Ledger, mp *mempool.Mempool, link ClientLink, store persistence.Store, logger hclog.Logger, m *metrics.Metrics) *Service {
	def := DefaultServiceConfig()
	if cfg.AccumulationThreshold <= 0 {
		cfg.AccumulationThreshold = def.AccumulationThreshold
	}
	if cfg.MaxBlockRequests <= 0 {
		cfg.MaxBlockRequests = def.MaxBlockRequests
	}
	if cfg.MaxBlockBytes <= 0 || cfg.MaxBlockBytes > def.MaxBlockBytes {
		cfg.MaxBlockBytes = def.MaxBlockBytes
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	// 형식이 잘못된 요청은 대기열에 넣지 않음
	mp.SetCheckTxCallback(func(tx *mempool.Tx) error {
		return validateShape(&tx.Request)
	})

	return &Service{
		nodeID:  nodeID,
		config:  cfg,
		ledger:  l,
		mempool: mp,
		link:    link,
		store:   store,
		pool:    worker.New("client", cfg.Workers, logger.Named("pool"), m),
		logger:  logger,
		metrics: m,
	}
}

// SetEngine attaches the consensus engine.
func (s *Service) SetEngine(e Engine) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	s.engine = e
}

func (s *Service) getEngine() Engine {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.engine
}

// Ledger returns the replicated ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Store returns the decided-block log, or nil.
func (s *Service) Store() persistence.Store { return s.store }

// ================================================================================
//                          pbft.Application 구현
// ================================================================================

// ValidateBlock checks a proposed block before this node prepares it.
func (s *Service) ValidateBlock(instance int, block *types.Block) error {
	return s.ledger.ValidateBlock(instance, block)
}

// ApplyBlock applies the decided block of instance, answers the clients
// whose requests it settled and records the block. Called in instance order.
func (s *Service) ApplyBlock(instance int, block *types.Block) error {
	start := time.Now()
	outcomes, applyErr := s.ledger.ApplyBlock(block)

	settled := make([]types.SignedRequest, 0, len(outcomes))
	counts := make(map[Status]int)
	for _, o := range outcomes {
		counts[o.Status]++
		if o.Settled() {
			settled = append(settled, *o.Request)
		}
	}
	s.metrics.RecordBlockApplied(time.Since(start), counts[Applied], counts[Rejected])

	// 보류된 요청은 커밋으로 보지 않으므로 대기 상태로 돌아감
	if err := s.mempool.Update(instance, settled); err != nil {
		s.logger.Warn("failed to update mempool", "instance", instance, "error", err)
	}
	s.persist(instance, block)

	for _, o := range outcomes {
		if o.Answered() {
			s.respond(o.Request.Type, o.Response)
		}
	}

	s.logger.Info("block applied", "instance", instance, "creator", block.CreatorID, "requests", len(block.Requests),
		"applied", counts[Applied], "rejected", counts[Rejected], "skipped", counts[Skipped], "deferred", counts[Deferred])

	// 되돌려진 요청이 있을 수 있으므로 다시 블록을 만들어 봄
	s.maybeFlush()

	if applyErr != nil {
		return fmt.Errorf("failed to apply block %d: %w", instance, applyErr)
	}
	return nil
}

// ProposeBlock supplies a value when this node leads a round of an instance
// it never started itself.
func (s *Service) ProposeBlock(instance int) *types.Block {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	txs := s.nextBatch()
	s.mempool.MarkProposed(instance, txs)
	return types.NewBlock(instance, s.nodeID, mempool.Requests(txs))
}

// nextBatch reaps the pending requests for the next block. Requests that a
// decided block already settled leave the pool, and the batch is cut so that
// any consensus message carrying it fits in one datagram.
func (s *Service) nextBatch() []*mempool.Tx {
	for {
		txs := s.mempool.ReapMaxTxs(s.config.MaxBlockRequests)

		fresh := make([]*mempool.Tx, 0, len(txs))
		var stale []string
		for _, tx := range txs {
			if s.ledger.IsSettled(tx.ID) {
				stale = append(stale, tx.ID)
				continue
			}
			fresh = append(fresh, tx)
		}
		if len(stale) > 0 {
			s.mempool.Remove(stale...)
			s.logger.Debug("dropped settled requests", "count", len(stale))
		}
		if len(fresh) == 0 {
			if len(stale) > 0 {
				continue
			}
			return nil
		}

		fitted := s.fitBlock(fresh)
		if len(fitted) == 0 {
			s.logger.Warn("dropping request larger than a block", "key", fresh[0].ID)
			s.mempool.Remove(fresh[0].ID)
			continue
		}
		return fitted
	}
}

// fitBlock returns the longest prefix of txs whose block stays within
// MaxBlockBytes.
func (s *Service) fitBlock(txs []*mempool.Tx) []*mempool.Tx {
	n := len(txs)
	for n > 0 {
		size, err := s.blockMessageSize(txs[:n])
		if err != nil {
			s.logger.Error("failed to measure block", "requests", n, "error", err)
			return nil
		}
		if size <= s.config.MaxBlockBytes {
			return txs[:n]
		}
		next := n * s.config.MaxBlockBytes / size
		if next >= n {
			next = n - 1
		}
		n = next
	}
	return nil
}

// blockMessageSize measures the largest consensus message that can carry a
// block of txs: a COMMIT with every numeric field at its widest.
func (s *Service) blockMessageSize(txs []*mempool.Tx) (int, error) {
	block := types.NewBlock(math.MaxInt32, s.nodeID, mempool.Requests(txs))
	return network.EncodedSize(&types.Message{
		Type:      types.Commit,
		SenderID:  s.nodeID,
		MessageID: math.MaxInt64,
		Commit: &types.CommitMsg{
			Instance:         math.MaxInt32,
			Round:            math.MaxInt32,
			Value:            block,
			ReplyTo:          s.nodeID,
			ReplyToMessageID: math.MaxInt64,
		},
	})
}

func (s *Service) persist(instance int, block *types.Block) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveBlock(block); err != nil {
		s.logger.Error("failed to save block", "instance", instance, "error", err)
		return
	}

	balances := make(map[string]float64)
	for _, acc := range s.ledger.Accounts() {
		balances[acc.OwnerID] = acc.Balance
	}
	state := &persistence.NodeState{
		NodeID:      s.nodeID,
		LastDecided: instance,
		Balances:    balances,
		SavedAt:     time.Now(),
	}
	if err := s.store.SaveState(state); err != nil {
		s.logger.Error("failed to save state", "instance", instance, "error", err)
	}
}

func (s *Service) respond(reqType types.RequestType, resp types.LedgerResponse) {
	msgType := types.TransferResponse
	if reqType == types.BalanceRequestType {
		msgType = types.BalanceResponse
	}
	msg := &types.Message{
		Type:     msgType,
		SenderID: s.nodeID,
		Response: &resp,
	}
	s.metrics.IncrementMessagesSent(msgType.String())
	if err := s.link.Send(resp.RequestSenderID, msg); err != nil {
		s.logger.Warn("failed to send response", "client", resp.RequestSenderID, "request", resp.RequestID, "error", err)
	}
}

// ================================================================================
//                          클라이언트 요청 처리
// ================================================================================

// Listen receives client requests until ctx is done or the link closes.
func (s *Service) Listen(ctx context.Context, receiver Receiver) error {
	s.logger.Info("listening for client requests")
	for {
		sm, err := receiver.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, network.ErrLinkClosed):
				return err
			}
			s.logger.Warn("dropping client message", "error", err)
			continue
		}

		switch sm.Message.Type {
		case types.Transfer, types.Balance:
		case types.Ack, types.Ignore:
			continue
		default:
			s.logger.Debug("unexpected message on client link", "type", sm.Message.Type, "sender", sm.Message.SenderID)
			continue
		}

		msg := sm.Message
		if err := s.pool.Submit(ctx, func() error {
			return s.HandleRequest(msg)
		}); err != nil {
			return err
		}
	}
}

// HandleRequest verifies a client request, acknowledges it and queues it for
// the next block.
func (s *Service) HandleRequest(msg *types.Message) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordMessageProcessingTime(msg.Type.String(), time.Since(start))
	}()

	req := msg.Request
	if req == nil {
		return fmt.Errorf("%s from %s without request", msg.Type, msg.SenderID)
	}
	if msg.SenderID != req.ClientID {
		return fmt.Errorf("%s sent request of %s", msg.SenderID, req.ClientID)
	}
	if err := s.ledger.VerifyRequest(req); err != nil {
		s.logger.Warn("rejecting client request", "client", req.ClientID, "request", req.RequestID(), "error", err)
		return err
	}

	s.logger.Debug("received client request", "type", req.Type, "client", req.ClientID, "request", req.RequestID())

	settled := s.ledger.IsSettled(req.Key())

	ack := &types.Message{
		Type:     types.LedgerAck,
		SenderID: s.nodeID,
		Response: &types.LedgerResponse{
			RequestID:       req.RequestID(),
			RequestSenderID: req.ClientID,
			Success:         true,
			Detail:          "queued",
		},
	}
	if err := s.link.Send(req.ClientID, ack); err != nil {
		s.logger.Warn("failed to acknowledge request", "client", req.ClientID, "error", err)
	}

	if settled {
		// 이미 결정된 블록이 처리함. 응답은 그때 보냈음
		s.logger.Trace("request already settled", "key", req.Key())
		return nil
	}

	if err := s.mempool.AddTx(*req); err != nil {
		// 재전송된 요청은 이미 대기 중이거나 적용됨
		if errors.Is(err, mempool.ErrTxAlreadyExists) {
			s.logger.Trace("request already known", "key", req.Key())
			return nil
		}
		return fmt.Errorf("failed to queue request %s: %w", req.Key(), err)
	}

	s.maybeFlush()
	return nil
}

// maybeFlush proposes pending requests once enough of them accumulated, or
// arms the accumulation timer.
func (s *Service) maybeFlush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.stopped {
		return
	}
	if s.mempool.PendingCount() >= s.config.AccumulationThreshold {
		s.flushLocked()
	}
	s.armFlushTimerLocked()
}

// armFlushTimerLocked starts the accumulation timer when requests are left
// below the threshold.
func (s *Service) armFlushTimerLocked() {
	if s.mempool.PendingCount() > 0 && s.config.AccumulationDelay > 0 && s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.config.AccumulationDelay, func() {
			s.flushMu.Lock()
			defer s.flushMu.Unlock()
			s.flushTimer = nil
			if !s.stopped {
				s.flushLocked()
				s.armFlushTimerLocked()
			}
		})
	}
}

// flushLocked starts one instance per batch of pending requests.
// Instances are only started here, under flushMu, so CurrentInstance()+1 is
// the instance the next StartInstance opens.
func (s *Service) flushLocked() {
	engine := s.getEngine()
	if engine == nil {
		return
	}

	for {
		txs := s.nextBatch()
		if len(txs) == 0 {
			return
		}

		next := engine.CurrentInstance() + 1
		s.mempool.MarkProposed(next, txs)

		instance, isLeader, err := engine.StartInstance(types.NewBlock(0, s.nodeID, mempool.Requests(txs)))
		if err != nil {
			s.mempool.MarkProposed(0, txs)
			s.logger.Warn("failed to start consensus", "error", err)
			return
		}
		if instance != next {
			s.mempool.MarkProposed(instance, txs)
		}
		s.logger.Debug("proposed requests", "instance", instance, "leader", isLeader, "requests", len(txs))

		// 블록이 이미 적용된 경우 결정되지 않은 요청을 되돌림
		if instance <= engine.LastDecided() {
			_ = s.mempool.Update(instance, nil)
		}

		if s.mempool.PendingCount() < s.config.AccumulationThreshold {
			return
		}
	}
}

// Stop cancels the accumulation timer and waits for running handlers.
func (s *Service) Stop() {
	s.flushMu.Lock()
	s.stopped = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushMu.Unlock()

	s.pool.Close()
}
