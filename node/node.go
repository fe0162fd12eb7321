package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ahwlsqja/pbft-ledger/consensus/pbft"
	"github.com/ahwlsqja/pbft-ledger/crypto"
	"github.com/ahwlsqja/pbft-ledger/ledger"
	"github.com/ahwlsqja/pbft-ledger/mempool"
	"github.com/ahwlsqja/pbft-ledger/metrics"
	"github.com/ahwlsqja/pbft-ledger/network"
	"github.com/ahwlsqja/pbft-ledger/persistence"
	"github.com/ahwlsqja/pbft-ledger/transport"
	"github.com/ahwlsqja/pbft-ledger/types"
)

// ErrAlreadyRunning is returned by Start on a running node.
var ErrAlreadyRunning = errors.New("node already running")

// Option customizes New.
type Option func(*options)

type options struct {
	sockets Sockets
	logger  hclog.Logger
}

// WithSockets replaces the UDP sockets, e.g. with an in-memory network.
func WithSockets(s Sockets) Option {
	return func(o *options) { o.sockets = s }
}

// WithLogger replaces the root logger built from the log configuration.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Node is one ledger replica.
type Node struct {
	mu sync.RWMutex

	config *Config
	self   types.NodeProcessConfig

	engine     pbft.ConsensusEngine // 합의 엔진
	service    *ledger.Service      // 원장 + 클라이언트 요청 처리
	nodeLink   *network.Link        // 노드 간 링크
	clientLink *network.Link        // 클라이언트 링크
	mempool    *mempool.Mempool     // 대기 요청
	store      persistence.Store    // 결정된 블록 로그 (nil 가능)
	metrics    *metrics.Metrics     // 매트릭
	registry   *prometheus.Registry

	metricsServer *metrics.Server
	statusServer  *transport.StatusServer

	// State
	running    bool
	stopped    bool
	done       chan struct{}
	cancel     context.CancelFunc
	group      *errgroup.Group
	crashTimer *time.Timer

	logger    hclog.Logger
	logCloser io.Closer
}

// New builds node id from cfg. Nothing runs until Start.
func New(cfg *Config, id string, opts ...Option) (n *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	self, ok := cfg.NodeByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	o := options{sockets: UDPSockets{}}
	for _, opt := range opts {
		opt(&o)
	}

	n = &Node{
		config: cfg,
		self:   self,
		done:   make(chan struct{}),
	}
	// 중간에 실패하면 이미 연 자원을 정리
	defer func() {
		if err != nil {
			if n.engine != nil {
				n.engine.Stop()
			}
			if n.service != nil {
				n.service.Stop()
			}
			n.release()
		}
	}()

	if o.logger != nil {
		n.logger, n.logCloser = o.logger, nopCloser{}
	} else {
		n.logger, n.logCloser, err = NewLogger(id, cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
	}

	// Keys
	kp, err := crypto.LoadKeyPair(self.PrivateKeyPath, self.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	signer := crypto.NewDefaultSigner(id, kp)
	ring, err := loadKeyRing(cfg)
	if err != nil {
		return nil, err
	}

	// Metrics
	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = metrics.NewMetrics("ledger", n.registry)

	// Links
	hook := broadcastHook(id, self.Behavior, n.logger.Named("byzantine"))
	n.nodeLink, err = newNodeLink(cfg, id, o.sockets, ring, signer, hook, n.logger.Named("link"), n.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open node link: %w", err)
	}
	n.clientLink, err = newServiceLink(cfg, id, o.sockets, ring, signer, n.logger.Named("client-link"), n.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open client link: %w", err)
	}

	// Decided-block log
	n.store, err = openStore(cfg, id, n.logger.Named("store"))
	if err != nil {
		return nil, err
	}

	// Ledger service
	l := ledger.New(ledger.Config{
		NodeID:         id,
		FeeRate:        cfg.Ledger.FeeRate,
		InitialBalance: cfg.Ledger.InitialBalance,
		Behavior:       self.Behavior,
	}, cfg.AccountIDs(), ring, n.logger.Named("ledger"))

	mpConfig := mempool.DefaultConfig()
	mpConfig.MaxBatchTxs = ledger.DefaultServiceConfig().MaxBlockRequests
	n.mempool = mempool.NewMempool(mpConfig)

	serviceConfig := ledger.DefaultServiceConfig()
	serviceConfig.AccumulationThreshold = cfg.Ledger.AccumulationThreshold
	serviceConfig.AccumulationDelay = cfg.Ledger.AccumulationDelay
	n.service = ledger.NewService(id, serviceConfig, l, n.mempool, n.clientLink, n.store, n.logger.Named("service"), n.metrics)

	// Consensus
	pbftConfig := pbft.DefaultConfig(id)
	pbftConfig.RoundChangeTimeout = cfg.Consensus.RoundChangeTimeout
	pbftConfig.RetentionWindow = cfg.Consensus.RetentionWindow
	if cfg.Consensus.Workers > 0 {
		pbftConfig.Workers = cfg.Consensus.Workers
	}
	pbftConfig.Behavior = self.Behavior
	engine, err := pbft.NewEngine(pbftConfig, cfg.ValidatorSet(), n.nodeLink, n.service, n.logger.Named("pbft"), n.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	n.engine = engine
	n.service.SetEngine(engine)

	// Servers
	if cfg.Metrics.Enabled {
		n.metricsServer = metrics.NewServer(cfg.Metrics.Addr, n.registry)
	}
	if cfg.Status.Enabled {
		n.statusServer, err = transport.NewStatusServer(cfg.Status.Addr, transport.StatusBackend{
			Engine:   engine,
			Ledger:   l,
			Store:    n.store,
			Mempool:  n.mempool,
			Behavior: self.Behavior,
		}, n.logger.Named("status"))
		if err != nil {
			return nil, fmt.Errorf("failed to create status server: %w", err)
		}
	}

	return n, nil
}

// openStore opens the configured decided-block log under DataDir/<id>.
func openStore(cfg *Config, id string, logger hclog.Logger) (persistence.Store, error) {
	dir := filepath.Join(cfg.DataDir, id)
	switch cfg.Store {
	case StoreFile:
		fs, err := persistence.NewFileStore(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return fs, nil
	case StoreBadger:
		bs, err := persistence.NewBadgerStore(filepath.Join(dir, "badger"), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return bs, nil
	default:
		return nil, nil
	}
}

// Start starts the node and returns once every component is serving.
// Message loops run until Stop or ctx is cancelled; Wait reports how they
// ended.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running || n.stopped {
		return ErrAlreadyRunning
	}

	n.logger.Info("starting node",
		"hostname", n.self.Hostname,
		"port", n.self.Port,
		"client_port", n.self.ClientPort,
		"behavior", n.self.Behavior,
		"validators", len(n.config.Nodes),
	)

	if err := n.mempool.Start(); err != nil {
		return fmt.Errorf("failed to start mempool: %w", err)
	}
	if n.metricsServer != nil {
		if err := n.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		n.logger.Info("metrics server started", "addr", n.metricsServer.Addr())
	}
	if n.statusServer != nil {
		if err := n.statusServer.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
		n.logger.Info("status server started", "addr", n.statusServer.Addr())
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return n.engine.Listen(gctx, n.nodeLink) })
	g.Go(func() error { return n.service.Listen(gctx, n.clientLink) })
	n.cancel = cancel
	n.group = g

	if n.self.Behavior == types.CrashAfterFixedTime {
		n.logger.Warn("byzantine: node will crash", "after", n.self.CrashTimeout)
		n.crashTimer = time.AfterFunc(n.self.CrashTimeout, func() {
			n.logger.Warn("byzantine: crashing now")
			_ = n.Stop()
		})
	}

	n.running = true
	n.logger.Info("node started")
	return nil
}

// Wait blocks until the message loops end and returns the first error that
// is not a normal shutdown.
func (n *Node) Wait() error {
	n.mu.RLock()
	g := n.group
	n.mu.RUnlock()
	if g == nil {
		return nil
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, network.ErrLinkClosed) {
		return nil
	}
	return err
}

// Done is closed once the node has stopped.
func (n *Node) Done() <-chan struct{} { return n.done }

// Stop stops the node. It is safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	wasRunning := n.running
	n.running = false
	n.mu.Unlock()

	n.logger.Info("stopping node")

	if n.crashTimer != nil {
		n.crashTimer.Stop()
	}
	if n.cancel != nil {
		n.cancel()
	}

	// 링크를 먼저 닫아 수신 루프를 끝냄
	n.nodeLink.Close()
	n.clientLink.Close()
	n.engine.Stop()
	n.service.Stop()

	if wasRunning {
		_ = n.Wait()
	}
	n.release()

	n.logger.Info("node stopped")
	close(n.done)
	return nil
}

// release closes whatever New opened. Nil fields are skipped.
func (n *Node) release() {
	if n.nodeLink != nil {
		n.nodeLink.Close()
	}
	if n.clientLink != nil {
		n.clientLink.Close()
	}
	if n.mempool != nil {
		_ = n.mempool.Stop()
	}
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = n.metricsServer.Stop(ctx)
		cancel()
	}
	if n.statusServer != nil {
		n.statusServer.Stop()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("failed to close store", "error", err)
		}
	}
	if n.logCloser != nil {
		_ = n.logCloser.Close()
	}
}

// ================================================================================
//                          Getters
// ================================================================================

// ID returns the node id.
func (n *Node) ID() string { return n.self.ID }

// Engine returns the consensus engine.
func (n *Node) Engine() pbft.ConsensusEngine { return n.engine }

// Service returns the ledger service.
func (n *Node) Service() *ledger.Service { return n.service }

// Ledger returns the node's ledger replica.
func (n *Node) Ledger() *ledger.Ledger { return n.service.Ledger() }

// Store returns the decided-block log, or nil when disabled.
func (n *Node) Store() persistence.Store { return n.store }

// Mempool returns the request pool.
func (n *Node) Mempool() *mempool.Mempool { return n.mempool }

// Registry returns the node's metrics registry.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// StatusAddr returns the bound status server address, or "" when disabled.
func (n *Node) StatusAddr() string {
	if n.statusServer == nil {
		return ""
	}
	return n.statusServer.Addr()
}

// MetricsAddr returns the bound metrics server address, or "" when disabled.
func (n *Node) MetricsAddr() string {
	if n.metricsServer == nil {
		return ""
	}
	return n.metricsServer.Addr()
}

// IsRunning returns true if the node is running.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}
