package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	ledgerv1 "github.com/ahwlsqja/pbft-ledger/api/ledger/v1"
	"github.com/ahwlsqja/pbft-ledger/consensus/pbft"
	"github.com/ahwlsqja/pbft-ledger/ledger"
	"github.com/ahwlsqja/pbft-ledger/mempool"
	"github.com/ahwlsqja/pbft-ledger/persistence"
	"github.com/ahwlsqja/pbft-ledger/types"
)

// Engine is the read-only view of the consensus engine the server reports.
type Engine interface {
	NodeID() string
	Validators() *types.ValidatorSet
	CurrentInstance() int
	LastDecided() int
	Instance(instance int) (pbft.InstanceInfo, bool)
}

// StatusBackend bundles what the status service reads. Store and Mempool
// may be nil.
type StatusBackend struct {
	Engine   Engine
	Ledger   *ledger.Ledger
	Store    persistence.Store
	Mempool  *mempool.Mempool
	Behavior types.Behavior
}

// StatusServer serves ledger.v1.Status over gRPC.
type StatusServer struct {
	mu sync.RWMutex

	address  string
	server   *grpc.Server
	listener net.Listener
	backend  StatusBackend
	started  time.Time
	logger   hclog.Logger

	// Running state
	running bool

	ledgerv1.UnimplementedStatusServer
}

// NewStatusServer creates a status server listening on address once started.
func NewStatusServer(address string, backend StatusBackend, logger hclog.Logger) (*StatusServer, error) {
	if backend.Engine == nil || backend.Ledger == nil {
		return nil, errors.New("status server needs an engine and a ledger")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &StatusServer{
		address: address,
		backend: backend,
		logger:  logger,
	}, nil
}

// Start starts the gRPC server.
func (s *StatusServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(statusCodec{}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(64*1024*1024), // 64MB
	)
	ledgerv1.RegisterStatusServer(s.server, s)
	s.started = time.Now()
	s.running = true
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil {
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if running {
				s.logger.Error("status server stopped", "error", err)
			}
		}
	}()

	s.logger.Info("status server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when the configured port was 0.
func (s *StatusServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *StatusServer) Stop() {
	s.mu.Lock()
	s.running = false
	server := s.server
	s.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
	s.logger.Info("status server stopped")
}

// GetStatus returns the current node status.
func (s *StatusServer) GetStatus(ctx context.Context, req *ledgerv1.GetStatusRequest) (*ledgerv1.GetStatusResponse, error) {
	e := s.backend.Engine
	resp := &ledgerv1.GetStatusResponse{
		NodeId:          e.NodeID(),
		Behavior:        string(s.backend.Behavior),
		Validators:      e.Validators().IDs(),
		CurrentInstance: int64(e.CurrentInstance()),
		LastDecided:     int64(e.LastDecided()),
	}
	if mp := s.backend.Mempool; mp != nil {
		resp.PendingRequests = int32(mp.PendingCount())
		resp.MempoolSize = int32(mp.Size())

		m := mp.GetMetrics()
		resp.RequestsReceived = m.TxsReceived
		resp.RequestsRejected = m.TxsRejected
		resp.RequestsCommitted = m.TxsCommitted
		resp.RequestsReleased = m.TxsReleased
		resp.RequestsExpired = m.TxsExpired
	}

	s.mu.RLock()
	if !s.started.IsZero() {
		resp.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}
	s.mu.RUnlock()
	return resp, nil
}

// GetInstance returns the local view of one instance.
func (s *StatusServer) GetInstance(ctx context.Context, req *ledgerv1.GetInstanceRequest) (*ledgerv1.GetInstanceResponse, error) {
	if req.Instance < 1 {
		return nil, status.Error(codes.InvalidArgument, "instances start at 1")
	}
	instance := int(req.Instance)

	info, ok := s.backend.Engine.Instance(instance)
	if !ok {
		return &ledgerv1.GetInstanceResponse{Instance: req.Instance, PreparedRound: -1, DecidedRound: -1}, nil
	}

	round := info.CurrentRound
	if round < 1 {
		round = 1
	}
	return &ledgerv1.GetInstanceResponse{
		Instance:      req.Instance,
		Found:         true,
		CurrentRound:  int32(info.CurrentRound),
		Leader:        s.backend.Engine.Validators().Leader(instance, round),
		PreparedRound: int32(info.PreparedRound),
		DecidedRound:  int32(info.DecidedRound),
		DecidedValue:  info.DecidedValue,
	}, nil
}

// GetBalance reads an account from the local replica.
func (s *StatusServer) GetBalance(ctx context.Context, req *ledgerv1.GetBalanceRequest) (*ledgerv1.GetBalanceResponse, error) {
	acc, ok := s.backend.Ledger.GetAccount(req.AccountId)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown account %q", req.AccountId)
	}
	return &ledgerv1.GetBalanceResponse{
		AccountId:   acc.OwnerID,
		Balance:     acc.Balance,
		LastDecided: int64(s.backend.Engine.LastDecided()),
	}, nil
}

// GetBlock returns a block from the decided-block log.
func (s *StatusServer) GetBlock(ctx context.Context, req *ledgerv1.GetBlockRequest) (*ledgerv1.GetBlockResponse, error) {
	if s.backend.Store == nil {
		return nil, status.Error(codes.Unavailable, "decided-block log is disabled")
	}
	block, err := s.backend.Store.LoadBlock(int(req.Instance))
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "no block for instance %d", req.Instance)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &ledgerv1.GetBlockResponse{Block: block}, nil
}

// StatusClient talks to one node's status service.
type StatusClient struct {
	ledgerv1.StatusClient
	conn *grpc.ClientConn
}

// Dial creates a status client for address. The connection is established
// lazily on the first call.
func Dial(address string) (*StatusClient, error) {
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(statusCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &StatusClient{
		StatusClient: ledgerv1.NewStatusClient(conn),
		conn:         conn,
	}, nil
}

// Close closes the connection.
func (c *StatusClient) Close() error {
	return c.conn.Close()
}
