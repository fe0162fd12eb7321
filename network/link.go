// Package network implements the authenticated perfect link used between
// ledger nodes and between nodes and clients.
//
// Every Link multiplexes one point-to-point perfect link per configured
// process over a single datagram socket. Outgoing messages are signed and
// retransmitted with exponential backoff until acknowledged; incoming ones
// are verified against the claimed sender's public key and de-duplicated
// per sender.
package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/ahwlsqja/pbft-ledger/crypto"
	"github.com/ahwlsqja/pbft-ledger/metrics"
	"github.com/ahwlsqja/pbft-ledger/types"
)

// Default link timings.
const (
	DefaultBaseTimeout           = 1000 * time.Millisecond
	DefaultMaxRetransmitInterval = 30 * time.Second
)

// ErrLinkClosed is returned by Receive once the link is closed.
var ErrLinkClosed = errors.New("link closed")

var errNotAcked = errors.New("not acknowledged yet")

// NoSuchNodeError reports an operation on a process id that is not configured.
type NoSuchNodeError struct {
	NodeID string
}

func (e *NoSuchNodeError) Error() string {
	return fmt.Sprintf("no such node: %s", e.NodeID)
}

// SocketError wraps a transport I/O failure.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// Peer is a process reachable over the link.
type Peer struct {
	ID        string
	Addr      net.Addr
	PublicKey *rsa.PublicKey
}

// BroadcastHook rewrites the copy of a broadcast message destined to dest.
// Returning nil keeps msg unchanged. Used for fault injection only.
type BroadcastHook func(dest string, msg *types.Message) *types.Message

// LinkConfig holds link parameters.
type LinkConfig struct {
	// Self is the id this link signs for. It must appear in Peers.
	Self string

	// Peers lists every process the link talks to, self included.
	Peers []Peer

	// BaseTimeout is the first retransmission interval; it doubles per attempt.
	BaseTimeout time.Duration

	// MaxRetransmitInterval caps the doubled interval.
	MaxRetransmitInterval time.Duration

	// MaxAttempts bounds transmissions of one message. Zero retries forever.
	MaxAttempts uint64

	BroadcastHook BroadcastHook
}

// channel is the state of the point-to-point link towards one peer.
type channel struct {
	peer     Peer
	nextID   atomic.Int64   // 다음에 보낼 메시지 id (1부터)
	acked    *CollapsingSet // peer가 확인한 우리 메시지 id
	received *CollapsingSet // peer로부터 받은 메시지 id
}

type datagram struct {
	data []byte
	err  error
}

// Link is an authenticated perfect link over a datagram socket.
type Link struct {
	self     string
	cfg      LinkConfig
	conn     net.PacketConn
	signer   crypto.Signer
	channels map[string]*channel
	order    []string

	localMu    sync.Mutex
	localQueue []*types.SignedMessage
	localReady chan struct{}

	incoming chan datagram

	logger  hclog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewLink creates a link speaking for cfg.Self over conn and starts its
// socket reader. conn is owned by the link and closed by Close.
func NewLink(cfg LinkConfig, conn net.PacketConn, signer crypto.Signer, logger hclog.Logger, m *metrics.Metrics) (*Link, error) {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = DefaultBaseTimeout
	}
	if cfg.MaxRetransmitInterval <= 0 {
		cfg.MaxRetransmitInterval = DefaultMaxRetransmitInterval
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if signer == nil {
		return nil, fmt.Errorf("link %s: nil signer", cfg.Self)
	}

	l := &Link{
		self:       cfg.Self,
		cfg:        cfg,
		conn:       conn,
		signer:     signer,
		channels:   make(map[string]*channel, len(cfg.Peers)),
		localReady: make(chan struct{}, 1),
		incoming:   make(chan datagram, 1024),
		logger:     logger,
		metrics:    m,
	}
	for _, p := range cfg.Peers {
		if _, dup := l.channels[p.ID]; dup {
			return nil, fmt.Errorf("link %s: duplicate peer %s", cfg.Self, p.ID)
		}
		if p.ID != cfg.Self && (p.Addr == nil || p.PublicKey == nil) {
			return nil, fmt.Errorf("link %s: peer %s needs an address and a public key", cfg.Self, p.ID)
		}
		l.channels[p.ID] = &channel{
			peer:     p,
			acked:    NewCollapsingSet(),
			received: NewCollapsingSet(),
		}
		l.order = append(l.order, p.ID)
	}
	if _, ok := l.channels[cfg.Self]; !ok {
		return nil, &NoSuchNodeError{NodeID: cfg.Self}
	}
	sort.Strings(l.order)

	l.ctx, l.cancel = context.WithCancel(context.Background())
	if conn != nil {
		l.wg.Add(1)
		go l.readLoop()
	}
	return l, nil
}

// Self returns the id this link speaks for.
func (l *Link) Self() string { return l.self }

// PeerIDs returns every configured process id in order, self included.
func (l *Link) PeerIDs() []string {
	return append([]string(nil), l.order...)
}

// Send delivers msg to peerID. Acks are sent once; every other message is
// retransmitted in the background until acknowledged.
func (l *Link) Send(peerID string, msg *types.Message) error {
	ch, ok := l.channels[peerID]
	if !ok {
		return &NoSuchNodeError{NodeID: peerID}
	}
	select {
	case <-l.ctx.Done():
		return ErrLinkClosed
	default:
	}

	out := *msg
	if out.SenderID == "" {
		out.SenderID = l.self
	}
	if out.Type != types.Ack {
		// id를 배정하기 전에 크기를 확인. 배정된 id는 반드시 전송되어야 함
		if err := l.checkSize(&out); err != nil {
			return err
		}
		out.MessageID = ch.nextID.Add(1)
	}

	body, err := EncodeMessage(&out)
	if err != nil {
		return err
	}
	sig, err := l.signer.Sign(body)
	if err != nil {
		return err
	}
	l.metrics.IncrementMessagesSent(out.Type.String())

	if peerID == l.self {
		// 자기 자신에게는 소켓을 거치지 않음. 디코딩한 사본을 넘겨 호출자와 공유하지 않도록 함
		local, err := DecodeMessage(body)
		if err != nil {
			return err
		}
		l.pushLocal(&types.SignedMessage{Message: local, Signature: sig})
		return nil
	}

	env := &Envelope{SenderID: out.SenderID, Body: body, Signature: sig}
	data := env.Marshal()

	if out.Type == types.Ack {
		return l.transmit(ch.peer.Addr, data)
	}

	l.wg.Add(1)
	go l.retransmit(ch, out.MessageID, out.Type, data)
	return nil
}

// checkSize rejects msg when its envelope, with the widest possible message
// id, would exceed MaxDatagramSize.
func (l *Link) checkSize(msg *types.Message) error {
	widest := *msg
	widest.MessageID = math.MaxInt64
	n, err := EncodedSize(&widest)
	if err != nil {
		return err
	}
	size := EnvelopeSize(len(widest.SenderID), n, l.signer.PublicKey().Size())
	if size > MaxDatagramSize {
		return fmt.Errorf("%w: %s of %d bytes (max %d)", ErrMessageTooLarge, msg.Type, size, MaxDatagramSize)
	}
	return nil
}

// Broadcast sends msg to every configured process, self included, each
// destination getting its own copy.
func (l *Link) Broadcast(msg *types.Message) error {
	var errs []error
	for _, id := range l.order {
		out := msg
		if l.cfg.BroadcastHook != nil {
			if rewritten := l.cfg.BroadcastHook(id, msg.Clone()); rewritten != nil {
				out = rewritten
			}
		}
		if err := l.Send(id, out); err != nil {
			errs = append(errs, fmt.Errorf("failed to send to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Receive blocks until a message is available. Loopback traffic is served
// first. Duplicates come back re-tagged as types.Ignore.
func (l *Link) Receive(ctx context.Context) (*types.SignedMessage, error) {
	for {
		if sm := l.popLocal(); sm != nil {
			l.metrics.IncrementMessagesReceived(sm.Message.Type.String())
			return sm, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.ctx.Done():
			return nil, ErrLinkClosed
		case <-l.localReady:
		case d := <-l.incoming:
			if d.err != nil {
				return nil, &SocketError{Op: "read", Err: d.err}
			}
			return l.deliver(d.data)
		}
	}
}

// Close stops every retransmission loop and closes the socket.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		if l.conn != nil {
			err = l.conn.Close()
		}
		l.wg.Wait()
	})
	return err
}

func (l *Link) deliver(data []byte) (*types.SignedMessage, error) {
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		return nil, err
	}
	ch, ok := l.channels[env.SenderID]
	if !ok || env.SenderID == l.self {
		return nil, &NoSuchNodeError{NodeID: env.SenderID}
	}

	valid, err := crypto.Verify(env.Body, env.Signature, ch.peer.PublicKey)
	if err != nil || !valid {
		l.metrics.IncrementInvalidSignatures()
		if err == nil {
			err = errors.New("signature mismatch")
		}
		return nil, &crypto.InvalidSignatureError{SignerID: env.SenderID, Err: err}
	}

	msg, err := DecodeMessage(env.Body)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != env.SenderID {
		return nil, fmt.Errorf("envelope from %s carries message from %s", env.SenderID, msg.SenderID)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	sm := &types.SignedMessage{Message: msg, Signature: env.Signature}
	l.metrics.IncrementMessagesReceived(msg.Type.String())

	if msg.Type == types.Ack {
		ch.acked.Add(msg.MessageID)
		return sm, nil
	}

	if !ch.received.Add(msg.MessageID) {
		msg.Type = types.Ignore
		l.metrics.IncrementDuplicates()
	} else if target, id, ok := msg.ReplyTarget(); ok && target == l.self {
		// Prepare/Commit가 우리 메시지에 대한 응답이면 ACK로 취급
		ch.acked.Add(id)
	}

	if err := l.Send(env.SenderID, types.NewAck(l.self, msg.MessageID)); err != nil {
		l.logger.Debug("failed to ack", "peer", env.SenderID, "id", msg.MessageID, "error", err)
	}
	return sm, nil
}

func (l *Link) newBackOff() backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     l.cfg.BaseTimeout,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         l.cfg.MaxRetransmitInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	var b backoff.BackOff = exp
	if l.cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, l.cfg.MaxAttempts-1)
	}
	return backoff.WithContext(b, l.ctx)
}

func (l *Link) retransmit(ch *channel, id int64, typ types.MessageType, data []byte) {
	defer l.wg.Done()

	attempts := 0
	op := func() error {
		if ch.acked.Contains(id) {
			return nil
		}
		attempts++
		if attempts > 1 {
			l.metrics.IncrementRetransmissions()
		}
		if err := l.transmit(ch.peer.Addr, data); err != nil {
			if attempts == 1 {
				l.logger.Warn("transmit failed", "peer", ch.peer.ID, "type", typ, "id", id, "error", err)
			} else {
				l.logger.Debug("transmit failed", "peer", ch.peer.ID, "id", id, "error", err)
			}
		}
		return errNotAcked
	}

	err := backoff.Retry(op, l.newBackOff())
	switch {
	case err == nil:
	case l.ctx.Err() != nil:
	default:
		l.metrics.IncrementRetransmitGiveUps()
		l.logger.Warn("giving up on message", "peer", ch.peer.ID, "type", typ, "id", id, "attempts", attempts)
		// 포기한 id도 기록해 ack 집합이 계속 접히도록 함
		ch.acked.Add(id)
	}
}

func (l *Link) transmit(addr net.Addr, data []byte) error {
	if l.conn == nil {
		return &SocketError{Op: "write", Err: net.ErrClosed}
	}
	if _, err := l.conn.WriteTo(data, addr); err != nil {
		return &SocketError{Op: "write", Err: err}
	}
	return nil
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case l.incoming <- datagram{err: err}:
			case <-l.ctx.Done():
				return
			}
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case l.incoming <- datagram{data: data}:
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Link) pushLocal(sm *types.SignedMessage) {
	l.localMu.Lock()
	l.localQueue = append(l.localQueue, sm)
	l.localMu.Unlock()

	select {
	case l.localReady <- struct{}{}:
	default:
	}
}

func (l *Link) popLocal() *types.SignedMessage {
	l.localMu.Lock()
	defer l.localMu.Unlock()
	if len(l.localQueue) == 0 {
		return nil
	}
	sm := l.localQueue[0]
	l.localQueue[0] = nil
	l.localQueue = l.localQueue[1:]
	return sm
}
