package network

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// MemAddr is the address of an endpoint on a MemoryNetwork.
type MemAddr string

// Network implements net.Addr.
func (a MemAddr) Network() string { return "mem" }

func (a MemAddr) String() string { return string(a) }

type memPacket struct {
	from MemAddr
	data []byte
}

// MemoryNetwork is an in-process datagram network for tests and
// single-process clusters. Like UDP it may lose, duplicate and reorder
// datagrams, according to the configured rates, and it can cut endpoints off.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[MemAddr]*MemConn
	isolated  map[MemAddr]bool
	blocked   map[[2]MemAddr]bool
	lossRate  float64
	dupRate   float64
	rng       *rand.Rand
}

// NewMemoryNetwork creates a lossless network. seed drives the loss and
// duplication decisions.
func NewMemoryNetwork(seed int64) *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[MemAddr]*MemConn),
		isolated:  make(map[MemAddr]bool),
		blocked:   make(map[[2]MemAddr]bool),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Listen opens an endpoint at addr.
func (n *MemoryNetwork) Listen(addr string) (*MemConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	a := MemAddr(addr)
	if _, exists := n.endpoints[a]; exists {
		return nil, &SocketError{Op: "listen", Err: fmt.Errorf("address %s in use", addr)}
	}
	c := &MemConn{
		net:    n,
		addr:   a,
		inbox:  make(chan memPacket, 4096),
		closed: make(chan struct{}),
	}
	n.endpoints[a] = c
	return c, nil
}

// SetLossRate drops each datagram with probability p.
func (n *MemoryNetwork) SetLossRate(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lossRate = p
}

// SetDuplicateRate delivers each datagram twice with probability p.
func (n *MemoryNetwork) SetDuplicateRate(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dupRate = p
}

// Isolate drops all traffic to and from addr.
func (n *MemoryNetwork) Isolate(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[MemAddr(addr)] = true
}

// Block drops traffic from one address to another, in that direction only.
func (n *MemoryNetwork) Block(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[[2]MemAddr{MemAddr(from), MemAddr(to)}] = true
}

// Heal removes every isolation and block.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated = make(map[MemAddr]bool)
	n.blocked = make(map[[2]MemAddr]bool)
}

func (n *MemoryNetwork) route(from, to MemAddr, data []byte) error {
	n.mu.Lock()
	dst, ok := n.endpoints[to]
	if !ok {
		n.mu.Unlock()
		// UDP처럼 수신자가 없으면 조용히 버림
		return nil
	}
	if n.isolated[from] || n.isolated[to] || n.blocked[[2]MemAddr{from, to}] {
		n.mu.Unlock()
		return nil
	}
	copies := 1
	if n.lossRate > 0 && n.rng.Float64() < n.lossRate {
		copies = 0
	} else if n.dupRate > 0 && n.rng.Float64() < n.dupRate {
		copies = 2
	}
	n.mu.Unlock()

	for i := 0; i < copies; i++ {
		pkt := memPacket{from: from, data: append([]byte(nil), data...)}
		select {
		case dst.inbox <- pkt:
		case <-dst.closed:
			return nil
		default:
			// 버퍼가 가득 차면 datagram 손실
		}
	}
	return nil
}

func (n *MemoryNetwork) remove(addr MemAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// MemConn is a net.PacketConn on a MemoryNetwork.
type MemConn struct {
	net    *MemoryNetwork
	addr   MemAddr
	inbox  chan memPacket
	closed chan struct{}
	once   sync.Once
}

var _ net.PacketConn = (*MemConn)(nil)

// ReadFrom blocks until a datagram arrives or the endpoint is closed.
func (c *MemConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.inbox:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo sends one datagram to addr.
func (c *MemConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if err := c.net.route(c.addr, MemAddr(addr.String()), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the endpoint and frees its address.
func (c *MemConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.net.remove(c.addr)
	})
	return nil
}

// LocalAddr returns the endpoint address.
func (c *MemConn) LocalAddr() net.Addr { return c.addr }

// Deadlines are not supported; the link never sets them.
func (c *MemConn) SetDeadline(time.Time) error      { return nil }
func (c *MemConn) SetReadDeadline(time.Time) error  { return nil }
func (c *MemConn) SetWriteDeadline(time.Time) error { return nil }
