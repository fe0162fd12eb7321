package node

import (
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"

	"github.com/ahwlsqja/pbft-ledger/client"
	"github.com/ahwlsqja/pbft-ledger/crypto"
	"github.com/ahwlsqja/pbft-ledger/metrics"
	"github.com/ahwlsqja/pbft-ledger/network"
)

// Sockets opens datagram sockets and resolves peer addresses. UDPSockets is
// the production implementation; tests plug in a network.MemoryNetwork.
type Sockets interface {
	Listen(host string, port int) (net.PacketConn, error)
	Resolve(host string, port int) (net.Addr, error)
}

// UDPSockets binds real UDP sockets.
type UDPSockets struct{}

func (UDPSockets) Listen(host string, port int) (net.PacketConn, error) {
	return network.Listen(host, port)
}

func (UDPSockets) Resolve(host string, port int) (net.Addr, error) {
	return network.ResolveAddr(host, port)
}

// MemorySockets maps (host, port) onto addresses of an in-memory network.
func MemorySockets(n *network.MemoryNetwork) Sockets {
	return memorySockets{net: n}
}

type memorySockets struct {
	net *network.MemoryNetwork
}

func (s memorySockets) Listen(host string, port int) (net.PacketConn, error) {
	conn, err := s.net.Listen(memAddr(host, port))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s memorySockets) Resolve(host string, port int) (net.Addr, error) {
	return network.MemAddr(memAddr(host, port)), nil
}

func memAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// loadKeyRing loads the public key of every configured process.
func loadKeyRing(cfg *Config) (*crypto.KeyRing, error) {
	ring := crypto.NewKeyRing()
	for _, n := range cfg.Nodes {
		key, err := crypto.LoadPublicKey(n.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load public key of %s: %w", n.ID, err)
		}
		ring.Add(n.ID, key)
	}
	for _, cl := range cfg.Clients {
		key, err := crypto.LoadPublicKey(cl.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load public key of %s: %w", cl.ID, err)
		}
		ring.Add(cl.ID, key)
	}
	return ring, nil
}

// newNodeLink opens the node-to-node link of self on its consensus port.
func newNodeLink(cfg *Config, self string, sockets Sockets, ring *crypto.KeyRing, signer crypto.Signer, hook network.BroadcastHook, logger hclog.Logger, m *metrics.Metrics) (*network.Link, error) {
	me, _ := cfg.NodeByID(self)

	peers := make([]network.Peer, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		p := network.Peer{ID: n.ID}
		if n.ID != self {
			addr, err := sockets.Resolve(n.Hostname, n.Port)
			if err != nil {
				return nil, err
			}
			key, _ := ring.PublicKey(n.ID)
			p.Addr, p.PublicKey = addr, key
		}
		peers = append(peers, p)
	}

	conn, err := sockets.Listen(me.Hostname, me.Port)
	if err != nil {
		return nil, err
	}
	link, err := network.NewLink(network.LinkConfig{
		Self:                  self,
		Peers:                 peers,
		BaseTimeout:           cfg.Link.BaseTimeout,
		MaxRetransmitInterval: cfg.Link.MaxRetransmitInterval,
		MaxAttempts:           cfg.Link.MaxAttempts,
		BroadcastHook:         hook,
	}, conn, signer, logger, m)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}

// newServiceLink opens the client-facing link of node self on its client
// port. Its peers are the clients.
func newServiceLink(cfg *Config, self string, sockets Sockets, ring *crypto.KeyRing, signer crypto.Signer, logger hclog.Logger, m *metrics.Metrics) (*network.Link, error) {
	me, _ := cfg.NodeByID(self)

	peers := []network.Peer{{ID: self}}
	for _, cl := range cfg.Clients {
		addr, err := sockets.Resolve(cl.Hostname, cl.Port)
		if err != nil {
			return nil, err
		}
		key, _ := ring.PublicKey(cl.ID)
		peers = append(peers, network.Peer{ID: cl.ID, Addr: addr, PublicKey: key})
	}

	conn, err := sockets.Listen(me.Hostname, me.ClientPort)
	if err != nil {
		return nil, err
	}
	link, err := network.NewLink(network.LinkConfig{
		Self:                  self,
		Peers:                 peers,
		BaseTimeout:           cfg.Link.BaseTimeout,
		MaxRetransmitInterval: cfg.Link.MaxRetransmitInterval,
		MaxAttempts:           cfg.Link.MaxAttempts,
	}, conn, signer, logger, m)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}

// NewClient builds the client library for client id: its link towards the
// client ports of every node and the quorum-waiting client on top. The
// caller runs client.Listen and closes the link when done.
func NewClient(cfg *Config, id string, sockets Sockets, logger hclog.Logger) (*client.Client, *network.Link, error) {
	me, ok := cfg.ClientByID(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	if sockets == nil {
		sockets = UDPSockets{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	kp, err := crypto.LoadKeyPair(me.PrivateKeyPath, me.PublicKeyPath)
	if err != nil {
		return nil, nil, err
	}
	signer := crypto.NewDefaultSigner(id, kp)

	peers := []network.Peer{{ID: id}}
	for _, n := range cfg.Nodes {
		addr, err := sockets.Resolve(n.Hostname, n.ClientPort)
		if err != nil {
			return nil, nil, err
		}
		key, err := crypto.LoadPublicKey(n.PublicKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load public key of %s: %w", n.ID, err)
		}
		peers = append(peers, network.Peer{ID: n.ID, Addr: addr, PublicKey: key})
	}

	conn, err := sockets.Listen(me.Hostname, me.Port)
	if err != nil {
		return nil, nil, err
	}
	link, err := network.NewLink(network.LinkConfig{
		Self:                  id,
		Peers:                 peers,
		BaseTimeout:           cfg.Link.BaseTimeout,
		MaxRetransmitInterval: cfg.Link.MaxRetransmitInterval,
		MaxAttempts:           cfg.Link.MaxAttempts,
	}, conn, signer, logger.Named("link"), nil)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	c, err := client.New(client.Config{ID: id, Validators: cfg.ValidatorSet()}, link, signer, logger)
	if err != nil {
		link.Close()
		return nil, nil, err
	}
	return c, link, nil
}
