// Package client submits signed transfer and balance requests to the ledger
// nodes and waits for a quorum of matching answers.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ahwlsqja/pbft-ledger/crypto"
	"github.com/ahwlsqja/pbft-ledger/network"
	"github.com/ahwlsqja/pbft-ledger/types"
)

// ErrClientClosed is returned for requests still waiting when Listen ends.
var ErrClientClosed = errors.New("client closed")

// Link is the client side of the perfect link towards the nodes.
type Link interface {
	Send(nodeID string, msg *types.Message) error
	Receive(ctx context.Context) (*types.SignedMessage, error)
}

// Config identifies the client and the nodes it talks to.
type Config struct {
	ID         string
	Validators *types.ValidatorSet
}

// Result is the quorum answer to one request.
type Result struct {
	RequestID int64
	Success   bool
	Balance   float64
	Detail    string

	// Responders are the nodes whose answers formed the quorum.
	Responders []string
}

// pending collects the answers to one request.
type pending struct {
	mu        sync.Mutex
	acks      map[string]struct{}
	answers   map[string]types.LedgerResponse
	ackQuorum chan struct{}
	result    chan *Result
	acked     bool
	done      bool
}

// Client issues requests on behalf of one account.
type Client struct {
	config  Config
	link    Link
	signer  crypto.Signer
	logger  hclog.Logger
	quorum  int
	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]*pending
	closed  bool
	done    chan struct{}
}

// New creates a client. Request ids start from the current time so that a
// restarted client does not reuse ids the ledger already applied.
func New(cfg Config, link Link, signer crypto.Signer, logger hclog.Logger) (*Client, error) {
	if cfg.Validators == nil || cfg.Validators.Size() == 0 {
		return nil, errors.New("client needs at least one node")
	}
	if signer == nil || signer.ID() != cfg.ID {
		return nil, fmt.Errorf("signer does not sign for %s", cfg.ID)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	c := &Client{
		config:  cfg,
		link:    link,
		signer:  signer,
		logger:  logger,
		quorum:  cfg.Validators.QuorumSize(),
		pending: make(map[int64]*pending),
		done:    make(chan struct{}),
	}
	c.nextID.Store(time.Now().UnixNano())
	return c, nil
}

// ID returns the client id.
func (c *Client) ID() string { return c.config.ID }

// SignRequest fills req.Signature with signer's signature over the request.
func SignRequest(req *types.SignedRequest, signer crypto.Signer) error {
	payload, err := req.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	req.Signature = sig
	return nil
}

// Transfer moves amount from the client's account to destination.
func (c *Client) Transfer(ctx context.Context, destination string, amount float64) (*Result, error) {
	id := c.nextID.Add(1)
	req := &types.SignedRequest{
		Type:     types.TransferRequestType,
		ClientID: c.config.ID,
		Transfer: &types.TransferRequest{
			RequestID:   id,
			Source:      c.config.ID,
			Destination: destination,
			Amount:      amount,
		},
	}
	return c.submit(ctx, types.Transfer, req)
}

// Balance reads the balance of account through consensus.
func (c *Client) Balance(ctx context.Context, account string) (*Result, error) {
	id := c.nextID.Add(1)
	req := &types.SignedRequest{
		Type:     types.BalanceRequestType,
		ClientID: c.config.ID,
		Balance: &types.BalanceRequest{
			RequestID:   id,
			AccountID:   account,
			RequesterID: c.config.ID,
		},
	}
	return c.submit(ctx, types.Balance, req)
}

func (c *Client) submit(ctx context.Context, msgType types.MessageType, req *types.SignedRequest) (*Result, error) {
	if err := SignRequest(req, c.signer); err != nil {
		return nil, err
	}
	id := req.RequestID()

	p := &pending{
		acks:      make(map[string]struct{}),
		answers:   make(map[string]types.LedgerResponse),
		ackQuorum: make(chan struct{}),
		result:    make(chan *Result, 1),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := &types.Message{Type: msgType, SenderID: c.config.ID, Request: req}
	sent := 0
	for _, nodeID := range c.config.Validators.IDs() {
		if err := c.link.Send(nodeID, msg); err != nil {
			c.logger.Warn("failed to send request", "node", nodeID, "request", id, "error", err)
			continue
		}
		sent++
	}
	if sent < c.quorum {
		return nil, fmt.Errorf("request %d reached only %d of %d nodes needed", id, sent, c.quorum)
	}
	c.logger.Debug("request sent", "type", msgType, "request", id)

	select {
	case <-p.ackQuorum:
		c.logger.Debug("request acknowledged by a quorum", "request", id)
	case res := <-p.result:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}

	select {
	case res := <-p.result:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Listen dispatches node answers to waiting requests until ctx is done or
// the link closes. Requests still waiting then fail with ErrClientClosed.
func (c *Client) Listen(ctx context.Context) error {
	defer c.close()

	for {
		sm, err := c.link.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, network.ErrLinkClosed):
				return err
			}
			c.logger.Warn("dropping message", "error", err)
			continue
		}
		c.handle(sm.Message)
	}
}

func (c *Client) handle(msg *types.Message) {
	switch msg.Type {
	case types.LedgerAck, types.TransferResponse, types.BalanceResponse:
	default:
		return
	}
	if c.config.Validators.GetByID(msg.SenderID) == nil {
		c.logger.Warn("answer from unknown node", "sender", msg.SenderID)
		return
	}
	resp := msg.Response
	if resp == nil || resp.RequestSenderID != c.config.ID {
		return
	}

	c.mu.Lock()
	p, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Trace("answer for unknown request", "request", resp.RequestID, "sender", msg.SenderID)
		return
	}

	if msg.Type == types.LedgerAck {
		p.addAck(msg.SenderID, c.quorum)
		return
	}
	if res := p.addAnswer(msg.SenderID, *resp, c.quorum); res != nil {
		c.logger.Debug("request answered", "request", resp.RequestID, "success", res.Success, "responders", len(res.Responders))
	}
}

func (p *pending) addAck(sender string, quorum int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acks[sender] = struct{}{}
	if !p.acked && len(p.acks) >= quorum {
		p.acked = true
		close(p.ackQuorum)
	}
}

// addAnswer records sender's final answer and returns the result once a
// quorum of nodes agree on the outcome and balance.
func (p *pending) addAnswer(sender string, resp types.LedgerResponse, quorum int) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return nil
	}
	if _, dup := p.answers[sender]; dup {
		return nil
	}
	p.answers[sender] = resp

	var responders []string
	for id, other := range p.answers {
		if sameOutcome(resp, other) {
			responders = append(responders, id)
		}
	}
	if len(responders) < quorum {
		return nil
	}

	p.done = true
	res := &Result{
		RequestID:  resp.RequestID,
		Success:    resp.Success,
		Balance:    resp.Balance,
		Detail:     resp.Detail,
		Responders: responders,
	}
	p.result <- res
	return res
}

func sameOutcome(a, b types.LedgerResponse) bool {
	const epsilon = 1e-9
	diff := a.Balance - b.Balance
	return a.Success == b.Success && diff < epsilon && diff > -epsilon
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
