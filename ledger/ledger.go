// Package ledger keeps the replicated account balances and applies decided
// blocks to them.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/ahwlsqja/pbft-ledger/crypto"
	"github.com/ahwlsqja/pbft-ledger/types"
)

const (
	// DefaultInitialBalance is credited to every client and node account.
	DefaultInitialBalance = 100.0

	// DefaultFeeRate is the share of a transfer paid to the block creator.
	DefaultFeeRate = 0.01
)

var (
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("transfer amount must be positive")
	ErrAlreadySettled    = errors.New("request already settled by an earlier block")
	ErrDuplicateRequest  = errors.New("request appears twice in block")
	ErrWrongSigner       = errors.New("request not signed by its client")
)

// Account is one balance in the ledger.
type Account struct {
	OwnerID string  `json:"owner_id"`
	Balance float64 `json:"balance"`
}

// Config parameterizes a Ledger.
type Config struct {
	// NodeID is the node owning this replica.
	NodeID string

	FeeRate        float64
	InitialBalance float64

	// RobberLeader doubles the fee on blocks this node created.
	Behavior types.Behavior
}

// Ledger is the account map of one node. Every mutation happens inside
// ApplyBlock under the ledger lock.
type Ledger struct {
	mu       sync.RWMutex
	config   Config
	accounts map[string]*Account
	applied  map[string]struct{} // 적용된 요청 키
	rejected map[string]struct{} // 블록을 실패시킨 요청 키
	keys     *crypto.KeyRing
	logger   hclog.Logger
}

// New creates a ledger with one account per id in accountIDs. keys must hold
// the public key of every client that may sign requests.
func New(cfg Config, accountIDs []string, keys *crypto.KeyRing, logger hclog.Logger) *Ledger {
	if cfg.FeeRate < 0 {
		cfg.FeeRate = DefaultFeeRate
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = DefaultInitialBalance
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	l := &Ledger{
		config:   cfg,
		accounts: make(map[string]*Account, len(accountIDs)),
		applied:  make(map[string]struct{}),
		rejected: make(map[string]struct{}),
		keys:     keys,
		logger:   logger,
	}
	for _, id := range accountIDs {
		l.accounts[id] = &Account{OwnerID: id, Balance: cfg.InitialBalance}
	}
	return l
}

// GetAccount returns a copy of id's account.
func (l *Ledger) GetAccount(id string) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, ok := l.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

// Accounts returns every account ordered by owner.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

// AppliedCount returns how many requests were applied successfully.
func (l *Ledger) AppliedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.applied)
}

// VerifyRequest checks that req is signed by the client that issued it and
// that the client is the one authorized for the operation.
func (l *Ledger) VerifyRequest(req *types.SignedRequest) error {
	if req.SignerID() != req.ClientID {
		return fmt.Errorf("%w: %s signed for %s", ErrWrongSigner, req.ClientID, req.SignerID())
	}
	payload, err := req.SigningBytes()
	if err != nil {
		return err
	}
	if !crypto.VerifyRequestSignature(payload, req.SignerID(), req.Signature, l.keys) {
		return &crypto.InvalidSignatureError{SignerID: req.SignerID()}
	}
	return nil
}

// ValidateRequest checks req against the current balances.
func (l *Ledger) ValidateRequest(req *types.SignedRequest) error {
	if err := l.VerifyRequest(req); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	view := l.scratchLocked()
	return l.checkLocked(req, view, nil, "")
}

// ValidateBlock checks what any node can check regardless of its ledger
// state: the block belongs to instance, each request is well formed and
// properly signed, and no request repeats.
func (l *Ledger) ValidateBlock(instance int, block *types.Block) error {
	if block == nil {
		return errors.New("nil block")
	}
	if block.ConsensusInstance != instance {
		return fmt.Errorf("block tagged for instance %d proposed in %d", block.ConsensusInstance, instance)
	}

	seen := make(map[string]struct{}, len(block.Requests))
	for i := range block.Requests {
		req := &block.Requests[i]
		if err := validateShape(req); err != nil {
			return fmt.Errorf("request %s: %w", req.Key(), err)
		}
		if _, dup := seen[req.Key()]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.Key())
		}
		seen[req.Key()] = struct{}{}

		if err := l.VerifyRequest(req); err != nil {
			return fmt.Errorf("request %s: %w", req.Key(), err)
		}
	}
	return nil
}

// Status is what a decided block did with one of its requests.
type Status int

const (
	// Applied requests changed the balances and are answered with success.
	Applied Status = iota
	// Rejected is the request that made its block fail. It is answered with
	// the failure and never evaluated again.
	Rejected
	// Skipped requests were settled by an earlier block (or earlier in the
	// same block). They get no second answer.
	Skipped
	// Deferred requests shared a block with a rejected one. They are neither
	// applied nor answered, so they can be proposed again.
	Deferred
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case Skipped:
		return "skipped"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the result of one request of a decided block.
type Outcome struct {
	Request  *types.SignedRequest
	Status   Status
	Response types.LedgerResponse
}

// Answered reports whether the client gets Response.
func (o Outcome) Answered() bool {
	return o.Status == Applied || o.Status == Rejected
}

// Settled reports whether the request is done for good and can leave the
// request pool.
func (o Outcome) Settled() bool {
	return o.Status != Deferred
}

// ApplyBlock applies the requests of block that were not settled before.
// Those are all applied or none of them: they are checked in order against a
// scratch copy of the balances, and on the first failure nothing is mutated.
// The failing request is rejected and the rest deferred. The returned
// outcomes follow block order; the error is that of the rejected request.
func (l *Ledger) ApplyBlock(block *types.Block) ([]Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	view := l.scratchLocked()
	seen := make(map[string]struct{}, len(block.Requests))
	outcomes := make([]Outcome, len(block.Requests))

	var failure error
	failedAt := -1
	for i := range block.Requests {
		req := &block.Requests[i]
		outcomes[i] = Outcome{Request: req, Status: Applied}

		key := req.Key()
		if _, dup := seen[key]; dup || l.settledLocked(key) {
			outcomes[i].Status = Skipped
			continue
		}
		if err := l.checkLocked(req, view, seen, block.CreatorID); err != nil {
			failure = fmt.Errorf("request %s: %w", key, err)
			failedAt = i
			break
		}
		seen[key] = struct{}{}
		outcomes[i].Response = l.applyToView(req, view, block.CreatorID)
	}

	if failure != nil {
		l.logger.Warn("rejecting block", "instance", block.ConsensusInstance, "creator", block.CreatorID, "error", failure)
		for i := range outcomes {
			req := &block.Requests[i]
			switch {
			case i == failedAt:
				outcomes[i] = Outcome{Request: req, Status: Rejected, Response: types.LedgerResponse{
					RequestID:       req.RequestID(),
					RequestSenderID: req.ClientID,
					Success:         false,
					Detail:          failure.Error(),
				}}
				l.rejected[req.Key()] = struct{}{}
			case outcomes[i].Status != Skipped:
				outcomes[i] = Outcome{Request: req, Status: Deferred}
			}
		}
		return outcomes, failure
	}

	for id, balance := range view {
		l.accounts[id].Balance = balance
	}
	for key := range seen {
		l.applied[key] = struct{}{}
	}
	l.logger.Debug("applied block", "instance", block.ConsensusInstance, "creator", block.CreatorID, "requests", len(seen))
	return outcomes, nil
}

// IsSettled reports whether a decided block already applied or rejected the
// request with key.
func (l *Ledger) IsSettled(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settledLocked(key)
}

func (l *Ledger) settledLocked(key string) bool {
	if _, ok := l.applied[key]; ok {
		return true
	}
	_, ok := l.rejected[key]
	return ok
}

func (l *Ledger) scratchLocked() map[string]float64 {
	view := make(map[string]float64, len(l.accounts))
	for id, acc := range l.accounts {
		view[id] = acc.Balance
	}
	return view
}

func (l *Ledger) feeFor(amount float64, creator string) float64 {
	fee := amount * l.config.FeeRate
	if l.config.Behavior == types.RobberLeader && creator == l.config.NodeID {
		fee *= 2
	}
	return fee
}

// checkLocked validates req against view. seen holds the keys of requests
// earlier in the same block.
func (l *Ledger) checkLocked(req *types.SignedRequest, view map[string]float64, seen map[string]struct{}, creator string) error {
	key := req.Key()
	if l.settledLocked(key) {
		return ErrAlreadySettled
	}
	if _, ok := seen[key]; ok {
		return ErrDuplicateRequest
	}

	switch req.Type {
	case types.TransferRequestType:
		t := req.Transfer
		if t == nil {
			return errors.New("transfer request without body")
		}
		src, ok := view[t.Source]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, t.Source)
		}
		if _, ok := view[t.Destination]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, t.Destination)
		}
		if t.Amount <= 0 {
			return ErrInvalidAmount
		}
		if need := t.Amount + l.feeFor(t.Amount, creator); src < need {
			return fmt.Errorf("%w: %s has %.2f, needs %.2f", ErrInsufficientFunds, t.Source, src, need)
		}
	case types.BalanceRequestType:
		b := req.Balance
		if b == nil {
			return errors.New("balance request without body")
		}
		if _, ok := view[b.AccountID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, b.AccountID)
		}
	default:
		return fmt.Errorf("unknown request type %d", req.Type)
	}
	return nil
}

func (l *Ledger) applyToView(req *types.SignedRequest, view map[string]float64, creator string) types.LedgerResponse {
	resp := types.LedgerResponse{
		RequestID:       req.RequestID(),
		RequestSenderID: req.ClientID,
		Success:         true,
	}

	switch req.Type {
	case types.TransferRequestType:
		t := req.Transfer
		fee := l.feeFor(t.Amount, creator)
		view[t.Source] -= t.Amount + fee
		view[t.Destination] += t.Amount
		if _, ok := view[creator]; ok {
			view[creator] += fee
		}
		resp.Balance = view[t.Source]
		resp.Detail = fmt.Sprintf("transferred %.2f from %s to %s", t.Amount, t.Source, t.Destination)
	case types.BalanceRequestType:
		resp.Balance = view[req.Balance.AccountID]
		resp.Detail = fmt.Sprintf("balance of %s", req.Balance.AccountID)
	}
	return resp
}

func validateShape(req *types.SignedRequest) error {
	switch req.Type {
	case types.TransferRequestType:
		if req.Transfer == nil || req.Balance != nil {
			return errors.New("malformed transfer request")
		}
	case types.BalanceRequestType:
		if req.Balance == nil || req.Transfer != nil {
			return errors.New("malformed balance request")
		}
	default:
		return fmt.Errorf("unknown request type %d", req.Type)
	}
	if len(req.Signature) == 0 {
		return errors.New("unsigned request")
	}
	return nil
}
