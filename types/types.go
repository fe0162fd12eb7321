// Package types defines core data structures shared by the ledger nodes, the
// consensus engine, the perfect link and the client library.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// RequestType distinguishes the two client operations.
type RequestType int

const (
	// TransferRequestType moves funds between two accounts.
	TransferRequestType RequestType = iota
	// BalanceRequestType reads an account balance.
	BalanceRequestType
)

// String returns the string representation of RequestType.
func (rt RequestType) String() string {
	switch rt {
	case TransferRequestType:
		return "TRANSFER"
	case BalanceRequestType:
		return "BALANCE"
	default:
		return "UNKNOWN"
	}
}

// TransferRequest asks the ledger to move Amount from Source to Destination.
type TransferRequest struct {
	RequestID   int64   `json:"request_id"`
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Amount      float64 `json:"amount"`
}

// BalanceRequest asks the ledger for the balance of AccountID.
type BalanceRequest struct {
	RequestID   int64  `json:"request_id"`
	AccountID   string `json:"account_id"`
	RequesterID string `json:"requester_id"`
}

// SignedRequest is a client request together with the client's signature over
// SigningBytes. Exactly one of Transfer / Balance is set.
type SignedRequest struct {
	Type      RequestType      `json:"type"`
	ClientID  string           `json:"client_id"`
	Transfer  *TransferRequest `json:"transfer,omitempty"`
	Balance   *BalanceRequest  `json:"balance,omitempty"`
	Signature []byte           `json:"signature"`
}

// RequestID returns the client-chosen id of the inner request.
func (r *SignedRequest) RequestID() int64 {
	switch {
	case r.Transfer != nil:
		return r.Transfer.RequestID
	case r.Balance != nil:
		return r.Balance.RequestID
	default:
		return 0
	}
}

// Key uniquely identifies the request across clients.
func (r *SignedRequest) Key() string {
	return fmt.Sprintf("%s/%d", r.ClientID, r.RequestID())
}

// SignerID returns the account that must have signed the request: the source
// account for transfers and the requester for balance reads.
func (r *SignedRequest) SignerID() string {
	switch {
	case r.Transfer != nil:
		return r.Transfer.Source
	case r.Balance != nil:
		return r.Balance.RequesterID
	default:
		return ""
	}
}

// SigningBytes returns the canonical encoding of the inner request that the
// signature covers.
func (r *SignedRequest) SigningBytes() ([]byte, error) {
	switch r.Type {
	case TransferRequestType:
		if r.Transfer == nil {
			return nil, fmt.Errorf("transfer request without body")
		}
		return json.Marshal(r.Transfer)
	case BalanceRequestType:
		if r.Balance == nil {
			return nil, fmt.Errorf("balance request without body")
		}
		return json.Marshal(r.Balance)
	default:
		return nil, fmt.Errorf("unknown request type %d", r.Type)
	}
}

// Block is the value agreed upon by one consensus instance.
type Block struct {
	ConsensusInstance int             `json:"consensus_instance"`
	Requests          []SignedRequest `json:"requests"`
	CreatorID         string          `json:"creator_id"`
}

// NewBlock creates a new block with the given parameters.
func NewBlock(instance int, creatorID string, requests []SignedRequest) *Block {
	return &Block{
		ConsensusInstance: instance,
		Requests:          requests,
		CreatorID:         creatorID,
	}
}

// Digest computes the SHA256 hash of the block's canonical JSON encoding.
// Two blocks are the same consensus value iff their digests match.
func (b *Block) Digest() []byte {
	data, _ := json.Marshal(b)
	hash := sha256.Sum256(data)
	return hash[:]
}

// DigestString returns the hex-encoded digest, usable as a map key.
func (b *Block) DigestString() string {
	return hex.EncodeToString(b.Digest())
}

// Equal reports structural equality of two blocks. Nil only equals nil.
func (b *Block) Equal(other *Block) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.DigestString() == other.DigestString()
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	out := &Block{
		ConsensusInstance: b.ConsensusInstance,
		CreatorID:         b.CreatorID,
		Requests:          make([]SignedRequest, len(b.Requests)),
	}
	for i, req := range b.Requests {
		cp := req
		if req.Transfer != nil {
			t := *req.Transfer
			cp.Transfer = &t
		}
		if req.Balance != nil {
			bal := *req.Balance
			cp.Balance = &bal
		}
		cp.Signature = append([]byte(nil), req.Signature...)
		out.Requests[i] = cp
	}
	return out
}

// Validator represents a node participating in consensus.
type Validator struct {
	ID         string `json:"id"`
	Hostname   string `json:"hostname"`
	Port       int    `json:"port"`
	ClientPort int    `json:"client_port"`
	PublicKey  []byte `json:"public_key,omitempty"`
}

// ValidatorSet represents the static set of validators, in configuration order.
type ValidatorSet struct {
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet creates a new validator set.
func NewValidatorSet(validators []*Validator) *ValidatorSet {
	return &ValidatorSet{Validators: validators}
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// GetByID returns a validator by ID.
func (vs *ValidatorSet) GetByID(id string) *Validator {
	for _, v := range vs.Validators {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// IDs returns the validator ids in configuration order.
func (vs *ValidatorSet) IDs() []string {
	ids := make([]string, len(vs.Validators))
	for i, v := range vs.Validators {
		ids[i] = v.ID
	}
	return ids
}

// FaultyTolerance returns the maximum number of faulty nodes (f).
func (vs *ValidatorSet) FaultyTolerance() int {
	return (len(vs.Validators) - 1) / 3
}

// QuorumSize returns floor((N+f)/2)+1, the number of distinct senders needed
// to certify a value.
func (vs *ValidatorSet) QuorumSize() int {
	n := len(vs.Validators)
	return (n+vs.FaultyTolerance())/2 + 1
}

// Leader returns the id of the leader of (instance, round). Instances and
// rounds start at 1; round 1's leader rotates with the instance.
func (vs *ValidatorSet) Leader(instance, round int) string {
	n := len(vs.Validators)
	if n == 0 {
		return ""
	}
	idx := ((instance - 1) + (round - 1)) % n
	if idx < 0 {
		idx += n
	}
	return vs.Validators[idx].ID
}
