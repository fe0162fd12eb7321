package types

import (
	"fmt"
)

// MessageType represents the type of a message exchanged over a perfect link.
type MessageType int

const (
	// PrePrepare is sent by the leader of a round to propose a value.
	PrePrepare MessageType = iota
	// Prepare is sent by every node that accepted a justified PrePrepare.
	Prepare
	// Commit is sent after observing a prepare quorum.
	Commit
	// RoundChange is sent when a round times out.
	RoundChange
	// Ack acknowledges a message id at the link layer.
	Ack
	// Ignore marks a duplicate delivery.
	Ignore
	// Transfer is a signed client transfer request.
	Transfer
	// Balance is a signed client balance request.
	Balance
	// TransferResponse answers a decided transfer.
	TransferResponse
	// BalanceResponse answers a decided balance read.
	BalanceResponse
	// LedgerAck tells a client its request was received and queued.
	LedgerAck
)

// String returns the string representation of MessageType.
func (mt MessageType) String() string {
	switch mt {
	case PrePrepare:
		return "PRE-PREPARE"
	case Prepare:
		return "PREPARE"
	case Commit:
		return "COMMIT"
	case RoundChange:
		return "ROUND-CHANGE"
	case Ack:
		return "ACK"
	case Ignore:
		return "IGNORE"
	case Transfer:
		return "TRANSFER"
	case Balance:
		return "BALANCE"
	case TransferResponse:
		return "TRANSFER-RESPONSE"
	case BalanceResponse:
		return "BALANCE-RESPONSE"
	case LedgerAck:
		return "LEDGER-ACK"
	default:
		return "UNKNOWN"
	}
}

// IsConsensus reports whether the type belongs to the consensus protocol.
func (mt MessageType) IsConsensus() bool {
	return mt >= PrePrepare && mt <= RoundChange
}

// PrePrepareMsg proposes Value for (Instance, Round).
type PrePrepareMsg struct {
	Instance int    `json:"instance"`
	Round    int    `json:"round"`
	Value    *Block `json:"value"`
}

// PrepareMsg endorses Value for (Instance, Round). ReplyTo/ReplyToMessageID
// name the PrePrepare this message answers and double as its acknowledgement.
type PrepareMsg struct {
	Instance         int    `json:"instance"`
	Round            int    `json:"round"`
	Value            *Block `json:"value"`
	ReplyTo          string `json:"reply_to"`
	ReplyToMessageID int64  `json:"reply_to_message_id"`
}

// CommitMsg commits Value for (Instance, Round).
type CommitMsg struct {
	Instance         int    `json:"instance"`
	Round            int    `json:"round"`
	Value            *Block `json:"value"`
	ReplyTo          string `json:"reply_to"`
	ReplyToMessageID int64  `json:"reply_to_message_id"`
}

// RoundChangeMsg asks to move (Instance) to Round, carrying the sender's
// prepared pair (PreparedRound == -1 and PreparedValue == nil when none).
type RoundChangeMsg struct {
	Instance      int    `json:"instance"`
	Round         int    `json:"round"`
	PreparedRound int    `json:"prepared_round"`
	PreparedValue *Block `json:"prepared_value"`
}

// LedgerResponse is sent by a node to the client that issued RequestID.
type LedgerResponse struct {
	RequestID       int64   `json:"request_id"`
	RequestSenderID string  `json:"request_sender_id"`
	Success         bool    `json:"success"`
	Balance         float64 `json:"balance"`
	Detail          string  `json:"detail"`
}

// Message is the tagged union carried by the perfect link. Exactly one body
// field matching Type is set, except for Ack and Ignore which carry none.
// MessageID is assigned per sending link; an Ack echoes the id it acknowledges.
type Message struct {
	Type      MessageType `json:"type"`
	SenderID  string      `json:"sender_id"`
	MessageID int64       `json:"message_id"`

	PrePrepare  *PrePrepareMsg  `json:"pre_prepare,omitempty"`
	Prepare     *PrepareMsg     `json:"prepare,omitempty"`
	Commit      *CommitMsg      `json:"commit,omitempty"`
	RoundChange *RoundChangeMsg `json:"round_change,omitempty"`
	Request     *SignedRequest  `json:"request,omitempty"`
	Response    *LedgerResponse `json:"response,omitempty"`
}

// SignedMessage is a message as delivered by the link, together with the
// signature that was verified against the sender's public key.
type SignedMessage struct {
	Message   *Message
	Signature []byte
}

// NewAck builds the acknowledgement of messageID.
func NewAck(senderID string, messageID int64) *Message {
	return &Message{Type: Ack, SenderID: senderID, MessageID: messageID}
}

// Slot returns the (instance, round) of a consensus message.
func (m *Message) Slot() (instance, round int, ok bool) {
	switch m.Type {
	case PrePrepare:
		if m.PrePrepare != nil {
			return m.PrePrepare.Instance, m.PrePrepare.Round, true
		}
	case Prepare:
		if m.Prepare != nil {
			return m.Prepare.Instance, m.Prepare.Round, true
		}
	case Commit:
		if m.Commit != nil {
			return m.Commit.Instance, m.Commit.Round, true
		}
	case RoundChange:
		if m.RoundChange != nil {
			return m.RoundChange.Instance, m.RoundChange.Round, true
		}
	}
	return 0, 0, false
}

// Value returns the block carried by a PrePrepare, Prepare or Commit.
func (m *Message) Value() *Block {
	switch {
	case m.Type == PrePrepare && m.PrePrepare != nil:
		return m.PrePrepare.Value
	case m.Type == Prepare && m.Prepare != nil:
		return m.Prepare.Value
	case m.Type == Commit && m.Commit != nil:
		return m.Commit.Value
	default:
		return nil
	}
}

// ReplyTarget returns the process and message id a Prepare or Commit answers.
func (m *Message) ReplyTarget() (string, int64, bool) {
	switch {
	case m.Type == Prepare && m.Prepare != nil:
		return m.Prepare.ReplyTo, m.Prepare.ReplyToMessageID, m.Prepare.ReplyTo != ""
	case m.Type == Commit && m.Commit != nil:
		return m.Commit.ReplyTo, m.Commit.ReplyToMessageID, m.Commit.ReplyTo != ""
	default:
		return "", 0, false
	}
}

// Clone returns a deep copy; used where per-destination copies may diverge.
func (m *Message) Clone() *Message {
	cp := *m
	if m.PrePrepare != nil {
		b := *m.PrePrepare
		b.Value = m.PrePrepare.Value.Clone()
		cp.PrePrepare = &b
	}
	if m.Prepare != nil {
		b := *m.Prepare
		b.Value = m.Prepare.Value.Clone()
		cp.Prepare = &b
	}
	if m.Commit != nil {
		b := *m.Commit
		b.Value = m.Commit.Value.Clone()
		cp.Commit = &b
	}
	if m.RoundChange != nil {
		b := *m.RoundChange
		b.PreparedValue = m.RoundChange.PreparedValue.Clone()
		cp.RoundChange = &b
	}
	if m.Request != nil {
		r := *m.Request
		cp.Request = &r
	}
	if m.Response != nil {
		r := *m.Response
		cp.Response = &r
	}
	return &cp
}

// Validate checks that the body matches the declared type.
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("message without sender")
	}
	var ok bool
	switch m.Type {
	case PrePrepare:
		ok = m.PrePrepare != nil && m.PrePrepare.Value != nil && m.PrePrepare.Round >= 1
	case Prepare:
		ok = m.Prepare != nil && m.Prepare.Value != nil && m.Prepare.Round >= 1
	case Commit:
		ok = m.Commit != nil && m.Commit.Value != nil && m.Commit.Round >= 1
	case RoundChange:
		ok = m.RoundChange != nil && m.RoundChange.Round >= 1
	case Ack, Ignore:
		ok = true
	case Transfer:
		ok = m.Request != nil && m.Request.Type == TransferRequestType && m.Request.Transfer != nil
	case Balance:
		ok = m.Request != nil && m.Request.Type == BalanceRequestType && m.Request.Balance != nil
	case TransferResponse, BalanceResponse, LedgerAck:
		ok = m.Response != nil
	default:
		return fmt.Errorf("unknown message type %d", m.Type)
	}
	if !ok {
		return fmt.Errorf("malformed %s message from %s", m.Type, m.SenderID)
	}
	return nil
}

// String renders a short human-readable form for logs.
func (m *Message) String() string {
	if instance, round, ok := m.Slot(); ok {
		return fmt.Sprintf("<%s(%d, %d), from=%s, id=%d>", m.Type, instance, round, m.SenderID, m.MessageID)
	}
	return fmt.Sprintf("<%s, from=%s, id=%d>", m.Type, m.SenderID, m.MessageID)
}
