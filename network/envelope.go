package network

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// Envelope field numbers on the wire.
const (
	fieldSenderID  protowire.Number = 1
	fieldBody      protowire.Number = 2
	fieldSignature protowire.Number = 3
)

// MaxDatagramSize is the largest UDP payload over IPv4 and so the largest
// envelope the link sends or reads.
const MaxDatagramSize = 65507

// ErrMessageTooLarge is returned by Send when the signed envelope of a
// message would not fit in one datagram.
var ErrMessageTooLarge = errors.New("message does not fit in one datagram")

var (
	errMissingBody   = errors.New("envelope without body")
	errMissingSender = errors.New("envelope without sender")
)

// EnvelopeSize returns the wire size of an envelope whose fields have the
// given lengths.
func EnvelopeSize(senderLen, bodyLen, signatureLen int) int {
	return protowire.SizeTag(fieldSenderID) + protowire.SizeBytes(senderLen) +
		protowire.SizeTag(fieldBody) + protowire.SizeBytes(bodyLen) +
		protowire.SizeTag(fieldSignature) + protowire.SizeBytes(signatureLen)
}

// EncodedSize returns the size of the MessagePack body of msg.
func EncodedSize(msg *types.Message) (int, error) {
	body, err := EncodeMessage(msg)
	if err != nil {
		return 0, err
	}
	return len(body), nil
}

var msgpackHandle = &codec.MsgpackHandle{}

// Envelope is the unit put on the wire: the serialized message body and the
// sender's signature over exactly those bytes.
type Envelope struct {
	SenderID  string
	Body      []byte
	Signature []byte
}

// EncodeMessage serializes msg with MessagePack.
func EncodeMessage(msg *types.Message) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf, nil
}

// DecodeMessage parses a MessagePack body into a typed message.
func DecodeMessage(body []byte) (*types.Message, error) {
	msg := &types.Message{}
	if err := codec.NewDecoderBytes(body, msgpackHandle).Decode(msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, nil
}

// Marshal encodes the envelope as length-delimited protobuf fields.
func (e *Envelope) Marshal() []byte {
	b := make([]byte, 0, EnvelopeSize(len(e.SenderID), len(e.Body), len(e.Signature)))
	b = protowire.AppendTag(b, fieldSenderID, protowire.BytesType)
	b = protowire.AppendString(b, e.SenderID)
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Body)
	b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Signature)
	return b
}

// UnmarshalEnvelope parses a datagram. Unknown fields are skipped; a datagram
// without sender or body is rejected.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	var hasBody bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode envelope tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		known := num == fieldSenderID || num == fieldBody || num == fieldSignature
		if !known || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("failed to skip envelope field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode envelope field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldSenderID:
			env.SenderID = string(v)
		case fieldBody:
			env.Body = append([]byte(nil), v...)
			hasBody = true
		case fieldSignature:
			env.Signature = append([]byte(nil), v...)
		}
	}

	if env.SenderID == "" {
		return nil, errMissingSender
	}
	if !hasBody {
		return nil, errMissingBody
	}
	return env, nil
}
