// Package transport serves and dials the ledger.v1.Status gRPC service.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype both sides of the status service use.
const CodecName = "ledger-json"

var errNilMessage = errors.New("nil status message")

func init() {
	encoding.RegisterCodec(statusCodec{})
}

// statusCodec는 api/ledger/v1의 일반 Go struct를 JSON으로 주고받음.
// 알 수 없는 필드는 버전 불일치로 보고 거부
type statusCodec struct{}

func (statusCodec) Name() string { return CodecName }

func (statusCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, errNilMessage
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}

func (statusCodec) Unmarshal(data []byte, v any) error {
	if v == nil {
		return errNilMessage
	}
	// 빈 요청 본문은 zero value
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}
