package mempool

import (
	"encoding/json"
	"time"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// Tx is a verified client request waiting in the mempool.
type Tx struct {
	// 요청 식별자 (clientID/requestID)
	ID string

	// 서명된 클라이언트 요청
	Request types.SignedRequest

	// 메타데이터
	Sender    string    // 요청을 보낸 클라이언트
	Timestamp time.Time // 멤풀 진입 시간
	size      int

	// 0이면 대기 중, 아니면 이 요청을 담아 시작한 인스턴스
	ProposedIn int
}

// NewTx wraps req for the mempool.
func NewTx(req types.SignedRequest) *Tx {
	data, _ := json.Marshal(req)
	return &Tx{
		ID:        req.Key(),
		Request:   req,
		Sender:    req.ClientID,
		Timestamp: time.Now(),
		size:      len(data),
	}
}

// Size returns the encoded size of the request in bytes.
func (tx *Tx) Size() int {
	return tx.size
}

// Age returns how long the request has been in the mempool.
func (tx *Tx) Age() time.Duration {
	return time.Since(tx.Timestamp)
}

// Pending reports whether the request is not part of any started instance.
func (tx *Tx) Pending() bool {
	return tx.ProposedIn == 0
}

// Requests unwraps txs in order.
func Requests(txs []*Tx) []types.SignedRequest {
	out := make([]types.SignedRequest, len(txs))
	for i, tx := range txs {
		out[i] = tx.Request
	}
	return out
}
