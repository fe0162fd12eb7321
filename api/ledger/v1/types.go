// Package ledgerv1 defines the messages and service description of the
// ledger.v1.Status gRPC service. Messages travel with the JSON codec from the
// transport package, so they are plain Go structs.
package ledgerv1

import (
	"fmt"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// ================================================================================
//                          GetStatus
// ================================================================================

type GetStatusRequest struct{}

// GetStatusResponse summarizes one node.
type GetStatusResponse struct {
	NodeId          string   `json:"node_id"`
	Behavior        string   `json:"behavior"`
	Validators      []string `json:"validators"`
	CurrentInstance int64    `json:"current_instance"` // 이 노드가 마지막으로 시작한 인스턴스
	LastDecided     int64    `json:"last_decided"`     // 원장에 적용된 마지막 인스턴스
	PendingRequests int32    `json:"pending_requests"`
	MempoolSize     int32    `json:"mempool_size"`
	UptimeSeconds   int64    `json:"uptime_seconds"`

	// 맴풀 누적 카운터
	RequestsReceived  int64 `json:"requests_received"`
	RequestsRejected  int64 `json:"requests_rejected"`
	RequestsCommitted int64 `json:"requests_committed"`
	RequestsReleased  int64 `json:"requests_released"`
	RequestsExpired   int64 `json:"requests_expired"`
}

func (x *GetStatusResponse) String() string {
	return fmt.Sprintf("GetStatusResponse{NodeId:%s, LastDecided:%d}", x.NodeId, x.LastDecided)
}

// ================================================================================
//                          GetInstance
// ================================================================================

type GetInstanceRequest struct {
	Instance int64 `json:"instance"`
}

// GetInstanceResponse is the local view of one consensus instance.
// PreparedRound and DecidedRound are -1 when unset.
type GetInstanceResponse struct {
	Instance      int64        `json:"instance"`
	Found         bool         `json:"found"`
	CurrentRound  int32        `json:"current_round"`
	Leader        string       `json:"leader"`
	PreparedRound int32        `json:"prepared_round"`
	DecidedRound  int32        `json:"decided_round"`
	DecidedValue  *types.Block `json:"decided_value,omitempty"`
}

func (x *GetInstanceResponse) String() string {
	return fmt.Sprintf("GetInstanceResponse{Instance:%d, Round:%d, Decided:%d}", x.Instance, x.CurrentRound, x.DecidedRound)
}

// ================================================================================
//                          GetBalance
// ================================================================================

type GetBalanceRequest struct {
	AccountId string `json:"account_id"`
}

// GetBalanceResponse reads the local replica without going through consensus.
type GetBalanceResponse struct {
	AccountId   string  `json:"account_id"`
	Balance     float64 `json:"balance"`
	LastDecided int64   `json:"last_decided"`
}

func (x *GetBalanceResponse) String() string {
	return fmt.Sprintf("GetBalanceResponse{Account:%s, Balance:%.2f}", x.AccountId, x.Balance)
}

// ================================================================================
//                          GetBlock
// ================================================================================

type GetBlockRequest struct {
	Instance int64 `json:"instance"`
}

// GetBlockResponse carries a block from the decided-block log.
type GetBlockResponse struct {
	Block *types.Block `json:"block"`
}
