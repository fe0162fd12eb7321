// Package pbft provides PBFT consensus configuration and interfaces.
package pbft

import (
	"context"
	"time"

	"github.com/ahwlsqja/pbft-ledger/types"
)

// PBFT 엔진 설정 구조체
type Config struct {
	// 노드 ID
	NodeID string

	// 첫 라운드의 라운드 체인지 타임아웃, 라운드마다 두 배 (7초)
	RoundChangeTimeout time.Duration

	// 적용된 인스턴스를 몇 개까지 보관할지. 0이면 전부 보관
	RetentionWindow int

	// 메시지 핸들러 동시 실행 수
	Workers int

	// 장애 주입 모드
	Behavior types.Behavior
}

// DefaultConfig returns the engine defaults for nodeID.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:             nodeID,
		RoundChangeTimeout: 7 * time.Second,
		RetentionWindow:    0,
		Workers:            16,
		Behavior:           types.Regular,
	}
}

// maxTimeoutShift caps the exponent of the round-change backoff.
const maxTimeoutShift = 16

// timeoutFor returns base << (round-1), with the shift capped.
func (c *Config) timeoutFor(round int) time.Duration {
	shift := round - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxTimeoutShift {
		shift = maxTimeoutShift
	}
	return c.RoundChangeTimeout << uint(shift)
}

// 구현은 다른 파일에서 하지만 "이런 기능이 필요하다" 정의
type Link interface {
	// 모든 노드에게 전송 (자기 자신 포함)
	Broadcast(msg *types.Message) error

	Send(nodeID string, msg *types.Message) error
}

// Receiver is the inbound side of a link.
type Receiver interface {
	Receive(ctx context.Context) (*types.SignedMessage, error)
}

// 결정된 블록을 받아가는 쪽 (원장)
type Application interface {
	// ValidateBlock checks a proposed value before this node prepares it.
	// It must not depend on ledger state so that any node can run it at
	// any time.
	ValidateBlock(instance int, block *types.Block) error

	// ApplyBlock is called once per instance, in strictly increasing
	// instance order, with the decided value.
	ApplyBlock(instance int, block *types.Block) error
}

// Proposer is optionally implemented by an Application that can supply a
// value when this node must lead a round of an instance it never started.
type Proposer interface {
	ProposeBlock(instance int) *types.Block
}
