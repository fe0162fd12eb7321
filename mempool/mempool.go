// Package mempool holds verified client requests until a decided block
// carries them.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ahwlsqja/pbft-ledger/types"
)

/*
================================================================================
                           MEMPOOL 아키텍처
================================================================================

  Client ──► LedgerService ──► AddTx ──► txStore (FIFO, Key 기준 중복 제거)
                                            │
              flush (threshold / delay)     │ ReapMaxTxs: 대기 중인 요청만
                                            ▼
                              MarkProposed(instance, txs)
                                            │
              ApplyBlock(instance)          │ Update(instance, committed)
                                            ▼
                 커밋된 요청 제거 + recentlyRemoved 캐시
                 커밋되지 않은 제안 요청은 다시 대기 상태로

================================================================================
*/

var (
	ErrTxAlreadyExists   = errors.New("request already in mempool or committed")
	ErrMempoolFull       = errors.New("mempool is full")
	ErrTxTooLarge        = errors.New("request too large")
	ErrInvalidTx         = errors.New("invalid request")
	ErrMempoolNotRunning = errors.New("mempool is not running")
)

// 맴풀 설정
type Config struct {
	// 크기 제한
	MaxTxs      int // 최대 요청 수 (기본: 5000)
	MaxTxBytes  int // 단일 요청 최대 바이트 (기본: 8KB)
	MaxBatchTxs int // 블록 하나에 담을 최대 요청 수 (기본: 100)

	// TTL (Time To Live)
	TTL time.Duration // 대기 요청 만료 시간 (기본: 10분)

	// 캐시
	CacheSize int // 최근 커밋된 요청 캐시 크기
}

// 디폴트 맴풀 설정
func DefaultConfig() *Config {
	return &Config{
		MaxTxs:      5000,
		MaxTxBytes:  8 * 1024,
		MaxBatchTxs: 100,
		TTL:         10 * time.Minute,
		CacheSize:   10000,
	}
}

// 요청을 검증하는 콜백 함수. 유효하면 nil 반환
type CheckTxCallback func(tx *Tx) error

// Mempool keeps requests in arrival order. A request is pending until it is
// put into a block this node started; it leaves the pool when a decided
// block carries it.
type Mempool struct {
	mu sync.RWMutex

	config *Config

	// 요청 저장소
	txStore map[string]*Tx // key -> Tx

	txBytes   int64
	isRunning bool

	// 최근 커밋된 요청 (중복 방지)
	recentlyRemoved map[string]time.Time

	checkTxCallback CheckTxCallback

	ctx    context.Context
	cancel context.CancelFunc

	metrics *MempoolMetrics
}

// 맴풀 메트릭
type MempoolMetrics struct {
	mu sync.RWMutex

	TxsReceived   int64 // 받은 총 요청 수
	TxsAccepted   int64 // 수락된 요청 수
	TxsRejected   int64 // 거부된 요청 수
	TxsExpired    int64 // 만료된 요청 수
	TxsCommitted  int64 // 커밋된 요청 수
	TxsReleased   int64 // 제안됐지만 커밋되지 않아 다시 대기한 요청 수
	CurrentSize   int
	CurrentBytes  int64
	PeakSize      int
	LastBlockTime time.Time
}

// 새로운 맴풀 생성
func NewMempool(config *Config) *Mempool {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mempool{
		config:          config,
		txStore:         make(map[string]*Tx),
		recentlyRemoved: make(map[string]time.Time),
		ctx:             ctx,
		cancel:          cancel,
		metrics:         &MempoolMetrics{},
	}
}

// Start starts the expiry and cache cleanup loops.
func (mp *Mempool) Start() error {
	mp.mu.Lock()
	if mp.isRunning {
		mp.mu.Unlock()
		return nil
	}
	mp.isRunning = true
	mp.mu.Unlock()

	go mp.expireLoop()
	go mp.cleanupCacheLoop()

	return nil
}

// Stop stops the mempool.
func (mp *Mempool) Stop() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !mp.isRunning {
		return nil
	}

	mp.isRunning = false
	mp.cancel()

	return nil
}

// SetCheckTxCallback sets the request validation callback.
func (mp *Mempool) SetCheckTxCallback(cb CheckTxCallback) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.checkTxCallback = cb
}

// AddTx adds a verified request. Requests already pooled or recently
// committed are rejected with ErrTxAlreadyExists.
func (mp *Mempool) AddTx(req types.SignedRequest) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !mp.isRunning {
		return ErrMempoolNotRunning
	}
	mp.countMetric(&mp.metrics.TxsReceived)

	tx := NewTx(req)

	// 1. 크기 체크
	if tx.Size() > mp.config.MaxTxBytes {
		mp.countMetric(&mp.metrics.TxsRejected)
		return fmt.Errorf("%w: size %d > max %d", ErrTxTooLarge, tx.Size(), mp.config.MaxTxBytes)
	}

	// 2. 중복 체크
	if _, exists := mp.txStore[tx.ID]; exists {
		mp.countMetric(&mp.metrics.TxsRejected)
		return ErrTxAlreadyExists
	}
	if _, removed := mp.recentlyRemoved[tx.ID]; removed {
		mp.countMetric(&mp.metrics.TxsRejected)
		return ErrTxAlreadyExists
	}

	// 3. 검증 콜백
	if mp.checkTxCallback != nil {
		if err := mp.checkTxCallback(tx); err != nil {
			mp.countMetric(&mp.metrics.TxsRejected)
			return fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}
	}

	// 4. 용량 체크. 요청은 우선순위가 없으므로 퇴출하지 않음
	if len(mp.txStore) >= mp.config.MaxTxs {
		mp.countMetric(&mp.metrics.TxsRejected)
		return ErrMempoolFull
	}

	mp.addTxLocked(tx)

	mp.countMetric(&mp.metrics.TxsAccepted)
	return nil
}

func (mp *Mempool) addTxLocked(tx *Tx) {
	mp.txStore[tx.ID] = tx
	mp.txBytes += int64(tx.Size())
	mp.updateMetrics()
}

func (mp *Mempool) removeTxLocked(id string, addToCache bool) bool {
	tx, exists := mp.txStore[id]
	if !exists {
		if addToCache {
			mp.recentlyRemoved[id] = time.Now()
		}
		return false
	}

	delete(mp.txStore, id)
	mp.txBytes -= int64(tx.Size())

	if addToCache {
		mp.recentlyRemoved[id] = time.Now()
	}

	mp.updateMetrics()
	return true
}

// ReapMaxTxs returns up to max pending requests in arrival order without
// removing them.
func (mp *Mempool) ReapMaxTxs(max int) []*Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if max <= 0 || max > mp.config.MaxBatchTxs {
		max = mp.config.MaxBatchTxs
	}

	txs := make([]*Tx, 0, len(mp.txStore))
	for _, tx := range mp.txStore {
		if tx.Pending() {
			txs = append(txs, tx)
		}
	}

	// 도착 순서 (Timestamp, 같으면 키) - FIFO
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})

	if len(txs) > max {
		txs = txs[:max]
	}
	return txs
}

// MarkProposed records that txs went into the block of instance, so that
// later reaps skip them.
func (mp *Mempool) MarkProposed(instance int, txs []*Tx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range txs {
		if stored, ok := mp.txStore[tx.ID]; ok {
			stored.ProposedIn = instance
		}
	}
}

/*
================================================================================
                         블록 적용 후 처리
================================================================================

  LedgerService               Mempool
       │                         │
       │  Update(instance,       │
       │     committed)          │
       │ ───────────────────────►│
       │                         │ 1. 커밋된 요청 제거 (+ 캐시)
       │                         │ 2. instance 이하에 제안됐지만
       │                         │    결정되지 않은 요청을 대기로 되돌림
       │◄─────────────────────── │

================================================================================
*/

// Update removes the requests of a decided block and releases requests that
// were proposed in instance (or earlier) but not decided.
func (mp *Mempool) Update(instance int, committed []types.SignedRequest) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.metrics.mu.Lock()
	mp.metrics.LastBlockTime = time.Now()
	mp.metrics.mu.Unlock()

	for i := range committed {
		mp.removeTxLocked(committed[i].Key(), true)
		mp.countMetric(&mp.metrics.TxsCommitted)
	}

	for _, tx := range mp.txStore {
		if !tx.Pending() && tx.ProposedIn <= instance {
			tx.ProposedIn = 0
			mp.countMetric(&mp.metrics.TxsReleased)
		}
	}
	return nil
}

// Remove drops requests that will never be proposed, such as requests a
// decided block already settled. Like committed requests they are remembered
// so that retransmissions are not queued again.
func (mp *Mempool) Remove(keys ...string) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	n := 0
	for _, key := range keys {
		if mp.removeTxLocked(key, true) {
			n++
		}
	}
	return n
}

// HasTx checks if a request is pooled.
func (mp *Mempool) HasTx(key string) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, exists := mp.txStore[key]
	return exists
}

// Size returns the number of pooled requests, pending or proposed.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.txStore)
}

// PendingCount returns the number of requests not yet proposed.
func (mp *Mempool) PendingCount() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	n := 0
	for _, tx := range mp.txStore {
		if tx.Pending() {
			n++
		}
	}
	return n
}

// SizeBytes returns the current total bytes.
func (mp *Mempool) SizeBytes() int64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.txBytes
}

// GetMetrics returns mempool metrics.
func (mp *Mempool) GetMetrics() MempoolMetrics {
	mp.metrics.mu.RLock()
	defer mp.metrics.mu.RUnlock()

	return MempoolMetrics{
		TxsReceived:   mp.metrics.TxsReceived,
		TxsAccepted:   mp.metrics.TxsAccepted,
		TxsRejected:   mp.metrics.TxsRejected,
		TxsExpired:    mp.metrics.TxsExpired,
		TxsCommitted:  mp.metrics.TxsCommitted,
		TxsReleased:   mp.metrics.TxsReleased,
		CurrentSize:   mp.metrics.CurrentSize,
		CurrentBytes:  mp.metrics.CurrentBytes,
		PeakSize:      mp.metrics.PeakSize,
		LastBlockTime: mp.metrics.LastBlockTime,
	}
}

/*
================================================================================
                          백그라운드 작업
================================================================================
*/

func (mp *Mempool) expireLoop() {
	ticker := time.NewTicker(mp.config.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-mp.ctx.Done():
			return
		case <-ticker.C:
			mp.expireTxs()
		}
	}
}

// expireTxs drops pending requests older than TTL. Proposed requests stay
// until their instance is applied.
func (mp *Mempool) expireTxs() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	now := time.Now()
	toRemove := make([]string, 0)

	for id, tx := range mp.txStore {
		if tx.Pending() && now.Sub(tx.Timestamp) > mp.config.TTL {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		mp.removeTxLocked(id, false)
		mp.countMetric(&mp.metrics.TxsExpired)
	}
}

func (mp *Mempool) cleanupCacheLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-mp.ctx.Done():
			return
		case <-ticker.C:
			mp.cleanupCache()
		}
	}
}

// cleanupCache trims the committed-request cache to CacheSize, oldest first.
func (mp *Mempool) cleanupCache() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if len(mp.recentlyRemoved) <= mp.config.CacheSize {
		return
	}

	type entry struct {
		id   string
		time time.Time
	}
	entries := make([]entry, 0, len(mp.recentlyRemoved))
	for id, t := range mp.recentlyRemoved {
		entries = append(entries, entry{id, t})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	toRemove := len(mp.recentlyRemoved) - mp.config.CacheSize
	for i := 0; i < toRemove; i++ {
		delete(mp.recentlyRemoved, entries[i].id)
	}
}

/*
================================================================================
                              헬퍼 메서드
================================================================================
*/

func (mp *Mempool) countMetric(counter *int64) {
	mp.metrics.mu.Lock()
	*counter++
	mp.metrics.mu.Unlock()
}

func (mp *Mempool) updateMetrics() {
	mp.metrics.mu.Lock()
	defer mp.metrics.mu.Unlock()

	mp.metrics.CurrentSize = len(mp.txStore)
	mp.metrics.CurrentBytes = mp.txBytes
	if mp.metrics.CurrentSize > mp.metrics.PeakSize {
		mp.metrics.PeakSize = mp.metrics.CurrentSize
	}
}
