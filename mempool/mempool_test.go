package mempool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-ledger/types"
)

func transfer(client string, id int64) types.SignedRequest {
	return types.SignedRequest{
		Type:     types.TransferRequestType,
		ClientID: client,
		Transfer: &types.TransferRequest{
			RequestID:   id,
			Source:      client,
			Destination: "other",
			Amount:      1,
		},
		Signature: []byte("sig"),
	}
}

func startedMempool(t *testing.T, cfg *Config) *Mempool {
	t.Helper()
	mp := NewMempool(cfg)
	require.NoError(t, mp.Start())
	t.Cleanup(func() { _ = mp.Stop() })
	return mp
}

func TestAddTxRejectsDuplicates(t *testing.T) {
	mp := startedMempool(t, nil)

	require.NoError(t, mp.AddTx(transfer("c1", 1)))
	require.ErrorIs(t, mp.AddTx(transfer("c1", 1)), ErrTxAlreadyExists)
	require.NoError(t, mp.AddTx(transfer("c2", 1)), "same request id from another client is distinct")
	assert.Equal(t, 2, mp.Size())

	// 커밋된 요청은 다시 받지 않음
	require.NoError(t, mp.Update(1, []types.SignedRequest{transfer("c1", 1)}))
	assert.False(t, mp.HasTx("c1/1"))
	require.ErrorIs(t, mp.AddTx(transfer("c1", 1)), ErrTxAlreadyExists)

	m := mp.GetMetrics()
	assert.Equal(t, int64(4), m.TxsReceived)
	assert.Equal(t, int64(2), m.TxsRejected)
	assert.Equal(t, int64(1), m.TxsCommitted)
}

func TestAddTxRequiresRunning(t *testing.T) {
	mp := NewMempool(nil)
	require.ErrorIs(t, mp.AddTx(transfer("c1", 1)), ErrMempoolNotRunning)
}

func TestMempoolFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTxs = 2
	mp := startedMempool(t, cfg)

	require.NoError(t, mp.AddTx(transfer("c1", 1)))
	require.NoError(t, mp.AddTx(transfer("c1", 2)))
	require.ErrorIs(t, mp.AddTx(transfer("c1", 3)), ErrMempoolFull)
}

func TestCheckTxCallback(t *testing.T) {
	mp := startedMempool(t, nil)
	mp.SetCheckTxCallback(func(tx *Tx) error {
		if tx.Request.Transfer.Amount > 10 {
			return assert.AnError
		}
		return nil
	})

	req := transfer("c1", 1)
	req.Transfer.Amount = 50
	require.ErrorIs(t, mp.AddTx(req), ErrInvalidTx)
	require.NoError(t, mp.AddTx(transfer("c1", 2)))
}

func TestReapIsFIFOAndSkipsProposed(t *testing.T) {
	mp := startedMempool(t, nil)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, mp.AddTx(transfer("c1", i)))
		time.Sleep(time.Millisecond)
	}

	txs := mp.ReapMaxTxs(3)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"c1/1", "c1/2", "c1/3"}, []string{txs[0].ID, txs[1].ID, txs[2].ID})
	assert.Equal(t, 5, mp.Size(), "reap does not remove")

	mp.MarkProposed(1, txs)
	assert.Equal(t, 2, mp.PendingCount())

	rest := mp.ReapMaxTxs(0)
	require.Len(t, rest, 2)
	assert.Equal(t, "c1/4", rest[0].ID)

	// 인스턴스 1에서 c1/1, c1/2만 결정됨: c1/3은 다시 대기 상태
	require.NoError(t, mp.Update(1, Requests(txs[:2])))
	assert.Equal(t, 3, mp.Size())
	assert.Equal(t, 3, mp.PendingCount())
	assert.Equal(t, "c1/3", mp.ReapMaxTxs(1)[0].ID)
}

func TestUpdateKeepsLaterProposals(t *testing.T) {
	mp := startedMempool(t, nil)
	require.NoError(t, mp.AddTx(transfer("c1", 1)))
	require.NoError(t, mp.AddTx(transfer("c1", 2)))

	mp.MarkProposed(2, []*Tx{mp.txStore["c1/2"]})
	require.NoError(t, mp.Update(1, nil))

	assert.Equal(t, 1, mp.PendingCount(), "instance 2 is still running")
}

func TestRemoveRemembersKeys(t *testing.T) {
	mp := startedMempool(t, nil)
	require.NoError(t, mp.AddTx(transfer("c1", 1)))
	require.NoError(t, mp.AddTx(transfer("c1", 2)))

	assert.Equal(t, 1, mp.Remove("c1/1", "c2/9"))
	assert.Equal(t, 1, mp.Size())
	assert.Equal(t, mp.txStore["c1/2"].Size(), int(mp.SizeBytes()))

	// 제거된 요청은 재전송돼도 다시 들어오지 않음
	require.ErrorIs(t, mp.AddTx(transfer("c1", 1)), ErrTxAlreadyExists)
	require.ErrorIs(t, mp.AddTx(transfer("c2", 9)), ErrTxAlreadyExists)
}

func TestExpireOnlyPendingRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Millisecond
	mp := NewMempool(cfg)
	mp.isRunning = true

	require.NoError(t, mp.AddTx(transfer("c1", 1)))
	require.NoError(t, mp.AddTx(transfer("c1", 2)))
	mp.MarkProposed(1, []*Tx{mp.txStore["c1/2"]})

	time.Sleep(5 * time.Millisecond)
	mp.expireTxs()

	assert.False(t, mp.HasTx("c1/1"))
	assert.True(t, mp.HasTx("c1/2"))
	assert.Equal(t, int64(1), mp.GetMetrics().TxsExpired)
}
