package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-ledger/crypto"
	"github.com/ahwlsqja/pbft-ledger/types"
)

const testKeyBits = 1024

var (
	testClients = []string{"client-1", "client-2"}
	testNodes   = []string{"node-1", "node-2", "node-3", "node-4"}
)

// testKeys generates one key pair per client. Generated once per package run.
var testKeys = func() map[string]*crypto.KeyPair {
	keys := make(map[string]*crypto.KeyPair)
	for _, id := range testClients {
		kp, err := crypto.GenerateKeyPair(testKeyBits)
		if err != nil {
			panic(err)
		}
		keys[id] = kp
	}
	return keys
}()

func testKeyRing() *crypto.KeyRing {
	ring := crypto.NewKeyRing()
	for id, kp := range testKeys {
		ring.Add(id, kp.PublicKey)
	}
	return ring
}

func newTestLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	if cfg.NodeID == "" {
		cfg.NodeID = "node-1"
	}
	ids := append(append([]string{}, testClients...), testNodes...)
	return New(cfg, ids, testKeyRing(), nil)
}

func signRequest(t *testing.T, req types.SignedRequest, signer string) types.SignedRequest {
	t.Helper()
	payload, err := req.SigningBytes()
	require.NoError(t, err)
	sig, err := crypto.Sign(payload, testKeys[signer].PrivateKey)
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func transferReq(t *testing.T, id int64, from, to string, amount float64) types.SignedRequest {
	return signRequest(t, types.SignedRequest{
		Type:     types.TransferRequestType,
		ClientID: from,
		Transfer: &types.TransferRequest{RequestID: id, Source: from, Destination: to, Amount: amount},
	}, from)
}

func balanceReq(t *testing.T, id int64, requester, account string) types.SignedRequest {
	return signRequest(t, types.SignedRequest{
		Type:     types.BalanceRequestType,
		ClientID: requester,
		Balance:  &types.BalanceRequest{RequestID: id, AccountID: account, RequesterID: requester},
	}, requester)
}

func balanceOf(t *testing.T, l *Ledger, id string) float64 {
	t.Helper()
	acc, ok := l.GetAccount(id)
	require.True(t, ok, "account %s", id)
	return acc.Balance
}

func TestTransferPaysFeeToCreator(t *testing.T) {
	l := newTestLedger(t, Config{FeeRate: DefaultFeeRate})

	block := types.NewBlock(1, "node-2", []types.SignedRequest{transferReq(t, 1, "client-1", "client-2", 10)})
	outcomes, err := l.ApplyBlock(block)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Equal(t, Applied, outcomes[0].Status)
	resp := outcomes[0].Response
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1), resp.RequestID)
	assert.Equal(t, "client-1", resp.RequestSenderID)
	assert.InDelta(t, 89.9, resp.Balance, 1e-9)

	assert.InDelta(t, 89.9, balanceOf(t, l, "client-1"), 1e-9)
	assert.InDelta(t, 110, balanceOf(t, l, "client-2"), 1e-9)
	assert.InDelta(t, 100.1, balanceOf(t, l, "node-2"), 1e-9)
	assert.InDelta(t, 100, balanceOf(t, l, "node-1"), 1e-9)
	assert.Equal(t, 1, l.AppliedCount())
}

func TestZeroFeeRate(t *testing.T) {
	l := newTestLedger(t, Config{FeeRate: 0})

	_, err := l.ApplyBlock(types.NewBlock(1, "node-1", []types.SignedRequest{transferReq(t, 1, "client-1", "client-2", 25)}))
	require.NoError(t, err)

	assert.InDelta(t, 75, balanceOf(t, l, "client-1"), 1e-9)
	assert.InDelta(t, 125, balanceOf(t, l, "client-2"), 1e-9)
	assert.InDelta(t, 100, balanceOf(t, l, "node-1"), 1e-9)
}

func TestNegativeFeeRateUsesDefault(t *testing.T) {
	l := newTestLedger(t, Config{FeeRate: -1})
	assert.Equal(t, DefaultFeeRate, l.config.FeeRate)
	assert.InDelta(t, DefaultInitialBalance, balanceOf(t, l, "client-1"), 1e-9)
}

func TestBlockIsAllOrNothing(t *testing.T) {
	l := newTestLedger(t, Config{FeeRate: DefaultFeeRate})

	// 두 번째 이체는 잔액 부족 (50.5 남음, 60.6 필요)
	block := types.NewBlock(1, "node-1", []types.SignedRequest{
		transferReq(t, 1, "client-1", "client-2", 50),
		transferReq(t, 2, "client-1", "client-2", 60),
	})
	outcomes, err := l.ApplyBlock(block)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Len(t, outcomes, 2)

	assert.Equal(t, Deferred, outcomes[0].Status)
	assert.False(t, outcomes[0].Answered())
	assert.False(t, outcomes[0].Settled())

	assert.Equal(t, Rejected, outcomes[1].Status)
	assert.True(t, outcomes[1].Answered())
	assert.False(t, outcomes[1].Response.Success)
	assert.Zero(t, outcomes[1].Response.Balance)
	assert.Contains(t, outcomes[1].Response.Detail, "insufficient funds")

	assert.InDelta(t, 100, balanceOf(t, l, "client-1"), 1e-9)
	assert.InDelta(t, 100, balanceOf(t, l, "client-2"), 1e-9)
	assert.InDelta(t, 100, balanceOf(t, l, "node-1"), 1e-9)
	assert.Zero(t, l.AppliedCount())

	// 보류된 요청은 다음 블록에서 적용되고, 거부된 요청은 다시 평가되지 않음
	assert.False(t, l.IsSettled(block.Requests[0].Key()))
	assert.True(t, l.IsSettled(block.Requests[1].Key()))

	outcomes, err = l.ApplyBlock(types.NewBlock(2, "node-1", block.Requests))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcomes[0].Status)
	assert.Equal(t, Skipped, outcomes[1].Status)
	assert.InDelta(t, 49.5, balanceOf(t, l, "client-1"), 1e-9)
}

func TestSettledRequestIsSkippedInLaterBlock(t *testing.T) {
	l := newTestLedger(t, Config{FeeRate: 0})
	first := transferReq(t, 2, "client-2", "client-1", 5)
	second := transferReq(t, 3, "client-2", "client-1", 5)

	_, err := l.ApplyBlock(types.NewBlock(1, "node-1", []types.SignedRequest{first}))
	require.NoError(t, err)

	// 다른 노드가 같은 요청을 자기 블록에 넣어 인스턴스 2에서 결정됨
	outcomes, err := l.ApplyBlock(types.NewBlock(2, "node-2", []types.SignedRequest{first, second}))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, Skipped, outcomes[0].Status)
	assert.False(t, outcomes[0].Answered(), "the first answer stands")
	assert.True(t, outcomes[0].Settled())

	assert.Equal(t, Applied, outcomes[1].Status)
	assert.True(t, outcomes[1].Response.Success)
	assert.InDelta(t, 90, outcomes[1].Response.Balance, 1e-9)

	assert.InDelta(t, 110, balanceOf(t, l, "client-1"), 1e-9)
	assert.Equal(t, 2, l.AppliedCount())
	require.ErrorIs(t, l.ValidateRequest(&first), ErrAlreadySettled)
}

func TestRepeatedRequestInsideBlockIsSkipped(t *testing.T) {
	l := newTestLedger(t, Config{FeeRate: 0})
	req := transferReq(t, 1, "client-1", "client-2", 10)

	outcomes, err := l.ApplyBlock(types.NewBlock(1, "node-1", []types.SignedRequest{req, req}))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcomes[0].Status)
	assert.Equal(t, Skipped, outcomes[1].Status)
	assert.InDelta(t, 90, balanceOf(t, l, "client-1"), 1e-9)
}

func TestRobberLeaderDoublesItsFee(t *testing.T) {
	l := newTestLedger(t, Config{NodeID: "node-1", FeeRate: DefaultFeeRate, Behavior: types.RobberLeader})

	_, err := l.ApplyBlock(types.NewBlock(1, "node-1", []types.SignedRequest{transferReq(t, 1, "client-1", "client-2", 10)}))
	require.NoError(t, err)
	assert.InDelta(t, 89.8, balanceOf(t, l, "client-1"), 1e-9)
	assert.InDelta(t, 100.2, balanceOf(t, l, "node-1"), 1e-9)

	// 다른 노드가 만든 블록에는 정상 수수료
	_, err = l.ApplyBlock(types.NewBlock(2, "node-2", []types.SignedRequest{transferReq(t, 2, "client-1", "client-2", 10)}))
	require.NoError(t, err)
	assert.InDelta(t, 79.7, balanceOf(t, l, "client-1"), 1e-9)
	assert.InDelta(t, 100.1, balanceOf(t, l, "node-2"), 1e-9)
}

func TestBalanceRequest(t *testing.T) {
	l := newTestLedger(t, Config{FeeRate: DefaultFeeRate})

	block := types.NewBlock(1, "node-1", []types.SignedRequest{
		transferReq(t, 1, "client-1", "client-2", 10),
		balanceReq(t, 2, "client-2", "client-1"),
	})
	outcomes, err := l.ApplyBlock(block)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	resp := outcomes[1].Response
	assert.True(t, resp.Success)
	assert.Equal(t, "client-2", resp.RequestSenderID)
	assert.InDelta(t, 89.9, resp.Balance, 1e-9, "reads see earlier requests of the block")
}

func TestVerifyRequest(t *testing.T) {
	l := newTestLedger(t, Config{})

	req := transferReq(t, 1, "client-1", "client-2", 10)
	require.NoError(t, l.VerifyRequest(&req))

	// client-2의 키로 client-1 이체에 서명
	forged := signRequest(t, types.SignedRequest{
		Type:     types.TransferRequestType,
		ClientID: "client-1",
		Transfer: &types.TransferRequest{RequestID: 2, Source: "client-1", Destination: "client-2", Amount: 10},
	}, "client-2")
	err := l.VerifyRequest(&forged)
	var invalid *crypto.InvalidSignatureError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "client-1", invalid.SignerID)

	// client-2가 client-1 계좌에서 보내려고 함
	stolen := signRequest(t, types.SignedRequest{
		Type:     types.TransferRequestType,
		ClientID: "client-2",
		Transfer: &types.TransferRequest{RequestID: 3, Source: "client-1", Destination: "client-2", Amount: 10},
	}, "client-2")
	require.ErrorIs(t, l.VerifyRequest(&stolen), ErrWrongSigner)
}

func TestValidateRequest(t *testing.T) {
	l := newTestLedger(t, Config{FeeRate: DefaultFeeRate})

	ok := transferReq(t, 1, "client-1", "client-2", 99)
	require.NoError(t, l.ValidateRequest(&ok))

	tooMuch := transferReq(t, 2, "client-1", "client-2", 100)
	require.ErrorIs(t, l.ValidateRequest(&tooMuch), ErrInsufficientFunds)

	negative := transferReq(t, 3, "client-1", "client-2", -1)
	require.ErrorIs(t, l.ValidateRequest(&negative), ErrInvalidAmount)

	unknown := transferReq(t, 4, "client-1", "nobody", 1)
	require.ErrorIs(t, l.ValidateRequest(&unknown), ErrUnknownAccount)
}

func TestValidateBlock(t *testing.T) {
	l := newTestLedger(t, Config{})
	req := transferReq(t, 1, "client-1", "client-2", 10)

	require.NoError(t, l.ValidateBlock(3, types.NewBlock(3, "node-1", []types.SignedRequest{req})))
	require.NoError(t, l.ValidateBlock(3, types.NewBlock(3, "node-1", nil)), "empty blocks are valid")

	assert.Error(t, l.ValidateBlock(4, types.NewBlock(3, "node-1", []types.SignedRequest{req})))
	assert.Error(t, l.ValidateBlock(3, nil))
	assert.ErrorIs(t, l.ValidateBlock(3, types.NewBlock(3, "node-1", []types.SignedRequest{req, req})), ErrDuplicateRequest)

	tampered := req
	tampered.Transfer = &types.TransferRequest{RequestID: 1, Source: "client-1", Destination: "client-2", Amount: 90}
	var invalid *crypto.InvalidSignatureError
	assert.True(t, errors.As(l.ValidateBlock(3, types.NewBlock(3, "node-1", []types.SignedRequest{tampered})), &invalid))
}

func TestAccountsSorted(t *testing.T) {
	l := newTestLedger(t, Config{})
	accounts := l.Accounts()
	require.Len(t, accounts, len(testClients)+len(testNodes))
	assert.Equal(t, "client-1", accounts[0].OwnerID)
	assert.Equal(t, "node-4", accounts[len(accounts)-1].OwnerID)
}
