package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-ledger/crypto"
	"github.com/ahwlsqja/pbft-ledger/network"
	"github.com/ahwlsqja/pbft-ledger/types"
)

var nodeIDs = []string{"node-1", "node-2", "node-3", "node-4"}

// answerFunc decides how node answers a request. Returning nil stays silent.
type answerFunc func(node string, req *types.SignedRequest) []*types.Message

// fakeNodes plays the node side of the client link.
type fakeNodes struct {
	mu     sync.Mutex
	answer answerFunc
	sent   []*types.Message
	inbox  chan *types.SignedMessage
	closed bool
}

func newFakeNodes(answer answerFunc) *fakeNodes {
	return &fakeNodes{answer: answer, inbox: make(chan *types.SignedMessage, 64)}
}

func (f *fakeNodes) Send(nodeID string, msg *types.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	for _, reply := range f.answer(nodeID, msg.Request) {
		f.inbox <- &types.SignedMessage{Message: reply}
	}
	return nil
}

func (f *fakeNodes) Receive(ctx context.Context) (*types.SignedMessage, error) {
	select {
	case sm, ok := <-f.inbox:
		if !ok {
			return nil, network.ErrLinkClosed
		}
		return sm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func reply(node string, typ types.MessageType, req *types.SignedRequest, success bool, balance float64) *types.Message {
	return &types.Message{
		Type:     typ,
		SenderID: node,
		Response: &types.LedgerResponse{
			RequestID:       req.RequestID(),
			RequestSenderID: req.ClientID,
			Success:         success,
			Balance:         balance,
		},
	}
}

func honest(balance float64) answerFunc {
	return func(node string, req *types.SignedRequest) []*types.Message {
		final := types.TransferResponse
		if req.Type == types.BalanceRequestType {
			final = types.BalanceResponse
		}
		return []*types.Message{
			reply(node, types.LedgerAck, req, true, 0),
			reply(node, final, req, true, balance),
		}
	}
}

var testSigner = func() crypto.Signer {
	kp, err := crypto.GenerateKeyPair(1024)
	if err != nil {
		panic(err)
	}
	return crypto.NewDefaultSigner("client-1", kp)
}()

func startClient(t *testing.T, nodes *fakeNodes) *Client {
	t.Helper()

	var vals []*types.Validator
	for _, id := range nodeIDs {
		vals = append(vals, &types.Validator{ID: id})
	}
	c, err := New(Config{ID: "client-1", Validators: types.NewValidatorSet(vals)}, nodes, testSigner, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestTransferWaitsForQuorum(t *testing.T) {
	nodes := newFakeNodes(honest(89.9))
	c := startClient(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := c.Transfer(ctx, "client-2", 10)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.InDelta(t, 89.9, res.Balance, 1e-9)
	assert.GreaterOrEqual(t, len(res.Responders), 3)

	// 모든 노드에 서명된 같은 요청을 보냄
	nodes.mu.Lock()
	defer nodes.mu.Unlock()
	require.Len(t, nodes.sent, len(nodeIDs))
	req := nodes.sent[0].Request
	assert.Equal(t, types.Transfer, nodes.sent[0].Type)
	assert.Equal(t, "client-1", req.Transfer.Source)
	assert.Equal(t, "client-2", req.Transfer.Destination)

	payload, err := req.SigningBytes()
	require.NoError(t, err)
	ok, err := crypto.Verify(payload, req.Signature, testSigner.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOneDissentingNodeIsOutvoted(t *testing.T) {
	nodes := newFakeNodes(func(node string, req *types.SignedRequest) []*types.Message {
		balance := 110.0
		if node == "node-1" {
			balance = 999
		}
		return honest(balance)(node, req)
	})
	c := startClient(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := c.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.InDelta(t, 110, res.Balance, 1e-9)
	assert.NotContains(t, res.Responders, "node-1")
}

func TestNoQuorumRespectsContext(t *testing.T) {
	// 두 노드만 응답: N=4에서 정족수는 3
	nodes := newFakeNodes(func(node string, req *types.SignedRequest) []*types.Message {
		if node == "node-1" || node == "node-2" {
			return honest(50)(node, req)
		}
		return nil
	})
	c := startClient(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Transfer(ctx, "client-2", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnswersFromStrangersAreIgnored(t *testing.T) {
	nodes := newFakeNodes(func(node string, req *types.SignedRequest) []*types.Message {
		if node != "node-1" {
			return nil
		}
		var out []*types.Message
		for _, fake := range []string{"mallory-1", "mallory-2", "mallory-3"} {
			out = append(out, reply(fake, types.TransferResponse, req, true, 1))
		}
		return out
	})
	c := startClient(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Transfer(ctx, "client-2", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestIDsAreUnique(t *testing.T) {
	nodes := newFakeNodes(honest(1))
	c := startClient(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := c.Transfer(ctx, "client-2", 1)
	require.NoError(t, err)
	second, err := c.Transfer(ctx, "client-2", 1)
	require.NoError(t, err)
	assert.Greater(t, second.RequestID, first.RequestID)
}

func TestClosedLinkFailsWaitingRequests(t *testing.T) {
	nodes := newFakeNodes(func(string, *types.SignedRequest) []*types.Message { return nil })
	c := startClient(t, nodes)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Transfer(context.Background(), "client-2", 1)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		nodes.mu.Lock()
		defer nodes.mu.Unlock()
		return len(nodes.sent) == len(nodeIDs)
	}, time.Second, 5*time.Millisecond)
	close(nodes.inbox)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(time.Second):
		t.Fatal("request kept waiting after the link closed")
	}
}

func TestNewRejectsForeignSigner(t *testing.T) {
	_, err := New(Config{ID: "client-2", Validators: types.NewValidatorSet([]*types.Validator{{ID: "node-1"}})}, newFakeNodes(honest(0)), testSigner, nil)
	assert.Error(t, err)
}
