package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahwlsqja/pbft-ledger/crypto"
	"github.com/ahwlsqja/pbft-ledger/types"
)

const testKeyBits = 1024

type testProcess struct {
	id     string
	keys   *crypto.KeyPair
	signer *crypto.DefaultSigner
}

func newTestProcesses(t *testing.T, ids ...string) map[string]*testProcess {
	t.Helper()
	procs := make(map[string]*testProcess, len(ids))
	for _, id := range ids {
		kp, err := crypto.GenerateKeyPair(testKeyBits)
		require.NoError(t, err)
		procs[id] = &testProcess{id: id, keys: kp, signer: crypto.NewDefaultSigner(id, kp)}
	}
	return procs
}

func peersOf(procs map[string]*testProcess) []Peer {
	peers := make([]Peer, 0, len(procs))
	for id, p := range procs {
		peers = append(peers, Peer{ID: id, Addr: MemAddr(id), PublicKey: p.keys.PublicKey})
	}
	return peers
}

func newTestLink(t *testing.T, mn *MemoryNetwork, procs map[string]*testProcess, self string, base time.Duration) *Link {
	t.Helper()
	conn, err := mn.Listen(self)
	require.NoError(t, err)
	l, err := NewLink(LinkConfig{
		Self:        self,
		Peers:       peersOf(procs),
		BaseTimeout: base,
	}, conn, procs[self].signer, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// pump keeps receiving on l so that acknowledgements are processed.
func pump(ctx context.Context, l *Link) {
	go func() {
		for {
			if _, err := l.Receive(ctx); errors.Is(err, ErrLinkClosed) || ctx.Err() != nil {
				return
			}
		}
	}()
}

func prepareMsg(instance int) *types.Message {
	return &types.Message{
		Type:    types.Prepare,
		Prepare: &types.PrepareMsg{Instance: instance, Round: 1, Value: types.NewBlock(instance, "A", nil)},
	}
}

func sealed(t *testing.T, p *testProcess, msg *types.Message) []byte {
	t.Helper()
	body, err := EncodeMessage(msg)
	require.NoError(t, err)
	sig, err := p.signer.Sign(body)
	require.NoError(t, err)
	return (&Envelope{SenderID: msg.SenderID, Body: body, Signature: sig}).Marshal()
}

func readEnvelope(t *testing.T, conn *MemConn) *types.Message {
	t.Helper()
	buf := make([]byte, MaxDatagramSize)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	env, err := UnmarshalEnvelope(buf[:n])
	require.NoError(t, err)
	msg, err := DecodeMessage(env.Body)
	require.NoError(t, err)
	return msg
}

func TestLinkSendAndAck(t *testing.T) {
	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B")
	a := newTestLink(t, mn, procs, "A", 20*time.Millisecond)
	b := newTestLink(t, mn, procs, "B", 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pump(ctx, a)

	require.NoError(t, a.Send("B", prepareMsg(1)))

	sm, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Prepare, sm.Message.Type)
	assert.Equal(t, "A", sm.Message.SenderID)
	assert.Equal(t, int64(1), sm.Message.MessageID)

	require.Eventually(t, func() bool {
		return a.channels["B"].acked.Contains(1)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLinkDuplicateIsIgnoredButAcked(t *testing.T) {
	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B")
	b := newTestLink(t, mn, procs, "B", time.Second)
	raw, err := mn.Listen("A")
	require.NoError(t, err)
	defer raw.Close()

	msg := prepareMsg(1)
	msg.SenderID = "A"
	msg.MessageID = 7
	data := sealed(t, procs["A"], msg)

	_, err = raw.WriteTo(data, MemAddr("B"))
	require.NoError(t, err)
	_, err = raw.WriteTo(data, MemAddr("B"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Prepare, first.Message.Type)

	second, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Ignore, second.Message.Type)
	assert.Equal(t, int64(7), second.Message.MessageID)

	for i := 0; i < 2; i++ {
		ack := readEnvelope(t, raw)
		assert.Equal(t, types.Ack, ack.Type)
		assert.Equal(t, int64(7), ack.MessageID, "ack echoes the received id")
	}
}

func TestLinkPiggybackedAck(t *testing.T) {
	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B")
	a := newTestLink(t, mn, procs, "A", time.Hour)
	raw, err := mn.Listen("B")
	require.NoError(t, err)
	defer raw.Close()

	pp := &types.Message{
		Type:       types.PrePrepare,
		PrePrepare: &types.PrePrepareMsg{Instance: 1, Round: 1, Value: types.NewBlock(1, "A", nil)},
	}
	require.NoError(t, a.Send("B", pp))
	got := readEnvelope(t, raw)
	require.Equal(t, types.PrePrepare, got.Type)

	reply := &types.Message{
		Type:      types.Prepare,
		SenderID:  "B",
		MessageID: 1,
		Prepare: &types.PrepareMsg{
			Instance: 1, Round: 1, Value: got.PrePrepare.Value,
			ReplyTo: "A", ReplyToMessageID: got.MessageID,
		},
	}
	_, err = raw.WriteTo(sealed(t, procs["B"], reply), MemAddr("A"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sm, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Prepare, sm.Message.Type)
	assert.True(t, a.channels["B"].acked.Contains(got.MessageID), "prepare doubles as ack")
}

func TestLinkRejectsTamperedBody(t *testing.T) {
	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B", "C")
	b := newTestLink(t, mn, procs, "B", time.Second)
	raw, err := mn.Listen("A")
	require.NoError(t, err)
	defer raw.Close()

	msg := prepareMsg(1)
	msg.SenderID = "A"
	msg.MessageID = 1
	body, err := EncodeMessage(msg)
	require.NoError(t, err)
	sig, err := procs["A"].signer.Sign(body)
	require.NoError(t, err)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = raw.WriteTo((&Envelope{SenderID: "A", Body: tampered, Signature: sig}).Marshal(), MemAddr("B"))
	require.NoError(t, err)

	// C의 키로 서명했지만 A라고 주장하는 경우
	forged, err := procs["C"].signer.Sign(body)
	require.NoError(t, err)
	_, err = raw.WriteTo((&Envelope{SenderID: "A", Body: body, Signature: forged}).Marshal(), MemAddr("B"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		_, err = b.Receive(ctx)
		var invalid *crypto.InvalidSignatureError
		require.True(t, errors.As(err, &invalid), "got %v", err)
		assert.Equal(t, "A", invalid.SignerID)
	}
}

func TestLinkUnknownPeer(t *testing.T) {
	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B")
	a := newTestLink(t, mn, procs, "A", time.Second)

	err := a.Send("Z", prepareMsg(1))
	var noSuch *NoSuchNodeError
	require.True(t, errors.As(err, &noSuch))
	assert.Equal(t, "Z", noSuch.NodeID)

	strangers := newTestProcesses(t, "Z")
	raw, err := mn.Listen("Z")
	require.NoError(t, err)
	defer raw.Close()
	msg := prepareMsg(1)
	msg.SenderID = "Z"
	msg.MessageID = 1
	_, err = raw.WriteTo(sealed(t, strangers["Z"], msg), MemAddr("A"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = a.Receive(ctx)
	require.True(t, errors.As(err, &noSuch))
}

func TestLinkLoopbackAndBroadcast(t *testing.T) {
	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B", "C")
	a := newTestLink(t, mn, procs, "A", 20*time.Millisecond)
	b := newTestLink(t, mn, procs, "B", 20*time.Millisecond)
	c := newTestLink(t, mn, procs, "C", 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Broadcast(prepareMsg(3)))

	for _, l := range []*Link{a, b, c} {
		sm, err := l.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.Prepare, sm.Message.Type)
		assert.Equal(t, 3, sm.Message.Prepare.Instance)
		assert.Equal(t, "A", sm.Message.SenderID)
	}
}

func TestLinkBroadcastHookRewritesCopies(t *testing.T) {
	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B", "C")
	b := newTestLink(t, mn, procs, "B", time.Second)
	c := newTestLink(t, mn, procs, "C", time.Second)

	conn, err := mn.Listen("A")
	require.NoError(t, err)
	a, err := NewLink(LinkConfig{
		Self:  "A",
		Peers: peersOf(procs),
		BroadcastHook: func(dest string, msg *types.Message) *types.Message {
			if dest == "C" {
				msg.Prepare.Round = 9
				return msg
			}
			return nil
		},
	}, conn, procs["A"].signer, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	original := prepareMsg(1)
	require.NoError(t, a.Broadcast(original))
	assert.Equal(t, 1, original.Prepare.Round, "hook works on copies")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sb, err := b.Receive(ctx)
	require.NoError(t, err)
	sc, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sb.Message.Prepare.Round)
	assert.Equal(t, 9, sc.Message.Prepare.Round)
}

func TestLinkRetransmitsUnderLoss(t *testing.T) {
	mn := NewMemoryNetwork(42)
	mn.SetLossRate(0.4)
	mn.SetDuplicateRate(0.2)
	procs := newTestProcesses(t, "A", "B")
	a := newTestLink(t, mn, procs, "A", 5*time.Millisecond)
	b := newTestLink(t, mn, procs, "B", 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	pump(ctx, a)

	const total = 20
	for i := 1; i <= total; i++ {
		require.NoError(t, a.Send("B", prepareMsg(i)))
	}

	seen := make(map[int]int)
	for len(seen) < total {
		sm, err := b.Receive(ctx)
		require.NoError(t, err)
		if sm.Message.Type == types.Ignore {
			continue
		}
		seen[sm.Message.Prepare.Instance]++
	}
	for i := 1; i <= total; i++ {
		assert.Equal(t, 1, seen[i], "instance %d delivered once", i)
	}

	require.Eventually(t, func() bool {
		return a.channels["B"].acked.Floor() == total
	}, 10*time.Second, 10*time.Millisecond)
}

func TestLinkGivesUpAfterMaxAttempts(t *testing.T) {
	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B")
	conn, err := mn.Listen("A")
	require.NoError(t, err)
	a, err := NewLink(LinkConfig{
		Self:        "A",
		Peers:       peersOf(procs),
		BaseTimeout: time.Millisecond,
		MaxAttempts: 3,
	}, conn, procs["A"].signer, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	// B가 없으므로 ACK는 오지 않음
	require.NoError(t, a.Send("B", prepareMsg(1)))
	require.Eventually(t, func() bool {
		return a.channels["B"].acked.Contains(1)
	}, 2*time.Second, 5*time.Millisecond)
}

// requestBlock builds a block of n transfers, each carrying an RSA-2048
// sized signature.
func requestBlock(instance, n int) *types.Block {
	reqs := make([]types.SignedRequest, n)
	for i := range reqs {
		reqs[i] = types.SignedRequest{
			Type:      types.TransferRequestType,
			ClientID:  "client-1",
			Transfer:  &types.TransferRequest{RequestID: int64(i + 1), Source: "client-1", Destination: "client-2", Amount: 1.5},
			Signature: make([]byte, 256),
		}
	}
	return types.NewBlock(instance, "A", reqs)
}

func TestLinkRejectsMessageLargerThanDatagram(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mn := NewMemoryNetwork(1)
	procs := newTestProcesses(t, "A", "B")
	a := newTestLink(t, mn, procs, "A", 20*time.Millisecond)
	b := newTestLink(t, mn, procs, "B", 20*time.Millisecond)
	pump(ctx, a)

	huge := &types.Message{
		Type:       types.PrePrepare,
		PrePrepare: &types.PrePrepareMsg{Instance: 1, Round: 1, Value: requestBlock(1, 300)},
	}
	n, err := EncodedSize(huge)
	require.NoError(t, err)
	require.Greater(t, n, MaxDatagramSize)

	assert.ErrorIs(t, a.Send("B", huge), ErrMessageTooLarge)
	assert.ErrorIs(t, a.Broadcast(huge), ErrMessageTooLarge)
	assert.Zero(t, a.channels["B"].nextID.Load(), "rejected messages take no id")

	// 한 데이터그램에 들어가는 블록은 그대로 전달됨
	fits := &types.Message{
		Type:       types.PrePrepare,
		PrePrepare: &types.PrePrepareMsg{Instance: 1, Round: 1, Value: requestBlock(1, 50)},
	}
	require.NoError(t, a.Send("B", fits))

	sm, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sm.Message.MessageID)
	assert.Len(t, sm.Message.PrePrepare.Value.Requests, 50)
}

func TestEnvelopeSize(t *testing.T) {
	env := &Envelope{SenderID: "node-1", Body: make([]byte, 300), Signature: make([]byte, 256)}
	assert.Equal(t, len(env.Marshal()), EnvelopeSize(len(env.SenderID), len(env.Body), len(env.Signature)))
}

func TestEnvelopeDecoding(t *testing.T) {
	env := &Envelope{SenderID: "1", Body: []byte{1, 2, 3}, Signature: []byte{9}}
	data := env.Marshal()

	// 알 수 없는 필드는 건너뜀
	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 300)

	got, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	noBody := protowire.AppendTag(nil, fieldSenderID, protowire.BytesType)
	noBody = protowire.AppendString(noBody, "1")
	_, err = UnmarshalEnvelope(noBody)
	assert.ErrorIs(t, err, errMissingBody)

	_, err = UnmarshalEnvelope([]byte{0xff})
	assert.Error(t, err)
}
