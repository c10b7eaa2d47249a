package session

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"

	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/sign"
)

type testMsg struct {
	N    int
	Text string
}

var testTypes = map[uint8]reflect.Type{
	1: reflect.TypeOf(testMsg{}),
	2: reflect.TypeOf(testMsg{}),
}

func TestEnvelopeSignVerify(t *testing.T) {
	kp := sign.GenKeyPair()
	env := &Envelope{
		SessionID: NewID("origin-block"),
		Kind:      KindDKG,
		Round:     1,
		Sender:    sign.PublicKeyHex(kp.Public),
		Payload:   []byte("payload"),
	}
	require.NoError(t, env.Sign(kp))
	require.NoError(t, env.Verify(kp.Public))

	env.Payload = []byte("tampered")
	require.Error(t, env.Verify(kp.Public))
}

func TestEnvelopeEncodeRoundTrip(t *testing.T) {
	kp := sign.GenKeyPair()
	env := &Envelope{
		SessionID: NewID("x"),
		Kind:      KindSign,
		Round:     3,
		Sender:    sign.PublicKeyHex(kp.Public),
		Payload:   []byte{1, 2, 3},
	}
	require.NoError(t, env.Sign(kp))
	data, err := env.Encode()
	require.NoError(t, err)

	got, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, env.SessionID, got.SessionID)
	require.Equal(t, env.Round, got.Round)
	require.NoError(t, got.Verify(kp.Public))
}

func twoMuxers(t *testing.T, ledger dlt.Ledger) (*Muxer, *Muxer) {
	t.Helper()
	a := sign.GenKeyPair()
	b := sign.GenKeyPair()
	peers := map[string]kyber.Point{
		sign.PublicKeyHex(a.Public): a.Public,
		sign.PublicKeyHex(b.Public): b.Public,
	}
	ma := NewMuxer(Config{Tag: "t", Ledger: ledger, KeyPair: a, Peers: peers, RetryInterval: 50 * time.Millisecond})
	mb := NewMuxer(Config{Tag: "t", Ledger: ledger, KeyPair: b, Peers: peers, RetryInterval: 50 * time.Millisecond})
	return ma, mb
}

func TestMuxerDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := dlt.NewMemLedger()
	ma, mb := twoMuxers(t, ledger)
	go ma.Run(ctx)
	go mb.Run(ctx)

	id := NewID("req-1")
	deadline := time.Now().Add(time.Minute)
	sa, err := ma.Open(id, KindSign, deadline, testTypes)
	require.NoError(t, err)
	sb, err := mb.Open(id, KindSign, deadline, testTypes)
	require.NoError(t, err)

	// both sides enter round 1; each receives the other's message
	require.NoError(t, ma.Send(ctx, sa, 1, testMsg{N: 1, Text: "from a"}))
	require.NoError(t, mb.Send(ctx, sb, 1, testMsg{N: 1, Text: "from b"}))

	got := recvInbound(t, sb.Inbound())
	require.Equal(t, "from a", got.Body.(testMsg).Text)
	got = recvInbound(t, sa.Inbound())
	require.Equal(t, "from b", got.Body.(testMsg).Text)
}

func TestMuxerReplayIsNoOp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := dlt.NewMemLedger()
	ma, mb := twoMuxers(t, ledger)
	go ma.Run(ctx)
	go mb.Run(ctx)

	id := NewID("req-replay")
	deadline := time.Now().Add(time.Minute)
	sa, err := ma.Open(id, KindSign, deadline, testTypes)
	require.NoError(t, err)
	sb, err := mb.Open(id, KindSign, deadline, testTypes)
	require.NoError(t, err)

	require.NoError(t, mb.Send(ctx, sb, 1, testMsg{N: 0, Text: "noop"}))
	require.NoError(t, ma.Send(ctx, sa, 1, testMsg{N: 42, Text: "once"}))
	first := recvInbound(t, sb.Inbound())
	require.Equal(t, 42, first.Body.(testMsg).N)

	// the retry loop republishes A's wire bytes; B must not deliver twice
	select {
	case extra := <-sb.Inbound():
		t.Fatalf("duplicate delivery: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestMuxerBuffersFutureRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := dlt.NewMemLedger()
	ma, mb := twoMuxers(t, ledger)
	go ma.Run(ctx)
	go mb.Run(ctx)

	id := NewID("req-buffer")
	deadline := time.Now().Add(time.Minute)
	sa, err := ma.Open(id, KindSign, deadline, testTypes)
	require.NoError(t, err)
	sb, err := mb.Open(id, KindSign, deadline, testTypes)
	require.NoError(t, err)

	// A races ahead to round 2 while B has not opened round 1 yet.
	require.NoError(t, ma.Send(ctx, sa, 2, testMsg{N: 2, Text: "round two"}))
	time.Sleep(100 * time.Millisecond)
	select {
	case msg := <-sb.Inbound():
		t.Fatalf("premature delivery: %+v", msg)
	default:
	}

	// B reaching round 2 releases the buffered message.
	require.NoError(t, mb.Send(ctx, sb, 2, testMsg{N: 2, Text: "mine"}))
	got := recvInbound(t, sb.Inbound())
	require.Equal(t, "round two", got.Body.(testMsg).Text)
}

func TestMuxerSessionGC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := dlt.NewMemLedger()
	ma, _ := twoMuxers(t, ledger)
	go ma.Run(ctx)

	id := NewID("req-expired")
	_, err := ma.Open(id, KindSign, time.Now().Add(100*time.Millisecond), testTypes)
	require.NoError(t, err)

	select {
	case ev := <-ma.Events():
		require.Equal(t, SessionTimedOut, ev.Kind)
		require.Equal(t, id, ev.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no timeout event")
	}
}

func TestMuxerDropsUnknownSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := dlt.NewMemLedger()

	a := sign.GenKeyPair()
	stranger := sign.GenKeyPair()
	peers := map[string]kyber.Point{sign.PublicKeyHex(a.Public): a.Public}
	ma := NewMuxer(Config{Tag: "t", Ledger: ledger, KeyPair: a, Peers: peers})
	go ma.Run(ctx)

	id := NewID("req-stranger")
	sa, err := ma.Open(id, KindSign, time.Now().Add(time.Minute), testTypes)
	require.NoError(t, err)

	env := &Envelope{
		SessionID: id, Kind: KindSign, Round: 1,
		Sender:  sign.PublicKeyHex(stranger.Public),
		Payload: mustEncode(t, testMsg{N: 9}),
	}
	require.NoError(t, env.Sign(stranger))
	data, err := env.Encode()
	require.NoError(t, err)
	_, err = ledger.Publish(ctx, "t", data)
	require.NoError(t, err)

	select {
	case msg := <-sa.Inbound():
		t.Fatalf("message from unknown sender delivered: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func recvInbound(t *testing.T, ch <-chan interface{}) Inbound {
	t.Helper()
	select {
	case msg := <-ch:
		return msg.(Inbound)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return Inbound{}
	}
}

func mustEncode(t *testing.T, msg interface{}) []byte {
	t.Helper()
	data, err := encodePayload(msg)
	require.NoError(t, err)
	return data
}
