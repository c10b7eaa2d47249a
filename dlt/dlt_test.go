package dlt

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMemLedgerPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := NewMemLedger()

	stream, err := ledger.Subscribe(ctx, "tag-a")
	require.NoError(t, err)

	id, err := ledger.Publish(ctx, "tag-a", []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case msg := <-stream:
		require.Equal(t, id, msg.BlockID)
		require.Equal(t, []byte("hello"), msg.Data)
		require.Equal(t, "tag-a", msg.Tag)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	// other tags are not delivered
	_, err = ledger.Publish(ctx, "tag-b", []byte("other"))
	require.NoError(t, err)
	select {
	case msg := <-stream:
		t.Fatalf("unexpected cross-tag delivery: %v", msg.Tag)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemLedgerFetch(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()

	id, err := ledger.Publish(ctx, "t", []byte("payload"))
	require.NoError(t, err)

	msg, err := ledger.Fetch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), msg.Data)

	_, err = ledger.Fetch(ctx, "deadbeef")
	require.ErrorIs(t, err, ErrUnknownBlock)
}

// flakyLedger fails a fixed number of publishes before succeeding.
type flakyLedger struct {
	*MemLedger
	failures int
}

func (f *flakyLedger) Publish(ctx context.Context, tag string, data []byte) (BlockID, error) {
	if f.failures > 0 {
		f.failures--
		return "", errors.New("transient")
	}
	return f.MemLedger.Publish(ctx, tag, data)
}

func TestPublisherRetries(t *testing.T) {
	ledger := &flakyLedger{MemLedger: NewMemLedger(), failures: 2}
	pub := NewPublisher(ledger, nil)

	id, err := pub.Publish(context.Background(), "t", []byte("x"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestPublisherExhaustsAttempts(t *testing.T) {
	ledger := &flakyLedger{MemLedger: NewMemLedger(), failures: 1000}
	pub := NewPublisher(ledger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := pub.Publish(ctx, "t", []byte("x"))
	require.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestListenerDeliversAfterListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := NewMemLedger()
	listener := NewListener(ledger, nil)

	out := listener.Listen(ctx, "t")
	_, err := ledger.Publish(ctx, "t", []byte("one"))
	require.NoError(t, err)

	select {
	case msg := <-out:
		require.Equal(t, []byte("one"), msg.Data)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}
