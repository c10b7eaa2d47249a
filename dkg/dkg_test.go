package dkg

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	kshare "go.dedis.ch/kyber/v3/share"
	rabindkg "go.dedis.ch/kyber/v3/share/dkg/rabin"
	"go.dedis.ch/kyber/v3/sign/eddsa"

	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/session"
	"github.com/dorahq/dora/sign"
)

type testNode struct {
	pair   *eddsa.EdDSA
	did    string
	mux    *session.Muxer
	result *Result
	err    error
}

func setupCommittee(t *testing.T, n int, ledger dlt.Ledger, tag string) []*testNode {
	t.Helper()
	nodes := make([]*testNode, n)
	peers := make(map[string]kyber.Point)
	for i := 0; i < n; i++ {
		pair := sign.GenKeyPair()
		nodes[i] = &testNode{
			pair: pair,
			did:  fmt.Sprintf("did:dora:%s", sign.PublicKeyHex(pair.Public)),
		}
		peers[sign.PublicKeyHex(pair.Public)] = pair.Public
	}
	for i := 0; i < n; i++ {
		nodes[i].mux = session.NewMuxer(session.Config{
			Tag:           tag,
			Ledger:        ledger,
			KeyPair:       nodes[i].pair,
			Peers:         peers,
			RetryInterval: 200 * time.Millisecond,
		})
	}
	return nodes
}

func membersOf(nodes []*testNode) []Member {
	members := make([]Member, len(nodes))
	for i, node := range nodes {
		members[i] = Member{DID: node.did, PublicKey: node.pair.Public}
	}
	return members
}

func runDKG(ctx context.Context, nodes []*testNode, id session.ID) {
	members := membersOf(nodes)
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(n *testNode) {
			defer wg.Done()
			n.result, n.err = Run(ctx, Config{
				KeyPair:      n.pair,
				Members:      members,
				Mux:          n.mux,
				SessionID:    id,
				Deadline:     time.Now().Add(time.Minute),
				RoundTimeout: 30 * time.Second,
			})
		}(node)
	}
	wg.Wait()
}

func TestThreeNodeDKG(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := dlt.NewMemLedger()
	nodes := setupCommittee(t, 3, ledger, "committee-dkg")
	for _, node := range nodes {
		go node.mux.Run(ctx)
	}

	runDKG(ctx, nodes, session.NewID("governor-instruction-1"))

	for _, node := range nodes {
		require.NoError(t, node.err)
		require.NotNil(t, node.result)
		require.Equal(t, 2, node.result.Threshold)
	}

	// commitments are byte-identical across all honest nodes
	reference := commitmentBytes(t, nodes[0].result.Commitments())
	for _, node := range nodes[1:] {
		require.Equal(t, reference, commitmentBytes(t, node.result.Commitments()))
	}

	// every node derives the same committee public key
	q := nodes[0].result.PublicKey()
	for _, node := range nodes[1:] {
		require.True(t, q.Equal(node.result.PublicKey()))
	}

	// index assignment follows the lexicographic DID order
	sorted := SortMembers(membersOf(nodes))
	for _, node := range nodes {
		require.Equal(t, node.did, sorted[node.result.Index].DID)
	}

	// each share lies on the shared polynomial: s_i*G == eval(commits, i)
	suite := sign.Suite()
	for _, node := range nodes {
		priShare := node.result.Share.PriShare()
		pubPoly := kshare.NewPubPoly(suite, suite.Point().Base(), node.result.Commitments())
		expected := pubPoly.Eval(priShare.I).V
		actual := suite.Point().Mul(priShare.V, nil)
		require.True(t, expected.Equal(actual))
	}
}

func TestDKGRejectsTinyCommittee(t *testing.T) {
	ledger := dlt.NewMemLedger()
	nodes := setupCommittee(t, 1, ledger, "solo")
	_, err := Run(context.Background(), Config{
		KeyPair:   nodes[0].pair,
		Members:   membersOf(nodes),
		Mux:       nodes[0].mux,
		SessionID: session.NewID("solo"),
		Deadline:  time.Now().Add(time.Minute),
	})
	require.Error(t, err)
}

func TestDKGRequiresMembership(t *testing.T) {
	ledger := dlt.NewMemLedger()
	nodes := setupCommittee(t, 3, ledger, "not-a-member")
	outsider := sign.GenKeyPair()
	_, err := Run(context.Background(), Config{
		KeyPair:   outsider,
		Members:   membersOf(nodes),
		Mux:       nodes[0].mux,
		SessionID: session.NewID("outsider"),
		Deadline:  time.Now().Add(time.Minute),
	})
	require.Error(t, err)
}

func TestDealSealRoundTrip(t *testing.T) {
	suite := sign.Suite()
	pairs := []*eddsa.EdDSA{sign.GenKeyPair(), sign.GenKeyPair(), sign.GenKeyPair()}
	participants := make([]kyber.Point, len(pairs))
	for i, p := range pairs {
		participants[i] = p.Public
	}
	gen, err := rabindkg.NewDistKeyGenerator(suite, pairs[0].Secret, participants, 2)
	require.NoError(t, err)
	deals, err := gen.Deals()
	require.NoError(t, err)

	for i, deal := range deals {
		msg, err := SealDeal(deal, participants[i])
		require.NoError(t, err)
		require.Equal(t, sign.PublicKeyHex(participants[i]), msg.Destination)

		opened, err := OpenDeal(msg, pairs[i].Secret)
		require.NoError(t, err)
		require.Equal(t, deal.Index, opened.Index)
		require.Equal(t, deal.Deal.Cipher, opened.Deal.Cipher)
		require.True(t, deal.Deal.DHKey.Equal(opened.Deal.DHKey))

		// only the destination can open it
		other := (i + 1) % len(pairs)
		_, err = OpenDeal(msg, pairs[other].Secret)
		require.Error(t, err)
	}
}

func commitmentBytes(t *testing.T, commits []kyber.Point) [][]byte {
	t.Helper()
	out := make([][]byte, len(commits))
	for i, c := range commits {
		b, err := c.MarshalBinary()
		require.NoError(t, err)
		out[i] = b
	}
	return out
}
