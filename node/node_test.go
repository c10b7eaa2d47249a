package node

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"

	"github.com/dorahq/dora/config"
	"github.com/dorahq/dora/did"
	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/dss"
	"github.com/dorahq/dora/logs"
	"github.com/dorahq/dora/storage"
)

const governorTag = "dora-governor-test"

func testConfig(t *testing.T) *config.Config {
	conf := config.New(governorTag, "memory", t.TempDir(), 3)
	conf.TimeResolution = 10
	conf.SignatureSleepTime = 3
	conf.DkgRoundTimeout = 15
	conf.RetryInterval = 1
	return conf
}

type cluster struct {
	ledger *dlt.MemLedger
	nodes  []*Node
	stores []*storage.MemStore
	cancel []context.CancelFunc
}

func startCluster(t *testing.T, size int) *cluster {
	t.Helper()
	c := &cluster{ledger: dlt.NewMemLedger()}
	for i := 0; i < size; i++ {
		conf := testConfig(t)
		store := storage.NewMemStore()
		n := New(conf, c.ledger, store)
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = n.Run(ctx) }()
		c.nodes = append(c.nodes, n)
		c.stores = append(c.stores, store)
		c.cancel = append(c.cancel, cancel)
	}
	t.Cleanup(func() {
		for _, cancel := range c.cancel {
			cancel()
		}
	})
	return c
}

func (c *cluster) dids(t *testing.T) []string {
	t.Helper()
	out := make([]string, len(c.nodes))
	require.Eventually(t, func() bool {
		for i, n := range c.nodes {
			out[i] = n.DID()
			if out[i] == "" {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond, "nodes did not publish DIDs")
	return out
}

func (c *cluster) instruct(t *testing.T, dids []string) {
	t.Helper()
	payload, err := json.Marshal(&GovernorInstruction{
		Kind:  KindNewCommittee,
		Nodes: dids,
		Nonce: []byte{9, 9, 9},
	})
	require.NoError(t, err)
	_, err = c.ledger.Publish(context.Background(), governorTag, payload)
	require.NoError(t, err)
}

func (c *cluster) waitCommittee(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			if n.State() != CommitteeReady {
				return false
			}
		}
		return true
	}, time.Minute, 100*time.Millisecond, "committee did not form")
}

func (c *cluster) request(t *testing.T, req *Request) string {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	id, err := c.ledger.Publish(context.Background(), c.nodes[0].CommitteeTag(), payload)
	require.NoError(t, err)
	return string(id)
}

func (c *cluster) waitCommitteeLog(t *testing.T, requestID string) *logs.CommitteeLog {
	t.Helper()
	var found *logs.CommitteeLog
	require.Eventually(t, func() bool {
		history, err := c.ledger.History(context.Background(), c.nodes[0].CommitteeTag())
		if err != nil {
			return false
		}
		for _, msg := range history {
			var l logs.CommitteeLog
			if err := json.Unmarshal(msg.Data, &l); err != nil {
				continue
			}
			if l.RequestID == requestID && l.SignatureHex != "" {
				found = &l
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond, "no signed committee log")
	return found
}

func TestCommitteeBootstrap(t *testing.T) {
	c := startCluster(t, 3)
	dids := c.dids(t)
	c.instruct(t, dids)
	c.waitCommittee(t)

	// all members agree on the committee identity
	committee := c.nodes[0].CommitteeDID()
	require.NotEmpty(t, committee)
	for _, n := range c.nodes[1:] {
		require.Equal(t, committee, n.CommitteeDID())
	}

	// the committee tag is the tail of the identifier
	tag := c.nodes[0].CommitteeTag()
	require.Equal(t, did.Tag(committee), tag)
	require.Equal(t, committee[len(committee)-len(tag):], tag)

	// the committee document is resolvable and threshold-signed
	registry := did.NewRegistry(c.ledger, nil)
	doc, err := registry.Resolve(context.Background(), committee)
	require.NoError(t, err)
	q, err := doc.Key()
	require.NoError(t, err)
	data, err := doc.SignedBytes()
	require.NoError(t, err)
	proof, err := doc.ProofBytes()
	require.NoError(t, err)
	require.NoError(t, verifyThreshold(q, data, proof))
}

func TestStoreThenGetRequest(t *testing.T) {
	c := startCluster(t, 3)
	c.instruct(t, c.dids(t))
	c.waitCommittee(t)

	// store request: literal input persisted under k1
	storeReq := c.request(t, &Request{Kind: KindRequest, InputURI: "literal:string:hello", StorageID: "k1", Nonce: []byte{1}})
	storeLog := c.waitCommitteeLog(t, storeReq)
	require.Equal(t, logs.Success, storeLog.Result)

	registry := did.NewRegistry(c.ledger, nil)
	q, err := registry.ResolveKey(context.Background(), c.nodes[0].CommitteeDID())
	require.NoError(t, err)
	require.NoError(t, storeLog.Verify(q))

	// every member stored the payload locally
	for _, store := range c.stores {
		got, err := store.Get(context.Background(), "k1")
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), got)
	}

	// get request: payload comes back inside the signed log
	getReq := c.request(t, &Request{Kind: KindRequest, InputURI: "storage:local:k1", Nonce: []byte{2}})
	getLog := c.waitCommitteeLog(t, getReq)
	require.Equal(t, logs.Success, getLog.Result)
	require.NoError(t, getLog.Verify(q))
	data, err := getLog.Data()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestSignatureLogsPublished(t *testing.T) {
	c := startCluster(t, 3)
	c.instruct(t, c.dids(t))
	c.waitCommittee(t)

	reqID := c.request(t, &Request{Kind: KindRequest, InputURI: "literal:string:x", Nonce: []byte{3}})
	c.waitCommitteeLog(t, reqID)

	// each member published a verifiable signature log for the session
	registry := did.NewRegistry(c.ledger, nil)
	require.Eventually(t, func() bool {
		history, err := c.ledger.History(context.Background(), c.nodes[0].CommitteeTag())
		if err != nil {
			return false
		}
		verified := 0
		for _, msg := range history {
			var l logs.NodeSignatureLog
			if err := json.Unmarshal(msg.Data, &l); err != nil {
				continue
			}
			if l.RequestID != reqID || l.SignatureHex == "" || l.SenderDID == "" {
				continue
			}
			key, err := registry.ResolveKey(context.Background(), l.SenderDID)
			if err != nil {
				continue
			}
			if l.Verify(key) == nil {
				verified++
			}
		}
		return verified >= 3
	}, 30*time.Second, 100*time.Millisecond, "missing node signature logs")
}

func TestUnavailableInputYieldsFailureLog(t *testing.T) {
	c := startCluster(t, 3)
	c.instruct(t, c.dids(t))
	c.waitCommittee(t)

	// no member holds this key, so every member agrees on Failure and the
	// committee still threshold-signs the log
	reqID := c.request(t, &Request{Kind: KindRequest, InputURI: "storage:local:absent", Nonce: []byte{7}})
	l := c.waitCommitteeLog(t, reqID)
	require.Equal(t, logs.Failure, l.Result)
	require.Empty(t, l.DataHex)

	registry := did.NewRegistry(c.ledger, nil)
	q, err := registry.ResolveKey(context.Background(), c.nodes[0].CommitteeDID())
	require.NoError(t, err)
	require.NoError(t, l.Verify(q))
}

func TestMissingPeerStillSucceeds(t *testing.T) {
	c := startCluster(t, 3)
	c.instruct(t, c.dids(t))
	c.waitCommittee(t)

	// kill one member before the request arrives
	killedDID := c.nodes[2].DID()
	c.cancel[2]()
	time.Sleep(200 * time.Millisecond)

	reqID := c.request(t, &Request{Kind: KindRequest, InputURI: "literal:string:x", Nonce: []byte{4}})
	l := c.waitCommitteeLog(t, reqID)
	require.Equal(t, logs.Success, l.Result)

	// the absent node appears in the survivors' signature logs
	require.Eventually(t, func() bool {
		history, err := c.ledger.History(context.Background(), c.nodes[0].CommitteeTag())
		if err != nil {
			return false
		}
		for _, msg := range history {
			var sl logs.NodeSignatureLog
			if err := json.Unmarshal(msg.Data, &sl); err != nil {
				continue
			}
			if sl.RequestID == reqID && contains(sl.AbsentNodes, killedDID) {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond, "absent node not recorded")
}

func TestRestartRestoresCommittee(t *testing.T) {
	c := startCluster(t, 3)
	c.instruct(t, c.dids(t))
	c.waitCommittee(t)

	committee := c.nodes[0].CommitteeDID()
	conf := c.nodes[0].conf
	c.cancel[0]()
	time.Sleep(100 * time.Millisecond)

	restarted := New(conf, c.ledger, c.stores[0])
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = restarted.Run(ctx) }()

	require.Eventually(t, func() bool {
		return restarted.State() == CommitteeReady
	}, 10*time.Second, 50*time.Millisecond, "restart did not reach CommitteeReady")
	require.Equal(t, committee, restarted.CommitteeDID())
}

func TestGuardRejectsForeignInstruction(t *testing.T) {
	c := startCluster(t, 3)
	dids := c.dids(t)

	// instruction that misses node 0
	n := c.nodes[0]
	err := n.guardInstruction(&GovernorInstruction{
		Kind:  KindNewCommittee,
		Nodes: []string{dids[1], dids[2], "did:dora:feedfacefeedface"},
	})
	require.Error(t, err)

	// instruction with too few members
	err = n.guardInstruction(&GovernorInstruction{
		Kind:  KindNewCommittee,
		Nodes: []string{dids[0], dids[1]},
	})
	require.Error(t, err)

	// well-formed instruction passes the guard
	err = n.guardInstruction(&GovernorInstruction{
		Kind:  KindNewCommittee,
		Nodes: dids,
	})
	require.NoError(t, err)
}

func verifyThreshold(q kyber.Point, msg, sig []byte) error {
	return dss.Verify(q, msg, sig)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
