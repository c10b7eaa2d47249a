/*
Package node composes the whole service: identity bootstrap, DID
publication, governor instruction handling, the DKG run that forms a
committee, and request servicing with threshold-signed task logs. The node
owns its share, its session table and its state; everything it says to the
world goes through the ledger.
*/
package node

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/eddsa"

	"github.com/dorahq/dora/config"
	"github.com/dorahq/dora/did"
	"github.com/dorahq/dora/dkg"
	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/dss"
	"github.com/dorahq/dora/fetch"
	"github.com/dorahq/dora/session"
	"github.com/dorahq/dora/sign"
	"github.com/dorahq/dora/storage"
)

// publishBackoff is how long non-designated nodes wait before taking over a
// publication the designated publisher has not made.
const publishBackoff = 30 * time.Second

// State is the node's top-level FSM state.
type State int

const (
	Bootstrap State = iota
	IdentityReady
	DidPublished
	Listening
	DkgRunning
	CommitteeReady
)

func (s State) String() string {
	switch s {
	case Bootstrap:
		return "Bootstrap"
	case IdentityReady:
		return "IdentityReady"
	case DidPublished:
		return "DidPublished"
	case Listening:
		return "Listening"
	case DkgRunning:
		return "DkgRunning"
	case CommitteeReady:
		return "CommitteeReady"
	default:
		return "Unknown"
	}
}

// Node is one committee member.
type Node struct {
	conf      *config.Config
	logger    hclog.Logger
	ledger    dlt.Ledger
	registry  *did.Registry
	publisher *dlt.Publisher
	store     storage.Store
	fetcher   *fetch.Fetcher
	faucet    *dlt.Faucet

	mu           sync.Mutex
	state        State
	keyPair      *eddsa.EdDSA
	doc          *did.Document
	key          *dkg.Result
	committeeDoc *did.Document
	mux          *session.Muxer
	signing      map[string]session.ID // request block id -> session id
}

// New wires a node against a ledger and an object store.
func New(conf *config.Config, ledger dlt.Ledger, store storage.Store) *Node {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "dora-node",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	n := &Node{
		conf:      conf,
		logger:    logger,
		ledger:    ledger,
		registry:  did.NewRegistry(ledger, logger),
		publisher: dlt.NewPublisher(ledger, logger),
		store:     store,
		fetcher:   fetch.NewFetcher(ledger, store),
		signing:   make(map[string]session.ID),
	}
	return n
}

// State returns the current FSM state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// DID returns the node's own DID, empty before bootstrap.
func (n *Node) DID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.doc == nil {
		return ""
	}
	return n.doc.ID
}

// CommitteeDID returns the committee's DID once formed.
func (n *Node) CommitteeDID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.committeeDoc == nil {
		return ""
	}
	return n.committeeDoc.ID
}

// CommitteeTag returns the committee's listening tag once formed.
func (n *Node) CommitteeTag() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.committeeDoc == nil {
		return ""
	}
	return n.committeeDoc.ServiceTag
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		n.logger.Info("state transition", "from", prev.String(), "to", s.String())
	}
}

// Run drives the node until the context ends. Restart with complete state
// goes straight back to CommitteeReady.
func (n *Node) Run(ctx context.Context) error {
	if err := n.restore(); err != nil {
		n.logger.Error("refusing to start", "error", err)
		return err
	}
	n.setState(Bootstrap)

	if n.keyPair == nil {
		n.keyPair = sign.GenKeyPair()
		n.logger.Info("identity generated", "public_key", sign.PublicKeyHex(n.keyPair.Public))
	}
	n.setState(IdentityReady)

	if n.doc == nil {
		if err := n.publishOwnDID(ctx); err != nil {
			return err
		}
	}
	n.setState(DidPublished)
	if err := n.save(); err != nil {
		return err
	}

	if n.key != nil && n.committeeDoc != nil {
		n.logger.Info("committee state restored", "committee", n.committeeDoc.ID)
		n.setState(CommitteeReady)
		return n.serveRequests(ctx)
	}

	return n.listenGovernor(ctx)
}

// publishOwnDID assembles, signs and anchors the node's DID document.
func (n *Node) publishOwnDID(ctx context.Context) error {
	doc, err := did.NewNodeDocument(n.keyPair.Public, time.Now(), n.conf.Resolution())
	if err != nil {
		return err
	}
	data, err := doc.SignedBytes()
	if err != nil {
		return err
	}
	sig, err := sign.SignBytes(n.keyPair, data)
	if err != nil {
		return err
	}
	doc.AttachProof(sig)
	if err := n.fundedPublish(ctx, func() error {
		_, err := n.registry.Publish(ctx, doc)
		return err
	}); err != nil {
		return err
	}
	n.mu.Lock()
	n.doc = doc
	n.mu.Unlock()
	n.logger.Info("own did published", "did", doc.ID, "tag", doc.ServiceTag)
	return nil
}

// listenGovernor waits for a new-committee instruction on the governor tag.
func (n *Node) listenGovernor(ctx context.Context) error {
	n.setState(Listening)
	stream := dlt.NewListener(n.ledger, n.logger).Listen(ctx, n.conf.GovernorTag)
	n.logger.Info("listening for governor instructions", "tag", n.conf.GovernorTag)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			instruction, err := ParseInstruction(msg.Data)
			if err != nil {
				continue
			}
			if err := n.guardInstruction(instruction); err != nil {
				n.logger.Warn("instruction rejected", "error", err)
				continue
			}
			if err := n.formCommittee(ctx, instruction, msg); err != nil {
				n.logger.Error("dkg failed, returning to DidPublished", "error", err)
				n.setState(DidPublished)
				n.setState(Listening)
				continue
			}
			n.setState(CommitteeReady)
			if err := n.save(); err != nil {
				return err
			}
			return n.serveRequests(ctx)
		}
	}
}

// guardInstruction enforces the acceptance rules: the instruction must name
// this node and at least two other valid DIDs.
func (n *Node) guardInstruction(in *GovernorInstruction) error {
	n.mu.Lock()
	own := ""
	if n.doc != nil {
		own = n.doc.ID
	}
	n.mu.Unlock()
	if !in.Includes(own) {
		return errors.New("instruction does not include this node")
	}
	others := 0
	seen := make(map[string]struct{})
	for _, d := range in.Nodes {
		if _, dup := seen[d]; dup {
			return errors.Errorf("duplicate DID %s in instruction", d)
		}
		seen[d] = struct{}{}
		if did.Tag(d) == d {
			return errors.Errorf("malformed DID %s in instruction", d)
		}
		if d != own {
			others++
		}
	}
	if others < 2 {
		return errors.Errorf("instruction names %d other nodes, need at least 2", others)
	}
	return nil
}

// formCommittee resolves the members, runs the DKG and assembles, signs and
// anchors the committee DID.
func (n *Node) formCommittee(ctx context.Context, in *GovernorInstruction, instructionMsg dlt.Message) error {
	n.setState(DkgRunning)
	origin := instructionMsg.BlockID

	members := make([]dkg.Member, 0, len(in.Nodes))
	peers := make(map[string]kyber.Point, len(in.Nodes))
	for _, memberDID := range in.Nodes {
		key, err := n.registry.ResolveKey(ctx, memberDID)
		if err != nil {
			return errors.Wrapf(err, "resolve %s", memberDID)
		}
		members = append(members, dkg.Member{DID: memberDID, PublicKey: key})
		peers[sign.PublicKeyHex(key)] = key
	}

	mux := session.NewMuxer(session.Config{
		Tag:           n.conf.GovernorTag,
		Ledger:        n.ledger,
		KeyPair:       n.keyPair,
		Peers:         peers,
		RetryInterval: n.conf.Retry(),
		Logger:        n.logger,
	})
	muxCtx, cancelMux := context.WithCancel(ctx)
	defer cancelMux()
	go mux.Run(muxCtx)

	roundTimeout := n.conf.DkgTimeout()
	result, err := dkg.Run(ctx, dkg.Config{
		KeyPair:      n.keyPair,
		Members:      members,
		Mux:          mux,
		SessionID:    session.NewID(string(origin)),
		Deadline:     time.Now().Add(7 * roundTimeout),
		RoundTimeout: roundTimeout,
		Logger:       n.logger,
	})
	if err != nil {
		return err
	}

	// the instruction block timestamp keeps the document identical on every
	// member; local clocks must not leak into the signed bytes
	doc, err := did.NewCommitteeDocument(result.PublicKey(), in.Nodes, in.Nonce, instructionMsg.Timestamp, n.conf.Resolution())
	if err != nil {
		return err
	}
	docBytes, err := doc.SignedBytes()
	if err != nil {
		return err
	}

	outcome, err := dss.Run(ctx, dss.Config{
		KeyPair:   n.keyPair,
		Key:       result,
		Message:   docBytes,
		Mux:       mux,
		SessionID: session.NewID("committee-did|" + string(origin)),
		SleepTime: n.conf.SleepDuration(),
		Logger:    n.logger,
	})
	if err != nil {
		return errors.Wrap(err, "sign committee did")
	}
	doc.AttachProof(outcome.Signature)

	n.mu.Lock()
	n.key = result
	n.committeeDoc = doc
	n.mu.Unlock()

	n.electedPublish(ctx, result, outcome, func() error {
		_, err := n.registry.Publish(ctx, doc)
		return err
	}, func() bool {
		_, err := n.registry.Resolve(ctx, doc.ID)
		return err == nil
	})
	n.logger.Info("committee formed", "did", doc.ID, "tag", doc.ServiceTag,
		"threshold", result.Threshold, "index", result.Index)
	return nil
}

// electedPublish runs the designated-publisher rule: the lowest-index
// participant publishes immediately, everyone else backs off and takes over
// only if the publication has not appeared.
func (n *Node) electedPublish(ctx context.Context, key *dkg.Result, outcome *dss.Outcome, publish func() error, published func() bool) {
	designated := len(outcome.Present) > 0 && outcome.Present[0] == key.Index
	if designated {
		if err := publish(); err != nil {
			n.logger.Error("designated publish failed", "error", err)
		}
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(n.backoff()):
	}
	if published() {
		return
	}
	n.logger.Warn("designated publisher silent, taking over")
	if err := publish(); err != nil {
		n.logger.Error("takeover publish failed", "error", err)
	}
}

// backoff returns the publish takeover delay.
func (n *Node) backoff() time.Duration {
	if n.conf.RetryInterval > 0 && n.conf.RetryInterval < 30 {
		// tests shrink the retry interval; scale the takeover window with it
		return time.Duration(n.conf.RetryInterval) * time.Second
	}
	return publishBackoff
}

// fundedPublish consults the balance first and asks the faucet when broke.
func (n *Node) fundedPublish(ctx context.Context, publish func() error) error {
	if n.faucet != nil {
		balance, err := n.ledger.Balance(ctx)
		if err == nil && balance == 0 {
			if err := n.faucet.Request(ctx); err != nil {
				n.logger.Warn("faucet request failed", "error", err)
			}
		}
	}
	return publish()
}

// WithFaucet attaches a faucet used when the balance runs out.
func (n *Node) WithFaucet(f *dlt.Faucet) *Node {
	n.faucet = f
	return n
}
