package node

import (
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	kshare "go.dedis.ch/kyber/v3/share"
	rabindkg "go.dedis.ch/kyber/v3/share/dkg/rabin"
	"go.dedis.ch/kyber/v3/sign/eddsa"

	"github.com/dorahq/dora/did"
	"github.com/dorahq/dora/dkg"
	"github.com/dorahq/dora/sign"
)

// ErrCorruptState means the persisted snapshot fails its invariants; the
// operator must wipe the state directory.
var ErrCorruptState = errors.New("corrupt persisted state")

const stateFile = "state.cbor"

// persistedMember is one committee member in the snapshot.
type persistedMember struct {
	DID       string
	PublicKey []byte
}

// persistedState is the single snapshot blob: identity, share, peer
// ordering, committee document.
type persistedState struct {
	Identity     []byte
	Document     *did.Document
	Members      []persistedMember
	ShareI       int
	ShareV       []byte
	Commits      [][]byte
	Threshold    int
	Index        int
	CommitteeDoc *did.Document
}

// snapshot captures the node's durable fields.
func (n *Node) snapshot() (*persistedState, error) {
	st := &persistedState{Document: n.doc, CommitteeDoc: n.committeeDoc}
	var err error
	if st.Identity, err = n.keyPair.MarshalBinary(); err != nil {
		return nil, errors.Wrap(err, "marshal identity")
	}
	if n.key != nil {
		priShare := n.key.Share.PriShare()
		st.ShareI = priShare.I
		if st.ShareV, err = priShare.V.MarshalBinary(); err != nil {
			return nil, errors.Wrap(err, "marshal share")
		}
		for _, c := range n.key.Share.Commitments() {
			b, err := sign.PointToBytes(c)
			if err != nil {
				return nil, err
			}
			st.Commits = append(st.Commits, b)
		}
		st.Threshold = n.key.Threshold
		st.Index = n.key.Index
		for _, m := range n.key.Members {
			pk, err := sign.PointToBytes(m.PublicKey)
			if err != nil {
				return nil, err
			}
			st.Members = append(st.Members, persistedMember{DID: m.DID, PublicKey: pk})
		}
	}
	return st, nil
}

// save writes the snapshot under the state directory.
func (n *Node) save() error {
	st, err := n.snapshot()
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	if err := os.MkdirAll(n.conf.SaveDir, 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	path := filepath.Join(n.conf.SaveDir, stateFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "write state")
	}
	n.logger.Debug("state persisted", "path", path)
	return nil
}

// restore loads a snapshot if one exists and rebuilds the in-memory fields.
// Missing pieces degrade to the earliest prior state; invariant violations
// refuse to start.
func (n *Node) restore() error {
	path := filepath.Join(n.conf.SaveDir, stateFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read state")
	}
	var st persistedState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return errors.Wrap(ErrCorruptState, err.Error())
	}

	if len(st.Identity) > 0 {
		pair := &eddsa.EdDSA{}
		if err := pair.UnmarshalBinary(st.Identity); err != nil {
			return errors.Wrap(ErrCorruptState, "identity: "+err.Error())
		}
		n.keyPair = pair
	}
	n.doc = st.Document

	if len(st.ShareV) > 0 && len(st.Commits) > 0 {
		key, err := rebuildKey(&st)
		if err != nil {
			return err
		}
		n.key = key
		n.committeeDoc = st.CommitteeDoc
	}
	return nil
}

// rebuildKey reconstructs the DKG result from the snapshot and checks the
// share invariant s_i*G == eval(commits, i).
func rebuildKey(st *persistedState) (*dkg.Result, error) {
	suite := sign.Suite()
	v, err := sign.ScalarFromBytes(st.ShareV)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptState, err.Error())
	}
	commits := make([]kyber.Point, 0, len(st.Commits))
	for _, b := range st.Commits {
		p, err := sign.PointFromBytes(b)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptState, err.Error())
		}
		commits = append(commits, p)
	}
	members := make([]dkg.Member, 0, len(st.Members))
	participants := make([]kyber.Point, 0, len(st.Members))
	for _, m := range st.Members {
		pk, err := sign.PointFromBytes(m.PublicKey)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptState, err.Error())
		}
		members = append(members, dkg.Member{DID: m.DID, PublicKey: pk})
		participants = append(participants, pk)
	}

	priShare := &kshare.PriShare{I: st.ShareI, V: v}
	pubPoly := kshare.NewPubPoly(suite, suite.Point().Base(), commits)
	expected := pubPoly.Eval(priShare.I).V
	actual := suite.Point().Mul(priShare.V, nil)
	if !expected.Equal(actual) {
		return nil, errors.Wrap(ErrCorruptState, "share does not match commitments")
	}

	return &dkg.Result{
		Share:        &rabindkg.DistKeyShare{Commits: commits, Share: priShare},
		Members:      members,
		Participants: participants,
		Index:        st.Index,
		Threshold:    st.Threshold,
	}, nil
}
