package dkg

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	rabindkg "go.dedis.ch/kyber/v3/share/dkg/rabin"
	"go.dedis.ch/kyber/v3/sign/eddsa"

	"github.com/dorahq/dora/fsm"
	"github.com/dorahq/dora/session"
	"github.com/dorahq/dora/sign"
)

// DefaultRoundTimeout bounds each DKG round.
const DefaultRoundTimeout = 60 * time.Second

// Member is one committee participant.
type Member struct {
	DID       string
	PublicKey kyber.Point
}

// Config wires one DKG run.
type Config struct {
	KeyPair      *eddsa.EdDSA
	Members      []Member
	Mux          *session.Muxer
	SessionID    session.ID
	Deadline     time.Time
	RoundTimeout time.Duration
	Logger       hclog.Logger
}

// Result is the committee-side outcome of a completed DKG.
type Result struct {
	Gen          *rabindkg.DistKeyGenerator
	Share        *rabindkg.DistKeyShare
	Members      []Member // sorted by DID, index order
	Participants []kyber.Point
	Index        int
	Threshold    int
}

// PublicKey returns the committee public key Q.
func (r *Result) PublicKey() kyber.Point {
	return r.Share.Public()
}

// Commitments returns the shared public polynomial.
func (r *Result) Commitments() []kyber.Point {
	return r.Share.Commitments()
}

// SortMembers orders members lexicographically by DID, the stable index
// assignment every node derives independently.
func SortMembers(members []Member) []Member {
	sorted := append([]Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DID < sorted[j].DID })
	return sorted
}

// Threshold is the honest-majority bound for n members.
func Threshold(n int) int {
	return n/2 + 1
}

// Run executes the DKG to completion or error. The session is closed either
// way.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if len(cfg.Members) < 3 {
		return nil, errors.Errorf("committee of %d is below the minimum of 3", len(cfg.Members))
	}
	timeout := cfg.RoundTimeout
	if timeout == 0 {
		timeout = DefaultRoundTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dora-dkg",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}

	members := SortMembers(cfg.Members)
	participants := make([]kyber.Point, len(members))
	selfHex := sign.PublicKeyHex(cfg.KeyPair.Public)
	selfIndex := -1
	for i, m := range members {
		participants[i] = m.PublicKey
		if sign.PublicKeyHex(m.PublicKey) == selfHex {
			selfIndex = i
		}
	}
	if selfIndex < 0 {
		return nil, errors.New("own key is not among the committee members")
	}

	threshold := Threshold(len(members))
	gen, err := rabindkg.NewDistKeyGenerator(sign.Suite(), cfg.KeyPair.Secret, participants, threshold)
	if err != nil {
		return nil, errors.Wrap(err, "new dist key generator")
	}

	sess, err := cfg.Mux.Open(cfg.SessionID, session.KindDKG, cfg.Deadline, Rounds())
	if err != nil {
		return nil, err
	}
	defer cfg.Mux.Close(cfg.SessionID)

	run := &runState{
		gen:          gen,
		secret:       cfg.KeyPair.Secret,
		participants: participants,
		selfHex:      selfHex,
		selfIndex:    selfIndex,
		n:            len(members),
	}
	initial, err := newProcessingDeals(run)
	if err != nil {
		return nil, err
	}

	sender := func(msg interface{}) error {
		return cfg.Mux.Send(ctx, sess, roundOf(msg), msg)
	}
	machine := fsm.New(cfg.SessionID.String(), initial, fsm.NewFeed(sess.Inbound()), sender, timeout, logger)
	machine.OnEnter(func(st fsm.State) {
		if rs, ok := st.(roundState); ok {
			cfg.Mux.OpenRound(sess, rs.Round())
		}
	})

	if _, err := machine.Run(ctx); err != nil {
		return nil, err
	}
	logger.Info("dkg complete", "session", cfg.SessionID.Short(),
		"index", selfIndex, "threshold", threshold, "members", len(members))
	return &Result{
		Gen:          gen,
		Share:        run.share,
		Members:      members,
		Participants: participants,
		Index:        selfIndex,
		Threshold:    threshold,
	}, nil
}

// roundOf maps an outbound message to its wire round.
func roundOf(msg interface{}) uint8 {
	switch msg.(type) {
	case DealMsg:
		return RoundDeals
	case ResponseMsg:
		return RoundResponses
	case JustificationMsg:
		return RoundJustify
	case SecretCommitsMsg:
		return RoundCommits
	case ComplaintMsg:
		return RoundComplaints
	case ReconstructMsg:
		return RoundReconstruct
	default:
		return 0
	}
}
