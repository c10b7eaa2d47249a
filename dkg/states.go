package dkg

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	rabindkg "go.dedis.ch/kyber/v3/share/dkg/rabin"

	"github.com/dorahq/dora/fsm"
	"github.com/dorahq/dora/session"
)

// runState is shared by every state of one DKG run.
type runState struct {
	gen          *rabindkg.DistKeyGenerator
	secret       kyber.Scalar
	participants []kyber.Point
	selfHex      string
	selfIndex    int
	n            int

	// result, filled by the terminal state
	share *rabindkg.DistKeyShare
}

// roundState lets the driver open muxer rounds on state entry.
type roundState interface {
	Round() uint8
}

func unwrap(msg interface{}) (session.Inbound, bool) {
	in, ok := msg.(session.Inbound)
	return in, ok
}

// processingDeals broadcasts encrypted deals and collects the ones addressed
// to this node.
type processingDeals struct {
	run       *runState
	deals     map[int]*rabindkg.Deal
	responses []*rabindkg.Response
	fatal     error
}

func newProcessingDeals(run *runState) (*processingDeals, error) {
	deals, err := run.gen.Deals()
	if err != nil {
		return nil, errors.Wrap(err, "generate deals")
	}
	return &processingDeals{run: run, deals: deals}, nil
}

func (s *processingDeals) String() string {
	return fmt.Sprintf("processing deals (own: %d)", len(s.deals))
}

func (s *processingDeals) Round() uint8 { return RoundDeals }

func (s *processingDeals) Initialize() ([]interface{}, error) {
	out := make([]interface{}, 0, len(s.deals))
	for i, deal := range s.deals {
		msg, err := SealDeal(deal, s.run.participants[i])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *processingDeals) Deliver(msg interface{}) fsm.Status {
	in, ok := unwrap(msg)
	if !ok {
		return fsm.Unexpected
	}
	body, ok := in.Body.(DealMsg)
	if !ok {
		return fsm.Unexpected
	}
	if body.Destination != s.run.selfHex {
		return fsm.Delivered
	}
	deal, err := OpenDeal(body, s.run.secret)
	if err != nil {
		s.fatal = err
		return fsm.Rejected
	}
	resp, err := s.run.gen.ProcessDeal(deal)
	if err != nil {
		s.fatal = errors.Wrap(err, "process deal")
		return fsm.Rejected
	}
	s.responses = append(s.responses, resp)
	return fsm.Delivered
}

func (s *processingDeals) Advance() (fsm.Transition, error) {
	if s.fatal != nil {
		return fsm.Transition{}, s.fatal
	}
	if len(s.responses) == s.run.n-1 {
		return fsm.MoveTo(&processingResponses{run: s.run, own: s.responses}), nil
	}
	return fsm.Stay(), nil
}

// processingResponses broadcasts this node's responses and absorbs every
// peer's.
type processingResponses struct {
	run            *runState
	own            []*rabindkg.Response
	justifications []*rabindkg.Justification
	processed      int
	fatal          error
}

func (s *processingResponses) String() string {
	return fmt.Sprintf("processing responses (own: %d)", len(s.own))
}

func (s *processingResponses) Round() uint8 { return RoundResponses }

func (s *processingResponses) Initialize() ([]interface{}, error) {
	out := make([]interface{}, 0, len(s.own))
	for _, r := range s.own {
		out = append(out, NewResponseMsg(r))
	}
	return out, nil
}

func (s *processingResponses) Deliver(msg interface{}) fsm.Status {
	in, ok := unwrap(msg)
	if !ok {
		return fsm.Unexpected
	}
	body, ok := in.Body.(ResponseMsg)
	if !ok {
		return fsm.Unexpected
	}
	just, err := s.run.gen.ProcessResponse(body.Response())
	if err != nil {
		if strings.Contains(err.Error(), "already existing response") {
			s.processed++
			return fsm.Delivered
		}
		s.fatal = errors.Wrap(err, "process response")
		return fsm.Rejected
	}
	if just != nil {
		s.justifications = append(s.justifications, just)
	}
	s.processed++
	return fsm.Delivered
}

func (s *processingResponses) Advance() (fsm.Transition, error) {
	if s.fatal != nil {
		return fsm.Transition{}, s.fatal
	}
	others := s.run.n - 1
	if s.processed == others*others {
		return fsm.MoveTo(&processingJustifications{run: s.run, own: s.justifications}), nil
	}
	return fsm.Stay(), nil
}

// processingJustifications reveals disputed deals. An honest run has none;
// an uncertified generator here means unresolved complaints and the DKG
// aborts.
type processingJustifications struct {
	run *runState
	own []*rabindkg.Justification
}

func (s *processingJustifications) String() string {
	return fmt.Sprintf("processing justifications (own: %d)", len(s.own))
}

func (s *processingJustifications) Round() uint8 { return RoundJustify }

func (s *processingJustifications) Initialize() ([]interface{}, error) {
	out := make([]interface{}, 0, len(s.own))
	for _, j := range s.own {
		msg, err := NewJustificationMsg(j)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *processingJustifications) Deliver(msg interface{}) fsm.Status {
	in, ok := unwrap(msg)
	if !ok {
		return fsm.Unexpected
	}
	body, ok := in.Body.(JustificationMsg)
	if !ok {
		return fsm.Unexpected
	}
	just, err := body.Justification()
	if err != nil {
		return fsm.Rejected
	}
	if err := s.run.gen.ProcessJustification(just); err != nil {
		return fsm.Rejected
	}
	return fsm.Delivered
}

func (s *processingJustifications) Advance() (fsm.Transition, error) {
	if !s.run.gen.Certified() {
		return fsm.Transition{}, errors.New("dkg not certified")
	}
	if qual := len(s.run.gen.QUAL()); qual != s.run.n {
		return fsm.Transition{}, errors.Errorf("only %d of %d nodes qualified", qual, s.run.n)
	}
	sc, err := s.run.gen.SecretCommits()
	if err != nil {
		return fsm.Transition{}, errors.Wrap(err, "secret commits")
	}
	return fsm.MoveTo(&processingSecretCommits{run: s.run, own: sc}), nil
}

// processingSecretCommits exchanges polynomial commitments.
type processingSecretCommits struct {
	run        *runState
	own        *rabindkg.SecretCommits
	complaints []*rabindkg.ComplaintCommits
	processed  int
	fatal      error
}

func (s *processingSecretCommits) String() string { return "processing secret commits" }

func (s *processingSecretCommits) Round() uint8 { return RoundCommits }

func (s *processingSecretCommits) Initialize() ([]interface{}, error) {
	msg, err := NewSecretCommitsMsg(s.own)
	if err != nil {
		return nil, err
	}
	return []interface{}{msg}, nil
}

func (s *processingSecretCommits) Deliver(msg interface{}) fsm.Status {
	in, ok := unwrap(msg)
	if !ok {
		return fsm.Unexpected
	}
	body, ok := in.Body.(SecretCommitsMsg)
	if !ok {
		return fsm.Unexpected
	}
	if int(body.Index) == s.run.selfIndex {
		return fsm.Delivered
	}
	sc, err := body.SecretCommits()
	if err != nil {
		return fsm.Rejected
	}
	complaint, err := s.run.gen.ProcessSecretCommits(sc)
	if err != nil {
		s.fatal = errors.Wrap(err, "process secret commits")
		return fsm.Rejected
	}
	if complaint != nil {
		s.complaints = append(s.complaints, complaint)
	}
	s.processed++
	return fsm.Delivered
}

func (s *processingSecretCommits) Advance() (fsm.Transition, error) {
	if s.fatal != nil {
		return fsm.Transition{}, s.fatal
	}
	if s.processed == s.run.n-1 {
		return fsm.MoveTo(&processingComplaints{run: s.run, own: s.complaints}), nil
	}
	return fsm.Stay(), nil
}

// processingComplaints publishes any commit complaints and moves straight to
// reconstruction without waiting for peers' complaints. Complaints from peers
// are not processed: the reconstruction state does not accept them.
type processingComplaints struct {
	run          *runState
	own          []*rabindkg.ComplaintCommits
	reconstructs []*rabindkg.ReconstructCommits
}

func (s *processingComplaints) String() string {
	return fmt.Sprintf("processing complaints (own: %d)", len(s.own))
}

func (s *processingComplaints) Round() uint8 { return RoundComplaints }

func (s *processingComplaints) Initialize() ([]interface{}, error) {
	out := make([]interface{}, 0, len(s.own))
	for _, c := range s.own {
		msg, err := NewComplaintMsg(c)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *processingComplaints) Deliver(msg interface{}) fsm.Status {
	in, ok := unwrap(msg)
	if !ok {
		return fsm.Unexpected
	}
	body, ok := in.Body.(ComplaintMsg)
	if !ok {
		return fsm.Unexpected
	}
	cc, err := body.ComplaintCommits()
	if err != nil {
		return fsm.Rejected
	}
	rc, err := s.run.gen.ProcessComplaintCommits(cc)
	if err != nil {
		return fsm.Rejected
	}
	s.reconstructs = append(s.reconstructs, rc)
	return fsm.Delivered
}

func (s *processingComplaints) Advance() (fsm.Transition, error) {
	return fsm.MoveTo(&processingReconstructCommits{run: s.run, own: s.reconstructs}), nil
}

// processingReconstructCommits is terminal: once the generator can emit the
// distributed key share, the run is complete.
type processingReconstructCommits struct {
	run *runState
	own []*rabindkg.ReconstructCommits
}

func (s *processingReconstructCommits) String() string {
	return fmt.Sprintf("processing reconstruct commits (own: %d)", len(s.own))
}

func (s *processingReconstructCommits) Round() uint8 { return RoundReconstruct }

func (s *processingReconstructCommits) Initialize() ([]interface{}, error) {
	out := make([]interface{}, 0, len(s.own))
	for _, rc := range s.own {
		msg, err := NewReconstructMsg(rc)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *processingReconstructCommits) Deliver(msg interface{}) fsm.Status {
	in, ok := unwrap(msg)
	if !ok {
		return fsm.Unexpected
	}
	body, ok := in.Body.(ReconstructMsg)
	if !ok {
		return fsm.Unexpected
	}
	rc, err := body.ReconstructCommits()
	if err != nil {
		return fsm.Rejected
	}
	if err := s.run.gen.ProcessReconstructCommits(rc); err != nil {
		return fsm.Rejected
	}
	return fsm.Delivered
}

func (s *processingReconstructCommits) Advance() (fsm.Transition, error) {
	share, err := s.run.gen.DistKeyShare()
	if err != nil {
		return fsm.Stay(), nil
	}
	s.run.share = share
	return fsm.Done(), nil
}
