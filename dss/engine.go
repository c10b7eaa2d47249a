package dss

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	kyberdss "go.dedis.ch/kyber/v3/sign/dss"
	"go.dedis.ch/kyber/v3/sign/eddsa"

	"github.com/dorahq/dora/dkg"
	"github.com/dorahq/dora/fsm"
	"github.com/dorahq/dora/session"
	"github.com/dorahq/dora/sign"
)

// DefaultSleepTime is how long a session collects partials before
// aggregating with whatever arrived.
const DefaultSleepTime = 20 * time.Second

// ErrQuorumNotReached is returned when fewer than threshold partials arrived
// by the deadline.
var ErrQuorumNotReached = errors.New("quorum not reached")

// Config wires one signing session.
type Config struct {
	KeyPair   *eddsa.EdDSA
	Key       *dkg.Result
	Message   []byte
	Mux       *session.Muxer
	SessionID session.ID
	SleepTime time.Duration
	Logger    hclog.Logger
}

// Outcome reports the aggregate signature and who participated.
type Outcome struct {
	Signature []byte
	// Present holds the member indices whose valid partials were accepted,
	// own index included.
	Present []int
	// Bad holds the member indices whose partials failed validation.
	Bad []int
}

// signingState collects partials until threshold plus deadline semantics
// decide the outcome.
type signingState struct {
	d       *kyberdss.DSS
	own     *kyberdss.PartialSig
	present map[int]struct{}
	bad     map[int]struct{}
	n       int
}

func (s *signingState) String() string {
	return fmt.Sprintf("signing (present: %d)", len(s.present))
}

func (s *signingState) Round() uint8 { return RoundPartials }

func (s *signingState) Initialize() ([]interface{}, error) {
	msg, err := NewPartialSigMsg(s.own)
	if err != nil {
		return nil, err
	}
	return []interface{}{msg}, nil
}

func (s *signingState) Deliver(msg interface{}) fsm.Status {
	in, ok := msg.(session.Inbound)
	if !ok {
		return fsm.Unexpected
	}
	body, ok := in.Body.(PartialSigMsg)
	if !ok {
		return fsm.Unexpected
	}
	ps, err := body.PartialSig()
	if err != nil {
		return fsm.Rejected
	}
	index := ps.Partial.I
	if err := s.d.ProcessPartialSig(ps); err != nil {
		if strings.Contains(err.Error(), "partial signature not valid") ||
			strings.Contains(err.Error(), "session id") {
			s.bad[index] = struct{}{}
			return fsm.Delivered
		}
		s.bad[index] = struct{}{}
		return fsm.Rejected
	}
	s.present[index] = struct{}{}
	return fsm.Delivered
}

func (s *signingState) Advance() (fsm.Transition, error) {
	// wait for the full committee inside the sleep window; the deadline
	// path aggregates with >= threshold
	if len(s.present) == s.n {
		return fsm.Done(), nil
	}
	return fsm.Stay(), nil
}

// Run executes a signing session to an Outcome. Late partials are ignored:
// once the sleep deadline fires, whatever arrived decides the session.
func Run(ctx context.Context, cfg Config) (*Outcome, error) {
	sleep := cfg.SleepTime
	if sleep == 0 {
		sleep = DefaultSleepTime
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dora-dss",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}

	key := cfg.Key
	d, err := kyberdss.NewDSS(sign.Suite(), cfg.KeyPair.Secret, key.Participants,
		key.Share, key.Share, cfg.Message, key.Threshold)
	if err != nil {
		return nil, errors.Wrap(err, "new dss")
	}
	own, err := d.PartialSig()
	if err != nil {
		return nil, errors.Wrap(err, "own partial sig")
	}

	// the muxer deadline trails the sleep window so aggregation wins the
	// race against session GC
	deadline := time.Now().Add(sleep + 5*time.Second)
	sess, err := cfg.Mux.Open(cfg.SessionID, session.KindSign, deadline, Rounds())
	if err != nil {
		return nil, err
	}
	defer cfg.Mux.Close(cfg.SessionID)

	state := &signingState{
		d:       d,
		own:     own,
		present: map[int]struct{}{key.Index: {}},
		bad:     make(map[int]struct{}),
		n:       len(key.Participants),
	}
	sender := func(msg interface{}) error {
		return cfg.Mux.Send(ctx, sess, RoundPartials, msg)
	}
	machine := fsm.New(cfg.SessionID.String(), state, fsm.NewFeed(sess.Inbound()), sender, sleep, logger)

	_, err = machine.Run(ctx)
	if err != nil && !errors.Is(err, fsm.ErrRoundTimeout) && !errors.Is(err, fsm.ErrFeedClosed) {
		return nil, err
	}
	if !d.EnoughPartialSig() {
		logger.Warn("quorum not reached", "session", cfg.SessionID.Short(),
			"present", len(state.present), "threshold", key.Threshold)
		return nil, ErrQuorumNotReached
	}

	sig, err := d.Signature()
	if err != nil {
		return nil, errors.Wrap(err, "aggregate signature")
	}
	outcome := &Outcome{Signature: sig}
	for i := range state.present {
		outcome.Present = append(outcome.Present, i)
	}
	for i := range state.bad {
		outcome.Bad = append(outcome.Bad, i)
	}
	sort.Ints(outcome.Present)
	sort.Ints(outcome.Bad)
	logger.Info("signature aggregated", "session", cfg.SessionID.Short(),
		"present", outcome.Present, "bad", outcome.Bad)
	return outcome, nil
}

// Verify checks an aggregate signature against the committee public key Q.
func Verify(public kyber.Point, msg, sig []byte) error {
	return kyberdss.Verify(public, msg, sig)
}
