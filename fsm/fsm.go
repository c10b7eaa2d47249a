/*
Package fsm drives protocol sessions. A State emits messages on entry,
accepts deliveries, and decides transitions; the machine pulls messages from
a Feed until a terminal state or the round timeout is reached. Out-of-order
messages are delayed and replayed when the next state opens.
*/
package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// ErrRoundTimeout is returned when a state has not completed within the
// round timeout.
var ErrRoundTimeout = errors.New("round timed out")

// Status reports what a state did with a delivered message.
type Status int

const (
	// Delivered: the message was consumed.
	Delivered Status = iota
	// Unexpected: the message belongs to a later state; it is delayed and
	// replayed after the next transition.
	Unexpected
	// Rejected: the message is invalid for this session.
	Rejected
)

// TransitionKind discriminates Transition.
type TransitionKind int

const (
	// Same keeps the current state and waits for more messages.
	Same TransitionKind = iota
	// Next replaces the current state.
	Next
	// Terminal ends the machine; the final state carries the result.
	Terminal
)

type Transition struct {
	Kind TransitionKind
	Next State
}

func Stay() Transition          { return Transition{Kind: Same} }
func MoveTo(s State) Transition { return Transition{Kind: Next, Next: s} }
func Done() Transition          { return Transition{Kind: Terminal} }

// State is one protocol phase.
type State interface {
	fmt.Stringer

	// Initialize returns the messages to broadcast on state entry.
	Initialize() ([]interface{}, error)

	// Deliver hands an incoming message to the state.
	Deliver(msg interface{}) Status

	// Advance decides whether the state is complete.
	Advance() (Transition, error)
}

// Sender broadcasts a state's outbound messages.
type Sender func(msg interface{}) error

// StateMachine runs states against a feed of incoming messages.
type StateMachine struct {
	sessionID    string
	state        State
	out          Sender
	feed         *Feed
	roundTimeout time.Duration
	logger       hclog.Logger
	onEnter      func(State)
}

func New(sessionID string, initial State, feed *Feed, out Sender, roundTimeout time.Duration, logger hclog.Logger) *StateMachine {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "fsm:" + shortID(sessionID),
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &StateMachine{
		sessionID:    sessionID,
		state:        initial,
		out:          out,
		feed:         feed,
		roundTimeout: roundTimeout,
		logger:       logger,
	}
}

// OnEnter registers a callback invoked for the initial state and after every
// transition, before the state broadcasts.
func (m *StateMachine) OnEnter(f func(State)) {
	m.onEnter = f
}

// Run drives states to a terminal one and returns it. Every state gets at
// most roundTimeout in total, counted from its entry and not reset by
// deliveries, before the session aborts.
func (m *StateMachine) Run(ctx context.Context) (State, error) {
	for {
		if m.onEnter != nil {
			m.onEnter(m.state)
		}
		outbound, err := m.state.Initialize()
		if err != nil {
			return nil, errors.Wrapf(err, "initialize %s", m.state)
		}
		for _, msg := range outbound {
			if err := m.out(msg); err != nil {
				return nil, errors.Wrapf(err, "send from %s", m.state)
			}
		}
		m.feed.Refresh()
		m.logger.Debug("state initialized", "state", m.state.String())

		next, err := m.processUntilTransition(ctx)
		if err != nil {
			return nil, err
		}
		switch next.Kind {
		case Next:
			m.logger.Debug("transition", "from", m.state.String(), "to", next.Next.String())
			m.state = next.Next
		case Terminal:
			m.logger.Debug("session complete", "state", m.state.String())
			return m.state, nil
		}
	}
}

func (m *StateMachine) processUntilTransition(ctx context.Context) (Transition, error) {
	deadline := time.NewTimer(m.roundTimeout)
	defer deadline.Stop()
	for {
		transition, err := m.state.Advance()
		if err != nil {
			return Transition{}, errors.Wrapf(err, "advance %s", m.state)
		}
		if transition.Kind != Same {
			return transition, nil
		}

		msg, err := m.feed.Next(ctx, deadline.C)
		if err != nil {
			return Transition{}, err
		}
		switch m.state.Deliver(msg) {
		case Delivered:
		case Unexpected:
			m.logger.Trace("delaying unexpected message", "state", m.state.String())
			m.feed.Delay(msg)
		case Rejected:
			m.logger.Warn("rejected message", "state", m.state.String())
		}
	}
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
