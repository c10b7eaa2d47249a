package session

import (
	"bytes"
	"reflect"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// Inbound is a verified, deduplicated, decoded message handed to an engine.
type Inbound struct {
	Sender string
	Round  uint8
	Body   interface{}
}

// outbound is a message under periodic republish.
type outbound struct {
	round uint8
	data  []byte
}

// Session is one live protocol run inside the muxer.
type Session struct {
	id       ID
	kind     uint8
	deadline time.Time

	// round -> payload type for inbound decoding
	types map[uint8]reflect.Type

	inbound chan interface{}

	// openRound gates delivery: envelopes for later rounds wait in buffered.
	openRound uint8
	buffered  map[uint8][]*Envelope

	seen map[string]struct{}

	closed bool

	// peerRounds tracks the highest round observed per peer; a peer on a
	// later round has implicitly acked everything before it.
	peerRounds map[string]uint8

	pending []outbound
}

// Inbound is the engine-facing stream of decoded messages.
func (s *Session) Inbound() <-chan interface{} {
	return s.inbound
}

// ID returns the session id.
func (s *Session) ID() ID {
	return s.id
}

// Deadline returns the session's expiry instant.
func (s *Session) Deadline() time.Time {
	return s.deadline
}

// decodePayload reconstructs the typed body for a round.
func (s *Session) decodePayload(round uint8, payload []byte) (interface{}, error) {
	tp, ok := s.types[round]
	if !ok {
		return nil, errors.Errorf("no payload type registered for round %d", round)
	}
	value := reflect.New(tp)
	if err := codec.NewDecoder(bytes.NewReader(payload), msgpackHandle).Decode(value.Interface()); err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	return value.Elem().Interface(), nil
}

// encodePayload marshals a typed body for the wire.
func encodePayload(msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(msg); err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return buf.Bytes(), nil
}

// accept runs the session's inbound pipeline for one envelope: dedup, round
// gating, decode. Caller holds the muxer lock.
func (s *Session) accept(env *Envelope) (deliver []interface{}, err error) {
	key := env.dedupKey()
	if _, dup := s.seen[key]; dup {
		return nil, nil
	}
	s.seen[key] = struct{}{}

	if prev, ok := s.peerRounds[env.Sender]; !ok || env.Round > prev {
		s.peerRounds[env.Sender] = env.Round
	}

	if env.Round > s.openRound {
		s.buffered[env.Round] = append(s.buffered[env.Round], env)
		return nil, nil
	}
	body, err := s.decodePayload(env.Round, env.Payload)
	if err != nil {
		return nil, err
	}
	return []interface{}{Inbound{Sender: env.Sender, Round: env.Round, Body: body}}, nil
}

// open raises the open round and releases everything buffered at or below it.
func (s *Session) open(round uint8) (deliver []interface{}, err error) {
	if round <= s.openRound {
		return nil, nil
	}
	s.openRound = round
	for r := uint8(0); r <= round; r++ {
		for _, env := range s.buffered[r] {
			body, decErr := s.decodePayload(env.Round, env.Payload)
			if decErr != nil {
				err = decErr
				continue
			}
			deliver = append(deliver, Inbound{Sender: env.Sender, Round: env.Round, Body: body})
		}
		delete(s.buffered, r)
	}
	return deliver, err
}

// acked reports whether every peer has been observed past the given round.
func (s *Session) acked(round uint8, peerCount int) bool {
	if len(s.peerRounds) < peerCount {
		return false
	}
	for _, r := range s.peerRounds {
		if r <= round {
			return false
		}
	}
	return true
}
