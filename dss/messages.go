/*
Package dss runs the threshold signing sessions: each participant broadcasts
one partial signature over the agreed message, validates its peers', and
aggregates as soon as every member's partial is in or, when the sleep
deadline fires, if at least the honest-majority threshold arrived. Honest aggregators
produce byte-identical signatures because the participant set is the lowest
set of indices present at the deadline.
*/
package dss

import (
	"reflect"

	"github.com/pkg/errors"
	kshare "go.dedis.ch/kyber/v3/share"
	kyberdss "go.dedis.ch/kyber/v3/sign/dss"

	"github.com/dorahq/dora/sign"
)

// RoundPartials is the only wire round of a signing session.
const RoundPartials uint8 = 1

// Rounds maps the signing rounds for the session muxer.
func Rounds() map[uint8]reflect.Type {
	return map[uint8]reflect.Type{
		RoundPartials: reflect.TypeOf(PartialSigMsg{}),
	}
}

// PartialSigMsg is the wire form of a partial signature.
type PartialSigMsg struct {
	PartialI  int64
	PartialV  []byte
	SessionID []byte
	Signature []byte
}

func NewPartialSigMsg(ps *kyberdss.PartialSig) (PartialSigMsg, error) {
	msg := PartialSigMsg{
		PartialI:  int64(ps.Partial.I),
		SessionID: ps.SessionID,
		Signature: ps.Signature,
	}
	var err error
	if msg.PartialV, err = ps.Partial.V.MarshalBinary(); err != nil {
		return msg, errors.Wrap(err, "marshal partial")
	}
	return msg, nil
}

func (m PartialSigMsg) PartialSig() (*kyberdss.PartialSig, error) {
	v, err := sign.ScalarFromBytes(m.PartialV)
	if err != nil {
		return nil, err
	}
	return &kyberdss.PartialSig{
		Partial:   &kshare.PriShare{I: int(m.PartialI), V: v},
		SessionID: m.SessionID,
		Signature: m.Signature,
	}, nil
}
