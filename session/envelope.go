/*
Package session tunnels protocol messages through tagged ledger payloads.
Each message is framed as an envelope carrying a session id, a protocol kind,
a round number and the sender's signature; the muxer verifies, deduplicates
and orders envelopes before the protocol engines see them.
*/
package session

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/eddsa"

	"github.com/dorahq/dora/sign"
)

// Protocol kinds carried in envelopes.
const (
	KindDKG  uint8 = 1
	KindSign uint8 = 2
)

// ID identifies a session: the hash of its originating block id.
type ID [32]byte

func NewID(origin string) ID {
	return sha256.Sum256([]byte(origin))
}

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Short returns the log-friendly prefix of the id.
func (id ID) Short() string {
	return fmt.Sprintf("%x", id[:5])
}

// Envelope is the wire frame of one protocol message. Signature covers every
// preceding field.
type Envelope struct {
	SessionID ID
	Kind      uint8
	Round     uint8
	Sender    string // hex public key of the sender
	Payload   []byte
	Signature []byte
}

var msgpackHandle = &codec.MsgpackHandle{}

// Encode marshals the envelope for publication.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(e); err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses a ledger payload; failures mean the payload is not a
// protocol message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(&e); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &e, nil
}

// signedBytes is the byte string the signature covers.
func (e *Envelope) signedBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	return unsigned.Encode()
}

// Sign fills the envelope's signature with the sender's identity key.
func (e *Envelope) Sign(pair *eddsa.EdDSA) error {
	data, err := e.signedBytes()
	if err != nil {
		return err
	}
	sig, err := sign.SignBytes(pair, data)
	if err != nil {
		return errors.Wrap(err, "sign envelope")
	}
	e.Signature = sig
	return nil
}

// Verify checks the signature against the sender's public key.
func (e *Envelope) Verify(public kyber.Point) error {
	data, err := e.signedBytes()
	if err != nil {
		return err
	}
	return sign.VerifyBytes(public, data, e.Signature)
}

// dedupKey identifies an envelope for replay suppression.
func (e *Envelope) dedupKey() string {
	payloadSum := sha256.Sum256(e.Payload)
	return fmt.Sprintf("%x|%s|%d|%x", e.SessionID[:], e.Sender, e.Round, payloadSum[:])
}
