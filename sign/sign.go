/*
Package sign wraps the kyber primitives used across the node: identity
keypairs, EdDSA signatures over arbitrary bytes, hybrid ECIES encryption for
private payloads, and the byte-level marshaling of points and scalars that
travel inside ledger messages.
*/
package sign

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/encrypt/ecies"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/eddsa"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// Suite returns the group suite shared by DKG, DSS and identity signatures.
func Suite() *edwards25519.SuiteEd25519 {
	return suite
}

// GenKeyPair creates a fresh EdDSA identity keypair.
func GenKeyPair() *eddsa.EdDSA {
	return eddsa.NewEdDSA(suite.RandomStream())
}

// KeyPairFromBytes restores a keypair from its 64-byte marshaled form.
func KeyPairFromBytes(data []byte) (*eddsa.EdDSA, error) {
	pair := &eddsa.EdDSA{}
	if err := pair.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "unmarshal keypair")
	}
	return pair, nil
}

// SignBytes signs data with the node's identity key.
func SignBytes(pair *eddsa.EdDSA, data []byte) ([]byte, error) {
	return pair.Sign(data)
}

// VerifyBytes checks an EdDSA signature against a public key.
func VerifyBytes(public kyber.Point, data, sig []byte) error {
	return eddsa.Verify(public, data, sig)
}

// Encrypt seals data for the holder of the corresponding secret key.
func Encrypt(public kyber.Point, data []byte) ([]byte, error) {
	return ecies.Encrypt(suite, public, data, sha256.New)
}

// Decrypt opens an ECIES ciphertext with the receiver's secret key.
func Decrypt(secret kyber.Scalar, ciphertext []byte) ([]byte, error) {
	return ecies.Decrypt(suite, secret, ciphertext, sha256.New)
}

// PointToBytes marshals a group point.
func PointToBytes(p kyber.Point) ([]byte, error) {
	return p.MarshalBinary()
}

// PointFromBytes unmarshals a group point.
func PointFromBytes(data []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "unmarshal point")
	}
	return p, nil
}

// ScalarFromBytes unmarshals a group scalar.
func ScalarFromBytes(data []byte) (kyber.Scalar, error) {
	s := suite.Scalar()
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "unmarshal scalar")
	}
	return s, nil
}

// PublicKeyHex renders a point as the hex string used to name senders on the
// wire and inside DID documents.
func PublicKeyHex(p kyber.Point) string {
	b, err := p.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// PublicKeyFromHex reverses PublicKeyHex.
func PublicKeyFromHex(s string) (kyber.Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode public key hex")
	}
	return PointFromBytes(b)
}

// Canonical renders a value as canonical JSON: sorted keys, no whitespace.
// Signatures over documents and logs cover these bytes.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrap(err, "reshape")
	}
	return json.Marshal(generic)
}
