/*
Package did anchors decentralized identifiers on the ledger. A document binds
a public key to a service tag; the tag is derived deterministically from the
identifier so anyone holding a DID can address its owner. Node documents are
signed with the node's own key, committee documents with the committee's
threshold signature. An identifier is only authentic if it is re-derivable
from the document's own content, so a resolver can reject forgeries published
on the open ledger tag.
*/
package did

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"

	"github.com/dorahq/dora/sign"
)

// Method is the DID method name used by this network.
const Method = "dora"

// tagLen is how many trailing characters of the method-specific id form the
// service tag.
const tagLen = 32

var ErrNotFound = errors.New("did document not found")

// Document is the resolvable record behind a DID.
type Document struct {
	ID         string   `json:"id"`
	PublicKey  string   `json:"public_key"`
	ServiceTag string   `json:"service_tag"`
	Created    int64    `json:"created"`
	AuthNodes  []string `json:"auth_nodes,omitempty"`
	Nonce      string   `json:"nonce,omitempty"`
	Proof      string   `json:"proof,omitempty"`
}

// Tag derives the listening tag from a DID: the tail of the method-specific
// identifier.
func Tag(id string) string {
	parts := strings.Split(id, ":")
	tail := parts[len(parts)-1]
	if len(tail) > tagLen {
		tail = tail[len(tail)-tagLen:]
	}
	return tail
}

// roundDown floors a timestamp to a multiple of the resolution.
func roundDown(ts time.Time, resolution time.Duration) int64 {
	if resolution <= 0 {
		return ts.Unix()
	}
	step := int64(resolution / time.Second)
	if step <= 0 {
		step = 1
	}
	return ts.Unix() / step * step
}

// nodeID derives a node identifier from the key and creation time it binds.
func nodeID(publicKeyHex string, created int64) string {
	sum := sha256.Sum256([]byte(publicKeyHex + "|" + strconv.FormatInt(created, 10)))
	return "did:" + Method + ":" + hex.EncodeToString(sum[:])
}

// committeeID derives a committee identifier from the sorted member DIDs and
// the instruction nonce.
func committeeID(sortedDIDs []string, nonce []byte) string {
	h := sha256.New()
	for _, d := range sortedDIDs {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	h.Write(nonce)
	return "did:" + Method + ":" + hex.EncodeToString(h.Sum(nil))
}

// NewNodeDocument builds a node's own document. The identifier hashes the
// public key together with the rounded creation time.
func NewNodeDocument(public kyber.Point, now time.Time, resolution time.Duration) (*Document, error) {
	created := roundDown(now, resolution)
	keyHex := sign.PublicKeyHex(public)
	id := nodeID(keyHex, created)
	return &Document{
		ID:         id,
		PublicKey:  keyHex,
		ServiceTag: Tag(id),
		Created:    created,
	}, nil
}

// NewCommitteeDocument builds the shared committee document. The identifier
// hashes the sorted participant DIDs and the instruction nonce, so every
// member assembles the identical document.
func NewCommitteeDocument(q kyber.Point, memberDIDs []string, nonce []byte, now time.Time, resolution time.Duration) (*Document, error) {
	sorted := append([]string(nil), memberDIDs...)
	sort.Strings(sorted)
	id := committeeID(sorted, nonce)
	return &Document{
		ID:         id,
		PublicKey:  sign.PublicKeyHex(q),
		ServiceTag: Tag(id),
		Created:    roundDown(now, resolution),
		AuthNodes:  sorted,
		Nonce:      hex.EncodeToString(nonce),
	}, nil
}

// ExpectedID recomputes the identifier implied by the document's own
// content. A document whose claimed ID differs is a forgery.
func (d *Document) ExpectedID() (string, error) {
	if len(d.AuthNodes) > 0 {
		nonce, err := hex.DecodeString(d.Nonce)
		if err != nil {
			return "", errors.Wrap(err, "decode nonce")
		}
		sorted := append([]string(nil), d.AuthNodes...)
		sort.Strings(sorted)
		return committeeID(sorted, nonce), nil
	}
	return nodeID(d.PublicKey, d.Created), nil
}

// SignedBytes is the canonical byte form the proof covers.
func (d *Document) SignedBytes() ([]byte, error) {
	unsigned := *d
	unsigned.Proof = ""
	return sign.Canonical(&unsigned)
}

// Key returns the document's public key as a group point.
func (d *Document) Key() (kyber.Point, error) {
	return sign.PublicKeyFromHex(d.PublicKey)
}

// AttachProof stores a signature over the document.
func (d *Document) AttachProof(sig []byte) {
	d.Proof = hex.EncodeToString(sig)
}

// ProofBytes decodes the attached proof.
func (d *Document) ProofBytes() ([]byte, error) {
	if d.Proof == "" {
		return nil, errors.New("document carries no proof")
	}
	return hex.DecodeString(d.Proof)
}
