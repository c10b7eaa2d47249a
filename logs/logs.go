/*
Package logs builds, signs and verifies the two log artifacts a committee
emits: per-node signature logs (who participated, who was faulty) signed with
the node's own key, and committee task logs signed with the aggregate
threshold signature. Verification reconstructs the canonical JSON and checks
it against the key resolved from the signer's DID.
*/
package logs

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	kyberdss "go.dedis.ch/kyber/v3/sign/dss"
	"go.dedis.ch/kyber/v3/sign/eddsa"

	"github.com/dorahq/dora/sign"
)

// Outcome of a serviced request.
type Outcome string

const (
	Success Outcome = "Success"
	Failure Outcome = "Failure"
)

// NodeSignatureLog is one node's account of a signing session.
type NodeSignatureLog struct {
	SessionID    string   `json:"session_id"`
	RequestID    string   `json:"request_id"`
	SenderDID    string   `json:"sender_did"`
	AbsentNodes  []string `json:"absent_nodes"`
	BadSigners   []string `json:"bad_signers"`
	Timestamp    int64    `json:"timestamp"`
	Nonce        string   `json:"nonce"`
	SignatureHex string   `json:"signature_hex,omitempty"`
}

// NewNodeSignatureLog derives the absent set from the full membership and
// the observed participants.
func NewNodeSignatureLog(sessionID, requestID, senderDID string, allDIDs, presentDIDs, badDIDs []string) *NodeSignatureLog {
	present := make(map[string]struct{}, len(presentDIDs))
	for _, d := range presentDIDs {
		present[d] = struct{}{}
	}
	var absent []string
	for _, d := range allDIDs {
		if _, ok := present[d]; !ok {
			absent = append(absent, d)
		}
	}
	sort.Strings(absent)
	bad := append([]string(nil), badDIDs...)
	sort.Strings(bad)
	return &NodeSignatureLog{
		SessionID:   sessionID,
		RequestID:   requestID,
		SenderDID:   senderDID,
		AbsentNodes: absent,
		BadSigners:  bad,
		Timestamp:   time.Now().Unix(),
		Nonce:       uuid.NewString(),
	}
}

func (l *NodeSignatureLog) signedBytes() ([]byte, error) {
	unsigned := *l
	unsigned.SignatureHex = ""
	return sign.Canonical(&unsigned)
}

// Sign attaches the node's signature.
func (l *NodeSignatureLog) Sign(pair *eddsa.EdDSA) error {
	data, err := l.signedBytes()
	if err != nil {
		return err
	}
	sig, err := sign.SignBytes(pair, data)
	if err != nil {
		return err
	}
	l.SignatureHex = hex.EncodeToString(sig)
	return nil
}

// Verify checks the log against the sender's public key.
func (l *NodeSignatureLog) Verify(public kyber.Point) error {
	if l.SignatureHex == "" {
		return errors.New("signature log is unsigned")
	}
	sig, err := hex.DecodeString(l.SignatureHex)
	if err != nil {
		return errors.Wrap(err, "decode signature hex")
	}
	data, err := l.signedBytes()
	if err != nil {
		return err
	}
	return sign.VerifyBytes(public, data, sig)
}

// CommitteeLog is the committee's jointly signed statement about a request.
type CommitteeLog struct {
	RequestID    string  `json:"request_id"`
	CommitteeDID string  `json:"committee_did"`
	Result       Outcome `json:"result"`
	DataHex      string  `json:"data_hex,omitempty"`
	Timestamp    int64   `json:"timestamp"`
	SignatureHex string  `json:"signature_hex,omitempty"`
}

// NewCommitteeLog starts a log for a request; the result and payload are
// filled in as the request progresses.
func NewCommitteeLog(requestID, committeeDID string, timestamp int64) *CommitteeLog {
	return &CommitteeLog{
		RequestID:    requestID,
		CommitteeDID: committeeDID,
		Result:       Failure,
		Timestamp:    timestamp,
	}
}

// SetData attaches the fetched payload.
func (l *CommitteeLog) SetData(data []byte) {
	l.DataHex = hex.EncodeToString(data)
}

// Data returns the attached payload.
func (l *CommitteeLog) Data() ([]byte, error) {
	if l.DataHex == "" {
		return nil, nil
	}
	return hex.DecodeString(l.DataHex)
}

// SignedBytes is the canonical byte form covered by the threshold
// signature. Every committee member must produce identical bytes here, so
// the timestamp is fixed by the caller before signing starts.
func (l *CommitteeLog) SignedBytes() ([]byte, error) {
	unsigned := *l
	unsigned.SignatureHex = ""
	return sign.Canonical(&unsigned)
}

// AttachSignature stores the aggregate signature.
func (l *CommitteeLog) AttachSignature(sig []byte) {
	l.SignatureHex = hex.EncodeToString(sig)
}

// Verify checks the log against the committee public key Q.
func (l *CommitteeLog) Verify(q kyber.Point) error {
	if l.SignatureHex == "" {
		return errors.New("committee log is unsigned")
	}
	sig, err := hex.DecodeString(l.SignatureHex)
	if err != nil {
		return errors.Wrap(err, "decode signature hex")
	}
	data, err := l.SignedBytes()
	if err != nil {
		return err
	}
	return kyberdss.Verify(q, data, sig)
}
