package did

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	kyberdss "go.dedis.ch/kyber/v3/sign/dss"

	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/sign"
)

// didTag is the shared ledger tag all documents are anchored under. Anyone
// can publish here, so resolution trusts nothing a document cannot prove
// about itself.
const didTag = "dora-did"

// Registry publishes and resolves documents through the ledger.
type Registry struct {
	ledger    dlt.Ledger
	publisher *dlt.Publisher
	logger    hclog.Logger
}

func NewRegistry(ledger dlt.Ledger, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dora-did",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &Registry{
		ledger:    ledger,
		publisher: dlt.NewPublisher(ledger, logger),
		logger:    logger,
	}
}

// Publish anchors a signed document. The proof must already be attached.
func (r *Registry) Publish(ctx context.Context, doc *Document) (dlt.BlockID, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	id, err := r.publisher.Publish(ctx, didTag, data)
	if err != nil {
		return "", err
	}
	r.logger.Info("did document published", "did", doc.ID, "block", id)
	return id, nil
}

// Resolve scans the did tag for the newest authentic document with the given
// id. A candidate is authentic only if its identifier is re-derivable from
// its own content and its proof verifies; anything else is skipped.
func (r *Registry) Resolve(ctx context.Context, id string) (*Document, error) {
	msgs, err := r.ledger.History(ctx, didTag)
	if err != nil {
		return nil, err
	}
	var found *Document
	for _, msg := range msgs {
		var doc Document
		if err := json.Unmarshal(msg.Data, &doc); err != nil {
			continue
		}
		if doc.ID != id {
			continue
		}
		if err := VerifyDocument(&doc); err != nil {
			r.logger.Warn("skipping unauthentic did document", "did", id,
				"block", msg.BlockID, "error", err)
			continue
		}
		found = &doc
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ResolveKey resolves a DID straight to its public key.
func (r *Registry) ResolveKey(ctx context.Context, id string) (kyber.Point, error) {
	doc, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.Key()
}

// VerifyDocument checks a document's authenticity: the claimed identifier
// must equal the one derived from the document's content, and the proof must
// verify. Node documents carry an EdDSA self-signature, committee documents
// the aggregate threshold signature.
func VerifyDocument(doc *Document) error {
	expected, err := doc.ExpectedID()
	if err != nil {
		return err
	}
	if expected != doc.ID {
		return errors.New("identifier does not match document content")
	}
	key, err := doc.Key()
	if err != nil {
		return err
	}
	data, err := doc.SignedBytes()
	if err != nil {
		return err
	}
	proof, err := doc.ProofBytes()
	if err != nil {
		return err
	}
	if len(doc.AuthNodes) > 0 {
		return kyberdss.Verify(key, data, proof)
	}
	return sign.VerifyBytes(key, data, proof)
}

// VerifyNodeDocument checks a node document end to end.
func VerifyNodeDocument(doc *Document) error {
	if len(doc.AuthNodes) > 0 {
		return errors.New("not a node document")
	}
	return VerifyDocument(doc)
}
