package node

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Instruction kinds and request kinds carried as JSON on the governor and
// committee tags.
const (
	KindNewCommittee = "new-committee"
	KindRequest      = "request"
)

// GovernorInstruction orders idle nodes to form a committee.
type GovernorInstruction struct {
	Kind  string   `json:"kind"`
	Nodes []string `json:"nodes"`
	Nonce []byte   `json:"nonce"`
}

// ParseInstruction decodes and checks an instruction payload.
func ParseInstruction(data []byte) (*GovernorInstruction, error) {
	var in GovernorInstruction
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errors.Wrap(err, "decode instruction")
	}
	if in.Kind != KindNewCommittee {
		return nil, errors.Errorf("unknown instruction kind %q", in.Kind)
	}
	return &in, nil
}

// Includes reports whether the instruction names the given DID.
func (in *GovernorInstruction) Includes(didURL string) bool {
	for _, n := range in.Nodes {
		if n == didURL {
			return true
		}
	}
	return false
}

// Request asks the committee to resolve an input and optionally store it.
type Request struct {
	Kind      string `json:"kind"`
	InputURI  string `json:"input_uri"`
	StorageID string `json:"storage_id,omitempty"`
	Nonce     []byte `json:"nonce"`
}

// ParseRequest decodes and checks a request payload.
func ParseRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode request")
	}
	if r.Kind != KindRequest {
		return nil, errors.Errorf("unknown request kind %q", r.Kind)
	}
	if r.InputURI == "" {
		return nil, errors.New("request carries no input uri")
	}
	return &r, nil
}
