/*
Package dkg runs the distributed key generation among committee members,
tunneling the rabin DKG rounds through ledger sessions. Private deals are
ECIES-sealed for their destination because the transport is public.
*/
package dkg

import (
	"reflect"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	kshare "go.dedis.ch/kyber/v3/share"
	rabindkg "go.dedis.ch/kyber/v3/share/dkg/rabin"
	vss "go.dedis.ch/kyber/v3/share/vss/rabin"

	"github.com/dorahq/dora/sign"
)

// Wire rounds inside the DKG session.
const (
	RoundDeals       uint8 = 1
	RoundResponses   uint8 = 2
	RoundJustify     uint8 = 3
	RoundCommits     uint8 = 4
	RoundComplaints  uint8 = 5
	RoundReconstruct uint8 = 6
)

// Rounds maps each DKG round to its payload type for the session muxer.
func Rounds() map[uint8]reflect.Type {
	return map[uint8]reflect.Type{
		RoundDeals:       reflect.TypeOf(DealMsg{}),
		RoundResponses:   reflect.TypeOf(ResponseMsg{}),
		RoundJustify:     reflect.TypeOf(JustificationMsg{}),
		RoundCommits:     reflect.TypeOf(SecretCommitsMsg{}),
		RoundComplaints:  reflect.TypeOf(ComplaintMsg{}),
		RoundReconstruct: reflect.TypeOf(ReconstructMsg{}),
	}
}

// DealMsg carries one encrypted deal. The cipher is ECIES under the
// destination's identity key; everyone else sees opaque bytes.
type DealMsg struct {
	Destination string // hex public key of the intended receiver
	Cipher      []byte
}

// dealDTO is the sealed content of a DealMsg.
type dealDTO struct {
	Index     uint32
	DHKey     []byte
	Signature []byte
	Nonce     []byte
	Cipher    []byte
}

// SealDeal encrypts a deal for its destination.
func SealDeal(deal *rabindkg.Deal, destination kyber.Point) (DealMsg, error) {
	dto := dealDTO{
		Index:     deal.Index,
		Signature: deal.Deal.Signature,
		Nonce:     deal.Deal.Nonce,
		Cipher:    deal.Deal.Cipher,
	}
	var err error
	if dto.DHKey, err = sign.PointToBytes(deal.Deal.DHKey); err != nil {
		return DealMsg{}, err
	}
	plain, err := encodeDTO(dto)
	if err != nil {
		return DealMsg{}, err
	}
	sealed, err := sign.Encrypt(destination, plain)
	if err != nil {
		return DealMsg{}, errors.Wrap(err, "seal deal")
	}
	return DealMsg{Destination: sign.PublicKeyHex(destination), Cipher: sealed}, nil
}

// OpenDeal decrypts a deal addressed to this node.
func OpenDeal(msg DealMsg, secret kyber.Scalar) (*rabindkg.Deal, error) {
	plain, err := sign.Decrypt(secret, msg.Cipher)
	if err != nil {
		return nil, errors.Wrap(err, "open deal")
	}
	var dto dealDTO
	if err := decodeDTO(plain, &dto); err != nil {
		return nil, err
	}
	dhKey, err := sign.PointFromBytes(dto.DHKey)
	if err != nil {
		return nil, err
	}
	return &rabindkg.Deal{
		Index: dto.Index,
		Deal: &vss.EncryptedDeal{
			DHKey:     dhKey,
			Signature: dto.Signature,
			Nonce:     dto.Nonce,
			Cipher:    dto.Cipher,
		},
	}, nil
}

// ResponseMsg is the wire form of a vss response; all fields are plain.
type ResponseMsg struct {
	DealerIndex uint32
	SessionID   []byte
	Index       uint32
	Approved    bool
	Signature   []byte
}

func NewResponseMsg(r *rabindkg.Response) ResponseMsg {
	return ResponseMsg{
		DealerIndex: r.Index,
		SessionID:   r.Response.SessionID,
		Index:       r.Response.Index,
		Approved:    r.Response.Approved,
		Signature:   r.Response.Signature,
	}
}

func (m ResponseMsg) Response() *rabindkg.Response {
	return &rabindkg.Response{
		Index: m.DealerIndex,
		Response: &vss.Response{
			SessionID: m.SessionID,
			Index:     m.Index,
			Approved:  m.Approved,
			Signature: m.Signature,
		},
	}
}

// plainDealDTO is the revealed (unencrypted) deal inside justifications and
// complaints.
type plainDealDTO struct {
	SessionID   []byte
	SecShareI   int64
	SecShareV   []byte
	RndShareI   int64
	RndShareV   []byte
	T           uint32
	Commitments [][]byte
}

func newPlainDealDTO(d *vss.Deal) (plainDealDTO, error) {
	dto := plainDealDTO{
		SessionID: d.SessionID,
		T:         d.T,
		SecShareI: int64(d.SecShare.I),
		RndShareI: int64(d.RndShare.I),
	}
	var err error
	if dto.SecShareV, err = d.SecShare.V.MarshalBinary(); err != nil {
		return dto, errors.Wrap(err, "marshal sec share")
	}
	if dto.RndShareV, err = d.RndShare.V.MarshalBinary(); err != nil {
		return dto, errors.Wrap(err, "marshal rnd share")
	}
	for _, c := range d.Commitments {
		b, err := sign.PointToBytes(c)
		if err != nil {
			return dto, err
		}
		dto.Commitments = append(dto.Commitments, b)
	}
	return dto, nil
}

func (dto plainDealDTO) deal() (*vss.Deal, error) {
	secV, err := sign.ScalarFromBytes(dto.SecShareV)
	if err != nil {
		return nil, err
	}
	rndV, err := sign.ScalarFromBytes(dto.RndShareV)
	if err != nil {
		return nil, err
	}
	commitments := make([]kyber.Point, 0, len(dto.Commitments))
	for _, b := range dto.Commitments {
		p, err := sign.PointFromBytes(b)
		if err != nil {
			return nil, err
		}
		commitments = append(commitments, p)
	}
	return &vss.Deal{
		SessionID:   dto.SessionID,
		SecShare:    &kshare.PriShare{I: int(dto.SecShareI), V: secV},
		RndShare:    &kshare.PriShare{I: int(dto.RndShareI), V: rndV},
		T:           dto.T,
		Commitments: commitments,
	}, nil
}

// JustificationMsg reveals a disputed deal.
type JustificationMsg struct {
	Index        uint32
	VSSSessionID []byte
	VSSIndex     uint32
	Deal         plainDealDTO
	Signature    []byte
}

func NewJustificationMsg(j *rabindkg.Justification) (JustificationMsg, error) {
	dealDTO, err := newPlainDealDTO(j.Justification.Deal)
	if err != nil {
		return JustificationMsg{}, err
	}
	return JustificationMsg{
		Index:        j.Index,
		VSSSessionID: j.Justification.SessionID,
		VSSIndex:     j.Justification.Index,
		Deal:         dealDTO,
		Signature:    j.Justification.Signature,
	}, nil
}

func (m JustificationMsg) Justification() (*rabindkg.Justification, error) {
	deal, err := m.Deal.deal()
	if err != nil {
		return nil, err
	}
	return &rabindkg.Justification{
		Index: m.Index,
		Justification: &vss.Justification{
			SessionID: m.VSSSessionID,
			Index:     m.VSSIndex,
			Deal:      deal,
			Signature: m.Signature,
		},
	}, nil
}

// SecretCommitsMsg publishes a node's polynomial commitments.
type SecretCommitsMsg struct {
	Index       uint32
	Commitments [][]byte
	SessionID   []byte
	Signature   []byte
}

func NewSecretCommitsMsg(sc *rabindkg.SecretCommits) (SecretCommitsMsg, error) {
	msg := SecretCommitsMsg{
		Index:     sc.Index,
		SessionID: sc.SessionID,
		Signature: sc.Signature,
	}
	for _, c := range sc.Commitments {
		b, err := sign.PointToBytes(c)
		if err != nil {
			return msg, err
		}
		msg.Commitments = append(msg.Commitments, b)
	}
	return msg, nil
}

func (m SecretCommitsMsg) SecretCommits() (*rabindkg.SecretCommits, error) {
	sc := &rabindkg.SecretCommits{
		Index:     m.Index,
		SessionID: m.SessionID,
		Signature: m.Signature,
	}
	for _, b := range m.Commitments {
		p, err := sign.PointFromBytes(b)
		if err != nil {
			return nil, err
		}
		sc.Commitments = append(sc.Commitments, p)
	}
	return sc, nil
}

// ComplaintMsg accuses a dealer by revealing its inconsistent deal.
type ComplaintMsg struct {
	Index       uint32
	DealerIndex uint32
	Deal        plainDealDTO
	Signature   []byte
}

func NewComplaintMsg(cc *rabindkg.ComplaintCommits) (ComplaintMsg, error) {
	dealDTO, err := newPlainDealDTO(cc.Deal)
	if err != nil {
		return ComplaintMsg{}, err
	}
	return ComplaintMsg{
		Index:       cc.Index,
		DealerIndex: cc.DealerIndex,
		Deal:        dealDTO,
		Signature:   cc.Signature,
	}, nil
}

func (m ComplaintMsg) ComplaintCommits() (*rabindkg.ComplaintCommits, error) {
	deal, err := m.Deal.deal()
	if err != nil {
		return nil, err
	}
	return &rabindkg.ComplaintCommits{
		Index:       m.Index,
		DealerIndex: m.DealerIndex,
		Deal:        deal,
		Signature:   m.Signature,
	}, nil
}

// ReconstructMsg shares material to rebuild an excluded dealer's secret.
type ReconstructMsg struct {
	SessionID   []byte
	Index       uint32
	DealerIndex uint32
	ShareI      int64
	ShareV      []byte
	Signature   []byte
}

func NewReconstructMsg(rc *rabindkg.ReconstructCommits) (ReconstructMsg, error) {
	msg := ReconstructMsg{
		SessionID:   rc.SessionID,
		Index:       rc.Index,
		DealerIndex: rc.DealerIndex,
		ShareI:      int64(rc.Share.I),
		Signature:   rc.Signature,
	}
	var err error
	if msg.ShareV, err = rc.Share.V.MarshalBinary(); err != nil {
		return msg, errors.Wrap(err, "marshal reconstruct share")
	}
	return msg, nil
}

func (m ReconstructMsg) ReconstructCommits() (*rabindkg.ReconstructCommits, error) {
	v, err := sign.ScalarFromBytes(m.ShareV)
	if err != nil {
		return nil, err
	}
	return &rabindkg.ReconstructCommits{
		SessionID:   m.SessionID,
		Index:       m.Index,
		DealerIndex: m.DealerIndex,
		Share:       &kshare.PriShare{I: int(m.ShareI), V: v},
		Signature:   m.Signature,
	}, nil
}
