package types

import (
	"errors"
	"fmt"
	"time"

	cmtbytes "github.com/bftlabs/tmcore/libs/bytes"
	cmttime "github.com/bftlabs/tmcore/types/time"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

var (
	ErrInvalidBlockPartSignature = errors.New("error invalid block part signature")
	ErrInvalidBlockPartHash      = errors.New("error invalid block part hash")
)

// Proposal is the proposal broadcast by the round's proposer, naming the
// block (or reference to an earlier POL round) for the round.
type Proposal struct {
	Type      SignedMsgType `json:"type"`
	Height    int64         `json:"height"`
	Round     int32         `json:"round"`
	POLRound  int32         `json:"pol_round"`
	BlockID   BlockID       `json:"block_id"`
	Timestamp time.Time     `json:"timestamp"`
	Signature []byte        `json:"signature"`
}

// NewProposal returns a new Proposal with an unset signature.
func NewProposal(height int64, round, polRound int32, blockID BlockID, ts time.Time) *Proposal {
	return &Proposal{
		Type:      ProposalType,
		Height:    height,
		Round:     round,
		BlockID:   blockID,
		POLRound:  polRound,
		Timestamp: ts,
	}
}

// ValidateBasic performs basic validation.
func (p *Proposal) ValidateBasic() error {
	if p.Type != ProposalType {
		return errors.New("invalid Type")
	}
	if p.Height <= 0 {
		return errors.New("non positive Height")
	}
	if p.Round < 0 {
		return errors.New("negative Round")
	}
	if p.POLRound < -1 {
		return errors.New("negative POLRound (except -1)")
	}
	if p.POLRound >= p.Round {
		return errors.New("POLRound >= Round")
	}
	if p.Timestamp != cmttime.Canonical(p.Timestamp) {
		return errors.New("timestamp is not canonical (UTC, no monotonic reading)")
	}
	if err := p.BlockID.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong BlockID: %w", err)
	}
	if !p.BlockID.IsZero() && !p.BlockID.IsComplete() {
		return fmt.Errorf("blockID must be either empty or complete, got: %v", p.BlockID)
	}
	if len(p.Signature) == 0 {
		return errors.New("signature is missing")
	}
	if len(p.Signature) > MaxSignatureSize {
		return fmt.Errorf("signature is too big (max: %d)", MaxSignatureSize)
	}
	return nil
}

// String returns a string representation of the Proposal.
func (p *Proposal) String() string {
	return fmt.Sprintf("Proposal{%v/%v (%v, %v) %X @ %s}",
		p.Height, p.Round, p.BlockID, p.POLRound,
		cmtbytes.Fingerprint(p.Signature),
		p.Timestamp.Format(TimeFormat))
}

// ToProto converts the domain Proposal to its wire representation.
func (p *Proposal) ToProto() *cmtproto.Proposal {
	if p == nil {
		return nil
	}
	return &cmtproto.Proposal{
		Type:      p.Type,
		Height:    p.Height,
		Round:     p.Round,
		PolRound:  p.POLRound,
		BlockID:   p.BlockID.ToProto(),
		Timestamp: p.Timestamp,
		Signature: p.Signature,
	}
}

// ProposalFromProto builds a domain Proposal from its wire representation.
func ProposalFromProto(pp *cmtproto.Proposal) (*Proposal, error) {
	if pp == nil {
		return nil, errors.New("nil proposal")
	}
	blockID, err := BlockIDFromProto(&pp.BlockID)
	if err != nil {
		return nil, err
	}
	p := &Proposal{
		Type:      pp.Type,
		Height:    pp.Height,
		Round:     pp.Round,
		POLRound:  pp.PolRound,
		BlockID:   *blockID,
		Timestamp: pp.Timestamp,
		Signature: pp.Signature,
	}
	return p, p.ValidateBasic()
}
