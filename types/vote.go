package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/bftlabs/tmcore/crypto"
	cmtbytes "github.com/bftlabs/tmcore/libs/bytes"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

var (
	ErrVoteUnexpectedStep            = errors.New("unexpected step")
	ErrVoteInvalidValidatorIndex     = errors.New("invalid validator index")
	ErrVoteInvalidValidatorAddress   = errors.New("invalid validator address")
	ErrVoteInvalidSignature          = errors.New("invalid signature")
	ErrVoteInvalidBlockHash          = errors.New("invalid block hash")
	ErrVoteNonDeterministicSignature = errors.New("non-deterministic signature")
	ErrVoteNil                       = errors.New("nil vote")

	// ErrInvalidVoteExtension is returned when the application rejects a
	// vote extension during VerifyVoteExtension.
	ErrInvalidVoteExtension = errors.New("invalid vote extension")
)

// Vote represents a prevote or precommit vote from a validator for
// consensus.
type Vote struct {
	Type             SignedMsgType `json:"type"`
	Height           int64         `json:"height"`
	Round            int32         `json:"round"`
	BlockID          BlockID       `json:"block_id"`
	Timestamp        time.Time     `json:"timestamp"`
	ValidatorAddress cmtbytes.HexBytes `json:"validator_address"`
	ValidatorIndex   int32         `json:"validator_index"`
	Signature        []byte        `json:"signature"`

	// Extension and ExtensionSignature are only set on precommits, once
	// vote extensions are enabled.
	Extension          []byte `json:"extension,omitempty"`
	ExtensionSignature []byte `json:"extension_signature,omitempty"`
}

// VoteSignBytes returns the bytes to sign for a vote (excluding validator
// address, index and vote extension fields).
func VoteSignBytes(chainID string, vote *cmtproto.Vote) []byte {
	pb := CanonicalizeVote(chainID, vote)
	bz, err := cmtproto.Marshal(pb)
	if err != nil {
		panic(err)
	}
	return bz
}

// VoteExtensionSignBytes returns the bytes a validator signs to
// authenticate the vote extension attached to a non-nil precommit.
func VoteExtensionSignBytes(chainID string, vote *cmtproto.Vote) []byte {
	pb := CanonicalizeVoteExtension(chainID, vote)
	bz, err := cmtproto.Marshal(pb)
	if err != nil {
		panic(err)
	}
	return bz
}

// ProposalSignBytes returns the bytes a proposer signs for a proposal.
func ProposalSignBytes(chainID string, proposal *cmtproto.Proposal) []byte {
	pb := CanonicalizeProposal(chainID, proposal)
	bz, err := cmtproto.Marshal(pb)
	if err != nil {
		panic(err)
	}
	return bz
}

// Copy returns a deep copy of the vote.
func (vote *Vote) Copy() *Vote {
	voteCopy := *vote
	return &voteCopy
}

// String returns a string representation of Vote.
func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{%v:%X %v/%02d/%v(%v) %X %X @ %s}",
		vote.ValidatorIndex,
		cmtbytes.Fingerprint(vote.ValidatorAddress),
		vote.Height,
		vote.Round,
		vote.Type,
		SignedMsgTypeToShortString(vote.Type),
		cmtbytes.Fingerprint(vote.BlockID.Hash),
		cmtbytes.Fingerprint(vote.Signature),
		vote.Timestamp.Format(TimeFormat))
}

// ValidateBasic performs basic validation.
func (vote *Vote) ValidateBasic() error {
	if !IsVoteTypeValid(vote.Type) {
		return errors.New("invalid Type")
	}
	if vote.Height < 0 {
		return errors.New("negative Height")
	}
	if vote.Round < 0 {
		return errors.New("negative Round")
	}
	if err := vote.BlockID.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong BlockID: %w", err)
	}
	if !vote.BlockID.IsZero() && !vote.BlockID.IsComplete() {
		return fmt.Errorf("blockID must be either empty or complete, got: %v", vote.BlockID)
	}
	if len(vote.ValidatorAddress) != crypto.AddressSize {
		return fmt.Errorf("expected ValidatorAddress size to be %d bytes, got %d bytes",
			crypto.AddressSize, len(vote.ValidatorAddress))
	}
	if vote.ValidatorIndex < 0 {
		return errors.New("negative ValidatorIndex")
	}
	if len(vote.Signature) == 0 {
		return errors.New("signature is missing")
	}
	if len(vote.Signature) > MaxSignatureSize {
		return fmt.Errorf("signature is too big (max: %d)", MaxSignatureSize)
	}
	if vote.Type == PrecommitType && !vote.BlockID.IsZero() {
		if len(vote.ExtensionSignature) > MaxSignatureSize {
			return fmt.Errorf("extension signature is too big (max: %d)", MaxSignatureSize)
		}
	} else if len(vote.Extension) > 0 || len(vote.ExtensionSignature) > 0 {
		return errors.New("unexpected vote extension - vote extensions are only allowed in non-nil precommits")
	}
	return nil
}

// ToProto converts the domain Vote to its wire representation.
func (vote *Vote) ToProto() *cmtproto.Vote {
	if vote == nil {
		return nil
	}
	return &cmtproto.Vote{
		Type:               vote.Type,
		Height:             vote.Height,
		Round:              vote.Round,
		BlockID:            vote.BlockID.ToProto(),
		Timestamp:          vote.Timestamp,
		ValidatorAddress:   vote.ValidatorAddress,
		ValidatorIndex:     vote.ValidatorIndex,
		Signature:          vote.Signature,
		Extension:          vote.Extension,
		ExtensionSignature: vote.ExtensionSignature,
	}
}

// VoteFromProto builds a domain Vote from its wire representation.
func VoteFromProto(pv *cmtproto.Vote) (*Vote, error) {
	if pv == nil {
		return nil, errors.New("nil vote")
	}
	blockID, err := BlockIDFromProto(&pv.BlockID)
	if err != nil {
		return nil, err
	}
	vote := &Vote{
		Type:               pv.Type,
		Height:             pv.Height,
		Round:              pv.Round,
		BlockID:            *blockID,
		Timestamp:          pv.Timestamp,
		ValidatorAddress:   pv.ValidatorAddress,
		ValidatorIndex:     pv.ValidatorIndex,
		Signature:          pv.Signature,
		Extension:          pv.Extension,
		ExtensionSignature: pv.ExtensionSignature,
	}
	return vote, vote.ValidateBasic()
}

// VoteSet is a lightweight equality helper for locating a matching vote.
func (vote *Vote) Equals(other *Vote) bool {
	if vote == nil || other == nil {
		return vote == other
	}
	return vote.Type == other.Type &&
		vote.Height == other.Height &&
		vote.Round == other.Round &&
		vote.BlockID.Equals(other.BlockID) &&
		bytes.Equal(vote.ValidatorAddress, other.ValidatorAddress) &&
		vote.ValidatorIndex == other.ValidatorIndex
}
