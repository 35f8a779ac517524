package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/bftlabs/tmcore/crypto"
	cmtbytes "github.com/bftlabs/tmcore/libs/bytes"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

// BlockIDFlag indicates the third state of a CommitSig: whether the
// validator voted for the commit's BlockID, voted nil, or did not vote at
// all (absent).
type BlockIDFlag uint32

const (
	BlockIDFlagAbsent BlockIDFlag = iota + 1
	BlockIDFlagCommit
	BlockIDFlagNil
)

// CommitSig is a part of the Commit and can be used to reconstruct the vote
// set given the validator set.
type CommitSig struct {
	BlockIDFlag      BlockIDFlag       `json:"block_id_flag"`
	ValidatorAddress cmtbytes.HexBytes `json:"validator_address"`
	Timestamp        time.Time         `json:"timestamp"`
	Signature        []byte            `json:"signature"`
}

// NewCommitSigForBlock returns a CommitSig with BlockIDFlagCommit.
func NewCommitSigForBlock(signature []byte, valAddr []byte, ts time.Time) CommitSig {
	return CommitSig{
		BlockIDFlag:      BlockIDFlagCommit,
		ValidatorAddress: valAddr,
		Timestamp:        ts,
		Signature:        signature,
	}
}

// NewCommitSigAbsent returns a CommitSig with BlockIDFlagAbsent, used for
// validators that did not participate.
func NewCommitSigAbsent() CommitSig {
	return CommitSig{BlockIDFlag: BlockIDFlagAbsent}
}

// Absent returns true if CommitSig is for a nil vote.
func (cs CommitSig) Absent() bool {
	return cs.BlockIDFlag == BlockIDFlagAbsent
}

// ForBlock returns true if CommitSig is for the block.
func (cs CommitSig) ForBlock() bool {
	return cs.BlockIDFlag == BlockIDFlagCommit
}

// ValidateBasic performs basic validation.
func (cs CommitSig) ValidateBasic() error {
	switch cs.BlockIDFlag {
	case BlockIDFlagAbsent:
	case BlockIDFlagCommit, BlockIDFlagNil:
	default:
		return fmt.Errorf("unknown BlockIDFlag: %v", cs.BlockIDFlag)
	}

	switch cs.BlockIDFlag {
	case BlockIDFlagAbsent:
		if len(cs.ValidatorAddress) != 0 {
			return errors.New("validator address is present")
		}
		if !cs.Timestamp.IsZero() {
			return errors.New("time is present")
		}
		if len(cs.Signature) != 0 {
			return errors.New("signature is present")
		}
	default:
		if len(cs.ValidatorAddress) != crypto.AddressSize {
			return fmt.Errorf("expected ValidatorAddress size to be %d bytes, got %d bytes",
				crypto.AddressSize, len(cs.ValidatorAddress))
		}
		if len(cs.Signature) == 0 {
			return errors.New("signature is missing")
		}
		if len(cs.Signature) > MaxSignatureSize {
			return fmt.Errorf("signature is too big (max: %d)", MaxSignatureSize)
		}
	}
	return nil
}

// ToProto converts CommitSig to its wire representation.
func (cs *CommitSig) ToProto() *cmtproto.CommitSig {
	if cs == nil {
		return nil
	}
	return &cmtproto.CommitSig{
		BlockIdFlag:      uint32(cs.BlockIDFlag),
		ValidatorAddress: cs.ValidatorAddress,
		Timestamp:        cs.Timestamp,
		Signature:        cs.Signature,
	}
}

// CommitSigFromProto builds a CommitSig from its wire representation.
func CommitSigFromProto(csp *cmtproto.CommitSig) (CommitSig, error) {
	cs := CommitSig{
		BlockIDFlag:      BlockIDFlag(csp.BlockIdFlag),
		ValidatorAddress: csp.ValidatorAddress,
		Timestamp:        csp.Timestamp,
		Signature:        csp.Signature,
	}
	return cs, cs.ValidateBasic()
}

// Commit contains the evidence that a block was committed by a set of
// validators.
type Commit struct {
	Height     int64       `json:"height"`
	Round      int32       `json:"round"`
	BlockID    BlockID     `json:"block_id"`
	Signatures []CommitSig `json:"signatures"`
}

// NewCommit returns a new Commit.
func NewCommit(height int64, round int32, blockID BlockID, sigs []CommitSig) *Commit {
	return &Commit{Height: height, Round: round, BlockID: blockID, Signatures: sigs}
}

// GetHeight returns the height of the commit.
func (commit *Commit) GetHeight() int64 { return commit.Height }

// GetRound returns the round of the commit.
func (commit *Commit) GetRound() int32 { return commit.Round }

// Size returns the number of signatures in the commit.
func (commit *Commit) Size() int {
	if commit == nil {
		return 0
	}
	return len(commit.Signatures)
}

// ValidateBasic performs basic validation.
func (commit *Commit) ValidateBasic() error {
	if commit.Height < 0 {
		return errors.New("negative Height")
	}
	if commit.Round < 0 {
		return errors.New("negative Round")
	}
	if commit.Height >= 1 {
		if commit.BlockID.IsZero() {
			return errors.New("commit cannot be for nil block")
		}
		if len(commit.Signatures) == 0 {
			return errors.New("no signatures in commit")
		}
		for i, commitSig := range commit.Signatures {
			if err := commitSig.ValidateBasic(); err != nil {
				return fmt.Errorf("wrong CommitSig #%d: %w", i, err)
			}
		}
	}
	return nil
}

// toVote reconstructs the vote a given commit signature represents, for
// signature verification against VoteSignBytes.
func (commit *Commit) toVote(valIdx int, cs CommitSig) *cmtproto.Vote {
	blockID := commit.BlockID
	if cs.BlockIDFlag == BlockIDFlagNil || cs.BlockIDFlag == BlockIDFlagAbsent {
		blockID = BlockID{}
	}
	return &cmtproto.Vote{
		Type:             PrecommitType,
		Height:           commit.Height,
		Round:            commit.Round,
		BlockID:          blockID.ToProto(),
		Timestamp:        cs.Timestamp,
		ValidatorAddress: cs.ValidatorAddress,
		ValidatorIndex:   int32(valIdx),
		Signature:        cs.Signature,
	}
}

// String returns a string representation of Commit.
func (commit *Commit) String() string {
	if commit == nil {
		return "nil-Commit"
	}
	return fmt.Sprintf("Commit{H:%v R:%v BlockID:%v Sigs:%d}",
		commit.Height, commit.Round, commit.BlockID, len(commit.Signatures))
}

// ToProto converts Commit to its wire representation.
func (commit *Commit) ToProto() *cmtproto.Commit {
	if commit == nil {
		return nil
	}
	sigs := make([]cmtproto.CommitSig, len(commit.Signatures))
	for i, sig := range commit.Signatures {
		sigs[i] = *sig.ToProto()
	}
	return &cmtproto.Commit{
		Height:     commit.Height,
		Round:      commit.Round,
		BlockID:    commit.BlockID.ToProto(),
		Signatures: sigs,
	}
}

// CommitFromProto builds a Commit from its wire representation.
func CommitFromProto(cp *cmtproto.Commit) (*Commit, error) {
	if cp == nil {
		return nil, errors.New("nil commit")
	}
	blockID, err := BlockIDFromProto(&cp.BlockID)
	if err != nil {
		return nil, err
	}
	sigs := make([]CommitSig, len(cp.Signatures))
	for i := range cp.Signatures {
		cs, err := CommitSigFromProto(&cp.Signatures[i])
		if err != nil {
			return nil, err
		}
		sigs[i] = cs
	}
	commit := &Commit{
		Height:     cp.Height,
		Round:      cp.Round,
		BlockID:    *blockID,
		Signatures: sigs,
	}
	return commit, commit.ValidateBasic()
}
