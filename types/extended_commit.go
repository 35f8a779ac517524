package types

import (
	"bytes"
	"errors"
	"fmt"

	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

// ExtendedCommitSig contains a commit signature along with the vote
// extension and its signature, as sent by a validator's precommit message.
type ExtendedCommitSig struct {
	CommitSig `json:"commit_sig"`

	// Vote extension data
	Extension []byte `json:"extension"`
	// Vote extension signature
	ExtensionSignature []byte `json:"extension_signature"`
	// NonRpExtensionSignature is the signature over the non-replay-protected
	// part of the vote extension, when the application splits its extension
	// into replay-protected and non-replay-protected halves.
	NonRpExtensionSignature []byte `json:"non_rp_extension_signature"`
}

// NewExtendedCommitSigAbsent returns an ExtendedCommitSig with BlockIDFlagAbsent.
func NewExtendedCommitSigAbsent() ExtendedCommitSig {
	return ExtendedCommitSig{CommitSig: NewCommitSigAbsent()}
}

// EnsureExtensions validates that the extension signature is present when
// extensionsEnabled requires it, and absent otherwise.
func (ecs ExtendedCommitSig) EnsureExtensions(extensionsEnabled bool) error {
	if !ecs.ForBlock() {
		if len(ecs.Extension) != 0 {
			return fmt.Errorf("non-block commit signature must not have extension data, got %X", ecs.Extension)
		}
		if len(ecs.ExtensionSignature) != 0 {
			return fmt.Errorf("non-block commit signature must not have extension signature, got %X", ecs.ExtensionSignature)
		}
		return nil
	}
	if extensionsEnabled {
		if len(ecs.ExtensionSignature) == 0 {
			return errors.New("vote extension signature is missing")
		}
		return nil
	}
	if len(ecs.Extension) != 0 {
		return fmt.Errorf("unexpected vote extension - extensions are disabled, got %X", ecs.Extension)
	}
	if len(ecs.ExtensionSignature) != 0 {
		return fmt.Errorf("unexpected vote extension signature - extensions are disabled, got %X", ecs.ExtensionSignature)
	}
	return nil
}

// ValidateBasic performs basic validation on the ExtendedCommitSig.
func (ecs ExtendedCommitSig) ValidateBasic() error {
	if err := ecs.CommitSig.ValidateBasic(); err != nil {
		return err
	}
	if len(ecs.Extension) > MaxSignatureSize {
		return fmt.Errorf("vote extension is too big (max: %d)", MaxSignatureSize)
	}
	if len(ecs.ExtensionSignature) > MaxSignatureSize {
		return fmt.Errorf("vote extension signature is too big (max: %d)", MaxSignatureSize)
	}
	return nil
}

// ExtendedCommit is similar to Commit, but with the vote extensions and
// their signatures included for every precommit. It is produced from the
// original votes gathered during consensus and stored by the node keeping
// them for use in the next height's PrepareProposal/ExtendVote round.
type ExtendedCommit struct {
	Height             int64               `json:"height"`
	Round              int32               `json:"round"`
	BlockID            BlockID             `json:"block_id"`
	ExtendedSignatures []ExtendedCommitSig `json:"extended_signatures"`
}

// ToCommit converts an ExtendedCommit to a regular Commit by dropping the
// vote-extension-related data.
func (ec *ExtendedCommit) ToCommit() *Commit {
	if ec == nil {
		return nil
	}
	sigs := make([]CommitSig, len(ec.ExtendedSignatures))
	for i, ecs := range ec.ExtendedSignatures {
		sigs[i] = ecs.CommitSig
	}
	return &Commit{
		Height:     ec.Height,
		Round:      ec.Round,
		BlockID:    ec.BlockID,
		Signatures: sigs,
	}
}

// Clone creates a deep copy of ExtendedCommit, so that the caller can freely
// mutate the vote extensions without affecting the original.
func (ec *ExtendedCommit) Clone() *ExtendedCommit {
	if ec == nil {
		return nil
	}
	sigs := make([]ExtendedCommitSig, len(ec.ExtendedSignatures))
	for i, ecs := range ec.ExtendedSignatures {
		clone := ecs
		clone.ValidatorAddress = append([]byte(nil), ecs.ValidatorAddress...)
		clone.Signature = append([]byte(nil), ecs.Signature...)
		clone.Extension = append([]byte(nil), ecs.Extension...)
		clone.ExtensionSignature = append([]byte(nil), ecs.ExtensionSignature...)
		clone.NonRpExtensionSignature = append([]byte(nil), ecs.NonRpExtensionSignature...)
		sigs[i] = clone
	}
	return &ExtendedCommit{
		Height:             ec.Height,
		Round:              ec.Round,
		BlockID:            ec.BlockID,
		ExtendedSignatures: sigs,
	}
}

// Clone creates a deep copy of Commit.
func (commit *Commit) Clone() *Commit {
	if commit == nil {
		return nil
	}
	sigs := make([]CommitSig, len(commit.Signatures))
	for i, cs := range commit.Signatures {
		clone := cs
		clone.ValidatorAddress = append([]byte(nil), cs.ValidatorAddress...)
		clone.Signature = append([]byte(nil), cs.Signature...)
		sigs[i] = clone
	}
	return &Commit{
		Height:     commit.Height,
		Round:      commit.Round,
		BlockID:    commit.BlockID,
		Signatures: sigs,
	}
}

// EnsureExtensions checks that all commit signatures carry vote extension
// signatures when extensionsEnabled, and none do otherwise.
func (ec *ExtendedCommit) EnsureExtensions(extensionsEnabled bool) error {
	for i, ecs := range ec.ExtendedSignatures {
		if err := ecs.EnsureExtensions(extensionsEnabled); err != nil {
			return fmt.Errorf("extended commit sig #%d: %w", i, err)
		}
	}
	return nil
}

// ValidateBasic performs basic validation on the ExtendedCommit.
func (ec *ExtendedCommit) ValidateBasic() error {
	if ec.Height < 0 {
		return errors.New("negative Height")
	}
	if ec.Round < 0 {
		return errors.New("negative Round")
	}
	if ec.Height >= 1 {
		if ec.BlockID.IsZero() {
			return errors.New("commit cannot be for nil block")
		}
		if len(ec.ExtendedSignatures) == 0 {
			return errors.New("no signatures in commit")
		}
		for i, ecs := range ec.ExtendedSignatures {
			if err := ecs.ValidateBasic(); err != nil {
				return fmt.Errorf("wrong ExtendedCommitSig #%d: %w", i, err)
			}
		}
	}
	return nil
}

// ToProto converts ExtendedCommit to its wire representation.
func (ec *ExtendedCommit) ToProto() *cmtproto.ExtendedCommit {
	if ec == nil {
		return nil
	}
	sigs := make([]cmtproto.ExtendedCommitSig, len(ec.ExtendedSignatures))
	for i, ecs := range ec.ExtendedSignatures {
		sigs[i] = cmtproto.ExtendedCommitSig{
			BlockIdFlag:        uint32(ecs.BlockIDFlag),
			ValidatorAddress:   ecs.ValidatorAddress,
			Timestamp:          ecs.Timestamp,
			Signature:          ecs.Signature,
			Extension:          ecs.Extension,
			ExtensionSignature: ecs.ExtensionSignature,
		}
	}
	return &cmtproto.ExtendedCommit{
		Height:             ec.Height,
		Round:              ec.Round,
		BlockID:            ec.BlockID.ToProto(),
		ExtendedSignatures: sigs,
	}
}

// ExtendedCommitFromProto builds an ExtendedCommit from its wire
// representation.
func ExtendedCommitFromProto(pb *cmtproto.ExtendedCommit) (*ExtendedCommit, error) {
	if pb == nil {
		return nil, errors.New("nil extended commit")
	}
	blockID, err := BlockIDFromProto(&pb.BlockID)
	if err != nil {
		return nil, err
	}
	sigs := make([]ExtendedCommitSig, len(pb.ExtendedSignatures))
	for i, pbSig := range pb.ExtendedSignatures {
		sigs[i] = ExtendedCommitSig{
			CommitSig: CommitSig{
				BlockIDFlag:      BlockIDFlag(pbSig.BlockIdFlag),
				ValidatorAddress: pbSig.ValidatorAddress,
				Timestamp:        pbSig.Timestamp,
				Signature:        pbSig.Signature,
			},
			Extension:          pbSig.Extension,
			ExtensionSignature: pbSig.ExtensionSignature,
		}
	}
	ec := &ExtendedCommit{
		Height:             pb.Height,
		Round:              pb.Round,
		BlockID:            *blockID,
		ExtendedSignatures: sigs,
	}
	return ec, ec.ValidateBasic()
}

// Equal reports whether two ExtendedCommits carry the same signatures for
// the same block.
func (ec *ExtendedCommit) Equal(other *ExtendedCommit) bool {
	if ec == nil || other == nil {
		return ec == other
	}
	if ec.Height != other.Height || ec.Round != other.Round || !ec.BlockID.Equals(other.BlockID) {
		return false
	}
	if len(ec.ExtendedSignatures) != len(other.ExtendedSignatures) {
		return false
	}
	for i := range ec.ExtendedSignatures {
		a, b := ec.ExtendedSignatures[i], other.ExtendedSignatures[i]
		if a.BlockIDFlag != b.BlockIDFlag ||
			!bytes.Equal(a.ValidatorAddress, b.ValidatorAddress) ||
			!a.Timestamp.Equal(b.Timestamp) ||
			!bytes.Equal(a.Signature, b.Signature) ||
			!bytes.Equal(a.Extension, b.Extension) ||
			!bytes.Equal(a.ExtensionSignature, b.ExtensionSignature) {
			return false
		}
	}
	return true
}
