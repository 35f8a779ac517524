package types

import (
	"fmt"
	"time"

	"github.com/bftlabs/tmcore/crypto/tmhash"
	cmttime "github.com/bftlabs/tmcore/types/time"
)

// ValidateTime does a basic time validation ensuring time does not drift too
// much: +/- one year.
// NOTE: DO NOT USE in ValidateBasic methods in this package. This function
// can only be used for real time validation, like on proposals and votes
// in the consensus. If consensus is stuck, and rounds increase for more than a day,
// having only a 1-day band here could break things...
// Can't use for validating blocks because we may be syncing years worth of history.
func ValidateTime(t time.Time) error {
	var (
		now     = cmttime.Now()
		oneYear = 8766 * time.Hour
	)
	if t.Before(now.Add(-oneYear)) || t.After(now.Add(oneYear)) {
		return fmt.Errorf("time drifted too much. Expected: -1 < %v < 1 year", now)
	}
	return nil
}

// VerifyCommit verifies +2/3 of the set had signed the given commit.
//
// It checks all the signatures! While it's safe to exit as soon as we have
// 2/3+ signatures, doing so would impact incentivization logic in the ABCI
// application that depends on the LastCommitInfo sent in FinalizeBlock, which
// includes which validators signed. Some applications incentivize proposers
// with a bonus for including more than +2/3 of the signatures.
func VerifyCommit(chainID string, vals *ValidatorSet, blockID BlockID,
	height int64, commit *Commit,
) error {
	if err := verifyBasicValsAndCommit(vals, commit, height, blockID); err != nil {
		return err
	}

	talliedVotingPower := int64(0)
	for idx, commitSig := range commit.Signatures {
		if commitSig.Absent() {
			continue
		}

		_, val := vals.GetByAddress(commitSig.ValidatorAddress)
		if val == nil {
			return fmt.Errorf("commit signature %d has an unknown validator address %X", idx, commitSig.ValidatorAddress)
		}

		voteSignBytes := VoteSignBytes(chainID, commit.toVote(idx, commitSig))
		if !val.PubKey.VerifySignature(voteSignBytes, commitSig.Signature) {
			return fmt.Errorf("wrong signature (#%d): %X", idx, commitSig.Signature)
		}

		talliedVotingPower += val.VotingPower
	}

	if got, needed := talliedVotingPower, vals.TotalVotingPower()*2/3+1; got < needed {
		return fmt.Errorf("invalid commit -- insufficient voting power: got %d, needed %d", got, needed)
	}

	return nil
}

func verifyBasicValsAndCommit(vals *ValidatorSet, commit *Commit, height int64, blockID BlockID) error {
	if vals == nil {
		return fmt.Errorf("nil validator set")
	}
	if commit == nil {
		return fmt.Errorf("nil commit")
	}
	if vals.Size() != len(commit.Signatures) {
		return NewErrInvalidCommitSignatures(vals.Size(), len(commit.Signatures))
	}
	if height != commit.Height {
		return NewErrInvalidCommitHeight(height, commit.Height)
	}
	if !blockID.Equals(commit.BlockID) {
		return fmt.Errorf("invalid commit -- wrong block id: want %v, got %v", blockID, commit.BlockID)
	}
	return nil
}

// ErrInvalidCommitHeight is returned when the given commit is for the wrong
// height.
type ErrInvalidCommitHeight struct {
	Expected int64
	Actual   int64
}

func NewErrInvalidCommitHeight(expected, actual int64) ErrInvalidCommitHeight {
	return ErrInvalidCommitHeight{Expected: expected, Actual: actual}
}

func (e ErrInvalidCommitHeight) Error() string {
	return fmt.Sprintf("invalid commit -- wrong height: %d vs %d", e.Expected, e.Actual)
}

// ErrInvalidCommitSignatures is returned when the number of commit
// signatures doesn't match the validator set size.
type ErrInvalidCommitSignatures struct {
	Expected int
	Actual   int
}

func NewErrInvalidCommitSignatures(expected, actual int) ErrInvalidCommitSignatures {
	return ErrInvalidCommitSignatures{Expected: expected, Actual: actual}
}

func (e ErrInvalidCommitSignatures) Error() string {
	return fmt.Sprintf("invalid commit -- wrong set size: %d vs %d", e.Expected, e.Actual)
}

// ValidateHash returns an error if the hash is not empty, but its
// size != tmhash.Size.
func ValidateHash(h []byte) error {
	if len(h) > 0 && len(h) != tmhash.Size {
		return fmt.Errorf("expected size to be %d bytes, got %d bytes",
			tmhash.Size,
			len(h),
		)
	}
	return nil
}
