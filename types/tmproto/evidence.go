package tmproto

import "time"

// DuplicateVoteEvidence records two conflicting votes signed by the same
// validator for the same height and round.
type DuplicateVoteEvidence struct {
	VoteA            *Vote
	VoteB            *Vote
	TotalVotingPower int64
	ValidatorPower   int64
	Timestamp        time.Time
}

// LightClientAttackEvidence records a conflicting signed header a validator
// set produced, as surfaced by a light client detecting a fork.
type LightClientAttackEvidence struct {
	ConflictingBlock  *BlockID
	CommonHeight      int64
	ByzantineValidators [][]byte
	TotalVotingPower  int64
	Timestamp         time.Time
}

// Evidence is the sum type of evidence this project accepts; exactly one
// field is set.
type Evidence struct {
	DuplicateVoteEvidence     *DuplicateVoteEvidence
	LightClientAttackEvidence *LightClientAttackEvidence
}

// EvidenceList is a list of Evidence bundled into a block.
type EvidenceList []Evidence
