package types

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrVoteConflictingVotes = errors.New("conflicting votes from validator")
	ErrVoteInvalidVoteType  = errors.New("invalid vote type")
	ErrVoteNonDeterministic = errors.New("non-deterministic vote extension")
	ErrVoteRoundMismatch    = errors.New("round mismatch")
)

// ErrVoteConflicting reports two votes signed by the same validator that
// disagree, the input to duplicate-vote evidence.
type ErrVoteConflicting struct {
	VoteA *Vote
	VoteB *Vote
}

func NewErrVoteConflicting(a, b *Vote) *ErrVoteConflicting {
	return &ErrVoteConflicting{VoteA: a, VoteB: b}
}

func (err *ErrVoteConflicting) Error() string {
	return "conflicting votes from validator"
}

// blockVotes tallies votes for a single (possibly nil) BlockID, one per
// validator index.
type blockVotes struct {
	peerMaj23 bool
	bitArray  *bitArray
	votes     []*Vote
	sum       int64
}

func newBlockVotes(peerMaj23 bool, numValidators int) *blockVotes {
	return &blockVotes{
		peerMaj23: peerMaj23,
		bitArray:  newBitArray(numValidators),
		votes:     make([]*Vote, numValidators),
		sum:       0,
	}
}

func (vs *blockVotes) addVerifiedVote(vote *Vote, votingPower int64) {
	valIndex := vote.ValidatorIndex
	if existing := vs.votes[valIndex]; existing == nil {
		vs.bitArray.setIndex(int(valIndex), true)
		vs.votes[valIndex] = vote
		vs.sum += votingPower
	}
}

func (vs *blockVotes) getByIndex(index int32) *Vote {
	if vs == nil {
		return nil
	}
	return vs.votes[index]
}

// bitArray is a minimal fixed-size bit array, used only to track which
// validator indices have voted for a given block.
type bitArray struct {
	bits []bool
}

func newBitArray(n int) *bitArray {
	return &bitArray{bits: make([]bool, n)}
}

func (b *bitArray) setIndex(i int, v bool) {
	if i < 0 || i >= len(b.bits) {
		return
	}
	b.bits[i] = v
}

// VoteSet accumulates the votes cast by a validator set at a given
// height/round/type, tracking +2/3 majorities for the block, for nil, and
// for any block a peer claims a +2/3 majority on (maj23).
//
// A VoteSet is safe for concurrent use, since it is shared between the
// consensus state machine goroutine and the reactor's peer goroutines.
type VoteSet struct {
	chainID       string
	height        int64
	round         int32
	signedMsgType SignedMsgType
	valSet        *ValidatorSet

	mtx           sync.Mutex
	votesBitArray *bitArray
	votes         []*Vote          // Primary votes, one per validator, indexed by ValidatorIndex.
	sum           int64            // Sum of voting power for seen votes.
	maj23         *BlockID         // First 2/3 majority seen.
	votesByBlock  map[string]*blockVotes
	peerMaj23s    map[string]BlockID // peerID -> blockID claimed with +2/3
}

// NewVoteSet constructs a new VoteSet for the given chain, height, round and
// vote type, tallying votes from the given validator set.
func NewVoteSet(chainID string, height int64, round int32, signedMsgType SignedMsgType, valSet *ValidatorSet) *VoteSet {
	if height == 0 {
		panic("cannot make VoteSet for height 0, doesn't make sense")
	}
	return &VoteSet{
		chainID:       chainID,
		height:        height,
		round:         round,
		signedMsgType: signedMsgType,
		valSet:        valSet,
		votesBitArray: newBitArray(valSet.Size()),
		votes:         make([]*Vote, valSet.Size()),
		sum:           0,
		maj23:         nil,
		votesByBlock:  make(map[string]*blockVotes, valSet.Size()),
		peerMaj23s:    make(map[string]BlockID),
	}
}

func (voteSet *VoteSet) ChainID() string { return voteSet.chainID }

func (voteSet *VoteSet) GetHeight() int64 {
	if voteSet == nil {
		return 0
	}
	return voteSet.height
}

func (voteSet *VoteSet) GetRound() int32 {
	if voteSet == nil {
		return -1
	}
	return voteSet.round
}

func (voteSet *VoteSet) Type() byte {
	if voteSet == nil {
		return 0x00
	}
	return byte(voteSet.signedMsgType)
}

func (voteSet *VoteSet) Size() int {
	if voteSet == nil {
		return 0
	}
	return voteSet.valSet.Size()
}

// AddVote adds a vote to the VoteSet after checking that it is well-formed
// and correctly signed by a validator in the set. It returns added=true if
// the vote was newly recorded, and a non-nil error if the vote was
// malformed, from an unknown validator, or conflicts with a vote the same
// validator already cast (equivocation).
func (voteSet *VoteSet) AddVote(vote *Vote) (added bool, err error) {
	if voteSet == nil {
		return false, errors.New("nil vote set")
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return voteSet.addVote(vote)
}

func (voteSet *VoteSet) addVote(vote *Vote) (bool, error) {
	if vote == nil {
		return false, ErrVoteNil
	}
	if vote.Height != voteSet.height || vote.Round != voteSet.round || vote.Type != voteSet.signedMsgType {
		return false, fmt.Errorf("expected %d/%d/%d, got %d/%d/%d",
			voteSet.height, voteSet.round, voteSet.signedMsgType,
			vote.Height, vote.Round, vote.Type)
	}

	valIndex := vote.ValidatorIndex
	valAddr, val := voteSet.valSet.GetByIndex(valIndex)
	if val == nil {
		return false, fmt.Errorf("cannot find validator %d in valSet of size %d", valIndex, voteSet.valSet.Size())
	}
	if len(valAddr) == 0 || string(valAddr) != string(vote.ValidatorAddress) {
		return false, ErrVoteInvalidValidatorAddress
	}

	if existing := voteSet.votes[valIndex]; existing != nil {
		if existing.BlockID.Equals(vote.BlockID) {
			return false, nil // duplicate, not an error
		}
		return false, NewErrVoteConflicting(existing, vote)
	}

	signBytes := VoteSignBytes(voteSet.chainID, vote.ToProto())
	if !val.PubKey.VerifySignature(signBytes, vote.Signature) {
		return false, ErrVoteInvalidSignature
	}

	return voteSet.addVerifiedVote(vote, val.VotingPower), nil
}

func (voteSet *VoteSet) addVerifiedVote(vote *Vote, votingPower int64) bool {
	voteSet.votes[vote.ValidatorIndex] = vote
	voteSet.votesBitArray.setIndex(int(vote.ValidatorIndex), true)
	voteSet.sum += votingPower

	blockKey := vote.BlockID.Key()
	bv, ok := voteSet.votesByBlock[blockKey]
	if !ok {
		bv = newBlockVotes(false, voteSet.valSet.Size())
		voteSet.votesByBlock[blockKey] = bv
	}
	bv.addVerifiedVote(vote, votingPower)

	if voteSet.maj23 == nil && bv.sum > voteSet.twoThirdsThreshold() {
		blockID := vote.BlockID
		voteSet.maj23 = &blockID
	}
	return true
}

func (voteSet *VoteSet) twoThirdsThreshold() int64 {
	total := voteSet.valSet.TotalVotingPower()
	return total*2/3 + 1 - 1 // > 2/3, i.e. sum must exceed this
}

// SetPeerMaj23 records that a peer has claimed a +2/3 majority for the
// given BlockID, so that the reactor can prioritize downloading votes for
// it. This corresponds to set_peer_maj23 in the consensus algorithm.
func (voteSet *VoteSet) SetPeerMaj23(peerID string, blockID BlockID) error {
	if voteSet == nil {
		return errors.New("nil vote set")
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()

	if existing, ok := voteSet.peerMaj23s[peerID]; ok && !existing.Equals(blockID) {
		return fmt.Errorf("peer %s already claimed a different maj23 block", peerID)
	}
	voteSet.peerMaj23s[peerID] = blockID

	blockKey := blockID.Key()
	if bv, ok := voteSet.votesByBlock[blockKey]; ok {
		bv.peerMaj23 = true
	} else {
		voteSet.votesByBlock[blockKey] = newBlockVotes(true, voteSet.valSet.Size())
	}
	return nil
}

// TwoThirdsMajority returns the first BlockID for which +2/3 of the
// validator set's voting power has voted, and true, or the zero value and
// false if no such majority has been reached. This corresponds to
// two_thirds_majority in the consensus algorithm.
func (voteSet *VoteSet) TwoThirdsMajority() (blockID BlockID, ok bool) {
	if voteSet == nil {
		return BlockID{}, false
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	if voteSet.maj23 != nil {
		return *voteSet.maj23, true
	}
	return BlockID{}, false
}

// HasTwoThirdsMajority reports whether some BlockID (possibly nil) has
// received more than 2/3 of the voting power.
func (voteSet *VoteSet) HasTwoThirdsMajority() bool {
	_, ok := voteSet.TwoThirdsMajority()
	return ok
}

// HasTwoThirdsAny reports whether at least 2/3 of the voting power has
// voted, regardless of whether all votes agree on a single BlockID. This
// corresponds to has_two_thirds_any in the consensus algorithm, and is used
// to decide when it is safe to move on from a round even without a
// majority (e.g. everyone prevoted, but for different blocks).
func (voteSet *VoteSet) HasTwoThirdsAny() bool {
	if voteSet == nil {
		return false
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return voteSet.sum > voteSet.twoThirdsThreshold()
}

// HasAll reports whether every validator in the set has voted.
func (voteSet *VoteSet) HasAll() bool {
	if voteSet == nil {
		return false
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return int(voteSet.sum) == int(voteSet.valSet.TotalVotingPower())
}

// GetByIndex returns the vote cast by the validator at the given index, or
// nil if that validator hasn't voted.
func (voteSet *VoteSet) GetByIndex(valIndex int32) *Vote {
	if voteSet == nil {
		return nil
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	if valIndex < 0 || int(valIndex) >= len(voteSet.votes) {
		return nil
	}
	return voteSet.votes[valIndex]
}

// BitArray returns a copy of which validator indices have voted.
func (voteSet *VoteSet) BitArray() []bool {
	if voteSet == nil {
		return nil
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	out := make([]bool, len(voteSet.votesBitArray.bits))
	copy(out, voteSet.votesBitArray.bits)
	return out
}

// MakeCommit builds a Commit from the votes for the BlockID with a +2/3
// majority. It panics if no such majority exists or the vote type isn't
// precommit, matching make_commit in the consensus algorithm.
func (voteSet *VoteSet) MakeCommit() *Commit {
	if voteSet.signedMsgType != PrecommitType {
		panic("cannot MakeCommit from a vote set that is not of precommit type")
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()

	if voteSet.maj23 == nil {
		panic("cannot MakeCommit before a two-thirds majority is reached")
	}

	bv := voteSet.votesByBlock[voteSet.maj23.Key()]
	sigs := make([]CommitSig, len(voteSet.votes))
	for i := range voteSet.votes {
		sigs[i] = NewCommitSigAbsent()
		vote := bv.getByIndex(int32(i))
		if vote == nil {
			continue
		}
		if vote.BlockID.Equals(*voteSet.maj23) {
			sigs[i] = NewCommitSigForBlock(vote.Signature, vote.ValidatorAddress, vote.Timestamp)
		}
	}
	return NewCommit(voteSet.height, voteSet.round, *voteSet.maj23, sigs)
}

// MakeExtendedCommit builds an ExtendedCommit from the votes for the
// majority BlockID, including vote extensions for validators that have
// them (heights at or after params.VoteExtensionsEnableHeight).
func (voteSet *VoteSet) MakeExtendedCommit(params ABCIParams) *ExtendedCommit {
	if voteSet.signedMsgType != PrecommitType {
		panic("cannot MakeExtendedCommit from a vote set that is not of precommit type")
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()

	if voteSet.maj23 == nil {
		panic("cannot MakeExtendedCommit before a two-thirds majority is reached")
	}

	extEnabled := params.VoteExtensionsEnableHeight > 0 && voteSet.height >= params.VoteExtensionsEnableHeight
	bv := voteSet.votesByBlock[voteSet.maj23.Key()]
	sigs := make([]ExtendedCommitSig, len(voteSet.votes))
	for i := range voteSet.votes {
		sigs[i] = NewExtendedCommitSigAbsent()
		vote := bv.getByIndex(int32(i))
		if vote == nil {
			continue
		}
		if vote.BlockID.Equals(*voteSet.maj23) {
			sig := ExtendedCommitSig{
				CommitSig: NewCommitSigForBlock(vote.Signature, vote.ValidatorAddress, vote.Timestamp),
			}
			if extEnabled {
				sig.Extension = vote.Extension
				sig.ExtensionSignature = vote.ExtensionSignature
			}
			sigs[i] = sig
		}
	}
	return &ExtendedCommit{
		Height:             voteSet.height,
		Round:              voteSet.round,
		BlockID:            *voteSet.maj23,
		ExtendedSignatures: sigs,
	}
}

// ToVoteSet reconstructs a precommit VoteSet from a Commit, re-signing
// nothing: each CommitSig's signature is trusted as-is and installed
// directly into the set. Used to seed a new height's LastCommit votes from
// the previous height's stored commit.
func (commit *Commit) ToVoteSet(chainID string, valSet *ValidatorSet) *VoteSet {
	voteSet := NewVoteSet(chainID, commit.Height, commit.Round, PrecommitType, valSet)
	for idx, cs := range commit.Signatures {
		if cs.Absent() {
			continue
		}
		addr, val := valSet.GetByIndex(int32(idx))
		if val == nil || len(addr) == 0 {
			continue
		}
		vote := &Vote{
			Type:             PrecommitType,
			Height:           commit.Height,
			Round:            commit.Round,
			BlockID:          commit.BlockID,
			Timestamp:        cs.Timestamp,
			ValidatorAddress: cs.ValidatorAddress,
			ValidatorIndex:   int32(idx),
			Signature:        cs.Signature,
		}
		if cs.BlockIDFlag == BlockIDFlagNil {
			vote.BlockID = BlockID{}
		}
		voteSet.addVerifiedVote(vote, val.VotingPower)
	}
	return voteSet
}

// ToExtendedVoteSet reconstructs a precommit VoteSet, including vote
// extensions, from an ExtendedCommit.
func (ec *ExtendedCommit) ToExtendedVoteSet(chainID string, valSet *ValidatorSet) *VoteSet {
	voteSet := NewVoteSet(chainID, ec.Height, ec.Round, PrecommitType, valSet)
	for idx, ecs := range ec.ExtendedSignatures {
		if ecs.Absent() {
			continue
		}
		addr, val := valSet.GetByIndex(int32(idx))
		if val == nil || len(addr) == 0 {
			continue
		}
		vote := &Vote{
			Type:               PrecommitType,
			Height:             ec.Height,
			Round:              ec.Round,
			BlockID:            ec.BlockID,
			Timestamp:          ecs.Timestamp,
			ValidatorAddress:   ecs.ValidatorAddress,
			ValidatorIndex:     int32(idx),
			Signature:          ecs.Signature,
			Extension:          ecs.Extension,
			ExtensionSignature: ecs.ExtensionSignature,
		}
		if ecs.BlockIDFlag == BlockIDFlagNil {
			vote.BlockID = BlockID{}
		}
		voteSet.addVerifiedVote(vote, val.VotingPower)
	}
	return voteSet
}

// String returns a summary of the vote set's tallying state.
func (voteSet *VoteSet) String() string {
	if voteSet == nil {
		return "nil-VoteSet"
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return fmt.Sprintf("VoteSet{H:%v R:%v T:%v +2/3:%v sum:%v/%v}",
		voteSet.height, voteSet.round, voteSet.signedMsgType,
		voteSet.maj23 != nil, voteSet.sum, voteSet.valSet.TotalVotingPower())
}
