package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	abci "github.com/bftlabs/tmcore/abci/types"
	"github.com/bftlabs/tmcore/crypto/merkle"
	"github.com/bftlabs/tmcore/crypto/tmhash"
	cmtbytes "github.com/bftlabs/tmcore/libs/bytes"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

// MaxEvidenceBytes is a maximum size of any evidence, including
// signatures, in the worst case.
const MaxEvidenceBytes int64 = 500

// ErrInvalidEvidence wraps any lower-level reason evidence failed to
// validate, so that callers across package boundaries can distinguish
// "this evidence is bad" from "something else went wrong" without
// depending on the evidence package's own error types.
type ErrInvalidEvidence struct {
	Reason error
}

func (e *ErrInvalidEvidence) Error() string {
	return fmt.Sprintf("invalid evidence: %v", e.Reason)
}

func (e *ErrInvalidEvidence) Unwrap() error {
	return e.Reason
}

// NewErrInvalidEvidence wraps reason as an *ErrInvalidEvidence.
func NewErrInvalidEvidence(reason error) *ErrInvalidEvidence {
	return &ErrInvalidEvidence{Reason: reason}
}

// Evidence represents any provable malicious activity by a validator.
type Evidence interface {
	ABCI() []Misbehavior // forms individual evidence to be sent to the application
	Bytes() []byte       // bytes which comprise the evidence
	Hash() []byte        // hash of the evidence
	Height() int64       // height of the equivocation
	String() string      // string format of the evidence
	Time() time.Time     // time of the equivocation
	ValidateBasic() error
}

// Misbehavior is the ABCI representation of a piece of evidence, matching
// abci.Misbehavior so the evidence package does not need to import abci
// types directly.
type Misbehavior struct {
	Type             MisbehaviorType
	Validator        Validator
	Height           int64
	Time             time.Time
	TotalVotingPower int64
}

// MisbehaviorType enumerates the kinds of misbehavior evidence can prove,
// mirroring abci.MisbehaviorType without importing the abci package.
type MisbehaviorType int32

const (
	MisbehaviorTypeUnknown MisbehaviorType = iota
	MisbehaviorTypeDuplicateVote
	MisbehaviorTypeLightClientAttack
)

// DuplicateVoteEvidence contains evidence of a validator signing two
// conflicting votes for the same height/round/type.
type DuplicateVoteEvidence struct {
	VoteA *Vote `json:"vote_a"`
	VoteB *Vote `json:"vote_b"`

	// abci specific information
	TotalVotingPower int64     `json:"total_voting_power"`
	ValidatorPower   int64     `json:"validator_power"`
	Timestamp        time.Time `json:"timestamp"`
}

var _ Evidence = &DuplicateVoteEvidence{}

// NewDuplicateVoteEvidence creates DuplicateVoteEvidence with the given
// votes, ordered lexicographically by block ID so that the ordering is
// deterministic regardless of the order in which the votes were seen.
func NewDuplicateVoteEvidence(vote1, vote2 *Vote, blockTime time.Time, valSet *ValidatorSet) *DuplicateVoteEvidence {
	var voteA, voteB *Vote
	if vote1 == nil || vote2 == nil {
		return nil
	}
	if strings := bytes.Compare(vote1.BlockID.Hash, vote2.BlockID.Hash); strings < 0 {
		voteA, voteB = vote1, vote2
	} else {
		voteA, voteB = vote2, vote1
	}

	_, val := valSet.GetByAddress(voteA.ValidatorAddress)
	if val == nil {
		return &DuplicateVoteEvidence{
			VoteA:            voteA,
			VoteB:            voteB,
			TotalVotingPower: valSet.TotalVotingPower(),
			ValidatorPower:   0,
			Timestamp:        blockTime,
		}
	}

	return &DuplicateVoteEvidence{
		VoteA:            voteA,
		VoteB:            voteB,
		TotalVotingPower: valSet.TotalVotingPower(),
		ValidatorPower:   val.VotingPower,
		Timestamp:        blockTime,
	}
}

// ABCI forms the individual evidence to be sent to the application.
func (dve *DuplicateVoteEvidence) ABCI() []Misbehavior {
	return []Misbehavior{{
		Type: MisbehaviorTypeDuplicateVote,
		Validator: Validator{
			Address:     dve.VoteA.ValidatorAddress,
			VotingPower: dve.ValidatorPower,
		},
		Height:           dve.Height(),
		Time:             dve.Timestamp,
		TotalVotingPower: dve.TotalVotingPower,
	}}
}

// Bytes returns the wire encoding of the evidence.
func (dve *DuplicateVoteEvidence) Bytes() []byte {
	bz, err := wireEncode(dve)
	if err != nil {
		panic(err)
	}
	return bz
}

// Hash returns the hash of the evidence.
func (dve *DuplicateVoteEvidence) Hash() []byte {
	pbe := dve.Bytes()
	return tmhash.Sum(pbe)
}

// Height returns the height of the infraction.
func (dve *DuplicateVoteEvidence) Height() int64 {
	return dve.VoteA.Height
}

// String returns a string representation of the evidence.
func (dve *DuplicateVoteEvidence) String() string {
	return fmt.Sprintf("DuplicateVoteEvidence{VoteA: %v, VoteB: %v}", dve.VoteA, dve.VoteB)
}

// Time returns the time of the infraction.
func (dve *DuplicateVoteEvidence) Time() time.Time {
	return dve.Timestamp
}

// ValidateBasic performs basic validation.
func (dve *DuplicateVoteEvidence) ValidateBasic() error {
	if dve == nil {
		return errors.New("empty duplicate vote evidence")
	}
	if dve.VoteA == nil || dve.VoteB == nil {
		return fmt.Errorf("one or both of the votes are empty %v, %v", dve.VoteA, dve.VoteB)
	}
	if err := dve.VoteA.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid VoteA: %w", err)
	}
	if err := dve.VoteB.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid VoteB: %w", err)
	}

	// H/R/S must be the same
	if dve.VoteA.Height != dve.VoteB.Height ||
		dve.VoteA.Round != dve.VoteB.Round ||
		dve.VoteA.Type != dve.VoteB.Type {
		return fmt.Errorf("h/r/s does not match: %d/%d/%v vs %d/%d/%v",
			dve.VoteA.Height, dve.VoteA.Round, dve.VoteA.Type,
			dve.VoteB.Height, dve.VoteB.Round, dve.VoteB.Type)
	}

	// Address must be the same
	if !bytes.Equal(dve.VoteA.ValidatorAddress, dve.VoteB.ValidatorAddress) {
		return fmt.Errorf("validator addresses do not match: %X vs %X",
			dve.VoteA.ValidatorAddress,
			dve.VoteB.ValidatorAddress,
		)
	}

	// BlockIDs must be different
	if dve.VoteA.BlockID.Equals(dve.VoteB.BlockID) {
		return fmt.Errorf("block IDs are the same (%v) - not a real duplicate vote", dve.VoteA.BlockID)
	}

	if dve.ValidatorPower < 0 {
		return errors.New("negative ValidatorPower")
	}
	if dve.TotalVotingPower < 0 {
		return errors.New("negative TotalVotingPower")
	}

	return nil
}

// Equal checks if two pieces of evidence are equal.
func (dve *DuplicateVoteEvidence) Equal(ev Evidence) bool {
	other, ok := ev.(*DuplicateVoteEvidence)
	if !ok {
		return false
	}
	return bytes.Equal(dve.Hash(), other.Hash())
}

// ToProto converts DuplicateVoteEvidence to its wire representation.
func (dve *DuplicateVoteEvidence) ToProto() *cmtproto.DuplicateVoteEvidence {
	if dve == nil {
		return nil
	}
	return &cmtproto.DuplicateVoteEvidence{
		VoteA:            dve.VoteA.ToProto(),
		VoteB:            dve.VoteB.ToProto(),
		TotalVotingPower: dve.TotalVotingPower,
		ValidatorPower:   dve.ValidatorPower,
		Timestamp:        dve.Timestamp,
	}
}

// DuplicateVoteEvidenceFromProto builds a DuplicateVoteEvidence from its
// wire representation.
func DuplicateVoteEvidenceFromProto(pb *cmtproto.DuplicateVoteEvidence) (*DuplicateVoteEvidence, error) {
	if pb == nil {
		return nil, errors.New("nil duplicate vote evidence")
	}
	voteA, err := VoteFromProto(pb.VoteA)
	if err != nil {
		return nil, fmt.Errorf("invalid VoteA: %w", err)
	}
	voteB, err := VoteFromProto(pb.VoteB)
	if err != nil {
		return nil, fmt.Errorf("invalid VoteB: %w", err)
	}
	dve := &DuplicateVoteEvidence{
		VoteA:            voteA,
		VoteB:            voteB,
		TotalVotingPower: pb.TotalVotingPower,
		ValidatorPower:   pb.ValidatorPower,
		Timestamp:        pb.Timestamp,
	}
	return dve, dve.ValidateBasic()
}

// EvidenceToProto converts an Evidence value to its wire representation.
// Only DuplicateVoteEvidence is supported; light client attack evidence is
// reserved in the wire schema but has no domain type in this module.
func EvidenceToProto(evidence Evidence) (*cmtproto.Evidence, error) {
	switch ev := evidence.(type) {
	case *DuplicateVoteEvidence:
		return &cmtproto.Evidence{DuplicateVoteEvidence: ev.ToProto()}, nil
	default:
		return nil, fmt.Errorf("evidence type %T is not recognized", ev)
	}
}

// EvidenceFromProto builds an Evidence value from its wire representation.
func EvidenceFromProto(pb *cmtproto.Evidence) (Evidence, error) {
	if pb == nil {
		return nil, errors.New("nil evidence")
	}
	if pb.DuplicateVoteEvidence != nil {
		return DuplicateVoteEvidenceFromProto(pb.DuplicateVoteEvidence)
	}
	return nil, errors.New("no evidence set in envelope")
}

// EvidenceListToProto converts an EvidenceList to its wire representation.
func EvidenceListToProto(evl EvidenceList) (cmtproto.EvidenceList, error) {
	pbl := make(cmtproto.EvidenceList, len(evl))
	for i, ev := range evl {
		pb, err := EvidenceToProto(ev)
		if err != nil {
			return nil, fmt.Errorf("evidence #%d: %w", i, err)
		}
		pbl[i] = *pb
	}
	return pbl, nil
}

// EvidenceListFromProto builds an EvidenceList from its wire representation.
func EvidenceListFromProto(pbl cmtproto.EvidenceList) (EvidenceList, error) {
	evl := make(EvidenceList, len(pbl))
	for i := range pbl {
		ev, err := EvidenceFromProto(&pbl[i])
		if err != nil {
			return nil, fmt.Errorf("evidence #%d: %w", i, err)
		}
		evl[i] = ev
	}
	return evl, nil
}

// EvidenceList is a list of Evidence, primarily for Genesis/Block data
// hashing.
type EvidenceList []Evidence

// Hash returns the merkle root hash built from the individual evidence
// hashes.
func (evl EvidenceList) Hash() []byte {
	evBzs := make([][]byte, len(evl))
	for i, ev := range evl {
		evBzs[i] = ev.Bytes()
	}
	return merkle.HashFromByteSlices(evBzs)
}

// ToABCI converts the evidence list to the ABCI misbehavior report attached
// to PrepareProposal/ProcessProposal/FinalizeBlock requests.
func (evl EvidenceList) ToABCI() []abci.Misbehavior {
	misbehavior := make([]abci.Misbehavior, 0, len(evl))
	for _, ev := range evl {
		for _, m := range ev.ABCI() {
			misbehavior = append(misbehavior, abci.Misbehavior{
				Type:             abci.MisbehaviorType(m.Type),
				Validator:        TM2PB.Validator(&m.Validator),
				Height:           m.Height,
				Time:             m.Time,
				TotalVotingPower: m.TotalVotingPower,
			})
		}
	}
	return misbehavior
}

// Has checks whether the evidence list carries ev.
func (evl EvidenceList) Has(evidence Evidence) bool {
	for _, ev := range evl {
		if ev.Equal(evidence) {
			return true
		}
	}
	return false
}

// String returns a string representation of the evidence list.
func (evl EvidenceList) String() string {
	s := ""
	for _, e := range evl {
		s += fmt.Sprintf("%s\t\t", e)
	}
	return s
}

// NewMockDuplicateVoteEvidence constructs an invalid duplicate vote using a
// randomly generated private validator, useful for testing.
func NewMockDuplicateVoteEvidence(height int64, time time.Time, chainID string) (*DuplicateVoteEvidence, error) {
	val := NewMockPV()
	return NewMockDuplicateVoteEvidenceWithValidator(height, time, val, chainID)
}

// NewMockDuplicateVoteEvidenceWithValidator constructs a duplicate vote
// evidence signed with the given private validator, useful for testing.
func NewMockDuplicateVoteEvidenceWithValidator(
	height int64, time time.Time, pv PrivValidator, chainID string,
) (*DuplicateVoteEvidence, error) {
	pubKey, err := pv.GetPubKey()
	if err != nil {
		return nil, err
	}
	val := NewValidator(pubKey, 10)
	valSet := NewValidatorSet([]*Validator{val})

	voteA, err := makeMockVote(height, 0, 0, pubKey.Address(), randBlockID(), time)
	if err != nil {
		return nil, err
	}
	pbA := voteA.ToProto()
	if err := pv.SignVote(chainID, pbA); err != nil {
		return nil, err
	}
	voteA.Signature = pbA.Signature

	voteB, err := makeMockVote(height, 0, 0, pubKey.Address(), randBlockID(), time)
	if err != nil {
		return nil, err
	}
	pbB := voteB.ToProto()
	if err := pv.SignVote(chainID, pbB); err != nil {
		return nil, err
	}
	voteB.Signature = pbB.Signature

	return NewDuplicateVoteEvidence(voteA, voteB, time, valSet), nil
}

func makeMockVote(height int64, round, index int32, addr cmtbytes.HexBytes, blockID BlockID, t time.Time) (*Vote, error) {
	return &Vote{
		Type:             PrecommitType,
		Height:           height,
		Round:            round,
		BlockID:          blockID,
		Timestamp:        t,
		ValidatorAddress: addr,
		ValidatorIndex:   index,
	}, nil
}

func randBlockID() BlockID {
	return BlockID{
		Hash: tmhash.Sum([]byte(fmt.Sprintf("blockID_%d", time.Now().UnixNano()))),
		PartSetHeader: PartSetHeader{
			Total: 1,
			Hash:  tmhash.Sum([]byte("part_set")),
		},
	}
}
