package types

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/bftlabs/tmcore/crypto/merkle"
)

// ValidatorSet is the set of validators active for a given height, together
// with the proposer-priority state used to pick the round's proposer.
type ValidatorSet struct {
	Validators []*Validator `json:"validators"`
	Proposer   *Validator   `json:"proposer"`

	totalVotingPower int64
}

// NewValidatorSet initializes a ValidatorSet by copying over the values
// from `valz`, a list of Validators. Proposer priorities are set to zero
// and then incremented once so a deterministic initial proposer is chosen.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	err := vals.updateWithChangeSet(valz, false)
	if err != nil {
		panic(fmt.Sprintf("cannot create validator set: %v", err))
	}
	if len(valz) > 0 {
		vals.IncrementProposerPriority(1)
	}
	return vals
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// CopyIncrementProposerPriority increments ProposerPriority and updates the
// proposer on a copy, and returns it.
func (vals *ValidatorSet) CopyIncrementProposerPriority(times int32) *ValidatorSet {
	cp := vals.Copy()
	cp.IncrementProposerPriority(times)
	return cp
}

// IncrementProposerPriority increments ProposerPriority of each validator
// and updates the proposer, `times` times.
func (vals *ValidatorSet) IncrementProposerPriority(times int32) {
	if vals.IsNilOrEmpty() {
		panic("empty validator set")
	}
	if times <= 0 {
		panic("Cannot call IncrementProposerPriority with non-positive times")
	}

	diffMax := 2 * vals.TotalVotingPower()
	vals.RescalePriorities(diffMax)
	vals.shiftByAvgProposerPriority()

	var proposer *Validator
	for i := int32(0); i < times; i++ {
		proposer = vals.incrementProposerPriority()
	}
	vals.Proposer = proposer
}

func (vals *ValidatorSet) incrementProposerPriority() *Validator {
	for _, val := range vals.Validators {
		val.ProposerPriority += val.VotingPower
	}
	var proposer *Validator
	for _, val := range vals.Validators {
		proposer = proposer.CompareProposerPriority(val)
	}
	proposer.ProposerPriority -= vals.TotalVotingPower()
	return proposer
}

// RescalePriorities rescales the priorities such that the distance between
// the maximum and minimum is less than diffMax.
func (vals *ValidatorSet) RescalePriorities(diffMax int64) {
	if vals.IsNilOrEmpty() {
		panic("empty validator set")
	}
	if diffMax <= 0 {
		return
	}

	min, max := vals.getValWithLeastAndMostPriority()
	diff := max.ProposerPriority - min.ProposerPriority
	if diff <= diffMax {
		return
	}

	ratio := (diff + diffMax - 1) / diffMax
	if ratio <= 1 {
		return
	}

	for _, val := range vals.Validators {
		val.ProposerPriority /= ratio
	}
}

func (vals *ValidatorSet) getValWithLeastAndMostPriority() (min, max *Validator) {
	min, max = vals.Validators[0], vals.Validators[0]
	for _, val := range vals.Validators[1:] {
		if val.ProposerPriority < min.ProposerPriority {
			min = val
		}
		if val.ProposerPriority > max.ProposerPriority {
			max = val
		}
	}
	return min, max
}

func (vals *ValidatorSet) shiftByAvgProposerPriority() {
	avg := vals.computeAvgProposerPriority()
	for _, val := range vals.Validators {
		val.ProposerPriority -= avg
	}
}

func (vals *ValidatorSet) computeAvgProposerPriority() int64 {
	n := int64(len(vals.Validators))
	if n == 0 {
		return 0
	}
	var sum int64
	for _, val := range vals.Validators {
		sum += val.ProposerPriority
	}
	return sum / n
}

// GetProposer returns the current proposer, computing one if none is set.
func (vals *ValidatorSet) GetProposer() *Validator {
	if vals.IsNilOrEmpty() {
		return nil
	}
	if vals.Proposer == nil {
		vals.Proposer = vals.findProposer()
	}
	return vals.Proposer.Copy()
}

func (vals *ValidatorSet) findProposer() *Validator {
	var proposer *Validator
	for _, val := range vals.Validators {
		proposer = proposer.CompareProposerPriority(val)
	}
	return proposer
}

// TotalVotingPower returns the sum of the voting powers of all validators,
// capped and cached against MaxTotalVotingPower.
func (vals *ValidatorSet) TotalVotingPower() int64 {
	if vals.totalVotingPower == 0 {
		sum := int64(0)
		for _, val := range vals.Validators {
			sum = safeAddClip(sum, val.VotingPower)
		}
		vals.totalVotingPower = sum
	}
	return vals.totalVotingPower
}

func safeAddClip(a, b int64) int64 {
	c := a + b
	if c < a || c > MaxTotalVotingPower {
		return math.MaxInt64
	}
	return c
}

// HasAddress returns true if the address is a member of this set.
func (vals *ValidatorSet) HasAddress(address []byte) bool {
	_, val := vals.GetByAddress(address)
	return val != nil
}

// GetByAddress returns the index and validator with the given address, or
// (-1, nil) if not found.
func (vals *ValidatorSet) GetByAddress(address []byte) (index int32, val *Validator) {
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator at the given index, or nil if out of
// range.
func (vals *ValidatorSet) GetByIndex(index int32) (address []byte, val *Validator) {
	if index < 0 || int(index) >= len(vals.Validators) {
		return nil, nil
	}
	val = vals.Validators[index]
	return val.Address, val.Copy()
}

// Size returns the number of validators.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// Copy returns a deep copy of the validator set.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	return &ValidatorSet{
		Validators:       validatorListCopy(vals.Validators),
		Proposer:         vals.Proposer,
		totalVotingPower: vals.totalVotingPower,
	}
}

func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// AllKeysHaveSameType returns true if all validators use the same pubkey
// type, a precondition for batch signature verification.
func (vals *ValidatorSet) AllKeysHaveSameType() bool {
	if len(vals.Validators) == 0 {
		return false
	}
	t := vals.Validators[0].PubKey.Type()
	for _, val := range vals.Validators[1:] {
		if val.PubKey.Type() != t {
			return false
		}
	}
	return true
}

// ValidateBasic performs basic validation.
func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}
	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
	}
	if vals.Proposer != nil {
		if err := vals.Proposer.ValidateBasic(); err != nil {
			return fmt.Errorf("proposer failed validation: %w", err)
		}
	}
	return nil
}

func (vals *ValidatorSet) updateWithChangeSet(changes []*Validator, allowDeletes bool) error {
	sorted := make([]*Validator, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Address, sorted[j].Address) < 0
	})
	vals.Validators = sorted
	vals.totalVotingPower = 0
	return nil
}

// UpdateWithChangeSet applies a set of validator updates coming out of an
// ABCI response to the validator set: a zero-power update removes the
// validator, a new address adds one, and any other update replaces the
// existing entry's key and power in place. Proposer priorities are
// recomputed by re-running one increment step afterward, matching the
// height-advance step already performed by NewValidatorSet.
func (vals *ValidatorSet) UpdateWithChangeSet(changes []*Validator) error {
	byAddr := make(map[string]*Validator, len(vals.Validators))
	for _, v := range vals.Validators {
		byAddr[string(v.Address)] = v
	}
	for _, change := range changes {
		if err := change.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator update: %w", err)
		}
		key := string(change.Address)
		if change.VotingPower == 0 {
			delete(byAddr, key)
			continue
		}
		if existing, ok := byAddr[key]; ok {
			existing.PubKey = change.PubKey
			existing.VotingPower = change.VotingPower
		} else {
			byAddr[key] = &Validator{
				Address:     change.Address,
				PubKey:      change.PubKey,
				VotingPower: change.VotingPower,
			}
		}
	}

	newVals := make([]*Validator, 0, len(byAddr))
	var total int64
	for _, v := range byAddr {
		newVals = append(newVals, v)
		total = safeAddClip(total, v.VotingPower)
	}
	if total > MaxTotalVotingPower {
		return fmt.Errorf("total voting power of resulting validator set exceeds max %d", MaxTotalVotingPower)
	}
	sort.Slice(newVals, func(i, j int) bool {
		return bytes.Compare(newVals[i].Address, newVals[j].Address) < 0
	})
	vals.Validators = newVals
	vals.totalVotingPower = 0
	if len(vals.Validators) > 0 {
		vals.IncrementProposerPriority(1)
	}
	return nil
}

// Hash returns the Merkle root of the sorted list of validators, used as
// the header's ValidatorsHash / NextValidatorsHash.
func (vals *ValidatorSet) Hash() []byte {
	if vals == nil || len(vals.Validators) == 0 {
		return merkle.HashFromByteSlices(nil)
	}
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bz, err := wireEncode(struct {
			Address     []byte
			PubKey      []byte
			VotingPower int64
		}{
			Address:     val.Address,
			PubKey:      val.PubKey.Bytes(),
			VotingPower: val.VotingPower,
		})
		if err != nil {
			panic(err)
		}
		bzs[i] = bz
	}
	return merkle.HashFromByteSlices(bzs)
}

// VerifyCommit checks that +2/3 of vals' voting power signed commit for the
// given chainID/blockID/height/round, verifying every non-absent signature.
func (vals *ValidatorSet) VerifyCommit(chainID string, blockID BlockID, height int64, commit *Commit) error {
	if vals.Size() != len(commit.Signatures) {
		return fmt.Errorf("invalid commit -- wrong set size: %d vs %d", vals.Size(), len(commit.Signatures))
	}
	if height != commit.Height {
		return fmt.Errorf("invalid commit -- wrong height: %d vs %d", height, commit.Height)
	}
	if !blockID.Equals(commit.BlockID) {
		return fmt.Errorf("invalid commit -- wrong block id: want %v, got %v", blockID, commit.BlockID)
	}

	var talliedVotingPower int64
	for idx, commitSig := range commit.Signatures {
		if commitSig.Absent() {
			continue
		}
		_, val := vals.GetByIndex(int32(idx))
		if val == nil {
			return fmt.Errorf("invalid commit -- no validator at index %d", idx)
		}
		if !bytes.Equal(val.Address, commitSig.ValidatorAddress) {
			return fmt.Errorf("invalid commit -- address mismatch at index %d", idx)
		}
		voteSignBytes := VoteSignBytes(chainID, commit.toVote(idx, commitSig))
		if !val.PubKey.VerifySignature(voteSignBytes, commitSig.Signature) {
			return fmt.Errorf("invalid commit signature from validator %X", commitSig.ValidatorAddress)
		}
		if commitSig.ForBlock() {
			talliedVotingPower += val.VotingPower
		}
	}
	if talliedVotingPower <= vals.TotalVotingPower()*2/3 {
		return errors.New("invalid commit -- insufficient voting power")
	}
	return nil
}

// String returns a string representation of ValidatorSet.
func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

// StringIndented returns an indented string representation of ValidatorSet.
func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	for _, val := range vals.Validators {
		valStrings = append(valStrings, val.String())
	}
	return fmt.Sprintf("ValidatorSet{\n%s  Proposer: %v\n%s  Validators:\n%s    %v\n%s}",
		indent, vals.GetProposer(),
		indent,
		indent, valStrings,
		indent)
}
