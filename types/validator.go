package types

import (
	"bytes"
	"fmt"

	"github.com/bftlabs/tmcore/crypto"
)

// MaxTotalVotingPower bounds the sum of voting power across a validator set
// so that intermediate computations (like proposer priority) cannot
// overflow an int64.
const MaxTotalVotingPower = int64(1) << 56

// Validator is one member of a validator set: an identity key and the
// voting power it currently carries.
type Validator struct {
	Address     crypto.Address `json:"address"`
	PubKey      crypto.PubKey  `json:"pub_key"`
	VotingPower int64          `json:"voting_power"`

	ProposerPriority int64 `json:"proposer_priority"`
}

// NewValidator returns a new validator with the given pubkey and voting
// power; ProposerPriority starts at zero.
func NewValidator(pubKey crypto.PubKey, votingPower int64) *Validator {
	return &Validator{
		Address:     pubKey.Address(),
		PubKey:      pubKey,
		VotingPower: votingPower,
	}
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("nil validator")
	}
	if v.PubKey == nil {
		return fmt.Errorf("validator does not have a public key")
	}
	if v.VotingPower < 0 {
		return fmt.Errorf("validator has negative voting power")
	}
	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}
	return nil
}

// Copy creates a new copy of the validator so normal changes on the copy
// don't affect the original.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

// CompareProposerPriority returns the validator with higher ProposerPriority.
func (v *Validator) CompareProposerPriority(other *Validator) *Validator {
	if v == nil {
		return other
	}
	switch {
	case v.ProposerPriority > other.ProposerPriority:
		return v
	case v.ProposerPriority < other.ProposerPriority:
		return other
	default:
		result := bytes.Compare(v.Address, other.Address)
		switch {
		case result < 0:
			return v
		case result > 0:
			return other
		default:
			panic("Cannot compare identical validators")
		}
	}
}

func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%v %v VP:%v A:%v}",
		v.Address, v.PubKey, v.VotingPower, v.ProposerPriority)
}

// ValidatorListString returns a prettified validator list for logging
// purposes.
func ValidatorListString(vals []*Validator) string {
	chunks := make([]string, len(vals))
	for i, val := range vals {
		chunks[i] = fmt.Sprintf("%s:%d", val.Address, val.VotingPower)
	}
	return "[" + fmt.Sprintf("%v", chunks) + "]"
}
