package types

import (
	"fmt"
	"sort"

	cmtrand "github.com/bftlabs/tmcore/libs/rand"
)

// RandValidator returns a randomized validator with the given voting power,
// useful for testing. UNSTABLE.
func RandValidator(randPower bool, minPower int64) (*Validator, PrivValidator) {
	privVal := NewMockPV()
	votePower := minPower
	if randPower {
		votePower += int64(cmtrand.Int32() % 500) //nolint:gosec
	}
	pubKey, err := privVal.GetPubKey()
	if err != nil {
		panic(fmt.Errorf("could not retrieve pubkey %w", err))
	}
	val := NewValidator(pubKey, votePower)
	return val, privVal
}

// RandValidatorSet returns a randomized validator set of the given size,
// where every validator has at least minPower voting power. UNSTABLE, for
// testing.
func RandValidatorSet(numValidators int, minPower int64) (*ValidatorSet, []PrivValidator) {
	var (
		valz           = make([]*Validator, numValidators)
		privValidators = make([]PrivValidator, numValidators)
	)

	for i := 0; i < numValidators; i++ {
		val, privValidator := RandValidator(false, minPower)
		valz[i] = val
		privValidators[i] = privValidator
	}

	sort.Sort(PrivValidatorsByAddress(privValidators))

	return NewValidatorSet(valz), privValidators
}
