package state

import (
	"bytes"
	"fmt"

	"github.com/bftlabs/tmcore/types"
)

// validateBlock validates the given block against the given state,
// checking internal consistency (delegated to block.ValidateBasic) plus
// everything that requires the state to verify: chain ID, height, time,
// last block ID and commit, and the hashes that commit to state-derived
// data (validators, consensus params).
func validateBlock(state State, block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return err
	}

	if block.ChainID != state.ChainID {
		return fmt.Errorf("wrong Block.Header.ChainID. Expected %v, got %v", state.ChainID, block.ChainID)
	}

	if state.LastBlockHeight == 0 && block.Height != state.InitialHeight {
		return fmt.Errorf("wrong Block.Header.Height. Expected %v for initial block, got %v", state.InitialHeight, block.Height)
	}
	if state.LastBlockHeight > 0 && block.Height != state.LastBlockHeight+1 {
		return fmt.Errorf("wrong Block.Header.Height. Expected %v, got %v", state.LastBlockHeight+1, block.Height)
	}

	if !block.LastBlockID.Equals(state.LastBlockID) {
		return fmt.Errorf("wrong Block.Header.LastBlockID. Expected %v, got %v", state.LastBlockID, block.LastBlockID)
	}

	if err := validateLastCommit(state, block); err != nil {
		return err
	}

	if !bytes.Equal(block.ValidatorsHash, state.Validators.Hash()) {
		return fmt.Errorf("wrong Block.Header.ValidatorsHash. Expected %X, got %X", state.Validators.Hash(), block.ValidatorsHash)
	}
	if !bytes.Equal(block.NextValidatorsHash, state.NextValidators.Hash()) {
		return fmt.Errorf("wrong Block.Header.NextValidatorsHash. Expected %X, got %X", state.NextValidators.Hash(), block.NextValidatorsHash)
	}
	if !bytes.Equal(block.ConsensusHash, state.ConsensusParams.Hash()) {
		return fmt.Errorf("wrong Block.Header.ConsensusHash. Expected %X, got %X", state.ConsensusParams.Hash(), block.ConsensusHash)
	}
	if !bytes.Equal(block.LastResultsHash, state.LastResultsHash) {
		return fmt.Errorf("wrong Block.Header.LastResultsHash. Expected %X, got %X", state.LastResultsHash, block.LastResultsHash)
	}

	for i, ev := range block.Evidence {
		if err := ev.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid evidence (#%d): %w", i, err)
		}
	}

	return nil
}

func validateLastCommit(state State, block *types.Block) error {
	if block.Height == state.InitialHeight {
		if block.LastCommit != nil {
			return fmt.Errorf("initial block can't have LastCommit signatures, got: %v", block.LastCommit)
		}
		return nil
	}

	if block.LastCommit == nil {
		return fmt.Errorf("block at height %d must have a non-nil LastCommit", block.Height)
	}
	if err := block.LastCommit.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong LastCommit: %w", err)
	}
	if block.LastCommit.Height != block.Height-1 {
		return fmt.Errorf("invalid LastCommit.Height. Expected %v, got %v", block.Height-1, block.LastCommit.Height)
	}
	if !block.LastCommit.BlockID.Equals(state.LastBlockID) {
		return fmt.Errorf("invalid LastCommit.BlockID. Expected %v, got %v", state.LastBlockID, block.LastCommit.BlockID)
	}

	return state.LastValidators.VerifyCommit(state.ChainID, state.LastBlockID, block.Height-1, block.LastCommit)
}
