package state

import (
	"github.com/bftlabs/tmcore/mempool"
	"github.com/bftlabs/tmcore/types"
)

// TxPreCheck returns a PreCheckFunc that rejects txs too large to fit a
// block, given the state's current consensus params and validator count.
func TxPreCheck(state State) mempool.PreCheckFunc {
	maxBytes := state.ConsensusParams.Block.MaxBytes
	if maxBytes == -1 {
		maxBytes = int64(types.MaxBlockSizeBytes)
	}
	maxDataBytes := types.MaxDataBytesNoEvidence(maxBytes, state.Validators.Size())
	return mempool.PreCheckMaxBytes(maxDataBytes)
}

// TxPostCheck returns a PostCheckFunc that rejects txs whose gas usage
// exceeds the state's current consensus params.
func TxPostCheck(state State) mempool.PostCheckFunc {
	return mempool.PostCheckMaxGas(state.ConsensusParams.Block.MaxGas)
}
