package state

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bftlabs/tmcore/libs/wire"
	"github.com/bftlabs/tmcore/types"
	cmtversion "github.com/bftlabs/tmcore/version"
)

// InitStateVersion is the state version used when a chain starts from
// genesis: no application version has been negotiated yet.
var InitStateVersion = Version{
	Consensus: cmtversion.Consensus{
		Block: cmtversion.BlockProtocol,
		App:   0,
	},
	Software: cmtversion.CMTSemVer,
}

// Version captures the consensus and software versions the state was
// produced under. Software is informational only: it never affects
// consensus.
type Version struct {
	Consensus cmtversion.Consensus
	Software  string
}

// State is a snapshot of consensus-critical data as of the last committed
// block: the validator sets, the consensus parameters and the block header
// fields the next block's header is derived from. It is not, itself,
// consensus-critical - it is a cache of the results of applying every block
// from genesis, kept so that CometBFT does not need to replay the whole
// chain to build the next block.
type State struct {
	Version Version

	// immutable
	ChainID       string
	InitialHeight int64

	// LastBlockHeight=0 at genesis (ie. block(H=0) does not exist)
	LastBlockHeight int64
	LastBlockID     types.BlockID
	LastBlockTime   time.Time

	// NextValidators is used to validate block.LastCommit.
	// Validators are the validators for the current block.
	// LastValidators is used to validate block.LastCommit.
	// Since block validators are set with a delay, this means to
	// initialize the first LastValidators to be the genesis validators.
	NextValidators              *types.ValidatorSet
	Validators                  *types.ValidatorSet
	LastValidators              *types.ValidatorSet
	LastHeightValidatorsChanged int64

	// Consensus parameters used for validating blocks.
	// Changes returned by EndBlock and updated after Commit.
	ConsensusParams                  types.ConsensusParams
	LastHeightConsensusParamsChanged int64

	// Merkle root of the results from executing prev block
	LastResultsHash []byte

	// the latest AppHash we've received from calling abci.Commit()
	AppHash []byte

	// NextBlockDelay is the delay the proposer of the next height must wait
	// after this height's commit time before proposing, as returned by the
	// application in FinalizeBlockResponse.
	NextBlockDelay time.Duration
}

// Copy makes a deep copy of the State, for mutating.
func (state State) Copy() State {
	return State{
		Version:       state.Version,
		ChainID:       state.ChainID,
		InitialHeight: state.InitialHeight,

		LastBlockHeight: state.LastBlockHeight,
		LastBlockID:     state.LastBlockID,
		LastBlockTime:   state.LastBlockTime,

		NextValidators:              state.NextValidators.Copy(),
		Validators:                  state.Validators.Copy(),
		LastValidators:              state.LastValidators.Copy(),
		LastHeightValidatorsChanged: state.LastHeightValidatorsChanged,

		ConsensusParams:                   state.ConsensusParams,
		LastHeightConsensusParamsChanged: state.LastHeightConsensusParamsChanged,

		AppHash: append([]byte(nil), state.AppHash...),

		LastResultsHash: append([]byte(nil), state.LastResultsHash...),

		NextBlockDelay: state.NextBlockDelay,
	}
}

// IsEmpty returns true if the State is equal to the empty State.
func (state State) IsEmpty() bool {
	return state.Validators == nil
}

// Equals returns true if the States are identical.
func (state State) Equals(state2 State) bool {
	sbz, s2bz := state.Bytes(), state2.Bytes()
	return bytes.Equal(sbz, s2bz)
}

// Bytes serializes the State using the module's wire codec. It panics on
// failure, matching the convention set by types.Header.Hash and similar
// helpers that have no error to return.
func (state State) Bytes() []byte {
	bz, err := wire.Marshal(state)
	if err != nil {
		panic(err)
	}
	return bz
}

// MakeBlock builds a block from the current state: setting Header fields
// from the state's version, chain and last block info, and given the
// proposer address and votes/misbehavior to include.
func (state State) MakeBlock(
	height int64,
	txs []types.Tx,
	lastCommit *types.Commit,
	evidence []types.Evidence,
	proposerAddress []byte,
) *types.Block {
	block := types.MakeBlock(height, txs, lastCommit, evidence)

	block.Header.Populate(
		state.Version.Consensus, state.ChainID,
		block.Header.Time, state.LastBlockID,
		state.Validators.Hash(), state.NextValidators.Hash(),
		state.ConsensusParams.Hash(), state.AppHash, state.LastResultsHash,
		proposerAddress,
	)

	return block
}

// GetValidators returns the last and current validator sets.
func (state State) GetValidators() (last, current *types.ValidatorSet) {
	return state.LastValidators, state.Validators
}

// String returns a compact human-readable summary of the state, used in
// error messages when comparing a replayed state against the one saved on
// disk.
func (state State) String() string {
	return fmt.Sprintf(
		"State{ChainID:%s LastBlockHeight:%d LastBlockID:%v AppHash:%X Validators:%v}",
		state.ChainID, state.LastBlockHeight, state.LastBlockID, state.AppHash, state.Validators,
	)
}
