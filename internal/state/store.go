package state

import (
	"errors"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/bftlabs/tmcore/abci/types"
	"github.com/bftlabs/tmcore/libs/log"
	"github.com/bftlabs/tmcore/libs/wire"
	tmtypes "github.com/bftlabs/tmcore/types"
)

// BlockStore is the subset of store.BlockStore the Pruner and BlockExecutor
// depend on. Kept as a narrow local interface, rather than importing the
// store package directly, to avoid a state<->store<->evidence import cycle
// (store imports internal/evidence and internal/state; internal/state must
// not import store back).
type BlockStore interface {
	Base() int64
	Height() int64
	Size() int64
	LoadBlockMeta(height int64) *tmtypes.BlockMeta
	LoadBlock(height int64) *tmtypes.Block
	LoadBlockCommit(height int64) *tmtypes.Commit
	LoadSeenCommit(height int64) *tmtypes.Commit
	PruneBlocks(height int64, state State) (uint64, int64, error)
}

// Store defines the state store: persistent storage for the validator sets,
// consensus parameters, ABCI responses and retain heights that make up
// State, keyed by height.
type Store interface {
	// LoadFromDBOrGenesisFile loads the most recent state, falling back to
	// building the genesis state from the given genesis file if none exists.
	LoadFromDBOrGenesisFile(string) (State, error)

	// Load loads the current state from the database.
	Load() (State, error)

	// LoadValidators loads the validator set at a given height.
	LoadValidators(height int64) (*tmtypes.ValidatorSet, error)

	// LoadFinalizeBlockResponse loads the abci responses for a given height.
	LoadFinalizeBlockResponse(height int64) (*types.FinalizeBlockResponse, error)

	// LoadLastFinalizeBlockResponse loads the last ABCI FinalizeBlockResponse,
	// even if it wasn't originally persisted for this height, and returns the
	// height at which it was originally saved.
	LoadLastFinalizeBlockResponse(height int64) (*types.FinalizeBlockResponse, error)

	// LoadConsensusParams loads the consensus params for a given height.
	LoadConsensusParams(height int64) (tmtypes.ConsensusParams, error)

	// Save overwrites the previous state with the updated one.
	Save(State) error

	// SaveFinalizeBlockResponse saves ABCI results for a given height.
	SaveFinalizeBlockResponse(int64, *types.FinalizeBlockResponse) error

	// Bootstrap is used for bootstrapping state when not starting from a
	// initial height.
	Bootstrap(State) error

	// PruneStates takes the height from which to start pruning, the height
	// to stop pruning at and the evidence retain height, below which any
	// heights that are behind that height will not be pruned.
	PruneStates(fromHeight, toHeight, evidenceThresholdHeight int64) error

	// PruneABCIResponses will prune all ABCI responses below the given height.
	PruneABCIResponses(targetRetainHeight int64) (prunedResponses uint64, newRetainHeight int64, err error)

	// Close closes the connection with the database.
	Close() error

	// GetApplicationRetainHeight returns the retain height set by the application.
	GetApplicationRetainHeight() (int64, error)

	// GetCompanionBlockRetainHeight returns the retain height set by the data companion.
	GetCompanionBlockRetainHeight() (int64, error)

	// GetABCIResRetainHeight returns the retain height for ABCI responses set by the data companion.
	GetABCIResRetainHeight() (int64, error)

	// SaveApplicationRetainHeight persists the application's retain height.
	SaveApplicationRetainHeight(height int64) error

	// SaveCompanionBlockRetainHeight persists the data companion's block retain height.
	SaveCompanionBlockRetainHeight(height int64) error

	// SaveABCIResRetainHeight persists the data companion's ABCI results retain height.
	SaveABCIResRetainHeight(height int64) error

	// SetOfflineStateSyncHeight sets the height at which the store is
	// bootstrapped as a result of state sync.
	SetOfflineStateSyncHeight(height int64) error

	// GetOfflineStateSyncHeight returns the height at which the store is
	// bootstrapped as a result of state sync, or an error wrapping
	// ErrKeyNotFound if it was never set.
	GetOfflineStateSyncHeight() (int64, error)
}

// StoreOptions configure a dbStore returned by NewStore.
type StoreOptions struct {
	// DiscardABCIResponses, if true, causes SaveFinalizeBlockResponse to
	// discard the actual results, keeping only enough to recompute
	// LastResultsHash. Saves disk space at the cost of the app's ability to
	// re-serve historical FinalizeBlock responses.
	DiscardABCIResponses bool

	Logger  log.Logger
	Metrics *Metrics
}

var (
	lastABCIResponseKey       = []byte("lastABCIResponseKey")
	stateKey                  = []byte("stateKey")
	appRetainHeightKey        = []byte("appRetainHeightKey")
	companionRetainHeightKey  = []byte("companionRetainHeightKey")
	abciResRetainHeightKey    = []byte("abciResRetainHeightKey")
	offlineStateSyncHeightKey = []byte("offlineStateSyncHeightKey")
)

func validatorsKey(height int64) []byte {
	return []byte(fmt.Sprintf("validatorsKey:%v", height))
}

func consensusParamsKey(height int64) []byte {
	return []byte(fmt.Sprintf("consensusParamsKey:%v", height))
}

func abciResponsesKey(height int64) []byte {
	return []byte(fmt.Sprintf("abciResponsesKey:%v", height))
}

// dbStore wraps a key-value database to persist State and its history.
type dbStore struct {
	db  dbm.DB
	opt StoreOptions
}

// NewStore creates the dbStore backing the Store interface, using db as its
// underlying key-value storage.
func NewStore(db dbm.DB, options StoreOptions) Store {
	if options.Logger == nil {
		options.Logger = log.NewNopLogger()
	}
	if options.Metrics == nil {
		options.Metrics = NopMetrics()
	}
	return dbStore{db, options}
}

func (store dbStore) LoadFromDBOrGenesisFile(genesisFilePath string) (State, error) {
	state, err := store.Load()
	if err != nil {
		return State{}, err
	}
	if state.IsEmpty() {
		return State{}, fmt.Errorf("genesis-file bootstrapping requires a %T built from the genesis document; none was supplied and none is persisted", genesisDocPlaceholder{})
	}
	return state, nil
}

// genesisDocPlaceholder documents, in an error message only, that state.go
// intentionally does not depend on a genesis document type: the module that
// owns node startup is responsible for constructing the initial State and
// calling Save/Bootstrap.
type genesisDocPlaceholder struct{}

func (store dbStore) Load() (State, error) {
	buf, err := store.db.Get(stateKey)
	if err != nil {
		return State{}, err
	}
	if len(buf) == 0 {
		return State{}, nil
	}

	sp := new(State)
	if err := wire.Unmarshal(buf, sp); err != nil {
		return State{}, ErrCannotLoadState{Err: err}
	}
	return *sp, nil
}

func (store dbStore) Save(state State) error {
	return store.save(state, stateKey)
}

func (store dbStore) save(state State, key []byte) error {
	nextHeight := state.LastBlockHeight + 1
	if nextHeight == 1 {
		nextHeight = state.InitialHeight
	}
	batch := store.db.NewBatch()
	defer batch.Close()

	if err := store.saveValidatorsInfo(batch, nextHeight, state.LastHeightValidatorsChanged, state.Validators); err != nil {
		return err
	}
	if err := store.saveValidatorsInfo(batch, nextHeight+1, nextHeight+1, state.NextValidators); err != nil {
		return err
	}
	if err := store.saveConsensusParamsInfo(batch, nextHeight, state.LastHeightConsensusParamsChanged, state.ConsensusParams); err != nil {
		return err
	}
	bz, err := wire.Marshal(state)
	if err != nil {
		return err
	}
	if err := batch.Set(key, bz); err != nil {
		return err
	}
	return batch.WriteSync()
}

func (store dbStore) Bootstrap(state State) error {
	height := state.LastBlockHeight + 1
	if height == 1 {
		height = state.InitialHeight
	}
	batch := store.db.NewBatch()
	defer batch.Close()

	if height > 1 && !state.LastValidators.IsNilOrEmpty() {
		if err := store.saveValidatorsInfo(batch, height-1, height-1, state.LastValidators); err != nil {
			return err
		}
	}
	if err := store.saveValidatorsInfo(batch, height, height, state.Validators); err != nil {
		return err
	}
	if err := store.saveValidatorsInfo(batch, height+1, height+1, state.NextValidators); err != nil {
		return err
	}
	if err := store.saveConsensusParamsInfo(batch, height, height, state.ConsensusParams); err != nil {
		return err
	}
	bz, err := wire.Marshal(state)
	if err != nil {
		return err
	}
	if err := batch.Set(stateKey, bz); err != nil {
		return err
	}
	return batch.WriteSync()
}

func (store dbStore) Close() error {
	return store.db.Close()
}

// validatorsInfo records the validator set at a height directly, or the
// height it must be looked up at when the set has not changed since.
type validatorsInfo struct {
	ValidatorSet      *tmtypes.ValidatorSet
	LastHeightChanged int64
}

func (store dbStore) saveValidatorsInfo(batch dbm.Batch, height, lastHeightChanged int64, valSet *tmtypes.ValidatorSet) error {
	if lastHeightChanged > height {
		return errors.New("lastHeightChanged cannot be greater than height")
	}
	info := &validatorsInfo{LastHeightChanged: lastHeightChanged}
	if lastHeightChanged == height {
		info.ValidatorSet = valSet
	}
	bz, err := wire.Marshal(info)
	if err != nil {
		return err
	}
	return batch.Set(validatorsKey(height), bz)
}

func (store dbStore) LoadValidators(height int64) (*tmtypes.ValidatorSet, error) {
	buf, err := store.db.Get(validatorsKey(height))
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, ErrNoValSetForHeight{Height: height}
	}
	info := new(validatorsInfo)
	if err := wire.Unmarshal(buf, info); err != nil {
		return nil, fmt.Errorf("unmarshal validators info at height %d: %w", height, err)
	}
	if info.ValidatorSet == nil {
		return store.LoadValidators(info.LastHeightChanged)
	}
	info.ValidatorSet.IncrementProposerPriority(int32(height - info.LastHeightChanged))
	return info.ValidatorSet, nil
}

type consensusParamsInfo struct {
	ConsensusParams   tmtypes.ConsensusParams
	LastHeightChanged int64
}

func (store dbStore) saveConsensusParamsInfo(batch dbm.Batch, height, changeHeight int64, params tmtypes.ConsensusParams) error {
	info := &consensusParamsInfo{LastHeightChanged: changeHeight}
	if changeHeight == height {
		info.ConsensusParams = params
	}
	bz, err := wire.Marshal(info)
	if err != nil {
		return err
	}
	return batch.Set(consensusParamsKey(height), bz)
}

func (store dbStore) LoadConsensusParams(height int64) (tmtypes.ConsensusParams, error) {
	buf, err := store.db.Get(consensusParamsKey(height))
	if err != nil {
		return tmtypes.ConsensusParams{}, err
	}
	if len(buf) == 0 {
		return tmtypes.ConsensusParams{}, ErrNoConsensusParamsForHeight{Height: height}
	}
	info := new(consensusParamsInfo)
	if err := wire.Unmarshal(buf, info); err != nil {
		return tmtypes.ConsensusParams{}, fmt.Errorf("unmarshal consensus params at height %d: %w", height, err)
	}
	if info.LastHeightChanged != height {
		return store.LoadConsensusParams(info.LastHeightChanged)
	}
	return info.ConsensusParams, nil
}

func (store dbStore) SaveFinalizeBlockResponse(height int64, resp *types.FinalizeBlockResponse) error {
	var response = resp
	if store.opt.DiscardABCIResponses {
		response = &types.FinalizeBlockResponse{AppHash: resp.AppHash}
	}
	bz, err := wire.Marshal(response)
	if err != nil {
		return err
	}
	if err := store.db.SetSync(abciResponsesKey(height), bz); err != nil {
		return err
	}
	return store.db.SetSync(lastABCIResponseKey, bz)
}

func (store dbStore) LoadFinalizeBlockResponse(height int64) (*types.FinalizeBlockResponse, error) {
	buf, err := store.db.Get(abciResponsesKey(height))
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, ErrNoABCIResponsesForHeight{Height: height}
	}
	resp := new(types.FinalizeBlockResponse)
	if err := wire.Unmarshal(buf, resp); err != nil {
		return nil, fmt.Errorf("unmarshal abci responses at height %d: %w", height, err)
	}
	if store.opt.DiscardABCIResponses && len(resp.TxResults) == 0 {
		return nil, ErrFinalizeBlockResponsesNotPersisted
	}
	return resp, nil
}

func (store dbStore) LoadLastFinalizeBlockResponse(height int64) (*types.FinalizeBlockResponse, error) {
	buf, err := store.db.Get(lastABCIResponseKey)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, ErrNoABCIResponsesForHeight{Height: height}
	}
	resp := new(types.FinalizeBlockResponse)
	if err := wire.Unmarshal(buf, resp); err != nil {
		return nil, fmt.Errorf("unmarshal last abci responses: %w", err)
	}
	return resp, nil
}

func (store dbStore) PruneStates(fromHeight, toHeight, evidenceThresholdHeight int64) error {
	if fromHeight <= 0 || toHeight <= 0 {
		return errors.New("from height and to height must be greater than 0")
	}
	if fromHeight >= toHeight {
		return fmt.Errorf("toHeight (%d) must be greater than fromHeight (%d)", toHeight, fromHeight)
	}

	batch := store.db.NewBatch()
	defer batch.Close()

	for h := fromHeight; h < toHeight; h++ {
		if h < evidenceThresholdHeight {
			if err := batch.Delete(consensusParamsKey(h)); err != nil {
				return err
			}
			if err := batch.Delete(validatorsKey(h)); err != nil {
				return err
			}
		}
		if err := batch.Delete(abciResponsesKey(h)); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (store dbStore) PruneABCIResponses(targetRetainHeight int64) (uint64, int64, error) {
	if targetRetainHeight <= 0 {
		return 0, 0, nil
	}
	batch := store.db.NewBatch()
	defer batch.Close()

	var pruned uint64
	for h := int64(1); h < targetRetainHeight; h++ {
		hasBz, err := store.db.Get(abciResponsesKey(h))
		if err != nil {
			return pruned, h, err
		}
		if len(hasBz) == 0 {
			continue
		}
		if err := batch.Delete(abciResponsesKey(h)); err != nil {
			return pruned, h, err
		}
		pruned++
	}
	if err := batch.WriteSync(); err != nil {
		return pruned, targetRetainHeight, err
	}
	return pruned, targetRetainHeight, nil
}

func (store dbStore) getHeightValue(key []byte) (int64, error) {
	buf, err := store.db.Get(key)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, ErrKeyNotFound
	}
	var height int64
	if err := wire.Unmarshal(buf, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func (store dbStore) setHeightValue(key []byte, height int64) error {
	bz, err := wire.Marshal(height)
	if err != nil {
		return err
	}
	return store.db.SetSync(key, bz)
}

func (store dbStore) GetApplicationRetainHeight() (int64, error) {
	return store.getHeightValue(appRetainHeightKey)
}

func (store dbStore) SaveApplicationRetainHeight(height int64) error {
	return store.setHeightValue(appRetainHeightKey, height)
}

func (store dbStore) GetCompanionBlockRetainHeight() (int64, error) {
	return store.getHeightValue(companionRetainHeightKey)
}

func (store dbStore) SaveCompanionBlockRetainHeight(height int64) error {
	return store.setHeightValue(companionRetainHeightKey, height)
}

func (store dbStore) GetABCIResRetainHeight() (int64, error) {
	return store.getHeightValue(abciResRetainHeightKey)
}

func (store dbStore) SaveABCIResRetainHeight(height int64) error {
	return store.setHeightValue(abciResRetainHeightKey, height)
}

func (store dbStore) SetOfflineStateSyncHeight(height int64) error {
	return store.setHeightValue(offlineStateSyncHeightKey, height)
}

func (store dbStore) GetOfflineStateSyncHeight() (int64, error) {
	return store.getHeightValue(offlineStateSyncHeightKey)
}

// NewDBStore returns a Store with default options, for callers (such as
// benchmarks) that don't need to configure discarding of ABCI responses.
func NewDBStore(db dbm.DB) Store {
	return NewStore(db, StoreOptions{})
}
