package mocks

import (
	"github.com/stretchr/testify/mock"

	abci "github.com/bftlabs/tmcore/abci/types"
	sm "github.com/bftlabs/tmcore/internal/state"
	"github.com/bftlabs/tmcore/types"
)

// Store is a testify mock of sm.Store, hand-written since this module
// carries no mockery-generated fixtures to crib from.
type Store struct {
	mock.Mock
}

var _ sm.Store = (*Store)(nil)

func (m *Store) LoadFromDBOrGenesisFile(path string) (sm.State, error) {
	args := m.Called(path)
	return args.Get(0).(sm.State), args.Error(1)
}

func (m *Store) Load() (sm.State, error) {
	args := m.Called()
	return args.Get(0).(sm.State), args.Error(1)
}

func (m *Store) LoadValidators(height int64) (*types.ValidatorSet, error) {
	args := m.Called(height)
	var vs *types.ValidatorSet
	if v := args.Get(0); v != nil {
		vs = v.(*types.ValidatorSet)
	}
	return vs, args.Error(1)
}

func (m *Store) LoadFinalizeBlockResponse(height int64) (*abci.FinalizeBlockResponse, error) {
	args := m.Called(height)
	var resp *abci.FinalizeBlockResponse
	if v := args.Get(0); v != nil {
		resp = v.(*abci.FinalizeBlockResponse)
	}
	return resp, args.Error(1)
}

func (m *Store) LoadLastFinalizeBlockResponse(height int64) (*abci.FinalizeBlockResponse, error) {
	args := m.Called(height)
	var resp *abci.FinalizeBlockResponse
	if v := args.Get(0); v != nil {
		resp = v.(*abci.FinalizeBlockResponse)
	}
	return resp, args.Error(1)
}

func (m *Store) LoadConsensusParams(height int64) (types.ConsensusParams, error) {
	args := m.Called(height)
	return args.Get(0).(types.ConsensusParams), args.Error(1)
}

func (m *Store) Save(state sm.State) error {
	args := m.Called(state)
	return args.Error(0)
}

func (m *Store) SaveFinalizeBlockResponse(height int64, resp *abci.FinalizeBlockResponse) error {
	args := m.Called(height, resp)
	return args.Error(0)
}

func (m *Store) Bootstrap(state sm.State) error {
	args := m.Called(state)
	return args.Error(0)
}

func (m *Store) PruneStates(fromHeight, toHeight, evidenceThresholdHeight int64) error {
	args := m.Called(fromHeight, toHeight, evidenceThresholdHeight)
	return args.Error(0)
}

func (m *Store) PruneABCIResponses(targetRetainHeight int64) (uint64, int64, error) {
	args := m.Called(targetRetainHeight)
	return args.Get(0).(uint64), args.Get(1).(int64), args.Error(2)
}

func (m *Store) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *Store) GetApplicationRetainHeight() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

func (m *Store) GetCompanionBlockRetainHeight() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

func (m *Store) GetABCIResRetainHeight() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

func (m *Store) SaveApplicationRetainHeight(height int64) error {
	args := m.Called(height)
	return args.Error(0)
}

func (m *Store) SaveCompanionBlockRetainHeight(height int64) error {
	args := m.Called(height)
	return args.Error(0)
}

func (m *Store) SaveABCIResRetainHeight(height int64) error {
	args := m.Called(height)
	return args.Error(0)
}

func (m *Store) SetOfflineStateSyncHeight(height int64) error {
	args := m.Called(height)
	return args.Error(0)
}

func (m *Store) GetOfflineStateSyncHeight() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}
