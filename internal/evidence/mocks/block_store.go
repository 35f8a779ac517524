package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/bftlabs/tmcore/internal/evidence"
	"github.com/bftlabs/tmcore/types"
)

// BlockStore is a testify mock of evidence.BlockStore, hand-written since
// this module carries no mockery-generated fixtures to crib from.
type BlockStore struct {
	mock.Mock
}

var _ evidence.BlockStore = (*BlockStore)(nil)

func (m *BlockStore) LoadBlockMeta(height int64) *types.BlockMeta {
	args := m.Called(height)

	var r0 *types.BlockMeta
	if rf, ok := args.Get(0).(func(int64) *types.BlockMeta); ok {
		r0 = rf(height)
	} else if args.Get(0) != nil {
		r0 = args.Get(0).(*types.BlockMeta)
	}
	return r0
}

func (m *BlockStore) LoadBlockCommit(height int64) *types.Commit {
	args := m.Called(height)

	var r0 *types.Commit
	if rf, ok := args.Get(0).(func(int64) *types.Commit); ok {
		r0 = rf(height)
	} else if args.Get(0) != nil {
		r0 = args.Get(0).(*types.Commit)
	}
	return r0
}
