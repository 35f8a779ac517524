package state

import (
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Store lookups (and the indexers the pruner
// drives) when the requested key has never been set.
var ErrKeyNotFound = errors.New("key not found")

// ErrInvalidHeightValue is returned when a retain height requested of the
// Pruner falls outside the block store's current [Base, Height] range.
var ErrInvalidHeightValue = errors.New("invalid height value")

// BlocksPrunedInfo reports the height range pruned from the block store in
// one pruning run.
type BlocksPrunedInfo struct {
	FromHeight int64
	ToHeight   int64
}

// ABCIResponsesPrunedInfo reports the height range pruned from persisted ABCI
// responses in one pruning run.
type ABCIResponsesPrunedInfo struct {
	FromHeight int64
	ToHeight   int64
}

// PrunerObserver is notified as the Pruner makes progress. It is used by
// tests and by operators wanting to track pruning without polling the
// retain-height getters.
type PrunerObserver interface {
	PrunerStarted(interval time.Duration)
	PrunerPrunedBlocks(info *BlocksPrunedInfo)
	PrunerPrunedABCIRes(info *ABCIResponsesPrunedInfo)
}

// NoopPrunerObserver is the default PrunerObserver: it does nothing.
type NoopPrunerObserver struct{}

func (NoopPrunerObserver) PrunerStarted(time.Duration)             {}
func (NoopPrunerObserver) PrunerPrunedBlocks(*BlocksPrunedInfo)     {}
func (NoopPrunerObserver) PrunerPrunedABCIRes(*ABCIResponsesPrunedInfo) {}
