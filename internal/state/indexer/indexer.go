// Package indexer defines the interface the pruning service uses to age out
// indexed block events. Concrete indexer backends (e.g. a kv-store-backed
// indexer with a query language) are out of scope for this package.
package indexer

// BlockIndexer indexes block events by height and supports retiring the
// oldest entries once they fall behind a configured retain height.
type BlockIndexer interface {
	// GetRetainHeight returns the currently configured block-event retain
	// height, or an error wrapping state.ErrKeyNotFound if none has been set.
	GetRetainHeight() (int64, error)

	// SetRetainHeight sets the block-event retain height.
	SetRetainHeight(height int64) error

	// Prune removes indexed events for heights below retainHeight, returning
	// the number of heights pruned and the retain height actually reached.
	Prune(retainHeight int64) (numPruned uint64, newRetainHeight int64, err error)
}
