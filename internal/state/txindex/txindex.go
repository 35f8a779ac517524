// Package txindex defines the interface the pruning service uses to age out
// indexed transaction results. Concrete indexer backends are out of scope
// for this package.
package txindex

// TxIndexer indexes transaction results by height and supports retiring the
// oldest entries once they fall behind a configured retain height.
type TxIndexer interface {
	// GetRetainHeight returns the currently configured tx retain height, or
	// an error wrapping state.ErrKeyNotFound if none has been set.
	GetRetainHeight() (int64, error)

	// SetRetainHeight sets the tx retain height.
	SetRetainHeight(height int64) error

	// Prune removes indexed tx results for heights below retainHeight,
	// returning the number of heights pruned and the retain height actually
	// reached.
	Prune(retainHeight int64) (numPruned uint64, newRetainHeight int64, err error)
}
