package test

import (
	"fmt"

	"github.com/bftlabs/tmcore/types"
)

// MakeNTxs returns n transactions whose content is derived from height, so
// that fixtures built for different heights never collide.
func MakeNTxs(height, n int64) []types.Tx {
	txs := make([]types.Tx, n)
	for i := range txs {
		txs[i] = types.Tx(fmt.Sprintf("height=%d,tx=%d", height, i))
	}
	return txs
}
