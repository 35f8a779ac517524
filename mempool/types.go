package mempool

import (
	memprotos "github.com/bftlabs/tmcore/api/cometbft/mempool/v2"
	"github.com/bftlabs/tmcore/types"
)

var (
	_ types.Wrapper   = &memprotos.Txs{}
	_ types.Wrapper   = &memprotos.HaveTx{}
	_ types.Wrapper   = &memprotos.ResetRoute{}
	_ types.Unwrapper = &memprotos.Message{}
)
