package blocksync

import (
	cmtbs "github.com/bftlabs/tmcore/api/cometbft/blocksync/v2"
	"github.com/bftlabs/tmcore/types"
)

var (
	_ types.Wrapper = &cmtbs.StatusRequest{}
	_ types.Wrapper = &cmtbs.StatusResponse{}
	_ types.Wrapper = &cmtbs.NoBlockResponse{}
	_ types.Wrapper = &cmtbs.BlockResponse{}
	_ types.Wrapper = &cmtbs.BlockRequest{}
)
