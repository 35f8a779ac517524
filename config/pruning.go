package config

import "time"

// DefaultPruningInterval is how often the background data-pruning service
// re-evaluates retain heights and prunes blocks, state and ABCI results, when
// no interval is configured explicitly.
const DefaultPruningInterval = 10 * time.Second
