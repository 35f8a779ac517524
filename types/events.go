package types

// EventDataRoundState is fired at every step of the consensus round-state
// machine, and is also what gets written to the WAL on every step so replay
// can rebuild the exact same sequence of transitions after a crash.
type EventDataRoundState struct {
	Height int64  `json:"height"`
	Round  int32  `json:"round"`
	Step   string `json:"step"`
}
