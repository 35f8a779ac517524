package tmproto

import "time"

// Int64Value and DurationValue stand in for gogoproto's well-known wrapper
// types, distinguishing "unset" from "explicitly zero" on ConsensusParams
// updates without pulling in the protobuf wrappers package.
type Int64Value struct{ Value int64 }

func (v *Int64Value) GetValue() int64 {
	if v == nil {
		return 0
	}
	return v.Value
}

type BlockParams struct {
	MaxBytes int64
	MaxGas   int64
}

type EvidenceParams struct {
	MaxAgeNumBlocks int64
	MaxAgeDuration  time.Duration
	MaxBytes        int64
}

type ValidatorParams struct {
	PubKeyTypes []string
}

type VersionParams struct {
	App uint64
}

// FeatureParams uses *Int64Value fields (rather than plain int64) so an
// update message can distinguish "leave unset" from "set to zero".
type FeatureParams struct {
	VoteExtensionsEnableHeight *Int64Value
	PbtsEnableHeight           *Int64Value
}

func (p *FeatureParams) GetVoteExtensionsEnableHeight() *Int64Value {
	if p == nil {
		return nil
	}
	return p.VoteExtensionsEnableHeight
}

func (p *FeatureParams) GetPbtsEnableHeight() *Int64Value {
	if p == nil {
		return nil
	}
	return p.PbtsEnableHeight
}

type SynchronyParams struct {
	Precision    *time.Duration
	MessageDelay *time.Duration
}

func (p *SynchronyParams) GetPrecision() *time.Duration {
	if p == nil {
		return nil
	}
	return p.Precision
}

func (p *SynchronyParams) GetMessageDelay() *time.Duration {
	if p == nil {
		return nil
	}
	return p.MessageDelay
}

// ABCIParams is retained only for decoding params updates produced before
// FeatureParams existed; VoteExtensionsEnableHeight is read once as a
// migration fallback and otherwise unused.
type ABCIParams struct {
	VoteExtensionsEnableHeight int64
}

func (p *ABCIParams) GetVoteExtensionsEnableHeight() int64 {
	if p == nil {
		return 0
	}
	return p.VoteExtensionsEnableHeight
}

// ConsensusParams contains consensus-critical parameters that determine
// block validity. Sub-params are pointers so that a partial update message
// can leave fields untouched by omitting them.
type ConsensusParams struct {
	Block     *BlockParams
	Evidence  *EvidenceParams
	Validator *ValidatorParams
	Version   *VersionParams
	Synchrony *SynchronyParams
	Feature   *FeatureParams
	Abci      *ABCIParams
}

func (c *ConsensusParams) GetFeature() *FeatureParams {
	if c == nil {
		return nil
	}
	return c.Feature
}

func (c *ConsensusParams) GetSynchrony() *SynchronyParams {
	if c == nil {
		return nil
	}
	return c.Synchrony
}

func (c *ConsensusParams) GetAbci() *ABCIParams {
	if c == nil {
		return nil
	}
	return c.Abci
}

// HashedParams is the subset of ConsensusParams hashed into the block
// header; it evolves independently of the rest of ConsensusParams.
type HashedParams struct {
	BlockMaxBytes int64
	BlockMaxGas   int64
}

func (hp HashedParams) Marshal() ([]byte, error) { return Marshal(hp) }
