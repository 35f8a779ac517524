// Package tmproto is the canonical wire schema for consensus domain types:
// block parts, headers, votes, proposals and commits. It replaces the
// generated multi-version protobuf packages the upstream project ships
// (api/cometbft/types/v1..v4, proto/tendermint/types) with a single,
// hand-written schema, since this project encodes messages with libs/wire
// rather than protobuf.
package tmproto

import (
	"time"

	"github.com/bftlabs/tmcore/libs/wire"
)

// SignedMsgType is the type of a vote or proposal message.
type SignedMsgType int32

const (
	UnknownType   SignedMsgType = 0
	PrevoteType   SignedMsgType = 1
	PrecommitType SignedMsgType = 2
	ProposalType  SignedMsgType = 32
)

// Proof mirrors crypto/merkle.Proof for the wire.
type Proof struct {
	Total    int64
	Index    int64
	LeafHash []byte
	Aunts    [][]byte
}

// Part is one chunk of a block, identified by index within its PartSet.
type Part struct {
	Index uint32
	Bytes []byte
	Proof Proof
}

// PartSetHeader commits to the number and hash of a block's parts.
type PartSetHeader struct {
	Total uint32
	Hash  []byte
}

// BlockID uniquely identifies a block by its hash and part-set commitment.
type BlockID struct {
	Hash          []byte
	PartSetHeader PartSetHeader
}

// Consensus carries the block and app protocol versions active for a block.
type Consensus struct {
	Block uint64
	App   uint64
}

// Header is the block header: everything about a block except its data and
// last commit.
type Header struct {
	Version Consensus
	ChainID string
	Height  int64
	Time    time.Time

	LastBlockId BlockID

	LastCommitHash []byte
	DataHash       []byte

	ValidatorsHash     []byte
	NextValidatorsHash []byte
	ConsensusHash      []byte
	AppHash            []byte
	LastResultsHash    []byte

	EvidenceHash    []byte
	ProposerAddress []byte
}

// Data holds the transactions included in a block.
type Data struct {
	Txs [][]byte
}

// CommitSig is one validator's contribution to a Commit.
type CommitSig struct {
	BlockIdFlag      uint32
	ValidatorAddress []byte
	Timestamp        time.Time
	Signature        []byte
}

// Commit is a validator-set-signed confirmation that BlockID was finalized
// at Height/Round.
type Commit struct {
	Height     int64
	Round      int32
	BlockID    BlockID
	Signatures []CommitSig
}

// ExtendedCommitSig is a CommitSig extended with the vote extension a
// validator attached to its precommit, present once vote extensions are
// enabled.
type ExtendedCommitSig struct {
	BlockIdFlag        uint32
	ValidatorAddress   []byte
	Timestamp          time.Time
	Signature          []byte
	Extension          []byte
	ExtensionSignature []byte
}

// ExtendedCommit is a Commit whose signatures carry vote extensions.
type ExtendedCommit struct {
	Height             int64
	Round              int32
	BlockID            BlockID
	ExtendedSignatures []ExtendedCommitSig
}

// Block is a full block: header, transaction data, evidence and the commit
// that finalized the previous block.
type Block struct {
	Header     Header
	Data       Data
	Evidence   EvidenceList
	LastCommit *Commit
}

// BlockMeta indexes a stored block without requiring the full block body to
// be read back.
type BlockMeta struct {
	BlockID   BlockID
	BlockSize int
	Header    Header
	NumTxs    int
}

// Vote is a prevote or precommit cast by a validator during consensus.
type Vote struct {
	Type             SignedMsgType
	Height           int64
	Round            int32
	BlockID          BlockID
	Timestamp        time.Time
	ValidatorAddress []byte
	ValidatorIndex   int32
	Signature        []byte

	Extension          []byte
	ExtensionSignature []byte
}

// Proposal is the block proposal broadcast by the round's proposer.
type Proposal struct {
	Type      SignedMsgType
	Height    int64
	Round     int32
	PolRound  int32
	BlockID   BlockID
	Timestamp time.Time
	Signature []byte
}

// CanonicalBlockID is the subset of BlockID that is signed over.
type CanonicalBlockID struct {
	Hash          []byte
	PartSetHeader CanonicalPartSetHeader
}

// CanonicalPartSetHeader has the same shape as PartSetHeader; it is a
// distinct type only to mark it as part of a canonical, signed message.
type CanonicalPartSetHeader PartSetHeader

// CanonicalVote is the subset of Vote fields that a validator signs.
// ValidatorAddress, ValidatorIndex and vote-extension fields are excluded so
// that votes for the same (height, round, blockID) always sign identically.
type CanonicalVote struct {
	Type    SignedMsgType
	Height  int64
	Round   int64
	BlockID *CanonicalBlockID
	ChainID string
}

// CanonicalProposal is the subset of Proposal fields a proposer signs.
type CanonicalProposal struct {
	Type      SignedMsgType
	Height    int64
	Round     int64
	POLRound  int64
	BlockID   *CanonicalBlockID
	Timestamp time.Time
	ChainID   string
}

// CanonicalVoteExtension is what a validator signs to authenticate a vote
// extension independent of the enclosing precommit's signature.
type CanonicalVoteExtension struct {
	Extension []byte
	Height    int64
	Round     int64
	ChainId   string
}

// Marshal encodes m with the module's wire codec. Present on the wire types
// that call sites treat as self-marshaling (mirroring the generated
// proto.Message API the upstream project relies on).
func Marshal(m any) ([]byte, error) { return wire.Marshal(m) }

// Unmarshal decodes bz with the module's wire codec into m, which must be a
// non-nil pointer.
func Unmarshal(bz []byte, m any) error { return wire.Unmarshal(bz, m) }

func (h Header) Marshal() ([]byte, error)   { return wire.Marshal(h) }
func (b BlockID) Marshal() ([]byte, error)  { return wire.Marshal(b) }
func (v Vote) Marshal() ([]byte, error)     { return wire.Marshal(v) }
func (p Proposal) Marshal() ([]byte, error) { return wire.Marshal(p) }
func (c Commit) Marshal() ([]byte, error)   { return wire.Marshal(c) }
func (d Data) Marshal() ([]byte, error)     { return wire.Marshal(d) }
