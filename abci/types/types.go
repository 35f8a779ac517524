//nolint:revive,stylecheck
package types

import (
	"time"
)

// CodeTypeOK is the canonical response code for success.
const CodeTypeOK uint32 = 0

// CheckTxType distinguishes an initial mempool check from a recheck run
// after a new block is committed.
type CheckTxType int32

const (
	CHECK_TX_TYPE_UNKNOWN CheckTxType = iota
	CHECK_TX_TYPE_CHECK
	CHECK_TX_TYPE_RECHECK
)

// MisbehaviorType categorizes evidence reported to the application.
type MisbehaviorType int32

const (
	MISBEHAVIOR_TYPE_UNKNOWN MisbehaviorType = iota
	MISBEHAVIOR_TYPE_DUPLICATE_VOTE
	MISBEHAVIOR_TYPE_LIGHT_CLIENT_ATTACK
)

// ProcessProposalStatus is the application's verdict on a proposed block.
type ProcessProposalStatus int32

const (
	PROCESS_PROPOSAL_STATUS_UNKNOWN ProcessProposalStatus = iota
	PROCESS_PROPOSAL_STATUS_ACCEPT
	PROCESS_PROPOSAL_STATUS_REJECT
)

// VerifyVoteExtensionStatus is the application's verdict on a peer's vote
// extension.
type VerifyVoteExtensionStatus int32

const (
	VERIFY_VOTE_EXTENSION_STATUS_UNKNOWN VerifyVoteExtensionStatus = iota
	VERIFY_VOTE_EXTENSION_STATUS_ACCEPT
	VERIFY_VOTE_EXTENSION_STATUS_REJECT
)

// OfferSnapshotResult is the application's verdict on an offered state sync
// snapshot.
type OfferSnapshotResult int32

const (
	OFFER_SNAPSHOT_RESULT_UNKNOWN OfferSnapshotResult = iota
	OFFER_SNAPSHOT_RESULT_ACCEPT
	OFFER_SNAPSHOT_RESULT_ABORT
	OFFER_SNAPSHOT_RESULT_REJECT
	OFFER_SNAPSHOT_RESULT_REJECT_FORMAT
	OFFER_SNAPSHOT_RESULT_REJECT_SENDER
)

// ApplySnapshotChunkResult is the application's verdict on an applied state
// sync snapshot chunk.
type ApplySnapshotChunkResult int32

const (
	APPLY_SNAPSHOT_CHUNK_RESULT_UNKNOWN ApplySnapshotChunkResult = iota
	APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT
	APPLY_SNAPSHOT_CHUNK_RESULT_ABORT
	APPLY_SNAPSHOT_CHUNK_RESULT_RETRY
	APPLY_SNAPSHOT_CHUNK_RESULT_RETRY_SNAPSHOT
	APPLY_SNAPSHOT_CHUNK_RESULT_REJECT_SNAPSHOT
)

// EventAttribute is a single key/value pair attached to an Event.
type EventAttribute struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Index bool   `json:"index,omitempty"`
}

// Event allows the application to attach searchable, structured metadata to
// a transaction or block execution result.
type Event struct {
	Type       string           `json:"type,omitempty"`
	Attributes []EventAttribute `json:"attributes,omitempty"`
}

// ExecTxResult is the application's response to executing a single
// transaction as part of FinalizeBlock.
type ExecTxResult struct {
	Code      uint32  `json:"code,omitempty"`
	Data      []byte  `json:"data,omitempty"`
	Log       string  `json:"log,omitempty"`
	Info      string  `json:"info,omitempty"`
	GasWanted int64   `json:"gas_wanted,omitempty"`
	GasUsed   int64   `json:"gas_used,omitempty"`
	Events    []Event `json:"events,omitempty"`
	Codespace string  `json:"codespace,omitempty"`
}

// TxResult contains the result of executing a transaction, together with
// the height and index it was found at, for indexing.
type TxResult struct {
	Height int64        `json:"height,omitempty"`
	Index  uint32       `json:"index,omitempty"`
	Tx     []byte       `json:"tx,omitempty"`
	Result ExecTxResult `json:"result"`
}

// Validator is the ABCI-level representation of a validator, keyed by
// address rather than public key.
type Validator struct {
	Address []byte `json:"address,omitempty"`
	Power   int64  `json:"power,omitempty"`
}

// ValidatorUpdate instructs CometBFT to add, remove, or reweight a
// validator following FinalizeBlock/InitChain.
type ValidatorUpdate struct {
	PubKeyBytes []byte `json:"pub_key_bytes,omitempty"`
	PubKeyType  string `json:"pub_key_type,omitempty"`
	Power       int64  `json:"power,omitempty"`
}

// VoteInfo describes whether a validator voted on the previous block.
type VoteInfo struct {
	Validator   Validator `json:"validator"`
	BlockIDFlag int32     `json:"block_id_flag,omitempty"`
}

// ExtendedVoteInfo is VoteInfo plus the validator's vote extension, supplied
// to ExtendVote/VerifyVoteExtension.
type ExtendedVoteInfo struct {
	Validator          Validator `json:"validator"`
	VoteExtension      []byte    `json:"vote_extension,omitempty"`
	ExtensionSignature []byte    `json:"extension_signature,omitempty"`
	BlockIDFlag        int32     `json:"block_id_flag,omitempty"`
}

// CommitInfo carries the round and validator participation of the commit
// for the previous height.
type CommitInfo struct {
	Round int32      `json:"round,omitempty"`
	Votes []VoteInfo `json:"votes,omitempty"`
}

// ExtendedCommitInfo is CommitInfo plus per-validator vote extensions.
type ExtendedCommitInfo struct {
	Round int32              `json:"round,omitempty"`
	Votes []ExtendedVoteInfo `json:"votes,omitempty"`
}

// Misbehavior is evidence of validator misbehavior reported to the
// application during FinalizeBlock.
type Misbehavior struct {
	Type             MisbehaviorType `json:"type,omitempty"`
	Validator        Validator       `json:"validator"`
	Height           int64           `json:"height,omitempty"`
	Time             time.Time       `json:"time"`
	TotalVotingPower int64           `json:"total_voting_power,omitempty"`
}

// Snapshot describes a state sync snapshot offered by the application.
type Snapshot struct {
	Height   uint64 `json:"height,omitempty"`
	Format   uint32 `json:"format,omitempty"`
	Chunks   uint32 `json:"chunks,omitempty"`
	Hash     []byte `json:"hash,omitempty"`
	Metadata []byte `json:"metadata,omitempty"`
}

//-------------------------------------------------------
// Info/Query connection

type InfoRequest struct {
	Version      string `json:"version,omitempty"`
	BlockVersion uint64 `json:"block_version,omitempty"`
	P2PVersion   uint64 `json:"p2p_version,omitempty"`
	AbciVersion  string `json:"abci_version,omitempty"`
}

type InfoResponse struct {
	Data             string `json:"data,omitempty"`
	Version          string `json:"version,omitempty"`
	AppVersion       uint64 `json:"app_version,omitempty"`
	LastBlockHeight  int64  `json:"last_block_height,omitempty"`
	LastBlockAppHash []byte `json:"last_block_app_hash,omitempty"`
}

type QueryRequest struct {
	Data   []byte `json:"data,omitempty"`
	Path   string `json:"path,omitempty"`
	Height int64  `json:"height,omitempty"`
	Prove  bool   `json:"prove,omitempty"`
}

type QueryResponse struct {
	Code      uint32 `json:"code,omitempty"`
	Log       string `json:"log,omitempty"`
	Info      string `json:"info,omitempty"`
	Index     int64  `json:"index,omitempty"`
	Key       []byte `json:"key,omitempty"`
	Value     []byte `json:"value,omitempty"`
	Height    int64  `json:"height,omitempty"`
	Codespace string `json:"codespace,omitempty"`
}

//-------------------------------------------------------
// Mempool connection

type CheckTxRequest struct {
	Tx   []byte      `json:"tx,omitempty"`
	Type CheckTxType `json:"type,omitempty"`
}

type CheckTxResponse struct {
	Code      uint32  `json:"code,omitempty"`
	Data      []byte  `json:"data,omitempty"`
	Log       string  `json:"log,omitempty"`
	Info      string  `json:"info,omitempty"`
	GasWanted int64   `json:"gas_wanted,omitempty"`
	GasUsed   int64   `json:"gas_used,omitempty"`
	Events    []Event `json:"events,omitempty"`
	Codespace string  `json:"codespace,omitempty"`
}

//-------------------------------------------------------
// Consensus connection

type InitChainRequest struct {
	Time          time.Time         `json:"time"`
	ChainId       string            `json:"chain_id,omitempty"`
	Validators    []ValidatorUpdate `json:"validators,omitempty"`
	AppStateBytes []byte            `json:"app_state_bytes,omitempty"`
	InitialHeight int64             `json:"initial_height,omitempty"`
}

type InitChainResponse struct {
	Validators []ValidatorUpdate `json:"validators,omitempty"`
	AppHash    []byte            `json:"app_hash,omitempty"`
}

type PrepareProposalRequest struct {
	MaxTxBytes         int64              `json:"max_tx_bytes,omitempty"`
	Txs                [][]byte           `json:"txs,omitempty"`
	LocalLastCommit    ExtendedCommitInfo `json:"local_last_commit"`
	Misbehavior        []Misbehavior      `json:"misbehavior,omitempty"`
	Height             int64              `json:"height,omitempty"`
	Time               time.Time          `json:"time"`
	NextValidatorsHash []byte             `json:"next_validators_hash,omitempty"`
	ProposerAddress    []byte             `json:"proposer_address,omitempty"`
}

type PrepareProposalResponse struct {
	Txs [][]byte `json:"txs,omitempty"`
}

type ProcessProposalRequest struct {
	Txs                [][]byte      `json:"txs,omitempty"`
	ProposedLastCommit CommitInfo    `json:"proposed_last_commit"`
	Misbehavior        []Misbehavior `json:"misbehavior,omitempty"`
	Hash               []byte        `json:"hash,omitempty"`
	Height             int64         `json:"height,omitempty"`
	Time               time.Time     `json:"time"`
	NextValidatorsHash []byte        `json:"next_validators_hash,omitempty"`
	ProposerAddress    []byte        `json:"proposer_address,omitempty"`
}

type ProcessProposalResponse struct {
	Status ProcessProposalStatus `json:"status,omitempty"`
}

type ExtendVoteRequest struct {
	Hash               []byte        `json:"hash,omitempty"`
	Height             int64         `json:"height,omitempty"`
	Time               time.Time     `json:"time"`
	Txs                [][]byte      `json:"txs,omitempty"`
	ProposedLastCommit CommitInfo    `json:"proposed_last_commit"`
	Misbehavior        []Misbehavior `json:"misbehavior,omitempty"`
}

type ExtendVoteResponse struct {
	VoteExtension []byte `json:"vote_extension,omitempty"`
}

type VerifyVoteExtensionRequest struct {
	Hash             []byte `json:"hash,omitempty"`
	ValidatorAddress []byte `json:"validator_address,omitempty"`
	Height           int64  `json:"height,omitempty"`
	VoteExtension    []byte `json:"vote_extension,omitempty"`
}

type VerifyVoteExtensionResponse struct {
	Status VerifyVoteExtensionStatus `json:"status,omitempty"`
}

type FinalizeBlockRequest struct {
	Txs                [][]byte      `json:"txs,omitempty"`
	DecidedLastCommit  CommitInfo    `json:"decided_last_commit"`
	Misbehavior        []Misbehavior `json:"misbehavior,omitempty"`
	Hash               []byte        `json:"hash,omitempty"`
	Height             int64         `json:"height,omitempty"`
	Time               time.Time     `json:"time"`
	NextValidatorsHash []byte        `json:"next_validators_hash,omitempty"`
	ProposerAddress    []byte        `json:"proposer_address,omitempty"`
}

type FinalizeBlockResponse struct {
	Events                []Event           `json:"events,omitempty"`
	TxResults             []*ExecTxResult   `json:"tx_results,omitempty"`
	ValidatorUpdates      []ValidatorUpdate `json:"validator_updates,omitempty"`
	ConsensusParamUpdates any               `json:"consensus_param_updates,omitempty"`
	AppHash               []byte            `json:"app_hash,omitempty"`
}

type CommitRequest struct{}

type CommitResponse struct {
	RetainHeight int64 `json:"retain_height,omitempty"`
}

//-------------------------------------------------------
// State sync connection

type ListSnapshotsRequest struct{}

type ListSnapshotsResponse struct {
	Snapshots []*Snapshot `json:"snapshots,omitempty"`
}

type OfferSnapshotRequest struct {
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	AppHash  []byte    `json:"app_hash,omitempty"`
}

type OfferSnapshotResponse struct {
	Result OfferSnapshotResult `json:"result,omitempty"`
}

type LoadSnapshotChunkRequest struct {
	Height uint64 `json:"height,omitempty"`
	Format uint32 `json:"format,omitempty"`
	Chunk  uint32 `json:"chunk,omitempty"`
}

type LoadSnapshotChunkResponse struct {
	Chunk []byte `json:"chunk,omitempty"`
}

type ApplySnapshotChunkRequest struct {
	Index  uint32 `json:"index,omitempty"`
	Chunk  []byte `json:"chunk,omitempty"`
	Sender string `json:"sender,omitempty"`
}

type ApplySnapshotChunkResponse struct {
	Result        ApplySnapshotChunkResult `json:"result,omitempty"`
	RefetchChunks []uint32                 `json:"refetch_chunks,omitempty"`
	RejectSenders []string                 `json:"reject_senders,omitempty"`
}

//-------------------------------------------------------
// Handshake connection

type EchoRequest struct {
	Message string `json:"message,omitempty"`
}

type EchoResponse struct {
	Message string `json:"message,omitempty"`
}

type FlushRequest struct{}

type FlushResponse struct{}

type ExceptionResponse struct {
	Error string `json:"error,omitempty"`
}

//-------------------------------------------------------
// Socket-protocol framing.
//
// Request and Response wrap exactly one concrete message in Value, mirroring
// the discriminated union a gogoproto oneof would generate, but without
// requiring generated code: the wrapper types below (Request_Echo, ...) carry
// no behavior beyond holding their payload.

type Request struct {
	Value any `json:"value,omitempty"`
}

type Response struct {
	Value any `json:"value,omitempty"`
}

type (
	Request_Echo               struct{ Echo *EchoRequest }
	Request_Flush              struct{ Flush *FlushRequest }
	Request_Info               struct{ Info *InfoRequest }
	Request_InitChain          struct{ InitChain *InitChainRequest }
	Request_Query              struct{ Query *QueryRequest }
	Request_CheckTx            struct{ CheckTx *CheckTxRequest }
	Request_Commit             struct{ Commit *CommitRequest }
	Request_ListSnapshots      struct{ ListSnapshots *ListSnapshotsRequest }
	Request_OfferSnapshot      struct{ OfferSnapshot *OfferSnapshotRequest }
	Request_LoadSnapshotChunk  struct{ LoadSnapshotChunk *LoadSnapshotChunkRequest }
	Request_ApplySnapshotChunk struct {
		ApplySnapshotChunk *ApplySnapshotChunkRequest
	}
	Request_PrepareProposal     struct{ PrepareProposal *PrepareProposalRequest }
	Request_ProcessProposal     struct{ ProcessProposal *ProcessProposalRequest }
	Request_ExtendVote          struct{ ExtendVote *ExtendVoteRequest }
	Request_VerifyVoteExtension struct {
		VerifyVoteExtension *VerifyVoteExtensionRequest
	}
	Request_FinalizeBlock struct{ FinalizeBlock *FinalizeBlockRequest }
)

type (
	Response_Exception          struct{ Exception *ExceptionResponse }
	Response_Echo                struct{ Echo *EchoResponse }
	Response_Flush               struct{ Flush *FlushResponse }
	Response_Info                struct{ Info *InfoResponse }
	Response_InitChain            struct{ InitChain *InitChainResponse }
	Response_Query                struct{ Query *QueryResponse }
	Response_CheckTx              struct{ CheckTx *CheckTxResponse }
	Response_Commit               struct{ Commit *CommitResponse }
	Response_ListSnapshots        struct{ ListSnapshots *ListSnapshotsResponse }
	Response_OfferSnapshot        struct{ OfferSnapshot *OfferSnapshotResponse }
	Response_LoadSnapshotChunk    struct{ LoadSnapshotChunk *LoadSnapshotChunkResponse }
	Response_ApplySnapshotChunk struct {
		ApplySnapshotChunk *ApplySnapshotChunkResponse
	}
	Response_PrepareProposal     struct{ PrepareProposal *PrepareProposalResponse }
	Response_ProcessProposal     struct{ ProcessProposal *ProcessProposalResponse }
	Response_ExtendVote          struct{ ExtendVote *ExtendVoteResponse }
	Response_VerifyVoteExtension struct {
		VerifyVoteExtension *VerifyVoteExtensionResponse
	}
	Response_FinalizeBlock struct{ FinalizeBlock *FinalizeBlockResponse }
)

// GetEcho and its siblings unwrap Response.Value, returning nil if the
// response holds a different concrete type. They mirror the accessors a
// gogoproto oneof would generate.
func (r *Response) GetException() *ExceptionResponse {
	if v, ok := r.Value.(*Response_Exception); ok {
		return v.Exception
	}
	return nil
}

func (r *Response) GetEcho() *EchoResponse {
	if v, ok := r.Value.(*Response_Echo); ok {
		return v.Echo
	}
	return nil
}

func (r *Response) GetFlush() *FlushResponse {
	if v, ok := r.Value.(*Response_Flush); ok {
		return v.Flush
	}
	return nil
}

func (r *Response) GetInfo() *InfoResponse {
	if v, ok := r.Value.(*Response_Info); ok {
		return v.Info
	}
	return nil
}

func (r *Response) GetInitChain() *InitChainResponse {
	if v, ok := r.Value.(*Response_InitChain); ok {
		return v.InitChain
	}
	return nil
}

func (r *Response) GetQuery() *QueryResponse {
	if v, ok := r.Value.(*Response_Query); ok {
		return v.Query
	}
	return nil
}

func (r *Response) GetCheckTx() *CheckTxResponse {
	if v, ok := r.Value.(*Response_CheckTx); ok {
		return v.CheckTx
	}
	return nil
}

func (r *Response) GetCommit() *CommitResponse {
	if v, ok := r.Value.(*Response_Commit); ok {
		return v.Commit
	}
	return nil
}

func (r *Response) GetListSnapshots() *ListSnapshotsResponse {
	if v, ok := r.Value.(*Response_ListSnapshots); ok {
		return v.ListSnapshots
	}
	return nil
}

func (r *Response) GetOfferSnapshot() *OfferSnapshotResponse {
	if v, ok := r.Value.(*Response_OfferSnapshot); ok {
		return v.OfferSnapshot
	}
	return nil
}

func (r *Response) GetLoadSnapshotChunk() *LoadSnapshotChunkResponse {
	if v, ok := r.Value.(*Response_LoadSnapshotChunk); ok {
		return v.LoadSnapshotChunk
	}
	return nil
}

func (r *Response) GetApplySnapshotChunk() *ApplySnapshotChunkResponse {
	if v, ok := r.Value.(*Response_ApplySnapshotChunk); ok {
		return v.ApplySnapshotChunk
	}
	return nil
}

func (r *Response) GetPrepareProposal() *PrepareProposalResponse {
	if v, ok := r.Value.(*Response_PrepareProposal); ok {
		return v.PrepareProposal
	}
	return nil
}

func (r *Response) GetProcessProposal() *ProcessProposalResponse {
	if v, ok := r.Value.(*Response_ProcessProposal); ok {
		return v.ProcessProposal
	}
	return nil
}

func (r *Response) GetExtendVote() *ExtendVoteResponse {
	if v, ok := r.Value.(*Response_ExtendVote); ok {
		return v.ExtendVote
	}
	return nil
}

func (r *Response) GetVerifyVoteExtension() *VerifyVoteExtensionResponse {
	if v, ok := r.Value.(*Response_VerifyVoteExtension); ok {
		return v.VerifyVoteExtension
	}
	return nil
}

func (r *Response) GetFinalizeBlock() *FinalizeBlockResponse {
	if v, ok := r.Value.(*Response_FinalizeBlock); ok {
		return v.FinalizeBlock
	}
	return nil
}

// GetFlush and its siblings unwrap Request.Value the same way.
func (r *Request) GetEcho() *EchoRequest {
	if v, ok := r.Value.(*Request_Echo); ok {
		return v.Echo
	}
	return nil
}

func (r *Request) GetFlush() *FlushRequest {
	if v, ok := r.Value.(*Request_Flush); ok {
		return v.Flush
	}
	return nil
}
