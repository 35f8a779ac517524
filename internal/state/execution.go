package state

import (
	"context"
	"fmt"

	abci "github.com/bftlabs/tmcore/abci/types"
	"github.com/bftlabs/tmcore/crypto/merkle"
	"github.com/bftlabs/tmcore/libs/log"
	"github.com/bftlabs/tmcore/libs/wire"
	"github.com/bftlabs/tmcore/mempool"
	"github.com/bftlabs/tmcore/proxy"
	"github.com/bftlabs/tmcore/types"
	cmttime "github.com/bftlabs/tmcore/types/time"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

// EvidencePool is the subset of the evidence pool the block executor needs:
// enough to fill proposed blocks with pending evidence, validate incoming
// evidence, and advance the pool's view of state after a block commits.
type EvidencePool interface {
	PendingEvidence(maxBytes int64) (types.EvidenceList, int64)
	CheckEvidence(evidence types.EvidenceList) error
	Update(state State, ev types.EvidenceList)
}

// BlockEventPublisher is the subset of event-bus behavior the block
// executor needs to announce the outcome of executing a block. Callers not
// interested in these events can leave it unset; NewBlockExecutor defaults
// to a no-op publisher.
type BlockEventPublisher interface {
	PublishEventNewBlock(block *types.Block, blockID types.BlockID, result *abci.FinalizeBlockResponse) error
	PublishEventTx(result abci.TxResult) error
	PublishEventNewEvidence(ev types.Evidence, height int64) error
	PublishEventValidatorSetUpdates(updates []*types.Validator) error
}

type nopEventPublisher struct{}

func (nopEventPublisher) PublishEventNewBlock(*types.Block, types.BlockID, *abci.FinalizeBlockResponse) error {
	return nil
}
func (nopEventPublisher) PublishEventTx(abci.TxResult) error                  { return nil }
func (nopEventPublisher) PublishEventNewEvidence(types.Evidence, int64) error { return nil }
func (nopEventPublisher) PublishEventValidatorSetUpdates([]*types.Validator) error {
	return nil
}

// BlockExecutor handles block execution and state updates. It exposes
// ApplyBlock, which validates and executes a block, updates state with the
// ABCI response, commits the application, and updates the mempool
// atomically.
type BlockExecutor struct {
	store Store

	blockStore BlockStore

	pruner *Pruner

	proxyApp proxy.AppConnConsensus

	eventBus BlockEventPublisher

	mempool mempool.Mempool
	evpool  EvidencePool

	logger log.Logger

	metrics *Metrics
}

// BlockExecutorOption sets an optional field on a BlockExecutor.
type BlockExecutorOption func(executor *BlockExecutor)

// BlockExecutorWithPruner attaches a Pruner that ApplyBlock advances the
// application block retain height of after every commit.
func BlockExecutorWithPruner(pruner *Pruner) BlockExecutorOption {
	return func(blockExec *BlockExecutor) {
		blockExec.pruner = pruner
	}
}

// BlockExecutorWithMetrics attaches Metrics to record execution timing and
// counters against.
func BlockExecutorWithMetrics(metrics *Metrics) BlockExecutorOption {
	return func(blockExec *BlockExecutor) {
		blockExec.metrics = metrics
	}
}

// NewBlockExecutor returns a new BlockExecutor with a no-op event publisher.
// Call SetEventBus to provide one.
func NewBlockExecutor(
	stateStore Store,
	logger log.Logger,
	proxyApp proxy.AppConnConsensus,
	mp mempool.Mempool,
	evpool EvidencePool,
	blockStore BlockStore,
	options ...BlockExecutorOption,
) *BlockExecutor {
	res := &BlockExecutor{
		store:      stateStore,
		proxyApp:   proxyApp,
		eventBus:   nopEventPublisher{},
		mempool:    mp,
		evpool:     evpool,
		logger:     logger,
		metrics:    NopMetrics(),
		blockStore: blockStore,
	}

	for _, option := range options {
		option(res)
	}

	return res
}

// Store returns the executor's state store.
func (blockExec *BlockExecutor) Store() Store {
	return blockExec.store
}

// SetEventBus sets the publisher used to announce block execution events.
// If not called, events are silently dropped.
func (blockExec *BlockExecutor) SetEventBus(eventBus BlockEventPublisher) {
	blockExec.eventBus = eventBus
}

// CreateProposalBlock calls state.MakeBlock with evidence from the evpool
// and txs from the mempool. The block space is first allocated to
// outstanding evidence; the rest is given to txs, up to the max gas.
//
// Contract: the application will not return more bytes than are sent over
// the wire.
func (blockExec *BlockExecutor) CreateProposalBlock(
	ctx context.Context,
	height int64,
	state State,
	lastExtCommit *types.ExtendedCommit,
	proposerAddr []byte,
) (*types.Block, error) {
	maxBytes := state.ConsensusParams.Block.MaxBytes
	emptyMaxBytes := maxBytes == -1
	if emptyMaxBytes {
		maxBytes = int64(types.MaxBlockSizeBytes)
	}

	maxGas := state.ConsensusParams.Block.MaxGas

	evidence, evSize := blockExec.evpool.PendingEvidence(state.ConsensusParams.Evidence.MaxBytes)

	maxDataBytes := types.MaxDataBytes(maxBytes, evSize, state.Validators.Size())
	maxReapBytes := maxDataBytes
	if emptyMaxBytes {
		maxReapBytes = -1
	}

	txs := blockExec.mempool.ReapMaxBytesMaxGas(maxReapBytes, maxGas)
	commit := lastExtCommit.ToCommit()
	block := state.MakeBlock(height, txs, commit, evidence, proposerAddr)

	rpp, err := blockExec.proxyApp.PrepareProposal(ctx, &abci.PrepareProposalRequest{
		MaxTxBytes:         maxDataBytes,
		Txs:                block.Txs.ToSliceOfBytes(),
		LocalLastCommit:    buildExtendedCommitInfoFromStore(lastExtCommit, blockExec.store, state.InitialHeight, state.ConsensusParams.Feature),
		Misbehavior:        block.Evidence.ToABCI(),
		Height:             block.Height,
		Time:               block.Time,
		NextValidatorsHash: block.NextValidatorsHash,
		ProposerAddress:    block.ProposerAddress,
	})
	if err != nil {
		// The application must only admit processable transactions into the
		// mempool; an error here leaves us unable to recover meaningfully
		// short of skipping the proposal.
		return nil, err
	}

	txl := types.ToTxs(rpp.Txs)
	if err := txl.Validate(maxDataBytes); err != nil {
		return nil, err
	}

	return state.MakeBlock(height, txl, commit, evidence, proposerAddr), nil
}

// ProcessProposal asks the application to validate a proposed block.
func (blockExec *BlockExecutor) ProcessProposal(block *types.Block, state State) (bool, error) {
	resp, err := blockExec.proxyApp.ProcessProposal(context.TODO(), &abci.ProcessProposalRequest{
		Hash:               block.Header.Hash(),
		Height:             block.Header.Height,
		Time:               block.Header.Time,
		Txs:                block.Data.Txs.ToSliceOfBytes(),
		ProposedLastCommit: buildLastCommitInfoFromStore(block, blockExec.store, state.InitialHeight),
		Misbehavior:        block.Evidence.ToABCI(),
		ProposerAddress:    block.ProposerAddress,
		NextValidatorsHash: block.NextValidatorsHash,
	})
	if err != nil {
		return false, err
	}
	if resp.Status == abci.PROCESS_PROPOSAL_STATUS_UNKNOWN {
		panic("ProcessProposal responded with an unknown status")
	}

	return resp.Status == abci.PROCESS_PROPOSAL_STATUS_ACCEPT, nil
}

// ValidateBlock validates the given block against the given state. If the
// block is invalid, it returns an error. Validation does not mutate state,
// but does require historical information from the store, e.g. to verify
// evidence from a validator at an old height.
func (blockExec *BlockExecutor) ValidateBlock(state State, block *types.Block) error {
	if err := validateBlock(state, block); err != nil {
		return err
	}
	return blockExec.evpool.CheckEvidence(block.Evidence)
}

// ApplyVerifiedBlock does the same as ApplyBlock, but skips verification.
func (blockExec *BlockExecutor) ApplyVerifiedBlock(
	state State, blockID types.BlockID, block *types.Block, syncingToHeight int64,
) (State, error) {
	return blockExec.applyBlock(state, blockID, block, syncingToHeight)
}

// ApplyBlock validates the block against the state, executes it against the
// application, fires the relevant events, commits the application, and
// saves the new state and responses. It returns the new state. It is the
// only function that needs to be called from outside this package to
// process and commit an entire block. It takes a blockID to avoid
// recomputing the parts hash.
func (blockExec *BlockExecutor) ApplyBlock(
	state State, blockID types.BlockID, block *types.Block, syncingToHeight int64,
) (State, error) {
	if err := validateBlock(state, block); err != nil {
		return state, ErrInvalidBlock(err)
	}

	return blockExec.applyBlock(state, blockID, block, syncingToHeight)
}

func (blockExec *BlockExecutor) applyBlock(state State, blockID types.BlockID, block *types.Block, syncingToHeight int64) (State, error) {
	startTime := cmttime.Now().UnixNano()
	abciResponse, err := blockExec.proxyApp.FinalizeBlock(context.TODO(), &abci.FinalizeBlockRequest{
		Hash:               block.Hash(),
		NextValidatorsHash: block.NextValidatorsHash,
		ProposerAddress:    block.ProposerAddress,
		Height:             block.Height,
		Time:               block.Time,
		DecidedLastCommit:  buildLastCommitInfoFromStore(block, blockExec.store, state.InitialHeight),
		Misbehavior:        block.Evidence.ToABCI(),
		Txs:                block.Txs.ToSliceOfBytes(),
	})
	endTime := cmttime.Now().UnixNano()
	blockExec.metrics.BlockProcessingTime.Observe(float64(endTime-startTime) / 1000000)
	if err != nil {
		blockExec.logger.Error("error in proxyAppConn.FinalizeBlock", "err", err)
		return state, err
	}

	blockExec.logger.Info(
		"finalized block",
		"height", block.Height,
		"num_txs_res", len(abciResponse.TxResults),
		"num_val_updates", len(abciResponse.ValidatorUpdates),
		"block_app_hash", fmt.Sprintf("%X", abciResponse.AppHash),
		"syncing_to_height", syncingToHeight,
	)

	if len(block.Data.Txs) != len(abciResponse.TxResults) {
		return state, fmt.Errorf("expected tx results length to match size of transactions in block. Expected %d, got %d", len(block.Data.Txs), len(abciResponse.TxResults))
	}

	if err := blockExec.store.SaveFinalizeBlockResponse(block.Height, abciResponse); err != nil {
		return state, err
	}

	if err := validateValidatorUpdates(abciResponse.ValidatorUpdates, state.ConsensusParams.Validator); err != nil {
		return state, fmt.Errorf("error in validator updates: %w", err)
	}

	validatorUpdates, err := types.PB2TM.ValidatorUpdates(abciResponse.ValidatorUpdates)
	if err != nil {
		return state, err
	}
	if len(validatorUpdates) > 0 {
		blockExec.logger.Info("updates to validators", "updates", validatorUpdates)
		blockExec.metrics.ValidatorSetUpdates.Add(1)
	}
	if abciResponse.ConsensusParamUpdates != nil {
		blockExec.metrics.ConsensusParamUpdates.Add(1)
	}

	state, err = updateState(state, blockID, &block.Header, abciResponse, validatorUpdates)
	if err != nil {
		return state, fmt.Errorf("commit failed for application: %w", err)
	}

	retainHeight, err := blockExec.Commit(state, block, abciResponse)
	if err != nil {
		return state, fmt.Errorf("commit failed for application: %w", err)
	}

	blockExec.evpool.Update(state, block.Evidence)

	state.AppHash = abciResponse.AppHash
	if err := blockExec.store.Save(state); err != nil {
		return state, err
	}

	if retainHeight > 0 && blockExec.pruner != nil {
		if err := blockExec.pruner.SetApplicationBlockRetainHeight(retainHeight); err != nil {
			blockExec.logger.Error("failed to set application block retain height", "retainHeight", retainHeight, "err", err)
		}
	}

	// Events are fired after everything else. If we crash between Commit
	// and Save, events won't be fired during replay.
	fireEvents(blockExec.logger, blockExec.eventBus, block, blockID, abciResponse, validatorUpdates)

	return state, nil
}

// ExtendVote asks the application to extend a precommit vote with
// application-specific data.
func (blockExec *BlockExecutor) ExtendVote(ctx context.Context, vote *types.Vote, block *types.Block, state State) ([]byte, error) {
	if !block.HashesTo(vote.BlockID.Hash) {
		panic(fmt.Sprintf("vote's hash does not match the block it is referring to %X!=%X", block.Hash(), vote.BlockID.Hash))
	}
	if vote.Height != block.Height {
		panic(fmt.Sprintf("vote's and block's heights do not match %d!=%d", block.Height, vote.Height))
	}

	req := abci.ExtendVoteRequest{
		Hash:               vote.BlockID.Hash,
		Height:             vote.Height,
		Time:               block.Time,
		Txs:                block.Txs.ToSliceOfBytes(),
		ProposedLastCommit: buildLastCommitInfoFromStore(block, blockExec.store, state.InitialHeight),
		Misbehavior:        block.Evidence.ToABCI(),
	}

	resp, err := blockExec.proxyApp.ExtendVote(ctx, &req)
	if err != nil {
		panic(fmt.Errorf("extendVote call failed: %w", err))
	}
	return resp.VoteExtension, nil
}

// VerifyVoteExtension asks the application whether it accepts a peer's
// vote extension.
func (blockExec *BlockExecutor) VerifyVoteExtension(ctx context.Context, vote *types.Vote) error {
	req := abci.VerifyVoteExtensionRequest{
		Hash:             vote.BlockID.Hash,
		ValidatorAddress: vote.ValidatorAddress,
		Height:           vote.Height,
		VoteExtension:    vote.Extension,
	}

	resp, err := blockExec.proxyApp.VerifyVoteExtension(ctx, &req)
	if err != nil {
		panic(fmt.Errorf("verifyVoteExtension call failed: %w", err))
	}
	if resp.Status == abci.VERIFY_VOTE_EXTENSION_STATUS_UNKNOWN {
		panic("VerifyVoteExtension responded with an unknown status")
	}
	if resp.Status != abci.VERIFY_VOTE_EXTENSION_STATUS_ACCEPT {
		return types.ErrInvalidVoteExtension
	}
	return nil
}

// Commit locks the mempool, runs the ABCI Commit message, and
// asynchronously starts updating the mempool. It returns the height the
// application asked to retain (if any). The application is expected to
// have persisted its state before returning from the ABCI Commit call;
// this is the only place the application should persist its state.
//
// The mempool must be locked during commit and update because state is
// typically reset on Commit and old txs must be replayed against
// committed state before new txs are run in the mempool. The mempool is
// unlocked when the asynchronous update routine completes.
func (blockExec *BlockExecutor) Commit(state State, block *types.Block, abciResponse *abci.FinalizeBlockResponse) (int64, error) {
	blockExec.mempool.PreUpdate()
	blockExec.mempool.Lock()
	unlockMempool := func() { blockExec.mempool.Unlock() }

	if err := blockExec.mempool.FlushAppConn(); err != nil {
		unlockMempool()
		blockExec.logger.Error("client error during mempool.FlushAppConn, flushing mempool", "err", err)
		return 0, err
	}

	res, err := blockExec.proxyApp.Commit(context.TODO())
	if err != nil {
		unlockMempool()
		blockExec.logger.Error("client error during proxyAppConn.Commit", "err", err)
		return 0, err
	}

	blockExec.logger.Info("committed state", "height", block.Height, "block_app_hash", fmt.Sprintf("%X", block.AppHash))

	go blockExec.asyncUpdateMempool(unlockMempool, block, state.Copy(), abciResponse)

	return res.RetainHeight, nil
}

func (blockExec *BlockExecutor) asyncUpdateMempool(unlockMempool func(), block *types.Block, state State, abciResponse *abci.FinalizeBlockResponse) {
	defer unlockMempool()

	err := blockExec.mempool.Update(
		block.Height,
		block.Txs,
		abciResponse.TxResults,
		TxPreCheck(state),
		TxPostCheck(state),
	)
	if err != nil {
		// Out of legacy behavior we panic here: before the mempool update
		// was made asynchronous from Commit, a failed update panicked too.
		panic(fmt.Sprintf("client error during mempool.Update; error %v", err))
	}
}

// ---------------------------------------------------------------------
// Helper functions for executing blocks and updating state.

func buildLastCommitInfoFromStore(block *types.Block, store Store, initialHeight int64) abci.CommitInfo {
	if block.Height == initialHeight {
		return abci.CommitInfo{}
	}

	lastValSet, err := store.LoadValidators(block.Height - 1)
	if err != nil {
		panic(fmt.Errorf("failed to load validator set at height %d: %w", block.Height-1, err))
	}

	return BuildLastCommitInfo(block, lastValSet, initialHeight)
}

// BuildLastCommitInfo builds a CommitInfo from the given block and validator
// set. Use buildLastCommitInfoFromStore to load the validator set from the
// store instead.
func BuildLastCommitInfo(block *types.Block, lastValSet *types.ValidatorSet, initialHeight int64) abci.CommitInfo {
	if block.Height == initialHeight {
		return abci.CommitInfo{}
	}

	commitSize := block.LastCommit.Size()
	valSetLen := len(lastValSet.Validators)
	if commitSize != valSetLen {
		panic(fmt.Sprintf(
			"commit size (%d) doesn't match validator set length (%d) at height %d\n\n%v\n\n%v",
			commitSize, valSetLen, block.Height, block.LastCommit.Signatures, lastValSet.Validators,
		))
	}

	votes := make([]abci.VoteInfo, commitSize)
	for i, val := range lastValSet.Validators {
		commitSig := block.LastCommit.Signatures[i]
		votes[i] = abci.VoteInfo{
			Validator:   types.TM2PB.Validator(val),
			BlockIDFlag: int32(commitSig.BlockIDFlag),
		}
	}

	return abci.CommitInfo{Round: block.LastCommit.Round, Votes: votes}
}

// buildExtendedCommitInfoFromStore populates an ABCI extended commit from
// the corresponding ExtendedCommit ec, using the validator set stored at
// ec's height. It requires ec to include the original precommit votes
// along with the vote extensions from the last commit.
//
// For heights below the initial height, for which the required data is not
// available, it returns an empty record.
//
// Assumes commit signatures are sorted according to validator index.
func buildExtendedCommitInfoFromStore(ec *types.ExtendedCommit, store Store, initialHeight int64, fp types.FeatureParams) abci.ExtendedCommitInfo {
	if ec.Height < initialHeight {
		return abci.ExtendedCommitInfo{}
	}

	valSet, err := store.LoadValidators(ec.Height)
	if err != nil {
		panic(fmt.Errorf("failed to load validator set at height %d, initial height %d: %w", ec.Height, initialHeight, err))
	}

	return BuildExtendedCommitInfo(ec, valSet, initialHeight, fp)
}

// BuildExtendedCommitInfo builds an ExtendedCommitInfo from the given
// extended commit and validator set. Use buildExtendedCommitInfoFromStore to
// load the validator set from the store instead.
func BuildExtendedCommitInfo(ec *types.ExtendedCommit, valSet *types.ValidatorSet, initialHeight int64, fp types.FeatureParams) abci.ExtendedCommitInfo {
	if ec.Height < initialHeight {
		return abci.ExtendedCommitInfo{}
	}

	ecSize := len(ec.ExtendedSignatures)
	valSetLen := len(valSet.Validators)
	if ecSize != valSetLen {
		panic(fmt.Errorf(
			"extended commit size (%d) does not match validator set length (%d) at height %d\n\n%v\n\n%v",
			ecSize, valSetLen, ec.Height, ec.ExtendedSignatures, valSet.Validators,
		))
	}

	votes := make([]abci.ExtendedVoteInfo, ecSize)
	for i, val := range valSet.Validators {
		ecs := ec.ExtendedSignatures[i]

		if ecs.BlockIDFlag != types.BlockIDFlagAbsent && !bytesEqual(ecs.ValidatorAddress, val.Address) {
			panic(fmt.Errorf("validator address of extended commit signature in position %d (%X) does not match the corresponding validator's at height %d (%X)",
				i, ecs.ValidatorAddress, ec.Height, val.Address,
			))
		}

		// Vote extensions are only expected to be present if they were
		// enabled during ec's height.
		if err := ecs.EnsureExtensions(fp.VoteExtensionsEnabled(ec.Height)); err != nil {
			panic(fmt.Errorf("commit at height %d has problems with vote extension data; err %w", ec.Height, err))
		}

		votes[i] = abci.ExtendedVoteInfo{
			Validator:          types.TM2PB.Validator(val),
			BlockIDFlag:        int32(ecs.BlockIDFlag),
			VoteExtension:      ecs.Extension,
			ExtensionSignature: ecs.ExtensionSignature,
		}
	}

	return abci.ExtendedCommitInfo{Round: ec.Round, Votes: votes}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func validateValidatorUpdates(abciUpdates []abci.ValidatorUpdate, params types.ValidatorParams) error {
	for _, valUpdate := range abciUpdates {
		if valUpdate.Power < 0 {
			return fmt.Errorf("voting power of %X can't be negative", valUpdate.PubKeyBytes)
		}
		if !types.IsValidPubkeyType(params, valUpdate.PubKeyType) {
			return fmt.Errorf("validator %X is using pubkey %s, which is unsupported for consensus",
				valUpdate.PubKeyBytes, valUpdate.PubKeyType)
		}
	}
	return nil
}

// updateState returns a new State updated according to the header and
// responses.
func updateState(
	state State,
	blockID types.BlockID,
	header *types.Header,
	abciResponse *abci.FinalizeBlockResponse,
	validatorUpdates []*types.Validator,
) (State, error) {
	nValSet := state.NextValidators.Copy()

	lastHeightValsChanged := state.LastHeightValidatorsChanged
	if len(validatorUpdates) > 0 {
		if err := nValSet.UpdateWithChangeSet(validatorUpdates); err != nil {
			return state, fmt.Errorf("changing validator set: %w", err)
		}
		// Changes from this height only apply at height + 2.
		lastHeightValsChanged = header.Height + 1 + 1
	}

	nValSet.IncrementProposerPriority(1)

	nextParams := state.ConsensusParams
	lastHeightParamsChanged := state.LastHeightConsensusParamsChanged
	if pbParams, ok := abciResponse.ConsensusParamUpdates.(*cmtproto.ConsensusParams); ok && pbParams != nil {
		nextParams = state.ConsensusParams.Update(pbParams)
		if err := nextParams.ValidateBasic(); err != nil {
			return state, fmt.Errorf("validating new consensus params: %w", err)
		}
		if err := state.ConsensusParams.ValidateUpdate(pbParams, header.Height); err != nil {
			return state, fmt.Errorf("updating consensus params: %w", err)
		}

		state.Version.Consensus.App = nextParams.Version.App
		lastHeightParamsChanged = header.Height + 1
	}

	return State{
		Version:                          state.Version,
		ChainID:                          state.ChainID,
		InitialHeight:                    state.InitialHeight,
		LastBlockHeight:                  header.Height,
		LastBlockID:                      blockID,
		LastBlockTime:                    header.Time,
		NextValidators:                   nValSet,
		Validators:                       state.NextValidators.Copy(),
		LastValidators:                   state.Validators.Copy(),
		LastHeightValidatorsChanged:      lastHeightValsChanged,
		ConsensusParams:                  nextParams,
		LastHeightConsensusParamsChanged: lastHeightParamsChanged,
		LastResultsHash:                  TxResultsHash(abciResponse.TxResults),
		AppHash:                          nil,
	}, nil
}

// TxResultsHash returns the Merkle root hash of the wire-encoded tx results,
// stored in a block header's LastResultsHash.
func TxResultsHash(txResults []*abci.ExecTxResult) []byte {
	items := make([][]byte, len(txResults))
	for i, r := range txResults {
		bz, err := wire.Marshal(r)
		if err != nil {
			panic(err)
		}
		items[i] = bz
	}
	return merkle.HashFromByteSlices(items)
}

// Fire NewBlock, tx and evidence events. If CometBFT crashes before commit,
// some or all of these events may be published again on replay.
func fireEvents(
	logger log.Logger,
	eventBus BlockEventPublisher,
	block *types.Block,
	blockID types.BlockID,
	abciResponse *abci.FinalizeBlockResponse,
	validatorUpdates []*types.Validator,
) {
	if err := eventBus.PublishEventNewBlock(block, blockID, abciResponse); err != nil {
		logger.Error("failed publishing new block", "err", err)
	}

	for _, ev := range block.Evidence {
		if err := eventBus.PublishEventNewEvidence(ev, block.Height); err != nil {
			logger.Error("failed publishing new evidence", "err", err)
		}
	}

	for i, tx := range block.Data.Txs {
		if err := eventBus.PublishEventTx(abci.TxResult{
			Height: block.Height,
			Index:  uint32(i),
			Tx:     tx,
			Result: *(abciResponse.TxResults[i]),
		}); err != nil {
			logger.Error("failed publishing event tx", "err", err)
		}
	}

	if len(validatorUpdates) > 0 {
		if err := eventBus.PublishEventValidatorSetUpdates(validatorUpdates); err != nil {
			logger.Error("failed publishing validator set update event", "err", err)
		}
	}
}

// ExecCommitBlock executes and commits a block on the application without
// validating or mutating state. It returns the application root hash.
func ExecCommitBlock(
	appConnConsensus proxy.AppConnConsensus,
	block *types.Block,
	logger log.Logger,
	store Store,
	initialHeight int64,
) ([]byte, error) {
	commitInfo := buildLastCommitInfoFromStore(block, store, initialHeight)

	resp, err := appConnConsensus.FinalizeBlock(context.TODO(), &abci.FinalizeBlockRequest{
		Hash:               block.Hash(),
		NextValidatorsHash: block.NextValidatorsHash,
		ProposerAddress:    block.ProposerAddress,
		Height:             block.Height,
		Time:               block.Time,
		DecidedLastCommit:  commitInfo,
		Misbehavior:        block.Evidence.ToABCI(),
		Txs:                block.Txs.ToSliceOfBytes(),
	})
	if err != nil {
		logger.Error("error in proxyAppConn.FinalizeBlock", "err", err)
		return nil, err
	}

	if len(block.Data.Txs) != len(resp.TxResults) {
		return nil, fmt.Errorf("expected tx results length to match size of transactions in block. Expected %d, got %d", len(block.Data.Txs), len(resp.TxResults))
	}

	logger.Info("executed block", "height", block.Height, "app_hash", fmt.Sprintf("%X", resp.AppHash))

	if _, err := appConnConsensus.Commit(context.TODO()); err != nil {
		logger.Error("client error during proxyAppConn.Commit", "err", err)
		return nil, err
	}

	return resp.AppHash, nil
}
