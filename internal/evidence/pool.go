package evidence

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	sm "github.com/bftlabs/tmcore/internal/state"
	"github.com/bftlabs/tmcore/libs/clist"
	"github.com/bftlabs/tmcore/libs/log"
	"github.com/bftlabs/tmcore/types"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

// IsEvidenceExpired reports whether evidence for evHeight/evTime has aged
// out relative to currentHeight/currentTime, given params. Evidence expires
// only once it exceeds both the block-count and duration bounds; either
// bound alone is not enough, since a stalled chain can rack up wall-clock
// time without producing blocks and vice versa.
func IsEvidenceExpired(currentHeight int64, currentTime time.Time, evHeight int64, evTime time.Time, params types.EvidenceParams) bool {
	ageDuration := currentTime.Sub(evTime)
	ageNumBlocks := currentHeight - evHeight
	return ageNumBlocks > params.MaxAgeNumBlocks && ageDuration > params.MaxAgeDuration
}

var (
	pendingKeyPrefix   = []byte("pending/")
	committedKeyPrefix = []byte("committed/")
)

// BlockStore is the subset of store.BlockStore the evidence pool needs to
// validate incoming evidence against block history.
type BlockStore interface {
	LoadBlockMeta(height int64) *types.BlockMeta
	LoadBlockCommit(height int64) *types.Commit
}

// PoolOption configures a Pool constructed with NewPool.
type PoolOption func(*Pool)

// WithDBKeyLayout selects the key layout the pool uses to persist evidence.
// Only "v1" and "v2" are recognized; any other value panics, matching the
// key-layout selection store.NewBlockStore performs for block data.
func WithDBKeyLayout(layout string) PoolOption {
	return func(pool *Pool) {
		switch layout {
		case "v1", "v2":
			pool.dbKeyLayout = layout
		default:
			panic(fmt.Sprintf("evidence: unrecognized db key layout %q", layout))
		}
	}
}

// conflictingVotePair is a pair of votes reported by consensus as
// conflicting. It's held until the next Update call supplies the validator
// set needed to turn it into DuplicateVoteEvidence with a correct voting
// power tally.
type conflictingVotePair struct {
	voteA *types.Vote
	voteB *types.Vote
}

// Pool maintains the pool of valid evidence to gossip to peers and include
// in proposed blocks, backed by a database for recovery across restarts.
type Pool struct {
	logger log.Logger

	db          dbm.DB
	dbKeyLayout string

	stateStore sm.Store
	blockStore BlockStore

	// evidenceList orders pending evidence for gossip; evidenceMap tracks
	// each hash's position within it for O(1) removal on Update.
	evidenceList *clist.CList

	mtx       sync.Mutex
	state     sm.State
	pending   map[string]*clist.CElement
	committed map[string]struct{}

	// conflicting vote pairs buffered by ReportConflictingVotes, converted
	// into evidence on the next Update once LastValidators is known.
	consensusBuffer []conflictingVotePair
}

// NewPool creates a Pool, recovering any evidence left pending in evidenceDB
// from a previous run.
func NewPool(evidenceDB dbm.DB, stateStore sm.Store, blockStore BlockStore, options ...PoolOption) (*Pool, error) {
	state, err := stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("cannot load state: %w", err)
	}

	pool := &Pool{
		logger:       log.NewNopLogger(),
		db:           evidenceDB,
		stateStore:   stateStore,
		blockStore:   blockStore,
		evidenceList: clist.New(),
		state:        state,
		pending:      make(map[string]*clist.CElement),
		committed:    make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if err := pool.recoverCommitted(); err != nil {
		return nil, err
	}
	if err := pool.recoverPending(); err != nil {
		return nil, err
	}
	pool.pruneExpired(state)

	return pool, nil
}

// SetLogger sets the pool's logger.
func (pool *Pool) SetLogger(logger log.Logger) {
	pool.logger = logger
}

// State returns the pool's current view of consensus state.
func (pool *Pool) State() sm.State {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	return pool.state
}

// PendingEvidence returns up to maxBytes worth of pending evidence, along
// with the total size, in bytes, of the evidence returned.
func (pool *Pool) PendingEvidence(maxBytes int64) (types.EvidenceList, int64) {
	var (
		evList    types.EvidenceList
		totalSize int64
	)

	for e := pool.evidenceList.Front(); e != nil; e = e.Next() {
		ev := e.Value.(types.Evidence)
		size := evidenceSize(ev)
		if maxBytes > 0 && totalSize+size > maxBytes {
			break
		}
		evList = append(evList, ev)
		totalSize += size
	}

	return evList, totalSize
}

// EvidenceFront returns the first element of the pending evidence list, for
// gossiping reactors to call Next()/NextWait() on.
func (pool *Pool) EvidenceFront() *clist.CElement {
	return pool.evidenceList.Front()
}

// EvidenceWaitChan returns a channel closed once evidence is available to
// gossip.
func (pool *Pool) EvidenceWaitChan() <-chan struct{} {
	return pool.evidenceList.WaitChan()
}

// AddEvidence checks the given evidence and, if valid and not already known,
// adds it to the pool and persists it.
func (pool *Pool) AddEvidence(ev types.Evidence) error {
	key := evidenceKey(ev)

	pool.mtx.Lock()
	_, isCommitted := pool.committed[key]
	_, isPending := pool.pending[key]
	state := pool.state
	pool.mtx.Unlock()

	if isCommitted {
		return types.NewErrInvalidEvidence(ErrEvidenceAlreadyCommitted)
	}
	if isPending {
		return nil
	}

	if err := pool.verify(ev, state); err != nil {
		return err
	}

	return pool.addPending(ev)
}

// CheckEvidence verifies each piece of evidence in evList and returns an
// error for the first one that fails: already committed, duplicated within
// the list itself, or invalid against the pool's current state.
func (pool *Pool) CheckEvidence(evList types.EvidenceList) error {
	pool.mtx.Lock()
	state := pool.state
	pool.mtx.Unlock()

	seen := make(map[string]struct{}, len(evList))
	for _, ev := range evList {
		key := evidenceKey(ev)

		pool.mtx.Lock()
		_, isCommitted := pool.committed[key]
		pool.mtx.Unlock()
		if isCommitted {
			return types.NewErrInvalidEvidence(ErrEvidenceAlreadyCommitted)
		}

		if _, dup := seen[key]; dup {
			return types.NewErrInvalidEvidence(ErrDuplicateEvidence)
		}
		seen[key] = struct{}{}

		pool.mtx.Lock()
		_, isPending := pool.pending[key]
		pool.mtx.Unlock()
		if isPending {
			continue
		}

		if err := pool.verify(ev, state); err != nil {
			return err
		}
	}
	return nil
}

// ReportConflictingVotes buffers a pair of votes reported by consensus as
// conflicting. They are converted into DuplicateVoteEvidence on the next
// Update, once the validator set they were cast under is known.
func (pool *Pool) ReportConflictingVotes(voteA, voteB *types.Vote) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	for _, pair := range pool.consensusBuffer {
		if votesEqual(pair.voteA, voteA) && votesEqual(pair.voteB, voteB) {
			return
		}
	}
	pool.consensusBuffer = append(pool.consensusBuffer, conflictingVotePair{voteA: voteA, voteB: voteB})
}

// Update advances the pool to the given state: evidence in committedEv is
// marked committed and removed from the pending list, buffered conflicting
// votes are turned into evidence now that the validator set is known, and
// expired pending evidence is pruned.
func (pool *Pool) Update(state sm.State, committedEv types.EvidenceList) {
	pool.mtx.Lock()
	pool.state = state
	buffer := pool.consensusBuffer
	pool.consensusBuffer = nil
	pool.mtx.Unlock()

	for _, ev := range committedEv {
		pool.markCommitted(ev)
	}

	for _, pair := range buffer {
		valSet := state.LastValidators
		if valSet == nil || valSet.Size() == 0 {
			continue
		}
		ev := types.NewDuplicateVoteEvidence(pair.voteA, pair.voteB, state.LastBlockTime, valSet)
		if ev == nil {
			continue
		}
		if err := pool.addPending(ev); err != nil {
			pool.logger.Error("failed to add evidence reported by consensus", "err", err)
		}
	}

	pool.pruneExpired(state)
}

func (pool *Pool) verify(ev types.Evidence, state sm.State) error {
	if err := ev.ValidateBasic(); err != nil {
		return types.NewErrInvalidEvidence(err)
	}

	if state.ConsensusParams.Evidence.MaxAgeNumBlocks > 0 || state.ConsensusParams.Evidence.MaxAgeDuration > 0 {
		if IsEvidenceExpired(state.LastBlockHeight, state.LastBlockTime, ev.Height(), ev.Time(), state.ConsensusParams.Evidence) {
			return types.NewErrInvalidEvidence(fmt.Errorf("evidence from height %d (created at: %v) is too old; min height %d min time %v",
				ev.Height(), ev.Time(), state.LastBlockHeight-state.ConsensusParams.Evidence.MaxAgeNumBlocks,
				state.LastBlockTime.Add(-state.ConsensusParams.Evidence.MaxAgeDuration)))
		}
	}

	if pool.blockStore != nil {
		meta := pool.blockStore.LoadBlockMeta(ev.Height())
		if meta != nil && !meta.Header.Time.Equal(ev.Time()) {
			return types.NewErrInvalidEvidence(fmt.Errorf("evidence time (%v) and block time (%v) is different", ev.Time(), meta.Header.Time))
		}
	}

	switch e := ev.(type) {
	case *types.DuplicateVoteEvidence:
		return pool.verifyDuplicateVote(e)
	default:
		return nil
	}
}

func (pool *Pool) verifyDuplicateVote(ev *types.DuplicateVoteEvidence) error {
	valSet, err := pool.stateStore.LoadValidators(ev.Height())
	if err != nil {
		return types.NewErrInvalidEvidence(fmt.Errorf("failed to load validator set at height %d: %w", ev.Height(), err))
	}

	_, val := valSet.GetByAddress(ev.VoteA.ValidatorAddress)
	if val == nil {
		return types.NewErrInvalidEvidence(fmt.Errorf("address %X was not a validator at height %d", ev.VoteA.ValidatorAddress, ev.Height()))
	}

	return nil
}

func (pool *Pool) addPending(ev types.Evidence) error {
	key := evidenceKey(ev)

	pool.mtx.Lock()
	if _, ok := pool.pending[key]; ok {
		pool.mtx.Unlock()
		return nil
	}
	elem := pool.evidenceList.PushBack(ev)
	pool.pending[key] = elem
	pool.mtx.Unlock()

	return pool.savePending(ev)
}

func (pool *Pool) markCommitted(ev types.Evidence) {
	key := evidenceKey(ev)

	pool.mtx.Lock()
	elem, ok := pool.pending[key]
	if ok {
		pool.evidenceList.Remove(elem)
		delete(pool.pending, key)
	}
	pool.committed[key] = struct{}{}
	pool.mtx.Unlock()

	if ok {
		if err := pool.db.Delete(pendingDBKey(ev)); err != nil {
			pool.logger.Error("failed to delete committed evidence from pending store", "err", err)
		}
	}
	if err := pool.db.SetSync(committedDBKey(ev), []byte{1}); err != nil {
		pool.logger.Error("failed to persist committed evidence", "err", err)
	}
}

func (pool *Pool) pruneExpired(state sm.State) {
	var toRemove []*clist.CElement

	pool.mtx.Lock()
	for e := pool.evidenceList.Front(); e != nil; e = e.Next() {
		ev := e.Value.(types.Evidence)
		if IsEvidenceExpired(state.LastBlockHeight, state.LastBlockTime, ev.Height(), ev.Time(), state.ConsensusParams.Evidence) {
			toRemove = append(toRemove, e)
		}
	}
	for _, e := range toRemove {
		ev := e.Value.(types.Evidence)
		delete(pool.pending, evidenceKey(ev))
		pool.evidenceList.Remove(e)
	}
	pool.mtx.Unlock()

	for _, e := range toRemove {
		ev := e.Value.(types.Evidence)
		if err := pool.db.Delete(pendingDBKey(ev)); err != nil {
			pool.logger.Error("failed to delete expired evidence", "err", err)
		}
	}
}

func (pool *Pool) savePending(ev types.Evidence) error {
	bz, err := marshalEvidence(ev)
	if err != nil {
		return err
	}
	return pool.db.SetSync(pendingDBKey(ev), bz)
}

func (pool *Pool) recoverPending() error {
	iter, err := pool.db.Iterator(pendingKeyPrefix, prefixUpperBound(pendingKeyPrefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		ev, err := unmarshalEvidence(iter.Value())
		if err != nil {
			pool.logger.Error("failed to recover pending evidence", "err", err)
			continue
		}
		elem := pool.evidenceList.PushBack(ev)
		pool.pending[evidenceKey(ev)] = elem
	}
	return iter.Error()
}

func (pool *Pool) recoverCommitted() error {
	iter, err := pool.db.Iterator(committedKeyPrefix, prefixUpperBound(committedKeyPrefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		key := bytes.TrimPrefix(iter.Key(), committedKeyPrefix)
		pool.committed[string(key)] = struct{}{}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func evidenceKey(ev types.Evidence) string {
	return string(ev.Hash())
}

func pendingDBKey(ev types.Evidence) []byte {
	return append(append([]byte{}, pendingKeyPrefix...), ev.Hash()...)
}

func committedDBKey(ev types.Evidence) []byte {
	return append(append([]byte{}, committedKeyPrefix...), ev.Hash()...)
}

func marshalEvidence(ev types.Evidence) ([]byte, error) {
	pb, err := types.EvidenceToProto(ev)
	if err != nil {
		return nil, err
	}
	return cmtproto.Marshal(pb)
}

func unmarshalEvidence(bz []byte) (types.Evidence, error) {
	pb := new(cmtproto.Evidence)
	if err := cmtproto.Unmarshal(bz, pb); err != nil {
		return nil, err
	}
	return types.EvidenceFromProto(pb)
}

func evidenceSize(ev types.Evidence) int64 {
	bz, err := marshalEvidence(ev)
	if err != nil {
		return int64(len(ev.Bytes()))
	}
	return int64(len(bz))
}

func votesEqual(a, b *types.Vote) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Height == b.Height && a.Round == b.Round && a.Type == b.Type &&
		bytes.Equal(a.ValidatorAddress, b.ValidatorAddress) && a.BlockID.Equals(b.BlockID)
}
