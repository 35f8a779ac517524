package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bftlabs/tmcore/crypto/tmhash"
	cmtbytes "github.com/bftlabs/tmcore/libs/bytes"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
	cmtversion "github.com/bftlabs/tmcore/version"
)

const (
	// MaxOverheadForBlock accounts for the wire encoding overhead of
	// composing a Header, Data, Evidence and LastCommit into a Block.
	MaxOverheadForBlock int64 = 11

	// MaxCommitOverheadBytes is the maximum size, in bytes, of a Commit's
	// fields other than its signatures.
	MaxCommitOverheadBytes int64 = 94

	// MaxVoteBytes is the maximum size, in bytes, of a single vote,
	// including a vote extension and its signature.
	MaxVoteBytes int64 = 209
)

// MaxCommitBytes returns the maximum size, in bytes, of a Commit made by a
// validator set of the given size.
func MaxCommitBytes(valCount int) int64 {
	return MaxCommitOverheadBytes + (MaxVoteBytes * int64(valCount))
}

// MaxDataBytes returns the maximum size of block's data, given a maximum
// block size, the total size occupied by evidence and the number of
// validators.
func MaxDataBytes(maxBytes, maxEvidenceBytes int64, valsCount int) int64 {
	maxDataBytes := maxBytes -
		MaxOverheadForBlock -
		MaxHeaderBytes -
		MaxCommitBytes(valsCount) -
		maxEvidenceBytes

	return max64(maxDataBytes, 0)
}

// MaxDataBytesNoEvidence returns the maximum size of block's data, given a
// maximum block size and the number of validators, assuming no evidence is
// present in the block.
func MaxDataBytesNoEvidence(maxBytes int64, valsCount int) int64 {
	maxDataBytes := maxBytes -
		MaxOverheadForBlock -
		MaxHeaderBytes -
		MaxCommitBytes(valsCount)

	return max64(maxDataBytes, 0)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Block defines the atomic unit of a blockchain: a header describing the
// chain's state, the transactions included, the misbehavior evidence
// carried along, and the commit that finalized the previous block.
type Block struct {
	Header     `json:"header"`
	Data       `json:"data"`
	Evidence   EvidenceList `json:"evidence"`
	LastCommit *Commit      `json:"last_commit"`
}

// lastCommitHash returns the hash a block's Header.LastCommitHash must
// equal, given its LastCommit.
func lastCommitHash(commit *Commit) []byte {
	if commit == nil {
		return nil
	}
	bz, err := wireEncode(commit)
	if err != nil {
		panic(err)
	}
	return tmhash.Sum(bz)
}

// ValidateBasic performs stateless validation on a Block, ensuring
// internal consistency between the header and the data/evidence it
// commits to.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if err := b.Header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}

	if b.LastCommit == nil {
		if b.Header.Height != 1 {
			return errors.New("nil LastCommit but Height is not 1")
		}
	} else if err := b.LastCommit.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong LastCommit: %w", err)
	}
	if !bytes.Equal(b.Header.LastCommitHash, lastCommitHash(b.LastCommit)) {
		return fmt.Errorf("wrong Header.LastCommitHash. Expected %X, got %X",
			lastCommitHash(b.LastCommit), b.Header.LastCommitHash)
	}

	if err := ValidateHash(b.DataHash); err != nil {
		return fmt.Errorf("wrong Header.DataHash: %w", err)
	}
	if !bytes.Equal(b.DataHash, b.Data.Hash()) {
		return fmt.Errorf("wrong Header.DataHash. Expected %X, got %X", b.Data.Hash(), b.DataHash)
	}

	for i, ev := range b.Evidence {
		if err := ev.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid evidence (#%d): %w", i, err)
		}
	}
	if !bytes.Equal(b.EvidenceHash, b.Evidence.Hash()) {
		return fmt.Errorf("wrong Header.EvidenceHash. Expected %X, got %X", b.Evidence.Hash(), b.EvidenceHash)
	}

	return nil
}

// MakeBlock returns a new block with its Data/Evidence/LastCommit hashes
// already populated in the header; the caller still needs to call
// Header.Populate to fill in state-derived fields (validators hash,
// consensus params hash, app hash, proposer) before the block can be
// hashed and proposed.
func MakeBlock(height int64, txs []Tx, lastCommit *Commit, evidence []Evidence) *Block {
	if evidence == nil {
		evidence = []Evidence{}
	}
	block := &Block{
		Header: Header{
			Version: cmtversion.Consensus{Block: cmtversion.BlockProtocol},
			Height:  height,
		},
		Data:       Data{Txs: txs},
		Evidence:   EvidenceList(evidence),
		LastCommit: lastCommit,
	}
	block.DataHash = block.Data.Hash()
	block.EvidenceHash = block.Evidence.Hash()
	block.LastCommitHash = cmtbytes.HexBytes(lastCommitHash(lastCommit))
	return block
}

// Hash computes the block hash, which is simply its header's hash: all
// other fields are already committed to via the header's data, evidence
// and last-commit hashes.
func (b *Block) Hash() cmtbytes.HexBytes {
	if b == nil {
		return nil
	}
	return b.Header.Hash()
}

// MakePartSet returns a PartSet containing parts of the wire-encoded
// block, each partSize bytes long except possibly the last.
func (b *Block) MakePartSet(partSize uint32) (*PartSet, error) {
	if b == nil {
		return nil, errors.New("nil block")
	}
	pbb, err := b.ToProto()
	if err != nil {
		return nil, err
	}
	bz, err := cmtproto.Marshal(pbb)
	if err != nil {
		return nil, err
	}
	return NewPartSetFromData(bz, partSize), nil
}

// HashesTo reports whether the block hashes to the given hash.
func (b *Block) HashesTo(hash []byte) bool {
	if len(hash) == 0 || b == nil {
		return false
	}
	return bytes.Equal(b.Hash(), hash)
}

// Size returns the size of the wire-encoded block in bytes.
func (b *Block) Size() int {
	pbb, err := b.ToProto()
	if err != nil {
		return 0
	}
	bz, err := cmtproto.Marshal(pbb)
	if err != nil {
		return 0
	}
	return len(bz)
}

// ToProto converts Block to its wire representation. Evidence is carried
// as opaque bytes at the wire layer; readers reconstruct concrete Evidence
// values from the domain EvidenceList kept alongside the block in storage.
func (b *Block) ToProto() (*cmtproto.Block, error) {
	if b == nil {
		return nil, errors.New("nil Block")
	}
	pb := new(cmtproto.Block)
	pb.Header = *b.Header.ToProto()
	pb.LastCommit = b.LastCommit.ToProto()
	pb.Data = b.Data.ToProto()

	evs, err := EvidenceListToProto(b.Evidence)
	if err != nil {
		return nil, err
	}
	pb.Evidence = evs
	return pb, nil
}

// BlockFromProto builds a Block from its wire representation.
func BlockFromProto(pb *cmtproto.Block) (*Block, error) {
	if pb == nil {
		return nil, errors.New("nil block")
	}
	b := new(Block)
	h, err := HeaderFromProto(&pb.Header)
	if err != nil {
		return nil, err
	}
	b.Header = h
	data, err := DataFromProto(&pb.Data)
	if err != nil {
		return nil, err
	}
	b.Data = data
	if pb.LastCommit != nil {
		commit, err := CommitFromProto(pb.LastCommit)
		if err != nil {
			return nil, err
		}
		b.LastCommit = commit
	}
	evl, err := EvidenceListFromProto(pb.Evidence)
	if err != nil {
		return nil, err
	}
	b.Evidence = evl
	return b, nil
}

// StringIndented returns an indented string representation of the block.
func (b *Block) StringIndented(indent string) string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf(`Block{
%s  %v
%s  %v
%s  %v
%s  %v
%s}#%v`,
		indent, b.Header.StringIndented(indent+"  "),
		indent, b.Data.StringIndented(indent+"  "),
		indent, b.Evidence,
		indent, b.LastCommit,
		indent, b.Hash())
}

// BlockMeta indexes a stored block without requiring the whole block body
// to be read back: block ID, byte size and header.
type BlockMeta struct {
	BlockID   BlockID `json:"block_id"`
	BlockSize int     `json:"block_size"`
	Header    Header  `json:"header"`
	NumTxs    int     `json:"num_txs"`
}

// NewBlockMeta returns metadata about the given block, referencing it by
// the BlockID formed from its hash and the given PartSetHeader.
func NewBlockMeta(block *Block, blockParts *PartSet) *BlockMeta {
	return &BlockMeta{
		BlockID:   BlockID{Hash: block.Hash(), PartSetHeader: blockParts.Header()},
		BlockSize: block.Size(),
		Header:    block.Header,
		NumTxs:    len(block.Data.Txs),
	}
}

// ToProto converts BlockMeta to its wire representation.
func (bm *BlockMeta) ToProto() *cmtproto.BlockMeta {
	if bm == nil {
		return nil
	}
	return &cmtproto.BlockMeta{
		BlockID:   bm.BlockID.ToProto(),
		BlockSize: bm.BlockSize,
		Header:    *bm.Header.ToProto(),
		NumTxs:    bm.NumTxs,
	}
}

// BlockMetaFromProto builds a BlockMeta from its wire representation.
func BlockMetaFromProto(pb *cmtproto.BlockMeta) (*BlockMeta, error) {
	if pb == nil {
		return nil, errors.New("nil BlockMeta")
	}
	blockID, err := BlockIDFromProto(&pb.BlockID)
	if err != nil {
		return nil, err
	}
	header, err := HeaderFromProto(&pb.Header)
	if err != nil {
		return nil, err
	}
	return &BlockMeta{
		BlockID:   *blockID,
		BlockSize: pb.BlockSize,
		Header:    header,
		NumTxs:    pb.NumTxs,
	}, nil
}
