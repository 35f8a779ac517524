package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/bftlabs/tmcore/crypto"
	"github.com/bftlabs/tmcore/crypto/merkle"
	"github.com/bftlabs/tmcore/crypto/tmhash"
	cmtbytes "github.com/bftlabs/tmcore/libs/bytes"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
	cmtversion "github.com/bftlabs/tmcore/version"
)

// MaxHeaderBytes is the maximum size, in bytes, of a Header.
const MaxHeaderBytes int64 = 626

// MaxChainIDLen is the maximum length of a chain ID.
const MaxChainIDLen = 50

// Header defines the structure of a block header.
type Header struct {
	Version cmtversion.Consensus `json:"version"`
	ChainID string               `json:"chain_id"`
	Height  int64                `json:"height"`
	Time    time.Time            `json:"time"`

	LastBlockID BlockID `json:"last_block_id"`

	LastCommitHash cmtbytes.HexBytes `json:"last_commit_hash"`
	DataHash       cmtbytes.HexBytes `json:"data_hash"`

	ValidatorsHash     cmtbytes.HexBytes `json:"validators_hash"`
	NextValidatorsHash cmtbytes.HexBytes `json:"next_validators_hash"`
	ConsensusHash      cmtbytes.HexBytes `json:"consensus_hash"`
	AppHash            cmtbytes.HexBytes `json:"app_hash"`
	LastResultsHash    cmtbytes.HexBytes `json:"last_results_hash"`

	EvidenceHash    cmtbytes.HexBytes `json:"evidence_hash"`
	ProposerAddress cmtbytes.HexBytes `json:"proposer_address"`
}

// Populate fills the remaining header fields, given the block's parent state.
func (h *Header) Populate(
	version cmtversion.Consensus, chainID string,
	timestamp time.Time, lastBlockID BlockID,
	valHash, nextValHash []byte,
	consensusHash, appHash, lastResultsHash []byte,
	proposerAddress []byte,
) {
	h.Version = version
	h.ChainID = chainID
	h.Time = timestamp
	h.LastBlockID = lastBlockID
	h.ValidatorsHash = valHash
	h.NextValidatorsHash = nextValHash
	h.ConsensusHash = consensusHash
	h.AppHash = appHash
	h.LastResultsHash = lastResultsHash
	h.ProposerAddress = proposerAddress
}

// ValidateBasic performs stateless validation on a Header.
func (h Header) ValidateBasic() error {
	if h.Version.Block != cmtversion.BlockProtocol {
		return fmt.Errorf("block protocol is incorrect: got: %d, want: %d", h.Version.Block, cmtversion.BlockProtocol)
	}
	if len(h.ChainID) > MaxChainIDLen {
		return fmt.Errorf("chainID is too long; got: %d, max: %d", len(h.ChainID), MaxChainIDLen)
	}
	if h.Height < 0 {
		return errors.New("negative Height")
	} else if h.Height == 0 {
		return errors.New("zero Height")
	}
	if err := h.LastBlockID.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong LastBlockID: %w", err)
	}
	if err := ValidateHash(h.LastCommitHash); err != nil {
		return fmt.Errorf("wrong LastCommitHash: %w", err)
	}
	if err := ValidateHash(h.DataHash); err != nil {
		return fmt.Errorf("wrong DataHash: %w", err)
	}
	if err := ValidateHash(h.EvidenceHash); err != nil {
		return fmt.Errorf("wrong EvidenceHash: %w", err)
	}
	if len(h.ProposerAddress) != crypto.AddressSize {
		return fmt.Errorf("invalid ProposerAddress length; got: %d, expected: %d",
			len(h.ProposerAddress), crypto.AddressSize)
	}
	if len(h.ValidatorsHash) != tmhash.Size {
		return fmt.Errorf("expected ValidatorsHash size to be %d bytes, got %d bytes",
			tmhash.Size, len(h.ValidatorsHash))
	}
	if len(h.NextValidatorsHash) != tmhash.Size {
		return fmt.Errorf("expected NextValidatorsHash size to be %d bytes, got %d bytes",
			tmhash.Size, len(h.NextValidatorsHash))
	}
	if len(h.ConsensusHash) != tmhash.Size {
		return fmt.Errorf("expected ConsensusHash size to be %d bytes, got %d bytes",
			tmhash.Size, len(h.ConsensusHash))
	}
	if h.LastBlockID.IsZero() && h.Height != 1 {
		return errors.New("last block id is zero but height is not 1")
	}
	return nil
}

// Hash returns the merkle root of the fields in the header, computed over
// their canonical order.
func (h *Header) Hash() cmtbytes.HexBytes {
	if h == nil || len(h.ValidatorsHash) == 0 {
		return nil
	}
	hbz, err := wireEncode(h.Version)
	if err != nil {
		return nil
	}
	bzTime, err := h.Time.MarshalBinary()
	if err != nil {
		return nil
	}

	pbBlockID := h.LastBlockID.ToProto()
	bzBI, err := pbBlockID.Marshal()
	if err != nil {
		return nil
	}

	return merkle.HashFromByteSlices([][]byte{
		hbz,
		cdcEncode(h.ChainID),
		cdcEncode(h.Height),
		bzTime,
		bzBI,
		cdcEncode(h.LastCommitHash),
		cdcEncode(h.DataHash),
		cdcEncode(h.ValidatorsHash),
		cdcEncode(h.NextValidatorsHash),
		cdcEncode(h.ConsensusHash),
		cdcEncode(h.AppHash),
		cdcEncode(h.LastResultsHash),
		cdcEncode(h.EvidenceHash),
		cdcEncode(h.ProposerAddress),
	})
}

// StringIndented returns an indented string representation of the header.
func (h *Header) StringIndented(indent string) string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf(`Header{
%s  Version:        %v
%s  ChainID:        %v
%s  Height:         %v
%s  Time:           %v
%s  LastBlockID:    %v
%s  LastCommit:     %v
%s  Data:           %v
%s  Validators:     %v
%s  NextValidators: %v
%s  App:            %v
%s  Consensus:      %v
%s  Results:        %v
%s  Evidence:       %v
%s  Proposer:       %v
%s}`,
		indent, h.Version,
		indent, h.ChainID,
		indent, h.Height,
		indent, h.Time,
		indent, h.LastBlockID,
		indent, h.LastCommitHash,
		indent, h.DataHash,
		indent, h.ValidatorsHash,
		indent, h.NextValidatorsHash,
		indent, h.AppHash,
		indent, h.ConsensusHash,
		indent, h.LastResultsHash,
		indent, h.EvidenceHash,
		indent, h.ProposerAddress,
		indent)
}

// ToProto converts Header to its wire representation.
func (h *Header) ToProto() *cmtproto.Header {
	if h == nil {
		return nil
	}
	return &cmtproto.Header{
		Version:            cmtproto.Consensus{Block: h.Version.Block, App: h.Version.App},
		ChainID:            h.ChainID,
		Height:             h.Height,
		Time:               h.Time,
		LastBlockId:        h.LastBlockID.ToProto(),
		LastCommitHash:     h.LastCommitHash,
		DataHash:           h.DataHash,
		ValidatorsHash:     h.ValidatorsHash,
		NextValidatorsHash: h.NextValidatorsHash,
		ConsensusHash:      h.ConsensusHash,
		AppHash:            h.AppHash,
		LastResultsHash:    h.LastResultsHash,
		EvidenceHash:       h.EvidenceHash,
		ProposerAddress:    h.ProposerAddress,
	}
}

// HeaderFromProto builds a Header from its wire representation.
func HeaderFromProto(ph *cmtproto.Header) (Header, error) {
	if ph == nil {
		return Header{}, errors.New("nil header")
	}
	blockID, err := BlockIDFromProto(&ph.LastBlockId)
	if err != nil {
		return Header{}, err
	}
	h := Header{
		Version:            cmtversion.Consensus{Block: ph.Version.Block, App: ph.Version.App},
		ChainID:            ph.ChainID,
		Height:             ph.Height,
		Time:               ph.Time,
		LastBlockID:        *blockID,
		LastCommitHash:     ph.LastCommitHash,
		DataHash:           ph.DataHash,
		ValidatorsHash:     ph.ValidatorsHash,
		NextValidatorsHash: ph.NextValidatorsHash,
		ConsensusHash:      ph.ConsensusHash,
		AppHash:            ph.AppHash,
		LastResultsHash:    ph.LastResultsHash,
		EvidenceHash:       ph.EvidenceHash,
		ProposerAddress:    ph.ProposerAddress,
	}
	return h, h.ValidateBasic()
}

func cdcEncode(item any) []byte {
	if item == nil {
		return nil
	}
	switch v := item.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		bz, err := wireEncode(v)
		if err != nil {
			return nil
		}
		return bz
	}
}

func wireEncode(v any) ([]byte, error) {
	return cmtproto.Marshal(v)
}
