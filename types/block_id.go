package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bftlabs/tmcore/crypto/tmhash"
	cmtbytes "github.com/bftlabs/tmcore/libs/bytes"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

// BlockID identifies a block by the hash of its header and the commitment
// to its parts.
type BlockID struct {
	Hash          cmtbytes.HexBytes `json:"hash"`
	PartSetHeader PartSetHeader     `json:"parts"`
}

// Equals returns true if the BlockID matches the given BlockID.
func (blockID BlockID) Equals(other BlockID) bool {
	return bytes.Equal(blockID.Hash, other.Hash) && blockID.PartSetHeader.Equals(other.PartSetHeader)
}

// Key returns a machine-readable string representation of the BlockID.
func (blockID BlockID) Key() string {
	pbph := blockID.PartSetHeader.ToProto()
	bz, err := pbph.Marshal()
	if err != nil {
		panic(err)
	}
	return string(blockID.Hash) + string(bz)
}

// ValidateBasic performs basic validation.
func (blockID BlockID) ValidateBasic() error {
	if err := ValidateHash(blockID.Hash); err != nil {
		return fmt.Errorf("wrong Hash: %w", err)
	}
	if err := blockID.PartSetHeader.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong PartSetHeader: %w", err)
	}
	return nil
}

// IsZero returns true if this is the BlockID of a nil block.
func (blockID BlockID) IsZero() bool {
	return len(blockID.Hash) == 0 && blockID.PartSetHeader.IsZero()
}

// IsComplete returns true if this is a valid BlockID of a non-nil block.
func (blockID BlockID) IsComplete() bool {
	return len(blockID.Hash) == tmhash.Size && blockID.PartSetHeader.Total > 0 && len(blockID.PartSetHeader.Hash) == tmhash.Size
}

// IsNil returns true if this is a BlockID of a nil block.
func (blockID BlockID) IsNil() bool {
	return blockID.IsZero()
}

// String returns a human readable string representation of the BlockID.
func (blockID BlockID) String() string {
	return fmt.Sprintf(`%v:%v`, blockID.Hash, blockID.PartSetHeader)
}

// ToProto converts BlockID to protobuf.
func (blockID *BlockID) ToProto() cmtproto.BlockID {
	if blockID == nil {
		return cmtproto.BlockID{}
	}
	return cmtproto.BlockID{
		Hash:          blockID.Hash,
		PartSetHeader: blockID.PartSetHeader.ToProto(),
	}
}

// BlockIDFromProto sets a protobuf BlockID to the given pointer.
func BlockIDFromProto(bID *cmtproto.BlockID) (*BlockID, error) {
	if bID == nil {
		return nil, errors.New("nil BlockID")
	}
	blockID := new(BlockID)
	ph, err := PartSetHeaderFromProto(&bID.PartSetHeader)
	if err != nil {
		return nil, err
	}
	blockID.PartSetHeader = *ph
	blockID.Hash = bID.Hash
	return blockID, blockID.ValidateBasic()
}

// ProtoBlockIDIsNil reports whether the given wire BlockID represents a nil
// block, without needing to parse it into a domain BlockID first.
func ProtoBlockIDIsNil(bID *cmtproto.BlockID) bool {
	return bID == nil || (len(bID.Hash) == 0 && ProtoPartSetHeaderIsZero(&bID.PartSetHeader))
}
