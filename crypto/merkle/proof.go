package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bftlabs/tmcore/crypto/tmhash"
	"github.com/bftlabs/tmcore/types/tmproto"
)

// MaxAunts bounds the size of a Proof to prevent a malicious peer from
// forcing verification of an arbitrarily deep tree.
const MaxAunts = 100

var ErrMaxAuntsLenExceeded = fmt.Errorf("merkle: maximum aunts length, %d, exceeded", MaxAunts)

type ErrInvalidHash struct {
	Err error
}

func (e ErrInvalidHash) Error() string { return fmt.Sprintf("merkle: invalid hash: %s", e.Err) }
func (e ErrInvalidHash) Unwrap() error { return e.Err }

type ErrInvalidProof struct {
	Err error
}

func (e ErrInvalidProof) Error() string { return fmt.Sprintf("merkle: invalid proof: %s", e.Err) }
func (e ErrInvalidProof) Unwrap() error { return e.Err }

// Proof is an inclusion proof for one leaf of a Merkle tree built by
// HashFromByteSlices. The convention is to include the leaf hash but
// exclude the root hash.
type Proof struct {
	Total    int64    `json:"total"`
	Index    int64    `json:"index"`
	LeafHash []byte   `json:"leaf_hash"`
	Aunts    [][]byte `json:"aunts"`
}

// ProofsFromByteSlices computes an inclusion proof for every item; proofs[i]
// proves items[i].
func ProofsFromByteSlices(items [][]byte) (rootHash []byte, proofs []*Proof) {
	trails, rootSPN := trailsFromByteSlices(items)
	rootHash = rootSPN.Hash
	proofs = make([]*Proof, len(items))
	for i, trail := range trails {
		proofs[i] = &Proof{
			Total:    int64(len(items)),
			Index:    int64(i),
			LeafHash: trail.Hash,
			Aunts:    trail.FlattenAunts(),
		}
	}
	return rootHash, proofs
}

// Verify checks that leaf, combined with the proof's aunts, hashes to
// rootHash.
func (sp *Proof) Verify(rootHash, leaf []byte) error {
	if rootHash == nil {
		return ErrInvalidHash{Err: errors.New("nil root")}
	}
	if sp.Total < 0 {
		return ErrInvalidProof{Err: errors.New("negative proof total")}
	}
	if sp.Index < 0 {
		return ErrInvalidProof{Err: errors.New("negative proof index")}
	}
	lh := leafHash(leaf)
	if !bytes.Equal(sp.LeafHash, lh) {
		return ErrInvalidHash{Err: fmt.Errorf("leaf %x, want %x", sp.LeafHash, lh)}
	}
	computed, err := sp.computeRootHash()
	if err != nil {
		return ErrInvalidHash{Err: fmt.Errorf("compute root hash: %w", err)}
	}
	if !bytes.Equal(computed, rootHash) {
		return ErrInvalidHash{Err: fmt.Errorf("root %x, want %x", computed, rootHash)}
	}
	return nil
}

func (sp *Proof) computeRootHash() ([]byte, error) {
	return computeHashFromAunts(sp.Index, sp.Total, sp.LeafHash, sp.Aunts)
}

// ToProto converts the proof to its wire representation.
func (sp *Proof) ToProto() *tmproto.Proof {
	if sp == nil {
		return &tmproto.Proof{}
	}
	return &tmproto.Proof{
		Total:    sp.Total,
		Index:    sp.Index,
		LeafHash: sp.LeafHash,
		Aunts:    sp.Aunts,
	}
}

// ProofFromProto builds a Proof from its wire representation.
func ProofFromProto(pb *tmproto.Proof) (*Proof, error) {
	if pb == nil {
		return nil, errors.New("nil proof")
	}
	return &Proof{
		Total:    pb.Total,
		Index:    pb.Index,
		LeafHash: pb.LeafHash,
		Aunts:    pb.Aunts,
	}, nil
}

func (sp *Proof) String() string { return sp.StringIndented("") }

func (sp *Proof) StringIndented(indent string) string {
	return fmt.Sprintf("Proof{\n%s  Aunts: %X\n%s}", indent, sp.Aunts, indent)
}

// ValidateBasic checks the hash sizes and aunt count without touching the
// root hash being proven against.
func (sp *Proof) ValidateBasic() error {
	if sp.Total < 0 {
		return ErrInvalidProof{Err: errors.New("negative proof total")}
	}
	if sp.Index < 0 {
		return ErrInvalidProof{Err: errors.New("negative proof index")}
	}
	if len(sp.LeafHash) != tmhash.Size {
		return ErrInvalidHash{Err: fmt.Errorf("leaf length %d, want %d", len(sp.LeafHash), tmhash.Size)}
	}
	if len(sp.Aunts) > MaxAunts {
		return ErrMaxAuntsLenExceeded
	}
	for i, auntHash := range sp.Aunts {
		if len(auntHash) != tmhash.Size {
			return ErrInvalidHash{Err: fmt.Errorf("aunt#%d hash length %d, want %d", i, len(auntHash), tmhash.Size)}
		}
	}
	return nil
}

// computeHashFromAunts recombines a leaf hash with its sibling hashes up to
// the root. If len(innerHashes) doesn't match the tree shape implied by
// index/total, it returns an error rather than a wrong hash.
func computeHashFromAunts(index, total int64, leafHash []byte, innerHashes [][]byte) ([]byte, error) {
	if index >= total || index < 0 || total <= 0 {
		return nil, fmt.Errorf("invalid index %d and/or total %d", index, total)
	}
	switch total {
	case 0:
		panic("merkle: cannot call computeHashFromAunts() with 0 total")
	case 1:
		if len(innerHashes) != 0 {
			return nil, errors.New("unexpected inner hashes")
		}
		return leafHash, nil
	default:
		if len(innerHashes) == 0 {
			return nil, errors.New("expected at least one inner hash")
		}
		numLeft := getSplitPoint(total)
		if index < numLeft {
			leftHash, err := computeHashFromAunts(index, numLeft, leafHash, innerHashes[:len(innerHashes)-1])
			if err != nil {
				return nil, err
			}
			return innerHash(leftHash, innerHashes[len(innerHashes)-1]), nil
		}
		rightHash, err := computeHashFromAunts(index-numLeft, total-numLeft, leafHash, innerHashes[:len(innerHashes)-1])
		if err != nil {
			return nil, err
		}
		return innerHash(innerHashes[len(innerHashes)-1], rightHash), nil
	}
}

// ProofNode is scratch state used while building a Proof; the tree it forms
// is thrown away once FlattenAunts has been called for each leaf.
type ProofNode struct {
	Hash   []byte
	Parent *ProofNode
	Left   *ProofNode
	Right  *ProofNode
}

// FlattenAunts walks from a leaf node to the root, collecting the sibling
// hash at each level.
func (spn *ProofNode) FlattenAunts() [][]byte {
	innerHashes := [][]byte{}
	for spn != nil {
		switch {
		case spn.Left != nil:
			innerHashes = append(innerHashes, spn.Left.Hash)
		case spn.Right != nil:
			innerHashes = append(innerHashes, spn.Right.Hash)
		}
		spn = spn.Parent
	}
	return innerHashes
}

// trailsFromByteSlices builds the full proof tree; trails[i] is the leaf
// node for items[i], and following .Parent from any trail reaches root.
func trailsFromByteSlices(items [][]byte) (trails []*ProofNode, root *ProofNode) {
	switch len(items) {
	case 0:
		return []*ProofNode{}, &ProofNode{Hash: emptyHash()}
	case 1:
		trail := &ProofNode{Hash: leafHash(items[0])}
		return []*ProofNode{trail}, trail
	default:
		k := getSplitPoint(int64(len(items)))
		lefts, leftRoot := trailsFromByteSlices(items[:k])
		rights, rightRoot := trailsFromByteSlices(items[k:])
		root := &ProofNode{Hash: innerHash(leftRoot.Hash, rightRoot.Hash)}
		leftRoot.Parent = root
		leftRoot.Right = rightRoot
		rightRoot.Parent = root
		rightRoot.Left = leftRoot
		return append(lefts, rights...), root
	}
}
