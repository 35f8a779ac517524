// Package merkle implements the RFC-6962 style Merkle tree used throughout
// the engine: block-header roots, part-set roots and evidence Merkle proofs
// all reduce to HashFromByteSlices plus a Proof.
package merkle

import "math/bits"

// HashFromByteSlices computes a Merkle tree root where the leaves are the
// byte slices, in the provided order. It follows RFC-6962, using SHA-256 as
// hash function via tmhash.Sum.
func HashFromByteSlices(items [][]byte) []byte {
	switch len(items) {
	case 0:
		return emptyHash()
	case 1:
		return leafHash(items[0])
	default:
		k := getSplitPoint(int64(len(items)))
		left := HashFromByteSlices(items[:k])
		right := HashFromByteSlices(items[k:])
		return innerHash(left, right)
	}
}

// getSplitPoint returns the largest power of 2 less than length.
func getSplitPoint(length int64) int64 {
	if length < 1 {
		panic("merkle: cannot split a tree with size < 1")
	}
	bitlen := bits.Len(uint(length))
	k := int64(1) << uint(bitlen-1)
	if k == length {
		k >>= 1
	}
	return k
}
