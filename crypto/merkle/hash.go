package merkle

import (
	"hash"

	"github.com/bftlabs/tmcore/crypto/tmhash"
)

var (
	leafPrefix  = []byte{0}
	innerPrefix = []byte{1}
)

// emptyHash returns tmhash(<empty>).
func emptyHash() []byte {
	return tmhash.Sum([]byte{})
}

// leafHash returns tmhash(0x00 || leaf).
func leafHash(leaf []byte) []byte {
	return tmhash.Sum(append(leafPrefix, leaf...))
}

// leafHashOpt is leafHash using a caller-supplied, already-allocated hasher.
func leafHashOpt(s hash.Hash, leaf []byte) []byte {
	s.Reset()
	s.Write(leafPrefix)
	s.Write(leaf)
	return s.Sum(nil)
}

// innerHash returns tmhash(0x01 || left || right).
func innerHash(left, right []byte) []byte {
	return tmhash.SumMany(innerPrefix, left, right)
}

func innerHashOpt(s hash.Hash, left, right []byte) []byte {
	s.Reset()
	s.Write(innerPrefix)
	s.Write(left)
	s.Write(right)
	return s.Sum(nil)
}
