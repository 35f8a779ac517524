package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/blake2b"
)

// Sha256 returns the SHA-256 digest of bytes. Used for addresses, block
// identifiers and the canonical Merkle leaf hash.
func Sha256(bytes []byte) []byte {
	hasher := sha256.New()
	hasher.Write(bytes)
	return hasher.Sum(nil)
}

// Blake2b32 returns a 32-byte BLAKE2b digest of bytes. No code in this
// module calls it: block parts and the Merkle tree are hashed with SHA-256
// through crypto/tmhash.
func Blake2b32(bytes []byte) []byte {
	sum := blake2b.Sum256(bytes)
	return sum[:]
}

const AddressSize = 20
