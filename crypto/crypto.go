// Package crypto is a customized/convenience cryptography package for the
// engine. It wraps select functionality of the Go standard library and
// golang.org/x/crypto for easy, consistent usage across the codebase.
package crypto

import (
	"github.com/bftlabs/tmcore/libs/bytes"
)

// Address is the truncated hash of a public key, used to identify
// validators and peers.
type Address = bytes.HexBytes

// PubKey is a public key, used to verify signatures produced by the
// corresponding PrivKey.
type PubKey interface {
	Address() Address
	Bytes() []byte
	VerifySignature(msg []byte, sig []byte) bool
	Type() string
	Equals(PubKey) bool
}

// PrivKey is a private key, used to produce signatures over canonical
// message bytes.
type PrivKey interface {
	Bytes() []byte
	Sign(msg []byte) ([]byte, error)
	PubKey() PubKey
	Type() string
	Equals(PrivKey) bool
}

// BatchVerifier verifies multiple (key, message, signature) triples more
// efficiently than verifying them one at a time.
type BatchVerifier interface {
	Add(key PubKey, message, signature []byte) error
	Verify() (bool, []bool)
}
