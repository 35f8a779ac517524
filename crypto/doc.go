// Package crypto defines the key and hash primitives shared across the
// engine: PrivKey/PubKey for validator identity, address derivation, and
// the SHA-256/BLAKE2b hash helpers used to build Merkle roots.
//
// Key generation returns a PrivKey:
//
//	type PrivKey interface {
//		Bytes() []byte
//		Sign(msg []byte) ([]byte, error)
//		PubKey() PubKey
//		Type() string
//	}
//
// From which the public half is derived:
//
//	privKey := ed25519.GenPrivKey()
//	pubKey := privKey.PubKey()
//
// PubKey implements:
//
//	type PubKey interface {
//		Address() Address
//		Bytes() []byte
//		VerifySignature(msg []byte, sig []byte) bool
//		Type() string
//	}
package crypto
