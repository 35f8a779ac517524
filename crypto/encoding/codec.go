// Package encoding converts between crypto.PubKey and its wire
// representation: a key-type tag followed by the raw key bytes, used
// wherever a validator set or genesis document needs a self-describing
// public key on the wire.
package encoding

import (
	"fmt"

	"github.com/bftlabs/tmcore/crypto"
	"github.com/bftlabs/tmcore/crypto/ed25519"
	cryptotmproto "github.com/bftlabs/tmcore/crypto/tmproto"
)

// ErrUnsupportedKey describes an error resulting from the use of an
// unsupported key type in PubKeyToTypeAndBytes or PubKeyFromTypeAndBytes.
type ErrUnsupportedKey struct {
	KeyType string
}

func (e ErrUnsupportedKey) Error() string {
	return fmt.Sprintf("encoding: unsupported key type %q", e.KeyType)
}

// ErrInvalidKeyLen describes an error resulting from the use of a key with
// an invalid length in PubKeyFromTypeAndBytes.
type ErrInvalidKeyLen struct {
	KeyType   string
	Got, Want int
}

func (e ErrInvalidKeyLen) Error() string {
	return fmt.Sprintf("encoding: invalid key length for %q, got %d, want %d", e.KeyType, e.Got, e.Want)
}

// PubKeyToTypeAndBytes splits a crypto.PubKey into its type tag and raw key
// bytes, the pair actually placed on the wire.
func PubKeyToTypeAndBytes(k crypto.PubKey) (keyType string, keyBytes []byte, err error) {
	switch k := k.(type) {
	case ed25519.PubKey:
		return ed25519.KeyType, k.Bytes(), nil
	default:
		return "", nil, ErrUnsupportedKey{KeyType: k.Type()}
	}
}

// PubKeyFromTypeAndBytes reconstructs a crypto.PubKey from a wire type tag
// and raw key bytes.
func PubKeyFromTypeAndBytes(keyType string, keyBytes []byte) (crypto.PubKey, error) {
	switch keyType {
	case ed25519.KeyType:
		if len(keyBytes) != ed25519.PubKeySize {
			return nil, ErrInvalidKeyLen{KeyType: keyType, Got: len(keyBytes), Want: ed25519.PubKeySize}
		}
		pk := make(ed25519.PubKey, ed25519.PubKeySize)
		copy(pk, keyBytes)
		return pk, nil
	default:
		return nil, ErrUnsupportedKey{KeyType: keyType}
	}
}

// PubKeyToProto converts a crypto.PubKey into its wire representation.
func PubKeyToProto(k crypto.PubKey) (cryptotmproto.PublicKey, error) {
	keyType, keyBytes, err := PubKeyToTypeAndBytes(k)
	if err != nil {
		return cryptotmproto.PublicKey{}, err
	}
	return cryptotmproto.PublicKey{Type: keyType, Bytes: keyBytes}, nil
}

// PubKeyFromProto reconstructs a crypto.PubKey from its wire representation.
func PubKeyFromProto(pk cryptotmproto.PublicKey) (crypto.PubKey, error) {
	return PubKeyFromTypeAndBytes(pk.Type, pk.Bytes)
}
