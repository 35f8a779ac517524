// Package ed25519 wraps the standard library's Ed25519 implementation
// behind the engine's PrivKey/PubKey interfaces.
package ed25519

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/bftlabs/tmcore/crypto"
	"github.com/bftlabs/tmcore/crypto/tmhash"
)

const (
	PrivKeyName = "tendermint/PrivKeyEd25519"
	PubKeyName  = "tendermint/PubKeyEd25519"
	KeyType     = "ed25519"

	PrivateKeySize = ed25519.PrivateKeySize
	PubKeySize     = ed25519.PublicKeySize
	SignatureSize  = ed25519.SignatureSize
	SeedSize       = ed25519.SeedSize
)

// PrivKey implements crypto.PrivKey.
type PrivKey []byte

var _ crypto.PrivKey = PrivKey{}

// GenPrivKey generates a new ed25519 private key, reading entropy from
// crypto/rand.
func GenPrivKey() PrivKey {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return PrivKey(priv)
}

// GenPrivKeyFromSecret deterministically derives a key from secret via
// SHA-256; used only for reproducible tests and genesis fixtures, never for
// production key material.
func GenPrivKeyFromSecret(secret []byte) PrivKey {
	seed := crypto.Sha256(secret)
	return PrivKey(ed25519.NewKeyFromSeed(seed))
}

func (privKey PrivKey) Bytes() []byte { return []byte(privKey) }

func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	if len(privKey) != PrivateKeySize {
		return nil, fmt.Errorf("ed25519: invalid private key size %d", len(privKey))
	}
	return ed25519.Sign(ed25519.PrivateKey(privKey), msg), nil
}

func (privKey PrivKey) PubKey() crypto.PubKey {
	pk := make([]byte, PubKeySize)
	copy(pk, privKey[PrivateKeySize-PubKeySize:])
	return PubKey(pk)
}

func (privKey PrivKey) Equals(other crypto.PrivKey) bool {
	o, ok := other.(PrivKey)
	return ok && subtle.ConstantTimeCompare(privKey, o) == 1
}

func (PrivKey) Type() string { return KeyType }

// PubKey implements crypto.PubKey.
type PubKey []byte

var _ crypto.PubKey = PubKey{}

func (pubKey PubKey) Address() crypto.Address {
	if len(pubKey) != PubKeySize {
		panic("pubkey is incorrect size")
	}
	return crypto.Address(tmhash.SumTruncated(pubKey))
}

func (pubKey PubKey) Bytes() []byte { return []byte(pubKey) }

func (pubKey PubKey) VerifySignature(msg, sig []byte) bool {
	if len(sig) != SignatureSize || len(pubKey) != PubKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

func (pubKey PubKey) String() string {
	return fmt.Sprintf("PubKeyEd25519{%X}", []byte(pubKey))
}

func (PubKey) Type() string { return KeyType }

func (pubKey PubKey) Equals(other crypto.PubKey) bool {
	o, ok := other.(PubKey)
	return ok && bytes.Equal(pubKey, o)
}

// batchVerifier verifies many ed25519 (key, message, signature) triples.
// The standard library has no dedicated batch primitive for Ed25519, so
// this simply verifies sequentially and reports per-item results; kept as
// a distinct type so callers written against crypto.BatchVerifier do not
// change if a true batch verifier is swapped in later.
type batchVerifier struct {
	keys  []PubKey
	msgs  [][]byte
	sigs  [][]byte
}

func NewBatchVerifier() crypto.BatchVerifier {
	return &batchVerifier{}
}

func (b *batchVerifier) Add(key crypto.PubKey, msg, sig []byte) error {
	pk, ok := key.(PubKey)
	if !ok {
		return fmt.Errorf("ed25519: unsupported key type %T", key)
	}
	b.keys = append(b.keys, pk)
	b.msgs = append(b.msgs, msg)
	b.sigs = append(b.sigs, sig)
	return nil
}

func (b *batchVerifier) Verify() (bool, []bool) {
	results := make([]bool, len(b.keys))
	all := true
	for i := range b.keys {
		results[i] = b.keys[i].VerifySignature(b.msgs[i], b.sigs[i])
		all = all && results[i]
	}
	return all, results
}
