// Package tmproto holds the wire representations of crypto types shared
// across the module: a self-describing public key, carrying its type tag
// alongside the raw key bytes.
package tmproto

// PublicKey is the wire representation of a crypto.PubKey: a type tag and
// the raw key bytes it wraps.
type PublicKey struct {
	Type  string
	Bytes []byte
}
