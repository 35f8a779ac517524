package log_test

import (
	"testing"

	"github.com/bftlabs/tmcore/crypto"
	"github.com/bftlabs/tmcore/libs/bytes"
	"github.com/bftlabs/tmcore/libs/log"
)

type hashableString string

func (h hashableString) Hash() bytes.HexBytes {
	return bytes.HexBytes(crypto.Sha256([]byte(h)))
}

func TestLazyHash(t *testing.T) {
	for i, s := range []hashableString{"one", "two", "three", "four", "five"} {
		lazyHash := log.NewLazyHash(s)
		if lazyHash.String() != s.Hash().String() {
			t.Fatalf("case %d: expected %s, got %s", i, s.Hash().String(), lazyHash.String())
		}
		if len(lazyHash.String()) == 0 {
			t.Fatalf("case %d: expected non-empty hash, got empty hash", i)
		}
	}
}
