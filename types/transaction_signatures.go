package types

import "github.com/bftlabs/tmcore/crypto"

type TxSignature struct {
    PubKey    crypto.PubKey `json:"pub_key"`
    Signature []byte        `json:"signature"`
}

type TxSignatures []TxSignature
