package tmproto

// TxProof is the wire representation of a Merkle proof that a transaction
// is included in a block's data hash.
type TxProof struct {
	RootHash []byte
	Data     []byte
	Proof    Proof
}
