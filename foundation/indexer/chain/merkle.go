package chain

import (
	"hash"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TxLeaf adapts a transaction id for merkle tree construction. The leaf
// hash of a transaction in a block is its txid in natural byte order.
type TxLeaf chainhash.Hash

// Hash returns the txid bytes.
func (l TxLeaf) Hash() ([]byte, error) {
	h := chainhash.Hash(l)
	return h[:], nil
}

// Equals tests two leaves for equality.
func (l TxLeaf) Equals(other TxLeaf) bool {
	return l == other
}

// =============================================================================

// doubleSHA256 implements hash.Hash over two rounds of sha256, which is
// how interior merkle nodes are hashed by consensus.
type doubleSHA256 struct {
	buf []byte
}

// NewDoubleSHA256 constructs the hash strategy for block merkle trees.
func NewDoubleSHA256() hash.Hash {
	return &doubleSHA256{}
}

func (h *doubleSHA256) Write(p []byte) (int, error) {
	h.buf = append(h.buf, p...)
	return len(p), nil
}

func (h *doubleSHA256) Sum(b []byte) []byte {
	return append(b, chainhash.DoubleHashB(h.buf)...)
}

func (h *doubleSHA256) Reset() {
	h.buf = nil
}

func (h *doubleSHA256) Size() int {
	return chainhash.HashSize
}

func (h *doubleSHA256) BlockSize() int {
	return 64
}
