// Package chain provides the domain vocabulary shared by the index, the
// sync state and the client facing transports.
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ScriptHash is the sha256 digest of an output script. Clients identify
// the scripts they watch by this value.
type ScriptHash [32]byte

// HashScript produces the script hash for the specified output script.
func HashScript(script []byte) ScriptHash {
	return sha256.Sum256(script)
}

// String returns the hash hex encoded in reversed byte order, which is
// the convention clients use on the wire.
func (sh ScriptHash) String() string {
	var rev [32]byte
	for i := 0; i < 32; i++ {
		rev[i] = sh[31-i]
	}

	return hex.EncodeToString(rev[:])
}

// ParseScriptHash converts a reversed hex string back into a script hash.
func ParseScriptHash(s string) (ScriptHash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ScriptHash{}, fmt.Errorf("script hash not hex: %w", err)
	}
	if len(raw) != 32 {
		return ScriptHash{}, fmt.Errorf("script hash must be 32 bytes, got %d", len(raw))
	}

	var sh ScriptHash
	for i := 0; i < 32; i++ {
		sh[i] = raw[31-i]
	}

	return sh, nil
}

// HeadersKey is the reserved subscription key carrying new block header
// notifications. Real script hashes are sha256 outputs, so the zero value
// never collides with one in practice.
var HeadersKey ScriptHash

// =============================================================================

// Tip identifies a chain position.
type Tip struct {
	Height int32          `json:"height"`
	Hash   chainhash.Hash `json:"hash"`
}

// IsZero reports whether the tip has been set.
func (t Tip) IsZero() bool {
	return t.Hash == chainhash.Hash{}
}

// HistoryItem is one confirmed or unconfirmed transaction touching a
// script hash. Height 0 marks an unconfirmed transaction and -1 one that
// spends unconfirmed inputs. The fee is carried for unconfirmed items.
type HistoryItem struct {
	TxID   chainhash.Hash
	Height int32
	Fee    btcutil.Amount
}

// UTXO is an unspent output paying a script hash.
type UTXO struct {
	TxID   chainhash.Hash
	Vout   uint32
	Amount btcutil.Amount
	Height int32
}

// Balance carries the confirmed and unconfirmed funds of a script hash.
type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

// StatusHash computes the status digest of a history: the sha256 of the
// concatenation of "txid:height:" over the items in order. An empty
// history has a nil status.
func StatusHash(items []HistoryItem) []byte {
	if len(items) == 0 {
		return nil
	}

	h := sha256.New()
	for _, item := range items {
		fmt.Fprintf(h, "%s:%d:", item.TxID, item.Height)
	}

	return h.Sum(nil)
}

// =============================================================================

// Created is an output added by a transaction, reduced to what the index
// stores.
type Created struct {
	Vout   uint32
	Script ScriptHash
	Amount btcutil.Amount
}

// TxSummary is a transaction reduced to the outpoints it spends and the
// outputs it creates. Provably unspendable outputs are dropped since they
// can never move funds again.
type TxSummary struct {
	TxID    chainhash.Hash
	Spends  []wire.OutPoint
	Creates []Created
}

// SummarizeTx reduces a wire transaction for indexing.
func SummarizeTx(tx *wire.MsgTx) TxSummary {
	sum := TxSummary{
		TxID: tx.TxHash(),
	}

	for _, in := range tx.TxIn {
		if isCoinbaseInput(in) {
			continue
		}
		sum.Spends = append(sum.Spends, in.PreviousOutPoint)
	}

	for i, out := range tx.TxOut {
		if txscript.IsUnspendable(out.PkScript) {
			continue
		}
		sum.Creates = append(sum.Creates, Created{
			Vout:   uint32(i),
			Script: HashScript(out.PkScript),
			Amount: btcutil.Amount(out.Value),
		})
	}

	return sum
}

// BlockData is a decoded block ready for an atomic index commit.
type BlockData struct {
	Height    int32
	Hash      chainhash.Hash
	PrevHash  chainhash.Hash
	RawHeader []byte
	Txs       []TxSummary
}

// SummarizeBlock reduces a wire block for indexing.
func SummarizeBlock(height int32, block *wire.MsgBlock) (BlockData, error) {
	var buf bytes.Buffer
	if err := block.Header.Serialize(&buf); err != nil {
		return BlockData{}, fmt.Errorf("serializing header: %w", err)
	}

	bd := BlockData{
		Height:    height,
		Hash:      block.Header.BlockHash(),
		PrevHash:  block.Header.PrevBlock,
		RawHeader: buf.Bytes(),
		Txs:       make([]TxSummary, 0, len(block.Transactions)),
	}

	for _, tx := range block.Transactions {
		bd.Txs = append(bd.Txs, SummarizeTx(tx))
	}

	return bd, nil
}

// zeroHash is the prevout hash of a coinbase input.
var zeroHash chainhash.Hash

// isCoinbaseInput reports whether the input is the coinbase null prevout.
func isCoinbaseInput(in *wire.TxIn) bool {
	return in.PreviousOutPoint.Index == wire.MaxPrevOutIndex && in.PreviousOutPoint.Hash == zeroHash
}
