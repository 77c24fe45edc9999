package index

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
)

// Key prefixes for the different record families. Heights inside keys are
// big endian so iteration order matches chain order.
const (
	prefixHeader  = "hdr/"
	prefixBalance = "bal/"
	prefixHistory = "his/"
	prefixUnspent = "utx/"
	prefixOut     = "out/"
	prefixUndo    = "und/"
)

// keyTip holds the position of the last committed block.
var keyTip = []byte("meta/tip")

func headerKey(height int32) []byte {
	key := append(make([]byte, 0, len(prefixHeader)+4), prefixHeader...)
	return binary.BigEndian.AppendUint32(key, uint32(height))
}

func balanceKey(sh chain.ScriptHash) []byte {
	key := append(make([]byte, 0, len(prefixBalance)+len(sh)), prefixBalance...)
	return append(key, sh[:]...)
}

func historyKey(sh chain.ScriptHash, height int32, seq uint32) []byte {
	key := append(make([]byte, 0, len(prefixHistory)+len(sh)+8), prefixHistory...)
	key = append(key, sh[:]...)
	key = binary.BigEndian.AppendUint32(key, uint32(height))
	return binary.BigEndian.AppendUint32(key, seq)
}

func historyPrefix(sh chain.ScriptHash) []byte {
	key := append(make([]byte, 0, len(prefixHistory)+len(sh)), prefixHistory...)
	return append(key, sh[:]...)
}

// parseHistoryKey recovers the height and sequence from a history key.
func parseHistoryKey(key []byte) (int32, uint32, error) {
	want := len(prefixHistory) + chainhash.HashSize + 8
	if len(key) != want {
		return 0, 0, fmt.Errorf("history key %d bytes: %w", len(key), ErrCorrupt)
	}

	rest := key[len(prefixHistory)+chainhash.HashSize:]
	return int32(binary.BigEndian.Uint32(rest)), binary.BigEndian.Uint32(rest[4:]), nil
}

func unspentKey(sh chain.ScriptHash, txid chainhash.Hash, vout uint32) []byte {
	key := append(make([]byte, 0, len(prefixUnspent)+len(sh)+chainhash.HashSize+4), prefixUnspent...)
	key = append(key, sh[:]...)
	key = append(key, txid[:]...)
	return binary.BigEndian.AppendUint32(key, vout)
}

func unspentPrefix(sh chain.ScriptHash) []byte {
	key := append(make([]byte, 0, len(prefixUnspent)+len(sh)), prefixUnspent...)
	return append(key, sh[:]...)
}

// parseUnspentKey recovers the creating transaction and output number
// from an unspent key.
func parseUnspentKey(key []byte) (chainhash.Hash, uint32, error) {
	want := len(prefixUnspent) + chainhash.HashSize*2 + 4
	if len(key) != want {
		return chainhash.Hash{}, 0, fmt.Errorf("unspent key %d bytes: %w", len(key), ErrCorrupt)
	}

	var txid chainhash.Hash
	rest := key[len(prefixUnspent)+chainhash.HashSize:]
	copy(txid[:], rest)
	return txid, binary.BigEndian.Uint32(rest[chainhash.HashSize:]), nil
}

func outKey(op wire.OutPoint) []byte {
	key := append(make([]byte, 0, len(prefixOut)+chainhash.HashSize+4), prefixOut...)
	key = append(key, op.Hash[:]...)
	return binary.BigEndian.AppendUint32(key, op.Index)
}

func undoKey(height int32) []byte {
	key := append(make([]byte, 0, len(prefixUndo)+4), prefixUndo...)
	return binary.BigEndian.AppendUint32(key, uint32(height))
}

// =============================================================================

func tipValue(t chain.Tip) []byte {
	value := binary.BigEndian.AppendUint32(make([]byte, 0, 4+chainhash.HashSize), uint32(t.Height))
	return append(value, t.Hash[:]...)
}

func parseTip(value []byte) (chain.Tip, error) {
	if len(value) != 4+chainhash.HashSize {
		return chain.Tip{}, fmt.Errorf("tip record %d bytes: %w", len(value), ErrCorrupt)
	}

	tip := chain.Tip{Height: int32(binary.BigEndian.Uint32(value))}
	copy(tip.Hash[:], value[4:])
	return tip, nil
}

// headerValue stores the raw serialized header followed by the block
// hash, so rollback can recover the parent tip without rehashing.
func headerValue(raw []byte, hash chainhash.Hash) []byte {
	value := append(make([]byte, 0, len(raw)+chainhash.HashSize), raw...)
	return append(value, hash[:]...)
}

func parseHeader(value []byte) ([]byte, chainhash.Hash, error) {
	if len(value) <= chainhash.HashSize {
		return nil, chainhash.Hash{}, fmt.Errorf("header record %d bytes: %w", len(value), ErrCorrupt)
	}

	var hash chainhash.Hash
	cut := len(value) - chainhash.HashSize
	copy(hash[:], value[cut:])
	return value[:cut], hash, nil
}

func balanceValue(amount btcutil.Amount) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(amount))
}

func parseBalance(value []byte) (btcutil.Amount, error) {
	if len(value) != 8 {
		return 0, fmt.Errorf("balance record %d bytes: %w", len(value), ErrCorrupt)
	}
	return btcutil.Amount(binary.BigEndian.Uint64(value)), nil
}

func unspentValue(amount btcutil.Amount, height int32) []byte {
	value := binary.BigEndian.AppendUint64(make([]byte, 0, 12), uint64(amount))
	return binary.BigEndian.AppendUint32(value, uint32(height))
}

func parseUnspent(value []byte) (btcutil.Amount, int32, error) {
	if len(value) != 12 {
		return 0, 0, fmt.Errorf("unspent record %d bytes: %w", len(value), ErrCorrupt)
	}
	return btcutil.Amount(binary.BigEndian.Uint64(value)), int32(binary.BigEndian.Uint32(value[8:])), nil
}

// outValue packs the script hash, amount, and creation height of an
// output so a later spend can be settled without the creating block.
func outValue(sh chain.ScriptHash, amount btcutil.Amount, height int32) []byte {
	value := append(make([]byte, 0, len(sh)+12), sh[:]...)
	value = binary.BigEndian.AppendUint64(value, uint64(amount))
	return binary.BigEndian.AppendUint32(value, uint32(height))
}

func parseOut(value []byte) (chain.ScriptHash, btcutil.Amount, int32, error) {
	if len(value) != chainhash.HashSize+12 {
		return chain.ScriptHash{}, 0, 0, fmt.Errorf("outpoint record %d bytes: %w", len(value), ErrCorrupt)
	}

	var sh chain.ScriptHash
	copy(sh[:], value)
	rest := value[chainhash.HashSize:]
	return sh, btcutil.Amount(binary.BigEndian.Uint64(rest)), int32(binary.BigEndian.Uint32(rest[8:])), nil
}

// =============================================================================

// undoCreated records an output added by the block being undone.
type undoCreated struct {
	Script chain.ScriptHash
	TxID   chainhash.Hash
	Vout   uint32
	Amount uint64
}

// undoSpent records an output consumed by the block being undone, with
// enough detail to restore it.
type undoSpent struct {
	Script chain.ScriptHash
	TxID   chainhash.Hash
	Vout   uint32
	Amount uint64
	Height uint32
}

// undoHistory records one history entry added by the block being undone.
type undoHistory struct {
	Script chain.ScriptHash
	Seq    uint32
}

// undoRecord carries everything needed to detach one block again.
type undoRecord struct {
	Height  uint32
	Hash    chainhash.Hash
	Created []undoCreated
	Spent   []undoSpent
	History []undoHistory
}

func encodeUndo(undo undoRecord) ([]byte, error) {
	return rlp.EncodeToBytes(undo)
}

func decodeUndo(value []byte) (undoRecord, error) {
	var undo undoRecord
	if err := rlp.DecodeBytes(value, &undo); err != nil {
		return undoRecord{}, fmt.Errorf("decode undo: %v: %w", err, ErrCorrupt)
	}
	return undo, nil
}
