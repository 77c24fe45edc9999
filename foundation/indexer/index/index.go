// Package index maintains the confirmed view of the chain inside a
// single goleveldb database: per script hash balances, history, and
// unspent outputs. Every block attach and detach is one batched write,
// so a crash always leaves the view at a block boundary, and recent
// blocks keep undo data so they can be detached again during a reorg.
package index

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrCorrupt reports a record that cannot be decoded or an undo record
// missing inside the retention window. The on-disk view can no longer be
// trusted, so callers must treat it as fatal.
var ErrCorrupt = errors.New("index corrupt")

// ErrNotFound reports a height outside the indexed range.
var ErrNotFound = errors.New("not found")

// ErrOutOfOrder reports an ApplyBlock call whose block does not extend
// the current tip.
var ErrOutOfOrder = errors.New("block out of order")

// =============================================================================

// Index is the confirmed chain view backed by goleveldb.
type Index struct {
	evHandler  func(v string, args ...any)
	db         *leveldb.DB
	reorgDepth int32

	mu  sync.RWMutex
	tip chain.Tip
}

// New opens or creates the index at dbPath. reorgDepth bounds how many
// recent blocks keep undo data and therefore how far RollbackToHeight
// can reach below the tip.
func New(dbPath string, reorgDepth int32, evHandler func(v string, args ...any)) (*Index, error) {
	opts := opt.Options{
		OpenFilesCacheCapacity: 128,
		WriteBuffer:            8 * opt.MiB,
		BlockCacheCapacity:     16 * opt.MiB,
		Filter:                 filter.NewBloomFilter(8),
	}

	db, err := leveldb.OpenFile(dbPath, &opts)
	if ldberrors.IsCorrupted(err) {
		evHandler("index: open: recovering database: %s", err)
		db, err = leveldb.RecoverFile(dbPath, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	idx := Index{
		evHandler:  evHandler,
		db:         db,
		reorgDepth: reorgDepth,
	}

	// Recover the tip from the last committed batch.
	value, err := db.Get(keyTip, nil)
	switch {
	case err == nil:
		tip, err := parseTip(value)
		if err != nil {
			db.Close()
			return nil, err
		}
		idx.tip = tip

	case errors.Is(err, leveldb.ErrNotFound):
		// Fresh database, the first applied block sets the base.

	default:
		db.Close()
		return nil, fmt.Errorf("read tip: %w", err)
	}

	return &idx, nil
}

// Close releases the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Tip returns the position of the last committed block. The zero tip
// means the index is empty.
func (idx *Index) Tip() chain.Tip {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.tip
}

// =============================================================================

// ApplyBlock attaches the next block in one atomic write and returns the
// script hashes whose view changed, in stable order. The block must
// extend the current tip; the first block applied to a fresh database
// establishes the base height.
func (idx *Index) ApplyBlock(block *chain.BlockData) ([]chain.ScriptHash, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.tip.IsZero() {
		if block.Height != idx.tip.Height+1 || block.PrevHash != idx.tip.Hash {
			return nil, fmt.Errorf("apply %d/%s onto tip %d/%s: %w",
				block.Height, block.Hash, idx.tip.Height, idx.tip.Hash, ErrOutOfOrder)
		}
	}

	batch := new(leveldb.Batch)
	undo := undoRecord{Height: uint32(block.Height), Hash: block.Hash}

	// Outputs created by this block and not yet consumed by it. Spends
	// settle against this overlay first, so an output created and spent
	// inside the same block cancels out without ever reaching disk.
	type pendingOut struct {
		script chain.ScriptHash
		amount btcutil.Amount
	}
	overlay := make(map[wire.OutPoint]pendingOut)

	deltas := make(map[chain.ScriptHash]btcutil.Amount)
	changed := make(map[chain.ScriptHash]struct{})

	for i, tx := range block.Txs {
		touched := make(map[chain.ScriptHash]struct{})

		for _, op := range tx.Spends {
			if pend, ok := overlay[op]; ok {
				delete(overlay, op)
				deltas[pend.script] -= pend.amount
				touched[pend.script] = struct{}{}
				continue
			}

			value, err := idx.db.Get(outKey(op), nil)
			if errors.Is(err, leveldb.ErrNotFound) {

				// The spent output predates the indexed range.
				idx.evHandler("index: apply: block %d: spend of untracked outpoint %s", block.Height, op)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read outpoint %s: %w", op, err)
			}

			sh, amount, height, err := parseOut(value)
			if err != nil {
				return nil, err
			}

			batch.Delete(unspentKey(sh, op.Hash, op.Index))
			batch.Delete(outKey(op))
			deltas[sh] -= amount
			touched[sh] = struct{}{}

			undo.Spent = append(undo.Spent, undoSpent{
				Script: sh,
				TxID:   op.Hash,
				Vout:   op.Index,
				Amount: uint64(amount),
				Height: uint32(height),
			})
		}

		for _, out := range tx.Creates {
			op := wire.OutPoint{Hash: tx.TxID, Index: out.Vout}
			overlay[op] = pendingOut{script: out.Script, amount: out.Amount}
			deltas[out.Script] += out.Amount
			touched[out.Script] = struct{}{}
		}

		// One history entry per transaction and affected script hash,
		// sequenced by the position of the transaction in the block.
		for sh := range touched {
			batch.Put(historyKey(sh, block.Height, uint32(i)), tx.TxID[:])
			undo.History = append(undo.History, undoHistory{Script: sh, Seq: uint32(i)})
			changed[sh] = struct{}{}
		}
	}

	// Flush the outputs that survived the block.
	for op, pend := range overlay {
		batch.Put(unspentKey(pend.script, op.Hash, op.Index), unspentValue(pend.amount, block.Height))
		batch.Put(outKey(op), outValue(pend.script, pend.amount, block.Height))

		undo.Created = append(undo.Created, undoCreated{
			Script: pend.script,
			TxID:   op.Hash,
			Vout:   op.Index,
			Amount: uint64(pend.amount),
		})
	}

	if err := idx.applyDeltas(batch, deltas); err != nil {
		return nil, fmt.Errorf("block %d: %w", block.Height, err)
	}

	value, err := encodeUndo(undo)
	if err != nil {
		return nil, fmt.Errorf("encode undo %d: %w", block.Height, err)
	}
	batch.Put(undoKey(block.Height), value)

	// Drop the undo record that just left the retention window.
	if old := block.Height - idx.reorgDepth; old >= 0 {
		batch.Delete(undoKey(old))
	}

	batch.Put(headerKey(block.Height), headerValue(block.RawHeader, block.Hash))
	batch.Put(keyTip, tipValue(chain.Tip{Height: block.Height, Hash: block.Hash}))

	if err := idx.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("commit block %d: %w", block.Height, err)
	}

	idx.tip = chain.Tip{Height: block.Height, Hash: block.Hash}

	return sortedKeys(changed), nil
}

// RollbackToHeight detaches blocks until the tip is back at the given
// height, one atomic write per block, and returns every script hash
// whose view changed. Heights below the undo retention window cannot be
// reached and report ErrCorrupt.
func (idx *Index) RollbackToHeight(height int32) ([]chain.ScriptHash, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.tip.IsZero() {
		return nil, errors.New("rollback of an empty index")
	}
	if height > idx.tip.Height {
		return nil, fmt.Errorf("rollback to %d above tip %d", height, idx.tip.Height)
	}

	changed := make(map[chain.ScriptHash]struct{})

	for !idx.tip.IsZero() && idx.tip.Height > height {
		if err := idx.detachTip(changed); err != nil {
			return nil, err
		}
	}

	return sortedKeys(changed), nil
}

// detachTip undoes the tip block in one batched write and moves the tip
// to its parent.
func (idx *Index) detachTip(changed map[chain.ScriptHash]struct{}) error {
	h := idx.tip.Height

	value, err := idx.db.Get(undoKey(h), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("undo record %d missing: %w", h, ErrCorrupt)
	}
	if err != nil {
		return fmt.Errorf("read undo %d: %w", h, err)
	}

	undo, err := decodeUndo(value)
	if err != nil {
		return fmt.Errorf("undo record %d: %w", h, err)
	}
	if int32(undo.Height) != h || undo.Hash != idx.tip.Hash {
		return fmt.Errorf("undo record %d/%s does not match tip %d/%s: %w",
			undo.Height, undo.Hash, h, idx.tip.Hash, ErrCorrupt)
	}

	batch := new(leveldb.Batch)
	deltas := make(map[chain.ScriptHash]btcutil.Amount)

	for _, created := range undo.Created {
		batch.Delete(unspentKey(created.Script, created.TxID, created.Vout))
		batch.Delete(outKey(wire.OutPoint{Hash: created.TxID, Index: created.Vout}))
		deltas[created.Script] -= btcutil.Amount(created.Amount)
		changed[created.Script] = struct{}{}
	}

	for _, spent := range undo.Spent {
		amount := btcutil.Amount(spent.Amount)
		batch.Put(unspentKey(spent.Script, spent.TxID, spent.Vout), unspentValue(amount, int32(spent.Height)))
		batch.Put(outKey(wire.OutPoint{Hash: spent.TxID, Index: spent.Vout}), outValue(spent.Script, amount, int32(spent.Height)))
		deltas[spent.Script] += amount
		changed[spent.Script] = struct{}{}
	}

	for _, his := range undo.History {
		batch.Delete(historyKey(his.Script, h, his.Seq))
		changed[his.Script] = struct{}{}
	}

	if err := idx.applyDeltas(batch, deltas); err != nil {
		return fmt.Errorf("detach block %d: %w", h, err)
	}

	batch.Delete(headerKey(h))
	batch.Delete(undoKey(h))

	// The parent header carries the new tip hash. Detaching the base
	// block of a partial index leaves the index empty.
	var tip chain.Tip
	if h > 0 {
		value, err := idx.db.Get(headerKey(h-1), nil)
		switch {
		case err == nil:
			_, hash, err := parseHeader(value)
			if err != nil {
				return err
			}
			tip = chain.Tip{Height: h - 1, Hash: hash}

		case errors.Is(err, leveldb.ErrNotFound):

		default:
			return fmt.Errorf("read header %d: %w", h-1, err)
		}
	}

	if tip.IsZero() {
		batch.Delete(keyTip)
	} else {
		batch.Put(keyTip, tipValue(tip))
	}

	if err := idx.db.Write(batch, nil); err != nil {
		return fmt.Errorf("detach block %d: %w", h, err)
	}

	idx.tip = tip
	return nil
}

// applyDeltas folds per script hash amount changes into the stored
// balances. A balance that would go negative means the view no longer
// matches the chain.
func (idx *Index) applyDeltas(batch *leveldb.Batch, deltas map[chain.ScriptHash]btcutil.Amount) error {
	for sh, delta := range deltas {
		if delta == 0 {
			continue
		}

		balance, err := idx.readBalance(sh)
		if err != nil {
			return err
		}

		balance += delta
		switch {
		case balance < 0:
			return fmt.Errorf("balance %s underflows by %d: %w", sh, -balance, ErrCorrupt)
		case balance == 0:
			batch.Delete(balanceKey(sh))
		default:
			batch.Put(balanceKey(sh), balanceValue(balance))
		}
	}

	return nil
}

// =============================================================================

// Balance returns the confirmed funds of a script hash. Unknown hashes
// have a zero balance.
func (idx *Index) Balance(sh chain.ScriptHash) (btcutil.Amount, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.readBalance(sh)
}

func (idx *Index) readBalance(sh chain.ScriptHash) (btcutil.Amount, error) {
	value, err := idx.db.Get(balanceKey(sh), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", sh, err)
	}

	return parseBalance(value)
}

// History returns the confirmed transactions touching a script hash in
// chain order.
func (idx *Index) History(sh chain.ScriptHash) ([]chain.HistoryItem, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var items []chain.HistoryItem

	iter := idx.db.NewIterator(util.BytesPrefix(historyPrefix(sh)), nil)
	defer iter.Release()

	for iter.Next() {
		height, _, err := parseHistoryKey(iter.Key())
		if err != nil {
			return nil, err
		}

		txid, err := chainhash.NewHash(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("history value for %s: %w", sh, ErrCorrupt)
		}

		items = append(items, chain.HistoryItem{TxID: *txid, Height: height})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate history %s: %w", sh, err)
	}

	return items, nil
}

// Unspent returns the outputs still paying a script hash, ordered by
// confirmation height.
func (idx *Index) Unspent(sh chain.ScriptHash) ([]chain.UTXO, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var utxos []chain.UTXO

	iter := idx.db.NewIterator(util.BytesPrefix(unspentPrefix(sh)), nil)
	defer iter.Release()

	for iter.Next() {
		txid, vout, err := parseUnspentKey(iter.Key())
		if err != nil {
			return nil, err
		}

		amount, height, err := parseUnspent(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("unspent value for %s: %w", sh, err)
		}

		utxos = append(utxos, chain.UTXO{TxID: txid, Vout: vout, Amount: amount, Height: height})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate unspent %s: %w", sh, err)
	}

	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].Height != utxos[j].Height {
			return utxos[i].Height < utxos[j].Height
		}
		if utxos[i].TxID != utxos[j].TxID {
			return bytes.Compare(utxos[i].TxID[:], utxos[j].TxID[:]) < 0
		}
		return utxos[i].Vout < utxos[j].Vout
	})

	return utxos, nil
}

// Header returns the stored raw header and block hash at a height.
func (idx *Index) Header(height int32) ([]byte, chainhash.Hash, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	value, err := idx.db.Get(headerKey(height), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, chainhash.Hash{}, fmt.Errorf("header %d: %w", height, ErrNotFound)
	}
	if err != nil {
		return nil, chainhash.Hash{}, fmt.Errorf("read header %d: %w", height, err)
	}

	return parseHeader(value)
}

// ResolveOutpoint returns the script hash and amount of a confirmed,
// still unspent output. Spent or unknown outpoints report ErrNotFound.
func (idx *Index) ResolveOutpoint(op wire.OutPoint) (chain.ScriptHash, btcutil.Amount, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	value, err := idx.db.Get(outKey(op), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return chain.ScriptHash{}, 0, fmt.Errorf("outpoint %s: %w", op, ErrNotFound)
	}
	if err != nil {
		return chain.ScriptHash{}, 0, fmt.Errorf("read outpoint %s: %w", op, err)
	}

	sh, amount, _, err := parseOut(value)
	return sh, amount, err
}

// sortedKeys flattens a changed set into a stable slice.
func sortedKeys(set map[chain.ScriptHash]struct{}) []chain.ScriptHash {
	keys := make([]chain.ScriptHash, 0, len(set))
	for sh := range set {
		keys = append(keys, sh)
	}

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	return keys
}
