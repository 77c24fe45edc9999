// Package mempool maintains the server's view of the node's unconfirmed
// transactions, reduced to the script hashes each one touches and the
// net amount it moves for them. The confirmed side lives in the index;
// this view supplies the unconfirmed half of balances, histories, and
// status digests.
package mempool

import (
	"bytes"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
)

// Tx is one unconfirmed transaction reduced for view tracking. Deltas
// carries the net confirmed-balance change per touched script hash.
// Tx is one unconfirmed transaction reduced to what serving needs: the
// net amount it moves per script hash and the outputs it creates, so a
// later child spending those outputs can be resolved without touching
// the node again. SpendsUnconfirmed marks a transaction with unconfirmed
// parents, which reports height -1 instead of 0 in histories.
type Tx struct {
	TxID              chainhash.Hash
	Fee               btcutil.Amount
	SpendsUnconfirmed bool
	Deltas            map[chain.ScriptHash]btcutil.Amount
	Creates           []chain.Created
}

// View is the current unconfirmed transaction set.
type View struct {
	mu       sync.RWMutex
	pool     map[chainhash.Hash]Tx
	byScript map[chain.ScriptHash]map[chainhash.Hash]struct{}
	balances map[chain.ScriptHash]btcutil.Amount
	seq      uint64
}

// New constructs an empty view.
func New() *View {
	vw := View{
		pool:     make(map[chainhash.Hash]Tx),
		byScript: make(map[chain.ScriptHash]map[chainhash.Hash]struct{}),
		balances: make(map[chain.ScriptHash]btcutil.Amount),
	}

	return &vw
}

// Count returns the number of transactions in the view.
func (vw *View) Count() int {
	vw.mu.RLock()
	defer vw.mu.RUnlock()

	return len(vw.pool)
}

// Seq returns a counter that moves on every change to the view, so
// callers can skip work when nothing happened.
func (vw *View) Seq() uint64 {
	vw.mu.RLock()
	defer vw.mu.RUnlock()

	return vw.seq
}

// Lookup returns a transaction from the view.
func (vw *View) Lookup(txid chainhash.Hash) (Tx, bool) {
	vw.mu.RLock()
	defer vw.mu.RUnlock()

	tx, exists := vw.pool[txid]
	return tx, exists
}

// Has reports whether a transaction is in the view.
func (vw *View) Has(txid chainhash.Hash) bool {
	vw.mu.RLock()
	defer vw.mu.RUnlock()

	_, ok := vw.pool[txid]
	return ok
}

// Upsert adds or replaces a transaction in the view.
func (vw *View) Upsert(tx Tx) {
	vw.mu.Lock()
	defer vw.mu.Unlock()

	if old, ok := vw.pool[tx.TxID]; ok {
		vw.unlink(old)
	}

	vw.pool[tx.TxID] = tx
	for sh, delta := range tx.Deltas {
		set := vw.byScript[sh]
		if set == nil {
			set = make(map[chainhash.Hash]struct{})
			vw.byScript[sh] = set
		}
		set[tx.TxID] = struct{}{}

		if balance := vw.balances[sh] + delta; balance == 0 {
			delete(vw.balances, sh)
		} else {
			vw.balances[sh] = balance
		}
	}

	vw.seq++
}

// Delete removes a transaction and returns what was stored, so callers
// can collect the script hashes it touched.
func (vw *View) Delete(txid chainhash.Hash) (Tx, bool) {
	vw.mu.Lock()
	defer vw.mu.Unlock()

	tx, ok := vw.pool[txid]
	if !ok {
		return Tx{}, false
	}

	vw.unlink(tx)
	delete(vw.pool, txid)
	vw.seq++

	return tx, true
}

// Truncate clears all the transactions from the view.
func (vw *View) Truncate() {
	vw.mu.Lock()
	defer vw.mu.Unlock()

	vw.pool = make(map[chainhash.Hash]Tx)
	vw.byScript = make(map[chain.ScriptHash]map[chainhash.Hash]struct{})
	vw.balances = make(map[chain.ScriptHash]btcutil.Amount)
	vw.seq++
}

// unlink removes a transaction's traces from the lookup structures.
// Callers hold the write lock.
func (vw *View) unlink(tx Tx) {
	for sh, delta := range tx.Deltas {
		set := vw.byScript[sh]
		delete(set, tx.TxID)
		if len(set) == 0 {
			delete(vw.byScript, sh)
		}

		if balance := vw.balances[sh] - delta; balance == 0 {
			delete(vw.balances, sh)
		} else {
			vw.balances[sh] = balance
		}
	}
}

// =============================================================================

// Diff compares the node's current transaction set against the view and
// returns the ids missing from the view plus the stored transactions
// that have disappeared from the node.
func (vw *View) Diff(current []chainhash.Hash) ([]chainhash.Hash, []Tx) {
	vw.mu.RLock()
	defer vw.mu.RUnlock()

	seen := make(map[chainhash.Hash]struct{}, len(current))

	var added []chainhash.Hash
	for _, txid := range current {
		seen[txid] = struct{}{}
		if _, ok := vw.pool[txid]; !ok {
			added = append(added, txid)
		}
	}

	var removed []Tx
	for txid, tx := range vw.pool {
		if _, ok := seen[txid]; !ok {
			removed = append(removed, tx)
		}
	}

	return added, removed
}

// BalanceFor returns the net unconfirmed amount for a script hash.
func (vw *View) BalanceFor(sh chain.ScriptHash) btcutil.Amount {
	vw.mu.RLock()
	defer vw.mu.RUnlock()

	return vw.balances[sh]
}

// HistoryFor returns the unconfirmed history of a script hash:
// transactions with confirmed parents first at height 0, then those
// spending unconfirmed outputs at height -1, each with its fee.
func (vw *View) HistoryFor(sh chain.ScriptHash) []chain.HistoryItem {
	vw.mu.RLock()
	defer vw.mu.RUnlock()

	ids := vw.byScript[sh]
	if len(ids) == 0 {
		return nil
	}

	items := make([]chain.HistoryItem, 0, len(ids))
	for txid := range ids {
		tx := vw.pool[txid]

		height := int32(0)
		if tx.SpendsUnconfirmed {
			height = -1
		}

		items = append(items, chain.HistoryItem{TxID: tx.TxID, Height: height, Fee: tx.Fee})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Height != items[j].Height {
			return items[i].Height > items[j].Height
		}
		return bytes.Compare(items[i].TxID[:], items[j].TxID[:]) < 0
	})

	return items
}

// Stats is a snapshot of the view.
type Stats struct {
	Txs     int    `json:"txs"`
	Scripts int    `json:"scripts"`
	Seq     uint64 `json:"seq"`
}

// Stats returns a snapshot of the view.
func (vw *View) Stats() Stats {
	vw.mu.RLock()
	defer vw.mu.RUnlock()

	return Stats{
		Txs:     len(vw.pool),
		Scripts: len(vw.byScript),
		Seq:     vw.seq,
	}
}
