package state

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/indexer/mempool"
)

// syncMempool reconciles the unconfirmed view with the node pool and
// notifies the scripts whose unconfirmed history moved.
func (s *State) syncMempool(ctx context.Context) error {
	txids, err := s.upstream.MempoolTxIDs(ctx)
	if err != nil {
		return fmt.Errorf("pool ids: %w", err)
	}

	added, removed := s.mempool.Diff(txids)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	touched := make(map[chain.ScriptHash]struct{})

	// Drop confirmed and evicted transactions first so a replacement
	// spend resolves against the current view.
	for _, tx := range removed {
		if old, exists := s.mempool.Delete(tx.TxID); exists {
			for sh := range old.Deltas {
				touched[sh] = struct{}{}
			}
		}
	}

	if len(added) > mempoolFetchLimit {
		s.evHandler("state: mempool: %d new transactions, taking %d this cycle", len(added), mempoolFetchLimit)
		added = added[:mempoolFetchLimit]
	}

	for _, tx := range s.fetchPoolTxs(ctx, added) {
		s.mempool.Upsert(tx)
		for sh := range tx.Deltas {
			touched[sh] = struct{}{}
		}
	}

	if len(touched) > 0 {
		keys := make([]chain.ScriptHash, 0, len(touched))
		for sh := range touched {
			keys = append(keys, sh)
		}
		s.registry.Notify(keys, s.statusFor)
	}

	return nil
}

// poolDownload pairs a reduced transaction with its node reported fee.
type poolDownload struct {
	sum chain.TxSummary
	fee btcutil.Amount
}

// fetchPoolTxs downloads a batch of unconfirmed transactions and reduces
// them to per script deltas. Inputs are resolved against the batch
// itself, the current view, and the confirmed index in that order, so
// chained transactions work no matter how the node orders its response.
func (s *State) fetchPoolTxs(ctx context.Context, txids []chainhash.Hash) []mempool.Tx {
	batch := make([]poolDownload, 0, len(txids))
	byID := make(map[chainhash.Hash]int)

	for _, txid := range txids {
		raw, err := s.upstream.RawTransaction(ctx, txid)
		if err != nil {

			// Gone between the id listing and the fetch. Confirmed or
			// evicted, the next cycle settles it either way.
			s.evHandler("state: mempool: fetch %s: %s", txid, err)
			continue
		}

		fee, err := s.upstream.MempoolEntry(ctx, txid)
		if err != nil {
			s.evHandler("state: mempool: entry %s: %s", txid, err)
			continue
		}

		byID[txid] = len(batch)
		batch = append(batch, poolDownload{sum: chain.SummarizeTx(raw), fee: fee})
	}

	txs := make([]mempool.Tx, 0, len(batch))

	for _, dl := range batch {
		tx := mempool.Tx{
			TxID:    dl.sum.TxID,
			Fee:     dl.fee,
			Deltas:  make(map[chain.ScriptHash]btcutil.Amount),
			Creates: dl.sum.Creates,
		}

		for _, op := range dl.sum.Spends {
			sh, amount, unconfirmed, exists := s.resolvePoolInput(op, batch, byID)
			if !exists {
				s.evHandler("state: mempool: %s spends unknown outpoint %s", tx.TxID, op)
				continue
			}

			tx.Deltas[sh] -= amount
			if unconfirmed {
				tx.SpendsUnconfirmed = true
			}
		}

		for _, created := range dl.sum.Creates {
			tx.Deltas[created.Script] += created.Amount
		}

		txs = append(txs, tx)
	}

	return txs
}

// resolvePoolInput finds the script and amount behind a spent outpoint.
// The unconfirmed result reports whether the parent is itself still in
// the pool.
func (s *State) resolvePoolInput(op wire.OutPoint, batch []poolDownload, byID map[chainhash.Hash]int) (chain.ScriptHash, btcutil.Amount, bool, bool) {

	// Parent fetched in this same batch.
	if i, exists := byID[op.Hash]; exists {
		for _, created := range batch[i].sum.Creates {
			if created.Vout == op.Index {
				return created.Script, created.Amount, true, true
			}
		}
		return chain.ScriptHash{}, 0, false, false
	}

	// Parent already in the view.
	if parent, exists := s.mempool.Lookup(op.Hash); exists {
		for _, created := range parent.Creates {
			if created.Vout == op.Index {
				return created.Script, created.Amount, true, true
			}
		}
		return chain.ScriptHash{}, 0, false, false
	}

	// Confirmed parent.
	sh, amount, err := s.index.ResolveOutpoint(op)
	if err != nil {
		return chain.ScriptHash{}, 0, false, false
	}

	return sh, amount, false, true
}
