package index_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/indexer/index"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

func testHash(tag string) chainhash.Hash {
	return chainhash.DoubleHashH([]byte(tag))
}

func testScript(tag string) chain.ScriptHash {
	return chain.HashScript([]byte(tag))
}

// makeBlock fabricates a block summary with a hash derived from the name.
func makeBlock(name string, height int32, parent chainhash.Hash, txs ...chain.TxSummary) *chain.BlockData {
	return &chain.BlockData{
		Height:    height,
		Hash:      testHash(name),
		PrevHash:  parent,
		RawHeader: []byte("hdr-" + name),
		Txs:       txs,
	}
}

func create(vout uint32, sh chain.ScriptHash, amount btcutil.Amount) chain.Created {
	return chain.Created{Vout: vout, Script: sh, Amount: amount}
}

func spend(txid chainhash.Hash, vout uint32) wire.OutPoint {
	return wire.OutPoint{Hash: txid, Index: vout}
}

// snapshot is the complete view of a set of script hashes at one tip.
type snapshot struct {
	tip     chain.Tip
	balance map[chain.ScriptHash]btcutil.Amount
	history map[chain.ScriptHash][]chain.HistoryItem
	unspent map[chain.ScriptHash][]chain.UTXO
}

func capture(t *testing.T, idx *index.Index, hashes ...chain.ScriptHash) snapshot {
	t.Helper()

	snap := snapshot{
		tip:     idx.Tip(),
		balance: make(map[chain.ScriptHash]btcutil.Amount),
		history: make(map[chain.ScriptHash][]chain.HistoryItem),
		unspent: make(map[chain.ScriptHash][]chain.UTXO),
	}

	for _, sh := range hashes {
		balance, err := idx.Balance(sh)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to read balance %s: %v", failed, sh, err)
		}
		snap.balance[sh] = balance

		history, err := idx.History(sh)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to read history %s: %v", failed, sh, err)
		}
		snap.history[sh] = history

		unspent, err := idx.Unspent(sh)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to read unspent %s: %v", failed, sh, err)
		}
		snap.unspent[sh] = unspent
	}

	return snap
}

func newIndex(t *testing.T, reorgDepth int32) *index.Index {
	t.Helper()

	idx, err := index.New(t.TempDir(), reorgDepth, func(v string, args ...any) { t.Logf(v, args...) })
	if err != nil {
		t.Fatalf("\t%s\tShould be able to open the index: %v", failed, err)
	}
	t.Cleanup(func() { idx.Close() })

	return idx
}

// =============================================================================

func Test_ApplyBlocks(t *testing.T) {
	shA := testScript("script-a")
	shB := testScript("script-b")

	cb0 := chain.TxSummary{TxID: testHash("cb0"), Creates: []chain.Created{create(0, shA, 50_000)}}
	block0 := makeBlock("b0", 0, chainhash.Hash{}, cb0)

	tx1 := chain.TxSummary{
		TxID:    testHash("tx1"),
		Spends:  []wire.OutPoint{spend(cb0.TxID, 0)},
		Creates: []chain.Created{create(0, shB, 30_000), create(1, shA, 20_000)},
	}
	block1 := makeBlock("b1", 1, block0.Hash, tx1)

	t.Log("Given the need to attach blocks and query the resulting view.")
	{
		t.Logf("\tTest 0:\tWhen applying a two block chain.")
		{
			idx := newIndex(t, 10)

			changed, err := idx.ApplyBlock(block0)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the base block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to apply the base block.", success)

			if len(changed) != 1 || changed[0] != shA {
				t.Errorf("\t%s\tTest 0:\tShould report the coinbase script as changed: %v", failed, changed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould report the coinbase script as changed.", success)
			}

			changed, err = idx.ApplyBlock(block1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the next block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to apply the next block.", success)

			if len(changed) != 2 {
				t.Errorf("\t%s\tTest 0:\tShould report both scripts as changed: %v", failed, changed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould report both scripts as changed.", success)
			}

			tip := idx.Tip()
			if tip.Height != 1 || tip.Hash != block1.Hash {
				t.Errorf("\t%s\tTest 0:\tShould have the tip at block 1. got %d/%s", failed, tip.Height, tip.Hash)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have the tip at block 1.", success)
			}

			balance, err := idx.Balance(shA)
			if err != nil || balance != 20_000 {
				t.Errorf("\t%s\tTest 0:\tShould have a 20000 balance for script A. got %d, err %v", failed, balance, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have a 20000 balance for script A.", success)
			}

			balance, err = idx.Balance(shB)
			if err != nil || balance != 30_000 {
				t.Errorf("\t%s\tTest 0:\tShould have a 30000 balance for script B. got %d, err %v", failed, balance, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have a 30000 balance for script B.", success)
			}

			balance, err = idx.Balance(testScript("unknown"))
			if err != nil || balance != 0 {
				t.Errorf("\t%s\tTest 0:\tShould have a zero balance for an unknown script. got %d, err %v", failed, balance, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have a zero balance for an unknown script.", success)
			}

			history, err := idx.History(shA)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to read the history: %v", failed, err)
			}
			wantHistory := []chain.HistoryItem{
				{TxID: cb0.TxID, Height: 0},
				{TxID: tx1.TxID, Height: 1},
			}
			if !reflect.DeepEqual(history, wantHistory) {
				t.Errorf("\t%s\tTest 0:\tShould have the history of script A in chain order. got %v", failed, history)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have the history of script A in chain order.", success)
			}

			unspent, err := idx.Unspent(shA)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to read the unspent outputs: %v", failed, err)
			}
			wantUnspent := []chain.UTXO{{TxID: tx1.TxID, Vout: 1, Amount: 20_000, Height: 1}}
			if !reflect.DeepEqual(unspent, wantUnspent) {
				t.Errorf("\t%s\tTest 0:\tShould have only the change output unspent. got %v", failed, unspent)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have only the change output unspent.", success)
			}

			raw, hash, err := idx.Header(0)
			if err != nil || hash != block0.Hash || string(raw) != "hdr-b0" {
				t.Errorf("\t%s\tTest 0:\tShould read back the base header. got %q/%s, err %v", failed, raw, hash, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould read back the base header.", success)
			}

			if _, _, err := idx.Header(5); !errors.Is(err, index.ErrNotFound) {
				t.Errorf("\t%s\tTest 0:\tShould report ErrNotFound for an unknown height: %v", failed, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould report ErrNotFound for an unknown height.", success)
			}
		}
	}
}

func Test_OutOfOrder(t *testing.T) {
	shA := testScript("script-a")
	block0 := makeBlock("b0", 0, chainhash.Hash{}, chain.TxSummary{TxID: testHash("cb0"), Creates: []chain.Created{create(0, shA, 10_000)}})

	t.Log("Given the need to reject blocks that do not extend the tip.")
	{
		t.Logf("\tTest 0:\tWhen applying blocks with a bad height or parent.")
		{
			idx := newIndex(t, 10)

			if _, err := idx.ApplyBlock(block0); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the base block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to apply the base block.", success)

			skipped := makeBlock("b5", 5, block0.Hash)
			if _, err := idx.ApplyBlock(skipped); !errors.Is(err, index.ErrOutOfOrder) {
				t.Errorf("\t%s\tTest 0:\tShould reject a block that skips a height: %v", failed, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould reject a block that skips a height.", success)
			}

			orphan := makeBlock("b1-orphan", 1, testHash("nowhere"))
			if _, err := idx.ApplyBlock(orphan); !errors.Is(err, index.ErrOutOfOrder) {
				t.Errorf("\t%s\tTest 0:\tShould reject a block with the wrong parent: %v", failed, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould reject a block with the wrong parent.", success)
			}

			if tip := idx.Tip(); tip.Height != 0 || tip.Hash != block0.Hash {
				t.Errorf("\t%s\tTest 0:\tShould leave the tip untouched. got %d/%s", failed, tip.Height, tip.Hash)
			} else {
				t.Logf("\t%s\tTest 0:\tShould leave the tip untouched.", success)
			}
		}
	}
}

func Test_RollbackRoundTrip(t *testing.T) {
	shA := testScript("script-a")
	shB := testScript("script-b")
	shC := testScript("script-c")

	cb0 := chain.TxSummary{TxID: testHash("cb0"), Creates: []chain.Created{create(0, shA, 50_000)}}
	block0 := makeBlock("b0", 0, chainhash.Hash{}, cb0)

	tx1 := chain.TxSummary{
		TxID:    testHash("tx1"),
		Spends:  []wire.OutPoint{spend(cb0.TxID, 0)},
		Creates: []chain.Created{create(0, shB, 30_000), create(1, shA, 20_000)},
	}
	block1 := makeBlock("b1", 1, block0.Hash, tx1)

	tx2 := chain.TxSummary{
		TxID:    testHash("tx2"),
		Spends:  []wire.OutPoint{spend(tx1.TxID, 0)},
		Creates: []chain.Created{create(0, shC, 30_000)},
	}
	block2 := makeBlock("b2", 2, block1.Hash, tx2)

	tx3 := chain.TxSummary{
		TxID:    testHash("tx3"),
		Spends:  []wire.OutPoint{spend(tx1.TxID, 1)},
		Creates: []chain.Created{create(0, shB, 10_000), create(1, shA, 10_000)},
	}
	block3 := makeBlock("b3", 3, block2.Hash, tx3)

	t.Log("Given the need to detach blocks and land on the exact prior view.")
	{
		t.Logf("\tTest 0:\tWhen rolling back two blocks and applying them again.")
		{
			idx := newIndex(t, 10)

			for _, block := range []*chain.BlockData{block0, block1} {
				if _, err := idx.ApplyBlock(block); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to apply block %d: %v", failed, block.Height, err)
				}
			}
			before := capture(t, idx, shA, shB, shC)

			for _, block := range []*chain.BlockData{block2, block3} {
				if _, err := idx.ApplyBlock(block); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to apply block %d: %v", failed, block.Height, err)
				}
			}
			after := capture(t, idx, shA, shB, shC)
			t.Logf("\t%s\tTest 0:\tShould be able to apply four blocks.", success)

			changed, err := idx.RollbackToHeight(1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to roll back to height 1: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to roll back to height 1.", success)

			if len(changed) != 3 {
				t.Errorf("\t%s\tTest 0:\tShould report all three scripts as changed: %v", failed, changed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould report all three scripts as changed.", success)
			}

			if got := capture(t, idx, shA, shB, shC); !reflect.DeepEqual(got, before) {
				t.Errorf("\t%s\tTest 0:\tShould restore the exact height 1 view.\ngot: %+v\nexp: %+v", failed, got, before)
			} else {
				t.Logf("\t%s\tTest 0:\tShould restore the exact height 1 view.", success)
			}

			for _, block := range []*chain.BlockData{block2, block3} {
				if _, err := idx.ApplyBlock(block); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to reapply block %d: %v", failed, block.Height, err)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould be able to reapply the detached blocks.", success)

			if got := capture(t, idx, shA, shB, shC); !reflect.DeepEqual(got, after) {
				t.Errorf("\t%s\tTest 0:\tShould land back on the height 3 view.\ngot: %+v\nexp: %+v", failed, got, after)
			} else {
				t.Logf("\t%s\tTest 0:\tShould land back on the height 3 view.", success)
			}
		}
	}
}

func Test_SameBlockSpend(t *testing.T) {
	shA := testScript("script-a")
	shD := testScript("script-d")
	shE := testScript("script-e")

	cb0 := chain.TxSummary{TxID: testHash("cb0"), Creates: []chain.Created{create(0, shA, 40_000)}}
	block0 := makeBlock("b0", 0, chainhash.Hash{}, cb0)

	txP := chain.TxSummary{
		TxID:    testHash("txP"),
		Spends:  []wire.OutPoint{spend(cb0.TxID, 0)},
		Creates: []chain.Created{create(0, shD, 40_000)},
	}
	txQ := chain.TxSummary{
		TxID:    testHash("txQ"),
		Spends:  []wire.OutPoint{spend(txP.TxID, 0)},
		Creates: []chain.Created{create(0, shE, 40_000)},
	}
	block1 := makeBlock("b1", 1, block0.Hash, txP, txQ)

	t.Log("Given the need to settle outputs created and spent in one block.")
	{
		t.Logf("\tTest 0:\tWhen a chained spend lands in the same block.")
		{
			idx := newIndex(t, 10)

			if _, err := idx.ApplyBlock(block0); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the base block: %v", failed, err)
			}
			before := capture(t, idx, shA, shD, shE)

			if _, err := idx.ApplyBlock(block1); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the chained block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to apply the chained block.", success)

			balance, err := idx.Balance(shD)
			if err != nil || balance != 0 {
				t.Errorf("\t%s\tTest 0:\tShould have a zero balance for the pass through script. got %d, err %v", failed, balance, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have a zero balance for the pass through script.", success)
			}

			balance, err = idx.Balance(shE)
			if err != nil || balance != 40_000 {
				t.Errorf("\t%s\tTest 0:\tShould move the full amount to the final script. got %d, err %v", failed, balance, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould move the full amount to the final script.", success)
			}

			unspent, err := idx.Unspent(shD)
			if err != nil || len(unspent) != 0 {
				t.Errorf("\t%s\tTest 0:\tShould have no unspent outputs for the pass through script. got %v, err %v", failed, unspent, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have no unspent outputs for the pass through script.", success)
			}

			history, err := idx.History(shD)
			if err != nil || len(history) != 2 {
				t.Errorf("\t%s\tTest 0:\tShould record both transactions for the pass through script. got %v, err %v", failed, history, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould record both transactions for the pass through script.", success)
			}

			if _, err := idx.RollbackToHeight(0); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to roll the chained block back: %v", failed, err)
			}
			if got := capture(t, idx, shA, shD, shE); !reflect.DeepEqual(got, before) {
				t.Errorf("\t%s\tTest 0:\tShould restore the base view.\ngot: %+v\nexp: %+v", failed, got, before)
			} else {
				t.Logf("\t%s\tTest 0:\tShould restore the base view.", success)
			}
		}
	}
}

func Test_UndoRetention(t *testing.T) {
	t.Log("Given the need to bound how deep a rollback can reach.")
	{
		t.Logf("\tTest 0:\tWhen undo records age out of the retention window.")
		{
			idx := newIndex(t, 2)

			parent := chainhash.Hash{}
			for height := int32(0); height < 4; height++ {
				block := makeBlock(string(rune('a'+height)), height, parent)
				if _, err := idx.ApplyBlock(block); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to apply block %d: %v", failed, height, err)
				}
				parent = block.Hash
			}
			t.Logf("\t%s\tTest 0:\tShould be able to apply four empty blocks.", success)

			if _, err := idx.RollbackToHeight(1); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to roll back inside the window: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to roll back inside the window.", success)

			if _, err := idx.RollbackToHeight(0); !errors.Is(err, index.ErrCorrupt) {
				t.Errorf("\t%s\tTest 0:\tShould refuse to roll back past the window: %v", failed, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould refuse to roll back past the window.", success)
			}
		}
	}
}

func Test_ReopenRecoversTip(t *testing.T) {
	shA := testScript("script-a")
	cb0 := chain.TxSummary{TxID: testHash("cb0"), Creates: []chain.Created{create(0, shA, 25_000)}}
	block0 := makeBlock("b0", 0, chainhash.Hash{}, cb0)

	t.Log("Given the need to recover the committed view after a restart.")
	{
		t.Logf("\tTest 0:\tWhen closing and reopening the database.")
		{
			dir := t.TempDir()
			ev := func(v string, args ...any) { t.Logf(v, args...) }

			idx, err := index.New(dir, 10, ev)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the index: %v", failed, err)
			}

			if _, err := idx.ApplyBlock(block0); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the base block: %v", failed, err)
			}
			if err := idx.Close(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to close the index: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to apply a block and close.", success)

			idx, err = index.New(dir, 10, ev)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to reopen the index: %v", failed, err)
			}
			defer idx.Close()

			if tip := idx.Tip(); tip.Height != 0 || tip.Hash != block0.Hash {
				t.Errorf("\t%s\tTest 0:\tShould recover the committed tip. got %d/%s", failed, tip.Height, tip.Hash)
			} else {
				t.Logf("\t%s\tTest 0:\tShould recover the committed tip.", success)
			}

			balance, err := idx.Balance(shA)
			if err != nil || balance != 25_000 {
				t.Errorf("\t%s\tTest 0:\tShould recover the committed balances. got %d, err %v", failed, balance, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould recover the committed balances.", success)
			}
		}
	}
}
