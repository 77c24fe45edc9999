package mempool_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/indexer/mempool"
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

// =============================================================================

func Test_ViewTracking(t *testing.T) {
	shA := testScript("script-a")
	shB := testScript("script-b")

	tx1 := mempool.Tx{
		TxID: testHash("tx1"),
		Fee:  150,
		Deltas: map[chain.ScriptHash]btcutil.Amount{
			shA: 10_000,
			shB: -4_000,
		},
	}
	tx2 := mempool.Tx{
		TxID:              testHash("tx2"),
		Fee:               200,
		SpendsUnconfirmed: true,
		Deltas: map[chain.ScriptHash]btcutil.Amount{
			shA: 2_500,
		},
	}

	t.Log("Given the need to track unconfirmed balances and histories.")
	{
		t.Logf("\tTest 0:\tWhen transactions enter and leave the view.")
		{
			vw := mempool.New()

			vw.Upsert(tx1)
			vw.Upsert(tx2)

			if count := vw.Count(); count != 2 {
				t.Errorf("\t%s\tTest 0:\tShould hold both transactions. got %d", failed, count)
			} else {
				t.Logf("\t%s\tTest 0:\tShould hold both transactions.", success)
			}

			if balance := vw.BalanceFor(shA); balance != 12_500 {
				t.Errorf("\t%s\tTest 0:\tShould sum the deltas for script A. got %d", failed, balance)
			} else {
				t.Logf("\t%s\tTest 0:\tShould sum the deltas for script A.", success)
			}

			if balance := vw.BalanceFor(shB); balance != -4_000 {
				t.Errorf("\t%s\tTest 0:\tShould carry a negative delta for script B. got %d", failed, balance)
			} else {
				t.Logf("\t%s\tTest 0:\tShould carry a negative delta for script B.", success)
			}

			history := vw.HistoryFor(shA)
			if len(history) != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould list both transactions for script A. got %d", failed, len(history))
			}
			t.Logf("\t%s\tTest 0:\tShould list both transactions for script A.", success)

			if history[0].Height != 0 || history[0].TxID != tx1.TxID || history[0].Fee != 150 {
				t.Errorf("\t%s\tTest 0:\tShould list the parent-confirmed transaction first. got %+v", failed, history[0])
			} else {
				t.Logf("\t%s\tTest 0:\tShould list the parent-confirmed transaction first.", success)
			}

			if history[1].Height != -1 || history[1].TxID != tx2.TxID {
				t.Errorf("\t%s\tTest 0:\tShould list the chained transaction at height -1. got %+v", failed, history[1])
			} else {
				t.Logf("\t%s\tTest 0:\tShould list the chained transaction at height -1.", success)
			}

			seqBefore := vw.Seq()
			removed, ok := vw.Delete(tx1.TxID)
			if !ok || removed.TxID != tx1.TxID {
				t.Fatalf("\t%s\tTest 0:\tShould return the deleted transaction.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould return the deleted transaction.", success)

			if vw.Seq() == seqBefore {
				t.Errorf("\t%s\tTest 0:\tShould bump the sequence on delete.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould bump the sequence on delete.", success)
			}

			if balance := vw.BalanceFor(shA); balance != 2_500 {
				t.Errorf("\t%s\tTest 0:\tShould drop the deleted deltas. got %d", failed, balance)
			} else {
				t.Logf("\t%s\tTest 0:\tShould drop the deleted deltas.", success)
			}

			if balance := vw.BalanceFor(shB); balance != 0 {
				t.Errorf("\t%s\tTest 0:\tShould zero script B after the delete. got %d", failed, balance)
			} else {
				t.Logf("\t%s\tTest 0:\tShould zero script B after the delete.", success)
			}

			if history := vw.HistoryFor(shB); history != nil {
				t.Errorf("\t%s\tTest 0:\tShould have no history left for script B. got %v", failed, history)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have no history left for script B.", success)
			}
		}

		t.Logf("\tTest 1:\tWhen a transaction is upserted twice.")
		{
			vw := mempool.New()

			vw.Upsert(tx2)

			// The parents confirmed, so the same transaction comes back
			// without the unconfirmed marker.
			settled := tx2
			settled.SpendsUnconfirmed = false
			vw.Upsert(settled)

			if count := vw.Count(); count != 1 {
				t.Errorf("\t%s\tTest 1:\tShould hold the transaction once. got %d", failed, count)
			} else {
				t.Logf("\t%s\tTest 1:\tShould hold the transaction once.", success)
			}

			if balance := vw.BalanceFor(shA); balance != 2_500 {
				t.Errorf("\t%s\tTest 1:\tShould not double count the deltas. got %d", failed, balance)
			} else {
				t.Logf("\t%s\tTest 1:\tShould not double count the deltas.", success)
			}

			history := vw.HistoryFor(shA)
			if len(history) != 1 || history[0].Height != 0 {
				t.Errorf("\t%s\tTest 1:\tShould report the settled transaction at height 0. got %+v", failed, history)
			} else {
				t.Logf("\t%s\tTest 1:\tShould report the settled transaction at height 0.", success)
			}
		}
	}
}

func Test_Diff(t *testing.T) {
	t.Log("Given the need to reconcile the view against the node's mempool.")
	{
		t.Logf("\tTest 0:\tWhen transactions appear and disappear upstream.")
		{
			vw := mempool.New()

			tx1 := mempool.Tx{TxID: testHash("tx1"), Deltas: map[chain.ScriptHash]btcutil.Amount{testScript("a"): 1}}
			tx2 := mempool.Tx{TxID: testHash("tx2"), Deltas: map[chain.ScriptHash]btcutil.Amount{testScript("b"): 1}}
			vw.Upsert(tx1)
			vw.Upsert(tx2)

			current := []chainhash.Hash{tx2.TxID, testHash("tx3")}

			added, removed := vw.Diff(current)
			if len(added) != 1 || added[0] != testHash("tx3") {
				t.Errorf("\t%s\tTest 0:\tShould report the unknown transaction as added. got %v", failed, added)
			} else {
				t.Logf("\t%s\tTest 0:\tShould report the unknown transaction as added.", success)
			}

			if len(removed) != 1 || removed[0].TxID != tx1.TxID {
				t.Errorf("\t%s\tTest 0:\tShould report the vanished transaction as removed. got %v", failed, removed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould report the vanished transaction as removed.", success)
			}

			if count := vw.Count(); count != 2 {
				t.Errorf("\t%s\tTest 0:\tShould not mutate the view. got %d", failed, count)
			} else {
				t.Logf("\t%s\tTest 0:\tShould not mutate the view.", success)
			}

			vw.Truncate()
			if count, seq := vw.Count(), vw.Seq(); count != 0 || seq == 0 {
				t.Errorf("\t%s\tTest 0:\tShould be empty after truncate. count %d, seq %d", failed, count, seq)
			} else {
				t.Logf("\t%s\tTest 0:\tShould be empty after truncate.", success)
			}
		}
	}
}
