package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ferrumserver/ferrum/foundation/indexer/admission"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/indexer/index"
	"github.com/ferrumserver/ferrum/foundation/indexer/mempool"
	"github.com/ferrumserver/ferrum/foundation/indexer/registry"
	"github.com/ferrumserver/ferrum/foundation/indexer/state"
	"github.com/ferrumserver/ferrum/foundation/indexer/upstream"
	"github.com/ferrumserver/ferrum/foundation/throttle"
	"github.com/ferrumserver/ferrum/foundation/workpool"
)

const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

// mockNode serves a scripted chain and mempool so sync behavior can be
// driven deterministically.
type mockNode struct {
	mu     sync.Mutex
	blocks []*wire.MsgBlock
	pool   map[chainhash.Hash]*wire.MsgTx
	fees   map[chainhash.Hash]btcutil.Amount
	broken map[string]error
}

func newMockNode() *mockNode {
	return &mockNode{
		pool:   make(map[chainhash.Hash]*wire.MsgTx),
		fees:   make(map[chainhash.Hash]btcutil.Amount),
		broken: make(map[string]error),
	}
}

func (mn *mockNode) setChain(blocks ...*wire.MsgBlock) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	mn.blocks = blocks
}

func (mn *mockNode) addPoolTx(tx *wire.MsgTx, fee btcutil.Amount) chainhash.Hash {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	txid := tx.TxHash()
	mn.pool[txid] = tx
	mn.fees[txid] = fee

	return txid
}

func (mn *mockNode) dropPoolTx(txid chainhash.Hash) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	delete(mn.pool, txid)
	delete(mn.fees, txid)
}

func (mn *mockNode) failWith(method string, err error) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	if err == nil {
		delete(mn.broken, method)
		return
	}
	mn.broken[method] = err
}

func (mn *mockNode) failure(method string) error {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	return mn.broken[method]
}

func (mn *mockNode) BestBlock(ctx context.Context) (chain.Tip, error) {
	if err := mn.failure("bestblock"); err != nil {
		return chain.Tip{}, err
	}

	mn.mu.Lock()
	defer mn.mu.Unlock()

	if len(mn.blocks) == 0 {
		return chain.Tip{}, errors.New("no blocks")
	}

	last := mn.blocks[len(mn.blocks)-1]
	return chain.Tip{Height: int32(len(mn.blocks) - 1), Hash: last.Header.BlockHash()}, nil
}

func (mn *mockNode) BlockHash(ctx context.Context, height int32) (chainhash.Hash, error) {
	if err := mn.failure("blockhash"); err != nil {
		return chainhash.Hash{}, err
	}

	mn.mu.Lock()
	defer mn.mu.Unlock()

	if height < 0 || int(height) >= len(mn.blocks) {
		return chainhash.Hash{}, fmt.Errorf("height %d out of range", height)
	}

	return mn.blocks[height].Header.BlockHash(), nil
}

func (mn *mockNode) Block(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	for _, block := range mn.blocks {
		if block.Header.BlockHash() == hash {
			return block, nil
		}
	}

	return nil, fmt.Errorf("block %s not found", hash)
}

func (mn *mockNode) MempoolTxIDs(ctx context.Context) ([]chainhash.Hash, error) {
	if err := mn.failure("mempool"); err != nil {
		return nil, err
	}

	mn.mu.Lock()
	defer mn.mu.Unlock()

	txids := make([]chainhash.Hash, 0, len(mn.pool))
	for txid := range mn.pool {
		txids = append(txids, txid)
	}

	return txids, nil
}

func (mn *mockNode) MempoolEntry(ctx context.Context, txid chainhash.Hash) (btcutil.Amount, error) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	fee, exists := mn.fees[txid]
	if !exists {
		return 0, fmt.Errorf("transaction %s not in pool", txid)
	}

	return fee, nil
}

func (mn *mockNode) RawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	if tx, exists := mn.pool[txid]; exists {
		return tx, nil
	}

	return nil, fmt.Errorf("transaction %s not found", txid)
}

func (mn *mockNode) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	if err := mn.failure("broadcast"); err != nil {
		return chainhash.Hash{}, err
	}

	mn.mu.Lock()
	defer mn.mu.Unlock()

	txid := tx.TxHash()
	mn.pool[txid] = tx
	mn.fees[txid] = 100

	return txid, nil
}

func (mn *mockNode) Network(ctx context.Context) (upstream.NetworkInfo, error) {
	return upstream.NetworkInfo{Version: 280000, Subversion: "/Satoshi:28.0.0/", RelayFee: 0.00001}, nil
}

// =============================================================================

// stubWorker records force poll signals.
type stubWorker struct {
	mu    sync.Mutex
	polls int
}

func (w *stubWorker) Shutdown() {}

func (w *stubWorker) SignalForcePoll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.polls++
}

func (w *stubWorker) forcePolls() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.polls
}

// =============================================================================

// payScript builds a tiny spendable script unique per tag.
func payScript(tag byte) []byte {
	return []byte{txscript.OP_TRUE, txscript.OP_DATA_1, tag}
}

// coinbase builds the block subsidy transaction. The height in the
// signature script keeps txids unique across blocks.
func coinbase(height int32, value int64, script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{0x03, byte(height), byte(height >> 8), byte(height >> 16)},
	})
	tx.AddTxOut(wire.NewTxOut(value, script))

	return tx
}

// spend builds a transaction consuming one outpoint and paying the
// listed outputs.
func spend(prev *wire.MsgTx, vout uint32, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prev.TxHash(), Index: vout},
		SignatureScript:  []byte{txscript.OP_TRUE},
	})
	for _, out := range outs {
		tx.AddTxOut(out)
	}

	return tx
}

// makeBlock assembles a block on top of a parent hash. Distinct nonces
// keep sibling blocks distinct.
func makeBlock(parent chainhash.Hash, nonce uint32, txs ...*wire.MsgTx) *wire.MsgBlock {
	block := wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: parent,
			Timestamp: time.Unix(1700000000+int64(nonce), 0),
			Bits:      0x1d00ffff,
			Nonce:     nonce,
		},
	}
	block.Transactions = append(block.Transactions, txs...)

	return &block
}

// =============================================================================

// testHarness wires a full state over a temp index and the mock node.
type testHarness struct {
	st  *state.State
	reg *registry.Registry
}

func newHarness(t *testing.T, node *mockNode, reorgDepth int32, fatal func()) *testHarness {
	t.Helper()

	ev := func(v string, args ...any) {
		t.Logf(v, args...)
	}

	idx, err := index.New(filepath.Join(t.TempDir(), "index"), reorgDepth, ev)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to open the index: %s", failed, err)
	}

	thr, err := throttle.New(throttle.Params{Hi: 1000, Lo: 100, Decay: 10}, time.Second, ev)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build the throttle: %s", failed, err)
	}

	pool, err := workpool.New(4, 64, ev)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build the pool: %s", failed, err)
	}

	reg, err := registry.New(100, 10, ev)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build the registry: %s", failed, err)
	}

	adm, err := admission.New(admission.Config{MaxClients: 10, MaxPerIP: 5, MaxPending: 5, EvHandler: ev})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build the admission controller: %s", failed, err)
	}

	st, err := state.New(state.Config{
		Index:         idx,
		Upstream:      node,
		Registry:      reg,
		Mempool:       mempool.New(),
		Admission:     adm,
		Pool:          pool,
		Throttle:      thr,
		PollInterval:  time.Second,
		MaxReorgDepth: reorgDepth,
		MaxBuffer:     1 << 20,
		EvHandler:     ev,
		FatalFunc:     fatal,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build the state: %s", failed, err)
	}

	t.Cleanup(func() {
		if err := st.Shutdown(); err != nil {
			t.Logf("shutdown: %s", err)
		}
	})

	return &testHarness{st: st, reg: reg}
}

// =============================================================================

func Test_SyncToTip(t *testing.T) {
	t.Log("Given the need to bring a fresh index to the node tip.")
	{
		t.Logf("\tTest 0:\tWhen the node serves a three block chain.")
		{
			scriptA := payScript(0xaa)
			shA := chain.HashScript(scriptA)

			cb0 := coinbase(0, 50_000, scriptA)
			b0 := makeBlock(chainhash.Hash{}, 100, cb0)
			cb1 := coinbase(1, 50_000, scriptA)
			b1 := makeBlock(b0.Header.BlockHash(), 101, cb1)
			cb2 := coinbase(2, 50_000, scriptA)
			b2 := makeBlock(b1.Header.BlockHash(), 102, cb2)

			node := newMockNode()
			node.setChain(b0, b1, b2)

			h := newHarness(t, node, 8, nil)

			if h.st.Phase() != state.Initializing {
				t.Fatalf("\t%s\tTest 0:\tShould start in the initializing phase: %s", failed, h.st.Phase())
			}
			t.Logf("\t%s\tTest 0:\tShould start in the initializing phase.", success)

			var mu sync.Mutex
			var headers []state.HeaderNotification
			var statuses int

			deliverHeaders := func(key chain.ScriptHash, status []byte) bool {
				var hn state.HeaderNotification
				if err := json.Unmarshal(status, &hn); err != nil {
					t.Errorf("\t%s\tTest 0:\tShould deliver decodable header payloads: %s", failed, err)
				}
				mu.Lock()
				defer mu.Unlock()
				headers = append(headers, hn)
				return true
			}

			deliverScript := func(key chain.ScriptHash, status []byte) bool {
				mu.Lock()
				defer mu.Unlock()
				statuses++
				return true
			}

			if err := h.reg.Subscribe("conn-1", chain.HeadersKey, "10.0.0.1", deliverHeaders); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to subscribe headers: %s", failed, err)
			}
			if err := h.reg.Subscribe("conn-1", shA, "10.0.0.1", deliverScript); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to subscribe the script: %s", failed, err)
			}

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to run a poll cycle: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to run a poll cycle.", success)

			if h.st.Phase() != state.Synchronized {
				t.Errorf("\t%s\tTest 0:\tShould finish synchronized: %s", failed, h.st.Phase())
			} else {
				t.Logf("\t%s\tTest 0:\tShould finish synchronized.", success)
			}

			tip := h.st.RetrieveTip()
			if tip.Height != 2 || tip.Hash != b2.Header.BlockHash() {
				t.Errorf("\t%s\tTest 0:\tShould have the node tip, got height %d.", failed, tip.Height)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have the node tip.", success)
			}

			balance, err := h.st.RetrieveBalance(shA)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to query the balance: %s", failed, err)
			}
			if balance.Confirmed != 150_000 || balance.Unconfirmed != 0 {
				t.Errorf("\t%s\tTest 0:\tShould hold three coinbase credits, got %d.", failed, balance.Confirmed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould hold three coinbase credits.", success)
			}

			history, err := h.st.RetrieveHistory(shA)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to query the history: %s", failed, err)
			}
			if len(history) != 3 || history[0].Height != 0 || history[2].Height != 2 {
				t.Errorf("\t%s\tTest 0:\tShould list three confirmations in order, got %d.", failed, len(history))
			} else {
				t.Logf("\t%s\tTest 0:\tShould list three confirmations in order.", success)
			}

			mu.Lock()
			headerCount := len(headers)
			var lastHeader state.HeaderNotification
			if headerCount > 0 {
				lastHeader = headers[headerCount-1]
			}
			statusCount := statuses
			mu.Unlock()

			if headerCount != 3 || lastHeader.Height != 2 {
				t.Errorf("\t%s\tTest 0:\tShould notify headers per commit, got %d.", failed, headerCount)
			} else {
				t.Logf("\t%s\tTest 0:\tShould notify headers per commit.", success)
			}

			if statusCount != 3 {
				t.Errorf("\t%s\tTest 0:\tShould notify the script per commit, got %d.", failed, statusCount)
			} else {
				t.Logf("\t%s\tTest 0:\tShould notify the script per commit.", success)
			}

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to run an idle cycle: %s", failed, err)
			}

			stats := h.st.RetrieveStats()
			if stats.Cycles != 2 || stats.Height != 2 || stats.Phase != "synchronized" {
				t.Errorf("\t%s\tTest 0:\tShould report accurate stats: %+v", failed, stats)
			} else {
				t.Logf("\t%s\tTest 0:\tShould report accurate stats.", success)
			}

			mu.Lock()
			idleCount := len(headers)
			mu.Unlock()
			if idleCount != headerCount {
				t.Errorf("\t%s\tTest 0:\tShould not notify on an idle cycle.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould not notify on an idle cycle.", success)
			}
		}
	}
}

func Test_Reorg(t *testing.T) {
	t.Log("Given the need to follow the node through a reorganization.")
	{
		t.Logf("\tTest 0:\tWhen the node replaces its tip block.")
		{
			scriptA := payScript(0xa1)
			scriptB := payScript(0xb2)
			scriptC := payScript(0xc3)
			shB := chain.HashScript(scriptB)
			shC := chain.HashScript(scriptC)

			b0 := makeBlock(chainhash.Hash{}, 300, coinbase(0, 50_000, scriptA))
			b1 := makeBlock(b0.Header.BlockHash(), 301, coinbase(1, 50_000, scriptA))
			b2 := makeBlock(b1.Header.BlockHash(), 302, coinbase(2, 50_000, scriptB))

			node := newMockNode()
			node.setChain(b0, b1, b2)

			h := newHarness(t, node, 8, nil)

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sync the original chain: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to sync the original chain.", success)

			balance, err := h.st.RetrieveBalance(shB)
			if err != nil || balance.Confirmed != 50_000 {
				t.Fatalf("\t%s\tTest 0:\tShould credit the original tip block: %d %v", failed, balance.Confirmed, err)
			}

			// The node switches to a sibling tip paying a different
			// script.
			b2f := makeBlock(b1.Header.BlockHash(), 999, coinbase(2, 50_000, scriptC))
			node.setChain(b0, b1, b2f)

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sync through the reorg: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to sync through the reorg.", success)

			tip := h.st.RetrieveTip()
			if tip.Height != 2 || tip.Hash != b2f.Header.BlockHash() {
				t.Errorf("\t%s\tTest 0:\tShould land on the replacement tip.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould land on the replacement tip.", success)
			}

			balance, err = h.st.RetrieveBalance(shB)
			if err != nil || balance.Confirmed != 0 {
				t.Errorf("\t%s\tTest 0:\tShould remove the replaced credit, got %d.", failed, balance.Confirmed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould remove the replaced credit.", success)
			}

			balance, err = h.st.RetrieveBalance(shC)
			if err != nil || balance.Confirmed != 50_000 {
				t.Errorf("\t%s\tTest 0:\tShould credit the replacement block, got %d.", failed, balance.Confirmed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould credit the replacement block.", success)
			}

			stats := h.st.RetrieveStats()
			if stats.Reorgs != 1 || stats.Phase != "synchronized" {
				t.Errorf("\t%s\tTest 0:\tShould count one reorg and resynchronize: %+v", failed, stats)
			} else {
				t.Logf("\t%s\tTest 0:\tShould count one reorg and resynchronize.", success)
			}
		}
	}
}

func Test_Degraded(t *testing.T) {
	t.Log("Given the need to ride out an unreachable node.")
	{
		t.Logf("\tTest 0:\tWhen every tip fetch fails.")
		{
			scriptA := payScript(0xd4)
			b0 := makeBlock(chainhash.Hash{}, 400, coinbase(0, 50_000, scriptA))

			node := newMockNode()
			node.setChain(b0)

			h := newHarness(t, node, 8, nil)

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sync while healthy: %s", failed, err)
			}

			node.failWith("bestblock", errors.New("connection refused"))

			if err := h.st.RunPollCycle(context.Background()); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould fail the cycle when the node is down.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould fail the cycle when the node is down.", success)

			if h.st.Phase() != state.Degraded {
				t.Errorf("\t%s\tTest 0:\tShould report the degraded phase: %s", failed, h.st.Phase())
			} else {
				t.Logf("\t%s\tTest 0:\tShould report the degraded phase.", success)
			}

			if stats := h.st.RetrieveStats(); stats.LastError == "" {
				t.Errorf("\t%s\tTest 0:\tShould surface the failure in stats.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould surface the failure in stats.", success)
			}

			// Queries keep serving the last indexed view while degraded.
			if tip := h.st.RetrieveTip(); tip.Height != 0 {
				t.Errorf("\t%s\tTest 0:\tShould keep serving the stale tip.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould keep serving the stale tip.", success)
			}

			node.failWith("bestblock", nil)

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould recover once the node returns: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould recover once the node returns.", success)

			if h.st.Phase() != state.Synchronized {
				t.Errorf("\t%s\tTest 0:\tShould return to synchronized: %s", failed, h.st.Phase())
			} else {
				t.Logf("\t%s\tTest 0:\tShould return to synchronized.", success)
			}
		}
	}
}

func Test_MempoolFlow(t *testing.T) {
	t.Log("Given the need to track unconfirmed transactions through confirmation.")
	{
		t.Logf("\tTest 0:\tWhen a chained pair lands in the pool.")
		{
			scriptA := payScript(0x0a)
			scriptB := payScript(0x0b)
			scriptC := payScript(0x0c)
			shA := chain.HashScript(scriptA)
			shB := chain.HashScript(scriptB)
			shC := chain.HashScript(scriptC)

			cb0 := coinbase(0, 50_000, scriptA)
			b0 := makeBlock(chainhash.Hash{}, 500, cb0)

			node := newMockNode()
			node.setChain(b0)

			h := newHarness(t, node, 8, nil)

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sync the chain: %s", failed, err)
			}

			// Parent spends the coinbase, child spends the parent before
			// either confirms.
			parent := spend(cb0, 0, wire.NewTxOut(30_000, scriptB), wire.NewTxOut(19_900, scriptA))
			child := spend(parent, 0, wire.NewTxOut(29_800, scriptC))

			node.addPoolTx(parent, 100)
			node.addPoolTx(child, 200)

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sync the pool: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to sync the pool.", success)

			balance, err := h.st.RetrieveBalance(shA)
			if err != nil || balance.Confirmed != 50_000 || balance.Unconfirmed != -30_100 {
				t.Errorf("\t%s\tTest 0:\tShould net the unconfirmed spend, got %d/%d.", failed, balance.Confirmed, balance.Unconfirmed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould net the unconfirmed spend.", success)
			}

			balance, err = h.st.RetrieveBalance(shC)
			if err != nil || balance.Confirmed != 0 || balance.Unconfirmed != 29_800 {
				t.Errorf("\t%s\tTest 0:\tShould credit the chained child, got %d/%d.", failed, balance.Confirmed, balance.Unconfirmed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould credit the chained child.", success)
			}

			history, err := h.st.RetrieveHistory(shB)
			if err != nil || len(history) != 2 || history[0].Height != 0 || history[1].Height != -1 {
				t.Errorf("\t%s\tTest 0:\tShould order the pool history parent first: %+v", failed, history)
			} else {
				t.Logf("\t%s\tTest 0:\tShould order the pool history parent first.", success)
			}

			if status, err := h.st.Status(shC); err != nil || status == nil {
				t.Errorf("\t%s\tTest 0:\tShould compute a status for pool only scripts.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould compute a status for pool only scripts.", success)
			}

			t.Logf("\tTest 1:\tWhen the pair confirms in the next block.")

			cb1 := coinbase(1, 50_000, payScript(0x0d))
			b1 := makeBlock(b0.Header.BlockHash(), 501, cb1, parent, child)
			node.setChain(b0, b1)
			node.dropPoolTx(parent.TxHash())
			node.dropPoolTx(child.TxHash())

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to sync the confirmation: %s", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould be able to sync the confirmation.", success)

			balance, err = h.st.RetrieveBalance(shC)
			if err != nil || balance.Confirmed != 29_800 || balance.Unconfirmed != 0 {
				t.Errorf("\t%s\tTest 1:\tShould confirm the child credit, got %d/%d.", failed, balance.Confirmed, balance.Unconfirmed)
			} else {
				t.Logf("\t%s\tTest 1:\tShould confirm the child credit.", success)
			}

			history, err = h.st.RetrieveHistory(shC)
			if err != nil || len(history) != 1 || history[0].Height != 1 {
				t.Errorf("\t%s\tTest 1:\tShould report the confirmed height: %+v", failed, history)
			} else {
				t.Logf("\t%s\tTest 1:\tShould report the confirmed height.", success)
			}

			balance, err = h.st.RetrieveBalance(shA)
			if err != nil || balance.Confirmed != 19_900 || balance.Unconfirmed != 0 {
				t.Errorf("\t%s\tTest 1:\tShould settle the change output, got %d/%d.", failed, balance.Confirmed, balance.Unconfirmed)
			} else {
				t.Logf("\t%s\tTest 1:\tShould settle the change output.", success)
			}
		}
	}
}

func Test_DeepReorgFatal(t *testing.T) {
	t.Log("Given the need to stop when a reorg exceeds the undo window.")
	{
		t.Logf("\tTest 0:\tWhen the node switches chains below the window.")
		{
			var mu sync.Mutex
			var fatalCalled bool
			fatal := func() {
				mu.Lock()
				defer mu.Unlock()
				fatalCalled = true
			}

			scriptA := payScript(0xe5)
			scriptB := payScript(0xf6)

			blocks := make([]*wire.MsgBlock, 0, 4)
			parent := chainhash.Hash{}
			for i := int32(0); i < 4; i++ {
				block := makeBlock(parent, uint32(600+i), coinbase(i, 50_000, scriptA))
				blocks = append(blocks, block)
				parent = block.Header.BlockHash()
			}

			node := newMockNode()
			node.setChain(blocks...)

			h := newHarness(t, node, 2, fatal)

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sync the original chain: %s", failed, err)
			}

			// Replacement chain differs from the genesis block on.
			fork := make([]*wire.MsgBlock, 0, 4)
			parent = chainhash.Hash{}
			for i := int32(0); i < 4; i++ {
				block := makeBlock(parent, uint32(700+i), coinbase(i, 50_000, scriptB))
				fork = append(fork, block)
				parent = block.Header.BlockHash()
			}
			node.setChain(fork...)

			if err := h.st.RunPollCycle(context.Background()); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould fail the cycle on a deep fork.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould fail the cycle on a deep fork.", success)

			mu.Lock()
			called := fatalCalled
			mu.Unlock()

			if !called {
				t.Errorf("\t%s\tTest 0:\tShould trigger the fatal handler.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould trigger the fatal handler.", success)
			}

			if h.st.Phase() != state.Reorg {
				t.Errorf("\t%s\tTest 0:\tShould be stuck in the reorg phase: %s", failed, h.st.Phase())
			} else {
				t.Logf("\t%s\tTest 0:\tShould be stuck in the reorg phase.", success)
			}
		}
	}
}

func Test_Broadcast(t *testing.T) {
	t.Log("Given the need to submit transactions through the node.")
	{
		t.Logf("\tTest 0:\tWhen broadcasting a spend of a confirmed output.")
		{
			scriptA := payScript(0x1a)
			scriptB := payScript(0x1b)
			shB := chain.HashScript(scriptB)

			cb0 := coinbase(0, 50_000, scriptA)
			b0 := makeBlock(chainhash.Hash{}, 800, cb0)

			node := newMockNode()
			node.setChain(b0)

			h := newHarness(t, node, 8, nil)

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sync the chain: %s", failed, err)
			}

			worker := stubWorker{}
			h.st.Worker = &worker

			tx := spend(cb0, 0, wire.NewTxOut(49_900, scriptB))

			txid, err := h.st.Broadcast(context.Background(), tx)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to broadcast: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to broadcast.", success)

			if txid != tx.TxHash() {
				t.Errorf("\t%s\tTest 0:\tShould return the transaction id.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould return the transaction id.", success)
			}

			if worker.forcePolls() != 1 {
				t.Errorf("\t%s\tTest 0:\tShould schedule an immediate poll.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould schedule an immediate poll.", success)
			}

			if err := h.st.RunPollCycle(context.Background()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to pick the transaction up: %s", failed, err)
			}

			balance, err := h.st.RetrieveBalance(shB)
			if err != nil || balance.Unconfirmed != 49_900 {
				t.Errorf("\t%s\tTest 0:\tShould see the broadcast in the pool, got %d.", failed, balance.Unconfirmed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould see the broadcast in the pool.", success)
			}
		}
	}
}

func Test_Reconfigure(t *testing.T) {
	t.Log("Given the need to retune the server while it is running.")
	{
		t.Logf("\tTest 0:\tWhen changing throttle parameters.")
		{
			node := newMockNode()
			node.setChain(makeBlock(chainhash.Hash{}, 900, coinbase(0, 50_000, payScript(0x2a))))

			h := newHarness(t, node, 8, nil)

			if err := h.st.SetThrottleParams(throttle.Params{Hi: 0, Lo: 100, Decay: 10}); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould reject invalid parameters.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould reject invalid parameters.", success)

			if stats := h.st.RetrieveStats(); stats.Throttle.Params.Hi != 1000 {
				t.Errorf("\t%s\tTest 0:\tShould keep the prior parameters, got hi %d.", failed, stats.Throttle.Params.Hi)
			} else {
				t.Logf("\t%s\tTest 0:\tShould keep the prior parameters.", success)
			}

			if err := h.st.SetThrottleParams(throttle.Params{Hi: 2000, Lo: 200, Decay: 20}); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept valid parameters: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept valid parameters.", success)

			if stats := h.st.RetrieveStats(); stats.Throttle.Params.Hi != 2000 {
				t.Errorf("\t%s\tTest 0:\tShould apply the new parameters, got hi %d.", failed, stats.Throttle.Params.Hi)
			} else {
				t.Logf("\t%s\tTest 0:\tShould apply the new parameters.", success)
			}
		}

		t.Logf("\tTest 1:\tWhen changing the line limit.")
		{
			node := newMockNode()
			node.setChain(makeBlock(chainhash.Hash{}, 901, coinbase(0, 50_000, payScript(0x2b))))

			h := newHarness(t, node, 8, nil)

			if err := h.st.SetMaxBuffer(1024); err == nil {
				t.Fatalf("\t%s\tTest 1:\tShould reject a limit below the floor.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould reject a limit below the floor.", success)

			if h.st.MaxBuffer() != 1<<20 {
				t.Errorf("\t%s\tTest 1:\tShould keep the prior limit, got %d.", failed, h.st.MaxBuffer())
			} else {
				t.Logf("\t%s\tTest 1:\tShould keep the prior limit.", success)
			}

			if err := h.st.SetMaxBuffer(8 << 20); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould accept a limit in range: %s", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould accept a limit in range.", success)

			if h.st.MaxBuffer() != 8<<20 {
				t.Errorf("\t%s\tTest 1:\tShould apply the new limit, got %d.", failed, h.st.MaxBuffer())
			} else {
				t.Logf("\t%s\tTest 1:\tShould apply the new limit.", success)
			}
		}
	}
}
