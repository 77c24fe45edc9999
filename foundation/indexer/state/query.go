package state

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ferrumserver/ferrum/foundation/indexer/admission"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/indexer/mempool"
	"github.com/ferrumserver/ferrum/foundation/indexer/registry"
	"github.com/ferrumserver/ferrum/foundation/indexer/upstream"
	"github.com/ferrumserver/ferrum/foundation/merkle"
	"github.com/ferrumserver/ferrum/foundation/throttle"
	"github.com/ferrumserver/ferrum/foundation/workpool"
)

// RetrieveTip returns the indexed chain position.
func (s *State) RetrieveTip() chain.Tip {
	return s.index.Tip()
}

// RetrieveBalance returns the confirmed and unconfirmed funds of a
// script hash.
func (s *State) RetrieveBalance(sh chain.ScriptHash) (chain.Balance, error) {
	confirmed, err := s.index.Balance(sh)
	if err != nil {
		return chain.Balance{}, err
	}

	balance := chain.Balance{
		Confirmed:   confirmed,
		Unconfirmed: s.mempool.BalanceFor(sh),
	}

	return balance, nil
}

// RetrieveHistory returns the transactions touching a script hash,
// confirmed first in chain order, then unconfirmed.
func (s *State) RetrieveHistory(sh chain.ScriptHash) ([]chain.HistoryItem, error) {
	items, err := s.index.History(sh)
	if err != nil {
		return nil, err
	}

	return append(items, s.mempool.HistoryFor(sh)...), nil
}

// RetrieveUnspent returns the confirmed unspent outputs paying a script
// hash.
func (s *State) RetrieveUnspent(sh chain.ScriptHash) ([]chain.UTXO, error) {
	return s.index.Unspent(sh)
}

// RetrieveHeader returns the stored raw header and block hash at a
// height.
func (s *State) RetrieveHeader(height int32) ([]byte, chainhash.Hash, error) {
	return s.index.Header(height)
}

// RetrieveNetwork returns version and fee information from the node.
func (s *State) RetrieveNetwork(ctx context.Context) (upstream.NetworkInfo, error) {
	return s.upstream.Network(ctx)
}

// =============================================================================

// Status computes the subscription status of a script hash over its
// combined confirmed and unconfirmed history. Nil means no history.
func (s *State) Status(sh chain.ScriptHash) ([]byte, error) {
	items, err := s.RetrieveHistory(sh)
	if err != nil {
		return nil, err
	}

	return chain.StatusHash(items), nil
}

// statusFor serves registry notifications for both script keys and the
// reserved headers key.
func (s *State) statusFor(key chain.ScriptHash) ([]byte, error) {
	if key == chain.HeadersKey {
		return s.HeaderStatus()
	}

	return s.Status(key)
}

// HeaderNotification is the payload delivered to header subscribers and
// returned on the initial subscribe.
type HeaderNotification struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

// HeaderStatus builds the payload for header subscribers from the tip.
// Nil means nothing has been indexed yet.
func (s *State) HeaderStatus() ([]byte, error) {
	tip := s.index.Tip()
	if tip.IsZero() {
		return nil, nil
	}

	raw, _, err := s.index.Header(tip.Height)
	if err != nil {
		return nil, err
	}

	return json.Marshal(HeaderNotification{Height: tip.Height, Hex: hex.EncodeToString(raw)})
}

// =============================================================================

// MerkleProof carries a transaction inclusion proof in the form clients
// expect: sibling hashes from the leaf up, reversed hex encoded.
type MerkleProof struct {
	Position int      `json:"pos"`
	Branch   []string `json:"merkle"`
	Height   int32    `json:"block_height"`
}

// TransactionMerkle proves a transaction is inside the block at the
// given height. The block is fetched from the node since the index only
// keeps per script aggregates.
func (s *State) TransactionMerkle(ctx context.Context, txid chainhash.Hash, height int32) (MerkleProof, error) {
	_, blockHash, err := s.index.Header(height)
	if err != nil {
		return MerkleProof{}, err
	}

	block, err := s.upstream.Block(ctx, blockHash)
	if err != nil {
		return MerkleProof{}, err
	}

	leaves := make([]chain.TxLeaf, 0, len(block.Transactions))
	position := -1
	for i, tx := range block.Transactions {
		hash := tx.TxHash()
		if hash == txid {
			position = i
		}
		leaves = append(leaves, chain.TxLeaf(hash))
	}
	if position == -1 {
		return MerkleProof{}, fmt.Errorf("transaction %s not in block %d", txid, height)
	}

	tree, err := merkle.NewTree(leaves, merkle.WithHashStrategy[chain.TxLeaf](chain.NewDoubleSHA256))
	if err != nil {
		return MerkleProof{}, fmt.Errorf("merkle tree: %w", err)
	}

	proof, _, err := tree.Proof(leaves[position])
	if err != nil {
		return MerkleProof{}, fmt.Errorf("merkle proof: %w", err)
	}

	branch := make([]string, len(proof))
	for i, node := range proof {
		hash, err := chainhash.NewHash(node)
		if err != nil {
			return MerkleProof{}, fmt.Errorf("merkle node: %w", err)
		}
		branch[i] = hash.String()
	}

	return MerkleProof{Position: position, Branch: branch, Height: height}, nil
}

// Broadcast submits a raw transaction through the node and schedules an
// immediate poll so the new transaction shows up without waiting on the
// ticker.
func (s *State) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	txid, err := s.upstream.Broadcast(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, err
	}

	s.evHandler("state: broadcast: accepted %s", txid)

	if s.Worker != nil {
		s.Worker.SignalForcePoll()
	}

	return txid, nil
}

// =============================================================================

// Stats is a point in time snapshot across every runtime component.
type Stats struct {
	Phase         string          `json:"phase"`
	Height        int32           `json:"height"`
	TipHash       string          `json:"tip_hash"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Cycles        uint64          `json:"cycles"`
	Reorgs        uint64          `json:"reorgs"`
	LastPoll      time.Time       `json:"last_poll"`
	LastError     string          `json:"last_error,omitempty"`
	Throttle      throttle.Stats  `json:"throttle"`
	Pool          workpool.Stats  `json:"pool"`
	Connections   admission.Stats `json:"connections"`
	Subscriptions registry.Stats  `json:"subscriptions"`
	Mempool       mempool.Stats   `json:"mempool"`
}

// RetrieveStats assembles the runtime snapshot served by the admin and
// stats interfaces.
func (s *State) RetrieveStats() Stats {
	tip := s.index.Tip()

	var lastPoll time.Time
	if nanos := s.lastPoll.Load(); nanos != 0 {
		lastPoll = time.Unix(0, nanos)
	}

	lastError, _ := s.lastError.Load().(string)

	return Stats{
		Phase:         s.Phase().String(),
		Height:        tip.Height,
		TipHash:       tip.Hash.String(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Cycles:        s.cycles.Load(),
		Reorgs:        s.reorgs.Load(),
		LastPoll:      lastPoll,
		LastError:     lastError,
		Throttle:      s.throttle.Stats(),
		Pool:          s.pool.Stats(),
		Connections:   s.admission.Stats(),
		Subscriptions: s.registry.Stats(),
		Mempool:       s.mempool.Stats(),
	}
}
