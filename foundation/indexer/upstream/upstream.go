// Package upstream wraps the bitcoind JSON-RPC interface behind the
// admission throttle. Every call buys its cost from the throttle first,
// holds it while the request is in flight, and feeds the success or
// failure back so the budget can adapt to what the node can take.
package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/ferrumserver/ferrum/business/sys/metrics"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/throttle"
)

// Call costs charged against the throttle. Block downloads weigh more
// than header or mempool probes.
const (
	costLight = 1
	costTx    = 2
	costBlock = 5
)

// EventHandler defines a function that is called when events occur.
type EventHandler func(v string, args ...any)

// Config is the set of dependencies and settings for the node client.
type Config struct {
	Host      string // host:port of the bitcoind RPC interface
	User      string
	Pass      string
	Throttle  *throttle.Throttle
	EvHandler EventHandler
}

// Client talks to the bitcoind node over stateless HTTP POST calls.
type Client struct {
	evHandler EventHandler
	rpc       *rpcclient.Client
	throttle  *throttle.Throttle
}

// New constructs a node client. No connection is made until the first
// call since HTTP POST mode is stateless.
func New(cfg Config) (*Client, error) {
	connCfg := rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableConnectOnNew:  true,
		DisableAutoReconnect: false,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}

	rpc, err := rpcclient.New(&connCfg, nil)
	if err != nil {
		return nil, err
	}

	cln := Client{
		evHandler: cfg.EvHandler,
		rpc:       rpc,
		throttle:  cfg.Throttle,
	}

	return &cln, nil
}

// Close shuts the underlying rpc client down.
func (cln *Client) Close() {
	cln.rpc.Shutdown()
}

// =============================================================================

// admit buys cost from the throttle, waiting out denial periods until
// the context expires.
func (cln *Client) admit(ctx context.Context, cost int) error {
	for {
		ok, retryAfter := cln.throttle.Admit(cost)
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// call runs one throttled node request. The cost stays outstanding until
// the request actually finishes, even if the caller gave up, so a stuck
// node keeps pressure on the budget.
func (cln *Client) call(ctx context.Context, cost int, op string, fn func() error) error {
	if err := cln.admit(ctx, cost); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := fn()
		cln.throttle.Done(cost)
		done <- err
	}()

	select {
	case <-ctx.Done():
		cln.throttle.Failure()
		metrics.UpstreamError(KindTimeout.String())
		return &Error{Op: op, Kind: KindTimeout, Err: ctx.Err()}

	case err := <-done:
		if err != nil {
			kerr := classify(op, err)
			cln.throttle.Failure()
			metrics.UpstreamError(kerr.Kind.String())
			return kerr
		}

		cln.throttle.Success()
		return nil
	}
}

// =============================================================================

// BestBlock returns the node's current tip position.
func (cln *Client) BestBlock(ctx context.Context) (chain.Tip, error) {
	var tip chain.Tip

	err := cln.call(ctx, costLight, "getblockchaininfo", func() error {
		info, err := cln.rpc.GetBlockChainInfo()
		if err != nil {
			return err
		}

		hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
		if err != nil {
			return err
		}

		tip = chain.Tip{Height: info.Blocks, Hash: *hash}
		return nil
	})

	return tip, err
}

// BlockHash returns the hash of the block at the given height on the
// node's best chain.
func (cln *Client) BlockHash(ctx context.Context, height int32) (chainhash.Hash, error) {
	var hash chainhash.Hash

	err := cln.call(ctx, costLight, "getblockhash", func() error {
		h, err := cln.rpc.GetBlockHash(int64(height))
		if err != nil {
			return err
		}

		hash = *h
		return nil
	})

	return hash, err
}

// Block downloads a full block.
func (cln *Client) Block(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	var block *wire.MsgBlock

	err := cln.call(ctx, costBlock, "getblock", func() error {
		b, err := cln.rpc.GetBlock(&hash)
		if err != nil {
			return err
		}

		block = b
		return nil
	})

	return block, err
}

// MempoolTxIDs returns the ids of every transaction in the node's
// mempool.
func (cln *Client) MempoolTxIDs(ctx context.Context) ([]chainhash.Hash, error) {
	var txids []chainhash.Hash

	err := cln.call(ctx, costLight, "getrawmempool", func() error {
		hashes, err := cln.rpc.GetRawMempool()
		if err != nil {
			return err
		}

		txids = make([]chainhash.Hash, len(hashes))
		for i, h := range hashes {
			txids[i] = *h
		}
		return nil
	})

	return txids, err
}

// MempoolEntry returns the fee the node reports for an unconfirmed
// transaction.
func (cln *Client) MempoolEntry(ctx context.Context, txid chainhash.Hash) (btcutil.Amount, error) {
	var fee btcutil.Amount

	err := cln.call(ctx, costLight, "getmempoolentry", func() error {
		entry, err := cln.rpc.GetMempoolEntry(txid.String())
		if err != nil {
			return err
		}

		f, err := btcutil.NewAmount(entry.Fee)
		if err != nil {
			return err
		}

		fee = f
		return nil
	})

	return fee, err
}

// RawTransaction fetches a transaction by id, confirmed or not.
func (cln *Client) RawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	var tx *wire.MsgTx

	err := cln.call(ctx, costTx, "getrawtransaction", func() error {
		utilTx, err := cln.rpc.GetRawTransaction(&txid)
		if err != nil {
			return err
		}

		tx = utilTx.MsgTx()
		return nil
	})

	return tx, err
}

// Broadcast submits a raw transaction to the node and returns its id.
func (cln *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	var txid chainhash.Hash

	err := cln.call(ctx, costTx, "sendrawtransaction", func() error {
		h, err := cln.rpc.SendRawTransaction(tx, false)
		if err != nil {
			return err
		}

		txid = *h
		return nil
	})

	return txid, err
}

// NetworkInfo is the subset of getnetworkinfo the server uses.
type NetworkInfo struct {
	Version    int64   `json:"version"`
	Subversion string  `json:"subversion"`
	RelayFee   float64 `json:"relayfee"`
}

// Network returns version and fee information about the node.
func (cln *Client) Network(ctx context.Context) (NetworkInfo, error) {
	var info NetworkInfo

	err := cln.call(ctx, costLight, "getnetworkinfo", func() error {
		raw, err := cln.rpc.RawRequest("getnetworkinfo", nil)
		if err != nil {
			return err
		}

		return json.Unmarshal(raw, &info)
	})

	return info, err
}

// RawRequest forwards an arbitrary RPC call to the node. The admin
// channel uses this for pass through commands.
func (cln *Client) RawRequest(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	var result json.RawMessage

	err := cln.call(ctx, costLight, method, func() error {
		raw, err := cln.rpc.RawRequest(method, params)
		if err != nil {
			return err
		}

		result = raw
		return nil
	})

	return result, err
}
