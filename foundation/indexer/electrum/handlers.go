package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/indexer/registry"
	"github.com/ferrumserver/ferrum/foundation/indexer/state"
)

// handlers routes method names to their implementations.
var handlers = map[string]func(*session, json.RawMessage) (any, *rpcError){
	"server.version":                    (*session).serverVersion,
	"server.banner":                     (*session).serverBanner,
	"server.ping":                       (*session).serverPing,
	"server.features":                   (*session).serverFeatures,
	"server.donation_address":           (*session).serverDonation,
	"server.peers.subscribe":            (*session).peersSubscribe,
	"blockchain.headers.subscribe":      (*session).headersSubscribe,
	"blockchain.scripthash.subscribe":   (*session).scriptHashSubscribe,
	"blockchain.scripthash.unsubscribe": (*session).scriptHashUnsubscribe,
	"blockchain.scripthash.get_balance": (*session).getBalance,
	"blockchain.scripthash.get_history": (*session).getHistory,
	"blockchain.scripthash.listunspent": (*session).listUnspent,
	"blockchain.transaction.broadcast":  (*session).broadcast,
	"blockchain.transaction.get_merkle": (*session).getMerkle,
	"blockchain.relayfee":               (*session).relayFee,
}

// errParams is sugar for the invalid-params failure.
func errParams(err error) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: err.Error()}
}

// errInternal is sugar for the internal failure.
func errInternal(err error) *rpcError {
	return &rpcError{Code: codeInternal, Message: err.Error()}
}

// subscribeError maps registry failures onto protocol codes.
func subscribeError(err error) *rpcError {
	if errors.Is(err, registry.ErrLimitExceeded) {
		return &rpcError{Code: codeLimit, Message: err.Error()}
	}

	return errInternal(err)
}

// statusParam renders a status digest the way clients expect: lowercase
// hex, or null for a script hash with no history.
func statusParam(status []byte) any {
	if status == nil {
		return nil
	}

	return hex.EncodeToString(status)
}

// scriptHashParam pulls the script hash every blockchain.scripthash
// method takes as its first parameter.
func scriptHashParam(params json.RawMessage) (chain.ScriptHash, *rpcError) {
	var raw string
	if err := positional(params, &raw); err != nil {
		return chain.ScriptHash{}, errParams(err)
	}

	sh, err := chain.ParseScriptHash(raw)
	if err != nil {
		return chain.ScriptHash{}, errParams(err)
	}

	return sh, nil
}

// =============================================================================

func (ses *session) serverVersion(params json.RawMessage) (any, *rpcError) {
	var client string
	if err := positional(params, &client); err != nil {
		return nil, errParams(err)
	}

	if client != "" {
		ses.srv.evHandler("electrum: %s: client version: %s", ses.id, client)
	}

	return []string{ses.srv.version, protocolVersion}, nil
}

func (ses *session) serverBanner(json.RawMessage) (any, *rpcError) {
	return ses.srv.banner, nil
}

func (*session) serverPing(json.RawMessage) (any, *rpcError) {
	return nil, nil
}

func (ses *session) serverFeatures(json.RawMessage) (any, *rpcError) {
	genesis := ""
	if _, hash, err := ses.srv.state.RetrieveHeader(0); err == nil {
		genesis = hash.String()
	}

	features := map[string]any{
		"server_version": ses.srv.version,
		"protocol_min":   protocolVersion,
		"protocol_max":   protocolVersion,
		"genesis_hash":   genesis,
		"hash_function":  "sha256",
		"hosts":          map[string]any{},
	}

	return features, nil
}

func (ses *session) serverDonation(json.RawMessage) (any, *rpcError) {
	return ses.srv.donation, nil
}

func (*session) peersSubscribe(json.RawMessage) (any, *rpcError) {
	// Peering between servers is not implemented.
	return []any{}, nil
}

// =============================================================================

func (ses *session) headersSubscribe(json.RawMessage) (any, *rpcError) {
	deliver := func(key chain.ScriptHash, status []byte) bool {
		if len(status) == 0 {
			return true
		}

		note := notification{
			JSONRPC: jsonRPCVersion,
			Method:  "blockchain.headers.subscribe",
			Params:  []json.RawMessage{status},
		}

		payload, err := json.Marshal(note)
		if err != nil {
			return false
		}

		return ses.srv.events.SendTo(ses.id, payload)
	}

	if err := ses.srv.registry.Subscribe(ses.id, chain.HeadersKey, ses.ip, deliver); err != nil {
		return nil, subscribeError(err)
	}

	status, err := ses.srv.state.HeaderStatus()
	if err != nil {
		return nil, errInternal(err)
	}
	if status == nil {
		return state.HeaderNotification{}, nil
	}

	return json.RawMessage(status), nil
}

func (ses *session) scriptHashSubscribe(params json.RawMessage) (any, *rpcError) {
	sh, rpcErr := scriptHashParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	deliver := func(key chain.ScriptHash, status []byte) bool {
		note := notification{
			JSONRPC: jsonRPCVersion,
			Method:  "blockchain.scripthash.subscribe",
			Params:  []any{key.String(), statusParam(status)},
		}

		payload, err := json.Marshal(note)
		if err != nil {
			return false
		}

		return ses.srv.events.SendTo(ses.id, payload)
	}

	if err := ses.srv.registry.Subscribe(ses.id, sh, ses.ip, deliver); err != nil {
		return nil, subscribeError(err)
	}

	status, err := ses.srv.state.Status(sh)
	if err != nil {
		return nil, errInternal(err)
	}

	return statusParam(status), nil
}

func (ses *session) scriptHashUnsubscribe(params json.RawMessage) (any, *rpcError) {
	sh, rpcErr := scriptHashParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return ses.srv.registry.Unsubscribe(ses.id, sh), nil
}

func (ses *session) getBalance(params json.RawMessage) (any, *rpcError) {
	sh, rpcErr := scriptHashParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	bal, err := ses.srv.state.RetrieveBalance(sh)
	if err != nil {
		return nil, errInternal(err)
	}

	result := map[string]int64{
		"confirmed":   int64(bal.Confirmed),
		"unconfirmed": int64(bal.Unconfirmed),
	}

	return result, nil
}

func (ses *session) getHistory(params json.RawMessage) (any, *rpcError) {
	sh, rpcErr := scriptHashParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	items, err := ses.srv.state.RetrieveHistory(sh)
	if err != nil {
		return nil, errInternal(err)
	}

	history := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			"tx_hash": item.TxID.String(),
			"height":  item.Height,
		}

		// Only mempool entries carry a fee.
		if item.Height <= 0 && item.Fee > 0 {
			entry["fee"] = int64(item.Fee)
		}

		history = append(history, entry)
	}

	return history, nil
}

func (ses *session) listUnspent(params json.RawMessage) (any, *rpcError) {
	sh, rpcErr := scriptHashParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	utxos, err := ses.srv.state.RetrieveUnspent(sh)
	if err != nil {
		return nil, errInternal(err)
	}

	unspent := make([]map[string]any, 0, len(utxos))
	for _, utxo := range utxos {
		unspent = append(unspent, map[string]any{
			"tx_hash": utxo.TxID.String(),
			"tx_pos":  utxo.Vout,
			"value":   int64(utxo.Amount),
			"height":  utxo.Height,
		})
	}

	return unspent, nil
}

// =============================================================================

func (ses *session) broadcast(params json.RawMessage) (any, *rpcError) {
	var rawHex string
	if err := positional(params, &rawHex); err != nil {
		return nil, errParams(err)
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, errParams(fmt.Errorf("transaction not hex: %w", err))
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errParams(fmt.Errorf("transaction malformed: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	txid, err := ses.srv.state.Broadcast(ctx, &tx)
	if err != nil {
		return nil, &rpcError{Code: codeDaemon, Message: err.Error()}
	}

	return txid.String(), nil
}

func (ses *session) getMerkle(params json.RawMessage) (any, *rpcError) {
	var txidHex string
	var height int32
	if err := positional(params, &txidHex, &height); err != nil {
		return nil, errParams(err)
	}

	txid, err := chainhash.NewHashFromStr(txidHex)
	if err != nil {
		return nil, errParams(fmt.Errorf("txid: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	proof, err := ses.srv.state.TransactionMerkle(ctx, *txid, height)
	if err != nil {
		return nil, &rpcError{Code: codeDaemon, Message: err.Error()}
	}

	return proof, nil
}

func (ses *session) relayFee(json.RawMessage) (any, *rpcError) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info, err := ses.srv.state.RetrieveNetwork(ctx)
	if err != nil {
		return nil, &rpcError{Code: codeDaemon, Message: err.Error()}
	}

	return info.RelayFee, nil
}
