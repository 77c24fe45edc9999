package electrum

import (
	"encoding/json"
	"fmt"
)

// jsonRPCVersion stamps every message on the wire.
const jsonRPCVersion = "2.0"

// protocolVersion is the protocol revision this server speaks.
const protocolVersion = "1.4"

// Error codes returned to clients. The -32xxx block follows JSON-RPC
// 2.0, codeLimit reports a refused connection or subscription, and
// codeDaemon relays a rejection from the node.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeLimit          = -32005
	codeDaemon         = 1
)

// request is a single client call.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// response carries a successful result back to the client.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// errorResponse carries a failure back to the client.
type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcError        `json:"error"`
}

// rpcError is the error member of a failed response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// notification is a server push for an active subscription.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// positional decodes a params array into the provided targets. Missing
// trailing parameters keep their zero values, extra ones are ignored.
func positional(raw json.RawMessage, targets ...any) error {
	if len(raw) == 0 {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("params must be an array: %w", err)
	}

	for i, target := range targets {
		if i >= len(items) {
			break
		}
		if err := json.Unmarshal(items[i], target); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
	}

	return nil
}
