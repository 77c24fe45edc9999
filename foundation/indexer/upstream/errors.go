package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/btcsuite/btcd/btcjson"
)

// Kind classifies a failed node call.
type Kind int

// The set of failure classes a node call can report.
const (
	KindTimeout Kind = iota + 1 // the call or the admit wait ran out of time
	KindHTTP                    // transport level failure
	KindMalformed               // response that could not be decoded
	KindRPC                     // the node answered with an error
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http"
	case KindMalformed:
		return "malformed"
	case KindRPC:
		return "rpc"
	}
	return "unknown"
}

// Error describes a failed upstream call.
type Error struct {
	Op   string
	Kind Kind
	Code int // node RPC error code when Kind is KindRPC
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Kind == KindRPC {
		return fmt.Sprintf("upstream %s: %s (%d): %s", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s: %s", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// classify maps an error coming out of the rpc client to an Error kind.
func classify(op string, err error) *Error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return &Error{Op: op, Kind: KindRPC, Code: int(rpcErr.Code), Err: err}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Op: op, Kind: KindTimeout, Err: err}
	}

	var synErr *json.SyntaxError
	var typErr *json.UnmarshalTypeError
	if errors.As(err, &synErr) || errors.As(err, &typErr) {
		return &Error{Op: op, Kind: KindMalformed, Err: err}
	}

	return &Error{Op: op, Kind: KindHTTP, Err: err}
}
