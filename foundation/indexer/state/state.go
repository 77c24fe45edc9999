// Package state is the core API of the server. It owns the confirmed
// index, the unconfirmed view and the subscription registry, and runs
// the poll cycle that keeps them reconciled against the node. All client
// facing transports read through this package.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ferrumserver/ferrum/foundation/indexer/admission"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/indexer/index"
	"github.com/ferrumserver/ferrum/foundation/indexer/mempool"
	"github.com/ferrumserver/ferrum/foundation/indexer/registry"
	"github.com/ferrumserver/ferrum/foundation/indexer/upstream"
	"github.com/ferrumserver/ferrum/foundation/throttle"
	"github.com/ferrumserver/ferrum/foundation/workpool"
)

// Phase identifies where the sync lifecycle currently stands.
type Phase int32

// The set of phases the server moves through. Queries are served in
// every phase, but only Synchronized guarantees a fresh view.
const (
	Initializing Phase = iota
	CatchingUp
	Synchronized
	Reorg
	Degraded
)

// String implements the fmt.Stringer interface.
func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case CatchingUp:
		return "catching_up"
	case Synchronized:
		return "synchronized"
	case Reorg:
		return "reorg"
	case Degraded:
		return "degraded"
	}

	return "unknown"
}

// =============================================================================

// EventHandler defines a function that is called when events occur.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by
// any package providing support for the poll and throttle tick loops.
type Worker interface {
	Shutdown()
	SignalForcePoll()
}

// Upstream represents the node access the state requires. The concrete
// implementation is upstream.Client.
type Upstream interface {
	BestBlock(ctx context.Context) (chain.Tip, error)
	BlockHash(ctx context.Context, height int32) (chainhash.Hash, error)
	Block(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error)
	MempoolTxIDs(ctx context.Context) ([]chainhash.Hash, error)
	MempoolEntry(ctx context.Context, txid chainhash.Hash) (btcutil.Amount, error)
	RawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
	Network(ctx context.Context) (upstream.NetworkInfo, error)
}

// =============================================================================

// Limits applied by the poll cycle.
const (
	defaultPollInterval = 5 * time.Second
	tipRetries          = 3
	retryBackoff        = 250 * time.Millisecond
	downloadWindow      = 16
	mempoolFetchLimit   = 256
	submitRetries       = 8
	submitBackoff       = 5 * time.Millisecond
	maxReorgsPerCycle   = 2
	poolDrainWait       = 5 * time.Second
)

// Bounds on the per connection line limit.
const (
	minBufferBytes = 64 * 1024
	maxBufferBytes = 100 * 1024 * 1024
)

// Config represents the configuration required to start the server state.
type Config struct {
	Index         *index.Index
	Upstream      Upstream
	Registry      *registry.Registry
	Mempool       *mempool.View
	Admission     *admission.Controller
	Pool          *workpool.Pool
	Throttle      *throttle.Throttle
	PollInterval  time.Duration
	MaxReorgDepth int32
	MaxBuffer     int
	EvHandler     EventHandler
	FatalFunc     func()
}

// State manages the indexed view of the chain and serves every query the
// transports need. One logical poll goroutine mutates it, all other
// access is read only.
type State struct {
	evHandler EventHandler
	fatalFunc func()

	index     *index.Index
	upstream  Upstream
	registry  *registry.Registry
	mempool   *mempool.View
	admission *admission.Controller
	pool      *workpool.Pool
	throttle  *throttle.Throttle

	pollInterval  time.Duration
	maxReorgDepth int32
	started       time.Time

	mu        sync.Mutex
	phase     atomic.Int32
	maxBuffer atomic.Int64
	cycles    atomic.Uint64
	reorgs    atomic.Uint64
	lastPoll  atomic.Int64
	lastError atomic.Value

	Worker Worker
}

// New constructs the server state from its collaborators, ready for the
// worker to drive.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	switch {
	case cfg.Index == nil:
		return nil, errors.New("index is required")
	case cfg.Upstream == nil:
		return nil, errors.New("upstream is required")
	case cfg.Registry == nil:
		return nil, errors.New("registry is required")
	case cfg.Mempool == nil:
		return nil, errors.New("mempool view is required")
	case cfg.Admission == nil:
		return nil, errors.New("admission controller is required")
	case cfg.Pool == nil:
		return nil, errors.New("work pool is required")
	case cfg.Throttle == nil:
		return nil, errors.New("throttle is required")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.MaxReorgDepth <= 0 {
		return nil, errors.New("max reorg depth must be positive")
	}

	if cfg.MaxBuffer < minBufferBytes || cfg.MaxBuffer > maxBufferBytes {
		return nil, fmt.Errorf("max buffer %d outside [%d, %d]", cfg.MaxBuffer, minBufferBytes, maxBufferBytes)
	}

	state := State{
		evHandler:     ev,
		fatalFunc:     cfg.FatalFunc,
		index:         cfg.Index,
		upstream:      cfg.Upstream,
		registry:      cfg.Registry,
		mempool:       cfg.Mempool,
		admission:     cfg.Admission,
		pool:          cfg.Pool,
		throttle:      cfg.Throttle,
		pollInterval:  cfg.PollInterval,
		maxReorgDepth: cfg.MaxReorgDepth,
		started:       time.Now(),
	}
	state.maxBuffer.Store(int64(cfg.MaxBuffer))
	state.lastError.Store("")

	// The Worker is not set here. The call to worker.Run will assign
	// itself as part of bringing the polling loops up.

	return &state, nil
}

// Shutdown stops the polling loops, drains the download pool within a
// bounded window and closes the index.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Stop the polling loops first so no new work lands.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	if !s.pool.Shutdown(poolDrainWait) {
		s.evHandler("state: shutdown: pool still busy after %s", poolDrainWait)
	}

	return s.index.Close()
}

// =============================================================================

// Phase reports where the sync lifecycle currently stands.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// setPhase moves the lifecycle and logs only actual transitions.
func (s *State) setPhase(p Phase) {
	if Phase(s.phase.Swap(int32(p))) != p {
		s.evHandler("state: phase: %s", p)
	}
}

// PollInterval reports how often the worker should run a poll cycle.
func (s *State) PollInterval() time.Duration {
	return s.pollInterval
}

// Throttle exposes the upstream pacer for the worker tick loop.
func (s *State) Throttle() *throttle.Throttle {
	return s.throttle
}

// MaxBuffer reports the per connection line limit.
func (s *State) MaxBuffer() int {
	return int(s.maxBuffer.Load())
}

// =============================================================================

// SetThrottleParams swaps the upstream pacing parameters at runtime.
// Invalid parameters are rejected and the prior set stays in force.
func (s *State) SetThrottleParams(params throttle.Params) error {
	if err := s.throttle.Reconfigure(params); err != nil {
		s.evHandler("state: throttle reconfigure rejected: %s", err)
		return err
	}

	s.evHandler("state: throttle reconfigured: hi[%d] lo[%d] decay[%d]", params.Hi, params.Lo, params.Decay)

	return nil
}

// SetMaxBuffer changes the per connection line limit at runtime. Values
// outside the supported range are rejected and the prior limit stays.
func (s *State) SetMaxBuffer(n int) error {
	if n < minBufferBytes || n > maxBufferBytes {
		err := fmt.Errorf("max buffer %d outside [%d, %d]", n, minBufferBytes, maxBufferBytes)
		s.evHandler("state: %s", err)
		return err
	}

	s.maxBuffer.Store(int64(n))
	s.evHandler("state: max buffer set to %d", n)

	return nil
}
