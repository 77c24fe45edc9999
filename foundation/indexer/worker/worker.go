// Package worker drives the background loops of the server: the poll
// loop that follows the node and the tick loop that recovers the
// upstream request budget.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ferrumserver/ferrum/foundation/indexer/state"
)

// Worker manages the polling workflows for the server.
type Worker struct {
	state      *state.State
	wg         sync.WaitGroup
	pollTicker time.Ticker
	tickTicker time.Ticker
	shut       chan struct{}
	forcePoll  chan bool
	ctx        context.Context
	cancel     context.CancelFunc
	evHandler  state.EventHandler
}

// Run creates a worker, registers the worker with the state package, and
// starts up all the background processes. The initial poll cycle runs
// before Run returns so the server comes up with a populated view.
func Run(st *state.State, evHandler state.EventHandler) {
	ctx, cancel := context.WithCancel(context.Background())

	w := Worker{
		state:      st,
		pollTicker: *time.NewTicker(st.PollInterval()),
		tickTicker: *time.NewTicker(st.Throttle().TickInterval()),
		shut:       make(chan struct{}),
		forcePoll:  make(chan bool, 1),
		ctx:        ctx,
		cancel:     cancel,
		evHandler:  evHandler,
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Bring the view to the node tip before starting any support G's.
	w.runPollOperation()

	// Load the set of operations we need to run.
	operations := []func(){
		w.pollOperations,
		w.tickOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: stop tickers")
	w.pollTicker.Stop()
	w.tickTicker.Stop()

	w.evHandler("worker: shutdown: cancel in flight work")
	w.cancel()

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// SignalForcePoll schedules a poll cycle outside the ticker cadence. If
// there is already a signal pending in the channel, just return since a
// cycle will run.
func (w *Worker) SignalForcePoll() {
	select {
	case w.forcePoll <- true:
		w.evHandler("worker: SignalForcePoll: poll signaled")
	default:
	}
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
