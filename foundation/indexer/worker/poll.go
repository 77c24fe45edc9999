package worker

// pollOperations runs a poll cycle on the ticker cadence and whenever a
// force poll is signaled.
func (w *Worker) pollOperations() {
	w.evHandler("worker: pollOperations: G started")
	defer w.evHandler("worker: pollOperations: G completed")

	for {
		select {
		case <-w.pollTicker.C:
			if !w.isShutdown() {
				w.runPollOperation()
			}
		case <-w.forcePoll:
			if !w.isShutdown() {
				w.runPollOperation()
			}
		case <-w.shut:
			w.evHandler("worker: pollOperations: received shut signal")
			return
		}
	}
}

// runPollOperation executes one reconciliation pass against the node.
// Cycle errors are logged and retried on the next tick, the state moves
// itself into the degraded phase when the node stays unreachable.
func (w *Worker) runPollOperation() {
	w.evHandler("worker: runPollOperation: started")
	defer w.evHandler("worker: runPollOperation: completed")

	if err := w.state.RunPollCycle(w.ctx); err != nil {
		w.evHandler("worker: runPollOperation: ERROR: %s", err)
	}
}
