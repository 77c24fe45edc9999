package worker

// tickOperations recovers the upstream request budget on the throttle
// cadence.
func (w *Worker) tickOperations() {
	w.evHandler("worker: tickOperations: G started")
	defer w.evHandler("worker: tickOperations: G completed")

	for {
		select {
		case <-w.tickTicker.C:
			if !w.isShutdown() {
				w.state.Throttle().Tick()
			}
		case <-w.shut:
			w.evHandler("worker: tickOperations: received shut signal")
			return
		}
	}
}
