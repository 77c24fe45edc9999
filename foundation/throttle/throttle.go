// Package throttle provides a feedback driven budget used to pace calls
// to the upstream node. Callers spend budget to get a call admitted and
// the budget recovers over time while the node is keeping up.
package throttle

import (
	"fmt"
	"sync"
	"time"

	"github.com/ferrumserver/ferrum/foundation/invariant"
)

// EventHandler defines a function that is called when events occur
// in the processing of admissions.
type EventHandler func(v string, args ...any)

// Params configures the feedback loop. Hi is the budget ceiling and the
// congestion high watermark, Lo is the low watermark below which the
// budget recovers, Decay is the number of budget units recovered per tick.
type Params struct {
	Hi    int `json:"hi"`
	Lo    int `json:"lo"`
	Decay int `json:"decay"`
}

// Validate reports whether the parameter triple is usable.
func (p Params) Validate() error {
	if p.Hi <= 0 || p.Lo <= 0 || p.Decay <= 0 {
		return fmt.Errorf("throttle parameters must be positive: hi[%d] lo[%d] decay[%d]", p.Hi, p.Lo, p.Decay)
	}
	if p.Lo >= p.Hi {
		return fmt.Errorf("throttle lo[%d] must be below hi[%d]", p.Lo, p.Hi)
	}

	return nil
}

// Stats is a point in time snapshot of throttle activity.
type Stats struct {
	Params              Params `json:"params"`
	Budget              int    `json:"budget"`
	Outstanding         int    `json:"outstanding"`
	Admitted            uint64 `json:"admitted"`
	Denied              uint64 `json:"denied"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// =============================================================================

// Throttle paces upstream calls with a budget that is spent on every
// admission and recovers on ticks while the in flight cost sits below
// the low watermark.
type Throttle struct {
	evHandler EventHandler
	tick      time.Duration

	mu          sync.Mutex
	params      Params
	budget      int
	outstanding int
	admitted    uint64
	denied      uint64
	failures    int
}

// New constructs a throttle with a full budget. The tick duration is the
// cadence at which the owner calls Tick and is used to estimate retry
// delays for denied calls.
func New(params Params, tick time.Duration, evHandler EventHandler) (*Throttle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if tick <= 0 {
		return nil, fmt.Errorf("tick duration must be positive, got %v", tick)
	}

	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	t := Throttle{
		evHandler: ev,
		tick:      tick,
		params:    params,
		budget:    params.Hi,
	}

	return &t, nil
}

// Admit spends the specified cost against the budget. When the budget
// can't cover the cost the call is denied along with an estimate of how
// long until a retry could be admitted.
func (t *Throttle) Admit(cost int) (bool, time.Duration) {
	if cost < 1 {
		cost = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.budget >= cost {
		t.budget -= cost
		t.outstanding += cost
		t.admitted++
		return true, 0
	}

	t.denied++

	deficit := cost - t.budget
	ticks := (deficit + t.params.Decay - 1) / t.params.Decay
	return false, time.Duration(ticks) * t.tick
}

// Done records that an admitted call of the specified cost finished.
func (t *Throttle) Done(cost int) {
	if cost < 1 {
		cost = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.outstanding = invariant.Clamp(t.outstanding-cost, "throttle.outstanding")
}

// Tick runs one feedback step. While the in flight cost sits below the
// low watermark the budget recovers by decay units up to the ceiling.
// Above the high watermark the budget takes a sharp cut.
func (t *Throttle) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.outstanding < t.params.Lo:
		if t.budget < t.params.Hi {
			t.budget += t.params.Decay
			if t.budget > t.params.Hi {
				t.budget = t.params.Hi
			}
		}

	case t.outstanding > t.params.Hi:
		t.budget /= 2
	}
}

// TickInterval returns the cadence the owner should call Tick at.
func (t *Throttle) TickInterval() time.Duration {
	return t.tick
}

// Failure records a failed upstream call. The budget takes a sharp cut so
// a struggling node sees less traffic.
func (t *Throttle) Failure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	t.budget /= 2
}

// Success records a completed upstream call and resets the failure run.
func (t *Throttle) Success() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures = 0
}

// ConsecutiveFailures returns the length of the current failure run.
func (t *Throttle) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.failures
}

// Reconfigure atomically replaces the feedback parameters. Invalid
// parameters are refused and the prior configuration stays in effect.
func (t *Throttle) Reconfigure(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.evHandler("throttle: reconfigure: hi[%d] lo[%d] decay[%d]", params.Hi, params.Lo, params.Decay)

	t.params = params
	if t.budget > params.Hi {
		t.budget = params.Hi
	}

	return nil
}

// RetrieveParams returns the parameters currently in effect.
func (t *Throttle) RetrieveParams() Params {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.params
}

// Budget returns the spendable budget at this moment.
func (t *Throttle) Budget() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.budget
}

// Outstanding returns the total cost of admitted calls not yet done.
func (t *Throttle) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.outstanding
}

// Stats returns a snapshot of throttle activity.
func (t *Throttle) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		Params:              t.params,
		Budget:              t.budget,
		Outstanding:         t.outstanding,
		Admitted:            t.admitted,
		Denied:              t.denied,
		ConsecutiveFailures: t.failures,
	}
}
