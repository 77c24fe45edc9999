// Package admingrp exposes the maintenance commands served over the
// admin RPC channel. Method names surface to clients under the admin
// namespace, so GetInfo is called as admin_getInfo.
package admingrp

import (
	"fmt"
	"os"
	"syscall"

	"github.com/ferrumserver/ferrum/foundation/indexer/admission"
	"github.com/ferrumserver/ferrum/foundation/indexer/electrum"
	"github.com/ferrumserver/ferrum/foundation/indexer/state"
	"github.com/ferrumserver/ferrum/foundation/throttle"
	"go.uber.org/zap"
)

// Handlers manages the set of admin commands.
type Handlers struct {
	Log       *zap.SugaredLogger
	State     *state.State
	Server    *electrum.Server
	Admission *admission.Controller
	Shutdown  chan os.Signal
}

// GetInfo returns the full runtime snapshot.
func (h Handlers) GetInfo() state.Stats {
	return h.State.RetrieveStats()
}

// Clients lists the connected sessions.
func (h Handlers) Clients() []electrum.ClientInfo {
	return h.Server.Clients()
}

// Stop asks the process to shut down gracefully.
func (h Handlers) Stop() string {
	h.Log.Infow("admin", "command", "stop")

	select {
	case h.Shutdown <- syscall.SIGTERM:
	default:
	}

	return "shutdown requested"
}

// ForcePoll schedules an immediate poll cycle.
func (h Handlers) ForcePoll() string {
	h.Log.Infow("admin", "command", "forcepoll")

	if h.State.Worker != nil {
		h.State.Worker.SignalForcePoll()
	}

	return "poll signaled"
}

// SetThrottle applies new throttle parameters. Invalid values are
// rejected and the previous parameters stay in force.
func (h Handlers) SetThrottle(hi int, lo int, decay int) (throttle.Stats, error) {
	h.Log.Infow("admin", "command", "setthrottle", "hi", hi, "lo", lo, "decay", decay)

	if err := h.State.SetThrottleParams(throttle.Params{Hi: hi, Lo: lo, Decay: decay}); err != nil {
		return throttle.Stats{}, err
	}

	return h.State.Throttle().Stats(), nil
}

// SetMaxBuffer applies a new per-session buffer ceiling.
func (h Handlers) SetMaxBuffer(n int) (int, error) {
	h.Log.Infow("admin", "command", "setmaxbuffer", "bytes", n)

	if err := h.State.SetMaxBuffer(n); err != nil {
		return 0, err
	}

	return h.State.MaxBuffer(), nil
}

// BanSubnet adds a subnet to the ban list and returns the updated list.
func (h Handlers) BanSubnet(cidr string) ([]string, error) {
	subnet, err := admission.ParseSubnet(cidr)
	if err != nil {
		return nil, fmt.Errorf("parsing subnet: %w", err)
	}

	h.Admission.Ban(subnet)
	h.Log.Infow("admin", "command", "ban", "subnet", subnet.String())

	return h.Admission.Bans(), nil
}

// UnbanSubnet removes a subnet from the ban list and reports whether it
// was present.
func (h Handlers) UnbanSubnet(cidr string) (bool, error) {
	subnet, err := admission.ParseSubnet(cidr)
	if err != nil {
		return false, fmt.Errorf("parsing subnet: %w", err)
	}

	removed := h.Admission.Unban(subnet)
	h.Log.Infow("admin", "command", "unban", "subnet", subnet.String(), "removed", removed)

	return removed, nil
}

// ListBans returns the active ban list.
func (h Handlers) ListBans() []string {
	return h.Admission.Bans()
}
