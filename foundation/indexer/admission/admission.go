// Package admission decides whether a new client connection may attach.
// It enforces the per peer ceiling, the global ceiling, and a bound on
// connections still in their handshake, with subnet lists for peers that
// bypass the local limits and for peers that are banned outright. Every
// accepted connection is represented by a token whose release is safe on
// every exit path.
package admission

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ferrumserver/ferrum/business/sys/metrics"
	"github.com/ferrumserver/ferrum/foundation/invariant"
)

// EventHandler defines a function that is called when events occur.
type EventHandler func(v string, args ...any)

// Result is the admission decision for one connection attempt.
type Result int

// The set of admission decisions.
const (
	Accepted Result = iota
	RejectedPerIP
	RejectedGlobal
	RejectedBanned
)

// String returns the label used in logs and metrics.
func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedPerIP:
		return "per_ip"
	case RejectedGlobal:
		return "global"
	case RejectedBanned:
		return "banned"
	}
	return "unknown"
}

// =============================================================================

// Config is the settings for the admission controller. A MaxClients or
// MaxPerIP of zero means that ceiling is not enforced.
type Config struct {
	MaxClients int
	MaxPerIP   int
	MaxPending int
	Excluded   []*net.IPNet
	Banned     []*net.IPNet
	EvHandler  EventHandler
}

// Controller tracks live and pending connections against the ceilings.
type Controller struct {
	evHandler  EventHandler
	maxClients int
	maxPerIP   int
	maxPending int
	excluded   []*net.IPNet

	mu      sync.Mutex
	banned  []*net.IPNet
	live    int
	pending int
	perIP   map[string]int

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New constructs an admission controller from the configured ceilings.
func New(cfg Config) (*Controller, error) {
	if cfg.MaxClients < 0 || cfg.MaxPerIP < 0 || cfg.MaxPending <= 0 {
		return nil, fmt.Errorf("invalid ceilings: clients %d, per ip %d, pending %d",
			cfg.MaxClients, cfg.MaxPerIP, cfg.MaxPending)
	}

	ctrl := Controller{
		evHandler:  cfg.EvHandler,
		maxClients: cfg.MaxClients,
		maxPerIP:   cfg.MaxPerIP,
		maxPending: cfg.MaxPending,
		excluded:   cfg.Excluded,
		banned:     cfg.Banned,
		perIP:      make(map[string]int),
	}

	return &ctrl, nil
}

// TryAccept decides whether a connection from the given address may
// attach. On Accepted the returned token holds one pending slot until
// Ready or Release is called. Peers inside an excluded subnet skip the
// per peer and pending ceilings but still count against the global one.
func (ctrl *Controller) TryAccept(ip string) (*Conn, Result) {
	parsed := net.ParseIP(ip)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	if parsed != nil && matchesAny(parsed, ctrl.banned) {
		ctrl.reject(RejectedBanned, ip)
		return nil, RejectedBanned
	}

	trusted := parsed != nil && matchesAny(parsed, ctrl.excluded)

	if ctrl.maxClients > 0 && ctrl.live+ctrl.pending >= ctrl.maxClients {
		ctrl.reject(RejectedGlobal, ip)
		return nil, RejectedGlobal
	}

	if !trusted {
		if ctrl.pending >= ctrl.maxPending {
			ctrl.rejected.Add(1)
			metrics.RejectedConnection("pending")
			ctrl.evHandler("admission: reject %s: %d connections pending", ip, ctrl.pending)
			return nil, RejectedGlobal
		}

		if ctrl.maxPerIP > 0 && ctrl.perIP[ip] >= ctrl.maxPerIP {
			ctrl.reject(RejectedPerIP, ip)
			return nil, RejectedPerIP
		}
	}

	ctrl.pending++
	ctrl.perIP[ip]++
	ctrl.accepted.Add(1)

	conn := Conn{
		ctrl:    ctrl,
		ip:      ip,
		trusted: trusted,
	}

	return &conn, Accepted
}

// reject counts one refused connection. Callers hold the lock.
func (ctrl *Controller) reject(result Result, ip string) {
	ctrl.rejected.Add(1)
	metrics.RejectedConnection(result.String())
	ctrl.evHandler("admission: reject %s: %s", ip, result)
}

// Live returns the number of connections past their handshake.
func (ctrl *Controller) Live() int {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	return ctrl.live
}

// Pending returns the number of connections still in their handshake.
func (ctrl *Controller) Pending() int {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	return ctrl.pending
}

// Stats is a snapshot of admission activity.
type Stats struct {
	Live     int    `json:"live"`
	Pending  int    `json:"pending"`
	Peers    int    `json:"peers"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Stats returns a snapshot of admission activity.
func (ctrl *Controller) Stats() Stats {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	return Stats{
		Live:     ctrl.live,
		Pending:  ctrl.pending,
		Peers:    len(ctrl.perIP),
		Accepted: ctrl.accepted.Load(),
		Rejected: ctrl.rejected.Load(),
	}
}

// =============================================================================

// Ban adds a subnet to the banned list. New connections from it are
// refused; existing ones are left to the caller to drop.
func (ctrl *Controller) Ban(subnet *net.IPNet) {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	for _, have := range ctrl.banned {
		if have.String() == subnet.String() {
			return
		}
	}

	ctrl.banned = append(ctrl.banned, subnet)
	ctrl.evHandler("admission: banned %s", subnet)
}

// Unban removes a subnet from the banned list and reports whether it was
// present.
func (ctrl *Controller) Unban(subnet *net.IPNet) bool {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	for i, have := range ctrl.banned {
		if have.String() == subnet.String() {
			ctrl.banned = append(ctrl.banned[:i], ctrl.banned[i+1:]...)
			ctrl.evHandler("admission: unbanned %s", subnet)
			return true
		}
	}

	return false
}

// Bans returns the banned subnets in stable order.
func (ctrl *Controller) Bans() []string {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	bans := make([]string, len(ctrl.banned))
	for i, subnet := range ctrl.banned {
		bans[i] = subnet.String()
	}
	sort.Strings(bans)

	return bans
}

// =============================================================================

// Conn is the token for one admitted connection. Release must be called
// exactly once on teardown and is safe to call from any exit path.
type Conn struct {
	ctrl    *Controller
	ip      string
	trusted bool

	readied bool
	release sync.Once
}

// IP returns the peer address the connection was admitted under.
func (c *Conn) IP() string {
	return c.ip
}

// Trusted reports whether the peer is inside an excluded subnet.
func (c *Conn) Trusted() bool {
	return c.trusted
}

// Ready moves the connection from pending to live once its handshake is
// complete. Calling it again has no effect.
func (c *Conn) Ready() {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()

	if c.readied {
		return
	}
	c.readied = true

	c.ctrl.pending = invariant.Clamp(c.ctrl.pending-1, "admission.pending")
	c.ctrl.live++
}

// Release returns the connection's slots. Only the first call has an
// effect, so deferred and explicit teardown paths can both call it.
func (c *Conn) Release() {
	c.release.Do(func() {
		c.ctrl.mu.Lock()
		defer c.ctrl.mu.Unlock()

		if c.readied {
			c.ctrl.live = invariant.Clamp(c.ctrl.live-1, "admission.live")
		} else {
			c.ctrl.pending = invariant.Clamp(c.ctrl.pending-1, "admission.pending")
		}

		n := invariant.Clamp(c.ctrl.perIP[c.ip]-1, "admission.perIP")
		if n == 0 {
			delete(c.ctrl.perIP, c.ip)
		} else {
			c.ctrl.perIP[c.ip] = n
		}
	})
}

// =============================================================================

// ParseSubnet parses a CIDR subnet, accepting a bare address as a single
// host subnet.
func ParseSubnet(s string) (*net.IPNet, error) {
	if _, subnet, err := net.ParseCIDR(s); err == nil {
		return subnet, nil
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("parsing subnet %q", s)
	}

	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 32
	}

	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// ParseSubnets parses a list of CIDR subnets.
func ParseSubnets(list []string) ([]*net.IPNet, error) {
	subnets := make([]*net.IPNet, 0, len(list))
	for _, s := range list {
		subnet, err := ParseSubnet(s)
		if err != nil {
			return nil, err
		}
		subnets = append(subnets, subnet)
	}

	return subnets, nil
}

func matchesAny(ip net.IP, subnets []*net.IPNet) bool {
	for _, subnet := range subnets {
		if subnet.Contains(ip) {
			return true
		}
	}
	return false
}
