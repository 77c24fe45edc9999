// Package registry tracks which connection wants change notifications
// for which script hash, enforces the global and per peer subscription
// ceilings, and fans status updates out through per session delivery
// callbacks without ever blocking on a slow consumer.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ferrumserver/ferrum/business/sys/metrics"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/invariant"
	lru "github.com/hashicorp/golang-lru"
)

// ErrLimitExceeded is returned when a subscription would cross the
// global or per peer ceiling.
var ErrLimitExceeded = errors.New("subscription limit exceeded")

// statusCacheEntries bounds the cache of last notified statuses.
const statusCacheEntries = 8192

// EventHandler defines a function that is called when events occur.
type EventHandler func(v string, args ...any)

// DeliverFunc enqueues one notification for a subscriber. It must not
// block; a false return means the subscriber's queue was full and the
// notification was dropped.
type DeliverFunc func(key chain.ScriptHash, status []byte) bool

// StatusFunc computes the current status of a key at notification time.
type StatusFunc func(key chain.ScriptHash) ([]byte, error)

// =============================================================================

// Registry is the subscription table shared by every transport session.
type Registry struct {
	evHandler EventHandler
	maxTotal  int
	maxPerIP  int
	statuses  *lru.Cache

	mu      sync.RWMutex
	keys    map[chain.ScriptHash]map[string]DeliverFunc
	conns   map[string]map[chain.ScriptHash]struct{}
	connIPs map[string]string
	perIP   map[string]int
	total   int

	delivered atomic.Uint64
	dropped   atomic.Uint64
	unchanged atomic.Uint64
}

// New constructs a registry with the given ceilings.
func New(maxTotal int, maxPerIP int, evHandler EventHandler) (*Registry, error) {
	if maxTotal <= 0 || maxPerIP <= 0 {
		return nil, fmt.Errorf("ceilings must be positive: total %d, per ip %d", maxTotal, maxPerIP)
	}

	cache, err := lru.New(statusCacheEntries)
	if err != nil {
		return nil, err
	}

	reg := Registry{
		evHandler: evHandler,
		maxTotal:  maxTotal,
		maxPerIP:  maxPerIP,
		statuses:  cache,
		keys:      make(map[chain.ScriptHash]map[string]DeliverFunc),
		conns:     make(map[string]map[chain.ScriptHash]struct{}),
		connIPs:   make(map[string]string),
		perIP:     make(map[string]int),
	}

	return &reg, nil
}

// Subscribe registers a connection for change notifications on a key.
// Subscribing twice to the same key is a no-op success. The ceilings are
// checked before any state changes, so a rejected subscribe leaves the
// registry exactly as it was.
func (reg *Registry) Subscribe(connID string, key chain.ScriptHash, ip string, deliver DeliverFunc) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if set, ok := reg.conns[connID]; ok {
		if _, ok := set[key]; ok {
			return nil
		}
	}

	if reg.total >= reg.maxTotal {
		metrics.RejectedSubscription("global")
		return fmt.Errorf("global ceiling %d: %w", reg.maxTotal, ErrLimitExceeded)
	}

	if reg.perIP[ip] >= reg.maxPerIP {
		metrics.RejectedSubscription("ip")
		return fmt.Errorf("ceiling %d for peer %s: %w", reg.maxPerIP, ip, ErrLimitExceeded)
	}

	subs := reg.keys[key]
	if subs == nil {
		subs = make(map[string]DeliverFunc)
		reg.keys[key] = subs
	}
	subs[connID] = deliver

	set := reg.conns[connID]
	if set == nil {
		set = make(map[chain.ScriptHash]struct{})
		reg.conns[connID] = set
		reg.connIPs[connID] = ip
	}
	set[key] = struct{}{}

	reg.perIP[ip]++
	reg.total++

	return nil
}

// Unsubscribe removes one subscription and reports whether it existed.
func (reg *Registry) Unsubscribe(connID string, key chain.ScriptHash) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	set, ok := reg.conns[connID]
	if !ok {
		return false
	}
	if _, ok := set[key]; !ok {
		return false
	}

	reg.removeLocked(connID, key)
	return true
}

// DropConnection removes every subscription a connection holds and
// returns how many were dropped. Sessions call this on teardown.
func (reg *Registry) DropConnection(connID string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	set := reg.conns[connID]
	count := len(set)

	for key := range set {
		reg.removeLocked(connID, key)
	}

	return count
}

// removeLocked unlinks one subscription. Callers hold the write lock.
func (reg *Registry) removeLocked(connID string, key chain.ScriptHash) {
	subs := reg.keys[key]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(reg.keys, key)
		reg.statuses.Remove(key)
	}

	set := reg.conns[connID]
	delete(set, key)

	ip := reg.connIPs[connID]
	if len(set) == 0 {
		delete(reg.conns, connID)
		delete(reg.connIPs, connID)
	}

	reg.perIP[ip] = invariant.Clamp(reg.perIP[ip]-1, "registry.perIP")
	if reg.perIP[ip] == 0 {
		delete(reg.perIP, ip)
	}

	reg.total = invariant.Clamp(reg.total-1, "registry.total")
}

// =============================================================================

// Notify computes the current status of each key that has subscribers
// and fans it out through their delivery callbacks. Delivery is best
// effort: a full session queue drops the notification for that session
// only. Keys whose status did not change since the last notification are
// skipped. Returns the number of notifications handed off.
func (reg *Registry) Notify(keys []chain.ScriptHash, lookup StatusFunc) int {
	type target struct {
		connID  string
		deliver DeliverFunc
	}
	type keyTargets struct {
		key     chain.ScriptHash
		targets []target
	}

	// Snapshot the subscriber sets so status lookups and delivery run
	// without holding the registry lock.
	reg.mu.RLock()
	work := make([]keyTargets, 0, len(keys))
	for _, key := range keys {
		subs := reg.keys[key]
		if len(subs) == 0 {
			reg.statuses.Remove(key)
			continue
		}

		targets := make([]target, 0, len(subs))
		for connID, deliver := range subs {
			targets = append(targets, target{connID: connID, deliver: deliver})
		}
		work = append(work, keyTargets{key: key, targets: targets})
	}
	reg.mu.RUnlock()

	var delivered int

	for _, kt := range work {
		status, err := lookup(kt.key)
		if err != nil {
			reg.evHandler("registry: notify: status %s: %s", kt.key, err)
			reg.statuses.Remove(kt.key)
			continue
		}

		if prev, ok := reg.statuses.Get(kt.key); ok {
			if prevStatus, ok := prev.([]byte); ok && bytes.Equal(prevStatus, status) {
				reg.unchanged.Add(1)
				continue
			}
		}
		reg.statuses.Add(kt.key, status)

		for _, tgt := range kt.targets {
			if tgt.deliver(kt.key, status) {
				delivered++
			} else {
				reg.dropped.Add(1)
				reg.evHandler("registry: notify: conn %s: queue full, dropped update for %s", tgt.connID, kt.key)
			}
		}
	}

	if delivered > 0 {
		reg.delivered.Add(uint64(delivered))
		metrics.Notifications(delivered)
	}

	return delivered
}

// =============================================================================

// Counts returns the total subscription count and a copy of the per
// peer counts.
func (reg *Registry) Counts() (int, map[string]int) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	perIP := make(map[string]int, len(reg.perIP))
	for ip, n := range reg.perIP {
		perIP[ip] = n
	}

	return reg.total, perIP
}

// Stats is a snapshot of registry activity.
type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Keys          int    `json:"keys"`
	Connections   int    `json:"connections"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	Unchanged     uint64 `json:"unchanged"`
}

// Stats returns a snapshot of registry activity.
func (reg *Registry) Stats() Stats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return Stats{
		Subscriptions: reg.total,
		Keys:          len(reg.keys),
		Connections:   len(reg.conns),
		Delivered:     reg.delivered.Load(),
		Dropped:       reg.dropped.Load(),
		Unchanged:     reg.unchanged.Load(),
	}
}
