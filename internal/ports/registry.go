// Package ports implements the Port Registry (C2): the authoritative,
// in-memory map of forwarded ports with a subscription fanout. Its
// locking discipline is generalized from internal/core.SessionStore:
// mutate the map under the lock, then do any blocking work (delivering
// to subscribers) after the lock is released, so a slow subscriber
// cannot stall an upsert.
package ports

import (
	"sync"
	"time"

	"github.com/tunnelbroker/broker/internal/core"
)

// subscriberQueueSize bounds each subscriber's delivery channel.
// Deliveries drop the oldest pending snapshot when full (the same
// drop-oldest discipline as core.TerminalSizeQueue), since every
// snapshot carries the full current state and a subscriber only ever
// needs the latest.
const subscriberQueueSize = 4

// subscriber guards its own channel's closed-ness with its own lock,
// independent of the registry lock, so broadcast (which only holds the
// registry lock long enough to copy the subscriber list) can never
// send on a channel unsubscribe has already closed.
type subscriber struct {
	mu     sync.Mutex
	ch     chan core.PortRegistrySnapshot
	closed bool
}

// Registry maintains the live map of (local_port, remote_port)
// mappings and fans out a fresh snapshot to subscribers on every
// change.
type Registry struct {
	mu          sync.Mutex
	mappings    map[core.PortKey]core.PortMapping
	lastUpdated time.Time
	subscribers map[int]*subscriber
	nextSubID   int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		mappings:    make(map[core.PortKey]core.PortMapping),
		subscribers: make(map[int]*subscriber),
	}
}

// Snapshot returns a cloned, immutable view of the registry's current
// state. O(n) in the number of mappings, not the number of updates.
func (r *Registry) Snapshot() core.PortRegistrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() core.PortRegistrySnapshot {
	snap := core.PortRegistrySnapshot{LastUpdated: r.lastUpdated}
	for _, m := range r.mappings {
		m := m
		switch m.Category {
		case core.CategoryRPC:
			snap.RPC = &m
		case core.CategorySSH:
			snap.SSH = &m
		case core.CategoryManagement:
			snap.Management = append(snap.Management, m)
		default:
			snap.User = append(snap.User, m)
		}
	}
	return snap
}

// Upsert applies §3's priority rules for each mapping: a mapping with
// a higher-priority source wins on a (local_port, remote_port)
// conflict. Re-applying the same batch is a no-op (idempotent).
// Subscribers are notified after the lock is released.
func (r *Registry) Upsert(mappings []core.PortMapping) {
	r.mu.Lock()
	changed := false
	for _, m := range mappings {
		key := m.Key()
		existing, ok := r.mappings[key]
		if ok && existing.Source.Priority() > m.Source.Priority() {
			continue
		}
		if ok && existing == m {
			continue
		}
		r.mappings[key] = m
		changed = true
	}
	if changed {
		r.lastUpdated = time.Now()
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.broadcast(snap)
	}
}

// Remove drops every mapping whose LocalPort matches localPort,
// clearing the RPC/SSH convenience slots if they referenced it.
func (r *Registry) Remove(localPort uint16) {
	r.mu.Lock()
	changed := false
	for key := range r.mappings {
		if key.LocalPort == localPort {
			delete(r.mappings, key)
			changed = true
		}
	}
	if changed {
		r.lastUpdated = time.Now()
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.broadcast(snap)
	}
}

// Subscribe returns a channel that receives a snapshot on every
// change, and an unsubscribe function. Delivery is at-least-once and
// may coalesce (drop a superseded snapshot) but the subscriber always
// eventually observes the latest state.
func (r *Registry) Subscribe() (<-chan core.PortRegistrySnapshot, func()) {
	sub := &subscriber{ch: make(chan core.PortRegistrySnapshot, subscriberQueueSize)}

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = sub
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// broadcast delivers snap to every subscriber without holding the
// registry lock, so a slow or closed-in-flight subscriber cannot
// block an upsert. Delivery to a full channel drops the oldest queued
// snapshot to make room, mirroring core.TerminalSizeQueue.Set. Each
// send is guarded by the subscriber's own lock so a concurrent
// unsubscribe can never close the channel out from under a send
// already in flight.
func (r *Registry) broadcast(snap core.PortRegistrySnapshot) {
	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- snap:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
		sub.mu.Unlock()
	}
}
