// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package discovery

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Device is one registry entry
type Device struct {
	ID         uint32
	Addr       *net.UDPAddr
	LastSeen   time.Time
	SenderTime uint32 // device-local clock from the last beacon
}

// IP returns the device address without the port
func (d Device) IP() string {
	if d.Addr == nil {
		return ""
	}
	return d.Addr.IP.String()
}

// Registry is the set of live devices keyed by sender id. One goroutine
// writes it; any goroutine may read snapshots.
type Registry struct {
	mu        sync.RWMutex
	devices   map[uint32]Device
	timeout   time.Duration
	lastPurge time.Time
	now       func() time.Time
}

// NewRegistry creates an empty registry. A nil clock uses time.Now.
func NewRegistry(timeout time.Duration, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		devices: make(map[uint32]Device),
		timeout: timeout,
		now:     clock,
	}
}

// SetTimeout changes how long a silent device stays listed
func (r *Registry) SetTimeout(timeout time.Duration) {
	r.mu.Lock()
	r.timeout = timeout
	r.mu.Unlock()
}

// Timeout returns the device timeout
func (r *Registry) Timeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timeout
}

// Upsert records a beacon received at now
func (r *Registry) Upsert(h Header, addr *net.UDPAddr, now time.Time) Device {
	d := Device{
		ID:         h.SenderID,
		Addr:       addr,
		LastSeen:   now,
		SenderTime: h.SenderTime,
	}
	r.mu.Lock()
	r.devices[h.SenderID] = d
	r.mu.Unlock()
	return d
}

// Purge removes every device not seen within the timeout and returns the
// number removed
func (r *Registry) Purge(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.purgeLocked(now)
}

// MaybePurge purges only when PurgeInterval has passed since the last purge
func (r *Registry) MaybePurge(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastPurge) < PurgeInterval {
		return 0
	}
	return r.purgeLocked(now)
}

func (r *Registry) purgeLocked(now time.Time) int {
	removed := 0
	for id, d := range r.devices {
		if now.Sub(d.LastSeen) > r.timeout {
			delete(r.devices, id)
			removed++
		}
	}
	r.lastPurge = now
	return removed
}

// List returns a snapshot sorted by address. Stale devices are purged first
// when the purge interval has elapsed.
func (r *Registry) List() []Device {
	r.MaybePurge(r.now())

	r.mu.RLock()
	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		a, b := devices[i].Addr.String(), devices[j].Addr.String()
		if a != b {
			return a < b
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// Addresses returns the IP of every listed device
func (r *Registry) Addresses() []string {
	devices := r.List()
	addrs := make([]string, len(devices))
	for i, d := range devices {
		addrs[i] = d.IP()
	}
	return addrs
}

// Len returns the number of devices currently held
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
