// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"sync"
	"time"
)

// cache holds the latest pushed snapshots and the pattern list. Every
// field is cleared on reconnect.
type cache struct {
	mu sync.RWMutex

	stats     []byte
	sequencer []byte
	expander  *ExpanderConfig

	version     string
	updateCheck time.Time

	patterns        map[string]string
	patternsFetched time.Time
	refreshInterval time.Duration
}

func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats = nil
	c.sequencer = nil
	c.expander = nil
	c.version = ""
	c.updateCheck = time.Time{}
	c.patterns = nil
	c.patternsFetched = time.Time{}
}

func (c *cache) setStats(data []byte) {
	c.mu.Lock()
	c.stats = data
	c.mu.Unlock()
}

func (c *cache) getStats() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *cache) setSequencer(data []byte) {
	c.mu.Lock()
	c.sequencer = data
	c.mu.Unlock()
}

func (c *cache) getSequencer() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequencer
}

func (c *cache) setExpander(e *ExpanderConfig) {
	c.mu.Lock()
	c.expander = e
	c.mu.Unlock()
}

func (c *cache) getExpander() *ExpanderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expander
}

// clearConfig forgets the sequencer and expander snapshots
func (c *cache) clearConfig() {
	c.mu.Lock()
	c.sequencer = nil
	c.expander = nil
	c.mu.Unlock()
}

func (c *cache) clearSequencer() {
	c.mu.Lock()
	c.sequencer = nil
	c.mu.Unlock()
}

func (c *cache) setVersion(v string) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

func (c *cache) getVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *cache) clearVersion() {
	c.mu.Lock()
	c.version = ""
	c.mu.Unlock()
}

// updateCheckDue reports whether the device should be asked to look for
// new firmware again
func (c *cache) updateCheckDue(now time.Time, interval time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateCheck.IsZero() || now.Sub(c.updateCheck) > interval
}

func (c *cache) setUpdateCheck(now time.Time) {
	c.mu.Lock()
	c.updateCheck = now
	c.mu.Unlock()
}

// patternsStale reports whether the pattern list must be fetched again
func (c *cache) patternsStale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patternsFetched.IsZero() || now.Sub(c.patternsFetched) > c.refreshInterval
}

func (c *cache) getPatterns() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.patterns))
	for id, name := range c.patterns {
		out[id] = name
	}
	return out
}

// setPatterns stores a fetched list. A nil list keeps the previous one
// but still restarts the refresh interval.
func (c *cache) setPatterns(patterns map[string]string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if patterns != nil {
		c.patterns = patterns
	}
	c.patternsFetched = now
}

func (c *cache) setRefreshInterval(d time.Duration) {
	c.mu.Lock()
	c.refreshInterval = d
	c.mu.Unlock()
}

// clampRefresh bounds a pattern cache refresh interval
func clampRefresh(d time.Duration) time.Duration {
	return max(0, min(d, MaxCacheRefresh))
}
