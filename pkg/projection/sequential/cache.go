/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sequential

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"k8s.io/utils/clock"

	"github.com/numaproj/numaflow-projections/pkg/events"
)

const (
	DefaultCacheSize     = 10000
	MaxCacheSize         = 100000
	DefaultCacheDuration = 5 * time.Minute
	MaxCacheDuration     = time.Hour
)

type cacheEntry struct {
	event     events.Event
	expiresAt time.Time
}

// EventCache is a bounded, time limited cache of events keyed by sequence
// number. Entries are only read with Peek, so the underlying LRU order is the
// insertion order and eviction is first in first out.
type EventCache struct {
	lock     sync.RWMutex
	entries  *simplelru.LRU[int64, cacheEntry]
	duration time.Duration
	clock    clock.Clock
}

// NewEventCache returns an EventCache holding at most size entries for at most
// duration each. Values are capped at MaxCacheSize and MaxCacheDuration.
func NewEventCache(size int, duration time.Duration, c clock.Clock) (*EventCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if size > MaxCacheSize {
		size = MaxCacheSize
	}
	if duration <= 0 {
		duration = DefaultCacheDuration
	}
	if duration > MaxCacheDuration {
		duration = MaxCacheDuration
	}
	if c == nil {
		c = clock.RealClock{}
	}
	entries, err := simplelru.NewLRU[int64, cacheEntry](size, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create event cache: %w", err)
	}
	return &EventCache{entries: entries, duration: duration, clock: c}, nil
}

// TryGet returns the cached event. An expired entry is evicted and reported as a miss.
func (c *EventCache) TryGet(seq int64) (events.Event, bool) {
	now := c.clock.Now()
	c.lock.RLock()
	entry, ok := c.entries.Peek(seq)
	c.lock.RUnlock()
	if !ok {
		return events.Event{}, false
	}
	if !now.After(entry.expiresAt) {
		return entry.event, true
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if entry, ok := c.entries.Peek(seq); ok && now.After(entry.expiresAt) {
		c.entries.Remove(seq)
	}
	return events.Event{}, false
}

// Add caches an event. Adding a sequence number already present is a no-op.
func (c *EventCache) Add(seq int64, evt events.Event) {
	now := c.clock.Now()
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.entries.Contains(seq) {
		return
	}
	// the LRU drops the oldest entry once over capacity
	c.entries.Add(seq, cacheEntry{event: evt, expiresAt: now.Add(c.duration)})
	for {
		_, oldest, ok := c.entries.GetOldest()
		if !ok || !now.After(oldest.expiresAt) {
			return
		}
		c.entries.RemoveOldest()
	}
}

// Len returns the number of cached entries, expired ones included.
func (c *EventCache) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.entries.Len()
}
