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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/numaproj/numaflow-projections/pkg/events"
)

func evt(seq int64) events.Event {
	return events.Event{SequenceNumber: seq, EventType: "test"}
}

func TestEventCache_FIFOEviction(t *testing.T) {
	fc := clocktesting.NewFakeClock(startTime)
	c, err := NewEventCache(3, time.Minute, fc)
	require.NoError(t, err)

	c.Add(1, evt(1))
	c.Add(2, evt(2))
	c.Add(3, evt(3))
	// reads do not refresh the insertion order
	_, ok := c.TryGet(1)
	assert.True(t, ok)

	c.Add(4, evt(4))
	assert.Equal(t, 3, c.Len())
	_, ok = c.TryGet(1)
	assert.False(t, ok)
	for _, seq := range []int64{2, 3, 4} {
		got, ok := c.TryGet(seq)
		assert.True(t, ok)
		assert.Equal(t, seq, got.SequenceNumber)
	}
}

func TestEventCache_Expiry(t *testing.T) {
	fc := clocktesting.NewFakeClock(startTime)
	c, err := NewEventCache(10, time.Minute, fc)
	require.NoError(t, err)

	c.Add(1, evt(1))
	fc.Step(30 * time.Second)
	c.Add(2, evt(2))
	fc.Step(30 * time.Second)

	// an entry as old as the cache duration is still served
	_, ok := c.TryGet(1)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())

	// lookups evict expired entries
	fc.Step(time.Millisecond)
	_, ok = c.TryGet(1)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
	_, ok = c.TryGet(2)
	assert.True(t, ok)

	c.Add(1, evt(1))
	fc.Step(30 * time.Second)
	// inserting sweeps expired entries from the oldest
	c.Add(3, evt(3))
	assert.Equal(t, 2, c.Len())
	_, ok = c.TryGet(2)
	assert.False(t, ok)
	_, ok = c.TryGet(1)
	assert.True(t, ok)
}

func TestEventCache_AddExisting(t *testing.T) {
	c, err := NewEventCache(10, time.Minute, nil)
	require.NoError(t, err)
	first := evt(1)
	first.EventType = "first"
	second := evt(1)
	second.EventType = "second"

	c.Add(1, first)
	c.Add(1, second)
	got, ok := c.TryGet(1)
	require.True(t, ok)
	assert.Equal(t, "first", got.EventType)
	assert.Equal(t, 1, c.Len())
}

func TestEventCache_Caps(t *testing.T) {
	c, err := NewEventCache(10*MaxCacheSize, 2*MaxCacheDuration, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxCacheDuration, c.duration)
	for seq := int64(1); seq <= MaxCacheSize+5; seq++ {
		c.Add(seq, evt(seq))
	}
	assert.Equal(t, MaxCacheSize, c.Len())

	c, err = NewEventCache(0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCacheDuration, c.duration)
}

func TestEventCache_Concurrent(t *testing.T) {
	c, err := NewEventCache(100, time.Minute, nil)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := int64(0); i < 500; i++ {
				seq := int64(w)*1000 + i
				c.Add(seq, evt(seq))
				_, _ = c.TryGet(seq - 1)
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 100)
}
