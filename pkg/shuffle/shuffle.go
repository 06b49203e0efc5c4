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

// Package shuffle assigns events to worker slots so that all events sharing a
// partition key are handled by the same worker.
package shuffle

import (
	"hash"

	"github.com/cespare/xxhash/v2"

	"github.com/numaproj/numaflow-projections/pkg/events"
)

// Shuffle shuffles events among a fixed number of worker slots.
// It is not safe for concurrent use.
type Shuffle struct {
	slots uint64
	hash  hash.Hash64
}

// NewShuffle accepts the number of worker slots and returns a new shuffle instance.
// slots must be at least one.
func NewShuffle(slots int) *Shuffle {
	if slots < 1 {
		slots = 1
	}
	return &Shuffle{
		slots: uint64(slots),
		hash:  xxhash.New(),
	}
}

// Slots returns the number of slots.
func (s *Shuffle) Slots() int {
	return int(s.slots)
}

// Slot returns the slot an event belongs to.
func (s *Shuffle) Slot(evt events.Event) int {
	key := evt.PartitionKey()
	return int(s.generateHash(key[:]) % s.slots)
}

// ShuffleEvents buckets events per slot, keeping their relative order.
func (s *Shuffle) ShuffleEvents(evts []events.Event) [][]events.Event {
	buckets := make([][]events.Event, s.slots)
	for _, e := range evts {
		slot := s.Slot(e)
		buckets[slot] = append(buckets[slot], e)
	}
	return buckets
}

func (s *Shuffle) generateHash(key []byte) uint64 {
	s.hash.Reset()
	_, _ = s.hash.Write(key)
	return s.hash.Sum64()
}
