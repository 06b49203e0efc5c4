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

package scheduler

import (
	"sync"

	"github.com/numaproj/numaflow-projections/pkg/events"
	"github.com/numaproj/numaflow-projections/pkg/shared/idlehandler"
	"github.com/numaproj/numaflow-projections/pkg/shuffle"
)

// executionContext is the in-memory state of one projection on this node.
// lock is held across fetch-if-empty, retrieve, remove and commit.
type executionContext struct {
	lock sync.Mutex
	name string
	// checkpoint is the last committed sequence number known to this node
	checkpoint int64
	// highWater is the highest sequence number acknowledged since the last commit
	highWater int64
	// commitPending is set while a drained batch has not been committed
	commitPending bool
	// pending holds the queued events of each worker slot in ascending order
	pending [][]events.Event
	queued  int
	backoff *idlehandler.Backoff
	shuffle *shuffle.Shuffle
}

func newExecutionContext(name string, checkpoint int64, slots int, backoff *idlehandler.Backoff) *executionContext {
	return &executionContext{
		name:       name,
		checkpoint: checkpoint,
		pending:    make([][]events.Event, slots),
		backoff:    backoff,
		shuffle:    shuffle.NewShuffle(slots),
	}
}

func (ec *executionContext) empty() bool {
	return ec.queued == 0
}

// batch buckets events per slot without touching the queued state.
func (ec *executionContext) batch(evts []events.Event) [][]events.Event {
	return ec.shuffle.ShuffleEvents(evts)
}

// publish appends a bucketed batch to the queues.
func (ec *executionContext) publish(buckets [][]events.Event) {
	for slot, bucket := range buckets {
		ec.pending[slot] = append(ec.pending[slot], bucket...)
		ec.queued += len(bucket)
	}
}

// peek returns the earliest event queued for slot.
func (ec *executionContext) peek(slot int) (events.Event, bool) {
	if len(ec.pending[slot]) == 0 {
		return events.Event{}, false
	}
	return ec.pending[slot][0], true
}

func (ec *executionContext) contains(seq int64) bool {
	for _, bucket := range ec.pending {
		for _, e := range bucket {
			if e.SequenceNumber == seq {
				return true
			}
		}
	}
	return false
}

// remove drops seq from every slot and reports whether anything was removed.
func (ec *executionContext) remove(seq int64) bool {
	removed := false
	for slot, bucket := range ec.pending {
		for i, e := range bucket {
			if e.SequenceNumber != seq {
				continue
			}
			ec.pending[slot] = append(bucket[:i], bucket[i+1:]...)
			ec.queued--
			removed = true
			break
		}
	}
	return removed
}

// acknowledged moves the high-water mark for sequence numbers above the checkpoint.
func (ec *executionContext) acknowledged(seq int64) {
	if seq > ec.checkpoint && seq > ec.highWater {
		ec.highWater = seq
	}
}

// committed adopts the committed checkpoint and resets the high-water mark.
func (ec *executionContext) committed(checkpoint int64) {
	if checkpoint > ec.checkpoint {
		ec.checkpoint = checkpoint
	}
	ec.highWater = 0
}
