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

// Package memory is an in memory event log that implements events.Source. It
// should be used only for local development and testing purposes.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/numaproj/numaflow-projections/pkg/events"
)

// Source holds events ordered by sequence number.
type Source struct {
	rwlock *sync.RWMutex
	events []events.Event
}

var _ events.Source = (*Source)(nil)

// NewSource returns a Source seeded with the given events.
func NewSource(evts ...events.Event) *Source {
	s := &Source{rwlock: new(sync.RWMutex)}
	s.Append(evts...)
	return s
}

// Append adds events to the log. An event whose sequence number is already
// present replaces the stored one.
func (s *Source) Append(evts ...events.Event) {
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	for _, e := range evts {
		i := s.search(e.SequenceNumber)
		if i < len(s.events) && s.events[i].SequenceNumber == e.SequenceNumber {
			s.events[i] = e
			continue
		}
		s.events = append(s.events, events.Event{})
		copy(s.events[i+1:], s.events[i:])
		s.events[i] = e
	}
}

// Remove drops the events with the given sequence numbers, simulating a log
// that lost records.
func (s *Source) Remove(seqs ...int64) {
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	for _, seq := range seqs {
		i := s.search(seq)
		if i < len(s.events) && s.events[i].SequenceNumber == seq {
			s.events = append(s.events[:i], s.events[i+1:]...)
		}
	}
}

// Len returns the number of stored events.
func (s *Source) Len() int {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	return len(s.events)
}

func (s *Source) FetchRange(ctx context.Context, start int64, maxRows int) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		return nil, nil
	}
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	var out []events.Event
	for i := s.search(start); i < len(s.events) && len(out) < maxRows; i++ {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *Source) FetchBySequenceNumbers(ctx context.Context, seqs []int64) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sorted := make([]int64, len(seqs))
	copy(sorted, seqs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	var out []events.Event
	for idx, seq := range sorted {
		if idx > 0 && sorted[idx-1] == seq {
			continue
		}
		i := s.search(seq)
		if i < len(s.events) && s.events[i].SequenceNumber == seq {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

// search returns the index of the first event with SequenceNumber >= seq.
func (s *Source) search(seq int64) int {
	return sort.Search(len(s.events), func(i int) bool {
		return s.events[i].SequenceNumber >= seq
	})
}
