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

// Package idlehandler tracks how long an idle projection should be left alone
// before it is polled again.
package idlehandler

import (
	"time"
)

// DefaultIdleDurations is the idle sequence used when none is configured.
var DefaultIdleDurations = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
}

// Backoff walks an ordered list of idle durations. Every idle outcome moves one
// step forward, saturating at the last duration; Reset goes back to the start.
// Backoff is not safe for concurrent use, callers guard it with their own lock.
type Backoff struct {
	durations []time.Duration
	index     int
	resumeAt  time.Time
}

// NewBackoff returns a Backoff over the given durations, DefaultIdleDurations if empty.
func NewBackoff(durations []time.Duration) *Backoff {
	if len(durations) == 0 {
		durations = DefaultIdleDurations
	}
	d := make([]time.Duration, len(durations))
	copy(d, durations)
	return &Backoff{durations: d}
}

// Idle records an idle outcome observed at now and returns the delay applied.
func (b *Backoff) Idle(now time.Time) time.Duration {
	delay := b.durations[b.index]
	if b.index < len(b.durations)-1 {
		b.index++
	}
	b.resumeAt = now.Add(delay)
	return delay
}

// Reset clears the idle state after work was found.
func (b *Backoff) Reset() {
	b.index = 0
	b.resumeAt = time.Time{}
}

// Ready reports whether the resume time has been reached.
func (b *Backoff) Ready(now time.Time) bool {
	return !now.Before(b.resumeAt)
}

// ResumeAt returns the time after which polling may resume.
func (b *Backoff) ResumeAt() time.Time {
	return b.resumeAt
}

// Step returns the index of the duration the next idle outcome will use.
func (b *Backoff) Step() int {
	return b.index
}
