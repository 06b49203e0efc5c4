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

package idlehandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Monotonic(t *testing.T) {
	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	b := NewBackoff(durations)
	now := time.Unix(1636470000, 0)

	var previous time.Duration
	for i := 0; i < 10; i++ {
		delay := b.Idle(now)
		assert.GreaterOrEqual(t, delay, previous)
		assert.LessOrEqual(t, delay, 40*time.Millisecond)
		assert.Equal(t, now.Add(delay), b.ResumeAt())
		previous = delay
	}
	assert.Equal(t, 40*time.Millisecond, previous)
	assert.Equal(t, 2, b.Step())

	assert.False(t, b.Ready(now))
	assert.True(t, b.Ready(now.Add(40*time.Millisecond)))

	b.Reset()
	assert.Equal(t, 0, b.Step())
	assert.True(t, b.Ready(now))
	assert.Equal(t, 10*time.Millisecond, b.Idle(now))
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(nil)
	now := time.Unix(1636470000, 0)
	assert.True(t, b.Ready(now))
	assert.Equal(t, DefaultIdleDurations[0], b.Idle(now))
}

func TestBackoff_CopiesDurations(t *testing.T) {
	durations := []time.Duration{time.Second}
	b := NewBackoff(durations)
	durations[0] = time.Hour
	assert.Equal(t, time.Second, b.Idle(time.Unix(0, 0)))
}
