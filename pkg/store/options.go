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

package store

import (
	"time"

	"k8s.io/utils/clock"
)

const (
	DefaultLockTimeout  = 30 * time.Second
	DefaultLockResource = "numaflow-projections/claim"
	// DefaultChunkSize is the number of journal rows inserted per statement.
	DefaultChunkSize = 200
)

// Options are the settings shared by every CheckpointStore implementation.
type Options struct {
	// LockTimeout is how long a claim stays valid without being renewed.
	LockTimeout time.Duration
	// Include limits claiming to the named projections, empty means all.
	Include []string
	// Exclude removes the named projections from claiming.
	Exclude []string
	// LockResource identifies the advisory lock serializing claims.
	LockResource string
	// ChunkSize bounds the rows per journal insert statement.
	ChunkSize int
	// Clock is the time source.
	Clock clock.Clock
}

type Option func(*Options)

// DefaultOptions returns the default store options.
func DefaultOptions() *Options {
	return &Options{
		LockTimeout:  DefaultLockTimeout,
		LockResource: DefaultLockResource,
		ChunkSize:    DefaultChunkSize,
		Clock:        clock.RealClock{},
	}
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLockTimeout sets the claim expiry.
func WithLockTimeout(t time.Duration) Option {
	return func(o *Options) {
		if t > 0 {
			o.LockTimeout = t
		}
	}
}

// WithInclude sets the projection names eligible for claiming.
func WithInclude(names ...string) Option {
	return func(o *Options) {
		o.Include = names
	}
}

// WithExclude sets the projection names never claimed.
func WithExclude(names ...string) Option {
	return func(o *Options) {
		o.Exclude = names
	}
}

// WithLockResource sets the advisory lock resource identifier.
func WithLockResource(resource string) Option {
	return func(o *Options) {
		if resource != "" {
			o.LockResource = resource
		}
	}
}

// WithChunkSize sets the number of journal rows per insert statement.
func WithChunkSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ChunkSize = n
		}
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// Allowed reports whether a projection passes the include and exclude filters.
func (o *Options) Allowed(name string) bool {
	for _, e := range o.Exclude {
		if e == name {
			return false
		}
	}
	if len(o.Include) == 0 {
		return true
	}
	for _, i := range o.Include {
		if i == name {
			return true
		}
	}
	return false
}

// Eligible reports whether p can be claimed at now.
func (o *Options) Eligible(p Projection, now time.Time) bool {
	if !o.Allowed(p.Name) {
		return false
	}
	if p.LockedAt != nil && p.LockedAt.After(now.Add(-o.LockTimeout)) {
		return false
	}
	if p.DeferredUntil != nil && p.DeferredUntil.After(now) {
		return false
	}
	return true
}

// Chunks splits seqs into slices of at most size elements.
func Chunks(seqs []int64, size int) [][]int64 {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][]int64
	for start := 0; start < len(seqs); start += size {
		end := start + size
		if end > len(seqs) {
			end = len(seqs)
		}
		out = append(out, seqs[start:end])
	}
	return out
}
