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

// Package projection defines the contracts between workers and the services that
// hand them events to apply to projections.
package projection

import (
	"context"
	"errors"

	"github.com/numaproj/numaflow-projections/pkg/events"
	"github.com/numaproj/numaflow-projections/pkg/store"
)

var (
	// ErrNoWorkers is returned when a service is started without worker identities.
	ErrNoWorkers = errors.New("no workers configured")
	// ErrNoProjections is returned when no projection passes the configured filters.
	ErrNoProjections = errors.New("no projections configured")
)

// ProjectionEvent is one event to apply to one projection.
type ProjectionEvent struct {
	Projection store.Projection
	Event      events.Event
}

// Service hands events to workers and accepts their acknowledgments.
type Service interface {
	// RetrieveEvent returns the next event for the worker, or nil when there is no work.
	RetrieveEvent(ctx context.Context, worker string) (*ProjectionEvent, error)
	// AcknowledgeEvent records that the event was applied.
	AcknowledgeEvent(ctx context.Context, pe *ProjectionEvent) error
}

// Handler applies events to the read model of a projection.
type Handler interface {
	Handle(ctx context.Context, pe *ProjectionEvent) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, pe *ProjectionEvent) error

func (f HandlerFunc) Handle(ctx context.Context, pe *ProjectionEvent) error {
	return f(ctx, pe)
}

// UnknownWorkerErr is returned when a worker identity was not registered at startup.
type UnknownWorkerErr struct {
	Worker string
}

func (e *UnknownWorkerErr) Error() string {
	return "unknown worker " + e.Worker
}

// StartableService is a Service that must learn its worker identities before use.
type StartableService interface {
	Service
	Startup(ctx context.Context, workers []string) error
}
