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


// Package handlers provides the builtin projection handlers selectable from
// the command line.
package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	redissource "github.com/numaproj/numaflow-projections/pkg/events/redis"
	"github.com/numaproj/numaflow-projections/pkg/projection"
	"github.com/numaproj/numaflow-projections/pkg/shared/expr"
)

const (
	NameLog       = "log"
	NameBlackhole = "blackhole"
	NameRedis     = "redis"
)

// Builtin describes a builtin handler and its optional event filter.
type Builtin struct {
	Name string
	// Filter is an expression evaluated against each event, false skips it.
	Filter string
	// RedisAddrs is a comma separated list of redis addresses.
	RedisAddrs string
	// KeyPrefix prefixes the redis hash of each projection.
	KeyPrefix string
	// Field is an expression computing the hash field of an event.
	Field string
}

// Handler builds the handler described by b.
func (b *Builtin) Handler(log *zap.SugaredLogger) (projection.Handler, error) {
	var h projection.Handler
	switch b.Name {
	case NameLog, "":
		h = NewLog(log)
	case NameBlackhole:
		h = NewBlackhole()
	case NameRedis:
		if b.RedisAddrs == "" {
			return nil, fmt.Errorf("redis addresses are required by the %q handler", NameRedis)
		}
		opts := []RedisOption{WithKeyPrefix(b.KeyPrefix)}
		if b.Field != "" {
			opts = append(opts, WithFieldExpression(b.Field))
		}
		r, err := NewRedis(redissource.NewClient(b.RedisAddrs), opts...)
		if err != nil {
			return nil, err
		}
		h = r
	default:
		return nil, fmt.Errorf("unrecognized handler %q", b.Name)
	}
	if b.Filter == "" {
		return h, nil
	}
	return NewFilter(b.Filter, h)
}

type filter struct {
	program *expr.Program
	next    projection.Handler
}

// NewFilter returns a handler passing to next only the events for which the
// expression is true.
func NewFilter(expression string, next projection.Handler) (projection.Handler, error) {
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	return &filter{program: program, next: next}, nil
}

func (f *filter) Handle(ctx context.Context, pe *projection.ProjectionEvent) error {
	ok, err := f.program.EvalBool(pe.Event)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return f.next.Handle(ctx, pe)
}

type logHandler struct {
	log *zap.SugaredLogger
}

// NewLog returns a handler that logs every event.
func NewLog(log *zap.SugaredLogger) projection.Handler {
	return &logHandler{log: log}
}

func (l *logHandler) Handle(_ context.Context, pe *projection.ProjectionEvent) error {
	l.log.Infow("Event",
		zap.String("projection", pe.Projection.Name),
		zap.Int64("sequenceNumber", pe.Event.SequenceNumber),
		zap.String("type", pe.Event.EventType),
		zap.String("id", pe.Event.ID.String()),
		zap.ByteString("data", pe.Event.Data))
	return nil
}

// NewBlackhole returns a handler that discards every event.
func NewBlackhole() projection.Handler {
	return projection.HandlerFunc(func(context.Context, *projection.ProjectionEvent) error {
		return nil
	})
}
