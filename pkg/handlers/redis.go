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


package handlers

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/numaproj/numaflow-projections/pkg/projection"
	"github.com/numaproj/numaflow-projections/pkg/shared/expr"
)

// DefaultKeyPrefix prefixes the hash of every projection.
const DefaultKeyPrefix = "projection"

// Redis keeps one hash per projection, "<prefix>:<projection>", mapping a field
// derived from each event to the event data. Later events overwrite earlier
// ones with the same field.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	field     *expr.Program
}

type RedisOption func(*Redis) error

// WithKeyPrefix sets the hash key prefix
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) error {
		if prefix != "" {
			r.keyPrefix = prefix
		}
		return nil
	}
}

// WithFieldExpression computes the hash field with an expression instead of
// using the partition key of the event.
func WithFieldExpression(expression string) RedisOption {
	return func(r *Redis) error {
		p, err := expr.Compile(expression)
		if err != nil {
			return err
		}
		r.field = p
		return nil
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) (*Redis, error) {
	r := &Redis{client: client, keyPrefix: DefaultKeyPrefix}
	for _, o := range opts {
		if err := o(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Redis) Handle(ctx context.Context, pe *projection.ProjectionEvent) error {
	field := pe.Event.PartitionKey().String()
	if r.field != nil {
		var err error
		if field, err = r.field.EvalString(pe.Event); err != nil {
			return err
		}
	}
	key := r.keyPrefix + ":" + pe.Projection.Name
	if err := r.client.HSet(ctx, key, field, pe.Event.Data).Err(); err != nil {
		return fmt.Errorf("failed to write %s to %s, %w", field, key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
