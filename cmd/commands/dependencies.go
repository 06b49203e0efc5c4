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


package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/numaflow-projections/pkg/config"
	"github.com/numaproj/numaflow-projections/pkg/events"
	memsource "github.com/numaproj/numaflow-projections/pkg/events/memory"
	redissource "github.com/numaproj/numaflow-projections/pkg/events/redis"
	"github.com/numaproj/numaflow-projections/pkg/projection"
	"github.com/numaproj/numaflow-projections/pkg/projection/scheduler"
	"github.com/numaproj/numaflow-projections/pkg/projection/sequential"
	"github.com/numaproj/numaflow-projections/pkg/store"
	"github.com/numaproj/numaflow-projections/pkg/store/memory"
	"github.com/numaproj/numaflow-projections/pkg/store/postgres"
	"github.com/numaproj/numaflow-projections/pkg/store/sqlite"
)

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// dependencies are the store and the event source of a processing node.
type dependencies struct {
	store       store.CheckpointStore
	source      events.Source
	migrate     func(ctx context.Context) error
	healthCheck func() error
	closers     []io.Closer
}

// Close closes everything opened, in reverse order.
func (d *dependencies) Close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i].Close())
	}
	return err
}

func storeOptions(conf *config.Config) []store.Option {
	return []store.Option{
		store.WithLockTimeout(conf.LockTimeout),
		store.WithInclude(conf.Include...),
		store.WithExclude(conf.Exclude...),
		store.WithLockResource(conf.LockResource),
	}
}

func openStore(ctx context.Context, conf *config.Config, d *dependencies) error {
	switch conf.Store.Type {
	case config.TypeMemory:
		d.store = memory.NewStore(storeOptions(conf)...)
		d.migrate = func(context.Context) error { return nil }
		d.healthCheck = func() error { return nil }
	case config.TypeSQLite:
		st, err := sqlite.Open(conf.Store.DSN, storeOptions(conf)...)
		if err != nil {
			return err
		}
		d.store, d.migrate = st, st.Migrate
		d.healthCheck = func() error { return st.DB().PingContext(ctx) }
	case config.TypePostgres:
		st, err := postgres.Open(ctx, conf.Store.DSN, conf.Store.Schema, storeOptions(conf)...)
		if err != nil {
			return err
		}
		d.store, d.migrate = st, st.Migrate
		d.healthCheck = func() error { return st.Pool().Ping(ctx) }
	default:
		return fmt.Errorf("unsupported store type %q", conf.Store.Type)
	}
	d.closers = append(d.closers, d.store)
	return nil
}

func openSource(ctx context.Context, conf *config.Config, d *dependencies, log *zap.SugaredLogger) error {
	sameDatabase := conf.Source.Type == conf.Store.Type && conf.Source.DSN == conf.Store.DSN
	switch conf.Source.Type {
	case config.TypeMemory:
		log.Warn("Using an empty in-memory event source")
		d.source = memsource.NewSource()
	case config.TypeSQLite:
		if st, ok := d.store.(*sqlite.Store); ok && sameDatabase {
			src, err := sqlite.NewEventSource(st.DB(), conf.Source.Table)
			if err != nil {
				return err
			}
			d.source = src
			return nil
		}
		src, err := sqlite.OpenEventSource(conf.Source.DSN, conf.Source.Table)
		if err != nil {
			return err
		}
		d.source = src
		d.closers = append(d.closers, src)
	case config.TypePostgres:
		if st, ok := d.store.(*postgres.Store); ok && sameDatabase {
			d.source = postgres.NewEventSource(st.Pool(), conf.Store.Schema, conf.Source.Table)
			return nil
		}
		pool, err := pgxpool.New(ctx, conf.Source.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to the event database, %w", err)
		}
		d.source = postgres.NewEventSource(pool, conf.Store.Schema, conf.Source.Table)
		d.closers = append(d.closers, closerFunc(func() error {
			pool.Close()
			return nil
		}))
	case config.TypeRedis:
		client := redissource.NewClient(conf.Source.RedisAddrs)
		d.source = redissource.NewSource(client, conf.Source.Stream, redissource.WithLogger(log.Named("redis-event-source")))
		d.closers = append(d.closers, client)
	default:
		return fmt.Errorf("unsupported source type %q", conf.Source.Type)
	}
	return nil
}

// openDependencies opens the store and the source. Whatever was opened is
// closed when an error is returned.
func openDependencies(ctx context.Context, conf *config.Config, log *zap.SugaredLogger) (*dependencies, error) {
	d := &dependencies{}
	if err := openStore(ctx, conf, d); err != nil {
		return nil, err
	}
	if err := openSource(ctx, conf, d, log); err != nil {
		return nil, multierr.Append(err, d.Close())
	}
	return d, nil
}

func newService(conf *config.Config, d *dependencies, log *zap.SugaredLogger) (projection.Service, error) {
	switch conf.Mode {
	case config.ModeScheduler:
		return scheduler.NewScheduler(d.store, d.source,
			scheduler.WithBatchSize(conf.BatchSize),
			scheduler.WithIdleDurations(conf.IdleDurations),
			scheduler.WithProjections(conf.Projections...),
			scheduler.WithFilters(conf.Include, conf.Exclude),
			scheduler.WithLogger(log))
	case config.ModeSequential:
		return sequential.NewService(d.store, d.source,
			sequential.WithPrefetchCount(conf.PrefetchCount),
			sequential.WithCache(conf.CacheSize, conf.CacheDuration),
			sequential.WithIdleDurations(conf.IdleDurations),
			sequential.WithProjections(conf.Projections...),
			sequential.WithLogger(log))
	default:
		return nil, fmt.Errorf("unsupported mode %q", conf.Mode)
	}
}
