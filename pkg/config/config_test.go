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


package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/numaflow-projections/pkg/projection/sequential"
	"github.com/numaproj/numaflow-projections/pkg/store"
)

const testYAML = `
mode: sequential
workers: [w1, w2]
batchSize: 50
lockTimeout: 10s
cacheSize: 500000
cacheDuration: 3h
idleDurations: [100ms, 1s]
projections: [orders, invoices]
exclude: [invoices]
store:
  type: postgres
  dsn: postgres://localhost/projections
source:
  table: domain_events
metrics:
  port: 9090
handler:
  name: redis
  filter: eventType == "OrderPlaced"
  redisAddrs: redis-0:6379,redis-1:6379
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	c, err := Load(writeConfig(t, testYAML), nil)
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, c.Mode)
	assert.Equal(t, []string{"w1", "w2"}, c.Workers)
	assert.Equal(t, 50, c.BatchSize)
	assert.Equal(t, 10*time.Second, c.LockTimeout)
	assert.Equal(t, sequential.MaxCacheSize, c.CacheSize)
	assert.Equal(t, sequential.MaxCacheDuration, c.CacheDuration)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, time.Second}, c.IdleDurations)
	assert.Equal(t, []string{"orders", "invoices"}, c.Projections)
	assert.Equal(t, []string{"invoices"}, c.Exclude)
	assert.Equal(t, TypePostgres, c.Store.Type)
	assert.Equal(t, "projections", c.Store.Schema)
	// the source follows the store unless told otherwise
	assert.Equal(t, TypePostgres, c.Source.Type)
	assert.Equal(t, "postgres://localhost/projections", c.Source.DSN)
	assert.Equal(t, "domain_events", c.Source.Table)
	assert.Equal(t, 9090, c.Metrics.Port)
	assert.Equal(t, "redis", c.Handler.Name)
	assert.Equal(t, `eventType == "OrderPlaced"`, c.Handler.Filter)
	assert.Equal(t, "redis-0:6379,redis-1:6379", c.Handler.RedisAddrs)
	assert.Equal(t, "projection", c.Handler.KeyPrefix)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("PROJECTIONS_PROJECTIONS", "orders,payments")
	t.Setenv("PROJECTIONS_STORE_DSN", "/tmp/env.db")
	t.Setenv("PROJECTIONS_IDLEDURATIONS", "1s,2s")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringSlice("workers", nil, "")
	fs.Int("batch-size", 0, "")
	require.NoError(t, fs.Parse([]string{"--workers=a,b,c", "--batch-size=7"}))

	c, err := Load(writeConfig(t, "mode: scheduler\n"), fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "payments"}, c.Projections)
	assert.Equal(t, []string{"a", "b", "c"}, c.Workers)
	assert.Equal(t, 7, c.BatchSize)
	assert.Equal(t, "/tmp/env.db", c.Store.DSN)
	assert.Equal(t, "/tmp/env.db", c.Source.DSN)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, c.IdleDurations)
}

func TestApplyDefaults(t *testing.T) {
	c := &Config{Workers: []string{"w"}, Projections: []string{"p"}}
	c.ApplyDefaults()
	assert.Equal(t, ModeScheduler, c.Mode)
	assert.Equal(t, 1000, c.BatchSize)
	assert.Equal(t, store.DefaultLockTimeout, c.LockTimeout)
	assert.Equal(t, 100, c.PrefetchCount)
	assert.Equal(t, 10000, c.CacheSize)
	assert.Equal(t, 5*time.Minute, c.CacheDuration)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 5 * time.Second}, c.IdleDurations)
	assert.Equal(t, store.DefaultLockResource, c.LockResource)
	assert.Equal(t, TypeSQLite, c.Store.Type)
	assert.Equal(t, TypeSQLite, c.Source.Type)
	assert.Equal(t, "events", c.Source.Table)
	assert.Equal(t, 2469, c.Metrics.Port)
	assert.Equal(t, "log", c.Handler.Name)
	// sqlite needs a dsn
	assert.EqualError(t, c.Validate(), "store.dsn is required for a sqlite store")
	c.Store.DSN = "x.db"
	c.Source.DSN = "x.db"
	assert.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Workers: []string{"w1"}, Projections: []string{"p"}, Store: StoreConfig{Type: TypeMemory}, Source: SourceConfig{Type: TypeMemory}}
		c.ApplyDefaults()
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		err    string
	}{
		{"mode", func(c *Config) { c.Mode = "roundrobin" }, `unsupported mode "roundrobin"`},
		{"no workers", func(c *Config) { c.Workers = nil }, "at least one worker is required"},
		{"duplicate worker", func(c *Config) { c.Workers = []string{"a", "a"} }, `duplicate worker "a"`},
		{"batch size", func(c *Config) { c.BatchSize = -1 }, "batchSize must be positive, got -1"},
		{"no projections", func(c *Config) { c.Projections = nil }, "at least one projection is required"},
		{"negative idle", func(c *Config) { c.IdleDurations = []time.Duration{-time.Second} }, "idle durations must not be negative, got -1s"},
		{"store type", func(c *Config) { c.Store.Type = "mysql" }, `unsupported store.type "mysql"`},
		{"schema", func(c *Config) { c.Store = StoreConfig{Type: TypePostgres, DSN: "postgres://x", Schema: "bad-schema"} }, `invalid store.schema "bad-schema"`},
		{"source table", func(c *Config) { c.Source = SourceConfig{Type: TypeSQLite, DSN: "x.db", Table: "events;"} }, `invalid source.table "events;"`},
		{"redis addrs", func(c *Config) { c.Source = SourceConfig{Type: TypeRedis, Stream: "s"} }, "source.redisAddrs is required for a redis source"},
		{"port", func(c *Config) { c.Metrics.Port = 70000 }, "invalid metrics.port 70000"},
		{"handler", func(c *Config) { c.Handler.Name = "kafka" }, `unsupported handler.name "kafka"`},
		{"redis handler", func(c *Config) { c.Handler.Name = "redis" }, "handler.redisAddrs is required for the redis handler"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.EqualError(t, c.Validate(), tt.err)
		})
	}
}
