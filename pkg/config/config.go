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


// Package config loads the configuration of a processing node from a YAML
// file, environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/numaproj/numaflow-projections/pkg/handlers"
	"github.com/numaproj/numaflow-projections/pkg/metrics"
	"github.com/numaproj/numaflow-projections/pkg/projection/scheduler"
	"github.com/numaproj/numaflow-projections/pkg/projection/sequential"
	"github.com/numaproj/numaflow-projections/pkg/shared/idlehandler"
	"github.com/numaproj/numaflow-projections/pkg/store"
	"github.com/numaproj/numaflow-projections/pkg/store/postgres"
	"github.com/numaproj/numaflow-projections/pkg/store/sqlite"
)

const (
	// ConfigName is the file name, without extension, searched in the config paths.
	ConfigName = "projections"
	// EnvPrefix prefixes every environment override, e.g. PROJECTIONS_STORE_DSN.
	EnvPrefix = "PROJECTIONS"

	ModeScheduler  = "scheduler"
	ModeSequential = "sequential"

	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeRedis    = "redis"

	DefaultDSN    = "projections.db"
	DefaultStream = "events"
)

// ConfigPaths are searched in order when no config file is given.
var ConfigPaths = []string{".", "/etc/numaflow-projections"}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"mode":         "mode",
	"workers":      "workers",
	"projections":  "projections",
	"batch-size":   "batchSize",
	"store-type":   "store.type",
	"store-dsn":    "store.dsn",
	"source-type":  "source.type",
	"metrics-port": "metrics.port",
	"handler":      "handler.name",
	"filter":       "handler.filter",
}

type Config struct {
	Mode          string          `mapstructure:"mode"`
	Workers       []string        `mapstructure:"workers"`
	BatchSize     int             `mapstructure:"batchSize"`
	LockTimeout   time.Duration   `mapstructure:"lockTimeout"`
	PrefetchCount int             `mapstructure:"prefetchCount"`
	CacheSize     int             `mapstructure:"cacheSize"`
	CacheDuration time.Duration   `mapstructure:"cacheDuration"`
	IdleDurations []time.Duration `mapstructure:"idleDurations"`
	Projections   []string        `mapstructure:"projections"`
	Include       []string        `mapstructure:"include"`
	Exclude       []string        `mapstructure:"exclude"`
	LockResource  string          `mapstructure:"lockResource"`
	Store         StoreConfig     `mapstructure:"store"`
	Source        SourceConfig    `mapstructure:"source"`
	Metrics       MetricsConfig   `mapstructure:"metrics"`
	Handler       HandlerConfig   `mapstructure:"handler"`
}

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	Type   string `mapstructure:"type"`
	DSN    string `mapstructure:"dsn"`
	Schema string `mapstructure:"schema"`
}

// SourceConfig selects the event log. SQL sources default to the store DSN.
type SourceConfig struct {
	Type       string `mapstructure:"type"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	RedisAddrs string `mapstructure:"redisAddrs"`
	Stream     string `mapstructure:"stream"`
}

// HandlerConfig selects the builtin handler applying the events.
type HandlerConfig struct {
	Name       string `mapstructure:"name"`
	Filter     string `mapstructure:"filter"`
	RedisAddrs string `mapstructure:"redisAddrs"`
	KeyPrefix  string `mapstructure:"keyPrefix"`
	Field      string `mapstructure:"field"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeScheduler)
	v.SetDefault("workers", []string{"worker-0"})
	v.SetDefault("batchSize", scheduler.DefaultBatchSize)
	v.SetDefault("lockTimeout", store.DefaultLockTimeout)
	v.SetDefault("prefetchCount", sequential.DefaultPrefetchCount)
	v.SetDefault("cacheSize", sequential.DefaultCacheSize)
	v.SetDefault("cacheDuration", sequential.DefaultCacheDuration)
	v.SetDefault("idleDurations", idlehandler.DefaultIdleDurations)
	v.SetDefault("projections", []string{})
	v.SetDefault("include", []string{})
	v.SetDefault("exclude", []string{})
	v.SetDefault("lockResource", store.DefaultLockResource)
	v.SetDefault("store.type", TypeSQLite)
	v.SetDefault("store.dsn", DefaultDSN)
	v.SetDefault("store.schema", postgres.DefaultSchema)
	v.SetDefault("source.type", "")
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.table", sqlite.DefaultEventTable)
	v.SetDefault("source.redisAddrs", "")
	v.SetDefault("source.stream", DefaultStream)
	v.SetDefault("metrics.port", metrics.DefaultMetricsPort)
	v.SetDefault("handler.name", handlers.NameLog)
	v.SetDefault("handler.filter", "")
	v.SetDefault("handler.redisAddrs", "")
	v.SetDefault("handler.keyPrefix", handlers.DefaultKeyPrefix)
	v.SetDefault("handler.field", "")
}

// NewViper reads configFile, or projections.yaml from ConfigPaths when empty,
// and binds the environment and the known flags of fs. A missing file is only
// an error when configFile is set.
func NewViper(configFile string, fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigName)
		for _, p := range ConfigPaths {
			v.AddConfigPath(p)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %q, %w", name, err)
				}
			}
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load configuration file. %w", err)
		}
	}
	return v, nil
}

// Unmarshal decodes, defaults and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed unmarshal configuration. %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load is NewViper followed by Unmarshal.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v, err := NewViper(configFile, fs)
	if err != nil {
		return nil, err
	}
	return Unmarshal(v)
}

// Watch calls onChange with the new configuration every time the config file
// changes, or onError when the new content is invalid.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		c, err := Unmarshal(v)
		if err != nil {
			onError(fmt.Errorf("failed to reload %s, %w", e.Name, err))
			return
		}
		onChange(c)
	})
	v.WatchConfig()
}

// ApplyDefaults fills unset values and caps the cache bounds.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeScheduler
	}
	if c.BatchSize == 0 {
		c.BatchSize = scheduler.DefaultBatchSize
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = store.DefaultLockTimeout
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = sequential.DefaultPrefetchCount
	}
	if c.CacheSize <= 0 {
		c.CacheSize = sequential.DefaultCacheSize
	}
	if c.CacheSize > sequential.MaxCacheSize {
		c.CacheSize = sequential.MaxCacheSize
	}
	if c.CacheDuration <= 0 {
		c.CacheDuration = sequential.DefaultCacheDuration
	}
	if c.CacheDuration > sequential.MaxCacheDuration {
		c.CacheDuration = sequential.MaxCacheDuration
	}
	if len(c.IdleDurations) == 0 {
		c.IdleDurations = idlehandler.DefaultIdleDurations
	}
	if c.LockResource == "" {
		c.LockResource = store.DefaultLockResource
	}
	if c.Store.Type == "" {
		c.Store.Type = TypeSQLite
	}
	if c.Store.Type == TypePostgres && c.Store.Schema == "" {
		c.Store.Schema = postgres.DefaultSchema
	}
	if c.Source.Type == "" {
		c.Source.Type = c.Store.Type
	}
	if c.Source.DSN == "" && c.Source.Type == c.Store.Type {
		c.Source.DSN = c.Store.DSN
	}
	if c.Source.Table == "" {
		c.Source.Table = sqlite.DefaultEventTable
	}
	if c.Source.Stream == "" {
		c.Source.Stream = DefaultStream
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = metrics.DefaultMetricsPort
	}
	if c.Handler.Name == "" {
		c.Handler.Name = handlers.NameLog
	}
	if c.Handler.KeyPrefix == "" {
		c.Handler.KeyPrefix = handlers.DefaultKeyPrefix
	}
	if c.Handler.Name == handlers.NameRedis && c.Handler.RedisAddrs == "" {
		c.Handler.RedisAddrs = c.Source.RedisAddrs
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeScheduler, ModeSequential:
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("at least one worker is required")
	}
	seen := make(map[string]struct{}, len(c.Workers))
	for _, w := range c.Workers {
		if w == "" {
			return fmt.Errorf("worker names must not be empty")
		}
		if _, ok := seen[w]; ok {
			return fmt.Errorf("duplicate worker %q", w)
		}
		seen[w] = struct{}{}
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.PrefetchCount <= 0 {
		return fmt.Errorf("prefetchCount must be positive, got %d", c.PrefetchCount)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lockTimeout must be positive, got %s", c.LockTimeout)
	}
	for _, d := range c.IdleDurations {
		if d < 0 {
			return fmt.Errorf("idle durations must not be negative, got %s", d)
		}
	}
	if len(c.Projections) == 0 {
		return fmt.Errorf("at least one projection is required")
	}
	switch c.Store.Type {
	case TypeMemory:
	case TypeSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for a %s store", c.Store.Type)
		}
	case TypePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for a %s store", c.Store.Type)
		}
		if !identifier.MatchString(c.Store.Schema) {
			return fmt.Errorf("invalid store.schema %q", c.Store.Schema)
		}
	default:
		return fmt.Errorf("unsupported store.type %q", c.Store.Type)
	}
	switch c.Source.Type {
	case TypeMemory:
	case TypeSQLite, TypePostgres:
		if c.Source.DSN == "" {
			return fmt.Errorf("source.dsn is required for a %s source", c.Source.Type)
		}
		if !identifier.MatchString(c.Source.Table) {
			return fmt.Errorf("invalid source.table %q", c.Source.Table)
		}
	case TypeRedis:
		if c.Source.RedisAddrs == "" {
			return fmt.Errorf("source.redisAddrs is required for a redis source")
		}
		if c.Source.Stream == "" {
			return fmt.Errorf("source.stream is required for a redis source")
		}
	default:
		return fmt.Errorf("unsupported source.type %q", c.Source.Type)
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics.port %d", c.Metrics.Port)
	}
	switch c.Handler.Name {
	case handlers.NameLog, handlers.NameBlackhole:
	case handlers.NameRedis:
		if c.Handler.RedisAddrs == "" {
			return fmt.Errorf("handler.redisAddrs is required for the redis handler")
		}
	default:
		return fmt.Errorf("unsupported handler.name %q", c.Handler.Name)
	}
	return nil
}
