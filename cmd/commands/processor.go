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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	projections "github.com/numaproj/numaflow-projections"
	"github.com/numaproj/numaflow-projections/pkg/config"
	"github.com/numaproj/numaflow-projections/pkg/handlers"
	"github.com/numaproj/numaflow-projections/pkg/metrics"
	"github.com/numaproj/numaflow-projections/pkg/processor"
	"github.com/numaproj/numaflow-projections/pkg/shared/logging"
	"github.com/numaproj/numaflow-projections/pkg/shared/util"
)

const shutdownTimeout = 10 * time.Second

func NewProcessorCommand() *cobra.Command {
	var configFile string

	command := &cobra.Command{
		Use:   "processor",
		Short: "Start a projection processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			conf, err := config.Unmarshal(v)
			if err != nil {
				return err
			}
			log := logging.NewLogger().Named("processor")
			version := projections.GetVersion()
			log.Infow("Starting projection processor", zap.String("version", version.Version), zap.String("mode", conf.Mode), zap.Strings("workers", conf.Workers))
			metrics.BuildInfo.WithLabelValues(version.Version, version.Platform, conf.Mode).Set(1)

			config.Watch(v, func(*config.Config) {
				log.Info("Configuration file changed, restart the processor to apply it")
			}, func(err error) {
				log.Warnw("Ignoring invalid configuration change", zap.Error(err))
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProcessor(logging.WithLogger(ctx, log), conf)
		},
	}
	addConfigFlags(command, &configFile)
	command.Flags().String("mode", "", "Service mode, 'scheduler' or 'sequential'")
	command.Flags().StringSlice("workers", nil, "Worker identities, e.g. --workers=w0,w1")
	command.Flags().StringSlice("projections", nil, "Projection names")
	command.Flags().Int("batch-size", 0, "Events fetched per batch in scheduler mode")
	command.Flags().String("source-type", "", "Event source type, 'sqlite', 'postgres', 'redis' or 'memory'")
	command.Flags().Int("metrics-port", 0, "Metrics server port")
	command.Flags().String("handler", "", "Builtin handler, 'log', 'blackhole' or 'redis'")
	command.Flags().String("filter", "", "Expression selecting the events passed to the handler")
	return command
}

// runProcessor wires the store, the source, the projection service, the
// handler, the worker pool and the metrics server, and runs until ctx is done.
func runProcessor(ctx context.Context, conf *config.Config) (err error) {
	log := logging.FromContext(ctx)
	deps, err := openDependencies(ctx, conf, log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, deps.Close())
	}()

	if err := util.Retry(ctx, util.BootstrapRetryBackoff, log, "migrate", deps.migrate); err != nil {
		return fmt.Errorf("failed to provision the schema, %w", err)
	}
	svc, err := newService(conf, deps, log)
	if err != nil {
		return err
	}
	builtin := &handlers.Builtin{
		Name:       conf.Handler.Name,
		Filter:     conf.Handler.Filter,
		RedisAddrs: conf.Handler.RedisAddrs,
		KeyPrefix:  conf.Handler.KeyPrefix,
		Field:      conf.Handler.Field,
	}
	handler, err := builtin.Handler(log.Named("handler"))
	if err != nil {
		return err
	}
	if c, ok := handler.(io.Closer); ok {
		defer func() {
			err = multierr.Append(err, c.Close())
		}()
	}
	pool, err := processor.NewProcessor(svc, handler, conf.Workers, processor.WithLogger(log.Named("workers")))
	if err != nil {
		return err
	}

	ms := metrics.NewMetricsServer(metrics.WithPort(conf.Metrics.Port), metrics.WithHealthCheckExecutor(deps.healthCheck))
	_, shutdown, err := ms.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, shutdown(sctx))
	}()
	ms.MarkReady()

	if err := pool.Start(ctx); err != nil {
		return err
	}
	log.Info("Projection processor stopped")
	return nil
}
