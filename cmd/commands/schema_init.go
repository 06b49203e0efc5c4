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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/numaflow-projections/pkg/config"
	"github.com/numaproj/numaflow-projections/pkg/shared/logging"
	"github.com/numaproj/numaflow-projections/pkg/shared/util"
)

func NewSchemaInitCommand() *cobra.Command {
	var configFile string

	command := &cobra.Command{
		Use:   "schema-init",
		Short: "Provision the checkpoint store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			log := logging.NewLogger().Named("schema-init")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return initSchema(logging.WithLogger(ctx, log), conf)
		},
	}
	addConfigFlags(command, &configFile)
	return command
}

func initSchema(ctx context.Context, conf *config.Config) (err error) {
	log := logging.FromContext(ctx)
	d := &dependencies{}
	if err := openStore(ctx, conf, d); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, d.Close())
	}()
	if err := util.Retry(ctx, util.BootstrapRetryBackoff, log, "migrate", d.migrate); err != nil {
		return fmt.Errorf("failed to provision the schema, %w", err)
	}
	for _, name := range conf.Projections {
		if _, err := d.store.GetOrCreateProjection(ctx, name); err != nil {
			return err
		}
	}
	log.Infow("Schema provisioned", zap.String("store", conf.Store.Type), zap.Strings("projections", conf.Projections))
	return nil
}
