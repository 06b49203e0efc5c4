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
	"os"

	"github.com/spf13/cobra"
)

const (
	CLIName = "numaflow-projections"
)

var rootCmd = &cobra.Command{
	Use:   CLIName,
	Short: "Projection processing engine",
	Long:  "Claims projections, schedules their events across named workers and journals checkpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.HelpFunc()(cmd, args)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(NewProcessorCommand())
	rootCmd.AddCommand(NewSchemaInitCommand())
	rootCmd.AddCommand(NewVersionCommand())
}

// addConfigFlags registers the flags that override configuration keys.
func addConfigFlags(command *cobra.Command, configFile *string) {
	command.Flags().StringVarP(configFile, "config", "c", "", "Configuration file, projections.yaml is searched in . and /etc/numaflow-projections when empty")
	command.Flags().String("store-type", "", "Checkpoint store type, 'sqlite', 'postgres' or 'memory'")
	command.Flags().String("store-dsn", "", "Checkpoint store DSN")
}
