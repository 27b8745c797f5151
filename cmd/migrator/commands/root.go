// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"

	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/PostHog/posthog-sub063/internal/version"
	"github.com/automa-saga/logx"
	"github.com/joomcode/errorx"
	"github.com/spf13/cobra"
)

// examples:
// ./migrator run --config ./config.yaml
// ./migrator plan
// ./migrator check
// ./migrator complete-noop-migrations

var (
	// Used for flags.
	flagConfig       string
	flagVersion      bool
	flagOutputFormat string

	rootCmd = &cobra.Command{
		Use:   "migrator",
		Short: "Run and inspect async migrations against the analytical store",
		Long: "Async migration runner - executes long-running schema and data migrations " +
			"without blocking application startup or requiring downtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagVersion {
				out, err := version.Get().Format(flagOutputFormat)
				if err != nil {
					return err
				}
				cmd.Println(out)
				return nil
			}
			return cmd.Help()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&flagVersion, "version", "v", false, "Show version")
	rootCmd.PersistentFlags().StringVarP(&flagOutputFormat, "output", "o", "yaml", "Output format (yaml|json)")

	// disable command sorting to keep the order of commands as added
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(GetRunCmd())
	rootCmd.AddCommand(GetPlanCmd())
	rootCmd.AddCommand(GetCheckCmd())
	rootCmd.AddCommand(GetCompleteNoopCmd())
	rootCmd.AddCommand(GetSweepCmd())
}

// Execute executes the root command.
func Execute(ctx context.Context) error {
	if ctx == nil {
		return errorx.IllegalArgument.New("context is required")
	}

	cobra.OnInitialize(func() {
		initConfig()
	})

	_, err := rootCmd.ExecuteContextC(ctx)
	if err != nil {
		return errorx.IllegalState.Wrap(err, "failed to execute command")
	}
	return nil
}

func initConfig() {
	if err := config.Initialize(flagConfig); err != nil {
		cobra.CheckErr(err)
	}
	if err := logx.Initialize(config.Get().Log); err != nil {
		cobra.CheckErr(err)
	}
}
