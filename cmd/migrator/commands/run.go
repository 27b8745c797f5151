// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/PostHog/posthog-sub063/internal/workflows"
	"github.com/spf13/cobra"
)

var flagIgnoreVersions bool

// GetRunCmd returns the default mode: run every outstanding required and
// in-range migration to completion, exiting non-zero if any fails.
func GetRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all outstanding migrations to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ignoreVersions := flagIgnoreVersions || config.Get().Migrations.IgnoreVersions
			return withProcessLock(func() error {
				return withEnv(func(env *workflows.Env) error {
					return runWorkflow(cmd.Context(), workflows.NewRunWorkflow(env, ignoreVersions))
				})
			})
		},
	}
	cmd.Flags().BoolVar(&flagIgnoreVersions, "ignore-versions", false,
		"Skip application version window checks (administrative runs)")
	return cmd
}
