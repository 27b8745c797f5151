// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"github.com/PostHog/posthog-sub063/internal/workflows"
	"github.com/spf13/cobra"
)

// GetSweepCmd runs one health sweep over the running migration, resuming or
// failing it if its worker disappeared. Intended to be invoked from a timer.
func GetSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Check the running migration's worker and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *workflows.Env) error {
				return env.Dispatcher.HealthSweep(cmd.Context())
			})
		},
	}
}
