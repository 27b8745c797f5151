// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"github.com/PostHog/posthog-sub063/internal/workflows"
	"github.com/spf13/cobra"
)

// GetCompleteNoopCmd marks every outstanding migration that is not required
// for this instance, and whose dependency is fulfilled, as complete without
// running any operation.
func GetCompleteNoopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-noop-migrations",
		Short: "Mark safe no-op migrations as complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *workflows.Env) error {
				completed, err := workflows.CompleteNoop(cmd.Context(), env)
				if err != nil {
					return err
				}
				if len(completed) == 0 {
					cmd.Println("No no-op migrations to complete.")
					return nil
				}
				for _, name := range completed {
					cmd.Printf("Completed %s without running operations.\n", name)
				}
				return nil
			})
		},
	}
}
