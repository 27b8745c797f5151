// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"github.com/PostHog/posthog-sub063/internal/config"
	"github.com/PostHog/posthog-sub063/internal/core"
	"github.com/PostHog/posthog-sub063/internal/workflows"
	"github.com/spf13/cobra"
)

// GetCheckCmd is the pre-upgrade gate: exit non-zero if blocking migrations
// exist and the block-upgrade setting is on.
func GetCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Exit non-zero when migrations block an application upgrade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *workflows.Env) error {
				blocking, msg, err := workflows.Check(cmd.Context(), env)
				if err != nil {
					return err
				}
				if len(blocking) == 0 {
					cmd.Println("No blocking migrations.")
					return nil
				}

				cmd.Print(msg)
				if config.Get().Migrations.BlockUpgrade {
					return core.ConfigurationError.New("%d migration(s) block the upgrade", len(blocking))
				}
				cmd.Println("block-upgrade is disabled; proceeding anyway.")
				return nil
			})
		},
	}
}
