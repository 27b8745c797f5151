// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"github.com/PostHog/posthog-sub063/internal/workflows"
	"github.com/joomcode/errorx"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// GetPlanCmd lists outstanding required migrations without running them.
func GetPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "List outstanding required migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(env *workflows.Env) error {
				entries, err := workflows.Plan(cmd.Context(), env)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					cmd.Println("No outstanding migrations.")
					return nil
				}
				out, err := yaml.Marshal(entries)
				if err != nil {
					return errorx.IllegalFormat.Wrap(err, "failed to render plan")
				}
				cmd.Print(string(out))
				return nil
			})
		},
	}
}
