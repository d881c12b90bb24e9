package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/converge/cmd/converge/handlers"
)

// Apply returns the command that plans and executes the change-set.
//
// Optional flags:
//
//	--config, -c:   Path to configuration YAML file (default: auto-detect converge.yaml)
//	--auto-approve: Skip the interactive confirmation prompt
//	--parallelism:  Maximum number of concurrent resource actions
//	--fail-fast:    Stop launching new actions after the first failure
func Apply() *cobra.Command {
	var (
		configPath  string
		autoApprove bool
		parallelism int
		failFast    bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the planned changes to reach the declared state",
		Long: `Apply computes the plan and executes it under the state lock.

Independent resources apply concurrently up to --parallelism. Every
completed action is persisted immediately, so an interrupted apply
never loses what already happened. A failed resource is tainted and
its dependents are skipped; unaffected subtrees keep going.

Examples:
  # Plan, confirm interactively, then apply
  converge apply

  # Apply without confirmation (CI)
  converge apply --auto-approve

  # Serialize all provider actions
  converge apply --parallelism 1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Apply(cmd.Context(), handlers.ApplyOptions{
				ConfigPath:  configPath,
				AutoApprove: autoApprove,
				Parallelism: parallelism,
				FailFast:    failFast,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: converge.yaml)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip interactive approval of the plan")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "Maximum number of concurrent resource actions")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop launching new actions after the first failure")

	return cmd
}
