package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/converge/cmd/converge/handlers"
)

// Destroy returns the destroy command.
//
// The destroy command removes every resource recorded in state, in
// reverse dependency order.
func Destroy() *cobra.Command {
	var (
		configPath  string
		autoApprove bool
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy every resource recorded in state",
		Long: `Destroy plans the removal of everything the state document records and
executes it under the state lock, dependents before their dependencies.

The declared configuration is only used to reach the backend; resources
are destroyed from state, so resources removed from the configuration
earlier are destroyed too.

Example:
  converge destroy -c converge.yaml

WARNING: This operation is irreversible.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Destroy(cmd.Context(), handlers.DestroyOptions{
				ConfigPath:  configPath,
				AutoApprove: autoApprove,
				Parallelism: parallelism,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: converge.yaml)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip interactive approval of the destroy plan")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "Maximum number of concurrent resource actions")

	return cmd
}
