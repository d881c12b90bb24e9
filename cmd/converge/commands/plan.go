package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/converge/cmd/converge/handlers"
)

// Plan returns the command that computes and prints the change-set
// without touching any resource.
//
// Optional flags:
//
//	--config, -c:        Path to configuration YAML file (default: auto-detect converge.yaml)
//	--detailed-exitcode: Exit 2 instead of 0 when changes are pending
func Plan() *cobra.Command {
	var (
		configPath       string
		detailedExitCode bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the changes a converge apply would make",
		Long: `Plan diffs the declared resources against the last-applied state and
prints the resulting change-set: creates, updates, replacements and
deletes, in the order apply would execute them.

Planning is read-only. It takes no lock and changes nothing.

Examples:
  # Plan using converge.yaml in the current directory
  converge plan

  # Plan using a specific config file
  converge plan -c production.yaml

  # Exit 2 when changes are pending (CI drift detection)
  converge plan --detailed-exitcode`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Plan(cmd.Context(), configPath, detailedExitCode)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: converge.yaml)")
	cmd.Flags().BoolVar(&detailedExitCode, "detailed-exitcode", false, "Exit with code 2 when changes are pending")

	return cmd
}
