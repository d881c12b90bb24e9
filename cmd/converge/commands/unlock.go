package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/converge/cmd/converge/handlers"
)

// Unlock returns the command that force-releases an abandoned state
// lock.
func Unlock() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Force-release the state lock",
		Long: `Unlock removes the state lock unconditionally.

Locks carry a lease and expire on their own when a holder crashes, so
unlock is rarely needed. Use it only when you are certain no apply is
running: releasing a lock out from under a live holder lets two
writers converge the same state.

Example:
  converge unlock --force`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Unlock(cmd.Context(), configPath, force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: converge.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "Confirm that no apply is currently running")

	return cmd
}
