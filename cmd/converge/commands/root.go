// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument
// parsing, flag binding, and validation. Command execution is delegated
// to handler functions in the handlers package.
package commands

import "github.com/spf13/cobra"

// Root returns the root command for the converge CLI.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Reconcile declared infrastructure against its applied state",
	}

	// Core commands
	cmd.AddCommand(Plan())
	cmd.AddCommand(Apply())
	cmd.AddCommand(Destroy())

	// Backend and utility commands
	cmd.AddCommand(Bootstrap())
	cmd.AddCommand(Unlock())
	cmd.AddCommand(Version())
	cmd.AddCommand(Completion())

	return cmd
}
