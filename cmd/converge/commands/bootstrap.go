package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/converge/cmd/converge/handlers"
)

// Bootstrap returns the command that provisions the backend
// infrastructure: the versioned S3 state bucket and the DynamoDB lock
// table.
func Bootstrap() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Provision the S3 state bucket and DynamoDB lock table",
		Long: `Bootstrap creates the backend infrastructure a workspace needs before
its first apply:

  - The S3 state bucket, with versioning enabled
  - The DynamoDB lock table, keyed on LockID

Bootstrap is idempotent: resources that already exist are left alone,
so it is safe to run repeatedly.

Example:
  converge bootstrap -c converge.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Bootstrap(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: converge.yaml)")

	return cmd
}
