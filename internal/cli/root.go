package cli

import (
	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "opgated",
		Short:         "opgated: stall/continuation decision coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("opgated {{.Version}}\n")

	cmd.AddCommand(newServeCmd())

	return cmd
}
