package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/agentrelay/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print agentrelay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("agentrelay"))
		},
	})
}
