package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/agentrelay/pkg/logutil"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "agentrelay",
	Short: "Streaming relay for Agentforce agents",
	Long:  "Agentrelay exposes an Agentforce agent to browsers as a small session API with server-sent events.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "", "Log level override (trace, debug, info, warn, error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		if rootLogLevel != "" {
			return logutil.SetLevel(rootLogLevel)
		}
		return nil
	}
}
