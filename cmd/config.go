package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/agentrelay/pkg/config"
	"github.com/lkarlslund/agentrelay/pkg/wizard"
)

var (
	configServerPath string
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadServerConfigOrDefault(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			return wizard.RunServerWizard(configServerPath, cfg)
		},
	}

	configCmd.Flags().StringVar(&configServerPath, "server-config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(configCmd)
}
