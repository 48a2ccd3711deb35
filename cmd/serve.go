package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/agentrelay/pkg/config"
	"github.com/lkarlslund/agentrelay/pkg/logutil"
	"github.com/lkarlslund/agentrelay/pkg/proxy"
	"github.com/lkarlslund/agentrelay/pkg/version"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveEnvFile            string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, found, err := config.LoadServerConfigOrDefault(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if rootLogLevel != "" {
				cfg.LogLevel = rootLogLevel
			}
			cfg.Normalize()
			if err := logutil.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}
			if !found {
				log.Warn("no server config found, using defaults", "path", serveConfigPath)
			}
			if err := config.LoadEnv(serveEnvFile, cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			if id, secret := config.ClientCredentials(); id == "" || secret == "" {
				log.Warn("client credentials are not set; session requests will fail",
					"id_var", config.EnvClientID, "secret_var", config.EnvClientSecret)
			}

			srv, err := proxy.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			log.Info("starting", "version", version.String())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "Dotenv file with client credentials; optional unless set explicitly")
	rootCmd.AddCommand(serveCmd)
}
