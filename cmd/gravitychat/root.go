package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/suPer8Hu/gravitychat/internal/config"
	"github.com/suPer8Hu/gravitychat/internal/logging"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        config.Config
	log        *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "gravitychat",
		Short: "Multi-backend AI chat server",
		Long: `GravityChat serves a streaming chat API over cloud, local and bridge
model backends, with personas, speech and project context.

Configuration comes from the environment, optionally layered with a TOML
file given by --config.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.configPath == "" {
				a.configPath = os.Getenv("GRAVITY_CONFIG")
			}
			cfg, err := config.LoadFile(a.configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "TOML config file layered over the environment")

	root.AddCommand(newServeCmd(a), newIndexCmd(a), newLocalCmd(a))
	return root
}
