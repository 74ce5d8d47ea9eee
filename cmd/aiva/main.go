// Command aiva runs the assistant core.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/config"
	"github.com/xiaot623/aiva/internal/logging"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "aiva",
		Short:         "AIVA, a local AI assistant with gated tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default "+config.DefaultConfigFile+" when present)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", config.DefaultEnvFile, ".env file loaded before the config")

	cmd.AddCommand(newServeCmd(opts), newConsoleCmd(opts), newToolsCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configFile, o.envFile)
}

func (o *rootOptions) logger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}
