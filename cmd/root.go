package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/webhook-gateway/cmd/worker"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:          "webhook-gateway",
		Short:        "Outbound webhook delivery gateway",
		SilenceUsage: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}

// bootstrap loads the config and builds the process logger.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger.Log, nil
}
