package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ctxsync",
	Short: "Keeps derived context records in step with their source repository",
	Long: "Tracks the source repository, scores drift of derived records, validates and heals " +
		"failures, prunes records by tier and checkpoints known-good states for rollback.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
