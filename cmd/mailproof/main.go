package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailproof/mailproof/internal/config"
	"github.com/mailproof/mailproof/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "mailproof",
	Short:         "Personalized bulk email with per-recipient delivery evidence",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(sendCmd, authCmd, verifyCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the logger every command uses
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return cfg, log, nil
}
