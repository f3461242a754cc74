// Package cmd defines the bonanza CLI commands.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/config"
	"github.com/JakeFAU/bonanza/internal/logging"
)

// rootState carries what PersistentPreRunE resolves to the subcommands.
type rootState struct {
	configFile string
	cfg        config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	state := &rootState{}
	cmd := &cobra.Command{
		Use:   "bonanza",
		Short: "Crawl listing sources and compute census block statistics.",
		Long: `bonanza crawls classified-ad and foreclosure listing sources, stores
geocoded listings, and recomputes segmented rolling statistics per census block.`,
		SilenceUsage: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(state.configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			state.cfg = cfg
			state.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&state.configFile, "config", "", "config file (YAML); BONANZA_* env vars override it")

	cmd.AddCommand(newRunCmd(state))
	cmd.AddCommand(newMigrateCmd(state))
	cmd.AddCommand(newImportBlocksCmd(state))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
