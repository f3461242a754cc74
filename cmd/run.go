package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bonanza/internal/server"
)

func newRunCmd(state *rootState) *cobra.Command {
	var opts server.Options
	cmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Start the configured workers and the ops server",
		Long: `Starts every configured task, or only the named ones, under one supervisor.
SIGINT or SIGTERM stops all workers and waits for them to exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Tasks = args
			app, err := server.Build(cmd.Context(), state.cfg, state.logger, opts)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run each producer immediately, once")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "override the worker count of every task")
	return cmd
}
