package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/config"
	"github.com/JakeFAU/bonanza/internal/model"
	pgstore "github.com/JakeFAU/bonanza/internal/store/postgres"
)

func newMigrateCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and seed the taxonomy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openPostgres(cmd.Context(), state.cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			tax := model.DefaultTaxonomy()
			if err := st.SeedTaxonomy(cmd.Context(), tax); err != nil {
				return fmt.Errorf("seed taxonomy: %w", err)
			}
			state.logger.Info("database migrated",
				zap.Int("dimensions", len(tax.Dimensions)),
				zap.Int("concepts", len(tax.Concepts)),
				zap.Int("features", len(tax.Features)),
			)
			return nil
		},
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgstore.Store, error) {
	if cfg.Backend != config.BackendPostgres {
		return nil, fmt.Errorf("database.backend must be %q, got %q", config.BackendPostgres, cfg.Backend)
	}
	st, err := pgstore.New(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        4,
		MaxConnLifetime: time.Duration(cfg.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
