// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/spf13/cobra"

	"github.com/Volcar144/WayGate-sub000/pkg/config"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/storage/sqldb"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Long: `Apply pending database migrations against DATABASE_URL and exit.
The serve command also migrates on startup; this command exists for
deployments that migrate as a separate step.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Open applies pending migrations before returning.
		store, err := sqldb.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		logger.Info("Migrations applied")
		return nil
	},
}
