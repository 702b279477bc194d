// SPDX-License-Identifier: Apache-2.0

// Package app wires the waygate CLI commands.
package app

import (
	"github.com/spf13/cobra"

	"github.com/Volcar144/WayGate-sub000/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "waygate",
	DisableAutoGenTag: true,
	Short:             "WayGate is a multi-tenant OpenID Connect provider",
	Long: `WayGate is a multi-tenant OpenID Connect provider built around
passwordless email sign-in, federated upstream identity providers, and
per-tenant signing keys. Each tenant is an isolated issuer under
/a/<slug> with its own keys, clients, users, and sign-in flows.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("displaying help: %v", err)
		}
	},
}

// NewRootCmd builds the waygate root command.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(newTenantCmd())

	return rootCmd
}
