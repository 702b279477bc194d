// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/Volcar144/WayGate-sub000/pkg/config"
	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/keys"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
	"github.com/Volcar144/WayGate-sub000/pkg/storage/sqldb"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantCreateCmd())
	return cmd
}

func newTenantCreateCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create <slug>",
		Short: "Create a tenant and provision its signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := args[0]
			if !slugPattern.MatchString(slug) {
				return fmt.Errorf("slug %q must be lowercase alphanumeric with hyphens", slug)
			}
			if name == "" {
				name = slug
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := sqldb.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			tenant := &storage.Tenant{Slug: slug, Name: name}
			if err := store.CreateTenant(cmd.Context(), tenant); err != nil {
				return fmt.Errorf("creating tenant: %w", err)
			}

			sealer, err := crypto.NewSealer(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			km := keys.NewManager(store, store, sealer)
			key, err := km.EnsureActive(cmd.Context(), tenant.ID)
			if err != nil {
				return fmt.Errorf("provisioning signing key: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created tenant %s (id %s)\n", slug, tenant.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Issuer: %s\n", cfg.TenantIssuer(slug))
			fmt.Fprintf(cmd.OutOrStdout(), "Active signing key: %s\n", key.Kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the slug)")
	return cmd
}
