// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func (s *DB) CreateProvider(ctx context.Context, p *storage.IdentityProvider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = storage.Now()
	}
	if p.Status == "" {
		p.Status = storage.ProviderDisabled
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO identity_providers (id, tenant_id, type, client_id,
			client_secret_sealed, issuer, scopes, status, created_at)
		VALUES (:id, :tenant_id, :type, :client_id,
			:client_secret_sealed, :issuer, :scopes, :status, :created_at)`, p)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting identity provider: %w", err)
	}
	return nil
}

func (s *DB) GetProvider(ctx context.Context, tenantID, id string) (*storage.IdentityProvider, error) {
	var p storage.IdentityProvider
	err := s.db.GetContext(ctx, &p,
		s.db.Rebind(`SELECT * FROM identity_providers WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if err != nil {
		return nil, mapGetErr(err, "identity provider")
	}
	return &p, nil
}

func (s *DB) GetProviderByType(ctx context.Context, tenantID, providerType string) (*storage.IdentityProvider, error) {
	var p storage.IdentityProvider
	err := s.db.GetContext(ctx, &p,
		s.db.Rebind(`SELECT * FROM identity_providers WHERE tenant_id = ? AND type = ?`),
		tenantID, providerType)
	if err != nil {
		return nil, mapGetErr(err, "identity provider")
	}
	return &p, nil
}

func (s *DB) ListProviders(ctx context.Context, tenantID string) ([]storage.IdentityProvider, error) {
	var providers []storage.IdentityProvider
	err := s.db.SelectContext(ctx, &providers,
		s.db.Rebind(`SELECT * FROM identity_providers WHERE tenant_id = ? ORDER BY type`),
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing identity providers: %w", err)
	}
	return providers, nil
}

// UpsertExternalIdentity inserts or refreshes the (provider, subject)
// link. Returns true when this sign-in created the link. Racing
// first sign-ins collapse onto the uniqueness constraint; the loser
// retries as an update.
func (s *DB) UpsertExternalIdentity(ctx context.Context, ident *storage.ExternalIdentity) (bool, error) {
	var existing storage.ExternalIdentity
	err := s.db.GetContext(ctx, &existing, s.db.Rebind(`
		SELECT * FROM external_identities WHERE provider_id = ? AND subject = ?`),
		ident.ProviderID, ident.Subject)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if ident.ID == "" {
			ident.ID = uuid.NewString()
		}
		if ident.CreatedAt.IsZero() {
			ident.CreatedAt = storage.Now()
		}
		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO external_identities (id, tenant_id, user_id,
				provider_id, subject, email, claims, last_login_at, created_at)
			VALUES (:id, :tenant_id, :user_id,
				:provider_id, :subject, :email, :claims, :last_login_at, :created_at)`,
			ident)
		if err == nil {
			return true, nil
		}
		if !isUniqueViolation(err) {
			return false, fmt.Errorf("inserting external identity: %w", err)
		}
		// Lost the race; fall through to update.
	case err != nil:
		return false, fmt.Errorf("querying external identity: %w", err)
	default:
		if existing.TenantID != ident.TenantID {
			return false, storage.ErrNotFound
		}
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE external_identities
		SET email = ?, claims = ?, last_login_at = ?
		WHERE provider_id = ? AND subject = ?`),
		ident.Email, ident.Claims, ident.LastLoginAt,
		ident.ProviderID, ident.Subject)
	if err != nil {
		return false, fmt.Errorf("updating external identity: %w", err)
	}
	return false, nil
}
