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

func (s *DB) GetConsent(ctx context.Context, tenantID, userID, clientID string) (*storage.Consent, error) {
	var c storage.Consent
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`
		SELECT * FROM consents
		WHERE tenant_id = ? AND user_id = ? AND client_id = ?`),
		tenantID, userID, clientID)
	if err != nil {
		return nil, mapGetErr(err, "consent")
	}
	return &c, nil
}

// UpsertConsent creates the consent row or merges newly approved scopes
// into the existing grant.
func (s *DB) UpsertConsent(ctx context.Context, tenantID, userID, clientID string, scopes []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var existing storage.Consent
	err = tx.GetContext(ctx, &existing, tx.Rebind(`
		SELECT * FROM consents
		WHERE tenant_id = ? AND user_id = ? AND client_id = ?`),
		tenantID, userID, clientID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c := storage.Consent{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			UserID:    userID,
			ClientID:  clientID,
			Scopes:    storage.StringSlice(scopes),
			CreatedAt: storage.Now(),
			UpdatedAt: storage.Now(),
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO consents (id, tenant_id, user_id, client_id,
				scopes, created_at, updated_at)
			VALUES (:id, :tenant_id, :user_id, :client_id,
				:scopes, :created_at, :updated_at)`, &c); err != nil {
			return fmt.Errorf("inserting consent: %w", err)
		}
	case err != nil:
		return fmt.Errorf("querying consent: %w", err)
	default:
		merged := existing.Scopes
		for _, scope := range scopes {
			if !merged.Contains(scope) {
				merged = append(merged, scope)
			}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE consents SET scopes = ?, updated_at = ? WHERE id = ?`),
			merged, storage.Now(), existing.ID); err != nil {
			return fmt.Errorf("updating consent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
