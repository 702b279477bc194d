// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func (s *DB) GetActiveKey(ctx context.Context, tenantID string) (*storage.JwkKey, error) {
	var k storage.JwkKey
	err := s.db.GetContext(ctx, &k,
		s.db.Rebind(`SELECT * FROM jwk_keys WHERE tenant_id = ? AND status = ?`),
		tenantID, storage.KeyStatusActive)
	if err != nil {
		return nil, mapGetErr(err, "signing key")
	}
	return &k, nil
}

func (s *DB) ListPublishableKeys(ctx context.Context, tenantID string, now time.Time) ([]storage.JwkKey, error) {
	var keys []storage.JwkKey
	err := s.db.SelectContext(ctx, &keys, s.db.Rebind(`
		SELECT * FROM jwk_keys
		WHERE tenant_id = ?
		  AND (status = ? OR (status = ? AND not_after > ?))
		ORDER BY created_at DESC`),
		tenantID, storage.KeyStatusActive, storage.KeyStatusRetired, storage.At(now))
	if err != nil {
		return nil, fmt.Errorf("listing publishable keys: %w", err)
	}
	return keys, nil
}

func (s *DB) GetKeyByKid(ctx context.Context, tenantID, kid string) (*storage.JwkKey, error) {
	var k storage.JwkKey
	err := s.db.GetContext(ctx, &k,
		s.db.Rebind(`SELECT * FROM jwk_keys WHERE tenant_id = ? AND kid = ?`),
		tenantID, kid)
	if err != nil {
		return nil, mapGetErr(err, "signing key")
	}
	return &k, nil
}

// RotateKeys retires the current active key and installs the
// replacement as active in one transaction. The partial unique index on
// (tenant_id) WHERE status='active' backstops the single-active
// invariant.
func (s *DB) RotateKeys(ctx context.Context, tenantID string, replacement *storage.JwkKey, notAfter time.Time) error {
	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	if replacement.CreatedAt.IsZero() {
		replacement.CreatedAt = storage.Now()
	}
	replacement.Status = storage.KeyStatusActive
	if replacement.NotBefore.IsZero() {
		replacement.NotBefore = storage.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE jwk_keys SET status = ?, not_after = ?
		WHERE tenant_id = ? AND status = ?`),
		storage.KeyStatusRetired, storage.At(notAfter),
		tenantID, storage.KeyStatusActive); err != nil {
		return fmt.Errorf("retiring active key: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO jwk_keys (id, tenant_id, kid, public_jwk,
			private_jwk_sealed, status, not_before, not_after, created_at)
		VALUES (:id, :tenant_id, :kid, :public_jwk,
			:private_jwk_sealed, :status, :not_before, :not_after, :created_at)`,
		replacement); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting signing key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
