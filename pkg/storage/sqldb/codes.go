// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func (s *DB) CreateAuthCode(ctx context.Context, c *storage.AuthCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO auth_codes (code, tenant_id, client_db_id, client_id,
			user_id, redirect_uri, scope, expires_at, created_at)
		VALUES (:code, :tenant_id, :client_db_id, :client_id,
			:user_id, :redirect_uri, :scope, :expires_at, :created_at)`, c)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode deletes and returns the code in one statement, making
// single use atomic even across processes. An expired code is consumed
// too but reported as ErrExpired.
func (s *DB) ConsumeAuthCode(ctx context.Context, tenantID, code string) (*storage.AuthCode, error) {
	var c storage.AuthCode
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`
		DELETE FROM auth_codes WHERE tenant_id = ? AND code = ?
		RETURNING code, tenant_id, client_db_id, client_id, user_id,
			redirect_uri, scope, expires_at, created_at`),
		tenantID, code)
	if err != nil {
		return nil, mapGetErr(err, "auth code")
	}
	if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(time.Now()) {
		return nil, storage.ErrExpired
	}
	return &c, nil
}
