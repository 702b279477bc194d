// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func (s *DB) CreateSession(ctx context.Context, sess *storage.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, user_id, created_at, expires_at)
		VALUES (:id, :tenant_id, :user_id, :created_at, :expires_at)`, sess)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *DB) GetSession(ctx context.Context, tenantID, id string) (*storage.Session, error) {
	var sess storage.Session
	err := s.db.GetContext(ctx, &sess,
		s.db.Rebind(`SELECT * FROM sessions WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if err != nil {
		return nil, mapGetErr(err, "session")
	}
	return &sess, nil
}

func (s *DB) ExpireSession(ctx context.Context, tenantID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE sessions SET expires_at = ? WHERE tenant_id = ? AND id = ?`),
		storage.At(at), tenantID, id)
	if err != nil {
		return fmt.Errorf("expiring session: %w", err)
	}
	return requireAffected(res)
}

func (s *DB) CreateRefreshToken(ctx context.Context, r *storage.RefreshToken) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, insertRefreshToken, r)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

const insertRefreshToken = `
	INSERT INTO refresh_tokens (id, token, tenant_id, session_id,
		client_id, revoked, expires_at, created_at)
	VALUES (:id, :token, :tenant_id, :session_id,
		:client_id, :revoked, :expires_at, :created_at)`

func (s *DB) GetRefreshToken(ctx context.Context, tenantID, token string) (*storage.RefreshToken, error) {
	var r storage.RefreshToken
	err := s.db.GetContext(ctx, &r,
		s.db.Rebind(`SELECT * FROM refresh_tokens WHERE tenant_id = ? AND token = ?`),
		tenantID, token)
	if err != nil {
		return nil, mapGetErr(err, "refresh token")
	}
	return &r, nil
}

// RotateRefreshToken revokes the old token and inserts its replacement
// in one transaction, so at most one live token exists per session.
func (s *DB) RotateRefreshToken(ctx context.Context, tenantID, oldID string, replacement *storage.RefreshToken) error {
	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	if replacement.CreatedAt.IsZero() {
		replacement.CreatedAt = storage.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE refresh_tokens SET revoked = TRUE
			WHERE tenant_id = ? AND id = ? AND revoked = FALSE`),
		tenantID, oldID)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	if _, err := tx.NamedExecContext(ctx, insertRefreshToken, replacement); err != nil {
		return fmt.Errorf("inserting replacement refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *DB) RevokeRefreshToken(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE refresh_tokens SET revoked = TRUE WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return requireAffected(res)
}

// RevokeSessionTokens revokes every live refresh token of a session.
// Used by the reuse-detection cascade and by logout.
func (s *DB) RevokeSessionTokens(ctx context.Context, tenantID, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE refresh_tokens SET revoked = TRUE
			WHERE tenant_id = ? AND session_id = ? AND revoked = FALSE`),
		tenantID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("revoking session tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}
