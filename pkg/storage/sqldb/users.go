// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func (s *DB) CreateUser(ctx context.Context, u *storage.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = storage.Now()
	}
	u.Email = normalizeEmail(u.Email)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, tenant_id, email, name, email_verified,
			password_hash, is_admin, created_at, last_login_at)
		VALUES (:id, :tenant_id, :email, :name, :email_verified,
			:password_hash, :is_admin, :created_at, :last_login_at)`, u)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *DB) GetUser(ctx context.Context, tenantID, id string) (*storage.User, error) {
	var u storage.User
	err := s.db.GetContext(ctx, &u,
		s.db.Rebind(`SELECT * FROM users WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if err != nil {
		return nil, mapGetErr(err, "user")
	}
	return &u, nil
}

func (s *DB) GetUserByEmail(ctx context.Context, tenantID, email string) (*storage.User, error) {
	var u storage.User
	err := s.db.GetContext(ctx, &u,
		s.db.Rebind(`SELECT * FROM users WHERE tenant_id = ? AND email = ?`),
		tenantID, normalizeEmail(email))
	if err != nil {
		return nil, mapGetErr(err, "user")
	}
	return &u, nil
}

// UpsertUserByEmail finds or creates a user. The first-admin decision
// runs inside a transaction that locks the tenant row, so two racing
// first logins with different emails cannot both observe an empty
// tenant. A same-email racer hits the (tenant, email) uniqueness and
// falls back to the select.
func (s *DB) UpsertUserByEmail(ctx context.Context, tenantID, email, name string) (*storage.User, bool, error) {
	email = normalizeEmail(email)

	if u, err := s.GetUserByEmail(ctx, tenantID, email); err == nil {
		return u, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	// On postgres the row lock serializes concurrent first logins; on
	// sqlite the single writer connection already does, and FOR UPDATE
	// is not accepted syntax.
	lock := `SELECT id FROM tenants WHERE id = ?`
	if s.driver == driverPostgres {
		lock += ` FOR UPDATE`
	}
	var lockedID string
	if err := tx.GetContext(ctx, &lockedID, tx.Rebind(lock), tenantID); err != nil {
		return nil, false, mapGetErr(err, "tenant")
	}

	var count int
	if err := tx.GetContext(ctx, &count,
		tx.Rebind(`SELECT COUNT(*) FROM users WHERE tenant_id = ?`), tenantID); err != nil {
		return nil, false, fmt.Errorf("counting users: %w", err)
	}

	u := &storage.User{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Email:         email,
		Name:          name,
		EmailVerified: true,
		IsAdmin:       count == 0,
		CreatedAt:     storage.Now(),
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO users (id, tenant_id, email, name, email_verified,
			password_hash, is_admin, created_at, last_login_at)
		VALUES (:id, :tenant_id, :email, :name, :email_verified,
			:password_hash, :is_admin, :created_at, :last_login_at)`, u)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a same-email race; release the lock before reading
			// the winner's row.
			rollback(tx)
			existing, selErr := s.GetUserByEmail(ctx, tenantID, email)
			if selErr != nil {
				return nil, false, selErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("inserting user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing user insert: %w", err)
	}
	return u, true, nil
}

func (s *DB) SetUserLastLogin(ctx context.Context, tenantID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE users SET last_login_at = ? WHERE tenant_id = ? AND id = ?`),
		storage.At(at), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return requireAffected(res)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// requireAffected maps a zero-row update to ErrNotFound.
func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
