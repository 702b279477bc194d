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

func (s *DB) CreateTenant(ctx context.Context, t *storage.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tenants (id, slug, name, created_at)
		VALUES (:id, :slug, :name, :created_at)`, t)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

func (s *DB) GetTenant(ctx context.Context, id string) (*storage.Tenant, error) {
	var t storage.Tenant
	err := s.db.GetContext(ctx, &t,
		s.db.Rebind(`SELECT * FROM tenants WHERE id = ?`), id)
	if err != nil {
		return nil, mapGetErr(err, "tenant")
	}
	return &t, nil
}

func (s *DB) GetTenantBySlug(ctx context.Context, slug string) (*storage.Tenant, error) {
	var t storage.Tenant
	err := s.db.GetContext(ctx, &t,
		s.db.Rebind(`SELECT * FROM tenants WHERE slug = ?`), slug)
	if err != nil {
		return nil, mapGetErr(err, "tenant")
	}
	return &t, nil
}

// DeleteTenant removes the tenant; foreign keys cascade to every child
// table.
func (s *DB) DeleteTenant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM tenants WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// mapGetErr converts sql.ErrNoRows to the storage sentinel, wrapping
// anything else with the entity name.
func mapGetErr(err error, entity string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("querying %s: %w", entity, err)
}
