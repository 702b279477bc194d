// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func (s *DB) CreateClient(ctx context.Context, c *storage.Client) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO clients (id, tenant_id, client_id, secret, name,
			redirect_uris, grant_types, auth_method, first_party, created_at)
		VALUES (:id, :tenant_id, :client_id, :secret, :name,
			:redirect_uris, :grant_types, :auth_method, :first_party, :created_at)`, c)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

func (s *DB) GetClient(ctx context.Context, tenantID, id string) (*storage.Client, error) {
	var c storage.Client
	err := s.db.GetContext(ctx, &c,
		s.db.Rebind(`SELECT * FROM clients WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if err != nil {
		return nil, mapGetErr(err, "client")
	}
	return &c, nil
}

func (s *DB) GetClientByClientID(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	var c storage.Client
	err := s.db.GetContext(ctx, &c,
		s.db.Rebind(`SELECT * FROM clients WHERE tenant_id = ? AND client_id = ?`),
		tenantID, clientID)
	if err != nil {
		return nil, mapGetErr(err, "client")
	}
	return &c, nil
}

func (s *DB) ListClients(ctx context.Context, tenantID string) ([]storage.Client, error) {
	var clients []storage.Client
	err := s.db.SelectContext(ctx, &clients,
		s.db.Rebind(`SELECT * FROM clients WHERE tenant_id = ? ORDER BY created_at`),
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	return clients, nil
}
