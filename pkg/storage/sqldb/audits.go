// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"fmt"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func (s *DB) AppendAudit(ctx context.Context, a *storage.Audit) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audits (tenant_id, user_id, action, ip, user_agent,
			detail, created_at)
		VALUES (:tenant_id, :user_id, :action, :ip, :user_agent,
			:detail, :created_at)`, a)
	if err != nil {
		return fmt.Errorf("inserting audit: %w", err)
	}
	return nil
}
