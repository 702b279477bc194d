// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func (s *DB) CreateFlow(ctx context.Context, f *storage.Flow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = storage.Now()
	}
	if f.Version == 0 {
		f.Version = 1
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO flows (id, tenant_id, name, flow_trigger, status,
			version, nodes, created_at)
		VALUES (:id, :tenant_id, :name, :flow_trigger, :status,
			:version, :nodes, :created_at)`, f)
	if err != nil {
		return fmt.Errorf("inserting flow: %w", err)
	}
	return nil
}

// GetActiveFlow returns the enabled flow with the highest version for
// (tenant, trigger).
func (s *DB) GetActiveFlow(ctx context.Context, tenantID, trigger string) (*storage.Flow, error) {
	var f storage.Flow
	err := s.db.GetContext(ctx, &f, s.db.Rebind(`
		SELECT * FROM flows
		WHERE tenant_id = ? AND flow_trigger = ? AND status = ?
		ORDER BY version DESC LIMIT 1`),
		tenantID, trigger, storage.FlowEnabled)
	if err != nil {
		return nil, mapGetErr(err, "flow")
	}
	return &f, nil
}

func (s *DB) GetUiPrompt(ctx context.Context, tenantID, id string) (*storage.UiPrompt, error) {
	var p storage.UiPrompt
	err := s.db.GetContext(ctx, &p,
		s.db.Rebind(`SELECT * FROM ui_prompts WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if err != nil {
		return nil, mapGetErr(err, "ui prompt")
	}
	return &p, nil
}

func (s *DB) CreateUiPrompt(ctx context.Context, p *storage.UiPrompt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ui_prompts (id, tenant_id, title, description,
			schema, timeout_sec, created_at)
		VALUES (:id, :tenant_id, :title, :description,
			:schema, :timeout_sec, :created_at)`, p)
	if err != nil {
		return fmt.Errorf("inserting ui prompt: %w", err)
	}
	return nil
}

func (s *DB) CreateFlowRun(ctx context.Context, r *storage.FlowRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = storage.Now()
	}
	if r.Status == "" {
		r.Status = storage.RunRunning
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO flow_runs (id, tenant_id, flow_id, user_id,
			request_rid, flow_trigger, context, status, current_node_id,
			started_at, finished_at, last_error)
		VALUES (:id, :tenant_id, :flow_id, :user_id,
			:request_rid, :flow_trigger, :context, :status, :current_node_id,
			:started_at, :finished_at, :last_error)`, r)
	if err != nil {
		return fmt.Errorf("inserting flow run: %w", err)
	}
	return nil
}

func (s *DB) GetFlowRun(ctx context.Context, tenantID, id string) (*storage.FlowRun, error) {
	var r storage.FlowRun
	err := s.db.GetContext(ctx, &r,
		s.db.Rebind(`SELECT * FROM flow_runs WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	if err != nil {
		return nil, mapGetErr(err, "flow run")
	}
	return &r, nil
}

func (s *DB) UpdateFlowRun(ctx context.Context, r *storage.FlowRun) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE flow_runs SET
			user_id = :user_id, context = :context, status = :status,
			current_node_id = :current_node_id, finished_at = :finished_at,
			last_error = :last_error
		WHERE tenant_id = :tenant_id AND id = :id`, r)
	if err != nil {
		return fmt.Errorf("updating flow run: %w", err)
	}
	return requireAffected(res)
}

func (s *DB) AppendFlowEvent(ctx context.Context, e *storage.FlowEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO flow_events (tenant_id, flow_run_id, node_id, type,
			metadata, created_at)
		VALUES (:tenant_id, :flow_run_id, :node_id, :type,
			:metadata, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("inserting flow event: %w", err)
	}
	return nil
}

// UpsertUserMetadata writes the per-namespace document, replacing any
// previous value.
func (s *DB) UpsertUserMetadata(ctx context.Context, m *storage.UserMetadata) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = storage.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO user_metadata (tenant_id, user_id, namespace, data, updated_at)
		VALUES (:tenant_id, :user_id, :namespace, :data, :updated_at)
		ON CONFLICT (tenant_id, user_id, namespace)
		DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, m)
	if err != nil {
		return fmt.Errorf("upserting user metadata: %w", err)
	}
	return nil
}

func (s *DB) GetUserMetadata(ctx context.Context, tenantID, userID, namespace string) (*storage.UserMetadata, error) {
	var m storage.UserMetadata
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`
		SELECT * FROM user_metadata
		WHERE tenant_id = ? AND user_id = ? AND namespace = ?`),
		tenantID, userID, namespace)
	if err != nil {
		return nil, mapGetErr(err, "user metadata")
	}
	return &m, nil
}
