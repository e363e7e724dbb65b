package template

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/complyvue/approvald/model"
)

// PgStore is a PostgreSQL-backed template Store using pgx/v5. Steps and the
// notification policy are stored as JSONB columns.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL template store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new template.
func (s *PgStore) Create(ctx context.Context, tpl model.WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	notifJSON, err := json.Marshal(tpl.Notifications)
	if err != nil {
		return fmt.Errorf("marshal notifications: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_templates (
			id, tenant_id, name, description, applicable_type,
			steps, notifications, status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tpl.ID, tpl.TenantID, tpl.Name, tpl.Description, tpl.ApplicableType,
		stepsJSON, notifJSON, tpl.Status, tpl.Version, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// Get retrieves a template by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, templateID string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, applicable_type,
		       steps, notifications, status, version, created_at, updated_at
		FROM workflow_templates
		WHERE id = $1 AND tenant_id = $2`,
		templateID, tenantID,
	)

	tpl, err := scanTemplate(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", templateID),
		)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// Update persists an updated template with optimistic locking.
func (s *PgStore) Update(ctx context.Context, tpl model.WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	notifJSON, err := json.Marshal(tpl.Notifications)
	if err != nil {
		return fmt.Errorf("marshal notifications: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_templates SET
			name = $1, description = $2, applicable_type = $3,
			steps = $4, notifications = $5, status = $6,
			version = $7, updated_at = $8
		WHERE id = $9 AND version = $10`,
		tpl.Name, tpl.Description, tpl.ApplicableType,
		stepsJSON, notifJSON, tpl.Status,
		tpl.Version+1, time.Now().UTC(),
		tpl.ID, tpl.Version,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("template %q version conflict (expected %d)", tpl.ID, tpl.Version),
		)
	}
	return nil
}

// List returns templates for a tenant matching the filters.
func (s *PgStore) List(ctx context.Context, tenantID string, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	query := `SELECT id, tenant_id, name, description, applicable_type,
	                 steps, notifications, status, version, created_at, updated_at
	          FROM workflow_templates
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.ApplicableType != "" {
		query += fmt.Sprintf(" AND applicable_type = $%d", argIdx)
		args = append(args, filters.ApplicableType)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []model.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	var stepsJSON, notifJSON []byte

	err := row.Scan(
		&tpl.ID, &tpl.TenantID, &tpl.Name, &tpl.Description, &tpl.ApplicableType,
		&stepsJSON, &notifJSON, &tpl.Status, &tpl.Version, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &tpl.Steps); err != nil {
			return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if notifJSON != nil {
		if err := json.Unmarshal(notifJSON, &tpl.Notifications); err != nil {
			return model.WorkflowTemplate{}, fmt.Errorf("unmarshal notifications: %w", err)
		}
	}
	return tpl, nil
}
