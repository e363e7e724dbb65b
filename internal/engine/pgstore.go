package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/complyvue/approvald/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5. Step
// history and SLA data live in JSONB columns; the version column carries the
// optimistic lock.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	historyJSON, slaJSON, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, template_id, tenant_id, entity_type, entity_id,
			current_step_index, status, step_history, sla,
			initiated_by, created_at, updated_at, completed_at,
			final_decision, final_comment, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16
		)`,
		inst.ID, inst.TemplateID, inst.TenantID, inst.EntityType, inst.EntityID,
		inst.CurrentStepIndex, inst.Status, historyJSON, slaJSON,
		inst.InitiatedBy, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
		inst.FinalDecision, inst.FinalComment, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *PgInstanceStore) Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, selectInstance+` WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)

	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgInstanceStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	historyJSON, slaJSON, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_step_index = $1,
			status = $2,
			step_history = $3,
			sla = $4,
			completed_at = $5,
			final_decision = $6,
			final_comment = $7,
			version = $8,
			updated_at = $9
		WHERE id = $10 AND version = $11`,
		inst.CurrentStepIndex, inst.Status, historyJSON, slaJSON,
		inst.CompletedAt, inst.FinalDecision, inst.FinalComment,
		inst.Version+1, time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// List returns instances for a tenant matching the filters.
func (s *PgInstanceStore) List(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := selectInstance + ` WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filters.EntityType)
		argIdx++
	}
	if filters.TemplateID != "" {
		query += fmt.Sprintf(" AND template_id = $%d", argIdx)
		args = append(args, filters.TemplateID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindPendingFor returns IN_PROGRESS instances where the actor may act on
// the current step. Assignee membership lives inside the step_history JSONB,
// so candidate rows are filtered in Go after a status-scoped query.
func (s *PgInstanceStore) FindPendingFor(ctx context.Context, tenantID, actorID string) ([]model.WorkflowInstance, error) {
	candidates, err := s.queryInstances(ctx,
		selectInstance+` WHERE tenant_id = $1 AND status = $2 ORDER BY created_at DESC`,
		tenantID, model.InstanceStatusInProgress,
	)
	if err != nil {
		return nil, err
	}

	var result []model.WorkflowInstance
	for _, inst := range candidates {
		step := inst.CurrentStep()
		if step == nil || step.CompletedAt != nil {
			continue
		}
		if step.CanAct(actorID) {
			result = append(result, inst)
		}
	}
	return result, nil
}

// FindInProgress returns all IN_PROGRESS instances across tenants.
func (s *PgInstanceStore) FindInProgress(ctx context.Context) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx,
		selectInstance+` WHERE status = $1 ORDER BY created_at ASC`,
		model.InstanceStatusInProgress,
	)
}

const selectInstance = `
	SELECT id, template_id, tenant_id, entity_type, entity_id,
	       current_step_index, status, step_history, sla,
	       initiated_by, created_at, updated_at, completed_at,
	       final_decision, final_comment, version
	FROM workflow_instances`

func (s *PgInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var historyJSON, slaJSON []byte

	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TenantID, &inst.EntityType, &inst.EntityID,
		&inst.CurrentStepIndex, &inst.Status, &historyJSON, &slaJSON,
		&inst.InitiatedBy, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt,
		&inst.FinalDecision, &inst.FinalComment, &inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &inst.StepHistory); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal step history: %w", err)
		}
	}
	if slaJSON != nil {
		if err := json.Unmarshal(slaJSON, &inst.SLA); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal sla: %w", err)
		}
	}
	return inst, nil
}

func marshalInstanceJSON(inst model.WorkflowInstance) (historyJSON, slaJSON []byte, err error) {
	historyJSON, err = json.Marshal(inst.StepHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal step history: %w", err)
	}
	slaJSON, err = json.Marshal(inst.SLA)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal sla: %w", err)
	}
	return historyJSON, slaJSON, nil
}
