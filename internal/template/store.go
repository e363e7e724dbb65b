// Package template owns reusable workflow definitions: validation, CRUD, and
// the DRAFT → ACTIVE → INACTIVE/ARCHIVED lifecycle.
package template

import (
	"context"

	"github.com/complyvue/approvald/model"
)

// Store persists workflow templates.
type Store interface {
	// Create persists a new template.
	Create(ctx context.Context, tpl model.WorkflowTemplate) error

	// Get retrieves a template by ID, scoped to a tenant. Returns NOT_FOUND
	// if the template doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, templateID string) (model.WorkflowTemplate, error)

	// Update persists an updated template with optimistic locking. The
	// version must match the current stored version; returns CONFLICT
	// otherwise.
	Update(ctx context.Context, tpl model.WorkflowTemplate) error

	// List returns templates for a tenant matching the filters.
	List(ctx context.Context, tenantID string, filters model.TemplateFilters) ([]model.WorkflowTemplate, error)
}
