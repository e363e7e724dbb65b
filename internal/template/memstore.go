package template

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/complyvue/approvald/model"
)

// MemoryStore is an in-memory template Store for testing and single-node
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]model.WorkflowTemplate // key: template ID
}

// NewMemoryStore creates a new in-memory template store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]model.WorkflowTemplate)}
}

// Create persists a new template.
func (s *MemoryStore) Create(_ context.Context, tpl model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[tpl.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("template %q already exists", tpl.ID),
		)
	}
	s.templates[tpl.ID] = tpl
	return nil
}

// Get retrieves a template by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, templateID string) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.templates[templateID]
	if !exists || tpl.TenantID != tenantID {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", templateID),
		)
	}
	return tpl, nil
}

// Update persists an updated template with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, tpl model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.templates[tpl.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("template %q not found", tpl.ID),
		)
	}
	if existing.Version != tpl.Version {
		return model.NewConflictError(
			fmt.Sprintf("template %q version conflict (expected %d, got %d)", tpl.ID, tpl.Version, existing.Version),
		)
	}

	tpl.Version++
	tpl.UpdatedAt = time.Now().UTC()
	s.templates[tpl.ID] = tpl
	return nil
}

// List returns templates for a tenant matching the filters, newest first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTemplate
	for _, tpl := range s.templates {
		if tpl.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && tpl.Status != filters.Status {
			continue
		}
		if filters.ApplicableType != "" && tpl.ApplicableType != filters.ApplicableType {
			continue
		}
		result = append(result, tpl)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}
