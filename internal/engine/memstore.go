package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/complyvue/approvald/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for testing and
// single-node deployments. Instances are deep-copied on the way in and out
// so callers can never mutate stored state without going through Update.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{instances: make(map[string]model.WorkflowInstance)}
}

// Create persists a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("instance %q already exists", inst.ID),
		)
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *MemoryInstanceStore) Get(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryInstanceStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", inst.ID),
		)
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// List returns instances for a tenant matching the filters, newest first.
func (s *MemoryInstanceStore) List(_ context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.EntityType != "" && inst.EntityType != filters.EntityType {
			continue
		}
		if filters.TemplateID != "" && inst.TemplateID != filters.TemplateID {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindPendingFor returns IN_PROGRESS instances where the actor may act on
// the current step.
func (s *MemoryInstanceStore) FindPendingFor(_ context.Context, tenantID, actorID string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID || inst.Status != model.InstanceStatusInProgress {
			continue
		}
		step := inst.CurrentStep()
		if step == nil || step.CompletedAt != nil {
			continue
		}
		if step.CanAct(actorID) {
			result = append(result, cloneInstance(inst))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// FindInProgress returns all IN_PROGRESS instances across tenants.
func (s *MemoryInstanceStore) FindInProgress(_ context.Context) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == model.InstanceStatusInProgress {
			result = append(result, cloneInstance(inst))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance deep-copies an instance through JSON. Instances are small;
// correctness beats speed here.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	data, err := json.Marshal(inst)
	if err != nil {
		panic(fmt.Sprintf("clone instance: %v", err))
	}
	var out model.WorkflowInstance
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone instance: %v", err))
	}
	return out
}
