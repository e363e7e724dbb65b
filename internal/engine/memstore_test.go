package engine

import (
	"context"
	"testing"
	"time"

	"github.com/complyvue/approvald/model"
)

func storedInstance(id, tenantID string, createdAt time.Time) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:         id,
		TemplateID: "tpl-1",
		TenantID:   tenantID,
		EntityType: model.EntityReport,
		EntityID:   "rep-" + id,
		Status:     model.InstanceStatusInProgress,
		StepHistory: []model.StepExecution{{
			StepOrder:  1,
			StepName:   "Review",
			AssignedTo: []string{"reviewer-1"},
			StartedAt:  createdAt,
		}},
		InitiatedBy: "alice",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		Version:     1,
	}
}

func TestMemoryInstanceStore_createAndGet(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()

	inst := storedInstance("inst-1", "tenant-1", time.Now().UTC())
	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := store.Create(ctx, inst); model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("duplicate create error = %v, want CONFLICT", err)
	}

	got, err := store.Get(ctx, "tenant-1", "inst-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.EntityID != "rep-inst-1" {
		t.Errorf("EntityID = %q", got.EntityID)
	}

	// Wrong tenant looks identical to a missing instance.
	if _, err := store.Get(ctx, "tenant-2", "inst-1"); model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("cross-tenant get error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryInstanceStore_getReturnsCopy(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()
	if err := store.Create(ctx, storedInstance("inst-1", "tenant-1", time.Now().UTC())); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	got, _ := store.Get(ctx, "tenant-1", "inst-1")
	got.StepHistory[0].AssignedTo[0] = "mallory"
	got.Status = model.InstanceStatusApproved

	fresh, _ := store.Get(ctx, "tenant-1", "inst-1")
	if fresh.Status != model.InstanceStatusInProgress {
		t.Error("stored status mutated through a returned copy")
	}
	if fresh.StepHistory[0].AssignedTo[0] != "reviewer-1" {
		t.Error("stored assignees mutated through a returned copy")
	}
}

func TestMemoryInstanceStore_optimisticLocking(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()

	inst := storedInstance("inst-1", "tenant-1", time.Now().UTC())
	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if err := store.Update(ctx, inst); err != nil {
		t.Fatalf("first update: %v", err)
	}
	got, _ := store.Get(ctx, "tenant-1", "inst-1")
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}

	// Second writer still holding version 1.
	if err := store.Update(ctx, inst); model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("stale update error = %v, want CONFLICT", err)
	}

	missing := storedInstance("ghost", "tenant-1", time.Now().UTC())
	if err := store.Update(ctx, missing); model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("missing update error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryInstanceStore_listFiltersAndPaging(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	a := storedInstance("inst-a", "tenant-1", base)
	b := storedInstance("inst-b", "tenant-1", base.Add(time.Minute))
	b.Status = model.InstanceStatusApproved
	c := storedInstance("inst-c", "tenant-2", base)
	for _, inst := range []model.WorkflowInstance{a, b, c} {
		if err := store.Create(ctx, inst); err != nil {
			t.Fatalf("Create %s: %v", inst.ID, err)
		}
	}

	all, err := store.List(ctx, "tenant-1", model.InstanceFilters{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 2 || all[0].ID != "inst-b" {
		t.Errorf("list = %v, want [inst-b inst-a] (newest first)", ids(all))
	}

	approved, _ := store.List(ctx, "tenant-1", model.InstanceFilters{Status: model.InstanceStatusApproved})
	if len(approved) != 1 || approved[0].ID != "inst-b" {
		t.Errorf("approved = %v", ids(approved))
	}

	page, _ := store.List(ctx, "tenant-1", model.InstanceFilters{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "inst-a" {
		t.Errorf("page = %v, want [inst-a]", ids(page))
	}
	empty, _ := store.List(ctx, "tenant-1", model.InstanceFilters{Offset: 10})
	if len(empty) != 0 {
		t.Errorf("out-of-range offset = %v, want empty", ids(empty))
	}
}

func TestMemoryInstanceStore_findPendingFor(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()
	base := time.Now().UTC()

	open := storedInstance("inst-open", "tenant-1", base)
	done := storedInstance("inst-done", "tenant-1", base)
	done.Status = model.InstanceStatusApproved
	delegated := storedInstance("inst-delegated", "tenant-1", base)
	delegated.StepHistory[0].DelegatedBy = "reviewer-1"
	delegated.StepHistory[0].DelegatedTo = "deputy-1"
	for _, inst := range []model.WorkflowInstance{open, done, delegated} {
		if err := store.Create(ctx, inst); err != nil {
			t.Fatalf("Create %s: %v", inst.ID, err)
		}
	}

	got, err := store.FindPendingFor(ctx, "tenant-1", "reviewer-1")
	if err != nil {
		t.Fatalf("FindPendingFor error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("pending for reviewer-1 = %v, want 2", ids(got))
	}

	deputy, _ := store.FindPendingFor(ctx, "tenant-1", "deputy-1")
	if len(deputy) != 1 || deputy[0].ID != "inst-delegated" {
		t.Errorf("pending for deputy-1 = %v", ids(deputy))
	}

	if none, _ := store.FindPendingFor(ctx, "tenant-1", "stranger"); len(none) != 0 {
		t.Errorf("pending for stranger = %v, want empty", ids(none))
	}
}

func TestMemoryInstanceStore_findInProgressCrossesTenants(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()
	base := time.Now().UTC()

	a := storedInstance("inst-a", "tenant-1", base)
	b := storedInstance("inst-b", "tenant-2", base.Add(time.Second))
	c := storedInstance("inst-c", "tenant-1", base)
	c.Status = model.InstanceStatusCancelled
	for _, inst := range []model.WorkflowInstance{a, b, c} {
		if err := store.Create(ctx, inst); err != nil {
			t.Fatalf("Create %s: %v", inst.ID, err)
		}
	}

	got, err := store.FindInProgress(ctx)
	if err != nil {
		t.Fatalf("FindInProgress error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "inst-a" || got[1].ID != "inst-b" {
		t.Errorf("in progress = %v, want [inst-a inst-b] (oldest first)", ids(got))
	}
}

func ids(instances []model.WorkflowInstance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.ID
	}
	return out
}
