// Package engine implements the workflow instance runtime: the state machine
// that starts instances, applies approver actions, and advances or
// terminates them under optimistic concurrency control.
package engine

import (
	"context"

	"github.com/complyvue/approvald/model"
)

// InstanceStore persists workflow instances. Writes are conditional on the
// instance version (compare-and-swap); concurrent conflicting writers
// receive CONFLICT and must reload.
type InstanceStore interface {
	// Create persists a new instance.
	Create(ctx context.Context, inst model.WorkflowInstance) error

	// Get retrieves an instance by ID, scoped to a tenant. Returns NOT_FOUND
	// if the instance doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated instance with optimistic locking. The
	// version must match the current stored version; returns CONFLICT
	// otherwise. On success the stored version is incremented.
	Update(ctx context.Context, inst model.WorkflowInstance) error

	// List returns instances for a tenant matching the filters.
	List(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// FindPendingFor returns IN_PROGRESS instances whose current step's
	// effective assignee set contains the actor.
	FindPendingFor(ctx context.Context, tenantID, actorID string) ([]model.WorkflowInstance, error)

	// FindInProgress returns all IN_PROGRESS instances across tenants. Used
	// by the SLA sweeper, which operates on persisted state system-wide.
	FindInProgress(ctx context.Context) ([]model.WorkflowInstance, error)
}
